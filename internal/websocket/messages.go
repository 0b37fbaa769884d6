package websocket

import (
	"time"

	"autotrader/internal/events"
	"autotrader/internal/risk"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeEvent - событие шины: решения риск-контура, жизненный цикл
	// ордеров, обновления позиций
	MessageTypeEvent MessageType = "event"

	// MessageTypeStatus - снимок риск-контура. Отправляется новому клиенту
	// при подключении и после событий breaker/просадки.
	MessageTypeStatus MessageType = "status"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventMessage - событие шины как есть
type EventMessage struct {
	BaseMessage
	Data events.Event `json:"data"`
}

// StatusMessage - сводка риск-контура для панели оператора
type StatusMessage struct {
	BaseMessage
	Data *StatusData `json:"data"`
}

// StatusData - данные снимка
type StatusData struct {
	Equity    string `json:"equity"`
	Positions int    `json:"positions"`

	// Circuit breaker
	BreakerTripped    bool   `json:"breaker_tripped"`
	BreakerReason     string `json:"breaker_reason,omitempty"`
	ConsecutiveLosses int    `json:"consecutive_losses"`

	// Просадка
	Halted           bool   `json:"halted"`
	HaltReason       string `json:"halt_reason,omitempty"`
	PeakEquity       string `json:"peak_equity"`
	DailyStartEquity string `json:"daily_start_equity"`
}

// ============ Фабричные функции для создания сообщений ============

// NewEventMessage создает сообщение события
func NewEventMessage(e events.Event) *EventMessage {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &EventMessage{
		BaseMessage: BaseMessage{Type: MessageTypeEvent, Timestamp: ts},
		Data:        e,
	}
}

// NewStatusMessage создает сообщение со снимком риск-контура
func NewStatusMessage(st risk.Status) *StatusMessage {
	return &StatusMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeStatus,
			Timestamp: time.Now(),
		},
		Data: &StatusData{
			Equity:            st.Equity.String(),
			Positions:         st.Positions,
			BreakerTripped:    st.Breaker.Tripped,
			BreakerReason:     st.Breaker.TripReason,
			ConsecutiveLosses: st.Breaker.ConsecutiveLosses,
			Halted:            st.Drawdown.Halted,
			HaltReason:        st.Drawdown.HaltReason,
			PeakEquity:        st.Drawdown.PeakEquity.String(),
			DailyStartEquity:  st.Drawdown.DailyStartEquity.String(),
		},
	}
}
