package models

import (
	"time"

	"autotrader/pkg/fixed"
)

// Действия торгового сигнала
const (
	ActionOpenLong   = "open_long"
	ActionOpenShort  = "open_short"
	ActionCloseLong  = "close_long"
	ActionCloseShort = "close_short"
)

// TradeSignal - запрос стратегии на выставление ордера
type TradeSignal struct {
	Symbol     string
	Category   string
	Action     string
	OrderType  string // по умолчанию market
	Quantity   fixed.Decimal
	Price      fixed.Decimal // 0 для market
	TakeProfit *fixed.Decimal
	StopLoss   *fixed.Decimal
	// RiskPerUnit - расстояние до стопа в валюте котировки, 0 = не задано
	RiskPerUnit fixed.Decimal
	Strategy    string
	Metadata    map[string]interface{}
}

// Signal - аудит-запись каждой попытки выставить ордер
type Signal struct {
	ID           int64                  `json:"id" db:"id"`
	SessionID    string                 `json:"session_id" db:"session_id"`
	Strategy     string                 `json:"strategy" db:"strategy"`
	Symbol       string                 `json:"symbol" db:"symbol"`
	Category     string                 `json:"category" db:"category"`
	Action       string                 `json:"action" db:"action"`
	Quantity     fixed.Decimal          `json:"quantity" db:"quantity"`
	Price        fixed.Decimal          `json:"price" db:"price"`
	Approved     bool                   `json:"approved" db:"approved"`
	RejectReason string                 `json:"reject_reason,omitempty" db:"reject_reason"`
	OrderID      *int64                 `json:"order_id,omitempty" db:"order_id"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
}

// SignalFilter - параметры выборки сигналов
type SignalFilter struct {
	Symbol   string
	Strategy string
	Approved *bool
	Limit    int
}
