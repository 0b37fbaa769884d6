package risk

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/events"
	"autotrader/internal/models"
	"autotrader/pkg/fixed"
	"autotrader/pkg/utils"
)

// Decision - результат допуска ордера
type Decision struct {
	Approved     bool
	AdjustedQty  *fixed.Decimal // nil, если объём не менялся
	RejectReason string
	Source       string // компонент, принявший решение об отказе
}

// FinalQty возвращает объём, с которым ордер может быть выставлен
func (d Decision) FinalQty(requested fixed.Decimal) fixed.Decimal {
	if d.AdjustedQty != nil {
		return *d.AdjustedQty
	}
	return requested
}

// Trade - закрытая сделка для учёта в circuit breaker
type Trade struct {
	Symbol   string
	PnL      fixed.Decimal
	ClosedAt time.Time
}

// AccountUpdate - обновление состояния счёта.
// Equity == nil - equity не менялся; Positions == nil - позиции не менялись,
// пустой не-nil срез означает "позиций нет".
type AccountUpdate struct {
	Equity    *fixed.Decimal
	Positions []models.Position
}

// Status - сводное состояние риск-контура
type Status struct {
	Equity    fixed.Decimal `json:"equity"`
	Positions int           `json:"positions"`
	Breaker   BreakerState  `json:"breaker"`
	Drawdown  DrawdownState `json:"drawdown"`
	Params    Params        `json:"params"`
}

// Engine - единая точка допуска ордеров
//
// Цепочка проверок ValidateOrder, с остановкой на первом отказе:
// 1. equity известен и больше нуля
// 2. CircuitBreaker.Check
// 3. DrawdownMonitor.Check
// 4. ExposureGuard.ValidateOrder (может уменьшить объём)
//
// Все события подкомпонентов пересылаются на шину Engine.
type Engine struct {
	mu        sync.RWMutex
	params    Params
	equity    fixed.Decimal
	positions []models.Position

	breaker  *CircuitBreaker
	drawdown *DrawdownMonitor
	exposure *ExposureGuard

	bus    *events.Bus
	logger *utils.Logger
}

// NewEngine собирает риск-контур
func NewEngine(params Params, logger *utils.Logger) *Engine {
	if logger == nil {
		logger = utils.NewNop()
	}
	e := &Engine{
		params:   params,
		breaker:  NewCircuitBreaker(params.breakerConfig(), logger),
		drawdown: NewDrawdownMonitor(params.drawdownConfig(), logger),
		exposure: NewExposureGuard(params.exposureConfig(), logger),
		bus:      events.NewBus(logger),
		logger:   logger.WithComponent(SourceEngine),
	}

	events.Relay(e.breaker.Events(), e.bus)
	events.Relay(e.drawdown.Events(), e.bus)
	events.Relay(e.exposure.Events(), e.bus)

	return e
}

// Subscribe подписывает на все события риск-контура
func (e *Engine) Subscribe(l events.Listener) func() {
	return e.bus.Subscribe(l)
}

// Breaker, Drawdown, Exposure - доступ к подкомпонентам (статус, тесты)
func (e *Engine) Breaker() *CircuitBreaker   { return e.breaker }
func (e *Engine) Drawdown() *DrawdownMonitor { return e.drawdown }
func (e *Engine) Exposure() *ExposureGuard   { return e.exposure }

// ValidateOrder - синхронная проверка ордера без обращений к сети
func (e *Engine) ValidateOrder(req OrderRequest) Decision {
	e.mu.RLock()
	account := AccountSnapshot{Equity: e.equity, Positions: e.positions}
	e.mu.RUnlock()

	if !account.Equity.IsPositive() {
		return e.reject(req, ReasonEquityNotInitialized, SourceEquityGuard)
	}

	if res := e.breaker.Check(); !res.Allowed {
		return e.reject(req, res.Reason, SourceCircuitBreaker, zap.Int64("remaining_ms", res.RemainingMs))
	}

	if res := e.drawdown.Check(); !res.Allowed {
		return e.reject(req, res.Reason, SourceDrawdown)
	}

	res := e.exposure.ValidateOrder(req, account)
	if !res.Approved {
		return e.reject(req, res.Reason, SourceExposure)
	}

	d := Decision{Approved: true}
	meta := map[string]interface{}{
		"symbol":       req.Symbol,
		"side":         req.Side,
		"requestedQty": req.Quantity.String(),
	}
	msg := "order approved"
	if res.Adjusted {
		q := res.Quantity
		d.AdjustedQty = &q
		meta["adjustedQty"] = q.String()
		meta["reason"] = ReasonQtyAdjusted
		msg = "order approved with adjusted quantity"
	}

	e.logger.Debug(msg, utils.Symbol(req.Symbol), utils.Side(req.Side), utils.Qty(d.FinalQty(req.Quantity)))
	e.bus.Publish(events.Event{
		Type:    events.TypeOrderValidated,
		Source:  SourceEngine,
		Message: msg,
		Meta:    meta,
	})
	return d
}

func (e *Engine) reject(req OrderRequest, reason, source string, fields ...zap.Field) Decision {
	fields = append(fields, utils.Symbol(req.Symbol), utils.Side(req.Side), utils.Reason(reason), zap.String("source", source))
	e.logger.Info("order rejected by risk", fields...)

	e.bus.Publish(events.Event{
		Type:    events.TypeOrderRejected,
		Source:  SourceEngine,
		Message: "order rejected: " + reason,
		Meta: map[string]interface{}{
			"symbol":       req.Symbol,
			"side":         req.Side,
			"requestedQty": req.Quantity.String(),
			"reason":       reason,
			"source":       source,
		},
	})
	return Decision{Approved: false, RejectReason: reason, Source: source}
}

// RecordTrade передаёт реализованный PNL в circuit breaker
func (e *Engine) RecordTrade(t Trade) {
	e.logger.Debug("trade recorded", utils.Symbol(t.Symbol), utils.PNL(t.PnL))
	e.breaker.RecordTrade(t.PnL)
}

// UpdateAccountState обновляет кэш equity/позиций и передаёт equity в DrawdownMonitor
func (e *Engine) UpdateAccountState(u AccountUpdate) {
	e.mu.Lock()
	if u.Equity != nil {
		e.equity = *u.Equity
	}
	if u.Positions != nil {
		e.positions = append([]models.Position(nil), u.Positions...)
	}
	e.mu.Unlock()

	if u.Equity != nil {
		e.drawdown.UpdateEquity(*u.Equity)
	}
}

// Equity - последний известный equity
func (e *Engine) Equity() fixed.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equity
}

// ResetDaily - начало нового торгового дня (UTC)
func (e *Engine) ResetDaily() {
	e.logger.Info("daily reset")
	e.drawdown.ResetDaily()
}

// ResetDrawdown - полный сброс монитора просадки после решения оператора.
// nil equity означает "текущий equity". Breaker не трогается: он снимается
// по cooldown или через Breaker().Reset().
func (e *Engine) ResetDrawdown(equity *fixed.Decimal) {
	eq := e.Equity()
	if equity != nil {
		eq = *equity
	}
	e.drawdown.ResetAll(eq)
}

// EmergencyStop безусловно срабатывает breaker и останавливает торговлю
func (e *Engine) EmergencyStop(reason string) {
	if reason == "" {
		reason = ReasonEmergencyStop
	}
	e.logger.Error("emergency stop", utils.Reason(reason))
	e.breaker.ForceTrip(reason)
	e.drawdown.Halt(ReasonEmergencyStop)
}

// LoadDrawdownState восстанавливает состояние монитора просадки
func (e *Engine) LoadDrawdownState(s DrawdownState) {
	e.drawdown.LoadState(s)
}

// DrawdownState возвращает состояние монитора просадки для сохранения
func (e *Engine) DrawdownState() DrawdownState {
	return e.drawdown.State()
}

// Params - текущие параметры
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// UpdateParams применяет параметры из map (ключи в camelCase).
// Неизвестные ключи и значения неверного типа пропускаются и логируются;
// если итоговый набор не проходит Validate, ничего не меняется.
// Возвращает отброшенные ключи.
func (e *Engine) UpdateParams(updates map[string]interface{}) []string {
	e.mu.Lock()
	next := e.params
	var ignored []string
	for k, v := range updates {
		if !applyParam(&next, k, v) {
			ignored = append(ignored, k)
		}
	}
	sort.Strings(ignored)

	if err := next.Validate(); err != nil {
		e.mu.Unlock()
		e.logger.Error("risk params rejected", zap.Error(err))
		keys := make([]string, 0, len(updates))
		for k := range updates {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	}
	e.params = next
	e.mu.Unlock()

	if len(ignored) > 0 {
		e.logger.Warn("unknown risk params ignored", zap.Strings("keys", ignored))
	}

	e.breaker.SetConfig(next.breakerConfig())
	e.drawdown.SetConfig(next.drawdownConfig())
	e.exposure.SetConfig(next.exposureConfig())

	e.logger.Info("risk params updated", zap.Int("applied", len(updates)-len(ignored)))
	return ignored
}

// Status возвращает сводку
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{Equity: e.equity, Positions: len(e.positions), Params: e.params}
	e.mu.RUnlock()

	st.Breaker = e.breaker.State()
	st.Drawdown = e.drawdown.State()
	return st
}
