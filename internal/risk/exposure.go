package risk

import (
	"sync"

	"go.uber.org/zap"

	"autotrader/internal/events"
	"autotrader/internal/models"
	"autotrader/pkg/fixed"
	"autotrader/pkg/utils"
)

// Уровни проверки экспозиции (поле tier в событии exposure_adjusted)
const (
	TierRiskPerTrade = "risk_per_trade"
	TierPositionSize = "position_size"
)

// ExposureConfig - лимиты экспозиции в процентах от equity
type ExposureConfig struct {
	MaxPositionSizePercent  float64
	MaxTotalExposurePercent float64
	MaxRiskPerTradePercent  float64
}

// OrderRequest - ордер, проходящий проверку риска
type OrderRequest struct {
	Symbol     string
	Side       string
	Quantity   fixed.Decimal
	Price      fixed.Decimal // 0 для market
	ReduceOnly bool
	// RiskPerUnit - расстояние до стопа на единицу объёма, 0 = не задано
	RiskPerUnit fixed.Decimal
}

// AccountSnapshot - equity и открытые позиции на момент проверки
type AccountSnapshot struct {
	Equity    fixed.Decimal
	Positions []models.Position
}

// ExposureResult - итог проверки экспозиции
type ExposureResult struct {
	Approved bool
	Quantity fixed.Decimal
	Adjusted bool
	Reason   string
}

// ExposureGuard - ограничение размера ордера и общей экспозиции
//
// Три уровня, по порядку:
// 1. Риск на сделку (только при заданном RiskPerUnit) - уменьшает объём
// 2. Размер одной позиции - уменьшает объём ровно до границы
// 3. Общая экспозиция - только отклоняет
type ExposureGuard struct {
	mu     sync.RWMutex
	cfg    ExposureConfig
	bus    *events.Bus
	logger *utils.Logger
}

// NewExposureGuard создаёт guard
func NewExposureGuard(cfg ExposureConfig, logger *utils.Logger) *ExposureGuard {
	if logger == nil {
		logger = utils.NewNop()
	}
	return &ExposureGuard{
		cfg:    cfg,
		bus:    events.NewBus(logger),
		logger: logger.WithComponent(SourceExposure),
	}
}

// Events - шина событий exposure_adjusted
func (g *ExposureGuard) Events() *events.Bus { return g.bus }

// SetConfig применяет новые лимиты
func (g *ExposureGuard) SetConfig(cfg ExposureConfig) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// ValidateOrder применяет три уровня к ордеру
func (g *ExposureGuard) ValidateOrder(req OrderRequest, account AccountSnapshot) ExposureResult {
	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()

	if !account.Equity.IsPositive() {
		return ExposureResult{Approved: false, Quantity: req.Quantity, Reason: ReasonEquityNotInitialized}
	}

	equity := account.Equity
	qty := req.Quantity
	adjusted := false

	// 1. Риск на сделку
	if req.RiskPerUnit.IsPositive() {
		maxQty := utils.PercentAmount(equity, cfg.MaxRiskPerTradePercent).DivTrunc(req.RiskPerUnit)
		if qty.GreaterThan(maxQty) {
			g.publishAdjusted(req, TierRiskPerTrade, qty, maxQty)
			qty = maxQty
			adjusted = true
		}
	}

	// 2. Размер одной позиции; для market без цены используется 1
	price := req.Price
	if !price.IsPositive() {
		price = fixed.FromInt(1)
	}
	maxNotional := utils.PercentAmount(equity, cfg.MaxPositionSizePercent)
	if qty.Mul(price).GreaterThan(maxNotional) {
		maxQty := maxNotional.DivTrunc(price)
		g.publishAdjusted(req, TierPositionSize, qty, maxQty)
		qty = maxQty
		adjusted = true
	}

	// 3. Общая экспозиция
	total := utils.Notional(qty, price)
	for i := range account.Positions {
		total = total.Add(account.Positions[i].Notional())
	}
	maxTotal := utils.PercentAmount(equity, cfg.MaxTotalExposurePercent)
	if total.GreaterThan(maxTotal) {
		g.logger.Warn("total exposure exceeded",
			utils.Symbol(req.Symbol),
			zap.Stringer("total_exposure", total),
			zap.Stringer("max_total_exposure", maxTotal),
		)
		return ExposureResult{Approved: false, Quantity: qty, Adjusted: adjusted, Reason: ReasonTotalExposureExceeded}
	}

	return ExposureResult{Approved: true, Quantity: qty, Adjusted: adjusted}
}

func (g *ExposureGuard) publishAdjusted(req OrderRequest, tier string, from, to fixed.Decimal) {
	g.logger.Info("order quantity adjusted",
		utils.Symbol(req.Symbol),
		zap.String("tier", tier),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	g.bus.Publish(events.Event{
		Type:    events.TypeExposureAdjusted,
		Source:  SourceExposure,
		Message: "order quantity reduced by " + tier + " limit",
		Meta: map[string]interface{}{
			"symbol":      req.Symbol,
			"tier":        tier,
			"originalQty": from.String(),
			"adjustedQty": to.String(),
		},
	})
}
