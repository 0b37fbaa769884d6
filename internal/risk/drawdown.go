package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/events"
	"autotrader/pkg/fixed"
	"autotrader/pkg/utils"
)

// warningInterval - минимальный интервал между предупреждениями о просадке
const warningInterval = 5 * time.Minute

// DrawdownConfig - лимиты просадки в процентах (положительные числа)
type DrawdownConfig struct {
	MaxDrawdownPercent  float64
	MaxDailyLossPercent float64
}

// DrawdownState - состояние монитора; переживает рестарт через LoadState
type DrawdownState struct {
	PeakEquity       fixed.Decimal `json:"peak_equity"`
	CurrentEquity    fixed.Decimal `json:"current_equity"`
	DailyStartEquity fixed.Decimal `json:"daily_start_equity"`
	DailyDate        string        `json:"daily_date"`
	Halted           bool          `json:"halted"`
	HaltReason       string        `json:"halt_reason,omitempty"`
	LastWarningAt    time.Time     `json:"last_warning_at,omitempty"`
}

// DrawdownMonitor отслеживает просадку от пика и дневной PNL.
//
// Пик - high-water mark, уменьшается только через ResetAll.
// Halt остаётся в силе до сброса: ResetDaily снимает только halt по
// дневному убытку, halt по просадке снимает только ResetAll.
type DrawdownMonitor struct {
	mu    sync.Mutex
	cfg   DrawdownConfig
	state DrawdownState

	bus    *events.Bus
	logger *utils.Logger
	now    func() time.Time
}

// NewDrawdownMonitor создаёт монитор
func NewDrawdownMonitor(cfg DrawdownConfig, logger *utils.Logger) *DrawdownMonitor {
	if logger == nil {
		logger = utils.NewNop()
	}
	return &DrawdownMonitor{
		cfg:    cfg,
		bus:    events.NewBus(logger),
		logger: logger.WithComponent(SourceDrawdown),
		now:    time.Now,
	}
}

// Events - шина событий drawdown_warning / drawdown_halt / drawdown_reset
func (dm *DrawdownMonitor) Events() *events.Bus { return dm.bus }

// UpdateEquity обновляет equity. Неположительные значения игнорируются.
func (dm *DrawdownMonitor) UpdateEquity(equity fixed.Decimal) {
	if !equity.IsPositive() {
		return
	}

	dm.mu.Lock()
	now := dm.now()
	s := &dm.state

	if equity.GreaterThan(s.PeakEquity) {
		s.PeakEquity = equity
	}
	s.CurrentEquity = equity
	if s.DailyStartEquity.IsZero() {
		s.DailyStartEquity = equity
		s.DailyDate = utils.DayKey(now)
	}

	drawdown := utils.PercentOf(equity.Sub(s.PeakEquity), s.PeakEquity)
	dailyPnl := utils.PercentOf(equity.Sub(s.DailyStartEquity), s.DailyStartEquity)

	var pending []events.Event

	// Просадка проверяется первой; halt по дневному убытку повышается до halt по просадке
	if -drawdown > dm.cfg.MaxDrawdownPercent && s.HaltReason != ReasonMaxDrawdownExceeded && s.HaltReason != ReasonEmergencyStop {
		pending = append(pending, dm.haltLocked(ReasonMaxDrawdownExceeded, drawdown, dailyPnl))
	}
	if !s.Halted && -dailyPnl > dm.cfg.MaxDailyLossPercent {
		pending = append(pending, dm.haltLocked(ReasonDailyLossExceeded, drawdown, dailyPnl))
	}
	if !s.Halted && -drawdown > dm.cfg.MaxDrawdownPercent/2 && now.Sub(s.LastWarningAt) >= warningInterval {
		s.LastWarningAt = now
		dm.logger.Warn("drawdown approaching limit",
			zap.Float64("drawdown_pct", drawdown),
			zap.Float64("max_drawdown_pct", dm.cfg.MaxDrawdownPercent),
		)
		pending = append(pending, events.Event{
			Type:      events.TypeDrawdownWarning,
			Source:    SourceDrawdown,
			Timestamp: now,
			Message:   "drawdown exceeded half of the limit",
			Meta: map[string]interface{}{
				"drawdownPercent":    drawdown,
				"maxDrawdownPercent": dm.cfg.MaxDrawdownPercent,
				"equity":             equity.String(),
				"peakEquity":         s.PeakEquity.String(),
			},
		})
	}
	dm.mu.Unlock()

	for _, e := range pending {
		dm.bus.Publish(e)
	}
}

func (dm *DrawdownMonitor) haltLocked(reason string, drawdown, dailyPnl float64) events.Event {
	s := &dm.state
	s.Halted = true
	s.HaltReason = reason

	dm.logger.Error("trading halted",
		utils.Reason(reason),
		zap.Float64("drawdown_pct", drawdown),
		zap.Float64("daily_pnl_pct", dailyPnl),
		utils.Equity(s.CurrentEquity),
	)

	return events.Event{
		Type:      events.TypeDrawdownHalt,
		Source:    SourceDrawdown,
		Timestamp: dm.now(),
		Message:   "trading halted: " + reason,
		Meta: map[string]interface{}{
			"reason":           reason,
			"drawdownPercent":  drawdown,
			"dailyPnlPercent":  dailyPnl,
			"equity":           s.CurrentEquity.String(),
			"peakEquity":       s.PeakEquity.String(),
			"dailyStartEquity": s.DailyStartEquity.String(),
		},
	}
}

// Halt безусловно останавливает торговлю с указанной причиной
func (dm *DrawdownMonitor) Halt(reason string) {
	dm.mu.Lock()
	s := dm.state
	evt := dm.haltLocked(reason,
		utils.PercentOf(s.CurrentEquity.Sub(s.PeakEquity), s.PeakEquity),
		utils.PercentOf(s.CurrentEquity.Sub(s.DailyStartEquity), s.DailyStartEquity),
	)
	dm.mu.Unlock()

	dm.bus.Publish(evt)
}

// Check - halt означает отказ с причиной halt
func (dm *DrawdownMonitor) Check() CheckResult {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.state.Halted {
		return CheckResult{Allowed: false, Reason: dm.state.HaltReason}
	}
	return CheckResult{Allowed: true}
}

// ResetDaily переносит дневную базу на текущий equity и снимает halt,
// если он был вызван именно дневным убытком
func (dm *DrawdownMonitor) ResetDaily() {
	dm.mu.Lock()
	s := &dm.state
	s.DailyStartEquity = s.CurrentEquity
	s.DailyDate = utils.DayKey(dm.now())

	lifted := s.Halted && s.HaltReason == ReasonDailyLossExceeded
	if lifted {
		s.Halted = false
		s.HaltReason = ""
	}
	dm.mu.Unlock()

	dm.logger.Info("daily baseline reset", zap.Bool("halt_lifted", lifted))
	if lifted {
		dm.bus.Publish(events.Event{
			Type:    events.TypeDrawdownReset,
			Source:  SourceDrawdown,
			Message: "daily loss halt lifted",
			Meta:    map[string]interface{}{"scope": "daily"},
		})
	}
}

// ResetAll - полный сброс после ручного вмешательства оператора.
// Нулевой equity означает "оставить текущий".
func (dm *DrawdownMonitor) ResetAll(equity fixed.Decimal) {
	dm.mu.Lock()
	if equity.IsZero() {
		equity = dm.state.CurrentEquity
	}
	dm.state = DrawdownState{
		PeakEquity:       equity,
		CurrentEquity:    equity,
		DailyStartEquity: equity,
		DailyDate:        utils.DayKey(dm.now()),
	}
	dm.mu.Unlock()

	dm.logger.Warn("drawdown monitor reset", utils.Equity(equity))
	dm.bus.Publish(events.Event{
		Type:    events.TypeDrawdownReset,
		Source:  SourceDrawdown,
		Message: "drawdown monitor fully reset",
		Meta:    map[string]interface{}{"scope": "all", "equity": equity.String()},
	})
}

// LoadState восстанавливает пик, дневную базу и halt после рестарта.
// Известный пик никогда не понижается; дневная база берётся только за сегодня.
// Halt по дневному убытку за прошлый день не восстанавливается, остальные
// причины halt держатся до ResetAll. Событие drawdown_halt не публикуется.
func (dm *DrawdownMonitor) LoadState(saved DrawdownState) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	s := &dm.state
	today := saved.DailyDate == utils.DayKey(dm.now())
	if saved.PeakEquity.GreaterThan(s.PeakEquity) {
		s.PeakEquity = saved.PeakEquity
	}
	if today && saved.DailyStartEquity.IsPositive() {
		s.DailyStartEquity = saved.DailyStartEquity
		s.DailyDate = saved.DailyDate
	}
	if s.CurrentEquity.IsZero() {
		s.CurrentEquity = saved.CurrentEquity
	}

	if !saved.Halted || s.Halted {
		return
	}
	if saved.HaltReason == ReasonDailyLossExceeded && !today {
		return
	}
	s.Halted = true
	s.HaltReason = saved.HaltReason
	if s.HaltReason == "" {
		s.HaltReason = ReasonMaxDrawdownExceeded
	}
	dm.logger.Warn("trading halt restored", utils.Reason(s.HaltReason))
}

// State возвращает копию состояния
func (dm *DrawdownMonitor) State() DrawdownState {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.state
}

// DrawdownPercent - текущая просадка от пика (отрицательная при убытке)
func (dm *DrawdownMonitor) DrawdownPercent() float64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return utils.PercentOf(dm.state.CurrentEquity.Sub(dm.state.PeakEquity), dm.state.PeakEquity)
}

// SetConfig применяет новые лимиты; уже наступивший halt не снимается
func (dm *DrawdownMonitor) SetConfig(cfg DrawdownConfig) {
	dm.mu.Lock()
	dm.cfg = cfg
	dm.mu.Unlock()
}
