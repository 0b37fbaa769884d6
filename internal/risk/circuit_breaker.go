package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/events"
	"autotrader/pkg/fixed"
	"autotrader/pkg/utils"
)

// maxLossBuffer ограничивает буфер времён убыточных сделок
const maxLossBuffer = 100

// Причины срабатывания
const (
	TripConsecutiveLosses = "consecutive_losses"
	TripRapidLosses       = "rapid_losses"
)

// BreakerConfig - параметры circuit breaker
type BreakerConfig struct {
	ConsecutiveLossLimit int
	Cooldown             time.Duration
	RapidLossWindow      time.Duration
	RapidLossThreshold   int
}

// BreakerState - снимок состояния для статуса и метрик
type BreakerState struct {
	Tripped           bool      `json:"tripped"`
	TripReason        string    `json:"trip_reason,omitempty"`
	TrippedAt         time.Time `json:"tripped_at,omitempty"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	RecentLosses      int       `json:"recent_losses"`
}

// CheckResult - результат проверки компонента
type CheckResult struct {
	Allowed     bool
	Reason      string
	RemainingMs int64
}

// CircuitBreaker - детектор серии убытков с периодом охлаждения
//
// Состояния: Normal <-> Tripped.
//   - RecordTrade: убыток увеличивает счётчик серии и пишет время в окно
//     быстрых убытков; безубыточная/прибыльная сделка обнуляет серию
//   - Срабатывание: серия >= ConsecutiveLossLimit или убытков в окне >= RapidLossThreshold
//   - Check: по истечении Cooldown сбрасывается автоматически
type CircuitBreaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	consecutive int
	tripped     bool
	trippedAt   time.Time
	tripReason  string
	losses      []time.Time

	bus    *events.Bus
	logger *utils.Logger
	now    func() time.Time
}

// NewCircuitBreaker создаёт breaker
func NewCircuitBreaker(cfg BreakerConfig, logger *utils.Logger) *CircuitBreaker {
	if logger == nil {
		logger = utils.NewNop()
	}
	return &CircuitBreaker{
		cfg:    cfg,
		losses: make([]time.Time, 0, maxLossBuffer),
		bus:    events.NewBus(logger),
		logger: logger.WithComponent(SourceCircuitBreaker),
		now:    time.Now,
	}
}

// Events - шина событий circuit_break / circuit_reset
func (cb *CircuitBreaker) Events() *events.Bus { return cb.bus }

// RecordTrade учитывает реализованный PNL закрытой сделки
func (cb *CircuitBreaker) RecordTrade(pnl fixed.Decimal) {
	cb.mu.Lock()

	if !pnl.IsNegative() {
		cb.consecutive = 0
		cb.mu.Unlock()
		return
	}

	now := cb.now()
	cb.consecutive++
	cb.losses = append(cb.losses, now)
	cb.trimLocked(now)

	var evt *events.Event
	switch {
	case cb.consecutive >= cb.cfg.ConsecutiveLossLimit:
		evt = cb.tripLocked(TripConsecutiveLosses, now)
	case len(cb.losses) >= cb.cfg.RapidLossThreshold:
		evt = cb.tripLocked(TripRapidLosses, now)
	}
	cb.mu.Unlock()

	if evt != nil {
		cb.bus.Publish(*evt)
	}
}

// trimLocked удаляет записи старше окна и ограничивает длину буфера
func (cb *CircuitBreaker) trimLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.RapidLossWindow)
	i := 0
	for i < len(cb.losses) && cb.losses[i].Before(cutoff) {
		i++
	}
	if over := len(cb.losses) - i - maxLossBuffer; over > 0 {
		i += over
	}
	if i > 0 {
		cb.losses = append(cb.losses[:0], cb.losses[i:]...)
	}
}

// Trip переводит breaker в Tripped. Повторный вызов ничего не меняет.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	evt := cb.tripLocked(reason, cb.now())
	cb.mu.Unlock()

	if evt != nil {
		cb.bus.Publish(*evt)
	}
}

// ForceTrip срабатывает даже если breaker уже сработал, обновляя время и причину
func (cb *CircuitBreaker) ForceTrip(reason string) {
	cb.mu.Lock()
	cb.tripped = false
	evt := cb.tripLocked(reason, cb.now())
	cb.mu.Unlock()

	cb.bus.Publish(*evt)
}

func (cb *CircuitBreaker) tripLocked(reason string, now time.Time) *events.Event {
	if cb.tripped {
		return nil
	}
	cb.tripped = true
	cb.trippedAt = now
	cb.tripReason = reason

	cb.logger.Warn("circuit breaker tripped",
		utils.Reason(reason),
		zap.Int("consecutive_losses", cb.consecutive),
		zap.Int("recent_losses", len(cb.losses)),
		zap.Duration("cooldown", cb.cfg.Cooldown),
	)

	return &events.Event{
		Type:      events.TypeCircuitBreak,
		Source:    SourceCircuitBreaker,
		Timestamp: now,
		Message:   "circuit breaker tripped: " + reason,
		Meta: map[string]interface{}{
			"reason":            reason,
			"consecutiveLosses": cb.consecutive,
			"recentLosses":      len(cb.losses),
			"cooldownMs":        cb.cfg.Cooldown.Milliseconds(),
		},
	}
}

// Check - путь чтения. Пока идёт охлаждение, возвращает отказ и остаток
// в миллисекундах; по его окончании сбрасывает breaker и пропускает.
func (cb *CircuitBreaker) Check() CheckResult {
	cb.mu.Lock()
	if !cb.tripped {
		cb.mu.Unlock()
		return CheckResult{Allowed: true}
	}

	elapsed := cb.now().Sub(cb.trippedAt)
	if elapsed < cb.cfg.Cooldown {
		remaining := cb.cfg.Cooldown - elapsed
		cb.mu.Unlock()
		return CheckResult{
			Allowed:     false,
			Reason:      ReasonCircuitBreakerActive,
			RemainingMs: remaining.Milliseconds(),
		}
	}

	evt := cb.resetLocked("cooldown_elapsed")
	cb.mu.Unlock()

	if evt != nil {
		cb.bus.Publish(*evt)
	}
	return CheckResult{Allowed: true}
}

// Reset очищает счётчики и буфер убытков
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	evt := cb.resetLocked("manual")
	cb.mu.Unlock()

	if evt != nil {
		cb.bus.Publish(*evt)
	}
}

func (cb *CircuitBreaker) resetLocked(cause string) *events.Event {
	wasTripped := cb.tripped
	cb.tripped = false
	cb.trippedAt = time.Time{}
	cb.tripReason = ""
	cb.consecutive = 0
	cb.losses = cb.losses[:0]

	if !wasTripped {
		return nil
	}
	cb.logger.Info("circuit breaker reset", zap.String("cause", cause))
	return &events.Event{
		Type:    events.TypeCircuitReset,
		Source:  SourceCircuitBreaker,
		Message: "circuit breaker reset",
		Meta:    map[string]interface{}{"cause": cause},
	}
}

// IsTripped сообщает текущее состояние без автосброса
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped
}

// State возвращает снимок состояния
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerState{
		Tripped:           cb.tripped,
		TripReason:        cb.tripReason,
		TrippedAt:         cb.trippedAt,
		ConsecutiveLosses: cb.consecutive,
		RecentLosses:      len(cb.losses),
	}
}

// SetConfig применяет новые параметры; текущее состояние сохраняется
func (cb *CircuitBreaker) SetConfig(cfg BreakerConfig) {
	cb.mu.Lock()
	cb.cfg = cfg
	cb.mu.Unlock()
}
