// Package risk - контур допуска ордеров: circuit breaker, контроль просадки
// и ограничение экспозиции, собранные в единый Engine.
package risk

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Причины отказа (возвращаются как данные, не как ошибки)
const (
	ReasonEquityNotInitialized  = "equity_not_initialized"
	ReasonCircuitBreakerActive  = "circuit_breaker_active"
	ReasonMaxDrawdownExceeded   = "max_drawdown_exceeded"
	ReasonDailyLossExceeded     = "daily_loss_exceeded"
	ReasonTotalExposureExceeded = "total_exposure_exceeded"
	ReasonEmergencyStop         = "emergency_stop"

	// ReasonQtyAdjusted - ордер допущен, но объём уменьшен
	ReasonQtyAdjusted = "qty_adjusted_by_risk_limits"
)

// Источники событий и решений
const (
	SourceEngine         = "risk_engine"
	SourceEquityGuard    = "equity_guard"
	SourceCircuitBreaker = "circuit_breaker"
	SourceDrawdown       = "drawdown_monitor"
	SourceExposure       = "exposure_guard"
)

// Params - параметры риск-контура, перезагружаются на лету через UpdateParams
type Params struct {
	ConsecutiveLossLimit int           `json:"consecutive_loss_limit"`
	Cooldown             time.Duration `json:"cooldown"`
	RapidLossWindow      time.Duration `json:"rapid_loss_window"`
	RapidLossThreshold   int           `json:"rapid_loss_threshold"`

	MaxPositionSizePercent  float64 `json:"max_position_size_percent"`
	MaxTotalExposurePercent float64 `json:"max_total_exposure_percent"`
	MaxRiskPerTradePercent  float64 `json:"max_risk_per_trade_percent"`

	MaxDrawdownPercent  float64 `json:"max_drawdown_percent"`
	MaxDailyLossPercent float64 `json:"max_daily_loss_percent"`
}

// DefaultParams возвращает параметры по умолчанию
func DefaultParams() Params {
	return Params{
		ConsecutiveLossLimit:    5,
		Cooldown:                30 * time.Minute,
		RapidLossWindow:         15 * time.Minute,
		RapidLossThreshold:      6,
		MaxPositionSizePercent:  10,
		MaxTotalExposurePercent: 50,
		MaxRiskPerTradePercent:  1,
		MaxDrawdownPercent:      10,
		MaxDailyLossPercent:     5,
	}
}

// Validate проверяет диапазоны
func (p Params) Validate() error {
	if p.ConsecutiveLossLimit < 1 {
		return fmt.Errorf("consecutiveLossLimit must be >= 1, got %d", p.ConsecutiveLossLimit)
	}
	if p.RapidLossThreshold < 1 {
		return fmt.Errorf("rapidLossThreshold must be >= 1, got %d", p.RapidLossThreshold)
	}
	if p.Cooldown <= 0 || p.RapidLossWindow <= 0 {
		return fmt.Errorf("cooldown and rapid loss window must be positive")
	}
	for name, v := range map[string]float64{
		"maxPositionSizePercent":  p.MaxPositionSizePercent,
		"maxTotalExposurePercent": p.MaxTotalExposurePercent,
		"maxRiskPerTradePercent":  p.MaxRiskPerTradePercent,
		"maxDrawdownPercent":      p.MaxDrawdownPercent,
		"maxDailyLossPercent":     p.MaxDailyLossPercent,
	} {
		if v <= 0 || v > 1000 {
			return fmt.Errorf("%s must be in (0, 1000], got %v", name, v)
		}
	}
	return nil
}

func (p Params) breakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveLossLimit: p.ConsecutiveLossLimit,
		Cooldown:             p.Cooldown,
		RapidLossWindow:      p.RapidLossWindow,
		RapidLossThreshold:   p.RapidLossThreshold,
	}
}

func (p Params) drawdownConfig() DrawdownConfig {
	return DrawdownConfig{
		MaxDrawdownPercent:  p.MaxDrawdownPercent,
		MaxDailyLossPercent: p.MaxDailyLossPercent,
	}
}

func (p Params) exposureConfig() ExposureConfig {
	return ExposureConfig{
		MaxPositionSizePercent:  p.MaxPositionSizePercent,
		MaxTotalExposurePercent: p.MaxTotalExposurePercent,
		MaxRiskPerTradePercent:  p.MaxRiskPerTradePercent,
	}
}

// applyParam записывает значение ключа в p. Возвращает false для неизвестного
// ключа или значения неподходящего типа.
func applyParam(p *Params, key string, value interface{}) bool {
	f, ok := toFloat(value)
	if !ok {
		return false
	}
	switch key {
	case "consecutiveLossLimit":
		p.ConsecutiveLossLimit = int(f)
	case "cooldownMinutes":
		p.Cooldown = minutes(f)
	case "rapidLossWindowMinutes":
		p.RapidLossWindow = minutes(f)
	case "rapidLossThreshold":
		p.RapidLossThreshold = int(f)
	case "maxPositionSizePercent":
		p.MaxPositionSizePercent = f
	case "maxTotalExposurePercent":
		p.MaxTotalExposurePercent = f
	case "maxRiskPerTradePercent":
		p.MaxRiskPerTradePercent = f
	case "maxDrawdownPercent":
		p.MaxDrawdownPercent = f
	case "maxDailyLossPercent":
		p.MaxDailyLossPercent = f
	default:
		return false
	}
	return true
}

func minutes(f float64) time.Duration {
	return time.Duration(f * float64(time.Minute))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
