package models

import "time"

// Notification - сохранённое событие риск-контура (срабатывание breaker,
// halt по просадке, отклонённые ордера) для разбора после инцидента
type Notification struct {
	ID        int64                  `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Type      string                 `json:"type" db:"type"`         // тип события (circuit_break, drawdown_halt, ...)
	Severity  string                 `json:"severity" db:"severity"` // info, warn, error
	Source    string                 `json:"source" db:"source"`     // компонент-источник
	Symbol    string                 `json:"symbol,omitempty" db:"symbol"`
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"` // JSONB в БД
}

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)
