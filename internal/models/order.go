package models

import (
	"time"

	"autotrader/pkg/fixed"
)

// Order - локальная запись об ордере.
// После перехода в терминальный статус запись больше не изменяется.
type Order struct {
	ID              int64                  `json:"id" db:"id"`
	ExchangeOrderID string                 `json:"exchange_order_id" db:"exchange_order_id"`
	ClientOrderID   string                 `json:"client_order_id" db:"client_order_id"` // токен идемпотентности
	Symbol          string                 `json:"symbol" db:"symbol"`
	Category        string                 `json:"category" db:"category"`           // linear, inverse, spot
	Side            string                 `json:"side" db:"side"`                   // buy, sell
	PositionSide    string                 `json:"position_side" db:"position_side"` // long, short
	OrderType       string                 `json:"order_type" db:"order_type"`       // limit, market
	Quantity        fixed.Decimal          `json:"quantity" db:"quantity"`
	Price           fixed.Decimal          `json:"price" db:"price"` // 0 для market
	FilledQty       fixed.Decimal          `json:"filled_qty" db:"filled_qty"`
	AvgFillPrice    fixed.Decimal          `json:"avg_fill_price" db:"avg_fill_price"`
	Fee             fixed.Decimal          `json:"fee" db:"fee"`
	Status          string                 `json:"status" db:"status"`
	ReduceOnly      bool                   `json:"reduce_only" db:"reduce_only"`
	TakeProfit      *fixed.Decimal         `json:"take_profit,omitempty" db:"take_profit"`
	StopLoss        *fixed.Decimal         `json:"stop_loss,omitempty" db:"stop_loss"`
	SessionID       string                 `json:"session_id" db:"session_id"`
	Strategy        string                 `json:"strategy" db:"strategy"`
	RealizedPnl     *fixed.Decimal         `json:"realized_pnl,omitempty" db:"realized_pnl"`
	ErrorMessage    string                 `json:"error_message,omitempty" db:"error_message"`
	Metadata        map[string]interface{} `json:"metadata,omitempty" db:"metadata"` // JSONB в БД
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at" db:"updated_at"`
}

// Статусы ордера
const (
	OrderStatusPending         = "pending"
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
	OrderStatusFailed          = "failed"
)

// ActiveOrderStatuses - нетерминальные статусы
var ActiveOrderStatuses = []string{
	OrderStatusPending,
	OrderStatusOpen,
	OrderStatusPartiallyFilled,
}

// Стороны ордера и позиции
const (
	SideBuy  = "buy"
	SideSell = "sell"

	PositionSideLong  = "long"
	PositionSideShort = "short"
)

// Типы ордеров
const (
	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"
)

// Категории продуктов
const (
	CategoryLinear  = "linear"
	CategoryInverse = "inverse"
	CategorySpot    = "spot"
)

// Стратегия и источник для ордеров, восстановленных с биржи
const (
	StrategyExternal       = "external"
	MetaSource             = "source"
	MetaSourceReconcile    = "reconciliation"
	MetaEntryPrice         = "entryPrice"
	MetaCancelledByRecover = "cancelledByRecovery"
	MetaExecQty            = "execQty"
	MetaExecFee            = "execFee"
)

// IsTerminalStatus - из терминального статуса нет переходов
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return false
}

func (o *Order) IsTerminal() bool {
	return IsTerminalStatus(o.Status)
}

// MetaString возвращает строковое значение метаданных или ""
func (o *Order) MetaString(key string) string {
	if o.Metadata == nil {
		return ""
	}
	switch v := o.Metadata[key].(type) {
	case string:
		return v
	case fixed.Decimal:
		return v.String()
	case float64:
		return fixed.FromFloat(v).String()
	}
	return ""
}

// SetMeta записывает значение в метаданные, создавая map при необходимости
func (o *Order) SetMeta(key string, value interface{}) {
	if o.Metadata == nil {
		o.Metadata = make(map[string]interface{})
	}
	o.Metadata[key] = value
}

// Clone - копия ордера с отдельной map метаданных
func (o *Order) Clone() *Order {
	c := *o
	if o.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// OrderFilter - параметры выборки ордеров (все поля опциональны)
type OrderFilter struct {
	Symbol    string
	Category  string
	Statuses  []string
	SessionID string
	Strategy  string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
	SortDesc  bool // по created_at
}
