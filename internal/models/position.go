package models

import (
	"time"

	"autotrader/pkg/fixed"
)

// PositionKey - составной ключ позиции
type PositionKey struct {
	Symbol       string
	PositionSide string
}

func (k PositionKey) String() string {
	return k.Symbol + "/" + k.PositionSide
}

// Position - позиция в зеркале PositionManager (в БД не хранится).
// Позиции с нулевым объёмом в зеркале отсутствуют.
type Position struct {
	Symbol           string        `json:"symbol"`
	Category         string        `json:"category"`
	PositionSide     string        `json:"position_side"`
	Quantity         fixed.Decimal `json:"quantity"`
	EntryPrice       fixed.Decimal `json:"entry_price"`
	MarkPrice        fixed.Decimal `json:"mark_price"`
	UnrealizedPnl    fixed.Decimal `json:"unrealized_pnl"`
	Leverage         fixed.Decimal `json:"leverage"`
	MarginMode       string        `json:"margin_mode"` // cross, isolated
	LiquidationPrice fixed.Decimal `json:"liquidation_price"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (p *Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, PositionSide: p.PositionSide}
}

// Notional - |qty × markPrice|, при отсутствии mark price используется цена входа
func (p *Position) Notional() fixed.Decimal {
	price := p.MarkPrice
	if price.IsZero() {
		price = p.EntryPrice
	}
	return p.Quantity.Mul(price).Abs()
}

// AccountState - состояние счёта, last writer wins
type AccountState struct {
	Equity           fixed.Decimal `json:"equity"`
	AvailableBalance fixed.Decimal `json:"available_balance"`
	UnrealizedPnl    fixed.Decimal `json:"unrealized_pnl"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
