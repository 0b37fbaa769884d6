package utils

import (
	"autotrader/pkg/fixed"
)

// math.go - торговая арифметика на fixed.Decimal
//
// Функции:
// - Notional: стоимость позиции/ордера (qty × price)
// - WeightedAveragePrice: средняя цена исполнения после очередного fill
// - RealizedPNL: реализованный PNL закрывающего ордера
// - PercentOf: доля в процентах (для метрик и лимитов)
//
// Все функции чистые, без побочных эффектов.

// Стороны позиции
const (
	SideLong  = "long"
	SideShort = "short"
)

var hundred = fixed.FromInt(100)

// Notional - |qty × price|
func Notional(qty, price fixed.Decimal) fixed.Decimal {
	return qty.Mul(price).Abs()
}

// WeightedAveragePrice пересчитывает среднюю цену после fill:
//
//	avg = (prevQty × prevAvg + fillQty × fillPrice) / (prevQty + fillQty)
//
// Если суммарный объём нулевой, возвращает цену fill.
func WeightedAveragePrice(prevQty, prevAvg, fillQty, fillPrice fixed.Decimal) fixed.Decimal {
	total := prevQty.Add(fillQty)
	if total.IsZero() {
		return fillPrice
	}
	notional := prevQty.Mul(prevAvg).Add(fillQty.Mul(fillPrice))
	// Средняя цена не точнее, чем MaxScale, но не грубее цены fill
	return notional.Div(total).RoundTo(max(fillPrice.Scale(), prevAvg.Scale(), 4))
}

// RealizedPNL считает PNL закрытия:
//   - long:  (exit - entry) × qty - fee
//   - short: (entry - exit) × qty - fee
//
// Для неизвестной стороны возвращает ноль.
func RealizedPNL(positionSide string, entry, exit, qty, fee fixed.Decimal) fixed.Decimal {
	switch positionSide {
	case SideLong:
		return exit.Sub(entry).Mul(qty).Sub(fee)
	case SideShort:
		return entry.Sub(exit).Mul(qty).Sub(fee)
	default:
		return fixed.Zero
	}
}

// PercentOf возвращает part / whole × 100. Для whole == 0 возвращает 0.
func PercentOf(part, whole fixed.Decimal) float64 {
	if whole.IsZero() {
		return 0
	}
	return part.Mul(hundred).Div(whole).Float64()
}

// PercentAmount возвращает value × pct / 100
func PercentAmount(value fixed.Decimal, pct float64) fixed.Decimal {
	return value.Mul(fixed.FromFloat(pct)).Div(hundred)
}
