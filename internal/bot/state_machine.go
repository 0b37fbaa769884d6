package bot

import (
	"strings"

	"autotrader/internal/models"
)

// ValidOrderTransitions определяет допустимые переходы статусов ордера.
// pending может сразу перейти в любой следующий статус (быстрое исполнение).
// Из терминальных статусов переходов нет.
var ValidOrderTransitions = map[string][]string{
	models.OrderStatusPending: {
		models.OrderStatusOpen,
		models.OrderStatusPartiallyFilled,
		models.OrderStatusFilled,
		models.OrderStatusCancelled,
		models.OrderStatusRejected,
		models.OrderStatusFailed,
	},
	models.OrderStatusOpen:            {models.OrderStatusPartiallyFilled, models.OrderStatusFilled, models.OrderStatusCancelled},
	models.OrderStatusPartiallyFilled: {models.OrderStatusFilled, models.OrderStatusCancelled},
	models.OrderStatusFilled:          {},
	models.OrderStatusCancelled:       {},
	models.OrderStatusRejected:        {},
	models.OrderStatusFailed:          {},
}

// CanTransitionOrder проверяет допустимость перехода.
// from == to не является переходом и возвращает false.
func CanTransitionOrder(from, to string) bool {
	allowed, ok := ValidOrderTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// exchangeStatusMap - словари бирж (Bybit v5, Bitget, OKX) во внутренние статусы.
// Ключи в нижнем регистре.
var exchangeStatusMap = map[string]string{
	// Bybit
	"created":                 models.OrderStatusOpen,
	"new":                     models.OrderStatusOpen,
	"untriggered":             models.OrderStatusOpen,
	"triggered":               models.OrderStatusOpen,
	"partiallyfilled":         models.OrderStatusPartiallyFilled,
	"filled":                  models.OrderStatusFilled,
	"cancelled":               models.OrderStatusCancelled,
	"partiallyfilledcanceled": models.OrderStatusCancelled,
	"deactivated":             models.OrderStatusCancelled,
	"rejected":                models.OrderStatusRejected,

	// Bitget / OKX
	"init":             models.OrderStatusOpen,
	"live":             models.OrderStatusOpen,
	"partially_filled": models.OrderStatusPartiallyFilled,
	"partial-fill":     models.OrderStatusPartiallyFilled,
	"full-fill":        models.OrderStatusFilled,
	"canceled":         models.OrderStatusCancelled,
	"mmp_canceled":     models.OrderStatusCancelled,

	// внутренние статусы проходят как есть
	models.OrderStatusOpen:   models.OrderStatusOpen,
	models.OrderStatusFailed: models.OrderStatusFailed,
}

// MapExchangeStatus переводит статус биржи во внутренний.
// ok = false для неизвестного слова.
func MapExchangeStatus(raw string) (string, bool) {
	s, ok := exchangeStatusMap[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}
