package exchange

import (
	"fmt"
	"strings"

	"autotrader/pkg/utils"
)

// SupportedExchanges - биржи, для которых есть реализация Gateway
var SupportedExchanges = []string{
	"bybit",
}

// GatewayConfig - параметры создания gateway
type GatewayConfig struct {
	Name      string
	APIKey    string
	APISecret string
	Testnet   bool
	BaseURL   string
	WSURL     string
	TradeRate float64
	QueryRate float64
}

// NewGateway создает gateway по имени биржи, обёрнутый политикой повторов
func NewGateway(cfg GatewayConfig, logger *utils.Logger) (*RetryingGateway, error) {
	name := strings.ToLower(cfg.Name)

	var inner Gateway
	switch name {
	case "bybit":
		inner = NewBybit(BybitConfig{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			Testnet:   cfg.Testnet,
			BaseURL:   cfg.BaseURL,
			WSURL:     cfg.WSURL,
			TradeRate: cfg.TradeRate,
			QueryRate: cfg.QueryRate,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Name)
	}

	return NewRetryingGateway(inner, logger), nil
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedExchanges {
		if name == supported {
			return true
		}
	}
	return false
}
