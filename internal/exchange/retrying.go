package exchange

import (
	"context"
	"time"

	"autotrader/internal/models"
	"autotrader/pkg/retry"
	"autotrader/pkg/utils"
)

// RetryingGateway оборачивает Gateway политикой повторов биржи:
// задержки 1s, 2s, 4s, повторяется всё, кроме ошибок аутентификации.
//
// PlaceOrder повторяется с тем же ClientOrderID, поэтому повтор после
// потерянного ответа биржа отклонит как дубликат, а не создаст второй ордер.
type RetryingGateway struct {
	inner    Gateway
	cfg      retry.Config
	logger   *utils.Logger
	observer func(op string, err error)
}

// NewRetryingGateway создаёт обёртку с retry.ExchangeConfig
func NewRetryingGateway(inner Gateway, logger *utils.Logger) *RetryingGateway {
	return NewRetryingGatewayWithConfig(inner, retry.ExchangeConfig(), logger)
}

// NewRetryingGatewayWithConfig - то же с явной конфигурацией (тесты)
func NewRetryingGatewayWithConfig(inner Gateway, cfg retry.Config, logger *utils.Logger) *RetryingGateway {
	if logger == nil {
		logger = utils.NewNop()
	}
	g := &RetryingGateway{
		inner:  inner,
		logger: logger.WithComponent("gateway").WithExchange(inner.Name()),
	}
	cfg.RetryIf = IsRetryable
	g.cfg = cfg
	return g
}

func (g *RetryingGateway) config(op string) retry.Config {
	cfg := g.cfg
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		if g.observer != nil {
			g.observer(op, err)
		}
		g.logger.Warn("exchange call failed, retrying",
			utils.String("op", op),
			utils.Attempt(attempt),
			utils.Dur("delay", delay),
			utils.Err(err),
		)
	}
	return cfg
}

// classified приводит ошибку к таксономии до решения о повторе
func (g *RetryingGateway) classified(err error) error {
	return Classify(g.inner.Name(), err)
}

func (g *RetryingGateway) Name() string { return g.inner.Name() }

func (g *RetryingGateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	return retry.DoWithResult(ctx, func() (*PlaceOrderResult, error) {
		res, err := g.inner.PlaceOrder(ctx, req)
		return res, g.classified(err)
	}, g.config("place_order"))
}

func (g *RetryingGateway) CancelOrder(ctx context.Context, req CancelRequest) error {
	return retry.Do(ctx, func() error {
		return g.classified(g.inner.CancelOrder(ctx, req))
	}, g.config("cancel_order"))
}

func (g *RetryingGateway) CancelAllOrders(ctx context.Context, category, symbol string) error {
	return retry.Do(ctx, func() error {
		return g.classified(g.inner.CancelAllOrders(ctx, category, symbol))
	}, g.config("cancel_all_orders"))
}

func (g *RetryingGateway) GetOpenOrders(ctx context.Context, category string) ([]*OrderUpdate, error) {
	return retry.DoWithResult(ctx, func() ([]*OrderUpdate, error) {
		orders, err := g.inner.GetOpenOrders(ctx, category)
		return orders, g.classified(err)
	}, g.config("get_open_orders"))
}

func (g *RetryingGateway) GetPositions(ctx context.Context, category string) ([]models.Position, error) {
	return retry.DoWithResult(ctx, func() ([]models.Position, error) {
		positions, err := g.inner.GetPositions(ctx, category)
		return positions, g.classified(err)
	}, g.config("get_positions"))
}

func (g *RetryingGateway) GetBalance(ctx context.Context) (*models.AccountState, error) {
	return retry.DoWithResult(ctx, func() (*models.AccountState, error) {
		acc, err := g.inner.GetBalance(ctx)
		return acc, g.classified(err)
	}, g.config("get_balance"))
}

func (g *RetryingGateway) Subscribe(handler func(*PushEvent)) error {
	return g.inner.Subscribe(handler)
}

func (g *RetryingGateway) Close() error {
	return g.inner.Close()
}

// SetRetryObserver устанавливает обработчик повторов (счётчик метрик).
// Вызывается до начала работы.
func (g *RetryingGateway) SetRetryObserver(fn func(op string, err error)) {
	g.observer = fn
}
