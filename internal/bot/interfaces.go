package bot

import (
	"context"

	"autotrader/internal/models"
)

// OrderStore - хранилище ордеров.
// Отсутствие записи сообщается через repository.ErrOrderNotFound.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error)
	GetByExchangeOrderID(ctx context.Context, exchangeOrderID string) (*models.Order, error)
	Find(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error)
	Update(ctx context.Context, order *models.Order) error
	UpdateStatusByFilter(ctx context.Context, filter models.OrderFilter, status string) (int64, error)
}

// SignalStore - аудит сигналов
type SignalStore interface {
	Create(ctx context.Context, signal *models.Signal) error
	Find(ctx context.Context, filter models.SignalFilter) ([]*models.Signal, error)
}

// NotificationStore - журнал событий риск-контура
type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
}
