package service

import (
	"context"

	"autotrader/internal/models"
)

// NotificationRepository - подмножество repository.NotificationRepository,
// нужное журналу событий
type NotificationRepository interface {
	GetRecent(ctx context.Context, limit int) ([]*models.Notification, error)
	GetByTypes(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
	GetBySeverity(ctx context.Context, severity string, limit int) ([]*models.Notification, error)
	Count(ctx context.Context) (int, error)
	KeepRecent(ctx context.Context, count int) (int64, error)
}
