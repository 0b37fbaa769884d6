package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"autotrader/internal/models"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
)

// NotificationRepository - журнал событий риск-контура
//
// Запись не изменяется после создания; очистка через KeepRecent.
type NotificationRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db, now: time.Now}
}

const notificationColumns = `id, timestamp, type, severity, source, symbol, message, meta`

// Create сохраняет событие; пустой Timestamp заполняется текущим временем
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (timestamp, type, severity, source, symbol, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	meta, err := marshalMeta(n.Meta)
	if err != nil {
		return fmt.Errorf("marshal notification meta: %w", err)
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = r.now()
	}

	return r.db.QueryRowContext(ctx, query,
		n.Timestamp,
		n.Type,
		n.Severity,
		n.Source,
		n.Symbol,
		n.Message,
		meta,
	).Scan(&n.ID)
}

// GetByID возвращает событие по ID
func (r *NotificationRepository) GetByID(ctx context.Context, id int64) (*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

// GetRecent возвращает последние limit событий
func (r *NotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications ORDER BY timestamp DESC LIMIT $1`
	return r.query(ctx, query, limit)
}

// GetByTypes возвращает последние события указанных типов
func (r *NotificationRepository) GetByTypes(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE type = ANY($1) ORDER BY timestamp DESC LIMIT $2`
	return r.query(ctx, query, pq.Array(types), limit)
}

// GetBySeverity возвращает последние события указанной важности
func (r *NotificationRepository) GetBySeverity(ctx context.Context, severity string, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE severity = $1 ORDER BY timestamp DESC LIMIT $2`
	return r.query(ctx, query, severity, limit)
}

// GetInTimeRange возвращает события в интервале [from, to]
func (r *NotificationRepository) GetInTimeRange(ctx context.Context, from, to time.Time) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE timestamp >= $1 AND timestamp <= $2 ORDER BY timestamp ASC`
	return r.query(ctx, query, from, to)
}

func (r *NotificationRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Count возвращает общее количество событий
func (r *NotificationRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`).Scan(&count)
	return count, err
}

// KeepRecent оставляет только последние count событий
func (r *NotificationRepository) KeepRecent(ctx context.Context, count int) (int64, error) {
	query := `
		DELETE FROM notifications
		WHERE id NOT IN (
			SELECT id FROM notifications ORDER BY timestamp DESC LIMIT $1
		)`

	result, err := r.db.ExecContext(ctx, query, count)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	n := &models.Notification{}
	var meta []byte

	if err := row.Scan(&n.ID, &n.Timestamp, &n.Type, &n.Severity, &n.Source, &n.Symbol, &n.Message, &meta); err != nil {
		return nil, err
	}

	var err error
	if n.Meta, err = unmarshalMeta(meta); err != nil {
		return nil, fmt.Errorf("notification %d meta: %w", n.ID, err)
	}
	return n, nil
}
