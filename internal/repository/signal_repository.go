package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"autotrader/internal/models"
)

// SignalRepository - аудит торговых сигналов (одобренных и отклонённых)
type SignalRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSignalRepository(db *sql.DB) *SignalRepository {
	return &SignalRepository{db: db, now: time.Now}
}

// Create сохраняет сигнал
func (r *SignalRepository) Create(ctx context.Context, s *models.Signal) error {
	query := `
		INSERT INTO signals (session_id, strategy, symbol, category, action, quantity, price,
			approved, reject_reason, order_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	meta, err := marshalMeta(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal signal metadata: %w", err)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}

	return r.db.QueryRowContext(ctx, query,
		s.SessionID,
		s.Strategy,
		s.Symbol,
		s.Category,
		s.Action,
		s.Quantity,
		s.Price,
		s.Approved,
		s.RejectReason,
		s.OrderID,
		meta,
		s.CreatedAt,
	).Scan(&s.ID)
}

// Find возвращает сигналы, новые первыми
func (r *SignalRepository) Find(ctx context.Context, filter models.SignalFilter) ([]*models.Signal, error) {
	var conds []string
	var args []interface{}

	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		conds = append(conds, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if filter.Strategy != "" {
		args = append(args, filter.Strategy)
		conds = append(conds, fmt.Sprintf("strategy = $%d", len(args)))
	}
	if filter.Approved != nil {
		args = append(args, *filter.Approved)
		conds = append(conds, fmt.Sprintf("approved = $%d", len(args)))
	}

	query := `
		SELECT id, session_id, strategy, symbol, category, action, quantity, price,
			approved, reject_reason, order_id, metadata, created_at
		FROM signals`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	signals := make([]*models.Signal, 0)
	for rows.Next() {
		s := &models.Signal{}
		var orderID sql.NullInt64
		var meta []byte

		err := rows.Scan(
			&s.ID,
			&s.SessionID,
			&s.Strategy,
			&s.Symbol,
			&s.Category,
			&s.Action,
			&s.Quantity,
			&s.Price,
			&s.Approved,
			&s.RejectReason,
			&orderID,
			&meta,
			&s.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if orderID.Valid {
			id := orderID.Int64
			s.OrderID = &id
		}
		if s.Metadata, err = unmarshalMeta(meta); err != nil {
			return nil, fmt.Errorf("signal %d metadata: %w", s.ID, err)
		}
		signals = append(signals, s)
	}

	return signals, rows.Err()
}
