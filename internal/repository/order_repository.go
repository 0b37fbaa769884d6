package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"autotrader/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
)

const orderColumns = `id, exchange_order_id, client_order_id, symbol, category, side, position_side, order_type,
		quantity, price, filled_qty, avg_fill_price, fee, status, reduce_only, take_profit, stop_loss,
		session_id, strategy, realized_pnl, error_message, metadata, created_at, updated_at`

// OrderRepository - работа с таблицей orders
type OrderRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db, now: time.Now}
}

// Create создает запись об ордере и заполняет ID, CreatedAt, UpdatedAt
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (exchange_order_id, client_order_id, symbol, category, side, position_side, order_type,
			quantity, price, filled_qty, avg_fill_price, fee, status, reduce_only, take_profit, stop_loss,
			session_id, strategy, realized_pnl, error_message, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		RETURNING id`

	meta, err := marshalMeta(order.Metadata)
	if err != nil {
		return fmt.Errorf("marshal order metadata: %w", err)
	}

	if order.CreatedAt.IsZero() {
		order.CreatedAt = r.now()
	}
	order.UpdatedAt = order.CreatedAt

	return r.db.QueryRowContext(ctx, query,
		order.ExchangeOrderID,
		order.ClientOrderID,
		order.Symbol,
		order.Category,
		order.Side,
		order.PositionSide,
		order.OrderType,
		order.Quantity,
		order.Price,
		order.FilledQty,
		order.AvgFillPrice,
		order.Fee,
		order.Status,
		order.ReduceOnly,
		order.TakeProfit,
		order.StopLoss,
		order.SessionID,
		order.Strategy,
		order.RealizedPnl,
		order.ErrorMessage,
		meta,
		order.CreatedAt,
		order.UpdatedAt,
	).Scan(&order.ID)
}

// GetByID возвращает ордер по локальному ID
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

// GetByClientOrderID возвращает ордер по токену идемпотентности
func (r *OrderRepository) GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error) {
	if clientOrderID == "" {
		return nil, ErrOrderNotFound
	}
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = $1`, clientOrderID)
}

// GetByExchangeOrderID возвращает ордер по id биржи
func (r *OrderRepository) GetByExchangeOrderID(ctx context.Context, exchangeOrderID string) (*models.Order, error) {
	if exchangeOrderID == "" {
		return nil, ErrOrderNotFound
	}
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = $1`, exchangeOrderID)
}

func (r *OrderRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// Find возвращает ордера по фильтру, отсортированные по created_at, с пагинацией
func (r *OrderRepository) Find(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error) {
	where, args := orderWhere(filter)

	query := `SELECT ` + orderColumns + ` FROM orders` + where
	if filter.SortDesc {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]*models.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// orderWhere строит WHERE из непустых полей фильтра
func orderWhere(filter models.OrderFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Symbol != "" {
		add("symbol = $%d", filter.Symbol)
	}
	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if len(filter.Statuses) > 0 {
		add("status = ANY($%d)", pq.Array(filter.Statuses))
	}
	if filter.SessionID != "" {
		add("session_id = $%d", filter.SessionID)
	}
	if filter.Strategy != "" {
		add("strategy = $%d", filter.Strategy)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Update перезаписывает изменяемые поля ордера по ID
func (r *OrderRepository) Update(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders
		SET exchange_order_id = $1, status = $2, filled_qty = $3, avg_fill_price = $4, fee = $5,
			realized_pnl = $6, error_message = $7, metadata = $8, updated_at = $9
		WHERE id = $10`

	meta, err := marshalMeta(order.Metadata)
	if err != nil {
		return fmt.Errorf("marshal order metadata: %w", err)
	}
	order.UpdatedAt = r.now()

	result, err := r.db.ExecContext(ctx, query,
		order.ExchangeOrderID,
		order.Status,
		order.FilledQty,
		order.AvgFillPrice,
		order.Fee,
		order.RealizedPnl,
		order.ErrorMessage,
		meta,
		order.UpdatedAt,
		order.ID,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// UpdateStatusByFilter переводит в status все ордера, подходящие под фильтр.
// Пустой filter.Statuses означает "только активные": терминальные записи не меняются.
func (r *OrderRepository) UpdateStatusByFilter(ctx context.Context, filter models.OrderFilter, status string) (int64, error) {
	if len(filter.Statuses) == 0 {
		filter.Statuses = models.ActiveOrderStatuses
	}
	filter.Limit, filter.Offset = 0, 0

	where, args := orderWhere(filter)
	args = append(args, status, r.now())
	query := fmt.Sprintf(`UPDATE orders SET status = $%d, updated_at = $%d`, len(args)-1, len(args)) + where

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// ============================================================
// Сканирование
// ============================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var takeProfit, stopLoss, realizedPnl nullDecimal
	var meta []byte

	err := row.Scan(
		&order.ID,
		&order.ExchangeOrderID,
		&order.ClientOrderID,
		&order.Symbol,
		&order.Category,
		&order.Side,
		&order.PositionSide,
		&order.OrderType,
		&order.Quantity,
		&order.Price,
		&order.FilledQty,
		&order.AvgFillPrice,
		&order.Fee,
		&order.Status,
		&order.ReduceOnly,
		&takeProfit,
		&stopLoss,
		&order.SessionID,
		&order.Strategy,
		&realizedPnl,
		&order.ErrorMessage,
		&meta,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	order.TakeProfit = takeProfit.ptr()
	order.StopLoss = stopLoss.ptr()
	order.RealizedPnl = realizedPnl.ptr()

	if order.Metadata, err = unmarshalMeta(meta); err != nil {
		return nil, fmt.Errorf("order %d metadata: %w", order.ID, err)
	}

	return order, nil
}
