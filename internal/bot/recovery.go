package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/internal/repository"
	"autotrader/pkg/utils"
)

// externalClientPrefix - префикс client id для ордеров, созданных вне бота
const externalClientPrefix = "ext-"

// RecoveryConfig - конфигурация RecoveryManager
type RecoveryConfig struct {
	Categories []string
	Timeout    time.Duration // общий таймаут Recover
}

// DefaultRecoveryConfig возвращает конфигурацию по умолчанию
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Categories: []string{models.CategoryLinear},
		Timeout:    30 * time.Second,
	}
}

// RecoveryReport - итог восстановления
type RecoveryReport struct {
	OrdersRepaired int
	PositionsFound int
	Errors         []string
	StartedAt      time.Time
	Duration       time.Duration
}

// RecoveryManager сверяет локальные ордера с биржей после перезапуска.
//
// Биржа - источник истины: локальные записи подгоняются под неё, никогда наоборот.
// Позиции только читаются и логируются, их зеркало ведёт PositionManager.
type RecoveryManager struct {
	gateway exchange.Gateway
	orders  OrderStore
	guard   sync.Locker // общий с OrderManager, nil - без блокировки
	cfg     RecoveryConfig
	logger  *utils.Logger
	now     func() time.Time
}

// NewRecoveryManager создаёт менеджер восстановления
func NewRecoveryManager(gateway exchange.Gateway, orders OrderStore, guard sync.Locker, cfg RecoveryConfig, logger *utils.Logger) *RecoveryManager {
	def := DefaultRecoveryConfig()
	if len(cfg.Categories) == 0 {
		cfg.Categories = def.Categories
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if guard == nil {
		guard = noopLocker{}
	}
	if logger == nil {
		logger = utils.NewNop()
	}
	return &RecoveryManager{
		gateway: gateway,
		orders:  orders,
		guard:   guard,
		cfg:     cfg,
		logger:  logger.WithComponent("recovery"),
		now:     time.Now,
	}
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// Recover сверяет ордера и позиции по всем категориям.
// Ошибки шагов не прерывают восстановление и попадают в отчёт.
func (rm *RecoveryManager) Recover(ctx context.Context) (report *RecoveryReport) {
	report = &RecoveryReport{StartedAt: rm.now()}

	ctx, cancel := context.WithTimeout(ctx, rm.cfg.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("panic: %v", r))
			rm.logger.Error("recovery panicked", utils.Any("panic", r))
		}
		report.Duration = rm.now().Sub(report.StartedAt)
	}()

	rm.logger.Info("state recovery started", utils.Any("categories", rm.cfg.Categories))

	for _, category := range rm.cfg.Categories {
		repaired, err := rm.ReconcileOrders(ctx, category)
		report.OrdersRepaired += repaired
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("orders %s: %v", category, err))
			rm.logger.Error("order reconciliation failed", utils.Category(category), utils.Err(err))
		}

		found, err := rm.ReconcilePositions(ctx, category)
		report.PositionsFound += found
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("positions %s: %v", category, err))
			rm.logger.Error("position reconciliation failed", utils.Category(category), utils.Err(err))
		}
	}

	rm.logger.Info("state recovery finished",
		utils.Int("orders_repaired", report.OrdersRepaired),
		utils.Int("positions_found", report.PositionsFound),
		utils.Int("errors", len(report.Errors)),
	)
	return report
}

// ============================================================
// Ордера
// ============================================================

// ReconcileOrders - трёхсторонняя сверка активных ордеров категории:
//   - локальный активный ордер без пары на бирже -> cancelled
//   - пара найдена, статус/объём/цена отличаются -> перезапись с биржи
//   - ордер биржи без локальной записи -> новая запись (strategy=external)
//
// Повторный запуск без изменений на бирже не даёт исправлений.
// Ошибки по отдельным записям не прерывают сверку и возвращаются вместе.
func (rm *RecoveryManager) ReconcileOrders(ctx context.Context, category string) (int, error) {
	remote, err := rm.gateway.GetOpenOrders(ctx, category)
	if err != nil {
		return 0, fmt.Errorf("get exchange open orders: %w", err)
	}

	rm.guard.Lock()
	defer rm.guard.Unlock()

	local, err := rm.orders.Find(ctx, models.OrderFilter{
		Category: category,
		Statuses: models.ActiveOrderStatuses,
	})
	if err != nil {
		return 0, fmt.Errorf("find local active orders: %w", err)
	}

	byExchangeID := make(map[string]*exchange.OrderUpdate, len(remote))
	byClientID := make(map[string]*exchange.OrderUpdate, len(remote))
	for _, u := range remote {
		if u == nil {
			continue
		}
		if u.ExchangeOrderID != "" {
			byExchangeID[u.ExchangeOrderID] = u
		}
		if u.ClientOrderID != "" {
			byClientID[u.ClientOrderID] = u
		}
	}

	log := rm.logger.WithCategory(category)
	matched := make(map[*exchange.OrderUpdate]bool, len(remote))
	repaired := 0
	var errs []error

	for _, order := range local {
		u := byExchangeID[order.ExchangeOrderID]
		if u == nil {
			u = byClientID[order.ClientOrderID]
		}

		if u == nil {
			order.Status = models.OrderStatusCancelled
			order.SetMeta(models.MetaCancelledByRecover, true)
			if err := rm.orders.Update(ctx, order); err != nil {
				errs = append(errs, fmt.Errorf("cancel local order %d: %w", order.ID, err))
				continue
			}
			repaired++
			ReconcileRepairs.WithLabelValues("cancelled").Inc()
			log.Info("local order missing on exchange, marked cancelled",
				utils.LocalID(order.ID),
				utils.OrderID(order.ExchangeOrderID),
				utils.Symbol(order.Symbol),
			)
			continue
		}

		matched[u] = true
		if !rm.overwriteFromExchange(order, u) {
			continue
		}
		if err := rm.orders.Update(ctx, order); err != nil {
			errs = append(errs, fmt.Errorf("update local order %d: %w", order.ID, err))
			continue
		}
		repaired++
		ReconcileRepairs.WithLabelValues("updated").Inc()
		log.Info("local order updated from exchange",
			utils.LocalID(order.ID),
			utils.OrderID(order.ExchangeOrderID),
			utils.Status(order.Status),
			utils.Qty(order.FilledQty),
		)
	}

	for _, u := range remote {
		if u == nil || matched[u] {
			continue
		}
		created, err := rm.adoptExternal(ctx, category, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("adopt exchange order %s: %w", u.ExchangeOrderID, err))
			continue
		}
		if created {
			repaired++
			ReconcileRepairs.WithLabelValues("created").Inc()
		}
	}

	return repaired, errors.Join(errs...)
}

// overwriteFromExchange копирует статус, объём и цену исполнения с биржи.
// Возвращает true, если запись изменилась.
func (rm *RecoveryManager) overwriteFromExchange(order *models.Order, u *exchange.OrderUpdate) bool {
	changed := false

	if status, ok := MapExchangeStatus(u.Status); ok && status != order.Status {
		order.Status = status
		changed = true
	} else if !ok {
		rm.logger.Warn("unknown exchange order status", utils.Status(u.Status), utils.OrderID(u.ExchangeOrderID))
	}
	if !u.FilledQty.Equal(order.FilledQty) {
		order.FilledQty = u.FilledQty
		// исполнения за время простоя не пришли: сумма исполнений догоняет биржу
		order.SetMeta(models.MetaExecQty, u.FilledQty.String())
		changed = true
	}
	if !u.AvgFillPrice.Equal(order.AvgFillPrice) {
		order.AvgFillPrice = u.AvgFillPrice
		changed = true
	}
	if order.ExchangeOrderID == "" && u.ExchangeOrderID != "" {
		order.ExchangeOrderID = u.ExchangeOrderID
		changed = true
	}
	return changed
}

// adoptExternal создаёт локальную запись для ордера биржи.
// Если запись уже есть (обычно терминальная), ордер только логируется.
func (rm *RecoveryManager) adoptExternal(ctx context.Context, category string, u *exchange.OrderUpdate) (bool, error) {
	existing, err := rm.findLocal(ctx, u)
	switch {
	case err == nil:
		rm.logger.Warn("exchange order already has a local record, left untouched",
			utils.LocalID(existing.ID),
			utils.OrderID(u.ExchangeOrderID),
			utils.Status(existing.Status),
			utils.String("exchange_status", u.Status),
		)
		return false, nil
	case !errors.Is(err, repository.ErrOrderNotFound):
		return false, err
	}

	// статус биржи сохраняется как есть, терминальный ордер не попадает
	// в активные и следующая сверка его не трогает
	status, ok := MapExchangeStatus(u.Status)
	if !ok {
		status = models.OrderStatusOpen
	}
	clientID := u.ClientOrderID
	if clientID == "" {
		clientID = externalClientPrefix + u.ExchangeOrderID
	}
	orderCategory := u.Category
	if orderCategory == "" {
		orderCategory = category
	}

	order := &models.Order{
		ExchangeOrderID: u.ExchangeOrderID,
		ClientOrderID:   clientID,
		Symbol:          u.Symbol,
		Category:        orderCategory,
		Side:            u.Side,
		PositionSide:    u.PositionSide,
		OrderType:       u.OrderType,
		Quantity:        u.Quantity,
		Price:           u.Price,
		FilledQty:       u.FilledQty,
		AvgFillPrice:    u.AvgFillPrice,
		Fee:             u.Fee,
		Status:          status,
		ReduceOnly:      u.ReduceOnly,
		Strategy:        models.StrategyExternal,
		CreatedAt:       u.CreatedAt,
	}
	order.SetMeta(models.MetaSource, models.MetaSourceReconcile)

	if err := rm.orders.Create(ctx, order); err != nil {
		return false, err
	}
	rm.logger.Info("external exchange order adopted",
		utils.LocalID(order.ID),
		utils.OrderID(order.ExchangeOrderID),
		utils.Symbol(order.Symbol),
		utils.Status(order.Status),
	)
	return true, nil
}

// findLocal ищет запись любой давности по exchange id, затем по client id
func (rm *RecoveryManager) findLocal(ctx context.Context, u *exchange.OrderUpdate) (*models.Order, error) {
	if u.ExchangeOrderID != "" {
		order, err := rm.orders.GetByExchangeOrderID(ctx, u.ExchangeOrderID)
		if err == nil || !errors.Is(err, repository.ErrOrderNotFound) {
			return order, err
		}
	}
	if u.ClientOrderID != "" {
		return rm.orders.GetByClientOrderID(ctx, u.ClientOrderID)
	}
	return nil, repository.ErrOrderNotFound
}

// ============================================================
// Позиции
// ============================================================

// ReconcilePositions читает позиции биржи и логирует их, ничего не меняя
func (rm *RecoveryManager) ReconcilePositions(ctx context.Context, category string) (int, error) {
	positions, err := rm.gateway.GetPositions(ctx, category)
	if err != nil {
		return 0, fmt.Errorf("get exchange positions: %w", err)
	}

	found := 0
	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		found++
		rm.logger.Info("exchange position found",
			utils.Category(category),
			utils.Symbol(p.Symbol),
			utils.PositionSide(p.PositionSide),
			utils.Qty(p.Quantity),
			utils.Price(p.EntryPrice),
			utils.PNL(p.UnrealizedPnl),
		)
	}
	return found, nil
}
