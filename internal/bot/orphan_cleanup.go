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

// OrphanCleanerConfig - настройки периодической очистки
type OrphanCleanerConfig struct {
	Categories []string
	Interval   time.Duration
	MinAge     time.Duration // более молодые ордера могут быть ещё не сохранены
}

// DefaultOrphanCleanerConfig возвращает конфигурацию по умолчанию
func DefaultOrphanCleanerConfig() OrphanCleanerConfig {
	return OrphanCleanerConfig{
		Categories: []string{models.CategoryLinear},
		Interval:   5 * time.Minute,
		MinAge:     2 * time.Minute,
	}
}

// CleanupSummary - итог одного прохода
type CleanupSummary struct {
	Scanned      int
	SkippedYoung int
	Orphans      int
	Cancelled    int
	Errors       []string
}

// OrphanCleaner отменяет ордера биржи, для которых нет локальной записи
type OrphanCleaner struct {
	gateway exchange.Gateway
	orders  OrderStore
	cfg     OrphanCleanerConfig
	logger  *utils.Logger
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOrphanCleaner создаёт очистку ордеров-сирот
func NewOrphanCleaner(gateway exchange.Gateway, orders OrderStore, cfg OrphanCleanerConfig, logger *utils.Logger) *OrphanCleaner {
	def := DefaultOrphanCleanerConfig()
	if len(cfg.Categories) == 0 {
		cfg.Categories = def.Categories
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinAge < 0 {
		cfg.MinAge = def.MinAge
	}
	if logger == nil {
		logger = utils.NewNop()
	}
	return &OrphanCleaner{
		gateway: gateway,
		orders:  orders,
		cfg:     cfg,
		logger:  logger.WithComponent("orphan_cleanup"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start запускает проход сразу и затем по интервалу
func (oc *OrphanCleaner) Start(ctx context.Context) {
	oc.wg.Add(1)
	go oc.run(ctx)
}

// Stop останавливает цикл; текущий проход доработает до конца
func (oc *OrphanCleaner) Stop() {
	oc.stopOnce.Do(func() {
		close(oc.stopCh)
	})
	oc.wg.Wait()
}

func (oc *OrphanCleaner) run(ctx context.Context) {
	defer oc.wg.Done()

	oc.sweepAndLog(ctx)

	ticker := time.NewTicker(oc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-oc.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			oc.sweepAndLog(ctx)
		}
	}
}

func (oc *OrphanCleaner) sweepAndLog(ctx context.Context) {
	s := oc.Sweep(ctx)
	if s.Orphans > 0 || len(s.Errors) > 0 {
		oc.logger.Warn("orphan sweep finished",
			utils.Int("scanned", s.Scanned),
			utils.Int("orphans", s.Orphans),
			utils.Int("cancelled", s.Cancelled),
			utils.Any("errors", s.Errors),
		)
		return
	}
	oc.logger.Debug("orphan sweep finished", utils.Int("scanned", s.Scanned), utils.Int("skipped_young", s.SkippedYoung))
}

// Sweep выполняет один проход. Каждый ордер обрабатывается отдельно:
// ошибка по одному не прерывает остальные.
func (oc *OrphanCleaner) Sweep(ctx context.Context) CleanupSummary {
	var s CleanupSummary
	now := oc.now()

	for _, category := range oc.cfg.Categories {
		remote, err := oc.gateway.GetOpenOrders(ctx, category)
		if err != nil {
			s.Errors = append(s.Errors, fmt.Sprintf("get open orders %s: %v", category, err))
			continue
		}

		for _, u := range remote {
			if u == nil {
				continue
			}
			s.Scanned++

			// без времени создания возраст неизвестен, такой ордер не трогаем
			if u.CreatedAt.IsZero() || now.Sub(u.CreatedAt) < oc.cfg.MinAge {
				s.SkippedYoung++
				continue
			}

			known, err := oc.hasLocalRecord(ctx, u)
			if err != nil {
				s.Errors = append(s.Errors, fmt.Sprintf("lookup %s: %v", u.ExchangeOrderID, err))
				continue
			}
			if known {
				continue
			}

			s.Orphans++
			log := oc.logger.With(
				utils.OrderID(u.ExchangeOrderID),
				utils.ClientOrderID(u.ClientOrderID),
				utils.Symbol(u.Symbol),
			)
			log.Warn("orphan order found", utils.Dur("age", now.Sub(u.CreatedAt)))

			cat := u.Category
			if cat == "" {
				cat = category
			}
			err = oc.gateway.CancelOrder(ctx, exchange.CancelRequest{
				Category:        cat,
				Symbol:          u.Symbol,
				ExchangeOrderID: u.ExchangeOrderID,
				ClientOrderID:   u.ClientOrderID,
			})
			if err != nil {
				s.Errors = append(s.Errors, fmt.Sprintf("cancel %s: %v", u.ExchangeOrderID, err))
				log.Error("failed to cancel orphan order", utils.Err(err))
				continue
			}
			s.Cancelled++
			OrphanOrdersCancelled.Inc()
			log.Info("orphan order cancelled")
		}
	}
	return s
}

func (oc *OrphanCleaner) hasLocalRecord(ctx context.Context, u *exchange.OrderUpdate) (bool, error) {
	if u.ExchangeOrderID != "" {
		_, err := oc.orders.GetByExchangeOrderID(ctx, u.ExchangeOrderID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return false, err
		}
	}
	if u.ClientOrderID != "" {
		_, err := oc.orders.GetByClientOrderID(ctx, u.ClientOrderID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return false, err
		}
	}
	return false, nil
}
