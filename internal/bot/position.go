package bot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"autotrader/internal/events"
	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/internal/risk"
	"autotrader/pkg/utils"
)

// SourcePositionManager - источник событий PositionManager
const SourcePositionManager = "position_manager"

// PositionManagerConfig - настройки синхронизации
type PositionManagerConfig struct {
	Categories         []string
	PollInterval       time.Duration // полная пересинхронизация через REST
	DailyCheckInterval time.Duration // проверка смены дня UTC
}

// DefaultPositionManagerConfig возвращает конфигурацию по умолчанию
func DefaultPositionManagerConfig() PositionManagerConfig {
	return PositionManagerConfig{
		Categories:         []string{models.CategoryLinear},
		PollInterval:       30 * time.Second,
		DailyCheckInterval: time.Minute,
	}
}

// PositionManager - зеркало позиций и счёта биржи
//
// Два независимых канала обновления:
//   - poll (SyncPositions/SyncAccount): зеркало позиций строится заново из ответа REST
//   - push (HandlePosition/HandleAccount): upsert или удаление по одному ключу
//
// Каналы не координируются между собой, последняя запись по ключу побеждает.
// Расхождение ограничено периодом опроса.
// После любого изменения зеркало публикуется событием position_updated и
// передаётся в risk.Engine.
type PositionManager struct {
	gateway exchange.Gateway
	engine  *risk.Engine
	cfg     PositionManagerConfig

	mu           sync.RWMutex
	positions    map[models.PositionKey]models.Position
	account      models.AccountState
	lastResetDay string

	bus    *events.Bus
	logger *utils.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPositionManager создаёт менеджер позиций
func NewPositionManager(gateway exchange.Gateway, engine *risk.Engine, cfg PositionManagerConfig, logger *utils.Logger) *PositionManager {
	def := DefaultPositionManagerConfig()
	if len(cfg.Categories) == 0 {
		cfg.Categories = def.Categories
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DailyCheckInterval <= 0 {
		cfg.DailyCheckInterval = def.DailyCheckInterval
	}
	if logger == nil {
		logger = utils.NewNop()
	}
	return &PositionManager{
		gateway:   gateway,
		engine:    engine,
		cfg:       cfg,
		positions: make(map[models.PositionKey]models.Position),
		bus:       events.NewBus(logger),
		logger:    logger.WithComponent(SourcePositionManager),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Events - шина position_updated
func (pm *PositionManager) Events() *events.Bus { return pm.bus }

// Start выполняет первую синхронизацию и запускает циклы опроса и дневного сброса.
// Ошибки первой синхронизации логируются: цикл опроса повторит её.
func (pm *PositionManager) Start(ctx context.Context) {
	if err := pm.SyncAccount(ctx); err != nil {
		pm.logger.Warn("initial account sync failed", utils.Err(err))
	}
	if err := pm.SyncPositions(ctx); err != nil {
		pm.logger.Warn("initial position sync failed", utils.Err(err))
	}

	pm.mu.Lock()
	pm.lastResetDay = utils.DayKey(pm.now())
	pm.mu.Unlock()

	pm.wg.Add(2)
	go pm.pollLoop(ctx)
	go pm.dailyResetLoop(ctx)

	pm.logger.Info("position manager started",
		utils.Dur("poll_interval", pm.cfg.PollInterval),
		utils.Any("categories", pm.cfg.Categories),
	)
}

// Stop останавливает циклы и ждёт их завершения.
// Запрос, который уже выполняется, не прерывается.
func (pm *PositionManager) Stop() {
	pm.stopOnce.Do(func() {
		close(pm.stopCh)
	})
	pm.wg.Wait()
}

func (pm *PositionManager) pollLoop(ctx context.Context) {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pm.SyncAccount(ctx); err != nil {
				pm.logger.Warn("account sync failed", utils.Err(err))
			}
			if err := pm.SyncPositions(ctx); err != nil {
				pm.logger.Warn("position sync failed", utils.Err(err))
			}
		}
	}
}

func (pm *PositionManager) dailyResetLoop(ctx context.Context) {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.cfg.DailyCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.CheckDailyReset()
		}
	}
}

// CheckDailyReset вызывает ResetDaily ровно один раз на календарный день UTC.
// Смена дня определяется сравнением ключей дня, пропущенный тик не теряет сброс.
func (pm *PositionManager) CheckDailyReset() bool {
	today := utils.DayKey(pm.now())

	pm.mu.Lock()
	if today == pm.lastResetDay {
		pm.mu.Unlock()
		return false
	}
	prev := pm.lastResetDay
	pm.lastResetDay = today
	pm.mu.Unlock()

	pm.logger.Info("utc day changed, daily reset", utils.String("from", prev), utils.String("to", today))
	pm.engine.ResetDaily()
	return true
}

// ============================================================
// Poll
// ============================================================

// SyncPositions перестраивает зеркало позиций из REST.
// При ошибке по любой категории зеркало не меняется.
func (pm *PositionManager) SyncPositions(ctx context.Context) error {
	fresh := make(map[models.PositionKey]models.Position)
	for _, category := range pm.cfg.Categories {
		list, err := pm.gateway.GetPositions(ctx, category)
		if err != nil {
			return fmt.Errorf("get positions %s: %w", category, err)
		}
		for _, p := range list {
			if p.Quantity.IsZero() {
				continue
			}
			if p.Category == "" {
				p.Category = category
			}
			fresh[p.Key()] = p
		}
	}

	pm.mu.Lock()
	pm.positions = fresh
	snapshot, account := pm.snapshotLocked()
	pm.mu.Unlock()

	pm.logger.Debug("positions synced", utils.Int("count", len(snapshot)))
	pm.publish(snapshot, account, "poll")
	return nil
}

// SyncAccount обновляет состояние счёта из REST
func (pm *PositionManager) SyncAccount(ctx context.Context) error {
	acc, err := pm.gateway.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}
	pm.HandleAccount(acc)
	return nil
}

// ============================================================
// Push
// ============================================================

// HandlePosition применяет push-обновление одной позиции.
// Нулевой объём удаляет позицию; пустая сторона (one-way режим) удаляет
// обе стороны символа.
func (pm *PositionManager) HandlePosition(p *models.Position) {
	if p == nil || p.Symbol == "" {
		return
	}

	pm.mu.Lock()
	switch {
	case p.Quantity.IsZero() && p.PositionSide == "":
		delete(pm.positions, models.PositionKey{Symbol: p.Symbol, PositionSide: models.PositionSideLong})
		delete(pm.positions, models.PositionKey{Symbol: p.Symbol, PositionSide: models.PositionSideShort})
	case p.Quantity.IsZero():
		delete(pm.positions, p.Key())
	case p.PositionSide == "":
		pm.mu.Unlock()
		pm.logger.Warn("position update without side ignored", utils.Symbol(p.Symbol), utils.Qty(p.Quantity))
		return
	default:
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = pm.now()
		}
		pm.positions[p.Key()] = *p
	}
	snapshot, account := pm.snapshotLocked()
	pm.mu.Unlock()

	pm.publish(snapshot, account, "push")
}

// HandleAccount применяет состояние счёта (push или poll), последняя запись побеждает
func (pm *PositionManager) HandleAccount(a *models.AccountState) {
	if a == nil {
		return
	}

	pm.mu.Lock()
	pm.account = *a
	if pm.account.UpdatedAt.IsZero() {
		pm.account.UpdatedAt = pm.now()
	}
	snapshot, account := pm.snapshotLocked()
	pm.mu.Unlock()

	pm.publish(snapshot, account, "account")
}

// snapshotLocked возвращает копию зеркала, отсортированную по ключу
func (pm *PositionManager) snapshotLocked() ([]models.Position, models.AccountState) {
	out := make([]models.Position, 0, len(pm.positions))
	for _, p := range pm.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, pm.account
}

// publish передаёт зеркало в risk.Engine и публикует position_updated
func (pm *PositionManager) publish(positions []models.Position, account models.AccountState, via string) {
	update := risk.AccountUpdate{Positions: positions}
	if !account.UpdatedAt.IsZero() {
		eq := account.Equity
		update.Equity = &eq
	}
	pm.engine.UpdateAccountState(update)

	list := make([]map[string]interface{}, 0, len(positions))
	for _, p := range positions {
		list = append(list, map[string]interface{}{
			"symbol":        p.Symbol,
			"positionSide":  p.PositionSide,
			"qty":           p.Quantity.String(),
			"entryPrice":    p.EntryPrice.String(),
			"markPrice":     p.MarkPrice.String(),
			"unrealizedPnl": p.UnrealizedPnl.String(),
		})
	}
	pm.bus.Publish(events.Event{
		Type:    events.TypePositionUpdated,
		Source:  SourcePositionManager,
		Message: "positions updated via " + via,
		Meta: map[string]interface{}{
			"via":       via,
			"count":     len(positions),
			"positions": list,
			"equity":    account.Equity.String(),
			"available": account.AvailableBalance.String(),
		},
	})
}

// ============================================================
// Чтение
// ============================================================

// Positions возвращает копию зеркала
func (pm *PositionManager) Positions() []models.Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out, _ := pm.snapshotLocked()
	return out
}

// Position возвращает позицию по ключу
func (pm *PositionManager) Position(key models.PositionKey) (models.Position, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.positions[key]
	return p, ok
}

// Account возвращает последнее состояние счёта
func (pm *PositionManager) Account() models.AccountState {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.account
}
