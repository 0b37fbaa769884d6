package bot

import (
	"context"
	"sync"
	"time"

	"autotrader/internal/events"
	"autotrader/internal/risk"
	"autotrader/pkg/utils"
)

// RiskStateStore - хранилище состояния монитора просадки (repository.RiskStateRepository)
type RiskStateStore interface {
	Load(ctx context.Context) (risk.DrawdownState, bool, error)
	Save(ctx context.Context, state risk.DrawdownState) error
}

// RiskStateKeeper переносит пик equity, дневную базу и halt через рестарт.
//
// Состояние загружается при старте, сохраняется по интервалу, сразу после
// halt/reset событий и при остановке.
type RiskStateKeeper struct {
	engine   *risk.Engine
	store    RiskStateStore
	interval time.Duration
	logger   *utils.Logger

	flush chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRiskStateKeeper создаёт хранитель; interval <= 0 - 30 секунд
func NewRiskStateKeeper(engine *risk.Engine, store RiskStateStore, interval time.Duration, logger *utils.Logger) *RiskStateKeeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = utils.NewNop()
	}
	return &RiskStateKeeper{
		engine:   engine,
		store:    store,
		interval: interval,
		logger:   logger.WithComponent("risk_state"),
		flush:    make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Restore загружает сохранённое состояние в risk.Engine.
// Возвращает true, если состояние найдено.
func (k *RiskStateKeeper) Restore(ctx context.Context) (bool, error) {
	state, found, err := k.store.Load(ctx)
	if err != nil {
		return false, err
	}
	if !found {
		k.logger.Info("no saved risk state")
		return false, nil
	}
	k.engine.LoadDrawdownState(state)
	k.logger.Info("risk state restored",
		utils.Equity(state.PeakEquity),
		utils.String("daily_date", state.DailyDate),
		utils.Bool("halted", state.Halted),
	)
	return true, nil
}

// Start запускает цикл сохранения. Restore вызывается отдельно до старта,
// пока первые обновления equity ещё не пришли.
func (k *RiskStateKeeper) Start(ctx context.Context) {
	k.wg.Add(1)
	go k.loop(ctx)
}

// Stop останавливает цикл и сохраняет состояние последний раз
func (k *RiskStateKeeper) Stop(ctx context.Context) {
	k.stopOnce.Do(func() {
		close(k.stopCh)
	})
	k.wg.Wait()
	k.save(ctx)
}

// OnEvent реализует events.Listener: изменения halt сохраняются без ожидания интервала
func (k *RiskStateKeeper) OnEvent(e events.Event) {
	switch e.Type {
	case events.TypeDrawdownHalt, events.TypeDrawdownReset:
		select {
		case k.flush <- struct{}{}:
		default:
		}
	}
}

func (k *RiskStateKeeper) loop(ctx context.Context) {
	defer k.wg.Done()

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.save(ctx)
		case <-k.flush:
			k.save(ctx)
		}
	}
}

func (k *RiskStateKeeper) save(ctx context.Context) {
	state := k.engine.DrawdownState()
	if state.PeakEquity.IsZero() && state.DailyStartEquity.IsZero() {
		return
	}
	if err := k.store.Save(ctx, state); err != nil {
		k.logger.Error("failed to save risk state", utils.Err(err))
	}
}
