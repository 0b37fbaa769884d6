package bot

import (
	"context"
	"fmt"
	"sync"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// DefaultStreamBuffer - размер очереди push-событий по умолчанию
const DefaultStreamBuffer = 1024

// OrderEventHandler - получатель событий ордеров (OrderManager)
type OrderEventHandler interface {
	HandleOrderUpdate(ctx context.Context, u *exchange.OrderUpdate)
	HandleFill(ctx context.Context, f *exchange.Fill)
}

// PositionEventHandler - получатель событий позиций и счёта (PositionManager)
type PositionEventHandler interface {
	HandlePosition(p *models.Position)
	HandleAccount(a *models.AccountState)
}

// StreamRouter принимает события приватного потока и раздаёт их менеджерам.
//
// Callback биржи только ставит событие в ограниченную очередь (при переполнении
// событие отбрасывается, расхождение исправит периодический опрос).
// Одна горутина разбирает очередь, поэтому события обрабатываются в порядке
// поступления. Паника в обработчике не останавливает цикл.
type StreamRouter struct {
	gateway   exchange.Gateway
	orders    OrderEventHandler
	positions PositionEventHandler
	logger    *utils.Logger

	queue chan *exchange.PushEvent

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStreamRouter создаёт маршрутизатор; bufferSize <= 0 - значение по умолчанию
func NewStreamRouter(gateway exchange.Gateway, orders OrderEventHandler, positions PositionEventHandler, bufferSize int, logger *utils.Logger) *StreamRouter {
	if bufferSize <= 0 {
		bufferSize = DefaultStreamBuffer
	}
	if logger == nil {
		logger = utils.NewNop()
	}
	return &StreamRouter{
		gateway:   gateway,
		orders:    orders,
		positions: positions,
		logger:    logger.WithComponent("stream_router"),
		queue:     make(chan *exchange.PushEvent, bufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Start запускает разбор очереди и подписывается на поток биржи
func (r *StreamRouter) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.loop(ctx)

	if err := r.gateway.Subscribe(func(ev *exchange.PushEvent) { r.Enqueue(ev) }); err != nil {
		r.Stop()
		return fmt.Errorf("subscribe to private stream: %w", err)
	}
	r.logger.Info("stream router started", utils.Int("buffer", cap(r.queue)))
	return nil
}

// Stop останавливает разбор очереди. Необработанные события отбрасываются.
func (r *StreamRouter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

// Enqueue ставит событие в очередь без блокировки
func (r *StreamRouter) Enqueue(ev *exchange.PushEvent) bool {
	if ev == nil {
		return false
	}
	if !tryEnqueuePush(r.queue, ev) {
		r.logger.Warn("push event dropped, queue full", utils.Topic(ev.Topic), utils.Symbol(ev.Symbol))
		return false
	}
	PushEvents.WithLabelValues(ev.Topic).Inc()
	return true
}

func (r *StreamRouter) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			r.dispatch(ctx, ev)
		}
	}
}

// dispatch передаёт событие обработчику по топику
func (r *StreamRouter) dispatch(ctx context.Context, ev *exchange.PushEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("push handler panicked",
				utils.Topic(ev.Topic),
				utils.Symbol(ev.Symbol),
				utils.Any("panic", rec),
			)
		}
	}()

	switch ev.Topic {
	case exchange.TopicOrder:
		if ev.Order != nil {
			r.orders.HandleOrderUpdate(ctx, ev.Order)
		}
	case exchange.TopicFill:
		if ev.Fill != nil {
			r.orders.HandleFill(ctx, ev.Fill)
		}
	case exchange.TopicPosition:
		if ev.Position != nil {
			r.positions.HandlePosition(ev.Position)
		}
	case exchange.TopicAccount:
		if ev.Account != nil {
			r.positions.HandleAccount(ev.Account)
		}
	default:
		r.logger.Debug("unknown push topic", utils.Topic(ev.Topic))
	}
}
