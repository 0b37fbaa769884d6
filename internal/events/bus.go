// Package events - синхронная шина событий риск-контура и жизненного цикла ордеров.
//
// Каждый компонент владеет своей шиной и публикует события после того, как
// отпустил собственный mutex. Родительский компонент пересылает события
// дочерних через Relay, поэтому потребителю достаточно одной подписки.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/pkg/utils"
)

// Типы событий
const (
	TypeOrderValidated   = "order_validated"
	TypeOrderRejected    = "order_rejected"
	TypeCircuitBreak     = "circuit_break"
	TypeCircuitReset     = "circuit_reset"
	TypeDrawdownWarning  = "drawdown_warning"
	TypeDrawdownHalt     = "drawdown_halt"
	TypeDrawdownReset    = "drawdown_reset"
	TypeExposureAdjusted = "exposure_adjusted"
	TypeOrderSubmitted   = "order_submitted"
	TypeOrderFilled      = "order_filled"
	TypeOrderCancelled   = "order_cancelled"
	TypePositionUpdated  = "position_updated"
)

// Event - событие шины. Meta содержит полезную нагрузку конкретного типа.
type Event struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Listener получает события шины. OnEvent не должен блокироваться надолго.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc адаптирует функцию к Listener
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Publisher - то, куда компонент публикует события
type Publisher interface {
	Publish(Event)
}

// Bus - список подписчиков с синхронной доставкой в порядке подписки
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners []subscription
	logger    *utils.Logger
}

type subscription struct {
	id int
	l  Listener
}

// NewBus создаёт шину; logger может быть nil
func NewBus(logger *utils.Logger) *Bus {
	if logger == nil {
		logger = utils.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe добавляет подписчика и возвращает функцию отписки
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, subscription{id: id, l: l})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.listeners {
				if s.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish доставляет событие всем подписчикам.
// Паника подписчика логируется и не мешает остальным.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	snapshot := make([]subscription, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.deliver(s.l, e)
	}
}

func (b *Bus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.String("event", e.Type),
				zap.Any("panic", r),
			)
		}
	}()
	l.OnEvent(e)
}

// Len - число подписчиков
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Relay пересылает все события from в to. Возвращает функцию остановки.
func Relay(from *Bus, to Publisher) func() {
	return from.Subscribe(ListenerFunc(to.Publish))
}

// Filter пропускает к подписчику только события указанных типов
func Filter(l Listener, types ...string) Listener {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return ListenerFunc(func(e Event) {
		if _, ok := allowed[e.Type]; ok {
			l.OnEvent(e)
		}
	})
}
