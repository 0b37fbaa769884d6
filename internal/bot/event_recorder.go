package bot

import (
	"context"
	"sync"
	"time"

	"autotrader/internal/events"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// recordedEventTypes - события риск-контура, которые сохраняются в журнал
var recordedEventTypes = map[string]string{
	events.TypeCircuitBreak:     models.SeverityError,
	events.TypeDrawdownHalt:     models.SeverityError,
	events.TypeDrawdownWarning:  models.SeverityWarn,
	events.TypeOrderRejected:    models.SeverityWarn,
	events.TypeCircuitReset:     models.SeverityInfo,
	events.TypeDrawdownReset:    models.SeverityInfo,
	events.TypeExposureAdjusted: models.SeverityInfo,
}

// EventRecorder сохраняет события риск-контура в NotificationStore.
// OnEvent не блокирует шину: запись идёт через буфер и отдельную горутину.
type EventRecorder struct {
	store  NotificationStore
	logger *utils.Logger

	queue chan *models.Notification

	stopOnce sync.Once
	done     chan struct{}
}

// NewEventRecorder создаёт журнал; bufferSize <= 0 - 256
func NewEventRecorder(store NotificationStore, bufferSize int, logger *utils.Logger) *EventRecorder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = utils.NewNop()
	}
	return &EventRecorder{
		store:  store,
		logger: logger.WithComponent("event_recorder"),
		queue:  make(chan *models.Notification, bufferSize),
		done:   make(chan struct{}),
	}
}

// Severity возвращает уровень важности события; ok = false, если событие не журналируется
func Severity(eventType string) (string, bool) {
	s, ok := recordedEventTypes[eventType]
	return s, ok
}

// OnEvent реализует events.Listener
func (r *EventRecorder) OnEvent(e events.Event) {
	severity, ok := Severity(e.Type)
	if !ok {
		return
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	symbol, _ := e.Meta["symbol"].(string)

	n := &models.Notification{
		Timestamp: ts,
		Type:      e.Type,
		Severity:  severity,
		Source:    e.Source,
		Symbol:    symbol,
		Message:   e.Message,
		Meta:      e.Meta,
	}
	if !tryEnqueueNotification(r.queue, n) {
		r.logger.Warn("notification dropped, queue full", utils.String("type", e.Type))
	}
}

// Run пишет уведомления в хранилище до закрытия очереди через Close.
// Вызывается в отдельной горутине.
func (r *EventRecorder) Run(ctx context.Context) {
	defer close(r.done)
	for n := range r.queue {
		if err := r.store.Create(ctx, n); err != nil {
			r.logger.Error("failed to persist notification", utils.String("type", n.Type), utils.Err(err))
		}
	}
}

// Close закрывает очередь и ждёт, пока Run запишет оставшееся.
// После Close OnEvent вызывать нельзя: сначала отпишите журнал от шины.
func (r *EventRecorder) Close() {
	r.stopOnce.Do(func() {
		close(r.queue)
	})
	<-r.done
}
