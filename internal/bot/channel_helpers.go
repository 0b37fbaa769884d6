package bot

import (
	"autotrader/internal/exchange"
	"autotrader/internal/models"
)

// Имена буферов в метриках
const (
	bufferPush         = "push"
	bufferNotification = "notification"
)

// tryEnqueuePush отправляет событие потока в канал с метриками переполнения.
// Возвращает true, если событие поставлено в очередь.
func tryEnqueuePush(ch chan *exchange.PushEvent, ev *exchange.PushEvent) bool {
	if ch == nil || ev == nil {
		return false
	}

	select {
	case ch <- ev:
		return true
	default:
		RecordBufferOverflow(bufferPush)
		RecordBufferBacklog(bufferPush, cap(ch), len(ch))
		return false
	}
}

// tryEnqueueNotification отправляет уведомление в канал с метриками переполнения.
// Возвращает true, если уведомление поставлено в очередь.
func tryEnqueueNotification(ch chan *models.Notification, notif *models.Notification) bool {
	if ch == nil || notif == nil {
		return false
	}

	select {
	case ch <- notif:
		return true
	default:
		RecordBufferOverflow(bufferNotification)
		RecordBufferBacklog(bufferNotification, cap(ch), len(ch))
		return false
	}
}
