package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autotrader/internal/models"
	"autotrader/internal/service"
)

// NotificationReader - чтение журнала событий (service.NotificationService)
type NotificationReader interface {
	GetNotifications(ctx context.Context, q service.NotificationQuery) ([]*models.Notification, error)
}

// NotificationHandler отдаёт журнал событий риск-контура
//
// Endpoints:
// - GET /api/v1/notifications - последние записи
// - GET /api/v1/notifications?types=circuit_break,drawdown_halt - фильтр по типам
// - GET /api/v1/notifications?severity=error - фильтр по важности
// - GET /api/v1/notifications?limit=50 - ограничение количества
type NotificationHandler struct {
	reader NotificationReader
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(reader NotificationReader) *NotificationHandler {
	return &NotificationHandler{reader: reader}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []NotificationDTO `json:"notifications"`
	Total         int               `json:"total"`
}

// NotificationDTO представляет уведомление в API
type NotificationDTO struct {
	ID        int64                  `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Source    string                 `json:"source"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// GetNotifications возвращает список уведомлений с фильтрацией
//
// HTTP коды:
// - 200 OK: успешно, возвращает массив уведомлений
// - 500 Internal Server Error: ошибка хранилища
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	q := service.NotificationQuery{
		Severity: r.URL.Query().Get("severity"),
	}

	if typesParam := r.URL.Query().Get("types"); typesParam != "" {
		for _, part := range strings.Split(typesParam, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				q.Types = append(q.Types, trimmed)
			}
		}
	}

	// некорректный лимит - значение по умолчанию сервиса
	if parsed, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && parsed > 0 {
		q.Limit = parsed
	}

	notifications, err := h.reader.GetNotifications(r.Context(), q)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get notifications: "+err.Error())
		return
	}

	dtos := make([]NotificationDTO, 0, len(notifications))
	for _, n := range notifications {
		dtos = append(dtos, NotificationDTO{
			ID:        n.ID,
			Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
			Type:      n.Type,
			Severity:  n.Severity,
			Source:    n.Source,
			Symbol:    n.Symbol,
			Message:   n.Message,
			Meta:      n.Meta,
		})
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: dtos,
		Total:         len(dtos),
	})
}
