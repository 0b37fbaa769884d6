package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"autotrader/internal/bot"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// Лимиты выборки журнала
const (
	DefaultNotificationLimit = 100
	MaxNotificationLimit     = 500
)

// NotificationQuery - фильтр чтения журнала.
// Types и Severity взаимоисключающие: при указанных типах Severity игнорируется.
type NotificationQuery struct {
	Types    []string
	Severity string
	Limit    int
}

// RetentionConfig - очистка журнала
type RetentionConfig struct {
	Keep     int           // сколько последних записей хранить
	Interval time.Duration // как часто чистить
}

// DefaultRetentionConfig - 1000 записей, раз в час
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{Keep: 1000, Interval: time.Hour}
}

// NotificationService - чтение и очистка журнала событий риск-контура.
//
// Запись в журнал идёт через bot.EventRecorder; сервис только читает
// (для /api/v1/notifications) и периодически обрезает таблицу.
type NotificationService struct {
	repo   NotificationRepository
	cfg    RetentionConfig
	logger *utils.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNotificationService создает новый экземпляр NotificationService
func NewNotificationService(repo NotificationRepository, cfg RetentionConfig, logger *utils.Logger) *NotificationService {
	def := DefaultRetentionConfig()
	if cfg.Keep <= 0 {
		cfg.Keep = def.Keep
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if logger == nil {
		logger = utils.NewNop()
	}
	return &NotificationService{
		repo:   repo,
		cfg:    cfg,
		logger: logger.WithComponent("notification_service"),
		stopCh: make(chan struct{}),
	}
}

// GetNotifications возвращает последние записи журнала (новые сверху).
// Неизвестные типы отбрасываются; если не осталось ни одного, фильтр по типам не применяется.
func (s *NotificationService) GetNotifications(ctx context.Context, q NotificationQuery) ([]*models.Notification, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	if limit > MaxNotificationLimit {
		limit = MaxNotificationLimit
	}

	types := make([]string, 0, len(q.Types))
	for _, t := range q.Types {
		normalized := strings.ToLower(strings.TrimSpace(t))
		if _, ok := bot.Severity(normalized); ok {
			types = append(types, normalized)
		}
	}

	if len(types) > 0 {
		return s.repo.GetByTypes(ctx, types, limit)
	}

	switch severity := strings.ToLower(strings.TrimSpace(q.Severity)); severity {
	case models.SeverityInfo, models.SeverityWarn, models.SeverityError:
		return s.repo.GetBySeverity(ctx, severity, limit)
	}

	return s.repo.GetRecent(ctx, limit)
}

// GetNotificationCount возвращает общее количество записей
func (s *NotificationService) GetNotificationCount(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// CleanupOld удаляет записи, оставляя только последние cfg.Keep
func (s *NotificationService) CleanupOld(ctx context.Context) (int64, error) {
	return s.repo.KeepRecent(ctx, s.cfg.Keep)
}

// Start запускает периодическую очистку
func (s *NotificationService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := s.CleanupOld(ctx)
				if err != nil {
					s.logger.Warn("notification cleanup failed", utils.Err(err))
					continue
				}
				if deleted > 0 {
					s.logger.Info("notification journal trimmed", utils.Int64("deleted", deleted), utils.Int("kept", s.cfg.Keep))
				}
			}
		}
	}()
}

// Stop останавливает очистку
func (s *NotificationService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
