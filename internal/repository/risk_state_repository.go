package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"autotrader/internal/risk"
)

// DefaultRiskStateKey - ключ Redis для состояния монитора просадки
const DefaultRiskStateKey = "autotrader:risk:drawdown"

// kvStore - подмножество redis.Cmdable, нужное репозиторию
type kvStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RiskStateRepository хранит risk.DrawdownState в Redis, чтобы пик equity
// и дневная база пережили рестарт процесса
type RiskStateRepository struct {
	rdb kvStore
	key string
	ttl time.Duration
}

// NewRiskStateRepository создает репозиторий. ttl = 0 - без истечения.
func NewRiskStateRepository(rdb kvStore, key string, ttl time.Duration) *RiskStateRepository {
	if key == "" {
		key = DefaultRiskStateKey
	}
	return &RiskStateRepository{rdb: rdb, key: key, ttl: ttl}
}

// Load возвращает сохранённое состояние; found = false, если ключа нет
func (r *RiskStateRepository) Load(ctx context.Context) (state risk.DrawdownState, found bool, err error) {
	raw, err := r.rdb.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return risk.DrawdownState{}, false, nil
		}
		return risk.DrawdownState{}, false, fmt.Errorf("redis get %s: %w", r.key, err)
	}

	if err := json.Unmarshal(raw, &state); err != nil {
		return risk.DrawdownState{}, false, fmt.Errorf("decode risk state: %w", err)
	}
	return state, true, nil
}

// Save перезаписывает состояние
func (r *RiskStateRepository) Save(ctx context.Context, state risk.DrawdownState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode risk state: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// Clear удаляет сохранённое состояние (после ResetAll)
func (r *RiskStateRepository) Clear(ctx context.Context) error {
	return r.rdb.Del(ctx, r.key).Err()
}
