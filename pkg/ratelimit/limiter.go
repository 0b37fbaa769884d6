package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - token bucket для контроля частоты запросов к REST API биржи
//
// Ведро наполняется со скоростью rate токенов/сек до ёмкости burst,
// каждый запрос потребляет один токен.
//
//	limiter := NewRateLimiter(10, 20) // 10 req/sec, burst 20
//	err := limiter.Wait(ctx)          // блокирующее ожидание
type RateLimiter struct {
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewRateLimiter создаёт limiter; rate <= 0 означает 10 req/sec, burst <= 0 - 2x rate
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = rate * 2
	}
	if burst < rate {
		burst = rate
	}

	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// refill вызывается под lock'ом
func (rl *RateLimiter) refill() {
	now := rl.now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()
		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		waitTime := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(waitTime)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow забирает токен без блокировки
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Tokens - текущее число токенов (для метрик и тестов)
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// ============================================================
// MultiLimiter - лимиты по группам эндпоинтов
// ============================================================

// MultiLimiter хранит отдельный bucket на группу эндпоинтов
// (у Bybit торговые и информационные запросы лимитируются раздельно).
// Неизвестная группа не ограничивается.
type MultiLimiter struct {
	limiters map[string]*RateLimiter
	mu       sync.RWMutex
}

func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{limiters: make(map[string]*RateLimiter)}
}

// Add регистрирует группу
func (ml *MultiLimiter) Add(group string, rate, burst float64) {
	ml.mu.Lock()
	ml.limiters[group] = NewRateLimiter(rate, burst)
	ml.mu.Unlock()
}

// Wait ждёт токен в группе
func (ml *MultiLimiter) Wait(ctx context.Context, group string) error {
	ml.mu.RLock()
	l, ok := ml.limiters[group]
	ml.mu.RUnlock()
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}
