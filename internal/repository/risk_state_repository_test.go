package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"autotrader/internal/risk"
	"autotrader/pkg/fixed"
)

// fakeKV - in-memory kvStore на готовых Cmd-результатах go-redis
type fakeKV struct {
	data   map[string]string
	ttl    time.Duration
	getErr error
	setErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = string(value.([]byte))
	f.ttl = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRiskStateRepository_LoadMissing(t *testing.T) {
	repo := NewRiskStateRepository(newFakeKV(), "", 0)

	state, found, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("found should be false for a missing key")
	}
	if !state.PeakEquity.IsZero() {
		t.Errorf("state = %+v", state)
	}
}

func TestRiskStateRepository_SaveLoadClear(t *testing.T) {
	kv := newFakeKV()
	repo := NewRiskStateRepository(kv, "test:risk", 48*time.Hour)
	ctx := context.Background()

	saved := risk.DrawdownState{
		PeakEquity:       fixed.MustNew("10500.25"),
		CurrentEquity:    fixed.MustNew("10100"),
		DailyStartEquity: fixed.MustNew("10300"),
		DailyDate:        "2024-03-01",
		Halted:           true,
		HaltReason:       "max_drawdown",
	}

	if err := repo.Save(ctx, saved); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if kv.ttl != 48*time.Hour {
		t.Errorf("ttl = %v", kv.ttl)
	}
	if _, ok := kv.data["test:risk"]; !ok {
		t.Fatal("state not written under the configured key")
	}

	loaded, found, err := repo.Load(ctx)
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if loaded.PeakEquity.String() != "10500.25" || loaded.DailyDate != "2024-03-01" || !loaded.Halted {
		t.Errorf("loaded = %+v", loaded)
	}

	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, found, _ := repo.Load(ctx); found {
		t.Error("state should be gone after Clear")
	}
}

func TestRiskStateRepository_Errors(t *testing.T) {
	kv := newFakeKV()
	kv.getErr = errors.New("connection refused")
	kv.setErr = errors.New("READONLY")
	repo := NewRiskStateRepository(kv, "", 0)

	if _, _, err := repo.Load(context.Background()); err == nil {
		t.Error("expected Load error")
	}
	if err := repo.Save(context.Background(), risk.DrawdownState{}); err == nil {
		t.Error("expected Save error")
	}

	kv.getErr = nil
	kv.data[DefaultRiskStateKey] = "{not json"
	if _, _, err := repo.Load(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}
