package bot

import (
	"context"
	"testing"
	"time"

	"autotrader/internal/events"
	"autotrader/internal/models"
)

func newTestPositionManager(gw *fakeGateway, equity string) (*PositionManager, *eventLog) {
	engine := newTestEngine(equity)
	pm := NewPositionManager(gw, engine, PositionManagerConfig{}, nil)
	pm.now = func() time.Time { return testNow }
	log := &eventLog{}
	pm.Events().Subscribe(log)
	return pm, log
}

func pos(symbol, side, qty string) models.Position {
	return models.Position{
		Symbol:       symbol,
		Category:     models.CategoryLinear,
		PositionSide: side,
		Quantity:     dec(qty),
		EntryPrice:   dec("100"),
		MarkPrice:    dec("100"),
	}
}

func TestNewPositionManager_Defaults(t *testing.T) {
	pm := NewPositionManager(newFakeGateway(), newTestEngine(""), PositionManagerConfig{}, nil)
	if pm.cfg.PollInterval != 30*time.Second || pm.cfg.DailyCheckInterval != time.Minute {
		t.Errorf("unexpected intervals: %v / %v", pm.cfg.PollInterval, pm.cfg.DailyCheckInterval)
	}
	if len(pm.cfg.Categories) != 1 || pm.cfg.Categories[0] != models.CategoryLinear {
		t.Errorf("unexpected categories: %v", pm.cfg.Categories)
	}
}

func TestPositionManager_SyncPositions_Replaces(t *testing.T) {
	gw := newFakeGateway()
	pm, log := newTestPositionManager(gw, "10000")

	// стейл-позиция из push-канала
	p := pos("ETHUSDT", models.PositionSideShort, "3")
	pm.HandlePosition(&p)

	gw.positions[models.CategoryLinear] = []models.Position{
		pos("BTCUSDT", models.PositionSideLong, "1"),
		pos("XRPUSDT", models.PositionSideLong, "0"),
	}
	if err := pm.SyncPositions(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := pm.Positions()
	if len(got) != 1 || got[0].Symbol != "BTCUSDT" {
		t.Fatalf("mirror = %+v, want only BTCUSDT", got)
	}
	if _, ok := pm.Position(models.PositionKey{Symbol: "ETHUSDT", PositionSide: models.PositionSideShort}); ok {
		t.Error("poll must drop positions absent from the response")
	}

	e, ok := log.last(events.TypePositionUpdated)
	if !ok || e.Meta["count"] != 1 || e.Meta["via"] != "poll" {
		t.Errorf("unexpected position_updated: %v", e.Meta)
	}
	if st := pm.engine.Status(); st.Positions != 1 {
		t.Errorf("engine positions = %d, want 1", st.Positions)
	}
}

func TestPositionManager_SyncPositions_ErrorKeepsMirror(t *testing.T) {
	gw := newFakeGateway()
	pm, _ := newTestPositionManager(gw, "10000")

	p := pos("BTCUSDT", models.PositionSideLong, "1")
	pm.HandlePosition(&p)

	gw.positionsErr = errExchangeDown
	if err := pm.SyncPositions(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(pm.Positions()) != 1 {
		t.Error("mirror must be kept when the poll fails")
	}
}

func TestPositionManager_HandlePosition(t *testing.T) {
	pm, log := newTestPositionManager(newFakeGateway(), "10000")
	long := models.PositionKey{Symbol: "BTCUSDT", PositionSide: models.PositionSideLong}
	short := models.PositionKey{Symbol: "BTCUSDT", PositionSide: models.PositionSideShort}

	tests := []struct {
		name      string
		update    models.Position
		wantLong  string // "" - позиции нет
		wantShort string
	}{
		{"open long", pos("BTCUSDT", models.PositionSideLong, "1"), "1", ""},
		{"open short", pos("BTCUSDT", models.PositionSideShort, "2"), "1", "2"},
		{"last writer wins", pos("BTCUSDT", models.PositionSideLong, "1.5"), "1.5", "2"},
		{"zero qty deletes one side", pos("BTCUSDT", models.PositionSideShort, "0"), "1.5", ""},
		{"side without qty is ignored", pos("BTCUSDT", "", "4"), "1.5", ""},
		{"empty side zero qty deletes both", pos("BTCUSDT", "", "0"), "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := tt.update
			pm.HandlePosition(&u)

			check := func(key models.PositionKey, want string) {
				p, ok := pm.Position(key)
				if want == "" {
					if ok {
						t.Errorf("%s: unexpected position qty %s", key, p.Quantity)
					}
					return
				}
				if !ok || !p.Quantity.Equal(dec(want)) {
					t.Errorf("%s: got %v (present=%v), want %s", key, p.Quantity, ok, want)
				}
			}
			check(long, tt.wantLong)
			check(short, tt.wantShort)
		})
	}

	if log.count(events.TypePositionUpdated) != 5 {
		t.Errorf("position_updated published %d times, want 5", log.count(events.TypePositionUpdated))
	}
}

func TestPositionManager_AccountFeedsEngine(t *testing.T) {
	gw := newFakeGateway()
	gw.balance = &models.AccountState{Equity: dec("12000"), AvailableBalance: dec("9000")}
	pm, log := newTestPositionManager(gw, "")

	if err := pm.SyncAccount(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pm.Account().Equity.Equal(dec("12000")) {
		t.Errorf("account equity = %s", pm.Account().Equity)
	}
	if !pm.engine.Equity().Equal(dec("12000")) {
		t.Errorf("engine equity = %s, want 12000", pm.engine.Equity())
	}

	pm.HandleAccount(&models.AccountState{Equity: dec("11000")})
	if !pm.engine.Equity().Equal(dec("11000")) {
		t.Errorf("engine equity after push = %s, want 11000", pm.engine.Equity())
	}
	e, _ := log.last(events.TypePositionUpdated)
	if e.Meta["equity"] != "11000" {
		t.Errorf("event equity = %v", e.Meta["equity"])
	}

	gw.balanceErr = errExchangeDown
	if err := pm.SyncAccount(context.Background()); err == nil {
		t.Error("expected balance error")
	}
	if !pm.Account().Equity.Equal(dec("11000")) {
		t.Error("failed sync must keep the last account state")
	}
}

func TestPositionManager_CheckDailyReset(t *testing.T) {
	pm, _ := newTestPositionManager(newFakeGateway(), "10000")
	clock := testNow
	pm.now = func() time.Time { return clock }
	pm.lastResetDay = "2024-03-01"

	if pm.CheckDailyReset() {
		t.Error("no reset expected on the same day")
	}

	// equity упал, дневная база остаётся прежней до сброса
	eq := dec("9800")
	pm.HandleAccount(&models.AccountState{Equity: eq})

	clock = time.Date(2024, 3, 2, 0, 0, 30, 0, time.UTC)
	if !pm.CheckDailyReset() {
		t.Fatal("expected reset after UTC midnight")
	}
	if pm.CheckDailyReset() {
		t.Error("reset must fire once per day")
	}
	st := pm.engine.DrawdownState()
	if !st.DailyStartEquity.Equal(eq) {
		t.Errorf("daily start equity = %s, want %s", st.DailyStartEquity, eq)
	}

	// пропущенные тики не теряют сброс
	clock = time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC)
	if !pm.CheckDailyReset() {
		t.Error("expected reset after missed days")
	}
}

func TestPositionManager_StartStop(t *testing.T) {
	gw := newFakeGateway()
	gw.balance = &models.AccountState{Equity: dec("5000")}
	gw.positions[models.CategoryLinear] = []models.Position{pos("BTCUSDT", models.PositionSideLong, "1")}

	pm := NewPositionManager(gw, newTestEngine(""), PositionManagerConfig{PollInterval: 10 * time.Millisecond}, nil)
	pm.Start(context.Background())

	if len(pm.Positions()) != 1 {
		t.Error("initial sync must populate the mirror")
	}
	if pm.lastResetDay == "" {
		t.Error("last reset day must be initialized on start")
	}

	gw.mu.Lock()
	gw.positions[models.CategoryLinear] = nil
	gw.mu.Unlock()

	if !waitFor(func() bool { return len(pm.Positions()) == 0 }) {
		t.Error("poll loop did not resync")
	}

	done := make(chan struct{})
	go func() {
		pm.Stop()
		pm.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
