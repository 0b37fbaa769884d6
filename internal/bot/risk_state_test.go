package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"autotrader/internal/events"
	"autotrader/internal/risk"
)

func TestRiskStateKeeper_Restore(t *testing.T) {
	tests := []struct {
		name      string
		store     *fakeRiskStateStore
		wantFound bool
		wantErr   bool
		wantPeak  string
		wantHalt  bool
	}{
		{
			name: "saved state loaded into engine",
			store: &fakeRiskStateStore{found: true, state: risk.DrawdownState{
				PeakEquity:       dec("12000"),
				CurrentEquity:    dec("11500"),
				DailyStartEquity: dec("11800"),
				DailyDate:        "2024-03-01",
			}},
			wantFound: true,
			wantPeak:  "12000",
		},
		{
			name: "halt survives restart",
			store: &fakeRiskStateStore{found: true, state: risk.DrawdownState{
				PeakEquity:    dec("12000"),
				CurrentEquity: dec("9000"),
				Halted:        true,
				HaltReason:    risk.ReasonMaxDrawdownExceeded,
			}},
			wantFound: true,
			wantPeak:  "12000",
			wantHalt:  true,
		},
		{
			name:      "nothing saved",
			store:     &fakeRiskStateStore{},
			wantFound: false,
			wantPeak:  "10000",
		},
		{
			name:     "store error",
			store:    &fakeRiskStateStore{loadErr: errors.New("redis down")},
			wantErr:  true,
			wantPeak: "10000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine("10000")
			k := NewRiskStateKeeper(engine, tt.store, 0, nil)

			found, err := k.Restore(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if found != tt.wantFound {
				t.Errorf("found = %v, want %v", found, tt.wantFound)
			}
			if peak := engine.DrawdownState().PeakEquity; !peak.Equal(dec(tt.wantPeak)) {
				t.Errorf("peak = %s, want %s", peak, tt.wantPeak)
			}
			if halted := engine.DrawdownState().Halted; halted != tt.wantHalt {
				t.Errorf("halted = %v, want %v", halted, tt.wantHalt)
			}
		})
	}
}

func TestRiskStateKeeper_SavesOnStopAndOnHalt(t *testing.T) {
	engine := newTestEngine("10000")
	store := &fakeRiskStateStore{}
	k := NewRiskStateKeeper(engine, store, time.Hour, nil)
	engine.Subscribe(k)

	k.Start(context.Background())

	engine.EmergencyStop("manual")
	if !waitFor(func() bool { return store.saveCount() >= 1 }) {
		t.Fatal("halt did not trigger a save")
	}

	k.Stop(context.Background())
	if store.saveCount() < 2 {
		t.Errorf("saves = %d, want a final save on stop", store.saveCount())
	}
	if !store.state.Halted {
		t.Error("saved state must carry the halt")
	}
}

func TestRiskStateKeeper_SkipsEmptyState(t *testing.T) {
	store := &fakeRiskStateStore{}
	k := NewRiskStateKeeper(newTestEngine(""), store, time.Hour, nil)

	k.save(context.Background())
	if store.saveCount() != 0 {
		t.Error("uninitialized state must not overwrite the stored one")
	}
}

func TestRiskStateKeeper_OnEventIgnoresOtherTypes(t *testing.T) {
	k := NewRiskStateKeeper(newTestEngine(""), &fakeRiskStateStore{}, time.Hour, nil)
	k.OnEvent(events.Event{Type: events.TypeOrderSubmitted})
	select {
	case <-k.flush:
		t.Error("unexpected flush signal")
	default:
	}

	k.OnEvent(events.Event{Type: events.TypeDrawdownHalt})
	k.OnEvent(events.Event{Type: events.TypeDrawdownHalt})
	select {
	case <-k.flush:
	default:
		t.Error("halt must request a flush")
	}
}
