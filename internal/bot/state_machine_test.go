package bot

import (
	"testing"

	"autotrader/internal/models"
)

// TestCanTransitionOrder_ValidTransitions проверяет допустимые переходы
func TestCanTransitionOrder_ValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
	}{
		{"pending → open (accepted)", models.OrderStatusPending, models.OrderStatusOpen},
		{"pending → partially_filled (fast partial)", models.OrderStatusPending, models.OrderStatusPartiallyFilled},
		{"pending → filled (fast fill)", models.OrderStatusPending, models.OrderStatusFilled},
		{"pending → cancelled", models.OrderStatusPending, models.OrderStatusCancelled},
		{"pending → rejected", models.OrderStatusPending, models.OrderStatusRejected},
		{"pending → failed", models.OrderStatusPending, models.OrderStatusFailed},
		{"open → partially_filled", models.OrderStatusOpen, models.OrderStatusPartiallyFilled},
		{"open → filled", models.OrderStatusOpen, models.OrderStatusFilled},
		{"open → cancelled", models.OrderStatusOpen, models.OrderStatusCancelled},
		{"partially_filled → filled", models.OrderStatusPartiallyFilled, models.OrderStatusFilled},
		{"partially_filled → cancelled", models.OrderStatusPartiallyFilled, models.OrderStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !CanTransitionOrder(tt.from, tt.to) {
				t.Errorf("CanTransitionOrder(%s, %s) = false, want true", tt.from, tt.to)
			}
		})
	}
}

// TestCanTransitionOrder_InvalidTransitions проверяет запрещённые переходы
func TestCanTransitionOrder_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
	}{
		{"open → rejected (only from pending)", models.OrderStatusOpen, models.OrderStatusRejected},
		{"open → failed (only from pending)", models.OrderStatusOpen, models.OrderStatusFailed},
		{"open → pending (backwards)", models.OrderStatusOpen, models.OrderStatusPending},
		{"partially_filled → open (backwards)", models.OrderStatusPartiallyFilled, models.OrderStatusOpen},
		{"same status", models.OrderStatusOpen, models.OrderStatusOpen},
		{"unknown from", "weird", models.OrderStatusOpen},
		{"unknown to", models.OrderStatusOpen, "weird"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if CanTransitionOrder(tt.from, tt.to) {
				t.Errorf("CanTransitionOrder(%s, %s) = true, want false", tt.from, tt.to)
			}
		})
	}
}

// TestCanTransitionOrder_TerminalStates - из терминального статуса нет переходов
func TestCanTransitionOrder_TerminalStates(t *testing.T) {
	terminal := []string{
		models.OrderStatusFilled,
		models.OrderStatusCancelled,
		models.OrderStatusRejected,
		models.OrderStatusFailed,
	}
	all := []string{
		models.OrderStatusPending,
		models.OrderStatusOpen,
		models.OrderStatusPartiallyFilled,
		models.OrderStatusFilled,
		models.OrderStatusCancelled,
		models.OrderStatusRejected,
		models.OrderStatusFailed,
	}

	for _, from := range terminal {
		if !models.IsTerminalStatus(from) {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if CanTransitionOrder(from, to) {
				t.Errorf("transition %s → %s must be forbidden", from, to)
			}
		}
	}
}

// TestValidOrderTransitions_Coverage - каждый статус описан в таблице
func TestValidOrderTransitions_Coverage(t *testing.T) {
	for _, s := range []string{
		models.OrderStatusPending, models.OrderStatusOpen, models.OrderStatusPartiallyFilled,
		models.OrderStatusFilled, models.OrderStatusCancelled, models.OrderStatusRejected, models.OrderStatusFailed,
	} {
		if _, ok := ValidOrderTransitions[s]; !ok {
			t.Errorf("status %s missing from ValidOrderTransitions", s)
		}
	}
}

func TestMapExchangeStatus(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{"New", models.OrderStatusOpen, true},
		{"PartiallyFilled", models.OrderStatusPartiallyFilled, true},
		{"Filled", models.OrderStatusFilled, true},
		{"Cancelled", models.OrderStatusCancelled, true},
		{"PartiallyFilledCanceled", models.OrderStatusCancelled, true},
		{"Deactivated", models.OrderStatusCancelled, true},
		{"Rejected", models.OrderStatusRejected, true},
		{"Untriggered", models.OrderStatusOpen, true},
		{"live", models.OrderStatusOpen, true},
		{"partially_filled", models.OrderStatusPartiallyFilled, true},
		{"canceled", models.OrderStatusCancelled, true},
		{"full-fill", models.OrderStatusFilled, true},
		{" filled ", models.OrderStatusFilled, true},
		{"Expired", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := MapExchangeStatus(tt.raw)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("MapExchangeStatus(%q) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
