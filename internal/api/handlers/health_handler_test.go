package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"autotrader/internal/models"
	"autotrader/internal/risk"
	"autotrader/pkg/fixed"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) PingContext(ctx context.Context) error { return p.err }

func newEngine(equity string) *risk.Engine {
	e := risk.NewEngine(risk.DefaultParams(), nil)
	eq := fixed.MustNew(equity)
	e.UpdateAccountState(risk.AccountUpdate{Equity: &eq, Positions: []models.Position{}})
	return e
}

func TestHealthz(t *testing.T) {
	halted := newEngine("10000")
	halted.EmergencyStop("manual")

	tests := []struct {
		name        string
		db          Pinger
		status      func() risk.Status
		wantCode    int
		wantStatus  string
		wantTrading string
	}{
		{"all good", &fakePinger{}, newEngine("10000").Status, http.StatusOK, "ok", "allowed"},
		{"database down", &fakePinger{err: errors.New("connection refused")}, nil, http.StatusServiceUnavailable, "degraded", "allowed"},
		{"trading halted is still healthy", &fakePinger{}, halted.Status, http.StatusOK, "ok", "halted"},
		{"nothing configured", nil, nil, http.StatusOK, "ok", "allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.db, tt.status, func() int { return 3 })

			rec := httptest.NewRecorder()
			h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantStatus || resp.Trading != tt.wantTrading {
				t.Errorf("resp = %+v", resp)
			}
			if resp.WSClients != 3 {
				t.Errorf("ws_clients = %d, want 3", resp.WSClients)
			}
		})
	}
}

func TestRiskStatus(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		h := NewHealthHandler(nil, nil, nil)
		rec := httptest.NewRecorder()
		h.RiskStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/risk/status", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("code = %d, want 503", rec.Code)
		}
	})

	t.Run("snapshot", func(t *testing.T) {
		engine := newEngine("10000")
		engine.EmergencyStop("manual")
		h := NewHealthHandler(nil, engine.Status, nil)

		rec := httptest.NewRecorder()
		h.RiskStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/risk/status", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d", rec.Code)
		}

		var resp RiskStatusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Equity != engine.Status().Equity.String() {
			t.Errorf("equity = %q", resp.Equity)
		}
		if !resp.Drawdown.Halted {
			t.Error("halt must be visible in the snapshot")
		}
		if resp.Params.MaxDrawdownPercent != risk.DefaultParams().MaxDrawdownPercent {
			t.Errorf("params = %+v", resp.Params)
		}
	})
}
