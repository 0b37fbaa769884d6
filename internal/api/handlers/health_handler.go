package handlers

import (
	"context"
	"net/http"
	"time"

	"autotrader/internal/risk"
)

// Pinger - проверка доступности БД (*sql.DB)
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler - liveness процесса и снимок риск-контура
type HealthHandler struct {
	db      Pinger
	status  func() risk.Status
	clients func() int
	timeout time.Duration
}

// NewHealthHandler создаёт handler; db, status и clients могут быть nil
func NewHealthHandler(db Pinger, status func() risk.Status, clients func() int) *HealthHandler {
	return &HealthHandler{
		db:      db,
		status:  status,
		clients: clients,
		timeout: 2 * time.Second,
	}
}

// HealthResponse - ответ /healthz
type HealthResponse struct {
	Status    string `json:"status"` // ok, degraded
	Database  string `json:"database"`
	Trading   string `json:"trading"` // allowed, halted
	WSClients int    `json:"ws_clients"`
}

// Healthz - GET /healthz
//
// 200, если БД отвечает; 503 иначе. Остановка торговли риск-контуром
// отражается в поле trading и не делает процесс нездоровым.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok", Trading: "allowed"}
	code := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	if h.status != nil {
		st := h.status()
		if st.Breaker.Tripped || st.Drawdown.Halted {
			resp.Trading = "halted"
		}
	}

	if h.clients != nil {
		resp.WSClients = h.clients()
	}

	respondWithJSON(w, code, resp)
}

// RiskStatusResponse - ответ /api/v1/risk/status
type RiskStatusResponse struct {
	Equity    string             `json:"equity"`
	Positions int                `json:"positions"`
	Breaker   risk.BreakerState  `json:"breaker"`
	Drawdown  risk.DrawdownState `json:"drawdown"`
	Params    risk.Params        `json:"params"`
}

// RiskStatus - GET /api/v1/risk/status, только чтение
func (h *HealthHandler) RiskStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		respondWithError(w, http.StatusServiceUnavailable, "risk engine not configured")
		return
	}
	st := h.status()
	respondWithJSON(w, http.StatusOK, RiskStatusResponse{
		Equity:    st.Equity.String(),
		Positions: st.Positions,
		Breaker:   st.Breaker,
		Drawdown:  st.Drawdown,
		Params:    st.Params,
	})
}
