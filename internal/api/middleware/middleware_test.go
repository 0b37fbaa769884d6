package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"autotrader/pkg/utils"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("ok"))
	})
}

func TestRecovery(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("secret internal detail")
	})

	rec := httptest.NewRecorder()
	Recovery(nil)(panicky).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", rec.Code)
	}
	if body := rec.Body.String(); body != "Internal Server Error\n" {
		t.Errorf("panic text leaked: %q", body)
	}
}

func TestLogging_PassesThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	Logging(utils.NewNop())(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/risk/status", nil))

	if rec.Code != http.StatusTeapot || rec.Body.String() != "ok" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestResponseWriter_Records(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	rw.WriteHeader(http.StatusNotFound)
	rw.Write([]byte("abcd"))

	if rw.statusCode != http.StatusNotFound || rw.written != 4 {
		t.Errorf("status = %d, written = %d", rw.statusCode, rw.written)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name      string
		origins   []string
		origin    string
		method    string
		wantAllow string
		wantCode  int
	}{
		{"no origin header", []string{"https://panel.local"}, "", http.MethodGet, "*", http.StatusTeapot},
		{"allowed origin", []string{"https://panel.local"}, "https://panel.local", http.MethodGet, "https://panel.local", http.StatusTeapot},
		{"foreign origin", []string{"https://panel.local"}, "https://evil.example", http.MethodGet, "", http.StatusTeapot},
		{"empty list allows all", nil, "https://any.example", http.MethodGet, "*", http.StatusTeapot},
		{"wildcard", []string{"*"}, "https://any.example", http.MethodGet, "*", http.StatusTeapot},
		{"preflight", []string{"https://panel.local"}, "https://panel.local", http.MethodOptions, "https://panel.local", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/notifications", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			CORS(tt.origins)(okHandler()).ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("allow-origin = %q, want %q", got, tt.wantAllow)
			}
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}
