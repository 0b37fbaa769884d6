package middleware

import (
	"net/http"
	"time"

	"autotrader/pkg/utils"

	"go.uber.org/zap"
)

// responseWriter запоминает статус и размер ответа
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Logging - middleware для логирования HTTP запросов.
//
// Пишет метод, путь, статус, длительность, адрес клиента и размер ответа.
// /metrics и /healthz логируются на уровне debug: их опрашивают постоянно.
// WebSocket запросы пропускаются без обёртки: Hijack нужен upgrader'у.
func Logging(logger *utils.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = utils.NewNop()
	}
	logger = logger.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				logger.Debug("websocket request", utils.String("path", r.URL.Path), utils.String("remote", r.RemoteAddr))
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			fields := []zap.Field{
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.Int("status", wrapped.statusCode),
				utils.Latency(time.Since(start)),
				utils.String("remote", r.RemoteAddr),
				utils.Int64("bytes", wrapped.written),
			}

			switch {
			case r.URL.Path == "/metrics" || r.URL.Path == "/healthz":
				logger.Debug("http request", fields...)
			case wrapped.statusCode >= http.StatusInternalServerError:
				logger.Error("http request", fields...)
			default:
				logger.Info("http request", fields...)
			}
		})
	}
}
