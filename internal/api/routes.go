package api

import (
	"net/http"

	"autotrader/internal/api/handlers"
	"autotrader/internal/api/middleware"
	"autotrader/internal/risk"
	"autotrader/internal/websocket"
	"autotrader/pkg/utils"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies содержит зависимости ops HTTP поверхности
type Dependencies struct {
	DB             handlers.Pinger
	Status         func() risk.Status
	Hub            *websocket.Hub
	Notifications  handlers.NotificationReader
	Logger         *utils.Logger
	AllowedOrigins []string
}

// SetupRoutes настраивает HTTP маршруты сервиса
//
// Поверхность только для наблюдения, управляющих endpoints нет:
//
//	GET /healthz                 - liveness + доступность БД
//	GET /metrics                 - Prometheus
//	GET /ws/events               - поток событий риск-контура
//	GET /api/v1/risk/status      - снимок breaker/drawdown/params
//	GET /api/v1/notifications    - журнал событий
//
// Порядок middleware: Recovery, Logging, CORS.
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}

	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	var clients func() int
	if deps.Hub != nil {
		clients = deps.Hub.ClientCount
	}
	health := handlers.NewHealthHandler(deps.DB, deps.Status, clients)

	router.HandleFunc("/healthz", health.Healthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if deps.Hub != nil {
		router.HandleFunc("/ws/events", deps.Hub.ServeWS).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/risk/status", health.RiskStatus).Methods(http.MethodGet, http.MethodOptions)

	if deps.Notifications != nil {
		notificationHandler := handlers.NewNotificationHandler(deps.Notifications)
		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods(http.MethodGet, http.MethodOptions)
	}

	return router
}
