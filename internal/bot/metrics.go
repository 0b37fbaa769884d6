package bot

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"autotrader/internal/events"
	"autotrader/internal/exchange"
	"autotrader/internal/risk"
	"autotrader/pkg/fixed"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// Счётчики пишутся напрямую из OrderManager, RecoveryManager и StreamRouter.
// Состояние риск-контура (breaker, просадка, equity) снимается MetricsListener
// по событиям шины.

// ============ Ордера ============

// OrdersSubmitted - результаты SubmitOrder
var OrdersSubmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "orders",
		Name:      "submitted_total",
		Help:      "Orders passed to the exchange by result",
	},
	[]string{"result"}, // submitted, failed
)

// RiskRejections - отказы риск-контура
var RiskRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "risk",
		Name:      "rejections_total",
		Help:      "Orders rejected by the risk engine",
	},
	[]string{"reason"},
)

// OrdersFilled - полностью исполненные ордера
var OrdersFilled = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "orders",
		Name:      "filled_total",
		Help:      "Orders that reached filled status",
	},
	[]string{"symbol"},
)

// OrdersCancelled - отменённые ордера по инициатору
var OrdersCancelled = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "orders",
		Name:      "cancelled_total",
		Help:      "Orders cancelled by initiator",
	},
	[]string{"by"}, // user, exchange, bulk
)

// StaleUpdates - обновления для ордеров в терминальном статусе
var StaleUpdates = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "orders",
		Name:      "stale_updates_total",
		Help:      "Push updates dropped because the order is already terminal",
	},
	[]string{"topic"},
)

// ReconcileRepairs - исправления локального состояния при восстановлении
var ReconcileRepairs = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "recovery",
		Name:      "repairs_total",
		Help:      "Local order records repaired during reconciliation",
	},
	[]string{"kind"}, // cancelled, updated, created
)

// OrphanOrdersCancelled - отменённые ордера-сироты
var OrphanOrdersCancelled = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "recovery",
		Name:      "orphans_cancelled_total",
		Help:      "Exchange orders without a local record that were cancelled",
	},
)

// ============ Транспорт ============

// GatewayLatency - длительность вызовов биржи
var GatewayLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "autotrader",
		Subsystem: "exchange",
		Name:      "request_latency_ms",
		Help:      "Exchange request latency in milliseconds",
		Buckets:   []float64{25, 50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"op"},
)

// GatewayRetries - повторы запросов к бирже
var GatewayRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "exchange",
		Name:      "retries_total",
		Help:      "Retried exchange requests by operation and error kind",
	},
	[]string{"op", "kind"},
)

// PushEvents - принятые события приватного потока
var PushEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Private stream events accepted for dispatch",
	},
	[]string{"topic"},
)

// BufferOverflows - переполнения буферов каналов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "stream",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (events dropped)",
	},
	[]string{"buffer"},
)

// BufferBacklog - заполненность буфера в момент переполнения
var BufferBacklog = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "autotrader",
		Subsystem: "stream",
		Name:      "buffer_backlog_ratio",
		Help:      "Channel fill ratio observed on overflow",
	},
	[]string{"buffer"},
)

// ============ Риск ============

// BreakerTripped - 1, если circuit breaker сработал
var BreakerTripped = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autotrader",
		Subsystem: "risk",
		Name:      "circuit_breaker_tripped",
		Help:      "Circuit breaker state (1=tripped, 0=closed)",
	},
)

// DrawdownHalted - 1, если торговля остановлена по просадке
var DrawdownHalted = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autotrader",
		Subsystem: "risk",
		Name:      "drawdown_halted",
		Help:      "Drawdown halt state (1=halted, 0=trading)",
	},
)

// DrawdownPercent - текущая просадка от пика
var DrawdownPercent = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autotrader",
		Subsystem: "risk",
		Name:      "drawdown_percent",
		Help:      "Current drawdown from peak equity in percent",
	},
)

// Equity - последний известный equity
var Equity = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autotrader",
		Subsystem: "account",
		Name:      "equity_usdt",
		Help:      "Account equity in USDT",
	},
)

// OpenPositions - количество позиций в зеркале
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autotrader",
		Subsystem: "account",
		Name:      "open_positions",
		Help:      "Number of non-zero positions",
	},
)

// RealizedPnl - суммарный реализованный PNL (может быть отрицательным)
var RealizedPnl = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autotrader",
		Subsystem: "orders",
		Name:      "realized_pnl_usdt",
		Help:      "Realized PnL of reduce-only fills in USDT",
	},
)

// ============ Вспомогательные функции ============

// RecordGatewayLatency записывает длительность вызова биржи
func RecordGatewayLatency(op string, d time.Duration) {
	GatewayLatency.WithLabelValues(op).Observe(float64(d) / float64(time.Millisecond))
}

// RecordStaleUpdate записывает отброшенное обновление терминального ордера
func RecordStaleUpdate(topic string) {
	StaleUpdates.WithLabelValues(topic).Inc()
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// RecordBufferBacklog записывает заполненность буфера
func RecordBufferBacklog(bufferName string, capacity, length int) {
	if capacity <= 0 {
		return
	}
	BufferBacklog.WithLabelValues(bufferName).Set(float64(length) / float64(capacity))
}

// RecordGatewayRetry - наблюдатель повторов для exchange.RetryingGateway
func RecordGatewayRetry(op string, err error) {
	kind := "unknown"
	var exErr *exchange.ExchangeError
	if errors.As(err, &exErr) {
		kind = string(exErr.Kind)
	}
	GatewayRetries.WithLabelValues(op, kind).Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// ============================================================
// MetricsListener
// ============================================================

// MetricsListener переводит события шины в метрики.
// status - снимок риск-контура; nil отключает обновление gauge'ей риска.
type MetricsListener struct {
	status func() risk.Status
}

// NewMetricsListener создаёт слушателя
func NewMetricsListener(status func() risk.Status) *MetricsListener {
	return &MetricsListener{status: status}
}

// OnEvent реализует events.Listener
func (m *MetricsListener) OnEvent(e events.Event) {
	switch e.Type {
	case events.TypeOrderRejected:
		reason, _ := e.Meta["reason"].(string)
		RiskRejections.WithLabelValues(reason).Inc()
	case events.TypeOrderSubmitted:
		result, _ := e.Meta["result"].(string)
		OrdersSubmitted.WithLabelValues(result).Inc()
	case events.TypeOrderFilled:
		symbol, _ := e.Meta["symbol"].(string)
		OrdersFilled.WithLabelValues(symbol).Inc()
		if s, ok := e.Meta["pnl"].(string); ok && s != "" {
			if pnl, err := fixed.New(s); err == nil {
				RealizedPnl.Add(pnl.Float64())
			}
		}
	case events.TypeOrderCancelled:
		by, _ := e.Meta["by"].(string)
		OrdersCancelled.WithLabelValues(by).Inc()
	case events.TypePositionUpdated:
		if n, ok := e.Meta["count"].(int); ok {
			OpenPositions.Set(float64(n))
		}
	}

	switch e.Type {
	case events.TypeCircuitBreak, events.TypeCircuitReset,
		events.TypeDrawdownWarning, events.TypeDrawdownHalt, events.TypeDrawdownReset,
		events.TypePositionUpdated:
		m.refreshRisk()
	}
}

func (m *MetricsListener) refreshRisk() {
	if m.status == nil {
		return
	}
	st := m.status()
	BreakerTripped.Set(boolGauge(st.Breaker.Tripped))
	DrawdownHalted.Set(boolGauge(st.Drawdown.Halted))
	Equity.Set(st.Equity.Float64())

	peak := st.Drawdown.PeakEquity
	if peak.IsPositive() {
		dd := peak.Sub(st.Drawdown.CurrentEquity).Div(peak).Float64() * 100
		DrawdownPercent.Set(dd)
	}
}
