package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "creditcore",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditcore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "creditcore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditcore",
			Subsystem: "settlement",
			Name:      "webhooks_total",
			Help:      "Total number of payment webhook deliveries by outcome.",
		},
		[]string{"result"},
	)

	settlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "creditcore",
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "Duration of settlement attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	ledgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditcore",
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Total number of ledger entries written.",
		},
		[]string{"kind", "direction"},
	)

	ledgerAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditcore",
			Subsystem: "ledger",
			Name:      "amount_total",
			Help:      "Absolute credit amount moved through the ledger.",
		},
		[]string{"kind", "direction"},
	)

	staleOrdersFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "creditcore",
			Subsystem: "orders",
			Name:      "stale_failed_total",
			Help:      "Total number of pending orders expired by the sweeper.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		settlements,
		settlementDuration,
		ledgerEntries,
		ledgerAmount,
		staleOrdersFailed,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSettlement records one webhook delivery outcome.
func RecordSettlement(result string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	settlements.WithLabelValues(result).Inc()
	settlementDuration.Observe(duration.Seconds())
}

// RecordLedgerEntry records a written ledger entry by kind and sign.
func RecordLedgerEntry(kind string, amount int64) {
	direction := "grant"
	if amount < 0 {
		direction = "debit"
		amount = -amount
	}
	ledgerEntries.WithLabelValues(kind, direction).Inc()
	ledgerAmount.WithLabelValues(kind, direction).Add(float64(amount))
}

// RecordStaleOrderFailed counts one pending order expired by the sweeper.
func RecordStaleOrderFailed() {
	staleOrdersFailed.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "orders":
		if len(parts) == 1 {
			return "/orders"
		}
		if len(parts) == 2 {
			return "/orders/:id"
		}
		return "/orders/:id/" + parts[2]
	case "users":
		if len(parts) >= 3 {
			return "/users/:id/" + parts[2]
		}
		return "/users/:id"
	default:
		return "/" + parts[0]
	}
}
