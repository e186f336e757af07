package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики интеграции с CRM-платформой
var (
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total number of upstream CRM API calls.",
		},
		[]string{"method", "status"},
	)

	upstreamRateLimitWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upstream_rate_limit_waits_total",
		Help: "Calls that blocked on the sliding rate-limit window.",
	})

	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Processed webhook events by type and outcome.",
		},
		[]string{"event_type", "action"},
	)

	syncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Entity sync runs by entity type and result.",
		},
		[]string{"entity_type", "result"},
	)

	syncRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_records_total",
			Help: "Records upserted by entity sync.",
		},
		[]string{"entity_type"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Entity sync wall-clock duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"entity_type"},
	)
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		upstreamRequestsTotal, upstreamRateLimitWaits,
		webhookEventsTotal, syncRunsTotal, syncRecordsTotal, syncDuration,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstreamRequest counts one upstream API call with its final status.
func ObserveUpstreamRequest(method string, status int) {
	upstreamRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// ObserveRateLimitWait counts one blocked rate-limit acquisition.
func ObserveRateLimitWait() {
	upstreamRateLimitWaits.Inc()
}

// ObserveWebhookEvent counts one processed webhook event.
func ObserveWebhookEvent(eventType, action string) {
	webhookEventsTotal.WithLabelValues(eventType, action).Inc()
}

// ObserveSyncRun records one entity sync run outcome.
func ObserveSyncRun(entityType, result string, records int, elapsed time.Duration) {
	syncRunsTotal.WithLabelValues(entityType, result).Inc()
	if records > 0 {
		syncRecordsTotal.WithLabelValues(entityType).Add(float64(records))
	}
	syncDuration.WithLabelValues(entityType).Observe(elapsed.Seconds())
}

// CanonicalPath normalises a request path for metric labels. Every mounted
// route is either static or parameterised over the closed entity-type set, so
// stripping the query string is enough to keep cardinality bounded; anything
// deeper is collapsed to the 404 bucket.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	// Deepest mounted route is /v1/sync/initial/progress.
	if strings.Count(p, "/") > 4 {
		return "/unmatched"
	}
	return p
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
