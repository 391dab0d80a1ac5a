package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the per-IP limiter.",
		},
		[]string{"path"},
	)
)

// Метрики аутентификации и авторизации
var (
	LoginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by result code.",
		},
		[]string{"result"},
	)

	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Session refresh attempts by result code.",
		},
		[]string{"result"},
	)

	ThrottleBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_throttle_blocked_total",
		Help: "Identities locked out after repeated failures.",
	})

	RecoveryIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_recovery_issued_total",
			Help: "Recovery tokens minted by purpose.",
		},
		[]string{"purpose"},
	)

	AuthzDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Permission decisions by principal tier and outcome.",
		},
		[]string{"tier", "allowed"},
	)

	SideEffectFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_side_effect_failures_total",
			Help: "Best-effort side effects that failed.",
		},
		[]string{"effect"},
	)
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, serviceReady, RateLimitedTotal,
			LoginTotal, RefreshTotal, ThrottleBlockedTotal, RecoveryIssuedTotal,
			AuthzDecisionsTotal, SideEffectFailuresTotal,
		)
	})
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		serviceReady.Set(1)
		return
	}
	serviceReady.Set(0)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath collapses identifier segments so label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// /users/{id}/activation, /users/{id}/permissions[/{permissionId}]
	if len(parts) >= 3 && parts[0] == "users" {
		switch {
		case parts[2] == "activation" && len(parts) == 3:
			parts[1] = ":id"
		case parts[2] == "permissions" && len(parts) <= 4:
			parts[1] = ":id"
			if len(parts) == 4 {
				parts[3] = ":permissionId"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
