package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
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
)

// Метрики аутентификации
var (
	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminauth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adminauth_lockouts_total",
		Help: "Accounts locked after repeated failures.",
	})

	sessionValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminauth_session_validations_total",
			Help: "Session validations by result.",
		},
		[]string{"result"},
	)

	sessionsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adminauth_sessions_purged_total",
		Help: "Expired sessions removed by the janitor.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adminauth_ready",
		Help: "1 when the storage backend answered the last readiness check.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttempts, lockouts, sessionValidations, sessionsPurged, ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts one login attempt. outcome is "success" or a failure reason.
func ObserveLogin(outcome string) {
	loginAttempts.WithLabelValues(metricLabel(outcome)).Inc()
}

// ObserveLockout counts an account transitioning to locked.
func ObserveLockout() { lockouts.Inc() }

// ObserveSessionValidation counts one validation by result.
func ObserveSessionValidation(result string) {
	sessionValidations.WithLabelValues(metricLabel(result)).Inc()
}

// ObserveSessionsPurged adds n purged sessions.
func ObserveSessionsPurged(n int) {
	if n > 0 {
		sessionsPurged.Add(float64(n))
	}
}

// SetReady records the outcome of the latest readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func metricLabel(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

// Instrument records RPS, latency and in-flight requests. Mounted inside a
// chi router it labels by route pattern, otherwise by CanonicalPath.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = CanonicalPath(r.URL.Path)
		}
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

var userActions = map[string]bool{
	"activate":   true,
	"deactivate": true,
	"unlock":     true,
	"sessions":   true,
}

// CanonicalPath collapses identifiers in known routes so label cardinality
// stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	switch parts[1] {
	case "roles":
		if len(parts) == 3 {
			return "/v1/roles/:id"
		}
	case "users":
		if parts[2] == "lookup" {
			return p
		}
		if len(parts) == 3 {
			return "/v1/users/:id"
		}
		if len(parts) == 4 && userActions[parts[3]] {
			return "/v1/users/:id/" + parts[3]
		}
	}
	return p
}

// statusWriter запоминает код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
