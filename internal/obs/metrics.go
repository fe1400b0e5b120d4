package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every handler.
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

// Engine metrics: login outcomes, lockouts, resolver cache, token lifecycle.
var (
	loginOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	loginFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_failures_total",
			Help: "Recorded login failures by reason.",
		},
		[]string{"reason"},
	)

	lockouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_lockouts_total",
			Help: "Lockout windows applied, by escalation level.",
		},
		[]string{"level"},
	)

	resolverCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_resolver_cache_total",
			Help: "Permission resolver cache events.",
		},
		[]string{"event"},
	)

	tokenOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_operations_total",
			Help: "Token lifecycle operations.",
		},
		[]string{"op"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginOutcomes, loginFailures, lockouts, resolverCache, tokenOps,
	)
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// LoginOutcome counts one login attempt: success, invalid, disabled, locked.
func LoginOutcome(outcome string) { loginOutcomes.WithLabelValues(outcome).Inc() }

// LoginFailure counts one recorded failure by reason.
func LoginFailure(reason string) { loginFailures.WithLabelValues(reason).Inc() }

// LockoutApplied counts a lock being applied or escalated at the given
// level (1-based index into the threshold table). Failures that merely land
// inside an active window are not counted.
func LockoutApplied(level int) { lockouts.WithLabelValues(strconv.Itoa(level)).Inc() }

// ResolverCacheHit counts a snapshot served from cache.
func ResolverCacheHit() { resolverCache.WithLabelValues("hit").Inc() }

// ResolverCacheMiss counts a snapshot recomputation.
func ResolverCacheMiss() { resolverCache.WithLabelValues("miss").Inc() }

// ResolverInvalidation counts an eager cache eviction.
func ResolverInvalidation() { resolverCache.WithLabelValues("invalidation").Inc() }

// TokenOperation counts issue, refresh, revoke, revoke_all, reuse_detected.
func TokenOperation(op string) { tokenOps.WithLabelValues(op).Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
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

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
