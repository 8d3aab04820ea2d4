package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_admitted_total",
			Help: "Total number of jobs admitted by model",
		},
		[]string{"model"},
	)
	JobsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_started_total",
			Help: "Total number of jobs transitioned to running",
		},
	)
	JobsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finalized_total",
			Help: "Total number of jobs finalized by terminal status",
		},
		[]string{"status"},
	)
	JobsReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_reaped_total",
			Help: "Total number of jobs failed by the reaper by reason",
		},
		[]string{"reason"},
	)

	BrokerPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "Total number of broker publish attempts by outcome",
		},
		[]string{"outcome"},
	)
	BrokerConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_consume_total",
			Help: "Total number of consumed messages by disposition",
		},
		[]string{"disposition"},
	)

	SecretReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secret_reads_total",
			Help: "Total number of secret bundle reads by outcome",
		},
		[]string{"outcome"},
	)

	ProxyUpstreamTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_upstream_total",
			Help: "Total number of proxied upstream requests by provider and status class",
		},
		[]string{"provider", "status_class"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsAdmittedTotal)
	prometheus.MustRegister(JobsStartedTotal)
	prometheus.MustRegister(JobsFinalizedTotal)
	prometheus.MustRegister(JobsReapedTotal)
	prometheus.MustRegister(BrokerPublishTotal)
	prometheus.MustRegister(BrokerConsumeTotal)
	prometheus.MustRegister(SecretReadsTotal)
	prometheus.MustRegister(ProxyUpstreamTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
