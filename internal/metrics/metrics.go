// Package metrics exposes taskpulse counters on a Prometheus registry.
//
// A single Metrics value is shared by the limiter, the job executor, the
// notifier and the HTTP stack; each consumes it through its own small
// observer interface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskpulse"

type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateDecisions    *prometheus.CounterVec
	RateFailOpen     *prometheus.CounterVec
	JobRuns          *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	Notifications    *prometheus.CounterVec
	SchedulerBackend *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. When reg is also a Gatherer the
// Handler serves it; otherwise the default gatherer is used.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests served",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		RateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limit decisions by resolved scope",
			},
			[]string{"scope", "result"},
		),
		RateFailOpen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_fail_open_total",
				Help:      "Requests allowed because a limiter store failed",
			},
			[]string{"op"},
		),
		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Background job attempts by outcome",
			},
			[]string{"job", "backend", "outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Background job attempt duration in seconds",
				Buckets:   []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"job", "backend"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification requests by outcome",
			},
			[]string{"outcome"},
		),
		SchedulerBackend: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_backend",
				Help:      "Active scheduler backend (1 for the selected mode)",
			},
			[]string{"mode"},
		),
		gatherer: prometheus.DefaultGatherer,
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration,
		m.RateDecisions, m.RateFailOpen,
		m.JobRuns, m.JobDuration,
		m.Notifications, m.SchedulerBackend,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDecision(scope string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.RateDecisions.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) ObserveFailOpen(op string) {
	m.RateFailOpen.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveJob(job, backend, outcome string, dur time.Duration) {
	m.JobRuns.WithLabelValues(job, backend, outcome).Inc()
	if dur > 0 {
		m.JobDuration.WithLabelValues(job, backend).Observe(dur.Seconds())
	}
}

func (m *Metrics) ObserveNotify(outcome string) {
	m.Notifications.WithLabelValues(outcome).Inc()
}

// SetSchedulerMode flips the backend gauge so exactly one mode reads 1.
func (m *Metrics) SetSchedulerMode(active string, modes ...string) {
	for _, mode := range modes {
		m.SchedulerBackend.WithLabelValues(mode).Set(0)
	}
	m.SchedulerBackend.WithLabelValues(active).Set(1)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records per-request metrics. route labels the request after
// the handler ran (so router patterns are resolved); nil uses the URL path.
// Requests for which skip returns true are not recorded.
func (m *Metrics) Middleware(route func(r *http.Request) string, skip func(r *http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip != nil && skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			name := r.URL.Path
			if route != nil {
				name = route(r)
			}
			if name == "" {
				name = "unknown"
			}
			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(name, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(name, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
