// Package metrics defines the Prometheus collectors of the readiness server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	Submissions      *prometheus.CounterVec
	PipelineRuns     *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	ReportSources    *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge
	DeliveryStatuses *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readiness_submissions_total",
				Help: "Diagnosis submissions by result",
			},
			[]string{"result"},
		),
		PipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readiness_pipeline_runs_total",
				Help: "Finished processing pipelines by outcome",
			},
			[]string{"outcome"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "readiness_pipeline_step_duration_seconds",
				Help:    "Duration of processing pipeline steps",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"step"},
		),
		ReportSources: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readiness_reports_total",
				Help: "Generated reports by source",
			},
			[]string{"source"},
		),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "readiness_progress_streams_active",
			Help: "Open progress event streams",
		}),
		DeliveryStatuses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readiness_delivery_checks_total",
				Help: "Delivery status checks by reported status",
			},
			[]string{"status"},
		),
		gatherer: reg,
	}
	reg.MustRegister(
		m.RequestCounter,
		m.RequestDuration,
		m.Submissions,
		m.PipelineRuns,
		m.StepDuration,
		m.ReportSources,
		m.ActiveStreams,
		m.DeliveryStatuses,
	)
	return m
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request count and duration by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Submission(result string) {
	if m != nil {
		m.Submissions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PipelineRun(outcome string) {
	if m != nil {
		m.PipelineRuns.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Step(step string, d time.Duration) {
	if m != nil {
		m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
	}
}

func (m *Metrics) Report(source string) {
	if m != nil {
		m.ReportSources.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) StreamOpened() {
	if m != nil {
		m.ActiveStreams.Inc()
	}
}

func (m *Metrics) StreamClosed() {
	if m != nil {
		m.ActiveStreams.Dec()
	}
}

func (m *Metrics) DeliveryCheck(status string) {
	if m != nil {
		m.DeliveryStatuses.WithLabelValues(status).Inc()
	}
}
