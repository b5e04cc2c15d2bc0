// Package metrics exposes Prometheus metrics for tool executions, bus
// events, pool progress and HTTP requests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sprintloop"

// Metrics owns a private registry so tests and multiple servers in one
// process never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	// ToolExecutions counts tool runs. Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec
	// ToolDuration measures tool run time in seconds. Labels: tool
	ToolDuration *prometheus.HistogramVec
	// Events counts bus events. Labels: type
	Events *prometheus.CounterVec
	// HTTPRequests counts API requests. Labels: method, route, code
	HTTPRequests *prometheus.CounterVec
	// HTTPDuration measures API latency in seconds. Labels: method, route
	HTTPDuration *prometheus.HistogramVec
}

// New creates and registers every metric.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool and outcome",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool execution time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"tool"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events emitted on the bus by type",
		}, []string{"type"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		m.ToolExecutions, m.ToolDuration, m.Events, m.HTTPRequests, m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTool implements tool.Observer.
func (m *Metrics) ObserveTool(name string, success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(name, status).Inc()
	m.ToolDuration.WithLabelValues(name).Observe(d.Seconds())
}

// Subscribe counts every event on bus. The returned func detaches.
func (m *Metrics) Subscribe(bus *event.Bus) func() {
	return bus.SubscribeAll(func(e event.Event) {
		m.Events.WithLabelValues(string(e.Type)).Inc()
	})
}

// ProgressSource is satisfied by *pool.Pool.
type ProgressSource interface {
	Progress() pool.Progress
}

// ObservePool exports pool task counts as gauges read at scrape time.
func (m *Metrics) ObservePool(src ProgressSource) {
	gauge := func(name, help string, read func(pool.Progress) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(src.Progress())) })
	}
	m.registry.MustRegister(
		gauge("tasks_queued", "Pool tasks waiting for an agent", func(p pool.Progress) int { return p.Queued }),
		gauge("tasks_active", "Pool tasks assigned to an agent", func(p pool.Progress) int { return p.Active }),
		gauge("tasks_completed", "Pool tasks completed", func(p pool.Progress) int { return p.Completed }),
		gauge("tasks_failed", "Pool tasks failed", func(p pool.Progress) int { return p.Failed }),
	)
}

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
