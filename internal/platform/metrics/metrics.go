// Package metrics exposes the session's prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RefreshTotal      *prometheus.CounterVec
	RetryAttempts     *prometheus.CounterVec
	PostsTotal        *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	ConnectionQuality prometheus.Gauge
	Notifications     *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	EventStreams      prometheus.Gauge
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postkeeper_token_refresh_total",
			Help: "Token refresh network operations by result.",
		}, []string{"result"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postkeeper_retry_attempts_total",
			Help: "Attempts made by the retry engine by operation and outcome.",
		}, []string{"operation", "outcome"}),
		PostsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postkeeper_posts_total",
			Help: "Posts by outcome (sent, queued, failed, duplicate).",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postkeeper_queue_depth",
			Help: "Posts waiting in the outbound queue.",
		}),
		ConnectionQuality: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postkeeper_connection_quality",
			Help: "Connection quality tier, 0 (none) to 4 (excellent).",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postkeeper_queue_notifications_total",
			Help: "Queue notifications emitted by kind.",
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postkeeper_control_http_requests_total",
			Help: "Control API requests.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postkeeper_control_http_request_duration_seconds",
			Help:    "Control API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		EventStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postkeeper_control_event_streams",
			Help: "Open websocket event streams.",
		}),
	}
	reg.MustRegister(
		m.RefreshTotal,
		m.RetryAttempts,
		m.PostsTotal,
		m.QueueDepth,
		m.ConnectionQuality,
		m.Notifications,
		m.HTTPRequests,
		m.HTTPDuration,
		m.EventStreams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAttempt(operation, outcome string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObservePost(outcome string) {
	if m == nil {
		return
	}
	m.PostsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) SetQuality(tier int) {
	if m == nil {
		return
	}
	m.ConnectionQuality.Set(float64(tier))
}

func (m *Metrics) ObserveNotification(kind string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) AddEventStreams(delta int) {
	if m == nil {
		return
	}
	m.EventStreams.Add(float64(delta))
}
