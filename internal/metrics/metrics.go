package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route labels for published messages
const (
	RoutePlain  = "plain"
	RouteDirect = "direct"
	RouteLobby  = "lobby"
)

// Metrics collects broker client metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	messagesPublished *prometheus.CounterVec
	publishLatency    *prometheus.HistogramVec
	messagesConsumed  *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	handlerPanics     *prometheus.CounterVec

	pauses        *prometheus.CounterVec
	resumes       *prometheus.CounterVec
	paused        *prometheus.GaugeVec
	healthChecks  *prometheus.CounterVec
	queuesCreated *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors on a private registry
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "lobbymq"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.initMessageMetrics(namespace)
	m.initSubscriptionMetrics(namespace)
	m.registerMetrics()

	return m
}

func (m *Metrics) initMessageMetrics(namespace string) {
	m.messagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages published",
		},
		[]string{"queue", "route", "status"},
	)

	m.publishLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Time spent publishing a message, including confirmation",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
		[]string{"queue"},
	)

	m.messagesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Total number of messages handed to a handler",
		},
		[]string{"queue"},
	)

	m.handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Message handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	m.handlerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total number of recovered handler panics",
		},
		[]string{"queue"},
	)
}

func (m *Metrics) initSubscriptionMetrics(namespace string) {
	m.pauses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_pauses_total",
			Help:      "Total number of consumer pauses",
		},
		[]string{"queue"},
	)

	m.resumes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_resumes_total",
			Help:      "Total number of consumer resumes",
		},
		[]string{"queue"},
	)

	m.paused = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_paused",
			Help:      "1 while the consumer of a queue is paused",
		},
		[]string{"queue"},
	)

	m.healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Health check probes run while paused, by result",
		},
		[]string{"queue", "result"},
	)

	m.queuesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queues_created_total",
			Help:      "Channel and queue pairs created by the registry",
		},
		[]string{"kind"},
	)
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.messagesPublished,
		m.publishLatency,
		m.messagesConsumed,
		m.handlerDuration,
		m.handlerPanics,
		m.pauses,
		m.resumes,
		m.paused,
		m.healthChecks,
		m.queuesCreated,
	)
}

// Registry returns the registry holding all collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MessagePublished records a publish attempt
func (m *Metrics) MessagePublished(queue, route string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.messagesPublished.WithLabelValues(queue, route, status).Inc()
	m.publishLatency.WithLabelValues(queue).Observe(duration.Seconds())
}

// MessageHandled records one handler invocation
func (m *Metrics) MessageHandled(queue string, duration time.Duration, panicked bool) {
	if m == nil {
		return
	}
	m.messagesConsumed.WithLabelValues(queue).Inc()
	m.handlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
	if panicked {
		m.handlerPanics.WithLabelValues(queue).Inc()
	}
}

// ConsumerPaused records a pause
func (m *Metrics) ConsumerPaused(queue string) {
	if m == nil {
		return
	}
	m.pauses.WithLabelValues(queue).Inc()
	m.paused.WithLabelValues(queue).Set(1)
}

// ConsumerResumed records a resume
func (m *Metrics) ConsumerResumed(queue string) {
	if m == nil {
		return
	}
	m.resumes.WithLabelValues(queue).Inc()
	m.paused.WithLabelValues(queue).Set(0)
}

// HealthCheck records a probe result: "healthy", "unhealthy" or "error"
func (m *Metrics) HealthCheck(queue, result string) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(queue, result).Inc()
}

// QueueCreated records a registry miss; kind is "plain", "work" or "lobby"
func (m *Metrics) QueueCreated(kind string) {
	if m == nil {
		return
	}
	m.queuesCreated.WithLabelValues(kind).Inc()
}
