package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Evaluation outcome labels.
const (
	outcomeOK           = "ok"
	outcomeReady        = "ready"
	outcomeTimeout      = "timeout"
	outcomeError        = "error"
	outcomeDisconnected = "disconnected"
)

// MetricsConfig configures the server's Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "evalbridge").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for evaluation duration.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry is the Prometheus registry to use. Default: a fresh
	// private registry per server, so multiple servers never collide.
	Registry *prometheus.Registry
}

// MetricsOption configures the server's Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithMetricsNamespace sets the metrics namespace.
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithMetricsConstLabels sets constant labels for all metrics.
func WithMetricsConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithMetricsBuckets sets the evaluation duration histogram buckets.
func WithMetricsBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithMetricsRegistry sets the Prometheus registry.
func WithMetricsRegistry(registry *prometheus.Registry) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// metrics holds the server's Prometheus instruments.
type metrics struct {
	registry *prometheus.Registry

	clientsConnected prometheus.Gauge
	clientsTotal     prometheus.Counter
	evalsTotal       prometheus.Counter
	evalOutcomes     *prometheus.CounterVec
	evalDuration     prometheus.Histogram
	staleResults     prometheus.Counter
}

func newMetrics(opts ...MetricsOption) *metrics {
	config := MetricsConfig{
		Namespace: "evalbridge",
		Buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(config.Registry)

	return &metrics{
		registry: config.Registry,
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "clients_connected",
			Help:        "Number of execution clients currently connected.",
			ConstLabels: config.ConstLabels,
		}),
		clientsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "clients_total",
			Help:        "Total execution clients accepted since start.",
			ConstLabels: config.ConstLabels,
		}),
		evalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "evals_total",
			Help:        "Total evaluation requests sent to clients.",
			ConstLabels: config.ConstLabels,
		}),
		evalOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "eval_outcomes_total",
			Help:        "Evaluation outcomes by result.",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),
		evalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "eval_duration_seconds",
			Help:        "Time from eval-js send to result delivery.",
			Buckets:     config.Buckets,
			ConstLabels: config.ConstLabels,
		}),
		staleResults: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "stale_results_total",
			Help:        "Result messages dropped because no evaluation was pending.",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// handler serves the /metrics endpoint for this server's registry.
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
