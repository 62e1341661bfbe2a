package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetricsClient implements MetricsClient backed by a prometheus
// registry. Collectors are registered lazily on first use, keyed by name.
type PrometheusMetricsClient struct {
	registry   *prometheus.Registry
	namespace  string
	server     *http.Server
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.Mutex
}

// NewPrometheusMetricsClient creates a metrics client with its own registry.
// When cfg.ListenAddress is set, the registry is served at /metrics there
// until Close.
func NewPrometheusMetricsClient(cfg MetricsConfig) *PrometheusMetricsClient {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "specmem"
	}
	c := &PrometheusMetricsClient{
		registry:   prometheus.NewRegistry(),
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	if cfg.Enabled && cfg.ListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", c.Handler())
		c.server = &http.Server{Addr: cfg.ListenAddress, Handler: mux}
		go func() {
			// Exposition is best-effort; the engine runs without it
			_ = c.server.ListenAndServe()
		}()
	}
	return c
}

// Registry exposes the underlying registry for handler wiring
func (c *PrometheusMetricsClient) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the exposition handler for the client's registry
func (c *PrometheusMetricsClient) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}

func (c *PrometheusMetricsClient) counter(name string, labels map[string]string) *prometheus.CounterVec {
	c.mu.Lock()
	defer c.mu.Unlock()

	if vec, ok := c.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
	}, labelKeys(labels))
	c.registry.MustRegister(vec)
	c.counters[name] = vec
	return vec
}

func (c *PrometheusMetricsClient) gauge(name string, labels map[string]string) *prometheus.GaugeVec {
	c.mu.Lock()
	defer c.mu.Unlock()

	if vec, ok := c.gauges[name]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
	}, labelKeys(labels))
	c.registry.MustRegister(vec)
	c.gauges[name] = vec
	return vec
}

func (c *PrometheusMetricsClient) histogram(name string, labels map[string]string) *prometheus.HistogramVec {
	c.mu.Lock()
	defer c.mu.Unlock()

	if vec, ok := c.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      name,
		Buckets:   prometheus.DefBuckets,
	}, labelKeys(labels))
	c.registry.MustRegister(vec)
	c.histograms[name] = vec
	return vec
}

// RecordCounter increments a counter by value
func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	c.counter(name, labels).With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge sets a gauge to value
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.gauge(name, labels).With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram observes value on a histogram
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	c.histogram(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

// RecordTimer observes a duration in seconds on a histogram
func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordOperation records a component operation with success/duration labels
func (c *PrometheusMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64) {
	labels := map[string]string{
		"component": component,
		"operation": operation,
		"success":   boolLabel(success),
	}
	c.RecordCounter("operations_total", 1, labels)
	c.RecordHistogram("operation_duration_seconds", durationSeconds, labels)
}

// RecordDatabaseOperation records a database operation
func (c *PrometheusMetricsClient) RecordDatabaseOperation(operation string, success bool, durationSeconds float64) {
	c.RecordOperation("database", operation, success, durationSeconds)
}

// RecordEmbeddingOperation records an embedding service operation
func (c *PrometheusMetricsClient) RecordEmbeddingOperation(operation string, success bool, durationSeconds float64) {
	c.RecordOperation("embedding", operation, success, durationSeconds)
}

// StartTimer returns a function that records the elapsed time when called
func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), labels)
	}
}

// IncrementCounter increments a label-less counter
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

// Close stops the exposition server, if one was started
func (c *PrometheusMetricsClient) Close() error {
	if c.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.server.Shutdown(ctx)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
