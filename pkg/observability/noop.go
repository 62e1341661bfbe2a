package observability

import "time"

// NoopLogger is a logger that discards everything. Used in tests and as a
// safe default when a component is constructed without a logger.
type NoopLogger struct{}

// NewNoopLogger creates a new no-op logger
func NewNoopLogger() Logger { return &NoopLogger{} }

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}

func (l *NoopLogger) Debugf(format string, args ...interface{}) {}
func (l *NoopLogger) Infof(format string, args ...interface{})  {}
func (l *NoopLogger) Warnf(format string, args ...interface{})  {}
func (l *NoopLogger) Errorf(format string, args ...interface{}) {}
func (l *NoopLogger) Fatalf(format string, args ...interface{}) {}

func (l *NoopLogger) WithPrefix(prefix string) Logger           { return l }
func (l *NoopLogger) With(fields map[string]interface{}) Logger { return l }

// NoopMetricsClient discards all metrics
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new no-op metrics client
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (c *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string)   {}
func (c *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (c *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (c *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}

func (c *NoopMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64) {
}
func (c *NoopMetricsClient) RecordDatabaseOperation(operation string, success bool, durationSeconds float64) {
}
func (c *NoopMetricsClient) RecordEmbeddingOperation(operation string, success bool, durationSeconds float64) {
}

func (c *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
func (c *NoopMetricsClient) IncrementCounter(name string, value float64) {}

func (c *NoopMetricsClient) Close() error { return nil }
