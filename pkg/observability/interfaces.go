// Package observability provides unified logging and metrics for the
// specmem engine. Every component receives a Logger and a MetricsClient
// through its constructor; nothing logs through globals.
package observability

import "time"

// Config holds the configuration for all observability components
type Config struct {
	Metrics MetricsConfig `json:"metrics,omitempty" mapstructure:"metrics"`
	Logging LoggingConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// MetricsConfig holds the configuration for metrics
type MetricsConfig struct {
	// Enabled indicates whether metrics collection is enabled
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Namespace string `json:"namespace,omitempty" mapstructure:"namespace"`
	// ListenAddress is where the prometheus handler is exposed, if any
	ListenAddress string `json:"listen_address,omitempty" mapstructure:"listen_address"`
}

// LoggingConfig holds the configuration for logging
type LoggingConfig struct {
	// Level is the minimum log level to emit
	Level  string `json:"level,omitempty" mapstructure:"level"`
	Format string `json:"format,omitempty" mapstructure:"format"`
}

// LogLevel defines log message severity
type LogLevel string

// Log levels
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// Logger defines the interface for logging
type Logger interface {
	// Core logging methods with fields
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	// Formatted logging methods
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// Context methods
	WithPrefix(prefix string) Logger
	With(fields map[string]interface{}) Logger
}

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)

	// Operation-specific metrics
	RecordOperation(component string, operation string, success bool, durationSeconds float64)
	RecordDatabaseOperation(operation string, success bool, durationSeconds float64)
	RecordEmbeddingOperation(operation string, success bool, durationSeconds float64)

	// StartTimer returns a function that records elapsed time when called
	StartTimer(name string, labels map[string]string) func()
	IncrementCounter(name string, value float64)

	Close() error
}
