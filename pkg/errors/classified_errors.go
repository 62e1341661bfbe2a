// Package errors defines the classified error taxonomy shared by every
// specmem component. Low-level drivers surface raw errors; each component
// classifies them here before returning across a package boundary, so the
// tool surface can map any error to a deterministic response code.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error
type ErrorClass int

const (
	// ClassUnknown indicates an unclassified error
	ClassUnknown ErrorClass = iota
	// ClassInvalidRequest indicates input validation failure
	ClassInvalidRequest
	// ClassNotFound indicates a missing resource
	ClassNotFound
	// ClassConflict indicates a uniqueness or concurrent-modification conflict
	ClassConflict
	// ClassStorageTransient indicates a retryable storage fault
	ClassStorageTransient
	// ClassStoragePermanent indicates a non-retryable storage fault
	ClassStoragePermanent
	// ClassEmbeddingUnavailable indicates the embedding service is temporarily unreachable
	ClassEmbeddingUnavailable
	// ClassEmbeddingTimeout indicates the embedding service exceeded its adaptive deadline
	ClassEmbeddingTimeout
	// ClassEmbeddingFatal indicates a permanent embedding service fault
	ClassEmbeddingFatal
	// ClassSchemaMismatch indicates a vector dimension disagreement with the schema
	ClassSchemaMismatch
	// ClassTimeout indicates an operation-level deadline was exceeded
	ClassTimeout
	// ClassCancelled indicates the caller cancelled the operation
	ClassCancelled
	// ClassInternal indicates an unexpected internal fault
	ClassInternal
)

// String returns the wire code for the class
func (c ErrorClass) String() string {
	switch c {
	case ClassInvalidRequest:
		return "InvalidRequest"
	case ClassNotFound:
		return "NotFound"
	case ClassConflict:
		return "Conflict"
	case ClassStorageTransient:
		return "StorageError.transient"
	case ClassStoragePermanent:
		return "StorageError.permanent"
	case ClassEmbeddingUnavailable:
		return "EmbeddingUnavailable"
	case ClassEmbeddingTimeout:
		return "EmbeddingTimeout"
	case ClassEmbeddingFatal:
		return "EmbeddingFatal"
	case ClassSchemaMismatch:
		return "SchemaMismatch"
	case ClassTimeout:
		return "OperationTimeout"
	case ClassCancelled:
		return "OperationCancelled"
	case ClassInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// RetryStrategy defines how to retry an operation
type RetryStrategy struct {
	ShouldRetry       bool          `json:"should_retry"`
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// ClassifiedError is an error with classification and retry information
type ClassifiedError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Class     ErrorClass  `json:"class"`
	Operation string      `json:"operation,omitempty"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	// Hint is user-visible guidance ("embedding service warming, retry in 5s")
	Hint string `json:"hint,omitempty"`

	Retry *RetryStrategy `json:"retry,omitempty"`

	cause error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Operation, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// IsRetryable returns true if the error should be retried
func (e *ClassifiedError) IsRetryable() bool {
	return e.Retry != nil && e.Retry.ShouldRetry
}

// New creates a new classified error
func New(class ErrorClass, message string) *ClassifiedError {
	e := &ClassifiedError{
		Code:      class.String(),
		Message:   message,
		Class:     class,
		Timestamp: time.Now(),
	}
	if isTransientClass(class) {
		e.Retry = defaultRetry()
	}
	return e
}

// Newf creates a new classified error with a formatted message
func Newf(class ErrorClass, format string, args ...interface{}) *ClassifiedError {
	return New(class, fmt.Sprintf(format, args...))
}

// Wrap classifies an existing error, preserving it for Unwrap
func Wrap(err error, class ErrorClass, message string) *ClassifiedError {
	e := New(class, message)
	e.cause = err
	return e
}

// WithOperation attaches the failing operation name
func (e *ClassifiedError) WithOperation(op string) *ClassifiedError {
	e.Operation = op
	return e
}

// WithHint attaches user-visible guidance
func (e *ClassifiedError) WithHint(hint string) *ClassifiedError {
	e.Hint = hint
	return e
}

// WithDetails attaches structured details
func (e *ClassifiedError) WithDetails(details interface{}) *ClassifiedError {
	e.Details = details
	return e
}

// ClassOf extracts the class from any error, ClassUnknown if unclassified
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// Is reports whether err carries the given class
func Is(err error, class ErrorClass) bool {
	return ClassOf(err) == class
}

// AsClassified extracts the ClassifiedError from an error chain
func AsClassified(err error, target **ClassifiedError) bool {
	return errors.As(err, target)
}

func isTransientClass(class ErrorClass) bool {
	switch class {
	case ClassStorageTransient, ClassEmbeddingUnavailable, ClassEmbeddingTimeout:
		return true
	default:
		return false
	}
}

func defaultRetry() *RetryStrategy {
	return &RetryStrategy{
		ShouldRetry:       true,
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}
