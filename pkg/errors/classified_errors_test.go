package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifiedErrorFormat(t *testing.T) {
	err := New(ClassNotFound, "memory not found").WithOperation("get_memory")
	assert.Equal(t, "[NotFound] get_memory: memory not found", err.Error())

	bare := New(ClassInternal, "boom")
	assert.Equal(t, "[Internal] boom", bare.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(cause, ClassEmbeddingUnavailable, "embedder unreachable")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, ClassEmbeddingUnavailable, ClassOf(err))
}

func TestClassOfUnclassified(t *testing.T) {
	assert.Equal(t, ClassUnknown, ClassOf(stderrors.New("plain")))
	assert.Equal(t, ClassUnknown, ClassOf(nil))
}

func TestClassOfWrappedDeep(t *testing.T) {
	inner := New(ClassConflict, "duplicate content hash")
	outer := fmt.Errorf("store_memory: %w", inner)
	assert.Equal(t, ClassConflict, ClassOf(outer))
	assert.True(t, Is(outer, ClassConflict))
}

func TestTransientClassesCarryRetry(t *testing.T) {
	transient := []ErrorClass{ClassStorageTransient, ClassEmbeddingUnavailable, ClassEmbeddingTimeout}
	for _, class := range transient {
		err := New(class, "x")
		assert.True(t, err.IsRetryable(), "class %s should be retryable", class)
		assert.Equal(t, 3, err.Retry.MaxAttempts)
	}

	permanent := []ErrorClass{ClassInvalidRequest, ClassNotFound, ClassStoragePermanent, ClassSchemaMismatch, ClassEmbeddingFatal}
	for _, class := range permanent {
		assert.False(t, New(class, "x").IsRetryable(), "class %s should not be retryable", class)
	}
}

func TestWireCodes(t *testing.T) {
	cases := map[ErrorClass]string{
		ClassInvalidRequest:       "InvalidRequest",
		ClassStorageTransient:     "StorageError.transient",
		ClassStoragePermanent:     "StorageError.permanent",
		ClassEmbeddingUnavailable: "EmbeddingUnavailable",
		ClassEmbeddingTimeout:     "EmbeddingTimeout",
		ClassSchemaMismatch:       "SchemaMismatch",
		ClassTimeout:              "OperationTimeout",
		ClassCancelled:            "OperationCancelled",
	}
	for class, code := range cases {
		assert.Equal(t, code, class.String())
	}
}
