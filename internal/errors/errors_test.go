package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredError_Error(t *testing.T) {
	// Test error without cause
	err := New(ErrorTypeValidation, "test_op", "test message")
	expected := "[validation] test_op: test message"
	assert.Equal(t, expected, err.Error())

	// Test error with cause
	cause := errors.New("underlying error")
	err = Wrap(cause, ErrorTypeStorage, "save_op", "failed to save")
	assert.Contains(t, err.Error(), "[storage] save_op: failed to save")
	assert.Contains(t, err.Error(), "underlying error")
	assert.Equal(t, cause, err.Unwrap())
}

func TestStructuredError_WithContext(t *testing.T) {
	err := New(ErrorTypeAlgorithm, "umap", "n_neighbors too large")
	err = err.WithContext("n_neighbors", 15).WithContext("rows", 4)

	assert.Equal(t, 15, err.Context["n_neighbors"])
	assert.Equal(t, 4, err.Context["rows"])
}

func TestErrorConstructors(t *testing.T) {
	assert.Equal(t, ErrorTypeValidation, NewValidationError("op", "msg").Type)
	assert.Equal(t, ErrorTypeDataQuality, NewDataQualityError("op", "msg").Type)
	assert.Equal(t, ErrorTypeAlgorithm, NewAlgorithmError("op", "msg").Type)
	assert.Equal(t, ErrorTypeStorage, NewStorageError("op", "msg").Type)
	assert.Equal(t, ErrorTypeConfiguration, NewConfigurationError("op", "msg").Type)
}

func TestIsType(t *testing.T) {
	err := NewDataQualityError("nan_guard", "input contains missing values")

	assert.True(t, IsDataQuality(err))
	assert.False(t, IsValidation(err))
	assert.False(t, IsAlgorithm(err))

	// Type checks must survive wrapping with fmt.Errorf
	wrapped := fmt.Errorf("run failed: %w", err)
	assert.True(t, IsDataQuality(wrapped))

	assert.False(t, IsDataQuality(errors.New("plain error")))
	assert.False(t, IsDataQuality(nil))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeStorage, "op", "msg"))
}
