package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorType classifies failures of a reduction run.
type ErrorType string

const (
	// ErrorTypeValidation covers incomplete or inconsistent user selections:
	// no columns selected, no algorithm chosen, missing target table.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDataQuality covers inputs the algorithms must never see,
	// currently feature matrices containing NaN values.
	ErrorTypeDataQuality ErrorType = "data_quality"
	// ErrorTypeAlgorithm covers violated algorithm parameter constraints
	// and internal numeric failures.
	ErrorTypeAlgorithm ErrorType = "algorithm"
	// ErrorTypeStorage covers snapshot and table persistence failures.
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeConfiguration covers invalid service configuration.
	ErrorTypeConfiguration ErrorType = "configuration"
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:]) // Skip this function and caller
	return pcs[:n]
}

// Common error constructors for frequent use cases

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

// NewDataQualityError creates a data quality error
func NewDataQualityError(operation, message string) *StructuredError {
	return New(ErrorTypeDataQuality, operation, message)
}

// NewAlgorithmError creates an algorithm error
func NewAlgorithmError(operation, message string) *StructuredError {
	return New(ErrorTypeAlgorithm, operation, message)
}

// NewStorageError creates a storage error
func NewStorageError(operation, message string) *StructuredError {
	return New(ErrorTypeStorage, operation, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

// Is delegates to the standard library so callers need only one errors
// import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As delegates to the standard library.
func As(err error, target any) bool { return stderrors.As(err, target) }

// IsType reports whether err or any error in its chain is a
// StructuredError of the given type.
func IsType(err error, errType ErrorType) bool {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Type == errType
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return IsType(err, ErrorTypeValidation) }

// IsDataQuality reports whether err is a data quality error.
func IsDataQuality(err error) bool { return IsType(err, ErrorTypeDataQuality) }

// IsAlgorithm reports whether err is an algorithm error.
func IsAlgorithm(err error) bool { return IsType(err, ErrorTypeAlgorithm) }
