package errors

import (
	"errors"
	"fmt"
)

// ErrorType defines different categories of errors
type ErrorType string

const (
	ErrorTypeValidation           ErrorType = "VALIDATION"
	ErrorTypeBackpressure         ErrorType = "BACKPRESSURE"
	ErrorTypeTransient            ErrorType = "TRANSIENT"
	ErrorTypeNonRetryableBusiness ErrorType = "NON_RETRYABLE_BUSINESS"
	ErrorTypeDuplicateEvent       ErrorType = "DUPLICATE_EVENT"
	ErrorTypeStorage              ErrorType = "STORAGE"
	ErrorTypeConsistency          ErrorType = "CONSISTENCY"
	ErrorTypePoisoned             ErrorType = "POISONED"
	ErrorTypeNotFound             ErrorType = "NOT_FOUND"
	ErrorTypeInternal             ErrorType = "INTERNAL"
)

// Sentinel errors surfaced by the resilience layer.
var (
	ErrCircuitOpen      = errors.New("CIRCUIT_OPEN")
	ErrRetriesExhausted = errors.New("RETRIES_EXHAUSTED")
)

// AppError is the custom error type for the runtime
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// Constructor functions for different error types

// NewValidation creates a validation error (rejected at ingress, never persisted)
func NewValidation(message string) error {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

// NewBackpressure creates a backpressure error (bounded queue full)
func NewBackpressure(message string) error {
	return &AppError{Type: ErrorTypeBackpressure, Message: message}
}

// NewTransient creates a retryable external error
func NewTransient(message string, err error) error {
	return &AppError{Type: ErrorTypeTransient, Message: message, Err: err}
}

// NewNonRetryableBusiness creates a business error that must never be retried
func NewNonRetryableBusiness(message string) error {
	return &AppError{Type: ErrorTypeNonRetryableBusiness, Message: message}
}

// NewDuplicateEvent creates a duplicate-event error for an event_id seen twice
func NewDuplicateEvent(eventID string) error {
	return &AppError{Type: ErrorTypeDuplicateEvent, Message: fmt.Sprintf("event %s already stored", eventID)}
}

// NewStorage creates a durable-tier failure error
func NewStorage(message string, err error) error {
	return &AppError{Type: ErrorTypeStorage, Message: message, Err: err}
}

// NewConsistency creates an invariant-violation error
func NewConsistency(message string) error {
	return &AppError{Type: ErrorTypeConsistency, Message: message}
}

// NewPoisoned marks a payload that repeatedly fails processing
func NewPoisoned(message string, err error) error {
	return &AppError{Type: ErrorTypePoisoned, Message: message, Err: err}
}

// NewNotFound creates a not found error
func NewNotFound(message string) error {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) error {
	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, preserve the type
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Type:    appErr.Type,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
		}
	}

	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

func isType(err error, t ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == t
}

// Type checking functions used by the retry classifier and the pipeline.

func IsValidation(err error) bool   { return isType(err, ErrorTypeValidation) }
func IsBackpressure(err error) bool { return isType(err, ErrorTypeBackpressure) }
func IsTransient(err error) bool    { return isType(err, ErrorTypeTransient) }
func IsNonRetryableBusiness(err error) bool {
	return isType(err, ErrorTypeNonRetryableBusiness)
}
func IsDuplicateEvent(err error) bool { return isType(err, ErrorTypeDuplicateEvent) }
func IsStorage(err error) bool        { return isType(err, ErrorTypeStorage) }
func IsConsistency(err error) bool    { return isType(err, ErrorTypeConsistency) }
func IsPoisoned(err error) bool       { return isType(err, ErrorTypePoisoned) }
func IsNotFound(err error) bool       { return isType(err, ErrorTypeNotFound) }
func IsInternal(err error) bool       { return isType(err, ErrorTypeInternal) }

// IsRetryable reports whether the resilience layer may retry after err.
// Business rejections, validation failures, duplicates and consistency
// violations are final; everything else is assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case ErrorTypeValidation, ErrorTypeNonRetryableBusiness,
			ErrorTypeDuplicateEvent, ErrorTypeConsistency, ErrorTypePoisoned:
			return false
		}
	}
	return true
}
