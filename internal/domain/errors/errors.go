package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is the retry-classification tier of an error. The reliable
// processor uses it to decide whether a failed job is re-enqueued.
type Class string

const (
	ClassNetwork          Class = "network"
	ClassTimeout          Class = "timeout"
	ClassRateLimit        Class = "rate_limit"
	ClassTransientStorage Class = "transient_storage"
	ClassValidation       Class = "validation"
	ClassSerialization    Class = "serialization"
	ClassAuthentication   Class = "authentication"
	ClassConfiguration    Class = "configuration"
	ClassIntegrity        Class = "integrity"
	ClassCircuitOpen      Class = "circuit_open"
	ClassUnknown          Class = "unknown"
)

// Retryable reports whether a class is eligible for retry at all.
// Unknown errors are retryable but capped at two attempts by the policy.
func (c Class) Retryable() bool {
	switch c {
	case ClassNetwork, ClassTimeout, ClassRateLimit, ClassTransientStorage, ClassUnknown, ClassCircuitOpen:
		return true
	default:
		return false
	}
}

// AppError is the structured error used across the pipeline.
type AppError struct {
	Class   Class          `json:"class"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// Constructors, one per taxonomy entry.

func NewValidationError(code, message string) *AppError {
	return &AppError{Class: ClassValidation, Code: code, Message: message}
}

func NewIntegrityError(message string) *AppError {
	return &AppError{Class: ClassIntegrity, Code: "INTEGRITY_VIOLATION", Message: message}
}

func NewSerializationError(message string) *AppError {
	return &AppError{Class: ClassSerialization, Code: "SERIALIZATION_FAILED", Message: message}
}

func NewQueueError(message string) *AppError {
	return &AppError{Class: ClassTransientStorage, Code: "QUEUE_UNAVAILABLE", Message: message}
}

func NewTransientStorageError(message string) *AppError {
	return &AppError{Class: ClassTransientStorage, Code: "STORAGE_UNAVAILABLE", Message: message}
}

func NewTimeoutError(message string) *AppError {
	return &AppError{Class: ClassTimeout, Code: "DEADLINE_EXCEEDED", Message: message}
}

func NewNetworkError(message string) *AppError {
	return &AppError{Class: ClassNetwork, Code: "NETWORK_FAILURE", Message: message}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{Class: ClassRateLimit, Code: "RATE_LIMITED", Message: message}
}

func NewCircuitOpenError(queue string) *AppError {
	return &AppError{
		Class:   ClassCircuitOpen,
		Code:    "CIRCUIT_OPEN",
		Message: fmt.Sprintf("circuit breaker open for queue %s", queue),
		Details: map[string]any{"queue": queue},
	}
}

func NewKMSError(message string, class Class) *AppError {
	return &AppError{Class: class, Code: "KMS_FAILURE", Message: message}
}

func NewPartitionError(partition, message string) *AppError {
	return &AppError{
		Class:   ClassTransientStorage,
		Code:    "PARTITION_UNAVAILABLE",
		Message: message,
		Details: map[string]any{"partition": partition},
	}
}

func NewDeadLetterError(message string) *AppError {
	return &AppError{Class: ClassTransientStorage, Code: "DEAD_LETTER_FAILED", Message: message}
}

func NewConfigurationError(message string) *AppError {
	return &AppError{Class: ClassConfiguration, Code: "INVALID_CONFIGURATION", Message: message}
}

func NewAuthenticationError(message string) *AppError {
	return &AppError{Class: ClassAuthentication, Code: "AUTHENTICATION_FAILED", Message: message}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{Class: ClassValidation, Code: "NOT_FOUND", Message: fmt.Sprintf("%s not found", resource)}
}

func NewInternalError(message string) *AppError {
	return &AppError{Class: ClassUnknown, Code: "INTERNAL_ERROR", Message: message}
}

// Classify maps an arbitrary error onto a retry class. AppErrors keep
// their own class; context and net errors are recognized; anything else
// is unknown.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}

	return ClassUnknown
}

// IsRetryable reports whether an error may be retried at all.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// IsClass checks whether an error belongs to a specific class.
func IsClass(err error, class Class) bool {
	return Classify(err) == class
}

// Wrap wraps an error with a message using %w semantics.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
