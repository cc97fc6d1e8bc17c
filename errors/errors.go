// Package errors provides standardized error handling for receiver components.
// It defines the error classes the server distinguishes when deciding who is
// told about a failure and whether anything is retried, along with helper
// functions for consistent wrapping and classification.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihow/openwebrxplus/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes.
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried.
	ErrorTransient ErrorClass = iota
	// ErrorValidation represents a bad control-message or property value;
	// handled locally, the request is rejected and reported.
	ErrorValidation
	// ErrorAdmission represents a capacity rejection; surfaced to the
	// requesting client before its connection is closed.
	ErrorAdmission
	// ErrorHardware represents a device failure; surfaced to every session
	// attached to the failing source.
	ErrorHardware
	// ErrorPipeline represents a pipeline construction failure; surfaced
	// only to the requesting session.
	ErrorPipeline
	// ErrorProtocol represents a malformed or out-of-contract wire message;
	// logged, the session survives unless it repeats past a threshold.
	ErrorProtocol
)

// String returns the string representation of ErrorClass.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorValidation:
		return "validation"
	case ErrorAdmission:
		return "admission"
	case ErrorHardware:
		return "hardware"
	case ErrorPipeline:
		return "pipeline"
	case ErrorProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyClosed  = errors.New("already closed")
	ErrShuttingDown   = errors.New("shutting down")

	// Property errors
	ErrInvalidValue      = errors.New("invalid property value")
	ErrUnknownKey        = errors.New("unknown property key")
	ErrDuplicatePriority = errors.New("duplicate layer priority")
	ErrSubscriberCycle   = errors.New("subscriber recursion limit exceeded")

	// Source errors
	ErrSourceStopping  = errors.New("source is stopping")
	ErrSourceFailed    = errors.New("source failed")
	ErrUnknownSource   = errors.New("unknown source")
	ErrRetuneConflict  = errors.New("hardware retune held by another session")
	ErrOutOfRange      = errors.New("value outside hardware limits")
	ErrRetriesExceeded = errors.New("recovery retries exceeded")

	// Admission errors
	ErrSourceFull = errors.New("source client limit reached")
	ErrServerFull = errors.New("server client limit reached")

	// Pipeline errors
	ErrUnknownMode     = errors.New("unknown demodulation mode")
	ErrMissingFeature  = errors.New("required capability unavailable")
	ErrStageNotReady   = errors.New("pipeline stage not ready")
	ErrFormatMismatch  = errors.New("stage format mismatch")
	ErrBuildInProgress = errors.New("pipeline rebuild already in progress")

	// Protocol errors
	ErrMalformedMessage = errors.New("malformed control message")
	ErrNegotiation      = errors.New("negotiation failed")
)

// ClassifiedError wraps an error with its classification and the component
// context it came from.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func newClassified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	return newClassified(ErrorTransient, err, component, method, action)
}

// WrapValidation wraps an error as a validation rejection with context.
func WrapValidation(err error, component, method, action string) error {
	return newClassified(ErrorValidation, err, component, method, action)
}

// WrapAdmission wraps an error as an admission rejection with context.
func WrapAdmission(err error, component, method, action string) error {
	return newClassified(ErrorAdmission, err, component, method, action)
}

// WrapHardware wraps an error as a hardware failure with context.
func WrapHardware(err error, component, method, action string) error {
	return newClassified(ErrorHardware, err, component, method, action)
}

// WrapPipeline wraps an error as a pipeline build failure with context.
func WrapPipeline(err error, component, method, action string) error {
	return newClassified(ErrorPipeline, err, component, method, action)
}

// WrapProtocol wraps an error as a protocol violation with context.
func WrapProtocol(err error, component, method, action string) error {
	return newClassified(ErrorProtocol, err, component, method, action)
}

// Classify returns the error class for an error. Unclassified errors default
// to transient so that retry loops get a chance at them.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrInvalidValue),
		errors.Is(err, ErrUnknownKey),
		errors.Is(err, ErrOutOfRange),
		errors.Is(err, ErrRetuneConflict):
		return ErrorValidation
	case errors.Is(err, ErrSourceFull), errors.Is(err, ErrServerFull):
		return ErrorAdmission
	case errors.Is(err, ErrSourceFailed), errors.Is(err, ErrRetriesExceeded):
		return ErrorHardware
	case errors.Is(err, ErrUnknownMode),
		errors.Is(err, ErrMissingFeature),
		errors.Is(err, ErrFormatMismatch):
		return ErrorPipeline
	case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrNegotiation):
		return ErrorProtocol
	}

	return ErrorTransient
}

// IsTransient checks if an error may be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrSourceStopping) {
		return true
	}
	return Classify(err) == ErrorTransient
}

// IsValidation checks if an error is a validation rejection.
func IsValidation(err error) bool {
	return err != nil && Classify(err) == ErrorValidation
}

// IsAdmission checks if an error is an admission rejection.
func IsAdmission(err error) bool {
	return err != nil && Classify(err) == ErrorAdmission
}

// IsHardware checks if an error is a hardware failure.
func IsHardware(err error) bool {
	return err != nil && Classify(err) == ErrorHardware
}

// IsPipeline checks if an error is a pipeline build failure.
func IsPipeline(err error) bool {
	return err != nil && Classify(err) == ErrorPipeline
}

// RetryConfig defines configuration for retry operations.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ToRetryConfig converts to the retry framework's Config type. The conversion
// adds 1 to MaxRetries (additional attempts become total attempts) and
// enables jitter.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}
