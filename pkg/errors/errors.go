// Package errors provides custom error types for the sensorbridge system.
// These errors let callers tell transport failures, subscription failures
// and downstream delivery failures apart without string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// New returns an error that formats as the given text.
// It's an alias for the standard library errors.New for convenience.
var New = errors.New

// Is and As are the standard library functions, re-exported so callers need
// only one errors import.
var (
	Is = errors.Is
	As = errors.As
)

// Common sentinel errors for the bridge
var (
	// ErrInvalidInput indicates that provided input or configuration was invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyConnected indicates Connect was called on a link that was already started
	ErrAlreadyConnected = errors.New("already connected")

	// ErrClosed indicates an operation on a closed link, connection or subscriber
	ErrClosed = errors.New("closed")

	// ErrHubStopped indicates the fan-out hub is no longer accepting work
	ErrHubStopped = errors.New("hub stopped")

	// ErrDuplicateSubscriber indicates a subscriber ID is already registered to another subscriber
	ErrDuplicateSubscriber = errors.New("duplicate subscriber id")

	// ErrQueueFull indicates a subscriber's outbound queue overflowed
	ErrQueueFull = errors.New("queue full")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")
)

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Component string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError
func NewConfigError(component, message string, err error) *ConfigError {
	return &ConfigError{
		Component: component,
		Message:   message,
		Err:       err,
	}
}

// ConnectionError represents a transport-level failure talking to the broker.
// Connection errors are never fatal; the transport retries on its own schedule.
type ConnectionError struct {
	Broker    string
	Operation string // "connect", "reconnect", "disconnect"
	Err       error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker %s: %s failed: %v", e.Broker, e.Operation, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a new ConnectionError
func NewConnectionError(broker, operation string, err error) *ConnectionError {
	return &ConnectionError{Broker: broker, Operation: operation, Err: err}
}

// SubscribeError represents a failed subscription request.
type SubscribeError struct {
	Topics []string
	Err    error
}

// Error implements the error interface
func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe to [%s] failed: %v", strings.Join(e.Topics, ", "), e.Err)
}

// Unwrap implements errors.Unwrap
func (e *SubscribeError) Unwrap() error {
	return e.Err
}

// NewSubscribeError creates a new SubscribeError
func NewSubscribeError(topics []string, err error) *SubscribeError {
	return &SubscribeError{Topics: topics, Err: err}
}

// DeliveryError represents a failure pushing an event to one downstream subscriber.
// The hub treats it as an implicit disconnect of that subscriber.
type DeliveryError struct {
	SubscriberID string
	Err          error
}

// Error implements the error interface
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to subscriber %s failed: %v", e.SubscriberID, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewDeliveryError creates a new DeliveryError
func NewDeliveryError(subscriberID string, err error) *DeliveryError {
	return &DeliveryError{SubscriberID: subscriberID, Err: err}
}

// Helper functions for error checking

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsConnectionError checks if an error came from the broker transport
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsClosed checks if an error indicates a closed resource
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// Helper wrapping functions for common patterns

// WrapConfig wraps an error as a ConfigError
func WrapConfig(component string, err error) error {
	if err == nil {
		return nil
	}
	return NewConfigError(component, err.Error(), err)
}
