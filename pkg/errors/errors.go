package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeProspect represents file inspection errors
	ErrorTypeProspect ErrorType = "prospect"
	// ErrorTypePublish represents outbound event publishing errors
	ErrorTypePublish ErrorType = "publish"
	// ErrorTypeMessage represents malformed or incomplete inbound messages
	ErrorTypeMessage ErrorType = "message"
	// ErrorTypeGraph represents graph database errors
	ErrorTypeGraph ErrorType = "graph"
	// ErrorTypeBroker represents message broker errors
	ErrorTypeBroker ErrorType = "broker"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Message Errors

// ErrMalformedMessage is returned when an inbound payload cannot be decoded
type ErrMalformedMessage struct {
	*BaseError
	Size int
}

func NewMalformedMessage(size int, err error) *ErrMalformedMessage {
	return &ErrMalformedMessage{
		BaseError: NewBaseError(ErrorTypeMessage, fmt.Sprintf("malformed message (%d bytes)", size), err),
		Size:      size,
	}
}

// ErrMissingField is returned when a mandatory message field is absent
type ErrMissingField struct {
	*BaseError
	Field string
}

func NewMissingField(field string) *ErrMissingField {
	return &ErrMissingField{
		BaseError: NewBaseError(ErrorTypeMessage, fmt.Sprintf("missing required field: %s", field), nil),
		Field:     field,
	}
}

// ErrInvalidField is returned when a message field is present but unusable
type ErrInvalidField struct {
	*BaseError
	Field  string
	Reason string
}

func NewInvalidField(field, reason string) *ErrInvalidField {
	return &ErrInvalidField{
		BaseError: NewBaseError(ErrorTypeMessage, fmt.Sprintf("invalid field %s: %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// Publish Errors

// ErrPublishFailed is returned when an event could not be handed to the broker
type ErrPublishFailed struct {
	*BaseError
	RoutingKey string
}

func NewPublishFailed(routingKey string, err error) *ErrPublishFailed {
	return &ErrPublishFailed{
		BaseError:  NewBaseError(ErrorTypePublish, fmt.Sprintf("failed to publish to %s", routingKey), err),
		RoutingKey: routingKey,
	}
}

// ErrPublishNacked is returned when the broker refuses a published message
var ErrPublishNacked = NewBaseError(ErrorTypePublish, "broker did not confirm message", nil)

// Broker Errors

// ErrBrokerConnectionFailed is returned when the AMQP connection cannot be established
type ErrBrokerConnectionFailed struct {
	*BaseError
	URL string
}

func NewBrokerConnectionFailed(url string, err error) *ErrBrokerConnectionFailed {
	return &ErrBrokerConnectionFailed{
		BaseError: NewBaseError(ErrorTypeBroker, fmt.Sprintf("failed to connect to broker: %s", url), err),
		URL:       url,
	}
}

// ErrBrokerTopology is returned when exchanges, queues or bindings cannot be declared
type ErrBrokerTopology struct {
	*BaseError
	Entity string
}

func NewBrokerTopology(entity string, err error) *ErrBrokerTopology {
	return &ErrBrokerTopology{
		BaseError: NewBaseError(ErrorTypeBroker, fmt.Sprintf("failed to declare %s", entity), err),
		Entity:    entity,
	}
}

// ErrDeliveriesClosed is returned when the broker stops delivering to a consumer
var ErrDeliveriesClosed = NewBaseError(ErrorTypeBroker, "delivery channel closed", nil)

// ErrBrokerUnavailable is returned by publishes made while the broker
// connection is being re-established
var ErrBrokerUnavailable = NewBaseError(ErrorTypeBroker, "broker connection unavailable", nil)

// Graph Errors

// ErrGraphConnectionFailed is returned when Neo4j connection fails
type ErrGraphConnectionFailed struct {
	*BaseError
	URI string
}

func NewGraphConnectionFailed(uri string, err error) *ErrGraphConnectionFailed {
	return &ErrGraphConnectionFailed{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("failed to connect to Neo4j: %s", uri), err),
		URI:       uri,
	}
}

// ErrGraphQueryFailed is returned when a graph query fails
type ErrGraphQueryFailed struct {
	*BaseError
	Operation string
	Path      string
}

func NewGraphQueryFailed(operation, path string, err error) *ErrGraphQueryFailed {
	return &ErrGraphQueryFailed{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("%s failed for %s", operation, path), err),
		Operation: operation,
		Path:      path,
	}
}

// Context Errors

// ErrContextTimeout is returned when an operation runs past its time limit
type ErrContextTimeout struct {
	*BaseError
	Operation string
	Timeout   time.Duration
}

func NewContextTimeout(operation string, timeout time.Duration, err error) *ErrContextTimeout {
	return &ErrContextTimeout{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context timeout: %s (timeout: %v)", operation, timeout), err),
		Operation: operation,
		Timeout:   timeout,
	}
}

// Config Errors

// ErrConfigValidationFailed is returned when configuration validation fails
type ErrConfigValidationFailed struct {
	*BaseError
	Field  string
	Reason string
}

func NewConfigValidationFailed(field, reason string) *ErrConfigValidationFailed {
	return &ErrConfigValidationFailed{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("config validation failed: %s - %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

// baseOf finds the first BaseError in err's chain, including BaseErrors
// embedded in the typed wrappers above.
func baseOf(err error) *BaseError {
	for err != nil {
		switch e := err.(type) {
		case *BaseError:
			return e
		case interface{ base() *BaseError }:
			return e.base()
		}
		err = stderrors.Unwrap(err)
	}
	return nil
}

func (e *BaseError) base() *BaseError { return e }

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if b := baseOf(err); b != nil {
			if b.Type == errType {
				return true
			}
			err = b.Err
			continue
		}
		return false
	}
	return false
}

// IsRetryable checks if an error is worth retrying
func IsRetryable(err error) bool {
	// Bad input and bad config never get better on retry
	if IsErrorType(err, ErrorTypeMessage) || IsErrorType(err, ErrorTypeConfig) {
		return false
	}
	if IsErrorType(err, ErrorTypeGraph) || IsErrorType(err, ErrorTypeBroker) ||
		IsErrorType(err, ErrorTypePublish) || IsErrorType(err, ErrorTypeContext) {
		return true
	}
	return false
}
