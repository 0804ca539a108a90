// Package errs defines the unified error taxonomy shared by transport,
// adapters, composites and strategy tasks.
//
// Transport and parsing failures are handled inside the transport layer;
// only these typed errors propagate upward. Strategy tasks drive state
// transitions by matching on them with errors.As.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a structured error body returned by an exchange.
type APIError struct {
	Exchange string
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error %s: %s", e.Exchange, e.Code, e.Message)
}

// ClientError is a client-side HTTP 4xx: bad request shape or auth issue.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.Status, e.Message)
}

// ServerError is an HTTP 5xx. Transient; retryable for reads only.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// TimeoutError is a network timeout on a REST call or WS operation.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// OrderNotFoundError: get/cancel on an unknown id. Terminal for that id.
type OrderNotFoundError struct {
	OrderID string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order %s not found", e.OrderID)
}

// InsufficientBalanceError is returned on order placement.
type InsufficientBalanceError struct {
	Asset    string
	Required float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance (need %v)", e.Asset, e.Required)
}

// ValidationError means the request violates the symbol's trading rules
// before any wire call was made. Caller's bug.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order validation failed on %s: %s", e.Field, e.Message)
}

// ParsingError is a malformed wire payload. Logged and dropped; never
// fatal for the connection that produced it.
type ParsingError struct {
	Exchange string
	Channel  string
	Raw      string
	Cause    error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("%s parse error on %s: %v", e.Exchange, e.Channel, e.Cause)
}

func (e *ParsingError) Unwrap() error { return e.Cause }

// SubscriptionError is a rejected WS subscribe.
type SubscriptionError struct {
	Channel string
	Message string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription to %s rejected: %s", e.Channel, e.Message)
}

// AuthenticationError is a WS or REST auth failure. Reconnects are
// suppressed for connections that fail with it.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// IsRetryableRead reports whether an idempotent read may be retried after
// this error. Mutating calls are never retried regardless.
func IsRetryableRead(err error) bool {
	var srv *ServerError
	var to *TimeoutError
	return errors.As(err, &srv) || errors.As(err, &to)
}
