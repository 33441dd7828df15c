package device

import (
	"errors"
	"fmt"
)

// ConnectionReason classifies connection-level failures.
type ConnectionReason string

const (
	ReasonNoTransport   ConnectionReason = "no_transport"
	ReasonMissingFields ConnectionReason = "missing_fields"
	ReasonCancelled     ConnectionReason = "connection_cancelled"
	ReasonNotConnected  ConnectionReason = "not_connected"
)

// ConnectionError represents a failure to establish or use a session: the
// transport could not be determined, required identity fields are missing,
// or an in-flight attempt was cancelled.
type ConnectionError struct {
	Reason ConnectionReason
	Msg    string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Reason)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is allows errors.Is to compare ConnectionError values by Reason.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// Predefined sentinel errors for connection failures.
var (
	ErrNoTransport   = &ConnectionError{Reason: ReasonNoTransport}
	ErrMissingFields = &ConnectionError{Reason: ReasonMissingFields}
	ErrCancelled     = &ConnectionError{Reason: ReasonCancelled}
	ErrNotConnected  = &ConnectionError{Reason: ReasonNotConnected}
)

// ErrUnknownProperty is returned when a property name is not in the device
// model's table.
var ErrUnknownProperty = errors.New("unknown property")

// AuthenticationError indicates the model's auth hook rejected the session.
// The session is torn down before this error is returned.
type AuthenticationError struct {
	Model string
	Err   error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for model %q: %v", e.Model, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// UnsupportedOperationError indicates a property does not carry the access
// flag the operation requires.
type UnsupportedOperationError struct {
	Property string
	Required Access
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("property %q does not support %s", e.Property, e.Required)
}
