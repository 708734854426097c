package notification

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores for unknown ids.
var ErrNotFound = errors.New("not found")

// ErrStatusRegression is returned when a write would move a record's status
// backwards or repeat a transition.
var ErrStatusRegression = errors.New("status can only move forward")

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// PersistenceError wraps a failed initial record write.
type PersistenceError struct{ Err error }

func (e *PersistenceError) Error() string { return "persist notification: " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// ResolutionError wraps a failed selector resolution.
type ResolutionError struct{ Err error }

func (e *ResolutionError) Error() string { return "resolve recipients: " + e.Err.Error() }
func (e *ResolutionError) Unwrap() error { return e.Err }

// TransportError is a failed push call. EndpointInvalid means the endpoint
// is permanently gone and should be deactivated.
type TransportError struct {
	EndpointID      string
	EndpointInvalid bool
	Err             error
}

func (e *TransportError) Error() string {
	if e.EndpointInvalid {
		return fmt.Sprintf("endpoint %s invalid", e.EndpointID)
	}
	if e.Err == nil {
		return fmt.Sprintf("push to %s rejected", e.EndpointID)
	}
	return fmt.Sprintf("push to %s: %v", e.EndpointID, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// SinkWriteError wraps a failed delivery-record write. Op names the write.
type SinkWriteError struct {
	Op  string
	Err error
}

func (e *SinkWriteError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *SinkWriteError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsPersistence(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}
