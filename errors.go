package flowrpc

import (
	"github.com/juju/errors"
)

/*
OperationError is returned when an operation of the engine itself failed, e.g. a lifecycle
signal could not be published on the reply channel. It is never retried by the engine.
*/
type OperationError struct {
	Op  string
	Err error
}

func NewOperationError(op string, err error) *OperationError {
	return &OperationError{Op: op, Err: err}
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return "flowrpc: " + e.Op + " failed"
	}
	return "flowrpc: " + e.Op + ": " + e.Err.Error()
}

func (e *OperationError) Unwrap() error { return e.Err }

/*
RestrictionError is returned when the admission valve refused or aborted a dispatch before any
network attempt existed. Capacity exhaustion is actionable by the caller, so it is reported as
an error rather than as a session state.
*/
type RestrictionError struct {
	Err error
}

func (e *RestrictionError) Error() string {
	return "flowrpc: dispatch restricted: " + e.Err.Error()
}

func (e *RestrictionError) Unwrap() error { return e.Err }

// IsOperationError reports whether err is, or wraps, an *OperationError.
func IsOperationError(err error) bool {
	var opErr *OperationError
	return errors.As(err, &opErr)
}

// IsRestrictionError reports whether err is, or wraps, a *RestrictionError.
func IsRestrictionError(err error) bool {
	var rErr *RestrictionError
	return errors.As(err, &rErr)
}

// AsRestriction returns err unchanged if it already is an operation failure, and wraps it
// into a *RestrictionError otherwise. nil stays nil.
func AsRestriction(err error) error {
	if err == nil {
		return nil
	}
	if IsOperationError(err) || IsRestrictionError(err) {
		return err
	}
	return &RestrictionError{Err: err}
}
