package core

import (
	"errors"
	"fmt"
)

// StatusType classifies the outcome of an operation.
type StatusType int

const (
	StatusOK StatusType = iota
	StatusUnknownError
	StatusPreconditionError
	StatusAborted
	StatusInvalidArgument
	StatusInProgress
)

func (t StatusType) String() string {
	switch t {
	case StatusOK:
		return "OK"
	case StatusUnknownError:
		return "UNKNOWN_ERROR"
	case StatusPreconditionError:
		return "PRECONDITION_ERROR"
	case StatusAborted:
		return "ABORTED"
	case StatusInvalidArgument:
		return "INVALID_ARGUMENT"
	case StatusInProgress:
		return "IN_PROGRESS"
	}
	return "invalid"
}

// Status is the outcome of an operation: a type plus, for failures, a
// human-readable reason. The zero value is OK.
type Status struct {
	typ    StatusType
	reason string
}

// OK returns the success status.
func OK() Status { return Status{} }

// UnknownError returns a status for failures with no more specific
// classification.
func UnknownError(format string, args ...any) Status {
	return Status{typ: StatusUnknownError, reason: fmt.Sprintf(format, args...)}
}

// PreconditionError returns a status for operations rejected because
// system state does not permit them.
func PreconditionError(format string, args ...any) Status {
	return Status{typ: StatusPreconditionError, reason: fmt.Sprintf(format, args...)}
}

// Aborted returns a status for work cancelled by shutdown.
func Aborted(format string, args ...any) Status {
	return Status{typ: StatusAborted, reason: fmt.Sprintf(format, args...)}
}

// InvalidArgument returns a status for malformed caller input.
func InvalidArgument(format string, args ...any) Status {
	return Status{typ: StatusInvalidArgument, reason: fmt.Sprintf(format, args...)}
}

// InProgress returns the non-terminal polling status. It is never
// delivered through a completion callback.
func InProgress() Status { return Status{typ: StatusInProgress} }

// OK reports whether the status is success.
func (s Status) OK() bool { return s.typ == StatusOK }

// InProgress reports whether the status is the non-terminal
// in-progress marker.
func (s Status) InProgress() bool { return s.typ == StatusInProgress }

// Type returns the status classification.
func (s Status) Type() StatusType { return s.typ }

// Reason returns the failure description, empty for OK and
// IN_PROGRESS.
func (s Status) Reason() string { return s.reason }

func (s Status) String() string {
	if s.reason == "" {
		return s.typ.String()
	}
	return s.typ.String() + ": " + s.reason
}

// Err returns nil for OK and a *StatusError otherwise, so statuses
// can cross error-valued call boundaries without losing their type.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusError adapts a failed Status to the error interface.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string { return e.Status.String() }

// StatusFromError recovers the Status carried by an error. Errors
// that did not originate from a Status map to UNKNOWN_ERROR, and a
// nil error maps to OK.
func StatusFromError(err error) Status {
	if err == nil {
		return OK()
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return UnknownError("%v", err)
}
