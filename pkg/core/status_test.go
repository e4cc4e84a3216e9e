package core

import (
	"fmt"
	"testing"
)

func TestStatusZeroValueIsOK(t *testing.T) {
	var s Status
	if !s.OK() {
		t.Error("zero Status is not OK")
	}
	if s.Err() != nil {
		t.Errorf("OK().Err() = %v, want nil", s.Err())
	}
	if s.String() != "OK" {
		t.Errorf("OK().String() = %q", s.String())
	}
}

func TestStatusConstructors(t *testing.T) {
	cases := []struct {
		s    Status
		typ  StatusType
		term bool
	}{
		{OK(), StatusOK, true},
		{UnknownError("boom"), StatusUnknownError, true},
		{PreconditionError("not ready"), StatusPreconditionError, true},
		{Aborted("shutting down"), StatusAborted, true},
		{InvalidArgument("bad shape"), StatusInvalidArgument, true},
		{InProgress(), StatusInProgress, false},
	}
	for _, c := range cases {
		if c.s.Type() != c.typ {
			t.Errorf("%v: Type() = %v, want %v", c.s, c.s.Type(), c.typ)
		}
		if c.s.InProgress() == c.term {
			t.Errorf("%v: InProgress() = %v", c.s, c.s.InProgress())
		}
	}
	if got := UnknownError("key %d missing", 7).Reason(); got != "key 7 missing" {
		t.Errorf("Reason() = %q", got)
	}
}

func TestStatusErrorRoundTrip(t *testing.T) {
	orig := PreconditionError("tensor %q already in flight", "grad0")

	err := orig.Err()
	if err == nil {
		t.Fatal("Err() returned nil for a failure")
	}

	got := StatusFromError(err)
	if got.Type() != StatusPreconditionError || got.Reason() != orig.Reason() {
		t.Errorf("StatusFromError(Err()) = %v, want %v", got, orig)
	}

	// Statuses must survive fmt.Errorf wrapping along the way.
	wrapped := fmt.Errorf("pushing tensor: %w", err)
	got = StatusFromError(wrapped)
	if got.Type() != StatusPreconditionError {
		t.Errorf("StatusFromError(wrapped) = %v, want PRECONDITION_ERROR", got)
	}
}

func TestStatusFromPlainError(t *testing.T) {
	got := StatusFromError(fmt.Errorf("connection reset"))
	if got.Type() != StatusUnknownError {
		t.Errorf("StatusFromError(plain) = %v, want UNKNOWN_ERROR", got)
	}
	if got.Reason() != "connection reset" {
		t.Errorf("Reason() = %q", got.Reason())
	}
	if !StatusFromError(nil).OK() {
		t.Error("StatusFromError(nil) is not OK")
	}
}
