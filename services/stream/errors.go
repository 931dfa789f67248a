package stream

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers. Admission, validation and plan-build
// failures are returned synchronously from Start/Replace; process-lifecycle
// failures show up asynchronously as a Failed session state.
var (
	ErrNotFound            = errors.New("not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrCapacityExceeded    = errors.New("too many active sessions")
	ErrIncompatibleOptions = errors.New("incompatible options")
	ErrEncodeStartupFailed = errors.New("encoder failed to start producing output")
	ErrEncodeRuntimeFailed = errors.New("encoder died mid-stream")
)

// PlanError wraps a plan-build failure with the offending request field.
type PlanError struct {
	Field string
	Err   error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("plan: %s: %v", e.Field, e.Err)
}

func (e *PlanError) Unwrap() error { return e.Err }
