package engine

import (
	"errors"
	"fmt"
)

// ErrAlertNotFound is returned by operator actions on unknown alert ids.
var ErrAlertNotFound = errors.New("alert not found")

// StoreUnavailableError marks a transient storage failure. Callers retry
// with backoff; per-point failures never abort a batch.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// InvalidTransitionError rejects an alert state change that the
// transition table does not permit. The message carries the current
// state so operators see why the action failed.
type InvalidTransitionError struct {
	AlertID string
	From    Status
	Action  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("alert %s: cannot %s, already %s", e.AlertID, e.Action, e.From)
}

// NotificationError wraps a dispatch failure. It is logged and counted;
// the alert state transition it accompanied stands regardless.
type NotificationError struct {
	AlertID string
	Err     error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify for alert %s: %v", e.AlertID, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }
