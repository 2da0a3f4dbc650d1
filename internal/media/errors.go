package media

import (
	"errors"
	"fmt"
)

// Cause classifies why local capture is unavailable.
type Cause string

const (
	CausePermissionDenied Cause = "permission-denied"
	CauseNotFound         Cause = "not-found"
	CauseDeviceBusy       Cause = "device-busy"
	CauseUnsupported      Cause = "unsupported"
)

var (
	// ErrNotStarted is returned by operations that require a running source.
	ErrNotStarted = errors.New("media source not started")

	// ErrAlreadySharing is returned when a screen share is already active.
	ErrAlreadySharing = errors.New("screen share already active")

	// ErrOverconstrained signals that the requested constraints could not be
	// satisfied; the source retries once without constraints before giving up.
	ErrOverconstrained = errors.New("capture constraints not satisfiable")
)

// Error is a terminal capture failure, surfaced to the user with a retry
// action. Cause subdivides it for display.
type Error struct {
	Op    string
	Cause Cause
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: media unavailable (%s): %v", e.Op, e.Cause, e.Err)
	}
	return fmt.Sprintf("%s: media unavailable (%s)", e.Op, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unavailable reports whether err is a terminal MediaUnavailable error and,
// if so, its cause.
func Unavailable(err error) (Cause, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Cause, true
	}
	return "", false
}
