package remote

import (
	"errors"
	"fmt"
)

// Kind classifies REST failures.
type Kind string

const (
	// KindNetwork means no response was received.
	KindNetwork Kind = "network"
	// KindStatus means the server answered with a non-2xx status.
	KindStatus Kind = "status"
	// KindDecode means the response body could not be normalized.
	KindDecode Kind = "decode"
)

// Error is returned by every Client call that fails.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindStatus:
		return fmt.Sprintf("remote %s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("remote %s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("remote %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// KindOf returns the failure kind of err, or "" when err is nil or foreign.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuth reports whether err is a 401 or 403 answer.
func IsAuth(err error) bool {
	s := StatusOf(err)
	return s == 401 || s == 403
}
