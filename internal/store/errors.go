package store

import (
	"errors"
	"fmt"
)

// Kind classifies durable store failures.
type Kind string

const (
	// KindUnavailable means the storage engine could not be opened. It is
	// permanent for the lifetime of the DB value.
	KindUnavailable Kind = "unavailable"
	// KindTransaction covers statement and transaction failures on an open
	// engine.
	KindTransaction Kind = "transaction"
	// KindCodec covers records that could not be encoded or decoded.
	KindCodec Kind = "codec"
)

// Error is the failure type returned by every DB operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors of the same kind, so errors.Is(err,
// ErrUnavailable) works for any unavailable failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrUnavailable = &Error{Kind: KindUnavailable}
	ErrTransaction = &Error{Kind: KindTransaction}
	ErrCodec       = &Error{Kind: KindCodec}
)

// KindOf returns the failure kind of err, or "" when err is nil or foreign.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
