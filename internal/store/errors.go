package store

import (
	"fmt"
	"strings"
)

// ErrorKind is the machine-readable classification of a store failure.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindInvalidParent      ErrorKind = "invalid_parent"
	KindNoPreviousSibling  ErrorKind = "no_previous_sibling"
	KindAlreadyAtRoot      ErrorKind = "already_at_root"
	KindPrecisionExhausted ErrorKind = "precision_exhausted"
	KindConflict           ErrorKind = "conflict"
	KindIOFailure          ErrorKind = "io_failure"
	KindCycleDetected      ErrorKind = "cycle_detected"
)

// Error is the typed failure every store operation reports. It carries the
// kind, the affected entity id when one exists, and a human-readable message.
// Underlying database and filesystem errors are translated at the store
// boundary and kept only as the wrapped cause.
type Error struct {
	Kind   ErrorKind
	Entity string
	Msg    string
	cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Entity != "" {
		fmt.Fprintf(&b, " (entity %s)", e.Entity)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches against the bare per-kind sentinels below, so callers can write
// errors.Is(err, store.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Entity == "" && t.Msg == ""
}

// Sentinels for errors.Is matching.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidParent      = &Error{Kind: KindInvalidParent}
	ErrNoPreviousSibling  = &Error{Kind: KindNoPreviousSibling}
	ErrAlreadyAtRoot      = &Error{Kind: KindAlreadyAtRoot}
	ErrPrecisionExhausted = &Error{Kind: KindPrecisionExhausted}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrIOFailure          = &Error{Kind: KindIOFailure}
	ErrCycleDetected      = &Error{Kind: KindCycleDetected}
)

func newErr(kind ErrorKind, entity, msg string) *Error {
	return &Error{Kind: kind, Entity: entity, Msg: msg}
}

// translateErr maps database errors to the typed kinds. Constraint
// violations become Conflict; everything else is an IOFailure.
func translateErr(err error, entity string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	kind := KindIOFailure
	msg := "database error"
	if strings.Contains(err.Error(), "constraint") || strings.Contains(err.Error(), "UNIQUE") {
		kind = KindConflict
		msg = "constraint violation"
	}
	return &Error{Kind: kind, Entity: entity, Msg: msg, cause: err}
}
