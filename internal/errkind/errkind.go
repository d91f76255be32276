// Package errkind defines the closed error taxonomy shared across every
// Descartes component, so that the RPC layer can translate any internal
// error into exactly one JSON-RPC error code per kind.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of a fixed set of error categories. New kinds are never
// added ad hoc by a component; each must be accounted for in the RPC
// error-code table.
type Kind string

const (
	Validation        Kind = "validation"
	NotFound          Kind = "not-found"
	Conflict          Kind = "conflict"
	Exhausted         Kind = "exhausted"
	Timeout           Kind = "timeout"
	Cancelled         Kind = "cancelled"
	BackendUnavailable Kind = "backend-unavailable"
	IO                Kind = "io"
	Internal          Kind = "internal"
)

// Error wraps an underlying error with a Kind and the operation that
// produced it, so a single type can flow from any package to the RPC
// translation layer without that layer needing per-package knowledge.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error for op with the given kind, wrapping err.
// err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for the common "fmt.Errorf-then-tag" pattern:
// it formats err with a %w verb under op, then tags the result with kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(kind, op, fmt.Errorf("%s: %w", op, err))
}

// KindOf extracts the Kind carried by err, walking the Unwrap chain.
// Returns Internal if err does not carry a Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
