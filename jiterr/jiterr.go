// Package jiterr defines the error kinds a compile request can fail with
// and the result codes returned to the host for each compile.
package jiterr

import (
	"errors"
	"fmt"
)

// Kind classifies a compile failure.
type Kind uint8

const (
	KindNone Kind = iota
	KindOutOfMemory
	KindStackOverflow
	KindAborted
	KindInvalidConnection
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindOutOfMemory:
		return "out of memory"
	case KindStackOverflow:
		return "stack overflow"
	case KindAborted:
		return "aborted"
	case KindInvalidConnection:
		return "invalid connection"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	ErrOutOfMemory       = &Error{Kind: KindOutOfMemory}
	ErrStackOverflow     = &Error{Kind: KindStackOverflow}
	ErrAborted           = &Error{Kind: KindAborted}
	ErrInvalidConnection = &Error{Kind: KindInvalidConnection}
)

// Error is a kinded failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrOutOfMemory)
// holds for every out-of-memory error regardless of Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns a kinded error for op, wrapping err (which may be nil).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// OutOfMemory is shorthand for New(KindOutOfMemory, op, err).
func OutOfMemory(op string, err error) *Error {
	return New(KindOutOfMemory, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Throw panics with a kinded error. Backends use it to unwind out of deep
// recursion; the compile boundary recovers it with Recover.
func Throw(kind Kind, op string) {
	panic(New(kind, op, nil))
}

// Recover converts a recovered panic value into an error. Kinded errors
// pass through unchanged; anything else is re-panicked, since it is a
// defect rather than a compile failure.
func Recover(r any) error {
	if r == nil {
		return nil
	}
	if e, ok := r.(*Error); ok {
		return e
	}
	if err, ok := r.(error); ok && KindOf(err) != KindNone {
		return err
	}
	panic(r)
}
