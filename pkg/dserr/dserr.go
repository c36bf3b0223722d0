package dserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error per spec §7.
type Kind int

const (
	// Recoverable errors (KV backpressure, transient iterator failure,
	// a timeout waiting on another shard) may be retried by the caller
	// with the same arguments.
	Recoverable Kind = iota
	// Unrecoverable errors (schema mismatch, corrupt key, missing static
	// key) must be surfaced to the caller's own consumer; the affected
	// iterator must not be reused.
	Unrecoverable
	// NotFound covers drops of an already-dropped generation, lookups
	// at a timestamp with no entry, or filters matching no learned
	// shape. These are normal results, not errors, but are represented
	// here so callers can treat them uniformly with errors.As.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Recoverable:
		return "recoverable"
	case Unrecoverable:
		return "unrecoverable"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind.
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

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Recoverablef builds a Recoverable error.
func Recoverablef(op string, err error) error { return newErr(Recoverable, op, err) }

// Unrecoverablef builds an Unrecoverable error.
func Unrecoverablef(op string, err error) error { return newErr(Unrecoverable, op, err) }

// NotFoundf builds a NotFound error.
func NotFoundf(op string, err error) error { return newErr(NotFound, op, err) }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound is a convenience wrapper around Is(err, NotFound).
func IsNotFound(err error) bool { return Is(err, NotFound) }

// IsRecoverable is a convenience wrapper around Is(err, Recoverable).
func IsRecoverable(err error) bool { return Is(err, Recoverable) }

// IsUnrecoverable is a convenience wrapper around Is(err, Unrecoverable).
func IsUnrecoverable(err error) bool { return Is(err, Unrecoverable) }

// Sentinel errors for conditions named directly in the spec.
var (
	ErrPreconditionsUnsupported = errors.New("layout does not support preconditions")
	ErrStaticKeyNotFound        = errors.New("static key not found in trie")
	ErrIteratorShapeMismatch    = errors.New("message key does not belong to this iterator's shape")
	ErrGenerationDropped        = errors.New("generation has been dropped")
)
