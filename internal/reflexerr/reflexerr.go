// Package reflexerr defines the error kinds shared across the cache tiers.
// Tier adapters wrap the underlying cause with one of these kinds so the
// orchestrator can decide whether a failure is tier-local (contained) or
// whole-tier (degrade to empty) without string-matching errors.
package reflexerr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a Reflex error, independent of the
// concrete Go type that carries it.
type Kind string

const (
	ConfigInvalid      Kind = "ConfigInvalid"
	StorageUnavailable Kind = "StorageUnavailable"
	StorageCorrupt     Kind = "StorageCorrupt"
	EmbedFailed        Kind = "EmbedFailed"
	IndexUnavailable   Kind = "IndexUnavailable"
	RerankerFailed     Kind = "RerankerFailed"
	Canceled           Kind = "Canceled"
	UpstreamFailed     Kind = "UpstreamFailed"
	EmptyQuery         Kind = "EmptyQuery"
)

// Error pairs a Kind with the underlying cause.
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

// New wraps err with a Kind and the operation name that observed it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var re *Error
		if !errors.As(err, &re) {
			return false
		}
		if re.Kind == kind {
			return true
		}
		err = re.Err
	}
	return false
}
