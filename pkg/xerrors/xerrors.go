/*
Package xerrors formalizes the error-kind taxonomy every shardkeep
component returns at its boundary, so callers can branch on Kind instead
of matching error strings.
*/
package xerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the exhaustive error categories at the core boundary.
type Kind string

const (
	NotFound           Kind = "not_found"
	AlreadyExists      Kind = "already_exists"
	InvalidInput       Kind = "invalid_input"
	Unauthorized       Kind = "unauthorized"
	CryptoFailure      Kind = "crypto_failure"
	TransportRetryable Kind = "transport_retryable"
	TransportTerminal  Kind = "transport_terminal"
	IntegrityFailure   Kind = "integrity_failure"
	Cancelled          Kind = "cancelled"
	ResourceExhausted  Kind = "resource_exhausted"
	Internal           Kind = "internal"
)

// E is a boundary error: an operation name, a kind, and the wrapped
// cause (which may be nil for sentinel-only errors).
type E struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *E) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *E) Unwrap() error {
	return e.Err
}

// New constructs an *E.
func New(op string, kind Kind, err error) *E {
	return &E{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *E; otherwise it returns Internal.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err should feed a Transport retry/backoff
// loop. Only TransportRetryable ever does; IntegrityFailure and
// TransportTerminal are never retried per the propagation policy.
func Retryable(err error) bool {
	return KindOf(err) == TransportRetryable
}
