// Package txerr defines the error kinds shared by the transaction queue
// components. Call sites wrap one of the sentinels below with context and the
// task runner decides retry policy with KindOf rather than by inspecting
// concrete error types.
package txerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInitialization indicates a bootstrap or configuration fault, for example
	// re-initialising a nonce counter that already exists.
	ErrInitialization = errors.New("txqueue: initialization error")
	// ErrIntegrity indicates a caller-side bug such as double release of a nonce
	// reservation or a duplicate transaction hash.
	ErrIntegrity = errors.New("txqueue: integrity error")
	// ErrLocked is returned when the lock registry refuses an operation.
	ErrLocked = errors.New("txqueue: locked")
	// ErrTransient marks temporary chain or infrastructure failures.
	ErrTransient = errors.New("txqueue: temporary failure")
	// ErrPermanent marks transaction failures that must never be retried.
	ErrPermanent = errors.New("txqueue: permanent transaction failure")
	// ErrStateChange is returned for illegal or lost-race status transitions.
	ErrStateChange = errors.New("txqueue: illegal state change")
	// ErrRoleMissing indicates an account role or signing capability is absent.
	ErrRoleMissing = errors.New("txqueue: role missing")
	// ErrAlreadyFilling indicates a gas refill is already in flight for the
	// recipient.
	ErrAlreadyFilling = errors.New("txqueue: gas refill already in progress")
	// ErrSeppuku signals that processing must halt, e.g. the signer vanished.
	ErrSeppuku = errors.New("txqueue: fatal condition, halting")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("txqueue: not found")
)

// Kind classifies an error for retry and propagation decisions.
type Kind int

const (
	// KindUnknown covers errors that do not wrap a txqueue sentinel.
	KindUnknown Kind = iota
	// KindCaller covers errors the immediate caller must handle: locked,
	// integrity, state change, initialization and not found.
	KindCaller
	// KindTransient covers retryable failures.
	KindTransient
	// KindPermanent covers failures that terminate a transaction's processing.
	KindPermanent
	// KindFatal covers failures that must stop the process.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindCaller:
		return "caller"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Fatal wins over every other kind so that a seppuku
// condition wrapped inside a transient error still halts the worker.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrSeppuku):
		return KindFatal
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrRoleMissing):
		return KindPermanent
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrLocked),
		errors.Is(err, ErrIntegrity),
		errors.Is(err, ErrStateChange),
		errors.Is(err, ErrInitialization),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyFilling):
		return KindCaller
	default:
		return KindUnknown
	}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsPermanent reports whether err terminates the transaction's processing.
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// IsSeppuku reports whether err must propagate to process supervision.
func IsSeppuku(err error) bool { return KindOf(err) == KindFatal }

// Transient wraps err as a temporary failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent wraps err as a permanent failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}
