// Package fault carries the error taxonomy shared by the ingestion,
// retrieval and drift paths. Transient errors are retried by the queue
// layer; permanent errors terminate a document; consistency violations
// abort the operation outright.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// ErrConsistency marks cross-tenant access or a partial write detected at
// activation time. Callers must abort, never proceed silently.
var ErrConsistency = errors.New("fault: consistency violation")

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient wraps err as a retryable backend failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf formats a retryable backend failure.
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as a terminal input failure that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf formats a terminal input failure.
func Permanentf(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// Consistency wraps err as a consistency violation.
func Consistency(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConsistency, err)
}

// IsPermanent reports whether err is marked terminal.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Context deadline and
// cancellation count as transient so timed-out external calls are nacked,
// not terminal. Unclassified errors default to transient; only an explicit
// Permanent marker stops retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) || errors.Is(err, ErrConsistency) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return true
}

// BackendError identifies which retrieval sub-source failed so the engine
// can degrade that source independently.
type BackendError struct {
	Source string
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("fault: %s backend: %v", e.Source, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Backend wraps err with the failing source name.
func Backend(source string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Source: source, Err: err}
}
