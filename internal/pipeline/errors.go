package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/api/googleapi"
)

// Class categorizes a failure for retry and reporting decisions.
type Class string

const (
	// ClassTransient failures (timeouts, rate limits, flaky network)
	// are retried with backoff.
	ClassTransient Class = "transient"
	// ClassPermanent failures are never retried.
	ClassPermanent Class = "permanent"
	// ClassUnsupportedInput marks zero-byte files and content kinds the
	// pipeline cannot process.
	ClassUnsupportedInput Class = "unsupported_input"
	// ClassMalformedResponse marks extractor output that could not be
	// parsed into a receipt.
	ClassMalformedResponse Class = "malformed_response"
	// ClassNotFound marks a file the source no longer has.
	ClassNotFound Class = "not_found"
	// ClassAccessDenied marks auth and permission failures.
	ClassAccessDenied Class = "access_denied"
	// ClassQuotaExceeded marks quota exhaustion past the retry budget.
	ClassQuotaExceeded Class = "quota_exceeded"
	// ClassTrackingUnavailable marks a processed-file store write that
	// failed, losing the dedup signal for this file.
	ClassTrackingUnavailable Class = "tracking_unavailable"
	// ClassBatchTimeout marks files that never reached a terminal state
	// before the batch was cancelled or timed out.
	ClassBatchTimeout Class = "incomplete_batch_timeout"
)

// Retryable reports whether failures of this class should be retried.
func (c Class) Retryable() bool {
	return c == ClassTransient
}

// ClassifiedError attaches a failure class to an underlying error.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// WithClass wraps err with an explicit failure class.
func WithClass(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// Transientf formats a retryable error.
func Transientf(format string, args ...any) error {
	return &ClassifiedError{Class: ClassTransient, Err: fmt.Errorf(format, args...)}
}

// Permanentf formats a non-retryable error.
func Permanentf(format string, args ...any) error {
	return &ClassifiedError{Class: ClassPermanent, Err: fmt.Errorf(format, args...)}
}

// ClassOf derives the failure class of err. Explicitly classified
// errors win; Google API errors map by HTTP status the same way the
// sheets client retries (429/503 retryable, other client errors not);
// anything unrecognized is treated as transient and left to the retry
// budget.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	var ge *googleapi.Error
	if errors.As(err, &ge) {
		switch {
		case ge.Code == 404:
			return ClassNotFound
		case ge.Code == 401 || ge.Code == 403:
			return ClassAccessDenied
		case ge.Code == 429 || ge.Code == 503:
			return ClassTransient
		case ge.Code >= 400 && ge.Code < 500:
			return ClassPermanent
		default:
			return ClassTransient
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}

	return ClassTransient
}
