package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrSkipItem signals that an item should be recorded as skipped rather than
// failed, e.g. when no mapping exists for it. Jobs return it (wrapped or not)
// from their process func.
var ErrSkipItem = errors.New("item skipped")

// ErrorClass classifies a request failure for retry decisions.
type ErrorClass string

// The closed set of error classes. Anything not explicitly classified is
// treated as fatal (fail closed).
const (
	ClassTransient   ErrorClass = "transient"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassFatal       ErrorClass = "fatal"
)

// ClassifiedError carries the retry classification for a failed request.
// RetryAfter is non-zero only when the vendor sent an explicit hint with a
// rate-limit response.
type ClassifiedError struct {
	Class      ErrorClass
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable network-level failure.
func Transient(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// RateLimited wraps err as a throttling failure, with an optional retry-after
// hint (zero means no hint was provided).
func RateLimited(retryAfter time.Duration, err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassRateLimited, RetryAfter: retryAfter, Err: err}
}

// Fatal wraps err as a non-retryable failure.
func Fatal(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassFatal, Err: err}
}

// FromStatus maps an HTTP status code to a classified error. 5xx and 408 are
// transient, 429 is rate-limited (carrying the Retry-After hint when present),
// all other 4xx are fatal. It returns nil for non-error statuses.
func FromStatus(code int, retryAfter time.Duration, err error) *ClassifiedError {
	switch {
	case code == 429:
		return &ClassifiedError{Class: ClassRateLimited, StatusCode: code, RetryAfter: retryAfter, Err: err}
	case code >= 500, code == 408:
		return &ClassifiedError{Class: ClassTransient, StatusCode: code, Err: err}
	case code >= 400:
		return &ClassifiedError{Class: ClassFatal, StatusCode: code, Err: err}
	default:
		return nil
	}
}

// Classify resolves an arbitrary error to a ClassifiedError. Errors that are
// already classified pass through. Network timeouts and connection failures
// are transient; context cancellation and anything unrecognized are fatal.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.Canceled) {
		return Fatal(err)
	}
	// Per-call timeouts (deadline exceeded, net.Error timeouts) are retryable;
	// only explicit cancellation is terminal.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient(err)
	}
	return Fatal(err)
}
