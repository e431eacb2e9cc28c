package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("queue stopped")
	ErrEmptyPostID = errors.New("queue: empty post id")
)

// NoRetry marks an error as non-retryable.
//
// Executors wrap validation, authorization and not-found failures with NoRetry
// so the job is dropped instead of rescheduled:
//
//	return queue.NoRetry(fmt.Errorf("post %s: %w", id, storage.ErrNotFound))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay (e.g. from an HTTP 429) to err.
// The backoff honours the hint but never exceeds Config.BackoffMax.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

func retryHint(err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}
