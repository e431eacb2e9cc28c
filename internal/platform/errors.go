package platform

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrUnsupported   = errors.New("operation not supported")
	ErrNotRegistered = errors.New("no plugin registered")
	ErrDisabled      = errors.New("platform disabled")
)

// Permanent marks err as not worth retrying: authorization failures, content
// the platform rejects, missing resources.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Transient marks err as retryable. retryAfter is the platform's hint, or 0.
func Transient(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	return transientError{err: err, after: retryAfter}
}

// IsPermanent reports whether err was marked with Permanent. Unclassified
// errors count as retryable.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// RetryHint returns the retry delay suggested by the platform, or 0.
func RetryHint(err error) time.Duration {
	var t transientError
	if errors.As(err, &t) {
		return t.after
	}
	return 0
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

type transientError struct {
	err   error
	after time.Duration
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// APIError is a non-2xx answer from a platform API.
type APIError struct {
	Platform ID
	Status   int
	Code     string
	Message  string
	Endpoint string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s api: %s (status %d, code %s, endpoint %s)", e.Platform, msg, e.Status, e.Code, e.Endpoint)
	}
	return fmt.Sprintf("%s api: %s (status %d, endpoint %s)", e.Platform, msg, e.Status, e.Endpoint)
}

// Classify wraps err as transient or permanent. Rate limits, server errors,
// timeouts and network failures are transient; other 4xx answers are
// permanent. Already classified errors pass through.
func Classify(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	var p permanentError
	var t transientError
	if errors.As(err, &p) || errors.As(err, &t) {
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests,
			apiErr.Status == http.StatusRequestTimeout,
			apiErr.Status >= 500:
			return Transient(err, retryAfter)
		case apiErr.Status >= 400:
			return Permanent(err)
		}
	}
	// Network failures, timeouts and anything unrecognised stay retryable.
	return Transient(err, retryAfter)
}
