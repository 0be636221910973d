package greenhouse

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimitExceeded is wrapped by every RateLimitError.
var ErrRateLimitExceeded = errors.New("greenhouse rate limit retries exhausted")

// RateLimitError reports that a request kept receiving 429 past the retry ceiling.
type RateLimitError struct {
	URL      string
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts", ErrRateLimitExceeded, e.URL, e.Attempts)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// FetchError reports that transient failures of a request outlasted the retry policy.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StatusError is a non-retryable HTTP status returned by the API.
type StatusError struct {
	Code   int
	Status string
	Hint   string
}

func (e *StatusError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("bad status: %s (%s)", e.Status, e.Hint)
	}
	return fmt.Sprintf("bad status: %s", e.Status)
}

// transientError marks a single failed attempt that is worth retrying.
type transientError struct {
	status     int
	retryAfter time.Duration
	err        error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }
