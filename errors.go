package cmsync

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the pipeline wraps one of these so
// callers can branch with errors.Is.
var (
	// ErrConfig marks configuration problems detected before any I/O.
	ErrConfig = errors.New("config error")
	// ErrNetwork marks remote reads that failed after exhausting retries.
	ErrNetwork = errors.New("network error")
	// ErrIO marks local filesystem failures.
	ErrIO = errors.New("io error")
	// ErrMalformedPost marks remote posts that cannot be mapped to a document.
	ErrMalformedPost = errors.New("malformed post")

	// ErrMissingAPIKey is returned by Run when no API credential is configured.
	ErrMissingAPIKey = fmt.Errorf("%w: %s is not set", ErrConfig, EnvAPIKey)
)

// HTTPStatusError reports a non-2xx response from the remote side.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
