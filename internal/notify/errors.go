package notify

import (
	"context"
	"errors"
)

// FatalError marks a delivery failure that retrying cannot fix:
// authentication rejections, malformed destinations, 4xx responses.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the retry engine stops immediately.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err (anywhere in its chain) is a fatal delivery error.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// retryable classifies a send failure. Unclassified errors default to
// transient: timeouts, connection resets and 5xx-style failures all fall
// through here and get retried with backoff.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	// Context cancellation means shutdown, not a provider hiccup.
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
