package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// TransientError is a provider failure worth retrying: timeouts, 429 and 5xx.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error (%s): %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a provider failure that retrying cannot fix, such as
// bad credentials or an invalid request.
type PermanentError struct {
	Provider string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent provider error (%s): %v", e.Provider, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Classify wraps err as a TransientError or PermanentError. Cancellation is
// returned unchanged so callers can tell a stop from a failure.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}

	var transient *TransientError
	var permanent *PermanentError
	if errors.As(err, &transient) || errors.As(err, &permanent) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Provider: provider, Err: err}
	}

	if status, ok := statusCode(err); ok {
		if retryableStatus(status) {
			return &TransientError{Provider: provider, Err: err}
		}
		return &PermanentError{Provider: provider, Err: err}
	}

	// Network errors and dropped streams are retried
	return &TransientError{Provider: provider, Err: err}
}

// IsTransient reports whether err was classified as transient.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsPermanent reports whether err was classified as permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

func statusCode(err error) (int, bool) {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode, true
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode, true
	}
	return 0, false
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status == http.StatusConflict:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
