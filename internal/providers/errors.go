package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy. Stages map these onto material outcomes: retryable errors
// are retried inside the client, recoverable errors fall the material back to
// its previous reviewable step, fatal errors and timeouts fail it.
var (
	ErrRetryable   = errors.New("provider request failed transiently")
	ErrRecoverable = errors.New("provider temporarily unavailable")
	ErrFatal       = errors.New("provider rejected request")
	ErrTimeout     = errors.New("provider deadline exceeded")
)

// IsRecoverable reports whether the material can continue without the
// provider's result.
func IsRecoverable(err error) bool { return errors.Is(err, ErrRecoverable) }

// IsFatal reports whether the error should fail the material.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal) || errors.Is(err, ErrTimeout)
}

// classifyStatus wraps an HTTP error status in the taxonomy. Client errors
// are fatal (retrying the same payload cannot help); rate limits and server
// errors are retryable.
func classifyStatus(status int, body string) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusRequestEntityTooLarge,
		http.StatusUnprocessableEntity:
		return fmt.Errorf("status %d: %s: %w", status, body, ErrFatal)
	default:
		return fmt.Errorf("status %d: %s: %w", status, body, ErrRetryable)
	}
}

// wrapTransport converts transport failures, folding context deadlines into
// ErrTimeout.
func wrapTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}
	return fmt.Errorf("%v: %w", err, ErrRetryable)
}

// exhausted marks a retry budget as spent. Retryable errors harden into
// fatal ones once no retries remain.
func exhausted(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRetryable) {
		return fmt.Errorf("retries exhausted: %w", errors.Join(err, ErrFatal))
	}
	return err
}
