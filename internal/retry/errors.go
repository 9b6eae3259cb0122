package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

var (
	// ErrTimeout is returned when an external call did not finish within the configured timeout.
	ErrTimeout = errors.New("external call timed out")
	// ErrExhausted is returned when every attempt failed with a retryable error. Callers treat it as the
	// upstream being unavailable.
	ErrExhausted = errors.New("external call retries exhausted")
)

// StatusError is an HTTP-style failure reported by an external dependency. Providers return it so the
// retry policy can tell transient server failures from bad requests.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.Code, e.Body)
}

// Retryable reports whether err is worth another attempt: timeouts, server errors, rate limiting and reset
// or refused connections. Everything else, including 4xx responses and cancellation, fails immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
