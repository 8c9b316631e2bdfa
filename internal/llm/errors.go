package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/drfirst/go-priorauth/pkg/circuitbreaker"
)

// StatusError is a non-200 response from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether retrying the same request may succeed.
func (e *StatusError) Transient() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// IsTransient classifies a provider error: rate limits, timeouts, server
// errors, connection failures and an open circuit are transient; bad requests
// and authentication failures are not. Caller cancellation is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// ResultKind tags the outcome of a structured model call.
type ResultKind int

const (
	Success ResultKind = iota
	// ParseError means the provider answered but the output was unusable.
	ParseError
	TransientFailure
	FatalFailure
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case ParseError:
		return "parse_error"
	case TransientFailure:
		return "transient_failure"
	case FatalFailure:
		return "fatal_failure"
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// Retryable reports whether repeating the call may produce a different result.
func (k ResultKind) Retryable() bool {
	return k == ParseError || k == TransientFailure
}

// Classify maps a provider error to TransientFailure or FatalFailure.
func Classify(err error) ResultKind {
	if IsTransient(err) {
		return TransientFailure
	}
	return FatalFailure
}
