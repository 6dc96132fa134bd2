package remote

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error taxonomy and classification
// ---------------------------------------------------------------------------
//
// Every failure out of the client is one of the types below. The queue
// decides retry behavior purely from Classify, never by string matching.

// Class partitions errors into the two retry behaviors.
type Class int

const (
	// Retryable errors (5xx, transport, timeout) re-enter the backoff loop.
	Retryable Class = iota
	// Terminal errors (4xx, auth) surface immediately and consume the task.
	Terminal
)

// NetworkError covers transport failures and timeouts. Always retryable.
type NetworkError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("remote: %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote: %s: %v", e.Op, e.Err)
}
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a 5xx response. Retryable.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("remote: server error %d: %s", e.Status, e.Message)
}

// AuthError is a 401/403 response. Terminal and security-flagged: callers
// must log it as a security event, not a plumbing failure.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("remote: auth rejected (%d): %s", e.Status, e.Message)
}

// RequestError is any other 4xx response. Terminal.
type RequestError struct {
	Status  int
	Message string
	Code    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("remote: request rejected (%d, code %q): %s", e.Status, e.Code, e.Message)
}

// Classify maps an error to its retry class. Unknown errors are treated as
// retryable: a misclassified transient beats a silently dropped write.
func Classify(err error) Class {
	var authErr *AuthError
	var reqErr *RequestError
	switch {
	case errors.As(err, &authErr), errors.As(err, &reqErr):
		return Terminal
	default:
		return Retryable
	}
}

// PushFailure reports an exhausted push task with its full context: the
// original request, how many attempts ran, and every error seen, never just
// the final one.
type PushFailure struct {
	Key      string
	Value    string
	Attempts int
	History  []error
}

func (e *PushFailure) Error() string {
	last := "unknown"
	if n := len(e.History); n > 0 {
		last = e.History[n-1].Error()
	}
	return fmt.Sprintf("remote: push %q failed after %d attempts: %s", e.Key, e.Attempts, last)
}

// Unwrap exposes the attempt history to errors.Is/As.
func (e *PushFailure) Unwrap() []error { return e.History }
