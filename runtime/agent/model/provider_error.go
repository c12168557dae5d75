package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies client failures. The loop treats every client failure
// as fatal; the kind is recorded so callers can decide whether to retry the
// whole run.
type ErrorKind string

const (
	// ErrorKindAuth indicates authentication or authorization failures.
	ErrorKindAuth ErrorKind = "auth"
	// ErrorKindInvalidRequest indicates the request was rejected as malformed.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	// ErrorKindRateLimited indicates the provider is throttling requests.
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindUnavailable indicates a transport or 5xx failure.
	ErrorKindUnavailable ErrorKind = "unavailable"
	// ErrorKindProtocol indicates the provider answered with a response the
	// client could not decode.
	ErrorKindProtocol ErrorKind = "protocol"
	// ErrorKindUnknown indicates an unclassified failure.
	ErrorKindUnknown ErrorKind = "unknown"
)

// ClientError is a classified failure returned by a Client.
type ClientError struct {
	// Provider names the backend, for example "openai".
	Provider string
	Kind     ErrorKind
	// HTTPStatus is the provider status code when known.
	HTTPStatus int
	Message    string
	Retryable  bool
	Cause      error
}

// NewClientError builds a ClientError. An empty kind is recorded as
// ErrorKindUnknown.
func NewClientError(provider string, kind ErrorKind, message string, cause error) *ClientError {
	if kind == "" {
		kind = ErrorKindUnknown
	}
	return &ClientError{
		Provider:  provider,
		Kind:      kind,
		Message:   message,
		Retryable: kind == ErrorKindRateLimited || kind == ErrorKindUnavailable,
		Cause:     cause,
	}
}

func (e *ClientError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "client error"
	}
	status := ""
	if e.HTTPStatus > 0 {
		status = fmt.Sprintf(" %d", e.HTTPStatus)
	}
	provider := e.Provider
	if provider == "" {
		provider = "model"
	}
	return fmt.Sprintf("%s %s%s: %s", provider, e.Kind, status, msg)
}

// Unwrap returns the underlying error.
func (e *ClientError) Unwrap() error { return e.Cause }

// KindOf returns the classification of err. Errors that are not ClientErrors
// report ErrorKindUnknown.
func KindOf(err error) ErrorKind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrorKindUnknown
}
