package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the backend no longer accepts the auth cookie.
	// Local session state has already been cleared when it is returned.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAntiForgeryExhausted means the request was rejected for a stale
	// anti-forgery token even after one refresh and retry.
	ErrAntiForgeryExhausted = errors.New("anti-forgery token rejected after refresh")
	ErrNetwork              = errors.New("network error")
)

// RequestError is returned by SecureFetch for the failures this layer
// handles itself. Match with errors.Is against the sentinels above.
type RequestError struct {
	StatusCode int
	Body       []byte
	kind       error
	cause      error
}

func (e *RequestError) Error() string {
	msg := e.kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.cause)
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// HTTPError is any other non-2xx response, returned by the JSON helpers.
// What it means is up to the calling page.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}
