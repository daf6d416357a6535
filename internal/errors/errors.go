package errors

import (
	"errors"
	"fmt"
)

// Code identifies an error condition surfaced by the proxy
type Code string

const (
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeCreateFailed    Code = "CREATE_FAILED"
	CodeSessionTimeout  Code = "SESSION_TIMEOUT"
	CodeProxyTransport  Code = "PROXY_TRANSPORT"
	CodeCapacity        Code = "CAPACITY"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Error carries a code, a human message and an optional cause
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new coded error
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps err with a code and message
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// Is reports whether any error in err's chain carries code
func Is(err error, code Code) bool {
	return GetCode(err) == code
}

// GetCode extracts the first code in err's chain, CodeInternal for foreign errors
func GetCode(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// SessionNotFound is returned for requests addressing an unknown session
func SessionNotFound(id string) *Error {
	return New(CodeSessionNotFound, fmt.Sprintf("session %s not found", id)).
		WithDetail("sessionId", id)
}

// CreateFailed is returned once the create retry budget is exhausted
func CreateFailed(retries int, cause error) *Error {
	return Wrap(cause, CodeCreateFailed,
		fmt.Sprintf("exception creating session in remote browser (num retries %d)", retries)).
		WithDetail("retries", retries)
}

// SessionTimeout reports an idle session that was reaped
func SessionTimeout(id string, seconds int) *Error {
	return New(CodeSessionTimeout,
		fmt.Sprintf("timeout of %d seconds in session %s", seconds, id)).
		WithDetail("sessionId", id).
		WithDetail("timeout", seconds)
}

// InvalidRequest reports a malformed inbound payload
func InvalidRequest(reason string, cause error) *Error {
	return Wrap(cause, CodeInvalidRequest, reason)
}

// As returns the first coded error in err's chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
