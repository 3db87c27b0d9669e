package domain

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUpstream        = errors.New("upstream failure")
	ErrInternal        = errors.New("internal error")
)

// Handler error codes. BPMN error boundary events route on these, so
// they are part of the process contract.
const (
	CodeRemoteCommandFailed = "RemoteCommandFailed"
	CodeRemoteTimeout       = "RemoteTimeout"
	CodeIncompleteRunbot    = "IncompleteRunbot"
	CodeHTTPError           = "HttpError"
	CodeValidationError     = "ValidationError"
	CodeHandlerError        = "HandlerError"
)

// HandlerError is a handler failure carrying a stable code for error
// boundary routing.
type HandlerError struct {
	Code    string
	Message string
	Err     error
}

func (e *HandlerError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *HandlerError) Unwrap() error { return e.Err }

// NewHandlerError builds a coded failure with a formatted message.
func NewHandlerError(code, format string, args ...any) *HandlerError {
	return &HandlerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapHandlerError attaches a code to an underlying error.
func WrapHandlerError(code string, err error) *HandlerError {
	return &HandlerError{Code: code, Err: err}
}

// CodeOf extracts the error code from err, unwrapping as needed.
// Errors without a code map to the generic HandlerError code.
func CodeOf(err error) string {
	var he *HandlerError
	if errors.As(err, &he) && he.Code != "" {
		return he.Code
	}
	return CodeHandlerError
}

// Truncate shortens s to at most n bytes without splitting a rune.
// Engine error payloads cap messages at 500 bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
