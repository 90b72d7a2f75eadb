package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes coordinator failures; the string values are part of
// the API contract and are returned to clients in the "kind" field.
type ErrorKind string

const (
	KindBadRequest  ErrorKind = "bad_request"
	KindNotFound    ErrorKind = "not_found"
	KindRateLimited ErrorKind = "rate_limited"
	KindOverloaded  ErrorKind = "overloaded"
	KindTooLarge    ErrorKind = "too_large"
	KindExhausted   ErrorKind = "exhausted"
	KindTimeout     ErrorKind = "timeout"
	KindIOFailure   ErrorKind = "io_failure"
	KindCancelled   ErrorKind = "cancelled"
	KindConflict    ErrorKind = "conflict"
)

// CodedError carries an error kind alongside a bounded message
type CodedError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CodedError) Unwrap() error { return e.Err }

// NewError creates a coded error with the given kind and message
func NewError(kind ErrorKind, message string) error {
	return &CodedError{Kind: kind, Message: message}
}

// Errorf creates a coded error with a formatted message
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &CodedError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying error
func WrapError(kind ErrorKind, err error, message string) error {
	return &CodedError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the error kind; uncategorized errors surface as IO failures
func KindOf(err error) ErrorKind {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindIOFailure
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind to the response status code of the API contract
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindBadRequest, KindConflict:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited, KindOverloaded:
		return http.StatusTooManyRequests
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindExhausted:
		return http.StatusInsufficientStorage
	case KindCancelled:
		return http.StatusConflict
	case KindTimeout, KindIOFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
