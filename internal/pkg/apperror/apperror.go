package apperror

import (
	"errors"
	"net/http"
)

// Kind classifies an error independently of the transport that reports it.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindSlotConflict      Kind = "slot_conflict"
	KindInvalidTransition Kind = "invalid_transition"
	KindUnavailable       Kind = "unavailable"
	KindForbidden         Kind = "forbidden"
	KindInternal          Kind = "internal"
)

var kindStatus = map[Kind]int{
	KindValidation:        http.StatusBadRequest,
	KindNotFound:          http.StatusNotFound,
	KindSlotConflict:      http.StatusConflict,
	KindInvalidTransition: http.StatusConflict,
	KindUnavailable:       http.StatusUnprocessableEntity,
	KindForbidden:         http.StatusForbidden,
	KindInternal:          http.StatusInternalServerError,
}

// AppError is a custom error type that includes a kind, the HTTP status code derived from it
// and an optional underlying error.
type AppError struct {
	Kind    Kind
	Code    int    // HTTP Status Code (e.g., 400, 404)
	Message string // User-facing error message
	Err     error  // The underlying error, if any (not exposed to user)
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    statusOf(kind),
		Message: message,
	}
}

// Wrap creates a new AppError wrapping an existing error.
// errors.Is matches both the new error and err.
func Wrap(err error, kind Kind, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    statusOf(kind),
		Message: message,
		Err:     err,
	}
}

// KindOf returns the kind of the first AppError in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func statusOf(kind Kind) int {
	if code, ok := kindStatus[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}
