package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionExpired = errors.New("session expired")
	ErrNetwork        = errors.New("network error")
	ErrValidation     = errors.New("validation failed")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrServer         = errors.New("server error")
	ErrConflict       = errors.New("conflict")

	ErrNotLoggedIn   = errors.New("not logged in")
	ErrTokenNotFound = errors.New("token not found")
)

type ErrorKind string

const (
	KindSessionExpired ErrorKind = "session_expired"
	KindNetwork        ErrorKind = "network"
	KindValidation     ErrorKind = "validation"
	KindForbidden      ErrorKind = "forbidden"
	KindNotFound       ErrorKind = "not_found"
	KindServer         ErrorKind = "server"
	KindConflict       ErrorKind = "conflict"
)

var kindSentinels = map[ErrorKind]error{
	KindSessionExpired: ErrSessionExpired,
	KindNetwork:        ErrNetwork,
	KindValidation:     ErrValidation,
	KindForbidden:      ErrForbidden,
	KindNotFound:       ErrNotFound,
	KindServer:         ErrServer,
	KindConflict:       ErrConflict,
}

// APIError is the normalized form of every failed call made through the
// gateway. Details carries field-level validation messages when the server
// sends them.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Status > 0 && e.Code != "":
		return fmt.Sprintf("%s: http %d %s: %s", e.Kind, e.Status, e.Code, msg)
	case e.Status > 0:
		return fmt.Sprintf("%s: http %d: %s", e.Kind, e.Status, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *APIError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// KindForStatus maps a non-2xx HTTP status to the error taxonomy. 401 is
// handled by the gateway before this is consulted.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 401:
		return KindSessionExpired
	case status == 403:
		return KindForbidden
	case status == 404:
		return KindNotFound
	case status == 409:
		return KindConflict
	case status >= 500:
		return KindServer
	default:
		return KindValidation
	}
}

// Retryable reports whether a caller may reasonably retry the failed call.
// Validation, authorization and conflict failures never are.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServer)
}
