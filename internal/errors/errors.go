package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeNotFound          ErrorType = "NOT_FOUND"
	ErrorTypeAlreadyExists     ErrorType = "ALREADY_EXISTS"
	ErrorTypeConflict          ErrorType = "CONFLICT"
	ErrorTypeInvalidPath       ErrorType = "INVALID_PATH"
	ErrorTypeInvalidChange     ErrorType = "INVALID_CHANGE"
	ErrorTypeLockAlreadyExists ErrorType = "LOCK_ALREADY_EXISTS"
	ErrorTypeLockNotFound      ErrorType = "LOCK_NOT_FOUND"
	ErrorTypeResolvePending    ErrorType = "RESOLVE_PENDING"
	ErrorTypeEmptyCommit       ErrorType = "EMPTY_COMMIT"
	ErrorTypeValidation        ErrorType = "VALIDATION"
	ErrorTypeStorage           ErrorType = "STORAGE_FAILURE"
	ErrorTypePersistence       ErrorType = "PERSISTENCE_FAILURE"
	ErrorTypeInternal          ErrorType = "INTERNAL"
)

// Error is the typed error returned by every keel package. Expected outcomes
// (not found, already exists, conflict) are reported through Type so callers
// can branch on them without string matching.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports a match on Type, so sentinel values such as ErrNotFound can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Type == e.Type
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	c := *e
	c.Details = details
	return &c
}

// Sentinels for errors.Is. They carry no message and match any error of the
// same type.
var (
	ErrNotFound          = &Error{Type: ErrorTypeNotFound}
	ErrAlreadyExists     = &Error{Type: ErrorTypeAlreadyExists}
	ErrConflict          = &Error{Type: ErrorTypeConflict}
	ErrInvalidPath       = &Error{Type: ErrorTypeInvalidPath}
	ErrInvalidChange     = &Error{Type: ErrorTypeInvalidChange}
	ErrLockAlreadyExists = &Error{Type: ErrorTypeLockAlreadyExists}
	ErrLockNotFound      = &Error{Type: ErrorTypeLockNotFound}
	ErrResolvePending    = &Error{Type: ErrorTypeResolvePending}
	ErrEmptyCommit       = &Error{Type: ErrorTypeEmptyCommit}
	ErrValidation        = &Error{Type: ErrorTypeValidation}
	ErrStorage           = &Error{Type: ErrorTypeStorage}
	ErrPersistence       = &Error{Type: ErrorTypePersistence}
)

func newError(t ErrorType, code int, format string, args ...any) *Error {
	return &Error{
		Type:    t,
		Message: fmt.Sprintf(format, args...),
		Code:    code,
	}
}

func NotFound(format string, args ...any) *Error {
	return newError(ErrorTypeNotFound, http.StatusNotFound, format, args...)
}

func AlreadyExists(format string, args ...any) *Error {
	return newError(ErrorTypeAlreadyExists, http.StatusConflict, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(ErrorTypeConflict, http.StatusConflict, format, args...)
}

func InvalidPath(format string, args ...any) *Error {
	return newError(ErrorTypeInvalidPath, http.StatusBadRequest, format, args...)
}

func InvalidChange(format string, args ...any) *Error {
	return newError(ErrorTypeInvalidChange, http.StatusUnprocessableEntity, format, args...)
}

// LockAlreadyExists reports a lock collision; existing is attached as details
// so the caller can tell who holds it.
func LockAlreadyExists(existing any, format string, args ...any) *Error {
	e := newError(ErrorTypeLockAlreadyExists, http.StatusLocked, format, args...)
	e.Details = existing
	return e
}

func LockNotFound(format string, args ...any) *Error {
	return newError(ErrorTypeLockNotFound, http.StatusNotFound, format, args...)
}

func ResolvePending(format string, args ...any) *Error {
	return newError(ErrorTypeResolvePending, http.StatusConflict, format, args...)
}

func EmptyCommit(format string, args ...any) *Error {
	return newError(ErrorTypeEmptyCommit, http.StatusUnprocessableEntity, format, args...)
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusBadRequest,
		Details: details,
	}
}

// Storage wraps a blob storage failure. The cause is kept for errors.Is/As but
// is not interpreted further.
func Storage(err error, format string, args ...any) *Error {
	e := newError(ErrorTypeStorage, http.StatusServiceUnavailable, format, args...)
	e.cause = err
	return e
}

// Persistence wraps an index (database) failure.
func Persistence(err error, format string, args ...any) *Error {
	e := newError(ErrorTypePersistence, http.StatusServiceUnavailable, format, args...)
	e.cause = err
	return e
}

func Internal(err error, format string, args ...any) *Error {
	e := newError(ErrorTypeInternal, http.StatusInternalServerError, format, args...)
	e.cause = err
	return e
}

// Wrap prefixes the message of a typed error while keeping its type. Untyped
// errors become internal errors.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	prefix := fmt.Sprintf(format, args...)
	var e *Error
	if stderrors.As(err, &e) {
		c := *e
		c.Message = prefix + ": " + e.Message
		return &c
	}
	return Internal(err, "%s", prefix)
}

// TypeOf returns the type of the first typed error in err's chain, or
// ErrorTypeInternal.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

func IsType(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// StatusCode maps err to the HTTP status used by the API.
func StatusCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return http.StatusInternalServerError
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func New(text string) error {
	return stderrors.New(text)
}
