// Package errs defines the closed set of error kinds the storage engine
// and orchestrator return, and their mapping to HTTP status codes. Only
// Kind Internal is meant to be logged; every other kind is expected
// control flow for the caller to branch on.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error classes named in the spec's error design.
type Kind string

const (
	Unauthenticated Kind = "Unauthenticated"
	Forbidden       Kind = "Forbidden"
	NotFound        Kind = "NotFound"
	InvalidInput    Kind = "InvalidInput"
	InvalidPatch    Kind = "InvalidPatch"
	AlreadyExists   Kind = "AlreadyExists"
	Conflict        Kind = "Conflict"
	Internal        Kind = "Internal"
	Cancelled       Kind = "Cancelled"
)

// status maps every Kind to its HTTP status code, deterministically.
var status = map[Kind]int{
	Unauthenticated: http.StatusUnauthorized,
	Forbidden:       http.StatusForbidden,
	NotFound:        http.StatusNotFound,
	InvalidInput:    http.StatusBadRequest,
	InvalidPatch:    http.StatusBadRequest,
	AlreadyExists:   http.StatusBadRequest,
	Conflict:        http.StatusConflict,
	Internal:        http.StatusInternalServerError,
	Cancelled:       499,
}

// HTTPStatus returns the deterministic HTTP status code for kind.
func HTTPStatus(kind Kind) int {
	if code, ok := status[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Error is the typed error every storage-engine and orchestrator method
// returns. Message is safe to surface to a caller; Detail carries
// optional structured context (e.g. the list of unknown user ids a
// patchAccess call rejected).
type Error struct {
	Kind    Kind
	Message string
	Detail  any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail attaches structured detail to an existing *Error and
// returns it for chaining.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// KindOf extracts the Kind from err, defaulting to Internal for errors
// that were not constructed by this package (e.g. driver errors bubbling
// straight out of the kv engine).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func Unauthenticatedf(format string, args ...any) *Error { return New(Unauthenticated, format, args...) }
func Forbiddenf(format string, args ...any) *Error       { return New(Forbidden, format, args...) }
func NotFoundf(format string, args ...any) *Error        { return New(NotFound, format, args...) }
func InvalidInputf(format string, args ...any) *Error    { return New(InvalidInput, format, args...) }
func InvalidPatchf(format string, args ...any) *Error    { return New(InvalidPatch, format, args...) }
func AlreadyExistsf(format string, args ...any) *Error   { return New(AlreadyExists, format, args...) }
func Internalf(format string, args ...any) *Error        { return New(Internal, format, args...) }
func Cancelledf(format string, args ...any) *Error       { return New(Cancelled, format, args...) }
