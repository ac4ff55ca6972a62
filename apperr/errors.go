// Package apperr defines the error taxonomy shared by the lead services and
// the HTTP layer. Every failure that reaches a caller carries a Kind and a
// stable machine-readable code.
package apperr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindInvalidRequest        Kind = "invalid_request"
	KindUnauthorized          Kind = "unauthorized"
	KindForbidden             Kind = "forbidden"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindInternal              Kind = "internal"
)

// Error codes, format ERR_<DESCRIPTION>.
const (
	CodeValidation          = "ERR_VALIDATION"
	CodeUnauthorized        = "ERR_UNAUTHORIZED"
	CodeNotSeller           = "ERR_NOT_SELLER"
	CodeNotOwner            = "ERR_NOT_OWNER"
	CodeNotFound            = "ERR_NOT_FOUND"
	CodeRequirementNotFound = "ERR_REQUIREMENT_NOT_FOUND"
	CodeSellerNotFound      = "ERR_SELLER_NOT_FOUND"
	CodeRequirementClosed   = "ERR_REQUIREMENT_CLOSED"
	CodeAlreadyContacted    = "ERR_ALREADY_CONTACTED"
	CodeIdentityUnavailable = "ERR_IDENTITY_UNAVAILABLE"
	CodeInternal            = "ERR_INTERNAL"
)

// Error is a classified failure. Sentinels are declared with New; Wrap
// attaches a cause while keeping errors.Is(err, sentinel) true.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(e *Error, cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code && t.Message == e.Message
}

// Resolve returns the classified error inside err, or an Internal error
// wrapping err when nothing in the chain is classified.
func Resolve(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Resolve(err).Kind
}

// HTTPStatus maps a Kind onto the status code exposed to callers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func InvalidRequest(message string) *Error {
	return New(KindInvalidRequest, CodeValidation, message)
}
