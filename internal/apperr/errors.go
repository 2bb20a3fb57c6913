package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures so the HTTP layer and callers can decide fatal vs best-effort.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUpstream
	KindAuth
	KindForbidden
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindAuth:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error is the single error type returned by the core services.
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Required []string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports missing or malformed input.
func Validation(code, message string, required ...string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Required: required}
}

// Required is a Validation error for absent fields.
func Required(fields ...string) *Error {
	return &Error{Kind: KindValidation, Code: "missing_required", Message: "missing required fields", Required: fields}
}

// NotFound reports a referenced entity that does not exist.
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// Conflict reports a guarded transition that was refused.
func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// Upstream wraps a collaborator failure.
func Upstream(code string, err error) *Error {
	return &Error{Kind: KindUpstream, Code: code, Message: "upstream call failed", Err: err}
}

// Auth reports a missing or wrong shared secret.
func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Code: "unauthorized", Message: message}
}

// Forbidden reports a disallowed origin or failed bot verification.
func Forbidden(code, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

// RateLimited reports an exhausted token bucket.
func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Code: "rate_limited", Message: "too many requests"}
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope written by the HTTP layer.
type Body struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error"`
	Message  string   `json:"message,omitempty"`
	Required []string `json:"required,omitempty"`
}

// ToBody converts err into a response envelope. Internal errors keep their text out of the body.
func ToBody(err error) Body {
	var e *Error
	if errors.As(err, &e) {
		b := Body{Error: e.Code, Message: e.Message, Required: e.Required}
		if b.Error == "" {
			b.Error = e.Kind.String()
		}
		return b
	}
	return Body{Error: "internal_error", Message: "internal error"}
}
