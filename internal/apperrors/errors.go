// Package apperrors defines the DEBITUM_* error taxonomy shared by the sync
// server and sync client, plus the translation to HTTP status codes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the wire-level string identifiers from spec §4.3/§6.
type Code string

const (
	AuthDeclined           Code = "DEBITUM_AUTH_DECLINED"
	InsufficientPermission Code = "DEBITUM_INSUFFICIENT_WALLET_PERMISSION"
	VersionConflictCode    Code = "DEBITUM_VERSION_CONFLICT"
	IdempotencyMismatch    Code = "DEBITUM_IDEMPOTENCY_BODY_MISMATCH"
	Validation             Code = "DEBITUM_VALIDATION"
	NotFound               Code = "DEBITUM_NOT_FOUND"
	RateLimited            Code = "DEBITUM_RATE_LIMITED"
)

// Kind buckets a Code into one of the five propagation-policy kinds from
// spec §7, so the sync client can decide whether to retry.
type Kind int

const (
	KindTransient Kind = iota
	KindAuthz
	KindConvergent
	KindValidation
	KindFatal
)

// KindOf classifies a Code into its retry kind.
func KindOf(c Code) Kind {
	switch c {
	case AuthDeclined, InsufficientPermission:
		return KindAuthz
	case VersionConflictCode:
		return KindConvergent
	case Validation, IdempotencyMismatch:
		return KindValidation
	case NotFound, RateLimited:
		return KindValidation
	default:
		return KindTransient
	}
}

// Error is a structured, code-tagged error with an HTTP status and optional
// detail map, mirroring the teacher's ServiceError shape.
type Error struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches a detail key/value and returns the receiver for
// chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code Code, message string, status int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

func Wrap(code Code, message string, status int, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Constructors for each taxonomy entry.

func NewAuthDeclined(reason string) *Error {
	return New(AuthDeclined, reason, http.StatusUnauthorized)
}

func NewInsufficientPermission(action string) *Error {
	return New(InsufficientPermission, "user lacks permission for action", http.StatusForbidden).
		WithDetails("action", action)
}

func NewVersionConflict(currentVersion int) *Error {
	return New(VersionConflictCode, "stream version conflict", http.StatusConflict).
		WithDetails("current_version", currentVersion)
}

func NewIdempotencyMismatch(idempotencyKey string) *Error {
	return New(IdempotencyMismatch, "idempotency key reused with a different body", http.StatusConflict).
		WithDetails("idempotency_key", idempotencyKey)
}

func NewValidation(field, reason string) *Error {
	return New(Validation, "validation failed", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func NewNotFound(entity, id string) *Error {
	return New(NotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound).
		WithDetails("id", id)
}

func NewRateLimited() *Error {
	return New(RateLimited, "rate limit exceeded", http.StatusTooManyRequests)
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
