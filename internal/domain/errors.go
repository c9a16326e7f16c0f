package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory groups failure codes for retry decisions and metrics.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "VALIDATION"
	CategoryPermanent     ErrorCategory = "PERMANENT"
	CategoryConfiguration ErrorCategory = "CONFIGURATION"
	CategoryQuota         ErrorCategory = "QUOTA"
	CategoryTransient     ErrorCategory = "TRANSIENT"
	CategoryTimeout       ErrorCategory = "TIMEOUT"
)

// Error codes. Client-facing codes carry an HTTP status; worker-side codes
// surface only through email_logs and the events timeline.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeInvalidEmail      = "INVALID_EMAIL"
	CodeInvalidTemplate   = "INVALID_TEMPLATE"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeConflict          = "CONFLICT"
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavail    = "SERVICE_UNAVAILABLE"

	CodeOutboxNotFound    = "OUTBOX_NOT_FOUND"
	CodeRecipientNotFound = "RECIPIENT_NOT_FOUND"
	CodeSuppressed        = "RECIPIENT_SUPPRESSED"
	CodeDomainUnverified  = "DOMAIN_UNVERIFIED"
	CodeDailyCapExceeded  = "DAILY_CAP_EXCEEDED"
	CodeTTLExpired        = "TTL_EXPIRED"

	CodeProviderRejected    = "PROVIDER_MESSAGE_REJECTED"
	CodeProviderConfig      = "PROVIDER_CONFIG_ERROR"
	CodeProviderThrottling  = "PROVIDER_THROTTLING"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeProviderUnavailable = "PROVIDER_SERVICE_UNAVAILABLE"
	CodeNetworkError        = "NETWORK_ERROR"
	CodeProviderTimeout     = "PROVIDER_TIMEOUT"
	CodeCircuitOpen         = "PROVIDER_CIRCUIT_OPEN"
	CodeUnknown             = "UNKNOWN_ERROR"
)

// Error is a taxonomy-carrying error value. Code and Category drive the
// retry decision; HTTPStatus is zero for worker-only errors.
type Error struct {
	Code       string
	Category   ErrorCategory
	HTTPStatus int
	Retryable  bool
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two taxonomy errors by code, so errors.Is works against the
// sentinel constructors below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// AsError extracts a taxonomy *Error from err, classifying unknown errors
// as UNKNOWN_ERROR (transient, retried, extra logging at the call site).
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Code:      CodeUnknown,
		Category:  CategoryTransient,
		Retryable: true,
		Message:   err.Error(),
		Err:       err,
	}
}

func NewValidationError(code, msg string) *Error {
	if code == "" {
		code = CodeValidationError
	}
	return &Error{Code: code, Category: CategoryValidation, HTTPStatus: http.StatusBadRequest, Message: msg}
}

func NewUnauthorized(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Category: CategoryPermanent, HTTPStatus: http.StatusUnauthorized, Message: msg}
}

func NewForbidden(msg string) *Error {
	return &Error{Code: CodeForbidden, Category: CategoryPermanent, HTTPStatus: http.StatusForbidden, Message: msg}
}

func NewConflict(msg string) *Error {
	return &Error{Code: CodeConflict, Category: CategoryPermanent, HTTPStatus: http.StatusConflict, Message: msg}
}

func NewNotFound(code, msg string) *Error {
	return &Error{Code: code, Category: CategoryPermanent, HTTPStatus: http.StatusNotFound, Message: msg}
}

func NewPayloadTooLarge(msg string) *Error {
	return &Error{Code: CodePayloadTooLarge, Category: CategoryValidation, HTTPStatus: http.StatusRequestEntityTooLarge, Message: msg}
}

func NewRateLimited(msg string) *Error {
	return &Error{Code: CodeRateLimitExceeded, Category: CategoryQuota, HTTPStatus: http.StatusTooManyRequests, Message: msg}
}

func NewServiceUnavailable(msg string, err error) *Error {
	return &Error{Code: CodeServiceUnavail, Category: CategoryTransient, HTTPStatus: http.StatusServiceUnavailable, Retryable: true, Message: msg, Err: err}
}

func NewPermanent(code, msg string, err error) *Error {
	return &Error{Code: code, Category: CategoryPermanent, Message: msg, Err: err}
}

func NewConfiguration(code, msg string, err error) *Error {
	return &Error{Code: code, Category: CategoryConfiguration, Message: msg, Err: err}
}

func NewQuota(code, msg string, err error) *Error {
	return &Error{Code: code, Category: CategoryQuota, Retryable: true, Message: msg, Err: err}
}

func NewTransient(code, msg string, err error) *Error {
	return &Error{Code: code, Category: CategoryTransient, Retryable: true, Message: msg, Err: err}
}

func NewTimeout(code, msg string, err error) *Error {
	return &Error{Code: code, Category: CategoryTimeout, Retryable: true, Message: msg, Err: err}
}
