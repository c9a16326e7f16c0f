package httputil

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/mailgate/internal/domain"
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// ErrorBody is the inner object of the standard error envelope.
type ErrorBody struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	RequestID string       `json:"requestId,omitempty"`
	Timestamp string       `json:"timestamp"`
	Details   []FieldError `json:"details,omitempty"`
}

// ErrorResponse is the standard error envelope for all API errors.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// JSON writes a JSON response with the given status code. The data is
// serialized and Content-Type is set automatically.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[httputil] JSON encode error: %v", err)
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Accepted writes a 202 response with the given data.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, data)
}

// Created writes a 201 response with the given data.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes the error envelope with an explicit code.
func Error(w http.ResponseWriter, status int, code, message, requestID string, details ...FieldError) {
	JSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   details,
	}})
}

// FromError maps a taxonomy error onto the envelope. Non-taxonomy errors
// become a generic 500 without leaking internals.
func FromError(w http.ResponseWriter, requestID string, err error) {
	var de *domain.Error
	if errors.As(err, &de) && de.HTTPStatus != 0 {
		if de.HTTPStatus == http.StatusTooManyRequests || de.HTTPStatus == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		Error(w, de.HTTPStatus, de.Code, de.Message, requestID)
		return
	}
	InternalError(w, requestID, err)
}

// BadRequest writes a 400 VALIDATION_ERROR with optional field details.
func BadRequest(w http.ResponseWriter, requestID, message string, details ...FieldError) {
	Error(w, http.StatusBadRequest, domain.CodeValidationError, message, requestID, details...)
}

// NotFound writes a 404 error.
func NotFound(w http.ResponseWriter, requestID, message string) {
	Error(w, http.StatusNotFound, "NOT_FOUND", message, requestID)
}

// Unauthorized writes a 401 error.
func Unauthorized(w http.ResponseWriter, requestID, message string) {
	Error(w, http.StatusUnauthorized, domain.CodeUnauthorized, message, requestID)
}

// Forbidden writes a 403 error.
func Forbidden(w http.ResponseWriter, requestID, message string) {
	Error(w, http.StatusForbidden, domain.CodeForbidden, message, requestID)
}

// TooManyRequests writes a 429 with a Retry-After hint.
func TooManyRequests(w http.ResponseWriter, requestID, message string, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
	}
	Error(w, http.StatusTooManyRequests, domain.CodeRateLimitExceeded, message, requestID)
}

// ServiceUnavailable writes a 503 with a Retry-After hint.
func ServiceUnavailable(w http.ResponseWriter, requestID, message string, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
	}
	Error(w, http.StatusServiceUnavailable, domain.CodeServiceUnavail, message, requestID)
}

// InternalError writes a 500 error. Logs the real error but returns a
// generic message to the client (never leak internals).
func InternalError(w http.ResponseWriter, requestID string, err error) {
	log.Printf("[httputil] internal error: %v", err)
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", requestID)
}

// Decode reads JSON from the request body into dst.
// Returns false and writes an error response if parsing fails. Oversized
// bodies (cut off by http.MaxBytesReader upstream) map to 413.
func Decode(w http.ResponseWriter, r *http.Request, requestID string, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, domain.CodePayloadTooLarge,
				"request body exceeds limit", requestID)
			return false
		}
		BadRequest(w, requestID, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
