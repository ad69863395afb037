package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants. Components MUST use these constants
// instead of hardcoded strings so that propagation policy (retry, degrade,
// escalate) can key off the code.
const (
	// Fetch pipeline
	ErrCodeFetchUnavailable ErrorCode = "fetch_unavailable"
	ErrCodeFetchDegraded    ErrorCode = "fetch_degraded"
	ErrCodeFetchBadResponse ErrorCode = "fetch_bad_response"

	// Prediction engine
	ErrCodeModelNotFound  ErrorCode = "model_not_found"
	ErrCodeModelLoadError ErrorCode = "model_load_error"
	ErrCodeLowConfidence  ErrorCode = "prediction_low_confidence"

	// Scoring / decision
	ErrCodeStaleSignal          ErrorCode = "stale_signal"
	ErrCodeActionExecution      ErrorCode = "action_execution_failure"
	ErrCodeActionInvalidState   ErrorCode = "action_invalid_state_transition"
	ErrCodeInsufficientFeedback ErrorCode = "insufficient_feedback"

	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidRange ErrorCode = "validation_invalid_time_range"
	ErrCodeValidationInvalidParam ErrorCode = "validation_invalid_parameter"

	// Auth (401/403)
	ErrCodeAuthKeyMissing ErrorCode = "auth_admin_key_missing"
	ErrCodeAuthKeyInvalid ErrorCode = "auth_admin_key_invalid"

	// Not Found (404)
	ErrCodeNotFoundAction     ErrorCode = "not_found_action"
	ErrCodeNotFoundPrediction ErrorCode = "not_found_prediction"
	ErrCodeNotFoundLocation   ErrorCode = "not_found_location"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code for the
// API surface. Returns 500 for unrecognized codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case s == string(ErrCodeAuthKeyMissing):
		return http.StatusUnauthorized
	case s == string(ErrCodeAuthKeyInvalid):
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case s == string(ErrCodeStaleSignal), s == string(ErrCodeActionInvalidState):
		return http.StatusConflict
	case s == string(ErrCodeModelNotFound):
		return http.StatusNotFound
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusBadGateway
	case strings.HasPrefix(s, "upstream_"), strings.HasPrefix(s, "fetch_"):
		return http.StatusBadGateway
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the core.
// All domain errors are expressed as AppError to enable consistent
// formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged
// in, leaving the original untouched.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain
// errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
