package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable machine-readable error codes surfaced in the response envelope.
const (
	CodeValidationError       = "VALIDATION_ERROR"
	CodeInvalidCredentials    = "INVALID_CREDENTIALS"
	CodeMFARequired           = "MFA_REQUIRED"
	CodeInvalidMFACode        = "INVALID_MFA_CODE"
	CodeTokenExpired          = "TOKEN_EXPIRED"
	CodeInvalidToken          = "INVALID_TOKEN"
	CodeVerificationFailed    = "VERIFICATION_FAILED"
	CodeRefreshTokenExpired   = "REFRESH_TOKEN_EXPIRED"
	CodeInvalidRefreshToken   = "INVALID_REFRESH_TOKEN"
	CodeInvalidTokenType      = "INVALID_TOKEN_TYPE"
	CodeEmailAlreadyExists    = "EMAIL_ALREADY_EXISTS"
	CodeUsernameAlreadyExists = "USERNAME_ALREADY_EXISTS"
	CodeForbidden             = "FORBIDDEN"
	CodeLastAdmin             = "LAST_ADMIN"
	CodeNotFound              = "NOT_FOUND"
	CodeInternalError         = "INTERNAL_ERROR"
)

// AppError carries a stable code and HTTP status alongside the human-readable
// message, so the delivery layer can render the envelope without switching on
// sentinel errors.
type AppError struct {
	Code       string                 `json:"code"`
	StatusCode int                    `json:"statusCode"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAppError builds an AppError with the given code, status and message.
func NewAppError(code string, status int, message string) *AppError {
	return &AppError{Code: code, StatusCode: status, Message: message}
}

// WithDetails attaches user-correctable detail to a copy of the error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

// AsAppError extracts an *AppError from an error chain, falling back to a
// generic internal error so handlers never leak raw failure text.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewAppError(CodeInternalError, http.StatusInternalServerError, "internal server error")
}

// Credential errors share one generic message so responses do not reveal
// whether the account exists or which factor was wrong.
var (
	ErrInvalidCredentials = NewAppError(CodeInvalidCredentials, http.StatusUnauthorized, "invalid email or password")
	ErrMFARequired        = NewAppError(CodeMFARequired, http.StatusAccepted, "mfa challenge required")
	ErrInvalidMFACode     = NewAppError(CodeInvalidMFACode, http.StatusUnauthorized, "invalid mfa code")
	ErrForbidden          = NewAppError(CodeForbidden, http.StatusForbidden, "access denied: insufficient permissions")
	ErrLastAdmin          = NewAppError(CodeLastAdmin, http.StatusConflict, "cannot remove the last administrator")
	ErrEmailExists        = NewAppError(CodeEmailAlreadyExists, http.StatusConflict, "email already registered")
	ErrUsernameExists     = NewAppError(CodeUsernameAlreadyExists, http.StatusConflict, "username already taken")
	ErrNotFound           = NewAppError(CodeNotFound, http.StatusNotFound, "resource not found")
)
