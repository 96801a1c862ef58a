package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mccrory/gatekit/internal/domain"
)

// successEnvelope is the outward shape of every successful response.
type successEnvelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
}

// errorEnvelope wraps a failure with its stable machine-readable code.
type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Message    string                 `json:"message"`
	Code       string                 `json:"code"`
	StatusCode int                    `json:"statusCode"`
	Timestamp  string                 `json:"timestamp"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func respondSuccess(c echo.Context, status int, data interface{}, message string) error {
	return c.JSON(status, successEnvelope{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// respondError renders any error as the failure envelope. Unrecognized
// errors collapse to a generic internal error so no raw detail leaks.
func respondError(c echo.Context, err error) error {
	appErr := domain.AsAppError(err)
	return c.JSON(appErr.StatusCode, errorEnvelope{
		Success: false,
		Error: errorBody{
			Message:    appErr.Message,
			Code:       appErr.Code,
			StatusCode: appErr.StatusCode,
			Timestamp:  time.Now().Format(time.RFC3339),
			Details:    appErr.Details,
		},
	})
}

func respondErrorCode(c echo.Context, code string, status int, message string) error {
	return respondError(c, domain.NewAppError(code, status, message))
}
