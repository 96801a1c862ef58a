package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mccrory/gatekit/internal/domain"
	"github.com/mccrory/gatekit/internal/usecase"
)

// MFAHandler handles MFA enrollment and management. All routes require an
// authenticated session.
type MFAHandler struct {
	usecase *usecase.AuthUsecase
}

// NewMFAHandler registers the MFA management routes.
func NewMFAHandler(e *echo.Group, u *usecase.AuthUsecase, gate *Gate) {
	handler := &MFAHandler{usecase: u}

	mfa := e.Group("/mfa", gate.Authenticate())
	mfa.POST("/setup", handler.Setup)
	mfa.GET("/setup/qr", handler.SetupQR)
	mfa.POST("/enable", handler.Enable)
	mfa.POST("/disable", handler.Disable)
	mfa.POST("/backup-codes", handler.RegenerateBackupCodes)
}

type mfaCodeRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

type mfaDisableRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

// Setup generates a new TOTP secret for the user and stores it as pending.
func (h *MFAHandler) Setup(c echo.Context) error {
	claims, ok := claimsFromContext(c)
	if !ok {
		return respondError(c, domain.ErrForbidden)
	}

	resp, err := h.usecase.SetupMFA(c.Request().Context(), claims.UserID)
	if err != nil {
		return respondError(c, err)
	}

	return respondSuccess(c, http.StatusOK, resp, "scan the provisioning code and confirm with a generated code")
}

// SetupQR renders the pending enrollment as a scannable PNG.
func (h *MFAHandler) SetupQR(c echo.Context) error {
	claims, ok := claimsFromContext(c)
	if !ok {
		return respondError(c, domain.ErrForbidden)
	}

	img, err := h.usecase.ProvisioningQR(c.Request().Context(), claims.UserID, 256)
	if err != nil {
		return respondError(c, err)
	}

	return c.Blob(http.StatusOK, "image/png", img)
}

// Enable verifies the first code and officially turns on MFA for the account.
// The one-time backup codes are returned here and never again.
func (h *MFAHandler) Enable(c echo.Context) error {
	claims, ok := claimsFromContext(c)
	if !ok {
		return respondError(c, domain.ErrForbidden)
	}

	var req mfaCodeRequest
	if err := c.Bind(&req); err != nil {
		return respondErrorCode(c, domain.CodeValidationError, http.StatusBadRequest, "invalid request body")
	}

	codes, err := h.usecase.EnableMFA(c.Request().Context(), claims.UserID, req.Code)
	if err != nil {
		return respondError(c, err)
	}

	return respondSuccess(c, http.StatusOK, echo.Map{"backup_codes": codes}, "mfa enabled")
}

// Disable turns MFA off after re-authentication with the password or a
// current code.
func (h *MFAHandler) Disable(c echo.Context) error {
	claims, ok := claimsFromContext(c)
	if !ok {
		return respondError(c, domain.ErrForbidden)
	}

	var req mfaDisableRequest
	if err := c.Bind(&req); err != nil {
		return respondErrorCode(c, domain.CodeValidationError, http.StatusBadRequest, "invalid request body")
	}

	if err := h.usecase.DisableMFA(c.Request().Context(), claims.UserID, req.Password, req.Code); err != nil {
		return respondError(c, err)
	}

	return respondSuccess(c, http.StatusOK, nil, "mfa disabled")
}

// RegenerateBackupCodes replaces the recovery-code set; requires a current
// TOTP code.
func (h *MFAHandler) RegenerateBackupCodes(c echo.Context) error {
	claims, ok := claimsFromContext(c)
	if !ok {
		return respondError(c, domain.ErrForbidden)
	}

	var req mfaCodeRequest
	if err := c.Bind(&req); err != nil {
		return respondErrorCode(c, domain.CodeValidationError, http.StatusBadRequest, "invalid request body")
	}

	codes, err := h.usecase.RegenerateBackupCodes(c.Request().Context(), claims.UserID, req.Code)
	if err != nil {
		return respondError(c, err)
	}

	return respondSuccess(c, http.StatusOK, echo.Map{"backup_codes": codes}, "backup codes regenerated")
}
