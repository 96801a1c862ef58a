package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mccrory/gatekit/internal/domain"
	"github.com/mccrory/gatekit/internal/usecase"
)

// AuthHandler represents the HTTP delivery layer for authentication.
type AuthHandler struct {
	usecase *usecase.AuthUsecase
}

// NewAuthHandler registers the authentication routes to the provided echo group.
func NewAuthHandler(e *echo.Group, u *usecase.AuthUsecase, gate *Gate) {
	handler := &AuthHandler{usecase: u}

	e.POST("/register", handler.Register)
	e.POST("/login", handler.Login)
	e.POST("/mfa/verify", handler.VerifyMFA)
	e.POST("/refresh", handler.Refresh)
	e.POST("/logout", handler.Logout)

	authed := e.Group("", gate.Authenticate())
	authed.POST("/password/change", handler.ChangePassword)
	// Deactivation is irreversible for the session holder; check the live
	// permission store instead of the token snapshot.
	authed.POST("/users/:id/deactivate", handler.DeactivateUser, gate.RequirePermissionLive("users:delete"))
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type mfaVerifyRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Code     string `json:"code" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// Register creates a new account, enforcing the password strength policy.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return respondErrorCode(c, domain.CodeValidationError, http.StatusBadRequest, "invalid request body")
	}

	user, err := h.usecase.Register(c.Request().Context(), req.Email, req.Username, req.Password)
	if err != nil {
		return respondError(c, err)
	}

	return respondSuccess(c, http.StatusCreated, user, "account created")
}

// Login handles the initial authentication request.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return respondErrorCode(c, domain.CodeValidationError, http.StatusBadRequest, "invalid request body")
	}

	resp, err := h.usecase.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		// MFA-enabled accounts get a challenge, not tokens.
		if errors.Is(err, domain.ErrMFARequired) {
			countAuthEvent("mfa_challenge")
			return respondSuccess(c, http.StatusAccepted, echo.Map{"email": req.Email}, "mfa challenge required")
		}
		countAuthEvent("login_failure")
		return respondError(c, err)
	}

	countAuthEvent("login_success")
	return respondSuccess(c, http.StatusOK, resp, "login successful")
}

// VerifyMFA handles the second step of authentication for users with MFA enabled.
func (h *AuthHandler) VerifyMFA(c echo.Context) error {
	var req mfaVerifyRequest
	if err := c.Bind(&req); err != nil {
		return respondErrorCode(c, domain.CodeValidationError, http.StatusBadRequest, "invalid request body")
	}

	resp, err := h.usecase.VerifyMFA(c.Request().Context(), req.Email, req.Password, req.Code)
	if err != nil {
		countAuthEvent("mfa_failure")
		return respondError(c, err)
	}

	countAuthEvent("mfa_success")
	return respondSuccess(c, http.StatusOK, resp, "login successful")
}

// Refresh rotates the submitted refresh token into a new pair.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return respondErrorCode(c, domain.CodeValidationError, http.StatusBadRequest, "invalid request body")
	}

	resp, err := h.usecase.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		countAuthEvent("refresh_failure")
		return respondError(c, err)
	}

	countAuthEvent("refresh_success")
	return respondSuccess(c, http.StatusOK, resp, "token refreshed")
}

// Logout revokes the submitted refresh token.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return respondErrorCode(c, domain.CodeValidationError, http.StatusBadRequest, "invalid request body")
	}

	if err := h.usecase.Logout(c.Request().Context(), req.RefreshToken); err != nil {
		return respondError(c, err)
	}

	return respondSuccess(c, http.StatusOK, nil, "logged out")
}

// ChangePassword updates the authenticated user's password.
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	claims, ok := claimsFromContext(c)
	if !ok {
		return respondError(c, domain.ErrForbidden)
	}

	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return respondErrorCode(c, domain.CodeValidationError, http.StatusBadRequest, "invalid request body")
	}

	if err := h.usecase.ChangePassword(c.Request().Context(), claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		return respondError(c, err)
	}

	return respondSuccess(c, http.StatusOK, nil, "password changed")
}

// DeactivateUser disables an account, refusing to remove the last admin.
func (h *AuthHandler) DeactivateUser(c echo.Context) error {
	if err := h.usecase.DeactivateUser(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return respondSuccess(c, http.StatusOK, nil, "account deactivated")
}
