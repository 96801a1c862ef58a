package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mccrory/gatekit/internal/domain"
	"github.com/mccrory/gatekit/internal/rbac"
	"github.com/mccrory/gatekit/internal/repository"
	"github.com/mccrory/gatekit/pkg/security"
)

// DefaultRole is assigned to newly registered principals.
const DefaultRole = "user"

// AuthUsecase orchestrates the authentication flows: credential verification,
// the TOTP second factor, token issuance/rotation, and the MFA lifecycle.
type AuthUsecase struct {
	userRepo  domain.UserRepository
	tokenRepo domain.TokenRepository
	resolver  *rbac.Resolver
	passwords *security.PasswordPolicy
	totp      *security.TotpService
	tokens    *security.TokenIssuer
}

// NewAuthUsecase wires the stores and security services together.
func NewAuthUsecase(
	users domain.UserRepository,
	tokens domain.TokenRepository,
	resolver *rbac.Resolver,
	passwords *security.PasswordPolicy,
	totp *security.TotpService,
	issuer *security.TokenIssuer,
) *AuthUsecase {
	return &AuthUsecase{
		userRepo:  users,
		tokenRepo: tokens,
		resolver:  resolver,
		passwords: passwords,
		totp:      totp,
		tokens:    issuer,
	}
}

// Register creates a new principal after enforcing uniqueness and the
// password strength policy. Weak passwords are rejected with actionable
// detail; duplicates get their own codes since both are user-correctable.
func (u *AuthUsecase) Register(ctx context.Context, email, username, password string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	if email == "" || !strings.Contains(email, "@") || username == "" {
		return nil, domain.NewAppError(domain.CodeValidationError, http.StatusBadRequest, "valid email and username are required")
	}

	strength := u.passwords.ScoreStrength(password)
	if !strength.Valid {
		return nil, domain.NewAppError(domain.CodeValidationError, http.StatusBadRequest, "password does not meet the strength policy").
			WithDetails(map[string]interface{}{"errors": strength.Errors, "score": strength.Score})
	}

	if _, err := u.userRepo.GetByEmail(ctx, email); err == nil {
		return nil, domain.ErrEmailExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if _, err := u.userRepo.GetByUsername(ctx, username); err == nil {
		return nil, domain.ErrUsernameExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	hash, err := u.passwords.Hash(password)
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Active:       true,
		Roles:        []domain.Role{{Name: DefaultRole}},
	}
	if err := u.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}

	_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "USER_REGISTERED", "", nil)
	return user, nil
}

// Login handles the first step of authentication: validating credentials.
// The failure is uniform whether the account is missing, inactive, or the
// password is wrong. Accounts with 2FA enabled get a challenge instead of
// tokens.
func (u *AuthUsecase) Login(ctx context.Context, email, password string) (*domain.AuthResponse, error) {
	user, err := u.authenticatePassword(ctx, email, password)
	if err != nil {
		return nil, err
	}

	if user.MFAEnabled {
		return nil, domain.ErrMFARequired
	}

	return u.generateSession(ctx, user)
}

// VerifyMFA handles the second step: credentials again plus a TOTP code or a
// one-time backup code.
func (u *AuthUsecase) VerifyMFA(ctx context.Context, email, password, code string) (*domain.AuthResponse, error) {
	user, err := u.authenticatePassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled {
		return nil, domain.ErrInvalidCredentials
	}

	if !u.redeemSecondFactor(ctx, user, code) {
		_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "MFA_FAILED", "", nil)
		return nil, domain.ErrInvalidMFACode
	}

	return u.generateSession(ctx, user)
}

// Refresh rotates a refresh token: verify, atomically consume the stored
// copy, then reissue a fresh pair. A replayed token fails at the consume
// step because the store entry is already gone.
func (u *AuthUsecase) Refresh(ctx context.Context, refreshToken string) (*domain.AuthResponse, error) {
	claims, err := u.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, mapRefreshError(err)
	}

	storedUserID, err := u.tokenRepo.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return nil, domain.NewAppError(domain.CodeInvalidRefreshToken, http.StatusUnauthorized, "refresh token is no longer valid")
		}
		return nil, err
	}
	if storedUserID != claims.UserID {
		return nil, domain.NewAppError(domain.CodeInvalidRefreshToken, http.StatusUnauthorized, "refresh token is no longer valid")
	}

	user, err := u.userRepo.GetByID(ctx, claims.UserID)
	if err != nil || !user.Active {
		return nil, domain.ErrInvalidCredentials
	}

	_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "TOKEN_REFRESHED", "", nil)
	return u.generateSession(ctx, user)
}

// Logout revokes the presented refresh token. Access tokens stay valid until
// their natural expiry; the short TTL bounds that window.
func (u *AuthUsecase) Logout(ctx context.Context, refreshToken string) error {
	return u.tokenRepo.DeleteRefreshToken(ctx, refreshToken)
}

// SetupMFA issues a fresh TOTP secret and stores it as pending. The account
// stays in the Enrolling state until EnableMFA confirms a code.
func (u *AuthUsecase) SetupMFA(ctx context.Context, userID string) (*domain.MFASetupResponse, error) {
	user, err := u.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	if user.MFAEnabled {
		return nil, domain.NewAppError(domain.CodeValidationError, http.StatusConflict, "mfa is already enabled")
	}

	enrollment, err := u.totp.Enroll(user.Email)
	if err != nil {
		return nil, err
	}

	user.MFAPending = enrollment.Secret
	if err := u.userRepo.Update(ctx, user); err != nil {
		return nil, err
	}

	return &domain.MFASetupResponse{
		Secret:          enrollment.Secret,
		ProvisioningURI: enrollment.ProvisioningURI,
	}, nil
}

// ProvisioningQR renders the pending enrollment secret as a scannable PNG.
func (u *AuthUsecase) ProvisioningQR(ctx context.Context, userID string, size int) ([]byte, error) {
	user, err := u.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	if user.MFAPending == "" {
		return nil, domain.NewAppError(domain.CodeValidationError, http.StatusConflict, "no pending mfa enrollment")
	}
	return u.totp.RenderProvisioningImage(u.totp.ProvisioningURI(user.MFAPending, user.Email), size)
}

// EnableMFA confirms the pending secret with a first valid code and flips the
// account into the Enabled state. Backup codes are generated once and
// returned in plaintext exactly here; only their hashes persist.
func (u *AuthUsecase) EnableMFA(ctx context.Context, userID, code string) ([]string, error) {
	user, err := u.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	if user.MFAPending == "" {
		return nil, domain.NewAppError(domain.CodeValidationError, http.StatusConflict, "mfa setup has not been started")
	}

	setup := u.totp.ValidateSetup(code, user.MFAPending)
	if !setup.OK {
		return nil, domain.NewAppError(domain.CodeInvalidMFACode, http.StatusUnauthorized, setup.Error)
	}

	user.MFASecret = user.MFAPending
	user.MFAPending = ""
	user.MFAEnabled = true
	if err := u.userRepo.Update(ctx, user); err != nil {
		return nil, err
	}

	codes, err := u.issueBackupCodes(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "MFA_ENABLED", "", nil)
	return codes, nil
}

// DisableMFA turns off the second factor. It is gated behind
// re-authentication: either the account password or a current TOTP code must
// be presented.
func (u *AuthUsecase) DisableMFA(ctx context.Context, userID, password, code string) error {
	user, err := u.userRepo.GetByID(ctx, userID)
	if err != nil {
		return domain.ErrNotFound
	}
	if !user.MFAEnabled {
		return domain.NewAppError(domain.CodeValidationError, http.StatusConflict, "mfa is not enabled")
	}

	reauthed := false
	if password != "" {
		match, verr := u.passwords.Verify(password, user.PasswordHash)
		reauthed = verr == nil && match
	}
	if !reauthed && code != "" {
		reauthed = u.totp.VerifyCode(code, user.MFASecret)
	}
	if !reauthed {
		_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "MFA_DISABLE_DENIED", "", nil)
		return domain.ErrInvalidCredentials
	}

	user.MFAEnabled = false
	user.MFASecret = ""
	user.MFAPending = ""
	if err := u.userRepo.Update(ctx, user); err != nil {
		return err
	}
	if err := u.userRepo.ReplaceBackupCodes(ctx, user.ID, nil); err != nil {
		return err
	}

	_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "MFA_DISABLED", "", nil)
	return nil
}

// RegenerateBackupCodes replaces the full recovery-code set. Requires a
// current TOTP code so a stolen session alone cannot mint fresh codes.
func (u *AuthUsecase) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	user, err := u.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	if !user.MFAEnabled {
		return nil, domain.NewAppError(domain.CodeValidationError, http.StatusConflict, "mfa is not enabled")
	}
	if !u.totp.VerifyCode(code, user.MFASecret) {
		return nil, domain.ErrInvalidMFACode
	}

	codes, err := u.issueBackupCodes(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "BACKUP_CODES_REGENERATED", "", nil)
	return codes, nil
}

// ChangePassword re-verifies the current password and enforces the strength
// policy on the replacement.
func (u *AuthUsecase) ChangePassword(ctx context.Context, userID, current, replacement string) error {
	user, err := u.userRepo.GetByID(ctx, userID)
	if err != nil {
		return domain.ErrNotFound
	}

	match, err := u.passwords.Verify(current, user.PasswordHash)
	if err != nil || !match {
		return domain.ErrInvalidCredentials
	}

	strength := u.passwords.ScoreStrength(replacement)
	if !strength.Valid {
		return domain.NewAppError(domain.CodeValidationError, http.StatusBadRequest, "password does not meet the strength policy").
			WithDetails(map[string]interface{}{"errors": strength.Errors, "score": strength.Score})
	}

	hash, err := u.passwords.Hash(replacement)
	if err != nil {
		return err
	}
	if err := u.userRepo.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}

	_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "PASSWORD_CHANGED", "", nil)
	return nil
}

// DeactivateUser disables an account. The last active holder of the
// administrative role cannot be deactivated.
func (u *AuthUsecase) DeactivateUser(ctx context.Context, userID string) error {
	user, err := u.userRepo.GetByID(ctx, userID)
	if err != nil {
		return domain.ErrNotFound
	}

	if user.HasRole(domain.AdminRole) {
		count, err := u.userRepo.CountActiveWithRole(ctx, domain.AdminRole)
		if err != nil {
			return err
		}
		if count <= 1 {
			return domain.ErrLastAdmin
		}
	}

	user.Active = false
	if err := u.userRepo.Update(ctx, user); err != nil {
		return err
	}

	_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "USER_DEACTIVATED", "", nil)
	return nil
}

func (u *AuthUsecase) issueBackupCodes(ctx context.Context, userID string) ([]string, error) {
	codes, err := u.totp.GenerateBackupCodes(0)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = security.HashBackupCode(code)
	}
	if err := u.userRepo.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// authenticatePassword is the shared first factor: account must exist and be
// active, and the password must verify. Every failure maps to the same
// generic credential error.
func (u *AuthUsecase) authenticatePassword(ctx context.Context, email, password string) (*domain.User, error) {
	user, err := u.userRepo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	if !user.Active {
		return nil, domain.ErrInvalidCredentials
	}

	match, err := u.passwords.Verify(password, user.PasswordHash)
	if err != nil || !match {
		_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "LOGIN_FAILED", "", nil)
		return nil, domain.ErrInvalidCredentials
	}
	return user, nil
}

// redeemSecondFactor accepts a current TOTP code, or consumes a one-time
// backup code when the TOTP check fails.
func (u *AuthUsecase) redeemSecondFactor(ctx context.Context, user *domain.User, code string) bool {
	if u.totp.VerifyCode(code, user.MFASecret) {
		return true
	}
	consumed, err := u.userRepo.ConsumeBackupCode(ctx, user.ID, security.HashBackupCode(code))
	if err != nil {
		return false
	}
	if consumed {
		_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "BACKUP_CODE_USED", "", nil)
	}
	return consumed
}

// generateSession materializes the effective permission snapshot, issues the
// access/refresh pair, and persists the refresh token for later rotation.
func (u *AuthUsecase) generateSession(ctx context.Context, user *domain.User) (*domain.AuthResponse, error) {
	perms, err := u.resolver.Resolve(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	pair, err := u.tokens.IssuePair(security.AccessClaims{
		UserID:      user.ID,
		Email:       user.Email,
		Username:    user.Username,
		Roles:       user.RoleNames(),
		Permissions: perms.Names(),
	})
	if err != nil {
		return nil, err
	}

	if err := u.tokenRepo.StoreRefreshToken(ctx, user.ID, pair.RefreshToken, u.tokens.RefreshTTL()); err != nil {
		return nil, err
	}

	_ = u.userRepo.LogSecurityEvent(ctx, user.ID, "LOGIN_SUCCESS", "", nil)

	return &domain.AuthResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	}, nil
}

func mapRefreshError(err error) *domain.AppError {
	switch {
	case errors.Is(err, security.ErrRefreshTokenExpired):
		return domain.NewAppError(domain.CodeRefreshTokenExpired, http.StatusUnauthorized, "refresh token expired")
	case errors.Is(err, security.ErrInvalidTokenType):
		return domain.NewAppError(domain.CodeInvalidTokenType, http.StatusUnauthorized, "refresh token is no longer valid")
	default:
		return domain.NewAppError(domain.CodeInvalidRefreshToken, http.StatusUnauthorized, "refresh token is no longer valid")
	}
}
