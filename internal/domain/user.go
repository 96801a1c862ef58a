package domain

import (
	"context"
	"time"
)

// User represents the central identity entity of the system.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`    // case-insensitive unique
	Username      string    `json:"username"` // case-insensitive unique
	PasswordHash  string    `json:"-"`        // Never expose the password hash in JSON
	Active        bool      `json:"active"`
	EmailVerified bool      `json:"email_verified"`
	MFAEnabled    bool      `json:"mfa_enabled"`
	MFASecret     string    `json:"-"` // TOTP secret key
	MFAPending    string    `json:"-"` // secret issued during enrollment, not yet confirmed
	Roles         []Role    `json:"roles"`
	PasswordSetAt time.Time `json:"password_set_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RoleNames returns the names of the user's assigned roles.
func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

// HasRole reports whether the user holds the named role.
func (u *User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Role is a named, reusable bundle of permissions. System roles cannot be
// deleted or renamed by ordinary operations.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	System      bool         `json:"system"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// Permission is an atomic (resource, action) authorization unit.
// Name is the stable "resource:action" form, e.g. "users:read".
type Permission struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	System   bool   `json:"system"`
}

// AdminRole is the irrevocable top administrative role. At least one active
// principal must hold it at all times.
const AdminRole = "admin"

// AuthResponse defines the payload returned after a successful login or refresh.
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // access token expiry, epoch milliseconds
}

// MFASetupResponse carries the enrollment material for a new TOTP secret.
// The secret stays pending until the first code is confirmed.
type MFASetupResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// UserRepository defines the contract for user data persistence.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, user *User) error
	Update(ctx context.Context, user *User) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error

	// CountActiveWithRole backs the last-admin invariant check.
	CountActiveWithRole(ctx context.Context, roleName string) (int, error)

	// Backup codes are stored as SHA-256 hex digests; plaintext never persists.
	ReplaceBackupCodes(ctx context.Context, userID string, hashes []string) error
	ConsumeBackupCode(ctx context.Context, userID, hash string) (bool, error)

	// LogSecurityEvent appends an immutable audit record.
	LogSecurityEvent(ctx context.Context, userID, eventType, ip string, metadata map[string]interface{}) error
}

// RoleRepository is the role -> permission store consulted by the resolver.
type RoleRepository interface {
	GetRolesByUserID(ctx context.Context, userID string) ([]Role, error)
	// GetPermissionNamesByUserID resolves the live effective permission set,
	// bypassing any token-embedded snapshot.
	GetPermissionNamesByUserID(ctx context.Context, userID string) ([]string, error)
}

// TokenRepository defines how refresh tokens are persisted (usually in Redis).
type TokenRepository interface {
	StoreRefreshToken(ctx context.Context, userID string, token string, ttl time.Duration) error
	// ConsumeRefreshToken atomically retrieves and deletes the token so a
	// rotated token can never be replayed.
	ConsumeRefreshToken(ctx context.Context, token string) (string, error)
	DeleteRefreshToken(ctx context.Context, token string) error
}
