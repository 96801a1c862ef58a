package security

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Verification failure kinds. Each is terminal; callers map them to stable
// machine codes but must never grant partial trust on any of them.
var (
	ErrTokenExpired        = errors.New("token expired")
	ErrInvalidToken        = errors.New("invalid token")
	ErrVerificationFailed  = errors.New("token verification failed")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrInvalidTokenType    = errors.New("invalid token type")
)

const refreshTokenType = "refresh"

// TokenConfig supplies the signing material and lifetimes. The two secrets
// must differ so access and refresh tokens can never be substituted for each
// other even if one secret leaks.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string
}

// AccessClaims are carried by short-lived access tokens: identity plus a
// permission snapshot taken at issuance time.
type AccessClaims struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// RefreshClaims are carried by long-lived refresh tokens: identity only, with
// a type discriminator asserted on verification.
type RefreshClaims struct {
	UserID    string `json:"user_id"`
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// TokenPair bundles a freshly issued access/refresh pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // access token expiry, epoch milliseconds
}

// TokenIssuer mints and verifies signed access and refresh tokens.
type TokenIssuer struct {
	config TokenConfig
}

// NewTokenIssuer validates the configuration and returns an issuer. Both
// secrets are required and must not be equal.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("both access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "gatekit"
	}
	if cfg.Audience == "" {
		cfg.Audience = "gatekit-admin"
	}
	return &TokenIssuer{config: cfg}, nil
}

// IssueAccessToken signs a short-lived JWT carrying identity, role and
// permission claims. Registered claims are filled here; callers supply only
// the identity fields.
func (t *TokenIssuer) IssueAccessToken(claims AccessClaims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		Issuer:    t.config.Issuer,
		Audience:  jwt.ClaimStrings{t.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.config.AccessTTL)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(t.config.AccessSecret))
}

// IssueRefreshToken signs a long-lived identity-only JWT with the refresh
// secret and a fixed type claim.
func (t *TokenIssuer) IssueRefreshToken(userID string) (string, error) {
	now := time.Now()
	claims := RefreshClaims{
		UserID:    userID,
		TokenType: refreshTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.config.Issuer,
			Audience:  jwt.ClaimStrings{t.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.config.RefreshTTL)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(t.config.RefreshSecret))
}

// IssuePair issues the access/refresh pair together.
func (t *TokenIssuer) IssuePair(claims AccessClaims) (*TokenPair, error) {
	access, err := t.IssueAccessToken(claims)
	if err != nil {
		return nil, err
	}
	refresh, err := t.IssueRefreshToken(claims.UserID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(t.config.AccessTTL).UnixMilli(),
	}, nil
}

// RefreshTTL exposes the configured refresh lifetime so the caller can align
// server-side storage expiry with the token's own expiry.
func (t *TokenIssuer) RefreshTTL() time.Duration {
	return t.config.RefreshTTL
}

// VerifyAccessToken checks signature, expiry, issuer and audience against the
// access secret. Failures are ErrTokenExpired, ErrInvalidToken (malformed
// input) or ErrVerificationFailed (bad signature or claims).
func (t *TokenIssuer) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, t.accessKeyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.config.Issuer),
		jwt.WithAudience(t.config.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrInvalidToken
		default:
			return nil, ErrVerificationFailed
		}
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrVerificationFailed
	}
	return claims, nil
}

// VerifyRefreshToken checks the token against the refresh secret and asserts
// the type claim. The type assertion is kept even though the key separation
// already rejects access tokens here.
func (t *TokenIssuer) VerifyRefreshToken(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, t.refreshKeyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.config.Issuer),
		jwt.WithAudience(t.config.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrRefreshTokenExpired
		}
		return nil, ErrInvalidRefreshToken
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidRefreshToken
	}
	if claims.TokenType != refreshTokenType {
		return nil, ErrInvalidTokenType
	}
	return claims, nil
}

// ExtractBearer parses an "Authorization: Bearer <token>" header value.
// Any other shape yields the empty string: absence of a token is a normal
// case for anonymous routes, not an error.
func ExtractBearer(headerValue string) string {
	parts := strings.Split(headerValue, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return ""
	}
	return parts[1]
}

// GetExpiry decodes the expiry claim without verifying the signature. For
// UX and logging only; never an authorization decision point.
func (t *TokenIssuer) GetExpiry(tokenString string) *time.Time {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	exp := claims.ExpiresAt.Time
	return &exp
}

// IsExpired reports whether the unverified expiry claim is in the past.
// Tokens without a readable expiry count as expired.
func (t *TokenIssuer) IsExpired(tokenString string) bool {
	exp := t.GetExpiry(tokenString)
	if exp == nil {
		return true
	}
	return time.Now().After(*exp)
}

func (t *TokenIssuer) accessKeyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ErrVerificationFailed
	}
	return []byte(t.config.AccessSecret), nil
}

func (t *TokenIssuer) refreshKeyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ErrInvalidRefreshToken
	}
	return []byte(t.config.RefreshSecret), nil
}
