package http

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mccrory/gatekit/internal/domain"
	"github.com/mccrory/gatekit/internal/rbac"
	"github.com/mccrory/gatekit/pkg/security"
)

const (
	contextClaimsKey      = "claims"
	contextPermissionsKey = "permissions"
)

// Gate is the per-request authorization check: extract the bearer token,
// verify it, materialize the permission set, and allow or reject. Any
// failure short-circuits to a terminal rejection.
type Gate struct {
	issuer   *security.TokenIssuer
	resolver *rbac.Resolver
}

// NewGate builds the middleware around a token issuer and the live
// permission resolver.
func NewGate(issuer *security.TokenIssuer, resolver *rbac.Resolver) *Gate {
	return &Gate{issuer: issuer, resolver: resolver}
}

// Authenticate intercepts the request to validate the access token in the
// Authorization header. A missing token is routine; a present-but-invalid
// token may indicate tampering or an expired client, so the two are logged
// differently even though both reject with 401.
func (g *Gate) Authenticate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := security.ExtractBearer(c.Request().Header.Get("Authorization"))
			if token == "" {
				return respondErrorCode(c, domain.CodeInvalidToken, http.StatusUnauthorized, "missing or malformed authorization header")
			}

			claims, err := g.issuer.VerifyAccessToken(token)
			if err != nil {
				log.Printf("rejected access token from %s: %v", c.RealIP(), err)
				switch {
				case errors.Is(err, security.ErrTokenExpired):
					return respondErrorCode(c, domain.CodeTokenExpired, http.StatusUnauthorized, "access token expired")
				case errors.Is(err, security.ErrInvalidToken):
					return respondErrorCode(c, domain.CodeInvalidToken, http.StatusUnauthorized, "invalid access token")
				default:
					return respondErrorCode(c, domain.CodeVerificationFailed, http.StatusUnauthorized, "invalid access token")
				}
			}

			// Materialize the embedded snapshot once; later permission
			// checks within this request are O(1) set lookups.
			c.Set(contextClaimsKey, claims)
			c.Set(contextPermissionsKey, rbac.FromNames(claims.Permissions))

			return next(c)
		}
	}
}

// RequirePermission authorizes against the permission snapshot embedded in
// the access token. The snapshot is taken at issuance and may lag role
// changes until the token expires or is refreshed.
func (g *Gate) RequirePermission(permission string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			perms, ok := c.Get(contextPermissionsKey).(rbac.PermissionSet)
			if !ok || !perms.Has(permission) {
				return respondError(c, domain.ErrForbidden)
			}
			return next(c)
		}
	}
}

// RequirePermissionLive recomputes the permission from the role store,
// ignoring the token snapshot. Intended for irreversible operations where a
// stale grant must not be honored.
func (g *Gate) RequirePermissionLive(permission string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, ok := c.Get(contextClaimsKey).(*security.AccessClaims)
			if !ok {
				return respondError(c, domain.ErrForbidden)
			}
			allowed, err := g.resolver.Live(c.Request().Context(), claims.UserID, permission)
			if err != nil {
				return respondError(c, err)
			}
			if !allowed {
				return respondError(c, domain.ErrForbidden)
			}
			return next(c)
		}
	}
}

// claimsFromContext returns the verified claims stashed by Authenticate.
func claimsFromContext(c echo.Context) (*security.AccessClaims, bool) {
	claims, ok := c.Get(contextClaimsKey).(*security.AccessClaims)
	return claims, ok
}
