package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mccrory/gatekit/internal/domain"
	"github.com/mccrory/gatekit/internal/rbac"
	"github.com/mccrory/gatekit/pkg/security"
)

type stubRoleRepo struct {
	perms map[string][]string
}

func (s *stubRoleRepo) GetRolesByUserID(_ context.Context, userID string) ([]domain.Role, error) {
	role := domain.Role{Name: "stub"}
	for _, p := range s.perms[userID] {
		role.Permissions = append(role.Permissions, domain.Permission{Name: p})
	}
	return []domain.Role{role}, nil
}

func (s *stubRoleRepo) GetPermissionNamesByUserID(_ context.Context, userID string) ([]string, error) {
	return s.perms[userID], nil
}

func newTestGate(t *testing.T, livePerms map[string][]string) (*Gate, *security.TokenIssuer) {
	t.Helper()
	issuer, err := security.NewTokenIssuer(security.TokenConfig{
		AccessSecret:  "gate-access-secret",
		RefreshSecret: "gate-refresh-secret",
		AccessTTL:     time.Minute,
	})
	if err != nil {
		t.Fatalf("NewTokenIssuer failed: %v", err)
	}
	resolver := rbac.NewResolver(&stubRoleRepo{perms: livePerms})
	return NewGate(issuer, resolver), issuer
}

func okHandler(c echo.Context) error {
	return respondSuccess(c, http.StatusOK, nil, "ok")
}

func doRequest(t *testing.T, handler echo.HandlerFunc, mws []echo.MiddlewareFunc, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := handler
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	if err := h(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func errorCodeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("cannot decode envelope: %v (%s)", err, rec.Body.String())
	}
	if envelope.Success {
		t.Fatalf("expected a failure envelope, got %s", rec.Body.String())
	}
	return envelope.Error.Code
}

func TestAuthenticateMissingToken(t *testing.T) {
	gate, _ := newTestGate(t, nil)

	for _, header := range []string{"", "Basic abc", "Bearer", "Bearer  "} {
		rec := doRequest(t, okHandler, []echo.MiddlewareFunc{gate.Authenticate()}, header)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: status = %d, want 401", header, rec.Code)
		}
		if code := errorCodeOf(t, rec); code != domain.CodeInvalidToken {
			t.Fatalf("header %q: code = %s, want INVALID_TOKEN", header, code)
		}
	}
}

func TestAuthenticateExpiredToken(t *testing.T) {
	gate, _ := newTestGate(t, nil)
	shortIssuer, err := security.NewTokenIssuer(security.TokenConfig{
		AccessSecret:  "gate-access-secret",
		RefreshSecret: "gate-refresh-secret",
		AccessTTL:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewTokenIssuer failed: %v", err)
	}
	token, err := shortIssuer.IssueAccessToken(security.AccessClaims{UserID: "u1"})
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	rec := doRequest(t, okHandler, []echo.MiddlewareFunc{gate.Authenticate()}, "Bearer "+token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := errorCodeOf(t, rec); code != domain.CodeTokenExpired {
		t.Fatalf("code = %s, want TOKEN_EXPIRED", code)
	}
}

func TestAuthenticateTamperedToken(t *testing.T) {
	gate, issuer := newTestGate(t, nil)
	token, err := issuer.IssueAccessToken(security.AccessClaims{UserID: "u1"})
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	tampered := token[:len(token)-2] + "xx"

	rec := doRequest(t, okHandler, []echo.MiddlewareFunc{gate.Authenticate()}, "Bearer "+tampered)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := errorCodeOf(t, rec); code != domain.CodeVerificationFailed {
		t.Fatalf("code = %s, want VERIFICATION_FAILED", code)
	}
}

func TestAuthenticateValidTokenPopulatesContext(t *testing.T) {
	gate, issuer := newTestGate(t, nil)
	token, err := issuer.IssueAccessToken(security.AccessClaims{
		UserID:      "u1",
		Permissions: []string{"users:read"},
	})
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}

	var seenUserID string
	var seenPerms rbac.PermissionSet
	handler := func(c echo.Context) error {
		claims, ok := claimsFromContext(c)
		if !ok {
			t.Fatal("claims missing from context")
		}
		seenUserID = claims.UserID
		seenPerms, _ = c.Get(contextPermissionsKey).(rbac.PermissionSet)
		return okHandler(c)
	}

	rec := doRequest(t, handler, []echo.MiddlewareFunc{gate.Authenticate()}, "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if seenUserID != "u1" {
		t.Fatalf("user id = %s, want u1", seenUserID)
	}
	if !seenPerms.Has("users:read") {
		t.Fatal("permission snapshot missing from context")
	}
}

func TestRequirePermissionSnapshot(t *testing.T) {
	gate, issuer := newTestGate(t, nil)
	token, err := issuer.IssueAccessToken(security.AccessClaims{
		UserID:      "u1",
		Permissions: []string{"users:read"},
	})
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}

	allowed := doRequest(t, okHandler,
		[]echo.MiddlewareFunc{gate.Authenticate(), gate.RequirePermission("users:read")},
		"Bearer "+token)
	if allowed.Code != http.StatusOK {
		t.Fatalf("granted permission: status = %d, want 200", allowed.Code)
	}

	denied := doRequest(t, okHandler,
		[]echo.MiddlewareFunc{gate.Authenticate(), gate.RequirePermission("users:delete")},
		"Bearer "+token)
	if denied.Code != http.StatusForbidden {
		t.Fatalf("missing permission: status = %d, want 403", denied.Code)
	}
	if code := errorCodeOf(t, denied); code != domain.CodeForbidden {
		t.Fatalf("code = %s, want FORBIDDEN", code)
	}
}

func TestRequirePermissionLiveIgnoresStaleSnapshot(t *testing.T) {
	// The token snapshot still grants users:delete but the store no longer does.
	gate, issuer := newTestGate(t, map[string][]string{"u1": {"users:read"}})
	token, err := issuer.IssueAccessToken(security.AccessClaims{
		UserID:      "u1",
		Permissions: []string{"users:read", "users:delete"},
	})
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}

	// The snapshot check would allow this.
	snapshot := doRequest(t, okHandler,
		[]echo.MiddlewareFunc{gate.Authenticate(), gate.RequirePermission("users:delete")},
		"Bearer "+token)
	if snapshot.Code != http.StatusOK {
		t.Fatalf("snapshot check: status = %d, want 200", snapshot.Code)
	}

	// The live check consults the store and denies.
	live := doRequest(t, okHandler,
		[]echo.MiddlewareFunc{gate.Authenticate(), gate.RequirePermissionLive("users:delete")},
		"Bearer "+token)
	if live.Code != http.StatusForbidden {
		t.Fatalf("live check: status = %d, want 403", live.Code)
	}

	// A permission the store still grants passes the live check.
	liveOK := doRequest(t, okHandler,
		[]echo.MiddlewareFunc{gate.Authenticate(), gate.RequirePermissionLive("users:read")},
		"Bearer "+token)
	if liveOK.Code != http.StatusOK {
		t.Fatalf("live granted check: status = %d, want 200", liveOK.Code)
	}
}

func TestRequirePermissionWithoutAuthenticate(t *testing.T) {
	gate, _ := newTestGate(t, nil)

	rec := doRequest(t, okHandler, []echo.MiddlewareFunc{gate.RequirePermission("users:read")}, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestSuccessEnvelopeShape(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := respondSuccess(c, http.StatusCreated, echo.Map{"id": "u1"}, "created"); err != nil {
		t.Fatalf("respondSuccess failed: %v", err)
	}

	var envelope struct {
		Success   bool           `json:"success"`
		Data      map[string]any `json:"data"`
		Message   string         `json:"message"`
		Timestamp string         `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("cannot decode envelope: %v", err)
	}
	if !envelope.Success || envelope.Message != "created" || envelope.Data["id"] != "u1" {
		t.Fatalf("unexpected envelope: %s", rec.Body.String())
	}
	if _, err := time.Parse(time.RFC3339, envelope.Timestamp); err != nil {
		t.Fatalf("timestamp not RFC3339: %v", err)
	}
}

func TestErrorEnvelopeCollapsesUnknownErrors(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := respondError(c, context.DeadlineExceeded); err != nil {
		t.Fatalf("respondError failed: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if code := errorCodeOf(t, rec); code != domain.CodeInternalError {
		t.Fatalf("code = %s, want INTERNAL_ERROR", code)
	}
}
