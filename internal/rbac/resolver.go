// Package rbac computes effective permission sets from role assignments.
package rbac

import (
	"context"
	"sort"

	"github.com/mccrory/gatekit/internal/domain"
)

// PermissionSet is a materialized effective permission set. Membership checks
// are O(1); the set is built once per resolution and treated as read-only.
type PermissionSet map[string]struct{}

// Has reports whether the set contains the named permission.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the permission names in sorted order, for embedding into
// access-token claims.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EffectivePermissions unions every permission granted by every role.
// Duplicate roles and duplicate grants collapse naturally; zero roles yield
// an empty set (default-deny).
func EffectivePermissions(roles []domain.Role) PermissionSet {
	set := make(PermissionSet)
	for _, role := range roles {
		for _, perm := range role.Permissions {
			set[perm.Name] = struct{}{}
		}
	}
	return set
}

// FromNames rebuilds a set from a flat name list, e.g. the snapshot embedded
// in an access token.
func FromNames(names []string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Resolver answers permission checks against the live role store. Token
// claims carry a snapshot of this computation taken at issuance; high-stakes
// operations use Live to bypass that snapshot.
type Resolver struct {
	roles domain.RoleRepository
}

// NewResolver wraps the role -> permission store.
func NewResolver(roles domain.RoleRepository) *Resolver {
	return &Resolver{roles: roles}
}

// Resolve loads the user's roles and materializes the effective set.
func (r *Resolver) Resolve(ctx context.Context, userID string) (PermissionSet, error) {
	roles, err := r.roles.GetRolesByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return EffectivePermissions(roles), nil
}

// Live recomputes the permission check from the store, ignoring any
// token-embedded snapshot. Role changes made after token issuance are
// visible here immediately.
func (r *Resolver) Live(ctx context.Context, userID, permission string) (bool, error) {
	names, err := r.roles.GetPermissionNamesByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	return FromNames(names).Has(permission), nil
}
