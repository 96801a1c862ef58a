package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mccrory/gatekit/internal/domain"
)

// PostgresRoleRepo implements domain.RoleRepository: the role -> permission
// store consulted by the permission resolver.
type PostgresRoleRepo struct {
	db *sql.DB
}

// NewPostgresRoleRepo creates a new repository instance.
func NewPostgresRoleRepo(db *sql.DB) *PostgresRoleRepo {
	return &PostgresRoleRepo{db: db}
}

// GetRolesByUserID loads the user's roles with their permission sets attached.
func (r *PostgresRoleRepo) GetRolesByUserID(ctx context.Context, userID string) ([]domain.Role, error) {
	query := `
		SELECT r.id, r.name, COALESCE(r.description, ''), r.system,
			COALESCE(p.id, ''), COALESCE(p.name, ''), COALESCE(p.resource, ''),
			COALESCE(p.action, ''), COALESCE(p.system, FALSE)
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1
		ORDER BY r.name, p.name
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var roles []domain.Role
	index := map[string]int{}
	for rows.Next() {
		var role domain.Role
		var perm domain.Permission
		if err := rows.Scan(
			&role.ID, &role.Name, &role.Description, &role.System,
			&perm.ID, &perm.Name, &perm.Resource, &perm.Action, &perm.System,
		); err != nil {
			return nil, err
		}
		i, ok := index[role.ID]
		if !ok {
			i = len(roles)
			index[role.ID] = i
			roles = append(roles, role)
		}
		// LEFT JOIN: roles without grants produce an empty permission row.
		if perm.Name != "" {
			roles[i].Permissions = append(roles[i].Permissions, perm)
		}
	}
	return roles, rows.Err()
}

// GetPermissionNamesByUserID resolves the live effective permission set in a
// single query, for checks that must not trust a token snapshot.
func (r *PostgresRoleRepo) GetPermissionNamesByUserID(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT DISTINCT p.name
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1
		ORDER BY p.name
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
