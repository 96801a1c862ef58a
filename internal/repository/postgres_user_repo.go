package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mccrory/gatekit/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// PostgresUserRepo implements domain.UserRepository using PostgreSQL.
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo creates a new repository instance.
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userSelectColumns = `
	u.id, u.email, u.username, u.password_hash, u.active, u.email_verified,
	u.mfa_enabled, COALESCE(u.mfa_secret, ''), COALESCE(u.mfa_pending_secret, ''),
	u.password_set_at, u.created_at, u.updated_at
`

// GetByEmail retrieves a user by email (case-insensitive), with roles attached.
func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userSelectColumns + ` FROM users u WHERE LOWER(u.email) = LOWER($1)`
	return r.getOne(ctx, query, email)
}

// GetByUsername retrieves a user by username (case-insensitive), with roles attached.
func (r *PostgresUserRepo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `SELECT ` + userSelectColumns + ` FROM users u WHERE LOWER(u.username) = LOWER($1)`
	return r.getOne(ctx, query, username)
}

// GetByID retrieves a user by their UUID, with roles attached.
func (r *PostgresUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userSelectColumns + ` FROM users u WHERE u.id = $1`
	return r.getOne(ctx, query, id)
}

func (r *PostgresUserRepo) getOne(ctx context.Context, query string, arg interface{}) (*domain.User, error) {
	user := &domain.User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.Username,
		&user.PasswordHash,
		&user.Active,
		&user.EmailVerified,
		&user.MFAEnabled,
		&user.MFASecret,
		&user.MFAPending,
		&user.PasswordSetAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	roles, err := r.rolesForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return user, nil
}

func (r *PostgresUserRepo) rolesForUser(ctx context.Context, userID string) ([]domain.Role, error) {
	query := `
		SELECT r.id, r.name, COALESCE(r.description, ''), r.system
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var roles []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.System); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// Create inserts a new user and their role assignments in one transaction.
func (r *PostgresUserRepo) Create(ctx context.Context, user *domain.User) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.PasswordSetAt = now
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	query := `
		INSERT INTO users (id, email, username, password_hash, active, email_verified,
			mfa_enabled, mfa_secret, password_set_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	var mfaSecret sql.NullString
	if user.MFASecret != "" {
		mfaSecret.String = user.MFASecret
		mfaSecret.Valid = true
	}
	if _, err := tx.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.Username,
		user.PasswordHash,
		user.Active,
		user.EmailVerified,
		user.MFAEnabled,
		mfaSecret,
		user.PasswordSetAt,
		user.CreatedAt,
		user.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	for _, role := range user.Roles {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_id) SELECT $1, id FROM roles WHERE name = $2`,
			user.ID, role.Name,
		); err != nil {
			return fmt.Errorf("failed to assign role %q: %w", role.Name, err)
		}
	}

	return tx.Commit()
}

// Update modifies a user's flags and MFA state.
func (r *PostgresUserRepo) Update(ctx context.Context, user *domain.User) error {
	query := `
		UPDATE users
		SET active = $1, email_verified = $2, mfa_enabled = $3, mfa_secret = $4,
			mfa_pending_secret = $5, updated_at = $6
		WHERE id = $7
	`
	user.UpdatedAt = time.Now()

	var mfaSecret, mfaPending sql.NullString
	if user.MFASecret != "" {
		mfaSecret.String = user.MFASecret
		mfaSecret.Valid = true
	}
	if user.MFAPending != "" {
		mfaPending.String = user.MFAPending
		mfaPending.Valid = true
	}

	result, err := r.db.ExecContext(ctx, query,
		user.Active, user.EmailVerified, user.MFAEnabled, mfaSecret, mfaPending,
		user.UpdatedAt, user.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePassword stores a new hash and resets the rotation clock.
func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	query := `UPDATE users SET password_hash = $1, password_set_at = $2, updated_at = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, passwordHash, time.Now(), userID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveWithRole counts active principals holding the named role.
// Backs the invariant that the last administrator cannot be removed.
func (r *PostgresUserRepo) CountActiveWithRole(ctx context.Context, roleName string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		JOIN roles r ON r.id = ur.role_id
		WHERE r.name = $1 AND u.active = TRUE
	`
	var count int
	if err := r.db.QueryRowContext(ctx, query, roleName).Scan(&count); err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return count, nil
}

// ReplaceBackupCodes swaps the user's full recovery-code set for new hashes.
func (r *PostgresUserRepo) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
		return err
	}
	for _, hash := range hashes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mfa_backup_codes (user_id, code_hash, created_at) VALUES ($1, $2, $3)`,
			userID, hash, time.Now(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ConsumeBackupCode deletes the matching hash and reports whether a row was
// consumed. DELETE ... RETURNING makes redemption single-use under concurrent
// attempts.
func (r *PostgresUserRepo) ConsumeBackupCode(ctx context.Context, userID, hash string) (bool, error) {
	query := `DELETE FROM mfa_backup_codes WHERE user_id = $1 AND code_hash = $2 RETURNING code_hash`
	var consumed string
	err := r.db.QueryRowContext(ctx, query, userID, hash).Scan(&consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// LogSecurityEvent inserts an immutable record into the audit_logs table.
func (r *PostgresUserRepo) LogSecurityEvent(ctx context.Context, userID, eventType, ip string, metadata map[string]interface{}) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}

	query := `
		INSERT INTO audit_logs (user_id, event_type, ip_address, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	// user_id is nullable so anonymous failures can still be recorded.
	var uid sql.NullString
	if userID != "" {
		uid.String = userID
		uid.Valid = true
	}

	_, err = r.db.ExecContext(ctx, query, uid, eventType, ip, metaJSON, time.Now())
	return err
}
