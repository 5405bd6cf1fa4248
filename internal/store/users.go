package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pylonhq/pylon/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const userColumns = `id, username, email, password_hash, password_salt,
	last_ip, COALESCE(last_token, ''), last_login, created_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.PasswordSalt,
		&u.LastIP, &u.LastToken, &u.LastLogin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) loadPermissions(ctx context.Context, u *domain.User) error {
	rows, err := s.pool.Query(ctx, `
		SELECT permission FROM user_permissions WHERE user_id = $1 ORDER BY permission
	`, u.ID)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			return err
		}
		u.Permissions = append(u.Permissions, perm)
	}
	return rows.Err()
}

// CreateUser inserts a new user row. Username uniqueness is enforced
// by the schema.
func (s *PostgresStore) CreateUser(ctx context.Context, u *domain.User) error {
	if u.ID == "" || u.Username == "" {
		return fmt.Errorf("user id and username are required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, password_salt, last_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.PasswordSalt, u.LastIP, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UserByID(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadPermissions(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *PostgresStore) UserByUsername(ctx context.Context, username string) (*domain.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return nil, err
	}
	if err := s.loadPermissions(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (*domain.User, error) {
	if email == "" {
		return nil, ErrNotFound
	}
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		return nil, err
	}
	if err := s.loadPermissions(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// UserByToken resolves a user by their current session token.
// Implements the auth verifier's UserSource.
func (s *PostgresStore) UserByToken(ctx context.Context, token string) (*domain.User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE last_token = $1`, token))
	if err != nil {
		return nil, err
	}
	if err := s.loadPermissions(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// ListUsers returns every user ordered by username, permissions
// included.
func (s *PostgresStore) ListUsers(ctx context.Context) ([]*domain.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, u := range users {
		if err := s.loadPermissions(ctx, u); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// RecordLogin stores the session token, client IP and login time
// issued to a user.
func (s *PostgresStore) RecordLogin(ctx context.Context, userID, token, ip string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET last_token = $2, last_ip = $3, last_login = NOW() WHERE id = $1
	`, userID, token, ip)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearToken revokes a user's session token. Used by logout.
func (s *PostgresStore) ClearToken(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET last_token = NULL WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// GrantPermission is idempotent; granting an already-held permission
// is a no-op.
func (s *PostgresStore) GrantPermission(ctx context.Context, userID, permission string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_permissions (id, user_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, permission) DO NOTHING
	`, uuid.NewString(), userID, permission)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokePermission(ctx context.Context, userID, permission string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM user_permissions WHERE user_id = $1 AND permission = $2
	`, userID, permission)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
