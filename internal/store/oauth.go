package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pylonhq/pylon/internal/domain"
)

// LinkOAuthIdentity attaches a provider account to a local user.
// Linking the same provider account twice is a no-op.
func (s *PostgresStore) LinkOAuthIdentity(ctx context.Context, userID, provider, providerID string) error {
	if userID == "" || provider == "" || providerID == "" {
		return fmt.Errorf("user id, provider and provider id are required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_identities (id, user_id, provider, provider_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_id) DO NOTHING
	`, uuid.NewString(), userID, provider, providerID)
	if err != nil {
		return fmt.Errorf("link oauth identity: %w", err)
	}
	return nil
}

// UserByOAuth resolves the local user linked to a provider account.
func (s *PostgresStore) UserByOAuth(ctx context.Context, provider, providerID string) (*domain.User, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `
		SELECT user_id FROM oauth_identities WHERE provider = $1 AND provider_id = $2
	`, provider, providerID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user by oauth: %w", err)
	}
	return s.UserByID(ctx, userID)
}

// OAuthIdentities lists the provider accounts linked to a user.
func (s *PostgresStore) OAuthIdentities(ctx context.Context, userID string) ([]*domain.OAuthIdentity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, provider, provider_id, created_at
		FROM oauth_identities
		WHERE user_id = $1
		ORDER BY provider
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("oauth identities: %w", err)
	}
	defer rows.Close()

	var out []*domain.OAuthIdentity
	for rows.Next() {
		var oi domain.OAuthIdentity
		if err := rows.Scan(&oi.ID, &oi.UserID, &oi.Provider, &oi.ProviderID, &oi.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &oi)
	}
	return out, rows.Err()
}
