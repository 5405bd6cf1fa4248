package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pylonhq/pylon/internal/domain"
)

// CreateBan records a ban against a user.
func (s *PostgresStore) CreateBan(ctx context.Context, b *domain.Ban) error {
	if b.UserID == "" {
		return fmt.Errorf("ban user id is required")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.BannedAt.IsZero() {
		b.BannedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bans (id, user_id, reason, banned_by, expires_at, permaban, banned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, b.UserID, b.Reason, b.BannedBy, b.ExpiresAt, b.Permaban, b.BannedAt)
	if err != nil {
		return fmt.Errorf("create ban: %w", err)
	}
	return nil
}

// ActiveBan returns the user's currently effective ban, or ErrNotFound
// when the user is not banned.
func (s *PostgresStore) ActiveBan(ctx context.Context, userID string) (*domain.Ban, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, reason, banned_by, expires_at, permaban, banned_at
		FROM bans
		WHERE user_id = $1 AND (permaban OR expires_at > NOW())
		ORDER BY banned_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("active ban: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	var b domain.Ban
	if err := rows.Scan(&b.ID, &b.UserID, &b.Reason, &b.BannedBy,
		&b.ExpiresAt, &b.Permaban, &b.BannedAt); err != nil {
		return nil, fmt.Errorf("scan ban: %w", err)
	}
	return &b, nil
}

// RemoveBans lifts every ban on a user.
func (s *PostgresStore) RemoveBans(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bans WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("remove bans: %w", err)
	}
	return nil
}
