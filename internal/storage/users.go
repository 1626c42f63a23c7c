package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shugur-Network/inbox-relay/internal/domain"
	"github.com/jackc/pgx/v5"
)

// UserStore is the pgx implementation of domain.UserRepository
type UserStore struct {
	db *DB
}

var _ domain.UserRepository = (*UserStore)(nil)

// NewUserStore creates a user repository on db
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

// FindByPubkey returns the user, or nil when the pubkey is not registered
func (s *UserStore) FindByPubkey(ctx context.Context, pubkey string) (*domain.User, error) {
	if !s.db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var u domain.User
	err := s.db.Pool.QueryRow(ctx,
		`SELECT pubkey, is_admitted, created_at, updated_at FROM users WHERE pubkey = $1`,
		pubkey).Scan(&u.Pubkey, &u.IsAdmitted, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.db.recordError("user_lookup_failed", err)
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return &u, nil
}

// SetAdmitted registers pubkey if needed and sets its admission flag
func (s *UserStore) SetAdmitted(ctx context.Context, pubkey string, admitted bool) error {
	if !s.db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO users (pubkey, is_admitted) VALUES ($1, $2)
		 ON CONFLICT (pubkey) DO UPDATE SET is_admitted = excluded.is_admitted, updated_at = now()`,
		pubkey, admitted)
	if err != nil {
		s.db.recordError("user_update_failed", err)
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}
