package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName string) (*Account, error) {
	var acc Account
	err := r.pool.QueryRow(ctx, `
		INSERT INTO owner_accounts (email, password_hash, display_name)
		VALUES ($1, $2, $3)
		RETURNING id, email, display_name
	`, email, passwordHash, displayName).Scan(&acc.ID, &acc.Email, &acc.DisplayName)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetByEmail returns a nil account when the email is unknown.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*Account, string, error) {
	var acc Account
	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash FROM owner_accounts WHERE email = $1
	`, email).Scan(&acc.ID, &acc.Email, &acc.DisplayName, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &acc, hash, nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*Account, error) {
	var acc Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name FROM owner_accounts WHERE id = $1
	`, id).Scan(&acc.ID, &acc.Email, &acc.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}
