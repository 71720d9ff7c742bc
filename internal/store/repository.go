package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stampdeck/backend/internal/models"
)

// ErrNotFound is returned when a store or stamp card does not exist.
var ErrNotFound = errors.New("store not found")

// ErrNoActiveCard is returned when a store has no ACTIVE stamp card.
var ErrNoActiveCard = errors.New("store has no active stamp card")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, ownerID int64, name, address string) (*models.Store, error) {
	var s models.Store
	err := r.pool.QueryRow(ctx, `
		INSERT INTO stores (owner_account_id, name, address)
		VALUES ($1, $2, $3)
		RETURNING id, owner_account_id, name, address, created_at
	`, ownerID, name, address).Scan(&s.ID, &s.OwnerAccountID, &s.Name, &s.Address, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Store, error) {
	var s models.Store
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_account_id, name, address, created_at FROM stores WHERE id = $1
	`, id).Scan(&s.ID, &s.OwnerAccountID, &s.Name, &s.Address, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID int64) ([]*models.Store, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_account_id, name, address, created_at
		FROM stores WHERE owner_account_id = $1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Store
	for rows.Next() {
		var s models.Store
		if err := rows.Scan(&s.ID, &s.OwnerAccountID, &s.Name, &s.Address, &s.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &s)
	}
	return list, rows.Err()
}

// IsOwner reports whether the owner account owns the store.
func (r *Repository) IsOwner(ctx context.Context, storeID, ownerID int64) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM stores WHERE id = $1 AND owner_account_id = $2)
	`, storeID, ownerID).Scan(&ok)
	return ok, err
}

// CreateStampCard inserts a new ACTIVE card for the store, retiring any
// previously active one.
func (r *Repository) CreateStampCard(ctx context.Context, storeID int64, title, rewardName string, stampGoal int) (*models.StampCard, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE stamp_cards SET status = $1 WHERE store_id = $2 AND status = $3
	`, models.StampCardStatusInactive, storeID, models.StampCardStatusActive)
	if err != nil {
		return nil, err
	}

	var c models.StampCard
	err = tx.QueryRow(ctx, `
		INSERT INTO stamp_cards (store_id, title, reward_name, stamp_goal, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, store_id, title, reward_name, stamp_goal, status, created_at
	`, storeID, title, rewardName, stampGoal, models.StampCardStatusActive).
		Scan(&c.ID, &c.StoreID, &c.Title, &c.RewardName, &c.StampGoal, &c.Status, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) GetStampCard(ctx context.Context, id int64) (*models.StampCard, error) {
	var c models.StampCard
	err := r.pool.QueryRow(ctx, `
		SELECT id, store_id, title, reward_name, stamp_goal, status, created_at
		FROM stamp_cards WHERE id = $1
	`, id).Scan(&c.ID, &c.StoreID, &c.Title, &c.RewardName, &c.StampGoal, &c.Status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetActiveCard returns the store's single ACTIVE stamp card.
func (r *Repository) GetActiveCard(ctx context.Context, storeID int64) (*models.StampCard, error) {
	var c models.StampCard
	err := r.pool.QueryRow(ctx, `
		SELECT id, store_id, title, reward_name, stamp_goal, status, created_at
		FROM stamp_cards WHERE store_id = $1 AND status = $2
	`, storeID, models.StampCardStatusActive).
		Scan(&c.ID, &c.StoreID, &c.Title, &c.RewardName, &c.StampGoal, &c.Status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveCard
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
