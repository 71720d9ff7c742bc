package issuance

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stampdeck/backend/internal/models"
)

const requestColumns = `id, store_id, wallet_id, wallet_stamp_card_id, idempotency_key, status, expires_at, approved_at, created_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// q selects the executor: the guard's transaction when present, otherwise
// the pool.
func (r *Repository) q(tx pgx.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.pool
}

func (r *Repository) Insert(ctx context.Context, req *models.IssuanceRequest) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO issuance_requests (store_id, wallet_id, wallet_stamp_card_id, idempotency_key, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, req.StoreID, req.WalletID, req.WalletStampCardID, req.IdempotencyKey, req.Status, req.ExpiresAt).
		Scan(&req.ID, &req.CreatedAt)
}

// FindByWalletAndKey returns nil when no request carries the key.
func (r *Repository) FindByWalletAndKey(ctx context.Context, walletID int64, idempotencyKey string) (*models.IssuanceRequest, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM issuance_requests
		WHERE wallet_id = $1 AND idempotency_key = $2
	`, walletID, idempotencyKey)
	req, err := scanRequest(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return req, err
}

// HasPendingForCard reports whether the card already has a live PENDING
// request. Backed by the partial unique index on (wallet_stamp_card_id)
// WHERE status = 'PENDING'.
func (r *Repository) HasPendingForCard(ctx context.Context, cardID int64) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM issuance_requests WHERE wallet_stamp_card_id = $1 AND status = $2)
	`, cardID, models.IssuanceStatusPending).Scan(&ok)
	return ok, err
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id int64) (*models.IssuanceRequest, error) {
	row := r.q(tx).QueryRow(ctx, `
		SELECT `+requestColumns+` FROM issuance_requests WHERE id = $1
	`, id)
	return scanRequest(row)
}

func (r *Repository) MarkDecided(ctx context.Context, tx pgx.Tx, id int64, status string, at time.Time) error {
	var approvedAt *time.Time
	if status == models.IssuanceStatusApproved {
		approvedAt = &at
	}
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE issuance_requests SET status = $1, approved_at = $2 WHERE id = $3 AND status = $4
	`, status, approvedAt, id, models.IssuanceStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// ExpireIfPending flips a single overdue PENDING row to EXPIRED. The status
// predicate makes the flip race-safe against a concurrent decision.
func (r *Repository) ExpireIfPending(ctx context.Context, tx pgx.Tx, id int64) (bool, error) {
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE issuance_requests SET status = $1 WHERE id = $2 AND status = $3
	`, models.IssuanceStatusExpired, id, models.IssuanceStatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireDue bulk-expires every overdue PENDING request and returns the count.
func (r *Repository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE issuance_requests SET status = $1 WHERE status = $2 AND expires_at < $3
	`, models.IssuanceStatusExpired, models.IssuanceStatusPending, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) ListPendingByStore(ctx context.Context, storeID int64, now time.Time) ([]*models.IssuanceRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM issuance_requests
		WHERE store_id = $1 AND status = $2 AND expires_at >= $3
		ORDER BY created_at
	`, storeID, models.IssuanceStatusPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.IssuanceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, req)
	}
	return list, rows.Err()
}

func scanRequest(row pgx.Row) (*models.IssuanceRequest, error) {
	var req models.IssuanceRequest
	err := row.Scan(&req.ID, &req.StoreID, &req.WalletID, &req.WalletStampCardID,
		&req.IdempotencyKey, &req.Status, &req.ExpiresAt, &req.ApprovedAt, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}
