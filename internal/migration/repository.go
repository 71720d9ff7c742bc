package migration

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stampdeck/backend/internal/models"
)

const requestColumns = `id, wallet_id, store_id, wallet_stamp_card_id, image_ref, status, approved_stamp_count, reject_reason, requested_at, processed_at`

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

func (r *Repository) q(tx pgx.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.pool
}

func (r *Repository) Insert(ctx context.Context, req *models.StampMigrationRequest) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO stamp_migration_requests (wallet_id, store_id, wallet_stamp_card_id, image_ref, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, requested_at
	`, req.WalletID, req.StoreID, req.WalletStampCardID, req.ImageRef, req.Status).
		Scan(&req.ID, &req.RequestedAt)
}

// HasOpen reports whether the wallet has a SUBMITTED request for the store.
// Backed by the partial unique index on (wallet_id, store_id) WHERE
// status = 'SUBMITTED'.
func (r *Repository) HasOpen(ctx context.Context, walletID, storeID int64) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM stamp_migration_requests WHERE wallet_id = $1 AND store_id = $2 AND status = $3)
	`, walletID, storeID, models.MigrationStatusSubmitted).Scan(&ok)
	return ok, err
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id int64) (*models.StampMigrationRequest, error) {
	row := r.q(tx).QueryRow(ctx, `
		SELECT `+requestColumns+` FROM stamp_migration_requests WHERE id = $1
	`, id)
	return scanRequest(row)
}

func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, id int64, status string, count *int, reason *string, at time.Time) error {
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE stamp_migration_requests
		SET status = $1, approved_stamp_count = $2, reject_reason = $3, processed_at = $4
		WHERE id = $5 AND status = $6
	`, status, count, reason, at, id, models.MigrationStatusSubmitted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOpen
	}
	return nil
}

func (r *Repository) ListOpenByStore(ctx context.Context, storeID int64) ([]*models.StampMigrationRequest, error) {
	return r.list(ctx, `
		SELECT `+requestColumns+` FROM stamp_migration_requests
		WHERE store_id = $1 AND status = $2 ORDER BY requested_at
	`, storeID, models.MigrationStatusSubmitted)
}

func (r *Repository) ListByWallet(ctx context.Context, walletID int64) ([]*models.StampMigrationRequest, error) {
	return r.list(ctx, `
		SELECT `+requestColumns+` FROM stamp_migration_requests
		WHERE wallet_id = $1 ORDER BY requested_at DESC
	`, walletID)
}

func (r *Repository) list(ctx context.Context, sql string, args ...any) ([]*models.StampMigrationRequest, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.StampMigrationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, req)
	}
	return list, rows.Err()
}

func scanRequest(row pgx.Row) (*models.StampMigrationRequest, error) {
	var req models.StampMigrationRequest
	err := row.Scan(&req.ID, &req.WalletID, &req.StoreID, &req.WalletStampCardID, &req.ImageRef,
		&req.Status, &req.ApprovedStampCount, &req.RejectReason, &req.RequestedAt, &req.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}
