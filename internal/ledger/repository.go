package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stampdeck/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateTx inserts an event row inside the given transaction.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, e *models.StampEvent) error {
	return tx.QueryRow(ctx, `
		INSERT INTO stamp_events (store_id, stamp_card_id, wallet_stamp_card_id, type, delta, reason, request_ref, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, e.StoreID, e.StampCardID, e.WalletStampCardID, e.Type, e.Delta, e.Reason, e.RequestRef, e.OccurredAt).Scan(&e.ID)
}

// SumByCard replays the event log for one card.
func (r *Repository) SumByCard(ctx context.Context, cardID int64) (int, error) {
	var sum int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM stamp_events WHERE wallet_stamp_card_id = $1
	`, cardID).Scan(&sum)
	return sum, err
}

// ListByCard returns the card's events in occurrence order, newest first.
func (r *Repository) ListByCard(ctx context.Context, cardID int64) ([]*models.StampEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, store_id, stamp_card_id, wallet_stamp_card_id, type, delta, reason, request_ref, occurred_at
		FROM stamp_events WHERE wallet_stamp_card_id = $1 ORDER BY occurred_at DESC, id DESC
	`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.StampEvent
	for rows.Next() {
		var e models.StampEvent
		if err := rows.Scan(&e.ID, &e.StoreID, &e.StampCardID, &e.WalletStampCardID, &e.Type, &e.Delta, &e.Reason, &e.RequestRef, &e.OccurredAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// CardRepository persists the cached per-card balances.
type CardRepository struct {
	pool *pgxpool.Pool
}

func NewCardRepository(pool *pgxpool.Pool) *CardRepository {
	return &CardRepository{pool: pool}
}

// AddStampsTx applies the delta via a conditional update so the count can
// never go negative. Zero rows matched means either the card is missing or
// the delta is invalid; the follow-up existence probe tells the two apart.
func (r *CardRepository) AddStampsTx(ctx context.Context, tx pgx.Tx, cardID int64, delta int, at time.Time) (int, error) {
	var newCount int
	err := tx.QueryRow(ctx, `
		UPDATE wallet_stamp_card
		SET stamp_count = stamp_count + $1, last_stamped_at = $2
		WHERE id = $3 AND stamp_count + $1 >= 0
		RETURNING stamp_count
	`, delta, at, cardID).Scan(&newCount)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if probeErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallet_stamp_card WHERE id = $1)`, cardID).Scan(&exists); probeErr != nil {
			return 0, probeErr
		}
		if exists {
			return 0, ErrInvalidDelta
		}
		return 0, ErrCardNotFound
	}
	if err != nil {
		return 0, err
	}
	return newCount, nil
}

func (r *CardRepository) GetTx(ctx context.Context, tx pgx.Tx, cardID int64) (*models.WalletStampCard, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, wallet_id, store_id, stamp_card_id, stamp_count, is_rewarded, last_stamped_at, created_at
		FROM wallet_stamp_card WHERE id = $1
	`, cardID)
	return scanCard(row)
}

func (r *CardRepository) Get(ctx context.Context, cardID int64) (*models.WalletStampCard, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, wallet_id, store_id, stamp_card_id, stamp_count, is_rewarded, last_stamped_at, created_at
		FROM wallet_stamp_card WHERE id = $1
	`, cardID)
	return scanCard(row)
}

// GetOrCreate returns the wallet's card for the given stamp card, creating
// it with a zero balance on first use.
func (r *CardRepository) GetOrCreate(ctx context.Context, walletID, storeID, stampCardID int64) (*models.WalletStampCard, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO wallet_stamp_card (wallet_id, store_id, stamp_card_id, stamp_count, is_rewarded)
		VALUES ($1, $2, $3, 0, false)
		ON CONFLICT (wallet_id, stamp_card_id) DO NOTHING
	`, walletID, storeID, stampCardID)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `
		SELECT id, wallet_id, store_id, stamp_card_id, stamp_count, is_rewarded, last_stamped_at, created_at
		FROM wallet_stamp_card WHERE wallet_id = $1 AND stamp_card_id = $2
	`, walletID, stampCardID)
	return scanCard(row)
}

func (r *CardRepository) MarkRewardedTx(ctx context.Context, tx pgx.Tx, cardID int64, rewarded bool) error {
	_, err := tx.Exec(ctx, `UPDATE wallet_stamp_card SET is_rewarded = $1 WHERE id = $2`, rewarded, cardID)
	return err
}

// ListByWallet returns all cards held by a wallet, most recently stamped first.
func (r *CardRepository) ListByWallet(ctx context.Context, walletID int64) ([]*models.WalletStampCard, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, wallet_id, store_id, stamp_card_id, stamp_count, is_rewarded, last_stamped_at, created_at
		FROM wallet_stamp_card WHERE wallet_id = $1 ORDER BY last_stamped_at DESC NULLS LAST, id
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.WalletStampCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func scanCard(row pgx.Row) (*models.WalletStampCard, error) {
	var c models.WalletStampCard
	err := row.Scan(&c.ID, &c.WalletID, &c.StoreID, &c.StampCardID, &c.StampCount, &c.IsRewarded, &c.LastStampedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return &c, nil
}
