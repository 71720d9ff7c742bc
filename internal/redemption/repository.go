package redemption

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stampdeck/backend/internal/models"
)

const sessionColumns = `id, wallet_id, wallet_reward_id, session_token, client_request_id, completed, expires_at, completed_at, created_at`

const rewardColumns = `id, wallet_id, store_id, stamp_card_id, wallet_stamp_card_id, reward_name, status, issued_at, expires_at, redeemed_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionRepository persists redeem sessions.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) q(tx pgx.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.pool
}

func (r *SessionRepository) Insert(ctx context.Context, s *models.RedeemSession) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO redeem_sessions (wallet_id, wallet_reward_id, session_token, client_request_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, s.WalletID, s.WalletRewardID, s.SessionToken, s.ClientRequestID, s.ExpiresAt).
		Scan(&s.ID, &s.CreatedAt)
}

// FindByWalletAndClientRequestID returns nil when no session carries the key.
func (r *SessionRepository) FindByWalletAndClientRequestID(ctx context.Context, walletID int64, clientRequestID string) (*models.RedeemSession, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM redeem_sessions
		WHERE wallet_id = $1 AND client_request_id = $2
	`, walletID, clientRequestID)
	s, err := scanSession(row)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	return s, err
}

func (r *SessionRepository) GetByToken(ctx context.Context, tx pgx.Tx, token string) (*models.RedeemSession, error) {
	row := r.q(tx).QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM redeem_sessions WHERE session_token = $1
	`, token)
	return scanSession(row)
}

func (r *SessionRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, id int64, at time.Time) error {
	_, err := r.q(tx).Exec(ctx, `
		UPDATE redeem_sessions SET completed = true, completed_at = $1 WHERE id = $2
	`, at, id)
	return err
}

func scanSession(row pgx.Row) (*models.RedeemSession, error) {
	var s models.RedeemSession
	err := row.Scan(&s.ID, &s.WalletID, &s.WalletRewardID, &s.SessionToken, &s.ClientRequestID,
		&s.Completed, &s.ExpiresAt, &s.CompletedAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// RewardRepository persists wallet rewards. All state transitions are
// conditional updates keyed on the current status.
type RewardRepository struct {
	pool *pgxpool.Pool
}

func NewRewardRepository(pool *pgxpool.Pool) *RewardRepository {
	return &RewardRepository{pool: pool}
}

func (r *RewardRepository) q(tx pgx.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.pool
}

func (r *RewardRepository) InsertTx(ctx context.Context, tx pgx.Tx, w *models.WalletReward) error {
	return r.q(tx).QueryRow(ctx, `
		INSERT INTO wallet_rewards (wallet_id, store_id, stamp_card_id, wallet_stamp_card_id, reward_name, status, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, w.WalletID, w.StoreID, w.StampCardID, w.WalletStampCardID, w.RewardName, w.Status, w.IssuedAt, w.ExpiresAt).
		Scan(&w.ID)
}

func (r *RewardRepository) Get(ctx context.Context, id int64) (*models.WalletReward, error) {
	return r.GetTx(ctx, nil, id)
}

func (r *RewardRepository) GetTx(ctx context.Context, tx pgx.Tx, id int64) (*models.WalletReward, error) {
	row := r.q(tx).QueryRow(ctx, `
		SELECT `+rewardColumns+` FROM wallet_rewards WHERE id = $1
	`, id)
	return scanReward(row)
}

// Reserve flips AVAILABLE to REDEEMING. Reports false when the reward was
// already reserved, redeemed, or expired.
func (r *RewardRepository) Reserve(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE wallet_rewards SET status = $1 WHERE id = $2 AND status = $3
	`, models.RewardStatusRedeeming, id, models.RewardStatusAvailable)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Release flips REDEEMING back to AVAILABLE when a session dies unredeemed.
// The reservation stays in place while a live uncompleted session still
// references the reward, so a stale token cannot free a newer session's hold.
func (r *RewardRepository) Release(ctx context.Context, tx pgx.Tx, id int64, now time.Time) (bool, error) {
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE wallet_rewards SET status = $1
		WHERE id = $2 AND status = $3
		  AND NOT EXISTS (
			SELECT 1 FROM redeem_sessions
			WHERE wallet_reward_id = $2 AND completed = false AND expires_at >= $4
		  )
	`, models.RewardStatusAvailable, id, models.RewardStatusRedeeming, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Redeem flips REDEEMING to REDEEMED exactly once.
func (r *RewardRepository) Redeem(ctx context.Context, tx pgx.Tx, id int64, at time.Time) (bool, error) {
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE wallet_rewards SET status = $1, redeemed_at = $2 WHERE id = $3 AND status = $4
	`, models.RewardStatusRedeemed, at, id, models.RewardStatusRedeeming)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *RewardRepository) ListByWallet(ctx context.Context, walletID int64) ([]*models.WalletReward, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+rewardColumns+` FROM wallet_rewards WHERE wallet_id = $1 ORDER BY issued_at DESC, id DESC
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.WalletReward
	for rows.Next() {
		w, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	return list, rows.Err()
}

// ReleaseDueSessionRewards puts back every reward stranded in REDEEMING by a
// session that timed out before the terminal scanned it. A reward re-reserved
// by a session that is still live is left alone; its dead predecessors would
// otherwise match the subquery on every pass.
func (r *RewardRepository) ReleaseDueSessionRewards(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE wallet_rewards SET status = $1
		WHERE status = $2 AND id IN (
			SELECT wallet_reward_id FROM redeem_sessions
			WHERE completed = false AND expires_at < $3
		)
		AND NOT EXISTS (
			SELECT 1 FROM redeem_sessions live
			WHERE live.wallet_reward_id = wallet_rewards.id
			  AND live.completed = false AND live.expires_at >= $3
		)
	`, models.RewardStatusAvailable, models.RewardStatusRedeeming, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ExpireDueRewards retires AVAILABLE rewards whose validity window has passed.
func (r *RewardRepository) ExpireDueRewards(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE wallet_rewards SET status = $1
		WHERE status = $2 AND expires_at IS NOT NULL AND expires_at < $3
	`, models.RewardStatusExpired, models.RewardStatusAvailable, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanReward(row pgx.Row) (*models.WalletReward, error) {
	var w models.WalletReward
	err := row.Scan(&w.ID, &w.WalletID, &w.StoreID, &w.StampCardID, &w.WalletStampCardID,
		&w.RewardName, &w.Status, &w.IssuedAt, &w.ExpiresAt, &w.RedeemedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRewardNotFound
		}
		return nil, err
	}
	return &w, nil
}
