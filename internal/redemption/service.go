package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stampdeck/backend/internal/guard"
	"github.com/stampdeck/backend/internal/models"
)

var (
	// ErrSessionNotFound is returned when no session carries the token.
	ErrSessionNotFound = errors.New("redeem session not found")
	// ErrRewardNotFound is returned when the wallet reward does not exist.
	ErrRewardNotFound = errors.New("reward not found")
	// ErrRewardUnavailable is returned when the reward is reserved by another
	// session, already redeemed, or past its expiry.
	ErrRewardUnavailable = errors.New("reward is not available")
	// ErrSessionExpired is returned when the session's show-window has passed.
	// The reward reservation is released as a side effect.
	ErrSessionExpired = errors.New("redeem session expired")
	// ErrAccessDenied is returned on any ownership mismatch.
	ErrAccessDenied = errors.New("access denied")
)

// SessionRepo is the redeem-session persistence interface.
type SessionRepo interface {
	Insert(ctx context.Context, s *models.RedeemSession) error
	FindByWalletAndClientRequestID(ctx context.Context, walletID int64, clientRequestID string) (*models.RedeemSession, error)
	GetByToken(ctx context.Context, tx pgx.Tx, token string) (*models.RedeemSession, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id int64, at time.Time) error
}

// RewardRepo drives the reward state machine with conditional updates so a
// reward can never be reserved or redeemed twice.
type RewardRepo interface {
	Get(ctx context.Context, id int64) (*models.WalletReward, error)
	GetTx(ctx context.Context, tx pgx.Tx, id int64) (*models.WalletReward, error)
	InsertTx(ctx context.Context, tx pgx.Tx, r *models.WalletReward) error
	Reserve(ctx context.Context, id int64) (bool, error)
	Release(ctx context.Context, tx pgx.Tx, id int64, now time.Time) (bool, error)
	Redeem(ctx context.Context, tx pgx.Tx, id int64, at time.Time) (bool, error)
	ListByWallet(ctx context.Context, walletID int64) ([]*models.WalletReward, error)
}

// CardRepo is the slice of the card balance layer redemption needs.
type CardRepo interface {
	GetTx(ctx context.Context, tx pgx.Tx, cardID int64) (*models.WalletStampCard, error)
	MarkRewardedTx(ctx context.Context, tx pgx.Tx, cardID int64, rewarded bool) error
}

// StampCardRepo resolves card definitions and store ownership.
type StampCardRepo interface {
	GetStampCard(ctx context.Context, id int64) (*models.StampCard, error)
	IsOwner(ctx context.Context, storeID, ownerID int64) (bool, error)
}

// Ledger debits redeemed stamps inside the completion's transaction.
type Ledger interface {
	ApplyAndCredit(ctx context.Context, tx pgx.Tx, cardID int64, delta int, eventType, reason, requestRef string) (int64, int, error)
}

// Service runs reward redemption: short-lived show-this-to-the-clerk sessions
// that reserve the reward, and terminal-side completion that consumes it.
type Service struct {
	sessions   SessionRepo
	rewards    RewardRepo
	cards      CardRepo
	stampCards StampCardRepo
	ledger     Ledger
	guard      guard.Guard
	sessionTTL time.Duration
	rewardTTL  time.Duration
	log        *slog.Logger
}

func NewService(sessions SessionRepo, rewards RewardRepo, cards CardRepo, stampCards StampCardRepo, ledger Ledger, g guard.Guard, sessionTTL, rewardTTL time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		sessions:   sessions,
		rewards:    rewards,
		cards:      cards,
		stampCards: stampCards,
		ledger:     ledger,
		guard:      g,
		sessionTTL: sessionTTL,
		rewardTTL:  rewardTTL,
		log:        log,
	}
}

// CreateSession opens a redeem session for the reward and reserves it so no
// second session can claim it. A repeat call with the same (walletID,
// clientRequestID) returns the stored session; the second return value
// reports whether a new one was opened.
func (s *Service) CreateSession(ctx context.Context, walletID, rewardID int64, clientRequestID string) (*models.RedeemSession, bool, error) {
	existing, err := s.sessions.FindByWalletAndClientRequestID(ctx, walletID, clientRequestID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	reward, err := s.rewards.Get(ctx, rewardID)
	if err != nil {
		return nil, false, err
	}
	if reward.WalletID != walletID {
		return nil, false, ErrAccessDenied
	}
	if !reward.IsAvailableAt(time.Now()) {
		return nil, false, ErrRewardUnavailable
	}

	reserved, err := s.rewards.Reserve(ctx, rewardID)
	if err != nil {
		return nil, false, err
	}
	if !reserved {
		return nil, false, ErrRewardUnavailable
	}

	sess := &models.RedeemSession{
		WalletID:        walletID,
		WalletRewardID:  rewardID,
		SessionToken:    uuid.NewString(),
		ClientRequestID: clientRequestID,
		ExpiresAt:       time.Now().Add(s.sessionTTL),
	}
	if err := s.sessions.Insert(ctx, sess); err != nil {
		// Undo the reservation so a failed insert does not strand the reward.
		if _, relErr := s.rewards.Release(ctx, nil, rewardID, time.Now()); relErr != nil {
			s.log.Error("release reservation after failed insert", "reward_id", rewardID, "error", relErr)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if replay, ferr := s.sessions.FindByWalletAndClientRequestID(ctx, walletID, clientRequestID); ferr == nil && replay != nil {
				return replay, false, nil
			}
		}
		return nil, false, err
	}

	s.log.Info("redeem session opened", "session_id", sess.ID, "wallet_id", walletID, "reward_id", rewardID)
	return sess, true, nil
}

// GetSession returns the wallet's session for polling, by token.
func (s *Service) GetSession(ctx context.Context, token string, walletID int64) (*models.RedeemSession, error) {
	sess, err := s.sessions.GetByToken(ctx, nil, token)
	if err != nil {
		return nil, err
	}
	if sess.WalletID != walletID {
		return nil, ErrAccessDenied
	}
	return sess, nil
}

// Completion is the outcome of a terminal scan.
type Completion struct {
	Session    *models.RedeemSession
	Reward     *models.WalletReward
	NewBalance int
}

// Complete consumes the reward behind the scanned session token: the reward
// flips to REDEEMED, the card is debited by the stamp goal, and the session
// closes, all in one transaction. Completing an already-completed session is
// a no-op success.
func (s *Service) Complete(ctx context.Context, token string, storeID, ownerID int64) (*Completion, error) {
	probe, err := s.sessions.GetByToken(ctx, nil, token)
	if err != nil {
		return nil, err
	}

	var out Completion
	err = s.guard.WithExclusive(ctx, guard.EntityRedeemSession, probe.ID, func(ctx context.Context, tx pgx.Tx) error {
		sess, err := s.sessions.GetByToken(ctx, tx, token)
		if err != nil {
			return err
		}
		reward, err := s.rewards.GetTx(ctx, tx, sess.WalletRewardID)
		if err != nil {
			return err
		}
		if reward.StoreID != storeID {
			return ErrAccessDenied
		}
		ok, err := s.stampCards.IsOwner(ctx, storeID, ownerID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccessDenied
		}

		if sess.Completed {
			out.Session = sess
			out.Reward = reward
			return nil
		}

		now := time.Now()
		if sess.IsExpiredAt(now) {
			// The guard rolls the tx back when fn fails, so the release runs
			// on the pool: it must outlive the ErrSessionExpired return. If a
			// newer live session holds the reservation by now, Release leaves
			// it in place.
			if _, err := s.rewards.Release(ctx, nil, reward.ID, now); err != nil {
				return err
			}
			return ErrSessionExpired
		}

		redeemed, err := s.rewards.Redeem(ctx, tx, reward.ID, now)
		if err != nil {
			return err
		}
		if !redeemed {
			return ErrRewardUnavailable
		}

		card, err := s.cards.GetTx(ctx, tx, reward.WalletStampCardID)
		if err != nil {
			return err
		}
		def, err := s.stampCards.GetStampCard(ctx, card.StampCardID)
		if err != nil {
			return err
		}
		_, newBalance, err := s.ledger.ApplyAndCredit(ctx, tx, card.ID, -def.StampGoal,
			models.StampEventRedeemed, "reward redemption", fmt.Sprintf("redeem-%d", sess.ID))
		if err != nil {
			return err
		}
		if err := s.cards.MarkRewardedTx(ctx, tx, card.ID, false); err != nil {
			return err
		}
		if err := s.sessions.MarkCompleted(ctx, tx, sess.ID, now); err != nil {
			return err
		}

		sess.Completed = true
		sess.CompletedAt = &now
		reward.Status = models.RewardStatusRedeemed
		reward.RedeemedAt = &now
		out.Session = sess
		out.Reward = reward
		out.NewBalance = newBalance
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("redeem session completed", "session_id", out.Session.ID, "store_id", storeID, "reward_id", out.Reward.ID)
	return &out, nil
}

// ListRewards returns the wallet's rewards, newest first.
func (s *Service) ListRewards(ctx context.Context, walletID int64) ([]*models.WalletReward, error) {
	return s.rewards.ListByWallet(ctx, walletID)
}

// IssueIfGoalReached creates an AVAILABLE reward inside the caller's
// transaction when the card's new balance has reached its goal. The
// is_rewarded flag keeps further approvals past the goal from minting
// duplicates.
func (s *Service) IssueIfGoalReached(ctx context.Context, tx pgx.Tx, cardID int64, newBalance int) (*models.WalletReward, error) {
	card, err := s.cards.GetTx(ctx, tx, cardID)
	if err != nil {
		return nil, err
	}
	if card.IsRewarded {
		return nil, nil
	}
	def, err := s.stampCards.GetStampCard(ctx, card.StampCardID)
	if err != nil {
		return nil, err
	}
	if newBalance < def.StampGoal {
		return nil, nil
	}

	now := time.Now()
	reward := &models.WalletReward{
		WalletID:          card.WalletID,
		StoreID:           card.StoreID,
		StampCardID:       card.StampCardID,
		WalletStampCardID: card.ID,
		RewardName:        def.RewardName,
		Status:            models.RewardStatusAvailable,
		IssuedAt:          now,
	}
	if s.rewardTTL > 0 {
		exp := now.Add(s.rewardTTL)
		reward.ExpiresAt = &exp
	}
	if err := s.rewards.InsertTx(ctx, tx, reward); err != nil {
		return nil, err
	}
	if err := s.cards.MarkRewardedTx(ctx, tx, cardID, true); err != nil {
		return nil, err
	}
	return reward, nil
}
