package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stampdeck/backend/internal/guard"
	"github.com/stampdeck/backend/internal/models"
)

var (
	// ErrNotFound is returned when the issuance request does not exist.
	ErrNotFound = errors.New("issuance request not found")
	// ErrAlreadyPending is returned when the card already has a request in flight.
	ErrAlreadyPending = errors.New("a pending issuance request already exists for this card")
	// ErrNotPending is returned when a decision targets a request that has
	// already reached a terminal status.
	ErrNotPending = errors.New("issuance request is not pending")
	// ErrExpired is returned when the request's TTL has passed. The stale row
	// is flipped to EXPIRED as a side effect.
	ErrExpired = errors.New("issuance request expired")
	// ErrAccessDenied is returned on any ownership mismatch.
	ErrAccessDenied = errors.New("access denied")
)

// RequestRepo is the issuance-request persistence interface. Methods taking a
// tx run inside the guard's transaction; a nil tx falls back to the pool.
type RequestRepo interface {
	Insert(ctx context.Context, r *models.IssuanceRequest) error
	FindByWalletAndKey(ctx context.Context, walletID int64, idempotencyKey string) (*models.IssuanceRequest, error)
	HasPendingForCard(ctx context.Context, cardID int64) (bool, error)
	Get(ctx context.Context, tx pgx.Tx, id int64) (*models.IssuanceRequest, error)
	MarkDecided(ctx context.Context, tx pgx.Tx, id int64, status string, at time.Time) error
	ExpireIfPending(ctx context.Context, tx pgx.Tx, id int64) (bool, error)
	ListPendingByStore(ctx context.Context, storeID int64, now time.Time) ([]*models.IssuanceRequest, error)
}

// CardProvider resolves the wallet's card for a stamp card, creating it with
// a zero balance on first use.
type CardProvider interface {
	GetOrCreate(ctx context.Context, walletID, storeID, stampCardID int64) (*models.WalletStampCard, error)
}

// StoreRepo is the slice of the store registry issuance needs.
type StoreRepo interface {
	GetActiveCard(ctx context.Context, storeID int64) (*models.StampCard, error)
	IsOwner(ctx context.Context, storeID, ownerID int64) (bool, error)
}

// Ledger credits approved stamps inside the decision's transaction.
type Ledger interface {
	ApplyAndCredit(ctx context.Context, tx pgx.Tx, cardID int64, delta int, eventType, reason, requestRef string) (int64, int, error)
}

// RewardIssuer turns a full card into a reward inside the same transaction.
type RewardIssuer interface {
	IssueIfGoalReached(ctx context.Context, tx pgx.Tx, cardID int64, newBalance int) (*models.WalletReward, error)
}

const stampDelta = 1

// Service runs the stamp-earn request lifecycle: idempotent creation,
// store-side approval/rejection under the guard, and lazy expiry.
type Service struct {
	requests RequestRepo
	cards    CardProvider
	stores   StoreRepo
	ledger   Ledger
	rewards  RewardIssuer
	guard    guard.Guard
	ttl      time.Duration
	log      *slog.Logger
}

func NewService(requests RequestRepo, cards CardProvider, stores StoreRepo, ledger Ledger, rewards RewardIssuer, g guard.Guard, ttl time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{requests: requests, cards: cards, stores: stores, ledger: ledger, rewards: rewards, guard: g, ttl: ttl, log: log}
}

// Create registers a stamp-earn request. A repeat call with the same
// (walletID, idempotencyKey) returns the stored row unchanged regardless of
// its status; the second return value reports whether a new row was created.
func (s *Service) Create(ctx context.Context, walletID, storeID int64, idempotencyKey string) (*models.IssuanceRequest, bool, error) {
	existing, err := s.requests.FindByWalletAndKey(ctx, walletID, idempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	stampCard, err := s.stores.GetActiveCard(ctx, storeID)
	if err != nil {
		return nil, false, err
	}
	card, err := s.cards.GetOrCreate(ctx, walletID, storeID, stampCard.ID)
	if err != nil {
		return nil, false, err
	}

	pending, err := s.requests.HasPendingForCard(ctx, card.ID)
	if err != nil {
		return nil, false, err
	}
	if pending {
		return nil, false, ErrAlreadyPending
	}

	req := &models.IssuanceRequest{
		StoreID:           storeID,
		WalletID:          walletID,
		WalletStampCardID: card.ID,
		IdempotencyKey:    idempotencyKey,
		Status:            models.IssuanceStatusPending,
		ExpiresAt:         time.Now().Add(s.ttl),
	}
	if err := s.requests.Insert(ctx, req); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost a race: either the same key landed first (replay it) or
			// another request for the card went pending.
			if replay, ferr := s.requests.FindByWalletAndKey(ctx, walletID, idempotencyKey); ferr == nil && replay != nil {
				return replay, false, nil
			}
			return nil, false, ErrAlreadyPending
		}
		return nil, false, err
	}

	s.log.Info("issuance request created", "request_id", req.ID, "wallet_id", walletID, "store_id", storeID)
	return req, true, nil
}

// Decision is the outcome of an approve or reject call.
type Decision struct {
	Request    *models.IssuanceRequest
	StampDelta int
	NewBalance int
	Reward     *models.WalletReward
}

// Approve credits one stamp to the request's card and marks the request
// APPROVED; the ledger write and the status write commit together.
func (s *Service) Approve(ctx context.Context, storeID, requestID, ownerID int64) (*Decision, error) {
	return s.decide(ctx, storeID, requestID, ownerID, true)
}

// Reject marks the request REJECTED; no ledger effect.
func (s *Service) Reject(ctx context.Context, storeID, requestID, ownerID int64) (*Decision, error) {
	return s.decide(ctx, storeID, requestID, ownerID, false)
}

func (s *Service) decide(ctx context.Context, storeID, requestID, ownerID int64, approve bool) (*Decision, error) {
	var out Decision
	err := s.guard.WithExclusive(ctx, guard.EntityIssuanceRequest, requestID, func(ctx context.Context, tx pgx.Tx) error {
		req, err := s.requests.Get(ctx, tx, requestID)
		if err != nil {
			return err
		}

		// Expiry is checked before the pending check so a stale decision
		// against an overdue request never succeeds, even if the sweeper
		// has not run yet.
		now := time.Now()
		if req.IsExpiredAt(now) {
			// The guard rolls the tx back when fn fails, so the flip runs on
			// the pool: it must outlive the ErrExpired return.
			if _, err := s.requests.ExpireIfPending(ctx, nil, requestID); err != nil {
				return err
			}
			return ErrExpired
		}
		if !req.IsPending() {
			return ErrNotPending
		}
		if req.StoreID != storeID {
			return ErrAccessDenied
		}
		ok, err := s.stores.IsOwner(ctx, req.StoreID, ownerID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccessDenied
		}

		if !approve {
			if err := s.requests.MarkDecided(ctx, tx, requestID, models.IssuanceStatusRejected, now); err != nil {
				return err
			}
			req.Status = models.IssuanceStatusRejected
			out.Request = req
			return nil
		}

		_, newBalance, err := s.ledger.ApplyAndCredit(ctx, tx, req.WalletStampCardID, stampDelta,
			models.StampEventIssued, "terminal approval", fmt.Sprintf("issuance-%d", requestID))
		if err != nil {
			return err
		}
		if err := s.requests.MarkDecided(ctx, tx, requestID, models.IssuanceStatusApproved, now); err != nil {
			return err
		}
		reward, err := s.rewards.IssueIfGoalReached(ctx, tx, req.WalletStampCardID, newBalance)
		if err != nil {
			return err
		}

		req.Status = models.IssuanceStatusApproved
		req.ApprovedAt = &now
		out.Request = req
		out.StampDelta = stampDelta
		out.NewBalance = newBalance
		out.Reward = reward
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("issuance request decided",
		"request_id", requestID, "store_id", storeID, "status", out.Request.Status, "new_balance", out.NewBalance)
	return &out, nil
}

// Get returns the request for customer polling, lazily expiring it if the
// TTL has passed.
func (s *Service) Get(ctx context.Context, id, walletID int64) (*models.IssuanceRequest, error) {
	req, err := s.requests.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if req.WalletID != walletID {
		return nil, ErrAccessDenied
	}
	if req.IsPending() && req.IsExpiredAt(time.Now()) {
		if flipped, err := s.requests.ExpireIfPending(ctx, nil, id); err != nil {
			return nil, err
		} else if flipped {
			req.Status = models.IssuanceStatusExpired
		}
	}
	return req, nil
}

// ListPending returns the store's live pending requests for the terminal's
// polling screen. Overdue rows are filtered out, not mutated; the sweeper
// owns the bulk transition.
func (s *Service) ListPending(ctx context.Context, storeID, ownerID int64) ([]*models.IssuanceRequest, error) {
	ok, err := s.stores.IsOwner(ctx, storeID, ownerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccessDenied
	}
	return s.requests.ListPendingByStore(ctx, storeID, time.Now())
}
