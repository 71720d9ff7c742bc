package migration

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
	// ErrNotFound is returned when the migration request does not exist.
	ErrNotFound = errors.New("migration request not found")
	// ErrAlreadyOpen is returned when the wallet already has a SUBMITTED
	// request for the store.
	ErrAlreadyOpen = errors.New("an open migration request already exists for this store")
	// ErrNotOpen is returned when a decision targets a request that has
	// already been processed or canceled.
	ErrNotOpen = errors.New("migration request is not open")
	// ErrInvalidCount is returned when the approved count is outside 1..goal.
	ErrInvalidCount = errors.New("approved stamp count out of range")
	// ErrAccessDenied is returned on any ownership mismatch.
	ErrAccessDenied = errors.New("access denied")
)

// RequestRepo is the migration-request persistence interface.
type RequestRepo interface {
	Insert(ctx context.Context, r *models.StampMigrationRequest) error
	HasOpen(ctx context.Context, walletID, storeID int64) (bool, error)
	Get(ctx context.Context, tx pgx.Tx, id int64) (*models.StampMigrationRequest, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id int64, status string, count *int, reason *string, at time.Time) error
	ListOpenByStore(ctx context.Context, storeID int64) ([]*models.StampMigrationRequest, error)
	ListByWallet(ctx context.Context, walletID int64) ([]*models.StampMigrationRequest, error)
}

// CardProvider resolves the wallet's card, creating it on first use.
type CardProvider interface {
	GetOrCreate(ctx context.Context, walletID, storeID, stampCardID int64) (*models.WalletStampCard, error)
	GetTx(ctx context.Context, tx pgx.Tx, cardID int64) (*models.WalletStampCard, error)
}

// StoreRepo is the slice of the store registry migration needs.
type StoreRepo interface {
	GetActiveCard(ctx context.Context, storeID int64) (*models.StampCard, error)
	GetStampCard(ctx context.Context, id int64) (*models.StampCard, error)
	IsOwner(ctx context.Context, storeID, ownerID int64) (bool, error)
}

// Ledger credits migrated stamps inside the decision's transaction.
type Ledger interface {
	ApplyAndCredit(ctx context.Context, tx pgx.Tx, cardID int64, delta int, eventType, reason, requestRef string) (int64, int, error)
}

// RewardIssuer turns a full card into a reward inside the same transaction.
type RewardIssuer interface {
	IssueIfGoalReached(ctx context.Context, tx pgx.Tx, cardID int64, newBalance int) (*models.WalletReward, error)
}

// Service runs the paper-card migration workflow: a customer photographs
// their old card, the store owner reviews it and grants a stamp count.
// Requests have no TTL; they stay open until processed or canceled.
type Service struct {
	requests RequestRepo
	cards    CardProvider
	stores   StoreRepo
	ledger   Ledger
	rewards  RewardIssuer
	guard    guard.Guard
	log      *slog.Logger
}

func NewService(requests RequestRepo, cards CardProvider, stores StoreRepo, ledger Ledger, rewards RewardIssuer, g guard.Guard, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{requests: requests, cards: cards, stores: stores, ledger: ledger, rewards: rewards, guard: g, log: log}
}

// Submit opens a migration request. A wallet holds at most one open request
// per store.
func (s *Service) Submit(ctx context.Context, walletID, storeID int64, imageRef string) (*models.StampMigrationRequest, error) {
	open, err := s.requests.HasOpen(ctx, walletID, storeID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrAlreadyOpen
	}

	stampCard, err := s.stores.GetActiveCard(ctx, storeID)
	if err != nil {
		return nil, err
	}
	card, err := s.cards.GetOrCreate(ctx, walletID, storeID, stampCard.ID)
	if err != nil {
		return nil, err
	}

	req := &models.StampMigrationRequest{
		WalletID:          walletID,
		StoreID:           storeID,
		WalletStampCardID: card.ID,
		ImageRef:          imageRef,
		Status:            models.MigrationStatusSubmitted,
	}
	if err := s.requests.Insert(ctx, req); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyOpen
		}
		return nil, err
	}

	s.log.Info("migration request submitted", "request_id", req.ID, "wallet_id", walletID, "store_id", storeID)
	return req, nil
}

// Decision is the outcome of an approve or reject call.
type Decision struct {
	Request    *models.StampMigrationRequest
	NewBalance int
	Reward     *models.WalletReward
}

// Approve grants count stamps from the photographed card. Count is bounded
// by the stamp card's goal so a migration can fill at most one card.
func (s *Service) Approve(ctx context.Context, storeID, requestID, ownerID int64, count int) (*Decision, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}
	var out Decision
	err := s.decide(ctx, storeID, requestID, ownerID, func(ctx context.Context, tx pgx.Tx, req *models.StampMigrationRequest, now time.Time) error {
		card, err := s.cards.GetTx(ctx, tx, req.WalletStampCardID)
		if err != nil {
			return err
		}
		def, err := s.stores.GetStampCard(ctx, card.StampCardID)
		if err != nil {
			return err
		}
		if count > def.StampGoal {
			return ErrInvalidCount
		}

		_, newBalance, err := s.ledger.ApplyAndCredit(ctx, tx, req.WalletStampCardID, count,
			models.StampEventMigrated, "paper card migration", fmt.Sprintf("migration-%d", requestID))
		if err != nil {
			return err
		}
		if err := s.requests.MarkProcessed(ctx, tx, requestID, models.MigrationStatusApproved, &count, nil, now); err != nil {
			return err
		}
		reward, err := s.rewards.IssueIfGoalReached(ctx, tx, req.WalletStampCardID, newBalance)
		if err != nil {
			return err
		}

		req.Status = models.MigrationStatusApproved
		req.ApprovedStampCount = &count
		req.ProcessedAt = &now
		out.Request = req
		out.NewBalance = newBalance
		out.Reward = reward
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("migration request approved", "request_id", requestID, "store_id", storeID, "count", count, "new_balance", out.NewBalance)
	return &out, nil
}

// Reject closes the request without any ledger effect, recording the reason
// for the customer.
func (s *Service) Reject(ctx context.Context, storeID, requestID, ownerID int64, reason string) (*Decision, error) {
	var out Decision
	err := s.decide(ctx, storeID, requestID, ownerID, func(ctx context.Context, tx pgx.Tx, req *models.StampMigrationRequest, now time.Time) error {
		if err := s.requests.MarkProcessed(ctx, tx, requestID, models.MigrationStatusRejected, nil, &reason, now); err != nil {
			return err
		}
		req.Status = models.MigrationStatusRejected
		req.RejectReason = &reason
		req.ProcessedAt = &now
		out.Request = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("migration request rejected", "request_id", requestID, "store_id", storeID)
	return &out, nil
}

func (s *Service) decide(ctx context.Context, storeID, requestID, ownerID int64, fn func(ctx context.Context, tx pgx.Tx, req *models.StampMigrationRequest, now time.Time) error) error {
	return s.guard.WithExclusive(ctx, guard.EntityMigrationRequest, requestID, func(ctx context.Context, tx pgx.Tx) error {
		req, err := s.requests.Get(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if !req.IsSubmitted() {
			return ErrNotOpen
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
		return fn(ctx, tx, req, time.Now())
	})
}

// Cancel lets the wallet withdraw its own open request.
func (s *Service) Cancel(ctx context.Context, requestID, walletID int64) (*models.StampMigrationRequest, error) {
	var out *models.StampMigrationRequest
	err := s.guard.WithExclusive(ctx, guard.EntityMigrationRequest, requestID, func(ctx context.Context, tx pgx.Tx) error {
		req, err := s.requests.Get(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.WalletID != walletID {
			return ErrAccessDenied
		}
		if !req.IsSubmitted() {
			return ErrNotOpen
		}
		now := time.Now()
		if err := s.requests.MarkProcessed(ctx, tx, requestID, models.MigrationStatusCanceled, nil, nil, now); err != nil {
			return err
		}
		req.Status = models.MigrationStatusCanceled
		req.ProcessedAt = &now
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("migration request canceled", "request_id", requestID, "wallet_id", walletID)
	return out, nil
}

// ListOpen returns the store's review queue, oldest first.
func (s *Service) ListOpen(ctx context.Context, storeID, ownerID int64) ([]*models.StampMigrationRequest, error) {
	ok, err := s.stores.IsOwner(ctx, storeID, ownerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccessDenied
	}
	return s.requests.ListOpenByStore(ctx, storeID)
}

// ListByWallet returns the wallet's migration history, newest first.
func (s *Service) ListByWallet(ctx context.Context, walletID int64) ([]*models.StampMigrationRequest, error) {
	return s.requests.ListByWallet(ctx, walletID)
}
