package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stampdeck/backend/internal/guard"
	"github.com/stampdeck/backend/internal/models"
)

// ErrInvalidDelta is returned when a stamp event has a zero delta or would
// drive the card's balance negative.
var ErrInvalidDelta = errors.New("invalid stamp delta")

// ErrCardNotFound is returned when the wallet stamp card does not exist.
var ErrCardNotFound = errors.New("wallet stamp card not found")

// ErrAccessDenied is returned when a manual adjustment is attempted by
// someone who does not own the card's store.
var ErrAccessDenied = errors.New("access denied")

// EventRepo is the minimal stamp-event interface the ledger needs.
type EventRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.StampEvent) error
	SumByCard(ctx context.Context, cardID int64) (int, error)
}

// CardRepo is the minimal balance interface the ledger needs. AddStampsTx
// applies the delta conditionally and reports ErrInvalidDelta when the
// resulting count would be negative.
type CardRepo interface {
	AddStampsTx(ctx context.Context, tx pgx.Tx, cardID int64, delta int, at time.Time) (newCount int, err error)
	GetTx(ctx context.Context, tx pgx.Tx, cardID int64) (*models.WalletStampCard, error)
}

// OwnerRepo answers store-ownership checks for manual adjustments.
type OwnerRepo interface {
	IsOwner(ctx context.Context, storeID, ownerID int64) (bool, error)
}

// Service is the stamp ledger: an append-only event log plus the cached
// per-card balance derived from it. The event insert and the balance update
// always commit together; callers pass the transaction their own state
// transition runs in, so an approval and its ledger effect are all-or-nothing.
type Service struct {
	events EventRepo
	cards  CardRepo
	owners OwnerRepo
	guard  guard.Guard
}

func NewService(events EventRepo, cards CardRepo, owners OwnerRepo, g guard.Guard) *Service {
	return &Service{events: events, cards: cards, owners: owners, guard: g}
}

// Append inserts the immutable event row without touching the cached balance.
// Zero deltas are rejected, as is a negative delta larger than the card's
// current balance.
func (s *Service) Append(ctx context.Context, tx pgx.Tx, e *models.StampEvent) error {
	if e.Delta == 0 {
		return ErrInvalidDelta
	}
	if e.Delta < 0 {
		card, err := s.cards.GetTx(ctx, tx, e.WalletStampCardID)
		if err != nil {
			return err
		}
		if card.StampCount+e.Delta < 0 {
			return ErrInvalidDelta
		}
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	return s.events.CreateTx(ctx, tx, e)
}

// ApplyAndCredit appends a stamp event and updates the cached balance as one
// unit inside the caller's transaction. Returns the event id and the new
// balance. AddStampsTx re-checks the balance conditionally, so a lost race
// after Append's precheck fails the call and the caller's transaction rolls
// the event row back with it.
func (s *Service) ApplyAndCredit(ctx context.Context, tx pgx.Tx, cardID int64, delta int, eventType, reason, requestRef string) (int64, int, error) {
	card, err := s.cards.GetTx(ctx, tx, cardID)
	if err != nil {
		return 0, 0, err
	}
	now := time.Now()
	e := &models.StampEvent{
		StoreID:           card.StoreID,
		StampCardID:       card.StampCardID,
		WalletStampCardID: cardID,
		Type:              eventType,
		Delta:             delta,
		Reason:            reason,
		RequestRef:        requestRef,
		OccurredAt:        now,
	}
	if err := s.Append(ctx, tx, e); err != nil {
		return 0, 0, err
	}
	newCount, err := s.cards.AddStampsTx(ctx, tx, cardID, delta, now)
	if err != nil {
		return 0, 0, err
	}
	return e.ID, newCount, nil
}

// Reconcile replays all events for the card and returns the recomputed
// balance. Read-only; used to audit the cached stamp_count.
func (s *Service) Reconcile(ctx context.Context, cardID int64) (int, error) {
	return s.events.SumByCard(ctx, cardID)
}

// ManualAdjust applies an owner-initiated correction to a card's balance,
// guarded the same way workflow decisions are.
func (s *Service) ManualAdjust(ctx context.Context, cardID int64, delta int, reason string, ownerID int64) (int, error) {
	if delta == 0 {
		return 0, ErrInvalidDelta
	}
	var newCount int
	err := s.guard.WithExclusive(ctx, guard.EntityWalletStampCard, cardID, func(ctx context.Context, tx pgx.Tx) error {
		card, err := s.cards.GetTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		ok, err := s.owners.IsOwner(ctx, card.StoreID, ownerID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccessDenied
		}
		_, newCount, err = s.ApplyAndCredit(ctx, tx, cardID, delta, models.StampEventManualAdjust, reason, fmt.Sprintf("manual-%d", ownerID))
		return err
	})
	if err != nil {
		return 0, err
	}
	return newCount, nil
}
