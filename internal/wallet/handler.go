package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/stampdeck/backend/internal/ledger"
	"github.com/stampdeck/backend/internal/middleware"
	"github.com/stampdeck/backend/internal/models"
)

// CardReader serves the wallet's card list and single-card reads.
type CardReader interface {
	ListByWallet(ctx context.Context, walletID int64) ([]*models.WalletStampCard, error)
	Get(ctx context.Context, cardID int64) (*models.WalletStampCard, error)
}

// EventReader serves a card's stamp history.
type EventReader interface {
	ListByCard(ctx context.Context, cardID int64) ([]*models.StampEvent, error)
}

// Handler is the customer-side read surface: card balances and the stamp
// history behind them.
type Handler struct {
	cards  CardReader
	events EventReader
	log    *slog.Logger
}

func NewHandler(cards CardReader, events EventReader, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cards: cards, events: events, log: log}
}

// ListCards handles GET /api/v1/wallet/cards.
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	walletID, ok := middleware.WalletIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.cards.ListByWallet(r.Context(), walletID)
	if err != nil {
		h.log.Error("list cards failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.WalletStampCard{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetCard handles GET /api/v1/wallet/cards/{id}.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	card, ok := h.ownedCard(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// ListCardEvents handles GET /api/v1/wallet/cards/{id}/events.
func (h *Handler) ListCardEvents(w http.ResponseWriter, r *http.Request) {
	card, ok := h.ownedCard(w, r)
	if !ok {
		return
	}
	events, err := h.events.ListByCard(r.Context(), card.ID)
	if err != nil {
		h.log.Error("list card events failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*models.StampEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) ownedCard(w http.ResponseWriter, r *http.Request) (*models.WalletStampCard, bool) {
	walletID, ok := middleware.WalletIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	cardID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid card id", http.StatusBadRequest)
		return nil, false
	}
	card, err := h.cards.Get(r.Context(), cardID)
	if err != nil {
		if errors.Is(err, ledger.ErrCardNotFound) {
			http.Error(w, "card not found", http.StatusNotFound)
			return nil, false
		}
		h.log.Error("get card failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	if card.WalletID != walletID {
		http.Error(w, "access denied", http.StatusForbidden)
		return nil, false
	}
	return card, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
