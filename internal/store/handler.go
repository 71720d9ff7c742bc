package store

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

// Adjuster applies owner-initiated balance corrections.
type Adjuster interface {
	ManualAdjust(ctx context.Context, cardID int64, delta int, reason string, ownerID int64) (int, error)
	Reconcile(ctx context.Context, cardID int64) (int, error)
}

type Handler struct {
	repo     *Repository
	adjuster Adjuster
	log      *slog.Logger
}

func NewHandler(repo *Repository, adjuster Adjuster, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{repo: repo, adjuster: adjuster, log: log}
}

type CreateStoreRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type CreateStampCardRequest struct {
	Title      string `json:"title"`
	RewardName string `json:"reward_name"`
	StampGoal  int    `json:"stamp_goal"`
}

type AdjustRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

type AdjustResponse struct {
	NewBalance int `json:"new_balance"`
}

type ReconcileResponse struct {
	CardID        int64 `json:"card_id"`
	ReplayedCount int   `json:"replayed_count"`
}

// Create handles POST /api/v1/stores (owner auth).
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreateStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	s, err := h.repo.Create(r.Context(), ownerID, req.Name, req.Address)
	if err != nil {
		h.log.Error("create store failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// ListMine handles GET /api/v1/stores (owner auth).
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.repo.ListByOwner(r.Context(), ownerID)
	if err != nil {
		h.log.Error("list stores failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Store{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /api/v1/stores/{storeID} (public).
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	storeID, err := strconv.ParseInt(r.PathValue("storeID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid store id", http.StatusBadRequest)
		return
	}
	s, err := h.repo.GetByID(r.Context(), storeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "store not found", http.StatusNotFound)
			return
		}
		h.log.Error("get store failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// CreateStampCard handles POST /api/v1/stores/{storeID}/stamp-cards (owner auth).
func (h *Handler) CreateStampCard(w http.ResponseWriter, r *http.Request) {
	_, storeID, ok := h.ownedStore(w, r)
	if !ok {
		return
	}
	var req CreateStampCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Title == "" || req.RewardName == "" || req.StampGoal < 1 {
		http.Error(w, "title, reward_name and a positive stamp_goal are required", http.StatusBadRequest)
		return
	}
	c, err := h.repo.CreateStampCard(r.Context(), storeID, req.Title, req.RewardName, req.StampGoal)
	if err != nil {
		h.log.Error("create stamp card failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetActiveCard handles GET /api/v1/stores/{storeID}/stamp-card (public).
func (h *Handler) GetActiveCard(w http.ResponseWriter, r *http.Request) {
	storeID, err := strconv.ParseInt(r.PathValue("storeID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid store id", http.StatusBadRequest)
		return
	}
	c, err := h.repo.GetActiveCard(r.Context(), storeID)
	if err != nil {
		if errors.Is(err, ErrNoActiveCard) {
			http.Error(w, "store has no active stamp card", http.StatusNotFound)
			return
		}
		h.log.Error("get active card failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AdjustCard handles POST /api/v1/stores/{storeID}/cards/{cardID}/adjust (owner auth).
func (h *Handler) AdjustCard(w http.ResponseWriter, r *http.Request) {
	ownerID, _, ok := h.ownedStore(w, r)
	if !ok {
		return
	}
	cardID, err := strconv.ParseInt(r.PathValue("cardID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid card id", http.StatusBadRequest)
		return
	}
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	newBalance, err := h.adjuster.ManualAdjust(r.Context(), cardID, req.Delta, req.Reason, ownerID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidDelta):
			http.Error(w, "invalid stamp delta", http.StatusUnprocessableEntity)
		case errors.Is(err, ledger.ErrCardNotFound):
			http.Error(w, "card not found", http.StatusNotFound)
		case errors.Is(err, ledger.ErrAccessDenied):
			http.Error(w, "access denied", http.StatusForbidden)
		default:
			h.log.Error("manual adjust failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, AdjustResponse{NewBalance: newBalance})
}

// ReconcileCard handles GET /api/v1/stores/{storeID}/cards/{cardID}/reconcile (owner auth).
func (h *Handler) ReconcileCard(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.ownedStore(w, r); !ok {
		return
	}
	cardID, err := strconv.ParseInt(r.PathValue("cardID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid card id", http.StatusBadRequest)
		return
	}
	sum, err := h.adjuster.Reconcile(r.Context(), cardID)
	if err != nil {
		h.log.Error("reconcile failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{CardID: cardID, ReplayedCount: sum})
}

func (h *Handler) ownedStore(w http.ResponseWriter, r *http.Request) (ownerID, storeID int64, ok bool) {
	ownerID, authed := middleware.OwnerIDFromCtx(r.Context())
	if !authed {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return 0, 0, false
	}
	storeID, err := strconv.ParseInt(r.PathValue("storeID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid store id", http.StatusBadRequest)
		return 0, 0, false
	}
	owns, err := h.repo.IsOwner(r.Context(), storeID, ownerID)
	if err != nil {
		h.log.Error("ownership check failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return 0, 0, false
	}
	if !owns {
		http.Error(w, "access denied", http.StatusForbidden)
		return 0, 0, false
	}
	return ownerID, storeID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
