package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/stampdeck/backend/internal/guard"
	"github.com/stampdeck/backend/internal/ledger"
	"github.com/stampdeck/backend/internal/middleware"
	"github.com/stampdeck/backend/internal/models"
	"github.com/stampdeck/backend/internal/store"
)

// HandlerService is the slice of the service the HTTP layer uses.
type HandlerService interface {
	Create(ctx context.Context, walletID, storeID int64, idempotencyKey string) (*models.IssuanceRequest, bool, error)
	Get(ctx context.Context, id, walletID int64) (*models.IssuanceRequest, error)
	Approve(ctx context.Context, storeID, requestID, ownerID int64) (*Decision, error)
	Reject(ctx context.Context, storeID, requestID, ownerID int64) (*Decision, error)
	ListPending(ctx context.Context, storeID, ownerID int64) ([]*models.IssuanceRequest, error)
}

type Handler struct {
	svc HandlerService
	log *slog.Logger
}

func NewHandler(svc HandlerService, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type CreateRequest struct {
	StoreID        int64  `json:"store_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type DecisionResponse struct {
	Request    *models.IssuanceRequest `json:"request"`
	StampDelta int                     `json:"stamp_delta"`
	NewBalance int                     `json:"new_balance"`
	Reward     *models.WalletReward    `json:"reward,omitempty"`
}

// Create handles POST /api/v1/issuance-requests (wallet auth).
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	walletID, ok := middleware.WalletIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.StoreID <= 0 || req.IdempotencyKey == "" {
		http.Error(w, "store_id and idempotency_key are required", http.StatusBadRequest)
		return
	}
	out, created, err := h.svc.Create(r.Context(), walletID, req.StoreID, req.IdempotencyKey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

// Get handles GET /api/v1/issuance-requests/{id} (wallet auth, polling).
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	walletID, ok := middleware.WalletIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return
	}
	out, err := h.svc.Get(r.Context(), id, walletID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListPending handles GET /api/v1/stores/{storeID}/issuance-requests (owner auth).
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	storeID, err := strconv.ParseInt(r.PathValue("storeID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid store id", http.StatusBadRequest)
		return
	}
	list, err := h.svc.ListPending(r.Context(), storeID, ownerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.IssuanceRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Approve handles POST /api/v1/stores/{storeID}/issuance-requests/{id}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.svc.Approve)
}

// Reject handles POST /api/v1/stores/{storeID}/issuance-requests/{id}/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.svc.Reject)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, storeID, requestID, ownerID int64) (*Decision, error)) {
	ownerID, ok := middleware.OwnerIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	storeID, err := strconv.ParseInt(r.PathValue("storeID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid store id", http.StatusBadRequest)
		return
	}
	requestID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return
	}
	d, err := fn(r.Context(), storeID, requestID, ownerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecisionResponse{
		Request:    d.Request,
		StampDelta: d.StampDelta,
		NewBalance: d.NewBalance,
		Reward:     d.Reward,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "issuance request not found", http.StatusNotFound)
	case errors.Is(err, ErrExpired):
		http.Error(w, "issuance request expired", http.StatusGone)
	case errors.Is(err, ErrNotPending):
		http.Error(w, "issuance request already decided", http.StatusConflict)
	case errors.Is(err, ErrAlreadyPending):
		http.Error(w, "a pending issuance request already exists for this card", http.StatusConflict)
	case errors.Is(err, ErrAccessDenied):
		http.Error(w, "access denied", http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNoActiveCard):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidDelta):
		http.Error(w, "invalid stamp delta", http.StatusUnprocessableEntity)
	case errors.Is(err, guard.ErrLockTimeout):
		http.Error(w, "resource busy, retry", http.StatusServiceUnavailable)
	default:
		h.log.Error("issuance request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
