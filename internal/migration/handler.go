package migration

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
	Submit(ctx context.Context, walletID, storeID int64, imageRef string) (*models.StampMigrationRequest, error)
	Approve(ctx context.Context, storeID, requestID, ownerID int64, count int) (*Decision, error)
	Reject(ctx context.Context, storeID, requestID, ownerID int64, reason string) (*Decision, error)
	Cancel(ctx context.Context, requestID, walletID int64) (*models.StampMigrationRequest, error)
	ListOpen(ctx context.Context, storeID, ownerID int64) ([]*models.StampMigrationRequest, error)
	ListByWallet(ctx context.Context, walletID int64) ([]*models.StampMigrationRequest, error)
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

type SubmitRequest struct {
	StoreID  int64  `json:"store_id"`
	ImageRef string `json:"image_ref"`
}

type ApproveRequest struct {
	StampCount int `json:"stamp_count"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type DecisionResponse struct {
	Request    *models.StampMigrationRequest `json:"request"`
	NewBalance int                           `json:"new_balance"`
	Reward     *models.WalletReward          `json:"reward,omitempty"`
}

// Submit handles POST /api/v1/migration-requests (wallet auth).
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	walletID, ok := middleware.WalletIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.StoreID <= 0 || req.ImageRef == "" {
		http.Error(w, "store_id and image_ref are required", http.StatusBadRequest)
		return
	}
	out, err := h.svc.Submit(r.Context(), walletID, req.StoreID, req.ImageRef)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// Approve handles POST /api/v1/stores/{storeID}/migration-requests/{id}/approve (owner auth).
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	ownerID, storeID, requestID, ok := h.decisionParams(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	d, err := h.svc.Approve(r.Context(), storeID, requestID, ownerID, req.StampCount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecisionResponse{Request: d.Request, NewBalance: d.NewBalance, Reward: d.Reward})
}

// Reject handles POST /api/v1/stores/{storeID}/migration-requests/{id}/reject (owner auth).
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	ownerID, storeID, requestID, ok := h.decisionParams(w, r)
	if !ok {
		return
	}
	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	d, err := h.svc.Reject(r.Context(), storeID, requestID, ownerID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecisionResponse{Request: d.Request})
}

// Cancel handles POST /api/v1/migration-requests/{id}/cancel (wallet auth).
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	walletID, ok := middleware.WalletIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	requestID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return
	}
	out, err := h.svc.Cancel(r.Context(), requestID, walletID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListOpen handles GET /api/v1/stores/{storeID}/migration-requests (owner auth).
func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
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
	list, err := h.svc.ListOpen(r.Context(), storeID, ownerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.StampMigrationRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ListMine handles GET /api/v1/migration-requests (wallet auth).
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	walletID, ok := middleware.WalletIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.svc.ListByWallet(r.Context(), walletID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.StampMigrationRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) decisionParams(w http.ResponseWriter, r *http.Request) (ownerID, storeID, requestID int64, ok bool) {
	ownerID, authed := middleware.OwnerIDFromCtx(r.Context())
	if !authed {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return 0, 0, 0, false
	}
	storeID, err := strconv.ParseInt(r.PathValue("storeID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid store id", http.StatusBadRequest)
		return 0, 0, 0, false
	}
	requestID, err = strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return 0, 0, 0, false
	}
	return ownerID, storeID, requestID, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "migration request not found", http.StatusNotFound)
	case errors.Is(err, ErrAlreadyOpen):
		http.Error(w, "an open migration request already exists for this store", http.StatusConflict)
	case errors.Is(err, ErrNotOpen):
		http.Error(w, "migration request already processed", http.StatusConflict)
	case errors.Is(err, ErrInvalidCount):
		http.Error(w, "approved stamp count out of range", http.StatusUnprocessableEntity)
	case errors.Is(err, ErrAccessDenied):
		http.Error(w, "access denied", http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNoActiveCard):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidDelta):
		http.Error(w, "invalid stamp delta", http.StatusUnprocessableEntity)
	case errors.Is(err, guard.ErrLockTimeout):
		http.Error(w, "resource busy, retry", http.StatusServiceUnavailable)
	default:
		h.log.Error("migration request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
