package redemption

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
)

// HandlerService is the slice of the service the HTTP layer uses.
type HandlerService interface {
	CreateSession(ctx context.Context, walletID, rewardID int64, clientRequestID string) (*models.RedeemSession, bool, error)
	GetSession(ctx context.Context, token string, walletID int64) (*models.RedeemSession, error)
	Complete(ctx context.Context, token string, storeID, ownerID int64) (*Completion, error)
	ListRewards(ctx context.Context, walletID int64) ([]*models.WalletReward, error)
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

type CreateSessionRequest struct {
	RewardID        int64  `json:"reward_id"`
	ClientRequestID string `json:"client_request_id"`
}

type CompletionResponse struct {
	Session    *models.RedeemSession `json:"session"`
	Reward     *models.WalletReward  `json:"reward"`
	NewBalance int                   `json:"new_balance"`
}

// CreateSession handles POST /api/v1/redeem-sessions (wallet auth).
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	walletID, ok := middleware.WalletIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.RewardID <= 0 || req.ClientRequestID == "" {
		http.Error(w, "reward_id and client_request_id are required", http.StatusBadRequest)
		return
	}
	sess, created, err := h.svc.CreateSession(r.Context(), walletID, req.RewardID, req.ClientRequestID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sess)
}

// GetSession handles GET /api/v1/redeem-sessions/{token} (wallet auth, polling).
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	walletID, ok := middleware.WalletIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sess, err := h.svc.GetSession(r.Context(), r.PathValue("token"), walletID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Complete handles POST /api/v1/stores/{storeID}/redeem-sessions/{token}/complete (owner auth).
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
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
	c, err := h.svc.Complete(r.Context(), r.PathValue("token"), storeID, ownerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CompletionResponse{Session: c.Session, Reward: c.Reward, NewBalance: c.NewBalance})
}

// ListRewards handles GET /api/v1/rewards (wallet auth).
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	walletID, ok := middleware.WalletIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.svc.ListRewards(r.Context(), walletID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.WalletReward{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrRewardNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrSessionExpired):
		http.Error(w, "redeem session expired", http.StatusGone)
	case errors.Is(err, ErrRewardUnavailable):
		http.Error(w, "reward is not available", http.StatusConflict)
	case errors.Is(err, ErrAccessDenied):
		http.Error(w, "access denied", http.StatusForbidden)
	case errors.Is(err, ledger.ErrInvalidDelta), errors.Is(err, ledger.ErrCardNotFound):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, guard.ErrLockTimeout):
		http.Error(w, "resource busy, retry", http.StatusServiceUnavailable)
	default:
		h.log.Error("redeem request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
