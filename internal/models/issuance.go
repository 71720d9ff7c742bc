package models

import "time"

// Issuance request status enums. Transitions are one-way and only out of PENDING.
const (
	IssuanceStatusPending  = "PENDING"
	IssuanceStatusApproved = "APPROVED"
	IssuanceStatusRejected = "REJECTED"
	IssuanceStatusExpired  = "EXPIRED"
)

type IssuanceRequest struct {
	ID                int64      `json:"id"`
	StoreID           int64      `json:"store_id"`
	WalletID          int64      `json:"wallet_id"`
	WalletStampCardID int64      `json:"wallet_stamp_card_id"`
	IdempotencyKey    string     `json:"idempotency_key"`
	Status            string     `json:"status"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func (r *IssuanceRequest) IsPending() bool {
	return r.Status == IssuanceStatusPending
}

func (r *IssuanceRequest) IsExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
