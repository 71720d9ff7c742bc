package models

import "time"

// Migration request status enums. Only SUBMITTED rows are mutable.
const (
	MigrationStatusSubmitted = "SUBMITTED"
	MigrationStatusApproved  = "APPROVED"
	MigrationStatusRejected  = "REJECTED"
	MigrationStatusCanceled  = "CANCELED"
)

type StampMigrationRequest struct {
	ID                 int64      `json:"id"`
	WalletID           int64      `json:"wallet_id"`
	StoreID            int64      `json:"store_id"`
	WalletStampCardID  int64      `json:"wallet_stamp_card_id"`
	ImageRef           string     `json:"image_ref"`
	Status             string     `json:"status"`
	ApprovedStampCount *int       `json:"approved_stamp_count,omitempty"`
	RejectReason       *string    `json:"reject_reason,omitempty"`
	RequestedAt        time.Time  `json:"requested_at"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty"`
}

func (r *StampMigrationRequest) IsSubmitted() bool {
	return r.Status == MigrationStatusSubmitted
}
