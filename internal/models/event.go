package models

import "time"

// Stamp event type enums. The stamp_events table is append-only: rows are
// never updated or deleted, and the sum of deltas per wallet stamp card is
// the source of truth for its balance.
const (
	StampEventIssued       = "ISSUED"
	StampEventMigrated     = "MIGRATED"
	StampEventManualAdjust = "MANUAL_ADJUST"
	StampEventRedeemed     = "REDEEMED"
)

type StampEvent struct {
	ID                int64     `json:"id"`
	StoreID           int64     `json:"store_id"`
	StampCardID       int64     `json:"stamp_card_id"`
	WalletStampCardID int64     `json:"wallet_stamp_card_id"`
	Type              string    `json:"type"`
	Delta             int       `json:"delta"`
	Reason            string    `json:"reason,omitempty"`
	RequestRef        string    `json:"request_ref"`
	OccurredAt        time.Time `json:"occurred_at"`
}
