package models

import "time"

// Wallet reward status enums. AVAILABLE→REDEEMING happens when a redeem
// session reserves the reward; REDEEMING→REDEEMED on session completion;
// REDEEMING→AVAILABLE when a session times out and the sweeper releases it.
const (
	RewardStatusAvailable = "AVAILABLE"
	RewardStatusRedeeming = "REDEEMING"
	RewardStatusRedeemed  = "REDEEMED"
	RewardStatusExpired   = "EXPIRED"
)

// WalletStampCard holds the cached stamp balance for one (wallet, stamp card)
// pair. StampCount is mutated only through the ledger.
type WalletStampCard struct {
	ID            int64      `json:"id"`
	WalletID      int64      `json:"wallet_id"`
	StoreID       int64      `json:"store_id"`
	StampCardID   int64      `json:"stamp_card_id"`
	StampCount    int        `json:"stamp_count"`
	IsRewarded    bool       `json:"is_rewarded"`
	LastStampedAt *time.Time `json:"last_stamped_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type WalletReward struct {
	ID                int64      `json:"id"`
	WalletID          int64      `json:"wallet_id"`
	StoreID           int64      `json:"store_id"`
	StampCardID       int64      `json:"stamp_card_id"`
	WalletStampCardID int64      `json:"wallet_stamp_card_id"`
	RewardName        string     `json:"reward_name"`
	Status            string     `json:"status"`
	IssuedAt          time.Time  `json:"issued_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	RedeemedAt        *time.Time `json:"redeemed_at,omitempty"`
}

// IsAvailableAt reports whether the reward can start a redeem session.
func (r *WalletReward) IsAvailableAt(now time.Time) bool {
	if r.Status != RewardStatusAvailable {
		return false
	}
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}
