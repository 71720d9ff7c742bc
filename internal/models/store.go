package models

import "time"

// Stamp card status enums. A store has at most one ACTIVE card at a time.
const (
	StampCardStatusActive   = "ACTIVE"
	StampCardStatusInactive = "INACTIVE"
)

type Store struct {
	ID             int64     `json:"id"`
	OwnerAccountID int64     `json:"owner_account_id"`
	Name           string    `json:"name"`
	Address        string    `json:"address,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// StampCard is the store-side card definition: how many stamps earn which
// reward. Wallet-side progress lives in WalletStampCard.
type StampCard struct {
	ID         int64     `json:"id"`
	StoreID    int64     `json:"store_id"`
	Title      string    `json:"title"`
	RewardName string    `json:"reward_name"`
	StampGoal  int       `json:"stamp_goal"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}
