package models

import "time"

type RedeemSession struct {
	ID              int64      `json:"id"`
	WalletID        int64      `json:"wallet_id"`
	WalletRewardID  int64      `json:"wallet_reward_id"`
	SessionToken    string     `json:"session_token"`
	ClientRequestID string     `json:"client_request_id"`
	Completed       bool       `json:"completed"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (s *RedeemSession) IsExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
