package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// IssuanceExpirer bulk-expires overdue PENDING issuance requests.
type IssuanceExpirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// RewardSweeper releases rewards stranded by timed-out redeem sessions and
// retires rewards past their validity window.
type RewardSweeper interface {
	ReleaseDueSessionRewards(ctx context.Context, now time.Time) (int64, error)
	ExpireDueRewards(ctx context.Context, now time.Time) (int64, error)
}

// Result counts the rows each pass touched.
type Result struct {
	ExpiredIssuance int64
	ReleasedRewards int64
	ExpiredRewards  int64
}

// Service is the background expiry sweep. Every pass is a set of conditional
// bulk updates keyed on status and deadline, so overlapping runs are harmless.
type Service struct {
	issuance IssuanceExpirer
	rewards  RewardSweeper
	log      *slog.Logger
}

func NewService(issuance IssuanceExpirer, rewards RewardSweeper, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{issuance: issuance, rewards: rewards, log: log}
}

// Sweep runs one pass at the given instant. Partial progress is kept: a
// failing step reports what already ran.
func (s *Service) Sweep(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	var err error

	res.ExpiredIssuance, err = s.issuance.ExpireDue(ctx, now)
	if err != nil {
		return res, err
	}
	res.ReleasedRewards, err = s.rewards.ReleaseDueSessionRewards(ctx, now)
	if err != nil {
		return res, err
	}
	res.ExpiredRewards, err = s.rewards.ExpireDueRewards(ctx, now)
	if err != nil {
		return res, err
	}

	if res.ExpiredIssuance > 0 || res.ReleasedRewards > 0 || res.ExpiredRewards > 0 {
		s.log.Info("expiry sweep",
			"expired_issuance", res.ExpiredIssuance,
			"released_rewards", res.ReleasedRewards,
			"expired_rewards", res.ExpiredRewards)
	}
	return res, nil
}
