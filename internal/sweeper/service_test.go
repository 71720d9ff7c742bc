package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stampdeck/backend/internal/models"
)

// memExpiry acts like the conditional bulk updates: each deadline bucket is
// drained on first touch and reports zero afterwards.
type memExpiry struct {
	dueIssuance int64
	dueReleases int64
	dueRewards  int64
	failRelease bool
}

func (m *memExpiry) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	n := m.dueIssuance
	m.dueIssuance = 0
	return n, nil
}

func (m *memExpiry) ReleaseDueSessionRewards(ctx context.Context, now time.Time) (int64, error) {
	if m.failRelease {
		return 0, errors.New("connection reset")
	}
	n := m.dueReleases
	m.dueReleases = 0
	return n, nil
}

func (m *memExpiry) ExpireDueRewards(ctx context.Context, now time.Time) (int64, error) {
	n := m.dueRewards
	m.dueRewards = 0
	return n, nil
}

// memRewardStore mirrors the release pass: a REDEEMING reward referenced by a
// timed-out session goes back to AVAILABLE only when no live uncompleted
// session still holds it.
type sweepSession struct {
	rewardID  int64
	completed bool
	expiresAt time.Time
}

type memRewardStore struct {
	sessions []sweepSession
	status   map[int64]string
}

func (m *memRewardStore) ReleaseDueSessionRewards(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, st := range m.status {
		if st != models.RewardStatusRedeeming {
			continue
		}
		var dead, live bool
		for _, s := range m.sessions {
			if s.rewardID != id || s.completed {
				continue
			}
			if s.expiresAt.Before(now) {
				dead = true
			} else {
				live = true
			}
		}
		if dead && !live {
			m.status[id] = models.RewardStatusAvailable
			n++
		}
	}
	return n, nil
}

func (m *memRewardStore) ExpireDueRewards(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func TestSweepCountsEachPass(t *testing.T) {
	m := &memExpiry{dueIssuance: 3, dueReleases: 2, dueRewards: 1}
	svc := NewService(m, m, nil)

	res, err := svc.Sweep(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.ExpiredIssuance != 3 || res.ReleasedRewards != 2 || res.ExpiredRewards != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	m := &memExpiry{dueIssuance: 3, dueReleases: 2, dueRewards: 1}
	svc := NewService(m, m, nil)
	ctx := context.Background()

	if _, err := svc.Sweep(ctx, time.Now()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	res, err := svc.Sweep(ctx, time.Now())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res != (Result{}) {
		t.Fatalf("second sweep touched rows: %+v", res)
	}
}

func TestSweepLeavesReservationsHeldByLiveSessions(t *testing.T) {
	now := time.Now()
	store := &memRewardStore{
		status: map[int64]string{1: models.RewardStatusRedeeming},
		sessions: []sweepSession{
			// The first session timed out; the wallet re-reserved the reward
			// with a fresh one.
			{rewardID: 1, expiresAt: now.Add(-time.Minute)},
			{rewardID: 1, expiresAt: now.Add(time.Minute)},
		},
	}
	svc := NewService(&memExpiry{}, store, nil)
	ctx := context.Background()

	res, err := svc.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.ReleasedRewards != 0 || store.status[1] != models.RewardStatusRedeeming {
		t.Fatalf("sweep freed a live reservation: released=%d status=%s", res.ReleasedRewards, store.status[1])
	}

	// Once the fresh session times out too, the reward is put back.
	res, err = svc.Sweep(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res.ReleasedRewards != 1 || store.status[1] != models.RewardStatusAvailable {
		t.Fatalf("sweep did not release: released=%d status=%s", res.ReleasedRewards, store.status[1])
	}
}

func TestSweepKeepsPartialProgress(t *testing.T) {
	m := &memExpiry{dueIssuance: 4, failRelease: true}
	svc := NewService(m, m, nil)

	res, err := svc.Sweep(context.Background(), time.Now())
	if err == nil {
		t.Fatal("expected error from failing release pass")
	}
	if res.ExpiredIssuance != 4 {
		t.Fatalf("lost partial progress: %+v", res)
	}
}
