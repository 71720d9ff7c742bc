package redemption

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stampdeck/backend/internal/guard"
	"github.com/stampdeck/backend/internal/models"
)

// --- in-memory mocks ---

type memSessions struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*models.RedeemSession
}

func newMemSessions() *memSessions {
	return &memSessions{byID: make(map[int64]*models.RedeemSession)}
}

func (m *memSessions) Insert(ctx context.Context, s *models.RedeemSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	s.CreatedAt = time.Now()
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *memSessions) FindByWalletAndClientRequestID(ctx context.Context, walletID int64, key string) (*models.RedeemSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.WalletID == walletID && s.ClientRequestID == key {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memSessions) GetByToken(ctx context.Context, tx pgx.Tx, token string) (*models.RedeemSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.SessionToken == token {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

// holdsLive reports whether an uncompleted, unexpired session references the
// reward.
func (m *memSessions) holdsLive(rewardID int64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.WalletRewardID == rewardID && !s.Completed && now.Before(s.ExpiresAt) {
			return true
		}
	}
	return false
}

func (m *memSessions) MarkCompleted(ctx context.Context, tx pgx.Tx, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Completed = true
	t := at
	s.CompletedAt = &t
	return nil
}

type memRewards struct {
	mu       sync.Mutex
	nextID   int64
	byID     map[int64]*models.WalletReward
	sessions *memSessions
}

func newMemRewards() *memRewards {
	return &memRewards{byID: make(map[int64]*models.WalletReward)}
}

func (m *memRewards) InsertTx(ctx context.Context, tx pgx.Tx, w *models.WalletReward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	w.ID = m.nextID
	cp := *w
	m.byID[w.ID] = &cp
	return nil
}

func (m *memRewards) Get(ctx context.Context, id int64) (*models.WalletReward, error) {
	return m.GetTx(ctx, nil, id)
}

func (m *memRewards) GetTx(ctx context.Context, tx pgx.Tx, id int64) (*models.WalletReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byID[id]
	if !ok {
		return nil, ErrRewardNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memRewards) transition(id int64, from, to string, at *time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byID[id]
	if !ok || w.Status != from {
		return false
	}
	w.Status = to
	if at != nil {
		t := *at
		w.RedeemedAt = &t
	}
	return true
}

func (m *memRewards) Reserve(ctx context.Context, id int64) (bool, error) {
	return m.transition(id, models.RewardStatusAvailable, models.RewardStatusRedeeming, nil), nil
}

func (m *memRewards) Release(ctx context.Context, tx pgx.Tx, id int64, now time.Time) (bool, error) {
	if m.sessions != nil && m.sessions.holdsLive(id, now) {
		return false, nil
	}
	return m.transition(id, models.RewardStatusRedeeming, models.RewardStatusAvailable, nil), nil
}

func (m *memRewards) Redeem(ctx context.Context, tx pgx.Tx, id int64, at time.Time) (bool, error) {
	return m.transition(id, models.RewardStatusRedeeming, models.RewardStatusRedeemed, &at), nil
}

func (m *memRewards) ListByWallet(ctx context.Context, walletID int64) ([]*models.WalletReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.WalletReward
	for _, w := range m.byID {
		if w.WalletID == walletID {
			cp := *w
			list = append(list, &cp)
		}
	}
	return list, nil
}

type memCards struct {
	mu   sync.Mutex
	byID map[int64]*models.WalletStampCard
}

func (m *memCards) GetTx(ctx context.Context, tx pgx.Tx, cardID int64) (*models.WalletStampCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[cardID]
	if !ok {
		return nil, errors.New("card not found")
	}
	cp := *c
	return &cp, nil
}

func (m *memCards) MarkRewardedTx(ctx context.Context, tx pgx.Tx, cardID int64, rewarded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[cardID].IsRewarded = rewarded
	return nil
}

type memStampCards struct {
	cards  map[int64]*models.StampCard
	owners map[int64]int64
}

func (m *memStampCards) GetStampCard(ctx context.Context, id int64) (*models.StampCard, error) {
	c, ok := m.cards[id]
	if !ok {
		return nil, errors.New("stamp card not found")
	}
	return c, nil
}

func (m *memStampCards) IsOwner(ctx context.Context, storeID, ownerID int64) (bool, error) {
	return m.owners[storeID] == ownerID, nil
}

type memLedger struct {
	mu       sync.Mutex
	nextID   int64
	balances map[int64]int
	events   []models.StampEvent
}

func (m *memLedger) ApplyAndCredit(ctx context.Context, tx pgx.Tx, cardID int64, delta int, eventType, reason, requestRef string) (int64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.balances[cardID] += delta
	m.events = append(m.events, models.StampEvent{ID: m.nextID, WalletStampCardID: cardID, Type: eventType, Delta: delta, RequestRef: requestRef})
	return m.nextID, m.balances[cardID], nil
}

type fixture struct {
	svc      *Service
	sessions *memSessions
	rewards  *memRewards
	cards    *memCards
	ledger   *memLedger
}

// newFixture seeds wallet 42 with a full card (balance 10, goal 10) and one
// AVAILABLE reward for it.
func newFixture(t *testing.T, sessionTTL time.Duration) *fixture {
	t.Helper()
	sessions := newMemSessions()
	rewards := newMemRewards()
	rewards.sessions = sessions
	cards := &memCards{byID: map[int64]*models.WalletStampCard{
		5: {ID: 5, WalletID: 42, StoreID: 1, StampCardID: 7, StampCount: 10, IsRewarded: true},
	}}
	stampCards := &memStampCards{
		cards:  map[int64]*models.StampCard{7: {ID: 7, StoreID: 1, RewardName: "free americano", StampGoal: 10}},
		owners: map[int64]int64{1: 100},
	}
	led := &memLedger{balances: map[int64]int{5: 10}}
	rewards.byID[1] = &models.WalletReward{
		ID: 1, WalletID: 42, StoreID: 1, StampCardID: 7, WalletStampCardID: 5,
		RewardName: "free americano", Status: models.RewardStatusAvailable, IssuedAt: time.Now(),
	}
	rewards.nextID = 1
	svc := NewService(sessions, rewards, cards, stampCards, led, guard.NewMemory(time.Second), sessionTTL, 0, nil)
	return &fixture{svc: svc, sessions: sessions, rewards: rewards, cards: cards, ledger: led}
}

// --- tests ---

func TestCreateSessionReservesReward(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	sess, created, err := f.svc.CreateSession(ctx, 42, 1, "req-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !created || sess.SessionToken == "" {
		t.Fatalf("created=%v token=%q", created, sess.SessionToken)
	}
	if got, _ := f.rewards.Get(ctx, 1); got.Status != models.RewardStatusRedeeming {
		t.Fatalf("reward status = %s, want REDEEMING", got.Status)
	}

	// A second session for the reserved reward is refused.
	if _, _, err := f.svc.CreateSession(ctx, 42, 1, "req-2"); !errors.Is(err, ErrRewardUnavailable) {
		t.Fatalf("got %v, want ErrRewardUnavailable", err)
	}

	// Replaying the original client request returns the same session.
	replay, created, err := f.svc.CreateSession(ctx, 42, 1, "req-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created || replay.ID != sess.ID {
		t.Fatalf("created=%v id=%d want id=%d", created, replay.ID, sess.ID)
	}
}

func TestCreateSessionDeniesForeignReward(t *testing.T) {
	f := newFixture(t, time.Minute)
	if _, _, err := f.svc.CreateSession(context.Background(), 43, 1, "req-1"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
}

func TestCompleteConsumesReward(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	sess, _, err := f.svc.CreateSession(ctx, 42, 1, "req-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	c, err := f.svc.Complete(ctx, sess.SessionToken, 1, 100)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if c.Reward.Status != models.RewardStatusRedeemed {
		t.Fatalf("reward status = %s", c.Reward.Status)
	}
	if c.NewBalance != 0 {
		t.Fatalf("balance = %d, want 0 after goal debit", c.NewBalance)
	}
	if !c.Session.Completed || c.Session.CompletedAt == nil {
		t.Fatal("session not marked completed")
	}
	if len(f.ledger.events) != 1 || f.ledger.events[0].Type != models.StampEventRedeemed || f.ledger.events[0].Delta != -10 {
		t.Fatalf("unexpected ledger events: %+v", f.ledger.events)
	}
	if card, _ := f.cards.GetTx(ctx, nil, 5); card.IsRewarded {
		t.Fatal("is_rewarded not reset after redemption")
	}

	// A second scan of the same token is a no-op success.
	again, err := f.svc.Complete(ctx, sess.SessionToken, 1, 100)
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if !again.Session.Completed {
		t.Fatal("repeat complete lost completion")
	}
	if len(f.ledger.events) != 1 {
		t.Fatalf("repeat complete wrote %d ledger events", len(f.ledger.events))
	}
}

func TestCompleteExpiredSessionReleasesReward(t *testing.T) {
	f := newFixture(t, -time.Second) // session is dead on arrival
	ctx := context.Background()

	sess, _, err := f.svc.CreateSession(ctx, 42, 1, "req-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := f.svc.Complete(ctx, sess.SessionToken, 1, 100); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("got %v, want ErrSessionExpired", err)
	}
	if got, _ := f.rewards.Get(ctx, 1); got.Status != models.RewardStatusAvailable {
		t.Fatalf("reward status = %s, want AVAILABLE after release", got.Status)
	}
	if len(f.ledger.events) != 0 {
		t.Fatal("expired completion must not touch the ledger")
	}
}

func TestStaleTokenCannotReleaseLiveReservation(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	s1, _, err := f.svc.CreateSession(ctx, 42, 1, "req-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	// s1 times out before the terminal sees it; scanning it releases the
	// reward.
	f.sessions.byID[s1.ID].ExpiresAt = time.Now().Add(-time.Second)
	if _, err := f.svc.Complete(ctx, s1.SessionToken, 1, 100); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("got %v, want ErrSessionExpired", err)
	}
	if got, _ := f.rewards.Get(ctx, 1); got.Status != models.RewardStatusAvailable {
		t.Fatalf("reward status = %s, want AVAILABLE after release", got.Status)
	}

	// The wallet opens a fresh session on the same reward.
	s2, _, err := f.svc.CreateSession(ctx, 42, 1, "req-2")
	if err != nil {
		t.Fatalf("second session: %v", err)
	}

	// Re-scanning the stale token must not free s2's reservation.
	if _, err := f.svc.Complete(ctx, s1.SessionToken, 1, 100); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("got %v, want ErrSessionExpired", err)
	}
	if got, _ := f.rewards.Get(ctx, 1); got.Status != models.RewardStatusRedeeming {
		t.Fatalf("stale scan moved reward to %s", got.Status)
	}

	// The live session still completes.
	c, err := f.svc.Complete(ctx, s2.SessionToken, 1, 100)
	if err != nil {
		t.Fatalf("live completion: %v", err)
	}
	if c.Reward.Status != models.RewardStatusRedeemed {
		t.Fatalf("reward status = %s, want REDEEMED", c.Reward.Status)
	}
}

func TestCompleteAccessDenied(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	sess, _, err := f.svc.CreateSession(ctx, 42, 1, "req-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	// Wrong store.
	if _, err := f.svc.Complete(ctx, sess.SessionToken, 2, 100); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
	// Right store, wrong owner.
	if _, err := f.svc.Complete(ctx, sess.SessionToken, 1, 999); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
	if got, _ := f.rewards.Get(ctx, 1); got.Status != models.RewardStatusRedeeming {
		t.Fatalf("denied completion mutated reward to %s", got.Status)
	}
}

func TestConcurrentCompletionsApplyOnce(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	sess, _, err := f.svc.CreateSession(ctx, 42, 1, "req-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Complete(ctx, sess.SessionToken, 1, 100)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// All scans succeed (completion is idempotent) but only one debits.
	if len(f.ledger.events) != 1 {
		t.Fatalf("ledger has %d events, want exactly 1", len(f.ledger.events))
	}
}

func TestIssueIfGoalReached(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	// Already-rewarded cards never mint duplicates.
	if r, err := f.svc.IssueIfGoalReached(ctx, nil, 5, 10); err != nil || r != nil {
		t.Fatalf("got reward=%v err=%v for rewarded card", r, err)
	}

	f.cards.byID[5].IsRewarded = false
	if r, err := f.svc.IssueIfGoalReached(ctx, nil, 5, 9); err != nil || r != nil {
		t.Fatalf("got reward=%v err=%v below goal", r, err)
	}
	r, err := f.svc.IssueIfGoalReached(ctx, nil, 5, 10)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if r == nil || r.Status != models.RewardStatusAvailable || r.RewardName != "free americano" {
		t.Fatalf("unexpected reward: %+v", r)
	}
	if card, _ := f.cards.GetTx(ctx, nil, 5); !card.IsRewarded {
		t.Fatal("is_rewarded not set after issuing")
	}
}
