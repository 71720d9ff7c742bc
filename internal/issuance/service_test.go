package issuance

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

type memRequests struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*models.IssuanceRequest
}

func newMemRequests() *memRequests {
	return &memRequests{byID: make(map[int64]*models.IssuanceRequest)}
}

func (m *memRequests) Insert(ctx context.Context, r *models.IssuanceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	r.CreatedAt = time.Now()
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *memRequests) FindByWalletAndKey(ctx context.Context, walletID int64, key string) (*models.IssuanceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byID {
		if r.WalletID == walletID && r.IdempotencyKey == key {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRequests) HasPendingForCard(ctx context.Context, cardID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byID {
		if r.WalletStampCardID == cardID && r.Status == models.IssuanceStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRequests) Get(ctx context.Context, tx pgx.Tx, id int64) (*models.IssuanceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRequests) MarkDecided(ctx context.Context, tx pgx.Tx, id int64, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.IssuanceStatusPending {
		return ErrNotPending
	}
	r.Status = status
	if status == models.IssuanceStatusApproved {
		t := at
		r.ApprovedAt = &t
	}
	return nil
}

func (m *memRequests) ExpireIfPending(ctx context.Context, tx pgx.Tx, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok || r.Status != models.IssuanceStatusPending {
		return false, nil
	}
	r.Status = models.IssuanceStatusExpired
	return true, nil
}

func (m *memRequests) ListPendingByStore(ctx context.Context, storeID int64, now time.Time) ([]*models.IssuanceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.IssuanceRequest
	for _, r := range m.byID {
		if r.StoreID == storeID && r.Status == models.IssuanceStatusPending && !now.After(r.ExpiresAt) {
			cp := *r
			list = append(list, &cp)
		}
	}
	return list, nil
}

type memCards struct {
	mu     sync.Mutex
	nextID int64
	cards  map[int64]*models.WalletStampCard
}

func newMemCards() *memCards {
	return &memCards{cards: make(map[int64]*models.WalletStampCard)}
}

func (m *memCards) GetOrCreate(ctx context.Context, walletID, storeID, stampCardID int64) (*models.WalletStampCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cards {
		if c.WalletID == walletID && c.StampCardID == stampCardID {
			cp := *c
			return &cp, nil
		}
	}
	m.nextID++
	c := &models.WalletStampCard{ID: m.nextID, WalletID: walletID, StoreID: storeID, StampCardID: stampCardID}
	m.cards[c.ID] = c
	cp := *c
	return &cp, nil
}

type memStores struct {
	activeCard *models.StampCard
	owners     map[int64]int64 // storeID -> ownerID
}

func (m *memStores) GetActiveCard(ctx context.Context, storeID int64) (*models.StampCard, error) {
	return m.activeCard, nil
}

func (m *memStores) IsOwner(ctx context.Context, storeID, ownerID int64) (bool, error) {
	return m.owners[storeID] == ownerID, nil
}

type memLedger struct {
	mu       sync.Mutex
	nextID   int64
	balances map[int64]int
	events   []models.StampEvent
}

func newMemLedger() *memLedger {
	return &memLedger{balances: make(map[int64]int)}
}

func (m *memLedger) ApplyAndCredit(ctx context.Context, tx pgx.Tx, cardID int64, delta int, eventType, reason, requestRef string) (int64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.balances[cardID] += delta
	m.events = append(m.events, models.StampEvent{
		ID: m.nextID, WalletStampCardID: cardID, Type: eventType, Delta: delta, Reason: reason, RequestRef: requestRef,
	})
	return m.nextID, m.balances[cardID], nil
}

type memRewards struct {
	goal   int
	issued []int64
}

func (m *memRewards) IssueIfGoalReached(ctx context.Context, tx pgx.Tx, cardID int64, newBalance int) (*models.WalletReward, error) {
	if m.goal > 0 && newBalance >= m.goal {
		m.issued = append(m.issued, cardID)
		return &models.WalletReward{ID: int64(len(m.issued)), WalletStampCardID: cardID, Status: models.RewardStatusAvailable}, nil
	}
	return nil, nil
}

type fixture struct {
	svc      *Service
	requests *memRequests
	ledger   *memLedger
	rewards  *memRewards
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	requests := newMemRequests()
	led := newMemLedger()
	rewards := &memRewards{goal: 10}
	stores := &memStores{
		activeCard: &models.StampCard{ID: 7, StoreID: 1, StampGoal: 10, Status: models.StampCardStatusActive},
		owners:     map[int64]int64{1: 100},
	}
	svc := NewService(requests, newMemCards(), stores, led, rewards, guard.NewMemory(time.Second), ttl, nil)
	return &fixture{svc: svc, requests: requests, ledger: led, rewards: rewards}
}

// --- tests ---

func TestCreateReplaysSameKey(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	first, created, err := f.svc.Create(ctx, 42, 1, "key-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("expected first call to create")
	}

	second, created, err := f.svc.Create(ctx, 42, 1, "key-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created {
		t.Fatal("replay must not create a new request")
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned id %d, want %d", second.ID, first.ID)
	}

	// The stored row is returned unchanged even after it is decided.
	if _, err := f.svc.Approve(ctx, 1, first.ID, 100); err != nil {
		t.Fatalf("approve: %v", err)
	}
	third, created, err := f.svc.Create(ctx, 42, 1, "key-1")
	if err != nil {
		t.Fatalf("replay after decision: %v", err)
	}
	if created || third.ID != first.ID || third.Status != models.IssuanceStatusApproved {
		t.Fatalf("got id=%d created=%v status=%s", third.ID, created, third.Status)
	}
}

func TestCreateRejectsSecondInFlight(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	if _, _, err := f.svc.Create(ctx, 42, 1, "key-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, err := f.svc.Create(ctx, 42, 1, "key-2")
	if !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("got %v, want ErrAlreadyPending", err)
	}
}

func TestApproveCreditsOneStamp(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, 42, 1, "key-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	d, err := f.svc.Approve(ctx, 1, req.ID, 100)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if d.Request.Status != models.IssuanceStatusApproved {
		t.Fatalf("status = %s", d.Request.Status)
	}
	if d.StampDelta != 1 || d.NewBalance != 1 {
		t.Fatalf("delta=%d balance=%d", d.StampDelta, d.NewBalance)
	}
	if len(f.ledger.events) != 1 || f.ledger.events[0].Type != models.StampEventIssued || f.ledger.events[0].Delta != 1 {
		t.Fatalf("unexpected ledger events: %+v", f.ledger.events)
	}

	// A second decision on the same request must fail.
	if _, err := f.svc.Approve(ctx, 1, req.ID, 100); !errors.Is(err, ErrNotPending) {
		t.Fatalf("got %v, want ErrNotPending", err)
	}
	if _, err := f.svc.Reject(ctx, 1, req.ID, 100); !errors.Is(err, ErrNotPending) {
		t.Fatalf("got %v, want ErrNotPending", err)
	}
	if len(f.ledger.events) != 1 {
		t.Fatalf("ledger grew after failed decisions: %d events", len(f.ledger.events))
	}
}

func TestRejectHasNoLedgerEffect(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, 42, 1, "key-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d, err := f.svc.Reject(ctx, 1, req.ID, 100)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if d.Request.Status != models.IssuanceStatusRejected || d.StampDelta != 0 {
		t.Fatalf("status=%s delta=%d", d.Request.Status, d.StampDelta)
	}
	if len(f.ledger.events) != 0 {
		t.Fatalf("reject wrote %d ledger events", len(f.ledger.events))
	}
}

func TestDecideOverdueRequestExpires(t *testing.T) {
	f := newFixture(t, -time.Second) // already overdue on creation
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, 42, 1, "key-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Approve(ctx, 1, req.ID, 100); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
	stored, _ := f.requests.Get(ctx, nil, req.ID)
	if stored.Status != models.IssuanceStatusExpired {
		t.Fatalf("stored status = %s, want EXPIRED", stored.Status)
	}
	if len(f.ledger.events) != 0 {
		t.Fatal("expired approval must not touch the ledger")
	}
}

func TestDecideAccessDenied(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, 42, 1, "key-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Wrong store in the path.
	if _, err := f.svc.Approve(ctx, 2, req.ID, 100); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
	// Right store, wrong owner.
	if _, err := f.svc.Approve(ctx, 1, req.ID, 999); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
	stored, _ := f.requests.Get(ctx, nil, req.ID)
	if stored.Status != models.IssuanceStatusPending {
		t.Fatalf("denied decision mutated status to %s", stored.Status)
	}
}

func TestGetLazilyExpires(t *testing.T) {
	f := newFixture(t, -time.Second)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, 42, 1, "key-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := f.svc.Get(ctx, req.ID, 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.IssuanceStatusExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}
	stored, _ := f.requests.Get(ctx, nil, req.ID)
	if stored.Status != models.IssuanceStatusExpired {
		t.Fatalf("stored status = %s, want EXPIRED", stored.Status)
	}

	// Another wallet cannot read the request.
	if _, err := f.svc.Get(ctx, req.ID, 43); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
}

func TestConcurrentDecisionsApplyOnce(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, 42, 1, "key-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Approve(ctx, 1, req.ID, 100)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, notPending int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrNotPending):
			notPending++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || notPending != n-1 {
		t.Fatalf("succeeded=%d notPending=%d", succeeded, notPending)
	}
	if len(f.ledger.events) != 1 {
		t.Fatalf("ledger has %d events, want exactly 1", len(f.ledger.events))
	}
}

func TestApproveIssuesRewardAtGoal(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	// Nine approvals in, the tenth fills the card.
	for i := 0; i < 9; i++ {
		req, _, err := f.svc.Create(ctx, 42, 1, "key-"+string(rune('a'+i)))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		d, err := f.svc.Approve(ctx, 1, req.ID, 100)
		if err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
		if d.Reward != nil {
			t.Fatalf("reward issued early at balance %d", d.NewBalance)
		}
	}
	req, _, err := f.svc.Create(ctx, 42, 1, "key-final")
	if err != nil {
		t.Fatalf("create final: %v", err)
	}
	d, err := f.svc.Approve(ctx, 1, req.ID, 100)
	if err != nil {
		t.Fatalf("approve final: %v", err)
	}
	if d.NewBalance != 10 || d.Reward == nil {
		t.Fatalf("balance=%d reward=%v", d.NewBalance, d.Reward)
	}
}
