package guard

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Memory implements Guard with an in-process per-key mutex map, for
// single-node deployments and tests. fn receives a nil tx.
type Memory struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	wait  time.Duration
}

func NewMemory(wait time.Duration) *Memory {
	return &Memory{locks: make(map[string]chan struct{}), wait: wait}
}

var _ Guard = (*Memory)(nil)

func (g *Memory) WithExclusive(ctx context.Context, entity Entity, id int64, fn func(ctx context.Context, tx pgx.Tx) error) error {
	lock := g.lockFor(entity, id)

	timer := time.NewTimer(g.wait)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	return fn(ctx, nil)
}

func (g *Memory) lockFor(entity Entity, id int64) chan struct{} {
	key := string(entity) + "/" + strconv.FormatInt(id, 10)
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		g.locks[key] = lock
	}
	return lock
}
