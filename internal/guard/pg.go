package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG implements Guard with a transaction-scoped Postgres advisory lock.
// The lock key is derived from (entity, id), so it serializes exactly the
// rows the row-level SELECT ... FOR UPDATE pattern would, without holding
// tuple locks across the re-read.
type PG struct {
	pool *pgxpool.Pool
	wait time.Duration
}

func NewPG(pool *pgxpool.Pool, wait time.Duration) *PG {
	return &PG{pool: pool, wait: wait}
}

var _ Guard = (*PG)(nil)

func (g *PG) WithExclusive(ctx context.Context, entity Entity, id int64, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// lock_timeout bounds the advisory-lock wait; it resets with the tx.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", g.wait.Milliseconds())); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`,
		string(entity), strconv.FormatInt(id, 10))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return ErrLockTimeout
		}
		return err
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
