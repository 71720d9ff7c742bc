package guard

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// ErrLockTimeout is returned when the exclusive lock could not be acquired
// within the configured wait. Safe for the caller to retry with backoff.
var ErrLockTimeout = errors.New("lock wait timeout")

// Entity names the kind of row a lock is scoped to. Locks on different
// entities never collide even if the numeric ids happen to match.
type Entity string

const (
	EntityIssuanceRequest  Entity = "issuance_request"
	EntityRedeemSession    Entity = "redeem_session"
	EntityMigrationRequest Entity = "stamp_migration_request"
	EntityWalletStampCard  Entity = "wallet_stamp_card"
)

// Guard serializes decisions on a single workflow entity. WithExclusive
// acquires an exclusive lock scoped to (entity, id), runs fn, and releases
// the lock on every exit path. Two concurrent calls for the same id
// serialize; calls for different ids proceed independently.
//
// The tx passed to fn is the transaction the lock lives in: every mutation fn
// makes through it commits atomically with the decision, or not at all.
// Implementations without a database pass a nil tx.
type Guard interface {
	WithExclusive(ctx context.Context, entity Entity, id int64, fn func(ctx context.Context, tx pgx.Tx) error) error
}
