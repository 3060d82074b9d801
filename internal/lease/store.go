package lease

import (
	"context"
	"time"
)

// Store persists lease rows. Every method is a single atomic operation; the
// Manager composes them into the acquire protocol and never relies on
// anything beyond per-row atomicity.
type Store interface {
	// Insert creates the row if none exists for l.ID. It reports false when a
	// row (live or expired) is already present.
	Insert(ctx context.Context, l Lease) (bool, error)
	Get(ctx context.Context, id string) (*Lease, error)
	// CompareAndSwap replaces the row only if its expiry still equals expected.
	CompareAndSwap(ctx context.Context, id string, expected time.Time, next Lease) (bool, error)
	Delete(ctx context.Context, id, holder string) (bool, error)
	DeleteIfExpired(ctx context.Context, id string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	ListByHolder(ctx context.Context, holder string, now time.Time) ([]Lease, error)
	DeleteByHolder(ctx context.Context, holder string) (int64, error)
}
