package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxInsertAttempts bounds the insert/read loop in Acquire when the existing
// row keeps disappearing under it.
const maxInsertAttempts = 5

type Option func(*Manager)

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides the time source. Tests use it to step past expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithoutTimers disables the per-lease advisory expiry timers. Expired rows
// are then only removed by Sweep or by a competing Acquire.
func WithoutTimers() Option {
	return func(m *Manager) { m.timersOff = true }
}

// Manager grants time-bounded exclusive leases on booking keys. Correctness
// rests on the store's conditional writes alone; the in-process timers only
// tidy up rows early and are never consulted for decisions.
type Manager struct {
	store     Store
	log       zerolog.Logger
	now       func() time.Time
	ttl       time.Duration
	timersOff bool

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		log:    zerolog.Nop(),
		now:    time.Now,
		ttl:    DefaultTTL,
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the lease for key on behalf of holder. A live lease held by
// someone else yields a slot_taken conflict carrying its expiry. An expired
// lease is taken over with a compare-and-swap on its expiry so at most one
// of several concurrent takers wins. Re-acquiring a lease the caller already
// holds refreshes it.
func (m *Manager) Acquire(ctx context.Context, key Key, holder string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}

	now := m.clock()
	next := Lease{
		ID:         key.ID(),
		Key:        key,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	var cur *Lease
	for attempt := 0; cur == nil; attempt++ {
		if attempt == maxInsertAttempts {
			return nil, conflict(KindInvalidLock, next.ID, "lease changed concurrently")
		}

		inserted, err := m.store.Insert(ctx, next)
		if err != nil {
			return nil, storeErr("insert lease", err)
		}
		if inserted {
			m.arm(next)
			return &next, nil
		}

		// The row can vanish between insert and read when its holder
		// releases it; go back to the insert in that case.
		cur, err = m.store.Get(ctx, next.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, storeErr("get lease", err)
		}
	}

	if cur.Live(now) && cur.Holder != holder {
		return nil, &ConflictError{Kind: KindSlotTaken, LeaseID: cur.ID, ExpiresAt: cur.ExpiresAt}
	}

	swapped, err := m.store.CompareAndSwap(ctx, next.ID, cur.ExpiresAt, next)
	if err != nil {
		return nil, storeErr("swap lease", err)
	}
	if !swapped {
		// A concurrent refresh by the same holder leaves the caller holding
		// the lease anyway.
		won, err := m.store.Get(ctx, next.ID)
		if err == nil && won.Holder == holder && won.Live(m.clock()) {
			return won, nil
		}
		return nil, conflict(KindInvalidLock, next.ID, "lease changed concurrently")
	}

	m.arm(next)
	return &next, nil
}

// AcquireBatch takes every key or none. On the first failure the leases
// already obtained in this call are released before the error is returned.
func (m *Manager) AcquireBatch(ctx context.Context, keys []Key, holder string, ttl time.Duration) ([]Lease, error) {
	got := make([]Lease, 0, len(keys))
	for _, k := range keys {
		l, err := m.Acquire(ctx, k, holder, ttl)
		if err != nil {
			for _, held := range got {
				if relErr := m.Release(ctx, held.ID, holder); relErr != nil {
					m.log.Warn().Err(relErr).Str("lease_id", held.ID).Msg("batch rollback release failed")
				}
			}
			return nil, err
		}
		got = append(got, *l)
	}
	return got, nil
}

// Release drops the lease if holder owns it. Releasing a lease that is gone
// or belongs to someone else is a no-op.
func (m *Manager) Release(ctx context.Context, leaseID, holder string) error {
	deleted, err := m.store.Delete(ctx, leaseID, holder)
	if err != nil {
		return storeErr("delete lease", err)
	}
	if deleted {
		m.disarm(leaseID)
	}
	return nil
}

// Validate confirms holder still owns a live lease with this id.
func (m *Manager) Validate(ctx context.Context, leaseID, holder string) (*Lease, error) {
	cur, err := m.store.Get(ctx, leaseID)
	if errors.Is(err, ErrNotFound) {
		return nil, conflict(KindInvalidLock, leaseID, "lease not found")
	}
	if err != nil {
		return nil, storeErr("get lease", err)
	}
	if cur.Holder != holder {
		return nil, conflict(KindInvalidLock, leaseID, "lease held by another user")
	}
	if !cur.Live(m.clock()) {
		if _, err := m.store.DeleteIfExpired(ctx, leaseID, m.clock()); err != nil {
			m.log.Warn().Err(err).Str("lease_id", leaseID).Msg("drop expired lease failed")
		}
		return nil, conflict(KindLockExpired, leaseID, "lease expired")
	}
	return cur, nil
}

// Renew pushes the expiry of a live lease owned by holder.
func (m *Manager) Renew(ctx context.Context, leaseID, holder string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}

	cur, err := m.Validate(ctx, leaseID, holder)
	if err != nil {
		return nil, err
	}

	next := *cur
	next.ExpiresAt = m.clock().Add(ttl)

	swapped, err := m.store.CompareAndSwap(ctx, leaseID, cur.ExpiresAt, next)
	if err != nil {
		return nil, storeErr("renew lease", err)
	}
	if !swapped {
		return nil, conflict(KindInvalidLock, leaseID, "lease changed concurrently")
	}

	m.arm(next)
	return &next, nil
}

// Peek returns the live lease on key, or nil when the key is free.
func (m *Manager) Peek(ctx context.Context, key Key) (*Lease, error) {
	cur, err := m.store.Get(ctx, key.ID())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get lease", err)
	}
	if !cur.Live(m.clock()) {
		return nil, nil
	}
	return cur, nil
}

// ActiveLeases lists holder's live leases, newest first.
func (m *Manager) ActiveLeases(ctx context.Context, holder string) ([]Lease, error) {
	out, err := m.store.ListByHolder(ctx, holder, m.clock())
	if err != nil {
		return nil, storeErr("list leases", err)
	}
	return out, nil
}

// ReleaseAll drops every lease owned by holder, live or not.
func (m *Manager) ReleaseAll(ctx context.Context, holder string) (int64, error) {
	leases, err := m.store.ListByHolder(ctx, holder, time.Time{})
	if err != nil {
		return 0, storeErr("list leases", err)
	}

	n, err := m.store.DeleteByHolder(ctx, holder)
	if err != nil {
		return 0, storeErr("delete leases", err)
	}
	for _, l := range leases {
		m.disarm(l.ID)
	}
	return n, nil
}

// Sweep removes every expired row and reports how many went.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpired(ctx, m.clock())
	if err != nil {
		return 0, storeErr("sweep leases", err)
	}
	return n, nil
}

// Run sweeps on a fixed interval until ctx is cancelled. Failures are
// logged and the loop keeps going.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", interval).Msg("lease sweeper started")

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("lease sweeper stopping")
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.log.Error().Err(err).Msg("lease sweep failed")
				continue
			}
			if n > 0 {
				m.log.Info().Int64("removed", n).Msg("expired leases swept")
			}
		}
	}
}

// Close stops all pending timers. Rows stay in the store for Sweep.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Millisecond)
}

func (m *Manager) arm(l Lease) {
	if m.timersOff {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if old, ok := m.timers[l.ID]; ok {
		old.Stop()
	}

	delay := time.Until(l.ExpiresAt)
	if delay < 0 {
		delay = 0
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timers[l.ID] == t {
			delete(m.timers, l.ID)
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := m.store.DeleteIfExpired(ctx, l.ID, m.clock()); err != nil {
			m.log.Warn().Err(err).Str("lease_id", l.ID).Msg("expiry cleanup failed")
		}
	})
	m.timers[l.ID] = t
}

func (m *Manager) disarm(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}
