package lease

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps leases in process. It backs LEASE_BACKEND=memory for
// single-instance deployments and the test suites.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]Lease
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]Lease)}
}

func (s *MemoryStore) Insert(_ context.Context, l Lease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.leases[l.ID]; ok {
		return false, nil
	}
	s.leases[l.ID] = l
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, id string, expected time.Time, next Lease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[id]
	if !ok || !cur.ExpiresAt.Equal(expected) {
		return false, nil
	}
	s.leases[id] = next
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, id, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[id]
	if !ok || cur.Holder != holder {
		return false, nil
	}
	delete(s.leases, id)
	return true, nil
}

func (s *MemoryStore) DeleteIfExpired(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[id]
	if !ok || cur.Live(now) {
		return false, nil
	}
	delete(s.leases, id)
	return true, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, l := range s.leases {
		if !l.Live(now) {
			delete(s.leases, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListByHolder(_ context.Context, holder string, now time.Time) ([]Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Lease
	for _, l := range s.leases {
		if l.Holder == holder && l.Live(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AcquiredAt.After(out[j].AcquiredAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteByHolder(_ context.Context, holder string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, l := range s.leases {
		if l.Holder == holder {
			delete(s.leases, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of rows, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}
