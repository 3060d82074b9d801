package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-turn-scheduling/internal/lease"
)

// expiredGrace keeps an expired lease hash around long enough for holders to
// get lock_expired instead of invalid_lock when they come back late.
const expiredGrace = time.Minute

const keyPrefix = "lease:"

// LeaseStore keeps each lease as a hash under lease:<id>. Conditional writes
// run as Lua scripts so every operation is atomic on the server.
type LeaseStore struct {
	client *redis.Client
}

func NewLeaseStore(client *redis.Client) *LeaseStore {
	return &LeaseStore{client: client}
}

var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "holder", ARGV[1], "prof", ARGV[2], "svc", ARGV[3], "inst", ARGV[4],
  "dt", ARGV[5], "acquired", ARGV[6], "expires", ARGV[7])
redis.call("PEXPIREAT", KEYS[1], ARGV[8])
return 1
`)

var swapScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "expires")
if cur ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "holder", ARGV[2], "acquired", ARGV[3], "expires", ARGV[4])
redis.call("PEXPIREAT", KEYS[1], ARGV[5])
return 1
`)

var releaseScript = redis.NewScript(`
local val = redis.call("HGET", KEYS[1], "holder")
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

var expireScript = redis.NewScript(`
local exp = redis.call("HGET", KEYS[1], "expires")
if exp and tonumber(exp) <= tonumber(ARGV[1]) then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func leaseKey(id string) string {
	return keyPrefix + id
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func physicalExpiry(l lease.Lease) string {
	return millis(l.ExpiresAt.Add(expiredGrace))
}

func (s *LeaseStore) Insert(ctx context.Context, l lease.Lease) (bool, error) {
	n, err := insertScript.Run(ctx, s.client, []string{leaseKey(l.ID)},
		l.Holder,
		l.Key.ProfessionalID.String(),
		l.Key.ServiceID.String(),
		l.Key.InstitutionID.String(),
		millis(l.Key.Datetime),
		millis(l.AcquiredAt),
		millis(l.ExpiresAt),
		physicalExpiry(l),
	).Int()
	if err != nil {
		return false, fmt.Errorf("insert lease: %w", err)
	}
	return n == 1, nil
}

func (s *LeaseStore) Get(ctx context.Context, id string) (*lease.Lease, error) {
	fields, err := s.client.HGetAll(ctx, leaseKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	if len(fields) == 0 {
		return nil, lease.ErrNotFound
	}
	return decodeLease(id, fields)
}

func (s *LeaseStore) CompareAndSwap(ctx context.Context, id string, expected time.Time, next lease.Lease) (bool, error) {
	n, err := swapScript.Run(ctx, s.client, []string{leaseKey(id)},
		millis(expected),
		next.Holder,
		millis(next.AcquiredAt),
		millis(next.ExpiresAt),
		physicalExpiry(next),
	).Int()
	if err != nil {
		return false, fmt.Errorf("swap lease: %w", err)
	}
	return n == 1, nil
}

func (s *LeaseStore) Delete(ctx context.Context, id, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{leaseKey(id)}, holder).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return n == 1, nil
}

func (s *LeaseStore) DeleteIfExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := expireScript.Run(ctx, s.client, []string{leaseKey(id)}, millis(now)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("expire lease: %w", err)
	}
	return n == 1, nil
}

func (s *LeaseStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	err := s.scan(ctx, func(id string, l *lease.Lease) error {
		if l.Live(now) {
			return nil
		}
		ok, err := s.DeleteIfExpired(ctx, id, now)
		if err != nil {
			return err
		}
		if ok {
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *LeaseStore) ListByHolder(ctx context.Context, holder string, now time.Time) ([]lease.Lease, error) {
	var out []lease.Lease
	err := s.scan(ctx, func(_ string, l *lease.Lease) error {
		if l.Holder == holder && l.Live(now) {
			out = append(out, *l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AcquiredAt.After(out[j].AcquiredAt)
	})
	return out, nil
}

func (s *LeaseStore) DeleteByHolder(ctx context.Context, holder string) (int64, error) {
	var removed int64
	err := s.scan(ctx, func(id string, l *lease.Lease) error {
		if l.Holder != holder {
			return nil
		}
		ok, err := s.Delete(ctx, id, holder)
		if err != nil {
			return err
		}
		if ok {
			removed++
		}
		return nil
	})
	return removed, err
}

// scan walks every lease hash. Rows that vanish mid-scan are skipped.
func (s *LeaseStore) scan(ctx context.Context, fn func(id string, l *lease.Lease) error) error {
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(keyPrefix):]
		l, err := s.Get(ctx, id)
		if errors.Is(err, lease.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(id, l); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan leases: %w", err)
	}
	return nil
}

func decodeLease(id string, f map[string]string) (*lease.Lease, error) {
	l := lease.Lease{ID: id, Holder: f["holder"]}

	var err error
	if l.Key.ProfessionalID, err = uuid.Parse(f["prof"]); err != nil {
		return nil, fmt.Errorf("decode lease %s: professional: %w", id, err)
	}
	if l.Key.ServiceID, err = uuid.Parse(f["svc"]); err != nil {
		return nil, fmt.Errorf("decode lease %s: service: %w", id, err)
	}
	if l.Key.InstitutionID, err = uuid.Parse(f["inst"]); err != nil {
		return nil, fmt.Errorf("decode lease %s: institution: %w", id, err)
	}
	if l.Key.Datetime, err = parseMillis(f["dt"]); err != nil {
		return nil, fmt.Errorf("decode lease %s: datetime: %w", id, err)
	}
	if l.AcquiredAt, err = parseMillis(f["acquired"]); err != nil {
		return nil, fmt.Errorf("decode lease %s: acquired: %w", id, err)
	}
	if l.ExpiresAt, err = parseMillis(f["expires"]); err != nil {
		return nil, fmt.Errorf("decode lease %s: expires: %w", id, err)
	}
	return &l, nil
}

func parseMillis(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(n).UTC(), nil
}
