package lease

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a freshly acquired lease stays exclusive.
const DefaultTTL = 5 * time.Minute

// ErrStore marks unexpected persistence failures (store_error). Contention
// never uses it; see ConflictError.
var ErrStore = errors.New("store_error")

// ErrNotFound is returned by stores when no lease row exists for an id.
var ErrNotFound = errors.New("lease not found")

// Key identifies a bookable (professional, service, datetime) combination.
// InstitutionID is carried along for persistence but is not part of the identity.
type Key struct {
	ProfessionalID uuid.UUID
	ServiceID      uuid.UUID
	InstitutionID  uuid.UUID
	Datetime       time.Time
}

// ID is the deterministic lease id for the key. Two callers targeting the
// same slot always contend on the same row.
func (k Key) ID() string {
	return fmt.Sprintf("lock_%s_%s_%s",
		k.ProfessionalID.String(),
		k.ServiceID.String(),
		k.Datetime.UTC().Format("20060102T150405"),
	)
}

type Lease struct {
	ID         string    `json:"id"`
	Key        Key       `json:"-"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Live reports whether the lease still grants exclusivity at now.
func (l Lease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

type ConflictKind string

const (
	KindSlotTaken   ConflictKind = "slot_taken"
	KindLockExpired ConflictKind = "lock_expired"
	KindInvalidLock ConflictKind = "invalid_lock"
)

// ConflictError reports expected contention on a booking key. ExpiresAt is
// set when a live lease held by someone else blocks the caller.
type ConflictError struct {
	Kind      ConflictKind
	LeaseID   string
	ExpiresAt time.Time
	Reason    string
}

func (e *ConflictError) Error() string {
	if e.Kind == KindSlotTaken && !e.ExpiresAt.IsZero() {
		return fmt.Sprintf("%s: slot is locked until %s", e.Kind, e.ExpiresAt.Format("15:04:05"))
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return string(e.Kind)
}

// AsConflict extracts a ConflictError from an error chain.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsKind reports whether err carries a conflict of the given kind.
func IsKind(err error, kind ConflictKind) bool {
	ce, ok := AsConflict(err)
	return ok && ce.Kind == kind
}

func conflict(kind ConflictKind, leaseID, reason string) *ConflictError {
	return &ConflictError{Kind: kind, LeaseID: leaseID, Reason: reason}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
