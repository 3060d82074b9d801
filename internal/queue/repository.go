package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrItemNotFound = errors.New("queue item not found")

// Repository persists tickets. Create assigns order numbers from the
// per-institution, per-day counter in the same transaction as the insert.
type Repository interface {
	Create(ctx context.Context, institutionID uuid.UUID, date, createdBy string, tickets []NewTicket) ([]Item, error)
	GetByID(ctx context.Context, id string) (*Item, error)
	// UpdateStatus writes next only while the row is still in from.
	UpdateStatus(ctx context.Context, next Item, from Status) (*Item, error)
	ListDay(ctx context.Context, institutionID uuid.UUID, date string) ([]Item, error)
}

// AssignmentProvider resolves what a user may see in an institution.
type AssignmentProvider interface {
	Visibility(ctx context.Context, userID string, institutionID uuid.UUID) (Visibility, error)
}
