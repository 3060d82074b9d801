package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrDuplicateAppointment is the store's uniqueness backstop firing.
	ErrDuplicateAppointment = errors.New("duplicate active appointment for slot")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// FindActiveAt returns the occupying appointment at the exact key, or
	// ErrAppointmentNotFound.
	FindActiveAt(ctx context.Context, professionalID, serviceID uuid.UUID, at time.Time) (*Appointment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	Create(ctx context.Context, a Appointment) (*Appointment, error)
	// UpdateStatus applies the change only while the row is still in from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)
}
