package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pendiente"
	StatusAvailable  Status = "disponible"
	StatusCalled     Status = "llamado"
	StatusInProgress Status = "en_consulta"
	StatusFinished   Status = "finalizado"
	StatusCancelled  Status = "cancelado"
	StatusAbsent     Status = "ausente"
)

var (
	ErrInvalidTransition = errors.New("invalid queue status transition")
	ErrInvalidTicket     = errors.New("invalid queue ticket")
)

// llamado -> llamado is a re-call: it restamps called_at.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAvailable, StatusCancelled, StatusAbsent},
	StatusAvailable:  {StatusCalled, StatusPending, StatusCancelled, StatusAbsent},
	StatusCalled:     {StatusCalled, StatusInProgress, StatusCancelled, StatusAbsent},
	StatusInProgress: {StatusFinished, StatusCancelled, StatusAbsent},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAvailable, StatusCalled, StatusInProgress,
		StatusFinished, StatusCancelled, StatusAbsent:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusAbsent
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Item is one ticket in a day's queue. JSON names follow the daily_queue
// columns so change-feed records decode straight into it.
type Item struct {
	ID             string     `json:"id"`
	InstitutionID  uuid.UUID  `json:"institution_id"`
	QueueDate      string     `json:"queue_date"`
	OrderNumber    int        `json:"order_number"`
	PatientName    string     `json:"patient_name"`
	PatientDNI     string     `json:"patient_dni"`
	ServiceID      uuid.UUID  `json:"service_id"`
	ProfessionalID *uuid.UUID `json:"professional_id"`
	RoomID         *uuid.UUID `json:"room_id"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	EnabledAt      *time.Time `json:"enabled_at"`
	CalledAt       *time.Time `json:"called_at"`
	AttendedAt     *time.Time `json:"attended_at"`
	CreatedBy      string     `json:"created_by"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

const tempPrefix = "temp-"

// Temporary reports whether the item is an optimistic placeholder that the
// store has not assigned an id to yet.
func (it Item) Temporary() bool {
	return strings.HasPrefix(it.ID, tempPrefix)
}

func (it Item) sameNaturalKey(other Item) bool {
	return it.PatientName == other.PatientName && it.PatientDNI == other.PatientDNI
}

// Advance returns it moved to status to, stamping the lifecycle timestamp
// that the transition owns. enabled_at and attended_at are set once;
// called_at is restamped on every call.
func Advance(it Item, to Status, now time.Time) (Item, error) {
	if !CanTransition(it.Status, to) {
		return it, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, it.Status, to)
	}

	next := it
	next.Status = to
	next.UpdatedAt = now

	switch to {
	case StatusAvailable:
		if next.EnabledAt == nil {
			next.EnabledAt = stamp(now)
		}
	case StatusCalled:
		next.CalledAt = stamp(now)
	case StatusInProgress, StatusFinished:
		if next.AttendedAt == nil {
			next.AttendedAt = stamp(now)
		}
	}
	return next, nil
}

func stamp(t time.Time) *time.Time {
	return &t
}

// NewTicket is the intake form for a walk-in patient.
type NewTicket struct {
	PatientName    string     `json:"patient_name"`
	PatientDNI     string     `json:"patient_dni"`
	ServiceID      uuid.UUID  `json:"service_id"`
	ProfessionalID *uuid.UUID `json:"professional_id,omitempty"`
	RoomID         *uuid.UUID `json:"room_id,omitempty"`
}

func (t NewTicket) Validate() error {
	if strings.TrimSpace(t.PatientName) == "" {
		return fmt.Errorf("%w: patient_name is required", ErrInvalidTicket)
	}
	if strings.TrimSpace(t.PatientDNI) == "" {
		return fmt.Errorf("%w: patient_dni is required", ErrInvalidTicket)
	}
	if t.ServiceID == uuid.Nil {
		return fmt.Errorf("%w: service_id is required", ErrInvalidTicket)
	}
	return nil
}

const DateLayout = "2006-01-02"

// Today is the queue date for now in the institution's timezone.
func Today(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(DateLayout)
}
