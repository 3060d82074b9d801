package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-turn-scheduling/internal/lease"
)

type Status string

const (
	StatusPending    Status = "pendiente"
	StatusWaiting    Status = "esperando"
	StatusCalled     Status = "llamado"
	StatusInProgress Status = "en_consulta"
	StatusFinished   Status = "finalizado"
	StatusCancelled  Status = "cancelado"
	StatusAbsent     Status = "ausente"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusWaiting, StatusCancelled, StatusAbsent},
	StatusWaiting:    {StatusCalled, StatusCancelled, StatusAbsent},
	StatusCalled:     {StatusInProgress, StatusCancelled, StatusAbsent},
	StatusInProgress: {StatusFinished, StatusCancelled, StatusAbsent},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWaiting, StatusCalled, StatusInProgress,
		StatusFinished, StatusCancelled, StatusAbsent:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusAbsent
}

// Occupies reports whether an appointment in this status still holds its slot.
func (s Status) Occupies() bool {
	return s != StatusCancelled && s != StatusAbsent
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Appointment struct {
	ID             uuid.UUID  `json:"id"`
	PatientID      uuid.UUID  `json:"patient_id"`
	ProfessionalID uuid.UUID  `json:"professional_id"`
	ServiceID      uuid.UUID  `json:"service_id"`
	RoomID         *uuid.UUID `json:"room_id,omitempty"`
	InstitutionID  uuid.UUID  `json:"institution_id"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	Status         Status     `json:"status"`
	Notes          string     `json:"notes"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ReserveRequest describes the booking a caller wants to make.
type ReserveRequest struct {
	PatientID      uuid.UUID
	ProfessionalID uuid.UUID
	ServiceID      uuid.UUID
	RoomID         *uuid.UUID
	InstitutionID  uuid.UUID
	ScheduledAt    time.Time
	Notes          string
}

func (r ReserveRequest) Key() lease.Key {
	return lease.Key{
		ProfessionalID: r.ProfessionalID,
		ServiceID:      r.ServiceID,
		InstitutionID:  r.InstitutionID,
		Datetime:       r.ScheduledAt,
	}
}

type ConflictKind string

const (
	ConflictNone                ConflictKind = ""
	ConflictExistingAppointment ConflictKind = "existing_appointment"
	ConflictActiveLock          ConflictKind = "active_lock"
	ConflictUnknown             ConflictKind = "check_failed"
)

// ConflictReport answers "could this slot be booked right now".
type ConflictReport struct {
	HasConflict   bool         `json:"has_conflict"`
	Kind          ConflictKind `json:"conflict_type,omitempty"`
	AppointmentID *uuid.UUID   `json:"appointment_id,omitempty"`
	LockedUntil   *time.Time   `json:"locked_until,omitempty"`
}
