package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-turn-scheduling/internal/lease"
	"github.com/hackgods/clinic-turn-scheduling/internal/queue"
	"github.com/hackgods/clinic-turn-scheduling/internal/slot"
)

// SlotRequest names one bookable slot.
type SlotRequest struct {
	ProfessionalID string `json:"professional_id"`
	ServiceID      string `json:"service_id"`
	InstitutionID  string `json:"institution_id"`
	Datetime       string `json:"datetime"`
}

type BatchLeaseRequest struct {
	Slots []SlotRequest `json:"slots"`
}

type LeaseResponse struct {
	ID             string    `json:"id"`
	ProfessionalID uuid.UUID `json:"professional_id"`
	ServiceID      uuid.UUID `json:"service_id"`
	InstitutionID  uuid.UUID `json:"institution_id"`
	Datetime       time.Time `json:"datetime"`
	Holder         string    `json:"holder"`
	AcquiredAt     time.Time `json:"acquired_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func toLeaseResponse(l lease.Lease) LeaseResponse {
	return LeaseResponse{
		ID:             l.ID,
		ProfessionalID: l.Key.ProfessionalID,
		ServiceID:      l.Key.ServiceID,
		InstitutionID:  l.Key.InstitutionID,
		Datetime:       l.Key.Datetime,
		Holder:         l.Holder,
		AcquiredAt:     l.AcquiredAt,
		ExpiresAt:      l.ExpiresAt,
	}
}

func toLeaseResponses(ls []lease.Lease) []LeaseResponse {
	out := make([]LeaseResponse, 0, len(ls))
	for _, l := range ls {
		out = append(out, toLeaseResponse(l))
	}
	return out
}

type ReleaseAllResponse struct {
	Released int64 `json:"released"`
}

type CreateAppointmentRequest struct {
	PatientID      string  `json:"patient_id"`
	ProfessionalID string  `json:"professional_id"`
	ServiceID      string  `json:"service_id"`
	InstitutionID  string  `json:"institution_id"`
	RoomID         *string `json:"room_id,omitempty"`
	ScheduledAt    string  `json:"scheduled_at"`
	Notes          string  `json:"notes,omitempty"`
	// LeaseID commits against a lease acquired earlier instead of running
	// the whole reservation sequence.
	LeaseID string `json:"lease_id,omitempty"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type SlotsResponse struct {
	Days  []slot.DaySlots `json:"days"`
	Stats slot.Statistics `json:"stats"`
}

type CreateQueueRequest struct {
	Tickets []queue.NewTicket `json:"tickets"`
}

type ErrorResponse struct {
	Error   string     `json:"error"`
	Details string     `json:"details,omitempty"`
	RetryAt *time.Time `json:"retry_at,omitempty"`
	LeaseID string     `json:"lease_id,omitempty"`
}
