package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	AppointmentCreated       = "APPOINTMENT_CREATED"
	AppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	QueueTicketCreated       = "QUEUE_TICKET_CREATED"
	QueueTicketStatusChanged = "QUEUE_TICKET_STATUS_CHANGED"
)

// Event is a domain fact worth recording after a successful write.
type Event struct {
	Type          string    `json:"type"`
	AppointmentID uuid.UUID `json:"appointment_id,omitempty"`
	InstitutionID uuid.UUID `json:"institution_id"`
	Actor         string    `json:"actor,omitempty"`
	Payload       any       `json:"payload,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher records events. Callers treat failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout publishes to every target and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func encodePayload(ev Event) ([]byte, error) {
	if ev.Payload == nil {
		return nil, nil
	}
	return json.Marshal(ev.Payload)
}
