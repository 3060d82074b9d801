package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-turn-scheduling/internal/events"
)

var ErrStatusChanged = errors.New("queue item status changed concurrently")

// Service is the authoritative side of the queue: intake, status changes
// and day listings. Clients mirror its results through the change feed.
type Service struct {
	repo      Repository
	publisher events.Publisher
	log       zerolog.Logger
	loc       *time.Location
	now       func() time.Time
}

func NewService(repo Repository, publisher events.Publisher, loc *time.Location, log zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		log:       log.With().Str("component", "queue").Logger(),
		loc:       loc,
		now:       time.Now,
	}
}

// Today is the current queue date in the institution timezone.
func (s *Service) Today() string {
	return Today(s.now(), s.loc)
}

// Create adds tickets to today's queue for the institution.
func (s *Service) Create(ctx context.Context, actor string, institutionID uuid.UUID, tickets []NewTicket) ([]Item, error) {
	if len(tickets) == 0 {
		return nil, fmt.Errorf("%w: no tickets", ErrInvalidTicket)
	}
	for _, t := range tickets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	created, err := s.repo.Create(ctx, institutionID, s.Today(), actor, tickets)
	if err != nil {
		return nil, fmt.Errorf("create queue tickets: %w", err)
	}

	for _, it := range created {
		s.publish(ctx, events.Event{
			Type:          events.QueueTicketCreated,
			InstitutionID: it.InstitutionID,
			Actor:         actor,
			Payload:       map[string]any{"id": it.ID, "order_number": it.OrderNumber, "service_id": it.ServiceID},
		})
	}
	return created, nil
}

// Transition moves a ticket to status to. The update is conditional on the
// status read here; losing that race returns ErrStatusChanged.
func (s *Service) Transition(ctx context.Context, actor, id string, to Status) (*Item, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load queue item: %w", err)
	}

	next, err := Advance(*cur, to, s.now().UTC())
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateStatus(ctx, next, cur.Status)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil, ErrStatusChanged
		}
		return nil, fmt.Errorf("update queue item: %w", err)
	}

	s.publish(ctx, events.Event{
		Type:          events.QueueTicketStatusChanged,
		InstitutionID: updated.InstitutionID,
		Actor:         actor,
		Payload:       map[string]any{"id": updated.ID, "from": cur.Status, "to": to},
	})
	return updated, nil
}

func (s *Service) ListDay(ctx context.Context, institutionID uuid.UUID, date string) ([]Item, error) {
	if date == "" {
		date = s.Today()
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: bad date %q", ErrInvalidTicket, date)
	}

	items, err := s.repo.ListDay(ctx, institutionID, date)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return items, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", ev.Type).Msg("publish event failed")
	}
}
