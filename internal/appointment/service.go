package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-turn-scheduling/internal/config"
	"github.com/hackgods/clinic-turn-scheduling/internal/events"
	"github.com/hackgods/clinic-turn-scheduling/internal/lease"
	"github.com/hackgods/clinic-turn-scheduling/internal/slot"
)

var (
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrStatusChanged           = errors.New("appointment status changed concurrently")
	ErrLeaseMismatch           = errors.New("lease does not cover the requested slot")
	ErrInvalidRange            = errors.New("invalid date range")
)

// CommitError is returned when the final insert fails after the lease was
// validated. The lease is left in place so the same holder can retry before
// anyone else can claim the slot; LeaseID tells the caller what to retry
// with or release.
type CommitError struct {
	LeaseID string
	Err     error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit appointment (lease %s kept): %v", e.LeaseID, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

type Service struct {
	repo      Repository
	leases    *lease.Manager
	slots     slot.Source
	publisher events.Publisher
	cfg       config.Config
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, leases *lease.Manager, slots slot.Source, publisher events.Publisher, cfg config.Config, log zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		repo:      repo,
		leases:    leases,
		slots:     slots,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With().Str("component", "reservation").Logger(),
		now:       time.Now,
	}
}

// Reserve runs the whole guarded sequence: check, lease, re-check, insert,
// release. Expected contention comes back as *lease.ConflictError.
func (s *Service) Reserve(ctx context.Context, holder string, req ReserveRequest) (*Appointment, error) {
	key := req.Key()

	existing, err := s.findActive(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, slotTaken(key, "slot already booked")
	}

	l, err := s.leases.Acquire(ctx, key, holder, 0)
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, holder, l, req)
}

// CommitWithLease books the slot using a lease the holder acquired earlier,
// typically when the booking form was opened.
func (s *Service) CommitWithLease(ctx context.Context, holder, leaseID string, req ReserveRequest) (*Appointment, error) {
	l, err := s.leases.Validate(ctx, leaseID, holder)
	if err != nil {
		return nil, err
	}
	if l.ID != req.Key().ID() {
		return nil, &lease.ConflictError{Kind: lease.KindInvalidLock, LeaseID: leaseID, Reason: ErrLeaseMismatch.Error()}
	}

	return s.commit(ctx, holder, l, req)
}

func (s *Service) commit(ctx context.Context, holder string, l *lease.Lease, req ReserveRequest) (*Appointment, error) {
	key := req.Key()

	existing, err := s.findActive(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.release(ctx, l.ID, holder)
		return nil, slotTaken(key, "slot booked while waiting for the lease")
	}

	created, err := s.repo.Create(ctx, Appointment{
		ID:             uuid.New(),
		PatientID:      req.PatientID,
		ProfessionalID: req.ProfessionalID,
		ServiceID:      req.ServiceID,
		RoomID:         req.RoomID,
		InstitutionID:  req.InstitutionID,
		ScheduledAt:    req.ScheduledAt,
		Status:         StatusPending,
		Notes:          req.Notes,
		CreatedBy:      holder,
	})
	if errors.Is(err, ErrDuplicateAppointment) {
		s.release(ctx, l.ID, holder)
		return nil, slotTaken(key, "slot booked concurrently")
	}
	if err != nil {
		s.log.Warn().Err(err).Str("lease_id", l.ID).Msg("insert failed, lease kept for retry")
		return nil, &CommitError{LeaseID: l.ID, Err: fmt.Errorf("%w: insert appointment: %w", lease.ErrStore, err)}
	}

	s.release(ctx, l.ID, holder)

	s.publish(ctx, events.Event{
		Type:          events.AppointmentCreated,
		AppointmentID: created.ID,
		InstitutionID: created.InstitutionID,
		Actor:         holder,
		Payload: map[string]any{
			"professional_id": created.ProfessionalID,
			"service_id":      created.ServiceID,
			"patient_id":      created.PatientID,
			"scheduled_at":    created.ScheduledAt,
		},
	})

	return created, nil
}

// AcquireBatch leases every requested slot or none of them.
func (s *Service) AcquireBatch(ctx context.Context, holder string, reqs []ReserveRequest) ([]lease.Lease, error) {
	keys := make([]lease.Key, len(reqs))
	for i, r := range reqs {
		keys[i] = r.Key()
	}
	return s.leases.AcquireBatch(ctx, keys, holder, 0)
}

// CheckConflicts reports what currently blocks key, if anything. When the
// lookup itself fails the report claims a conflict so callers never offer a
// slot they could not verify.
func (s *Service) CheckConflicts(ctx context.Context, key lease.Key) (ConflictReport, error) {
	existing, err := s.findActive(ctx, key)
	if err != nil {
		s.log.Error().Err(err).Str("lease_id", key.ID()).Msg("conflict check failed")
		return ConflictReport{HasConflict: true, Kind: ConflictUnknown}, err
	}
	if existing != nil {
		id := existing.ID
		return ConflictReport{HasConflict: true, Kind: ConflictExistingAppointment, AppointmentID: &id}, nil
	}

	held, err := s.leases.Peek(ctx, key)
	if err != nil {
		s.log.Error().Err(err).Str("lease_id", key.ID()).Msg("conflict check failed")
		return ConflictReport{HasConflict: true, Kind: ConflictUnknown}, err
	}
	if held != nil {
		until := held.ExpiresAt
		return ConflictReport{HasConflict: true, Kind: ConflictActiveLock, LockedUntil: &until}, nil
	}

	return ConflictReport{}, nil
}

// UpdateStatus moves an appointment along its lifecycle. The write is
// conditional on the status read here, so two staff members racing on the
// same appointment cannot both succeed.
func (s *Service) UpdateStatus(ctx context.Context, actor string, id uuid.UUID, to Status) (*Appointment, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load appointment: %w", lease.ErrStore, err)
	}

	if !CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, cur.Status, to)
	}

	updated, err := s.repo.UpdateStatus(ctx, id, cur.Status, to)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrStatusChanged
		}
		return nil, fmt.Errorf("%w: update appointment status: %w", lease.ErrStore, err)
	}

	s.publish(ctx, events.Event{
		Type:          events.AppointmentStatusChanged,
		AppointmentID: updated.ID,
		InstitutionID: updated.InstitutionID,
		Actor:         actor,
		Payload:       map[string]any{"from": cur.Status, "to": to},
	})

	return updated, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// AvailableSlots generates the institution's slots for the inclusive date
// range, in the configured timezone. Zero bounds default to today and the
// configured horizon.
func (s *Service) AvailableSlots(ctx context.Context, institutionID uuid.UUID, from, to time.Time) ([]slot.DaySlots, error) {
	loc := s.cfg.Location()

	if from.IsZero() {
		from = s.now()
	}
	if to.IsZero() {
		to = from.AddDate(0, 0, s.horizonDays())
	}
	if to.Before(from) {
		return nil, ErrInvalidRange
	}

	fy, fm, fd := from.In(loc).Date()
	ty, tm, td := to.In(loc).Date()
	rangeStart := time.Date(fy, fm, fd, 0, 0, 0, 0, loc)
	rangeEnd := time.Date(ty, tm, td+1, 0, 0, 0, 0, loc)

	var (
		templates []slot.Template
		bookings  []slot.Booking
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		templates, err = s.slots.ActiveTemplates(gctx, institutionID)
		return err
	})
	g.Go(func() error {
		var err error
		bookings, err = s.slots.Bookings(gctx, institutionID, rangeStart, rangeEnd)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: load slot inputs: %w", lease.ErrStore, err)
	}

	return slot.Generate(from, to, loc, institutionID, templates, bookings), nil
}

func (s *Service) horizonDays() int {
	if s.cfg.SlotHorizonDays > 0 {
		return s.cfg.SlotHorizonDays
	}
	return 30
}

func (s *Service) findActive(ctx context.Context, key lease.Key) (*Appointment, error) {
	existing, err := s.repo.FindActiveAt(ctx, key.ProfessionalID, key.ServiceID, key.Datetime)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: check existing appointment: %w", lease.ErrStore, err)
	}
	return existing, nil
}

func (s *Service) release(ctx context.Context, leaseID, holder string) {
	if err := s.leases.Release(ctx, leaseID, holder); err != nil {
		s.log.Warn().Err(err).Str("lease_id", leaseID).Msg("lease release failed, sweep will collect it")
	}
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", ev.Type).Msg("publish event failed")
	}
}

func slotTaken(key lease.Key, reason string) *lease.ConflictError {
	return &lease.ConflictError{Kind: lease.KindSlotTaken, LeaseID: key.ID(), Reason: reason}
}
