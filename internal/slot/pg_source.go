package slot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Source loads the generator inputs for one institution.
type Source interface {
	ActiveTemplates(ctx context.Context, institutionID uuid.UUID) ([]Template, error)
	Bookings(ctx context.Context, institutionID uuid.UUID, from, to time.Time) ([]Booking, error)
}

type PgSource struct {
	pool *pgxpool.Pool
}

func NewPgSource(pool *pgxpool.Pool) *PgSource {
	return &PgSource{pool: pool}
}

// ActiveTemplates returns the active templates of the institution's active
// professionals, ordered by weekday then start time.
func (s *PgSource) ActiveTemplates(ctx context.Context, institutionID uuid.UUID) ([]Template, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.institution_id, t.professional_id, t.service_id, t.room_id,
		       t.day_of_week, t.start_time, t.end_time, t.slot_duration_minutes, t.is_active
		FROM slot_templates t
		JOIN professionals p ON p.id = t.professional_id
		WHERE t.institution_id = $1
		  AND t.is_active
		  AND p.is_active
		ORDER BY t.day_of_week, t.start_time
	`, institutionID)
	if err != nil {
		return nil, fmt.Errorf("query slot templates: %w", err)
	}
	defer rows.Close()

	var result []Template
	for rows.Next() {
		var (
			t          Template
			dow        int16
			start, end string
		)
		if err := rows.Scan(
			&t.ID,
			&t.InstitutionID,
			&t.ProfessionalID,
			&t.ServiceID,
			&t.RoomID,
			&dow,
			&start,
			&end,
			&t.SlotDurationMinutes,
			&t.IsActive,
		); err != nil {
			return nil, err
		}

		t.DayOfWeek = time.Weekday(dow)
		if t.StartTime, err = ParseClock(start); err != nil {
			return nil, fmt.Errorf("template %s: %w", t.ID, err)
		}
		if t.EndTime, err = ParseClock(end); err != nil {
			return nil, fmt.Errorf("template %s: %w", t.ID, err)
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Bookings returns the institution's appointments scheduled in [from, to).
func (s *PgSource) Bookings(ctx context.Context, institutionID uuid.UUID, from, to time.Time) ([]Booking, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT professional_id, scheduled_at, status
		FROM appointments
		WHERE institution_id = $1
		  AND scheduled_at >= $2
		  AND scheduled_at < $3
		ORDER BY scheduled_at
	`, institutionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var result []Booking
	for rows.Next() {
		var b Booking
		if err := rows.Scan(&b.ProfessionalID, &b.ScheduledAt, &b.Status); err != nil {
			return nil, err
		}
		result = append(result, b)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
