package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const itemColumns = `id::text, institution_id, queue_date::text, order_number, patient_name, patient_dni,
	service_id, professional_id, room_id, status, created_at, enabled_at, called_at, attended_at,
	COALESCE(created_by, ''), updated_at`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item

	err := row.Scan(
		&it.ID,
		&it.InstitutionID,
		&it.QueueDate,
		&it.OrderNumber,
		&it.PatientName,
		&it.PatientDNI,
		&it.ServiceID,
		&it.ProfessionalID,
		&it.RoomID,
		&it.Status,
		&it.CreatedAt,
		&it.EnabledAt,
		&it.CalledAt,
		&it.AttendedAt,
		&it.CreatedBy,
		&it.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}

	return &it, nil
}

// Create inserts all tickets in one transaction. Each ticket bumps the
// (institution, date) counter; the row lock taken by the upsert serialises
// concurrent intake desks so numbers are strictly increasing.
func (r *PgRepository) Create(ctx context.Context, institutionID uuid.UUID, date, createdBy string, tickets []NewTicket) ([]Item, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin queue tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	created := make([]Item, 0, len(tickets))
	for _, t := range tickets {
		var order int
		err := tx.QueryRow(ctx, `
			INSERT INTO queue_counters (institution_id, queue_date, last_value)
			VALUES ($1, $2::date, 1)
			ON CONFLICT (institution_id, queue_date)
			DO UPDATE SET last_value = queue_counters.last_value + 1
			RETURNING last_value
		`, institutionID, date).Scan(&order)
		if err != nil {
			return nil, fmt.Errorf("next order number: %w", err)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO daily_queue (id, institution_id, queue_date, order_number, patient_name, patient_dni,
			                         service_id, professional_id, room_id, status, created_by, created_at, updated_at)
			VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9, 'pendiente', $10, now(), now())
			RETURNING `+itemColumns,
			uuid.New(), institutionID, date, order, t.PatientName, t.PatientDNI,
			t.ServiceID, t.ProfessionalID, t.RoomID, createdBy)

		it, err := scanItem(row)
		if err != nil {
			return nil, fmt.Errorf("insert queue item: %w", err)
		}
		created = append(created, *it)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit queue tx: %w", err)
	}
	return created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id string) (*Item, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrItemNotFound
	}

	row := r.pool.QueryRow(ctx, `
		SELECT `+itemColumns+`
		FROM daily_queue
		WHERE id = $1::uuid
	`, id)
	return scanItem(row)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, next Item, from Status) (*Item, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE daily_queue
		SET status = $2,
		    enabled_at = $3,
		    called_at = $4,
		    attended_at = $5,
		    updated_at = $6
		WHERE id = $1::uuid
		  AND status = $7
		RETURNING `+itemColumns,
		next.ID, next.Status, next.EnabledAt, next.CalledAt, next.AttendedAt, next.UpdatedAt, from)

	return scanItem(row)
}

func (r *PgRepository) ListDay(ctx context.Context, institutionID uuid.UUID, date string) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM daily_queue
		WHERE institution_id = $1
		  AND queue_date = $2::date
		ORDER BY order_number ASC
	`, institutionID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *it)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// PgAssignments reads roles from user_memberships and scopes from
// user_assignments.
type PgAssignments struct {
	pool *pgxpool.Pool
}

func NewPgAssignments(pool *pgxpool.Pool) *PgAssignments {
	return &PgAssignments{pool: pool}
}

// Visibility returns an empty, role-less Visibility for users without a
// membership, which Allows treats as seeing nothing.
func (a *PgAssignments) Visibility(ctx context.Context, userID string, institutionID uuid.UUID) (Visibility, error) {
	var v Visibility

	err := a.pool.QueryRow(ctx, `
		SELECT role
		FROM user_memberships
		WHERE user_id = $1
		  AND institution_id = $2
	`, userID, institutionID).Scan(&v.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return Visibility{}, nil
	}
	if err != nil {
		return Visibility{}, fmt.Errorf("load membership: %w", err)
	}

	if v.Role.Manages() {
		return v, nil
	}

	rows, err := a.pool.Query(ctx, `
		SELECT professional_id, service_id
		FROM user_assignments
		WHERE user_id = $1
		  AND institution_id = $2
	`, userID, institutionID)
	if err != nil {
		return Visibility{}, fmt.Errorf("load assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var prof, svc *uuid.UUID
		if err := rows.Scan(&prof, &svc); err != nil {
			return Visibility{}, err
		}
		if prof != nil {
			v.ProfessionalIDs = append(v.ProfessionalIDs, *prof)
		}
		if svc != nil {
			v.ServiceIDs = append(v.ServiceIDs, *svc)
		}
	}

	if err := rows.Err(); err != nil {
		return Visibility{}, err
	}

	return v, nil
}
