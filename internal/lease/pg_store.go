package lease

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore keeps leases in the slot_locks table. Each method is one
// statement, so row-level atomicity comes straight from Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const leaseColumns = `id, professional_id, service_id, slot_datetime, institution_id, locked_by, locked_at, expires_at`

func scanLease(row pgx.Row) (*Lease, error) {
	var l Lease

	err := row.Scan(
		&l.ID,
		&l.Key.ProfessionalID,
		&l.Key.ServiceID,
		&l.Key.Datetime,
		&l.Key.InstitutionID,
		&l.Holder,
		&l.AcquiredAt,
		&l.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	l.Key.Datetime = l.Key.Datetime.UTC()
	l.AcquiredAt = l.AcquiredAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	return &l, nil
}

func (s *PgStore) Insert(ctx context.Context, l Lease) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO slot_locks (`+leaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, l.ID, l.Key.ProfessionalID, l.Key.ServiceID, l.Key.Datetime, l.Key.InstitutionID,
		l.Holder, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Lease, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+leaseColumns+`
		FROM slot_locks
		WHERE id = $1
	`, id)
	return scanLease(row)
}

func (s *PgStore) CompareAndSwap(ctx context.Context, id string, expected time.Time, next Lease) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE slot_locks
		SET locked_by = $2,
		    locked_at = $3,
		    expires_at = $4
		WHERE id = $1
		  AND expires_at = $5
	`, id, next.Holder, next.AcquiredAt, next.ExpiresAt, expected)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) Delete(ctx context.Context, id, holder string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM slot_locks
		WHERE id = $1
		  AND locked_by = $2
	`, id, holder)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) DeleteIfExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM slot_locks
		WHERE id = $1
		  AND expires_at <= $2
	`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM slot_locks
		WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) ListByHolder(ctx context.Context, holder string, now time.Time) ([]Lease, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+leaseColumns+`
		FROM slot_locks
		WHERE locked_by = $1
		  AND expires_at > $2
		ORDER BY locked_at DESC
	`, holder, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *PgStore) DeleteByHolder(ctx context.Context, holder string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM slot_locks
		WHERE locked_by = $1
	`, holder)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
