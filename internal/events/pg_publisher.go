package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgPublisher appends events to the event_logs table.
type PgPublisher struct {
	pool *pgxpool.Pool
}

func NewPgPublisher(pool *pgxpool.Pool) *PgPublisher {
	return &PgPublisher{pool: pool}
}

func (p *PgPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := encodePayload(ev)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}

	var appID *uuid.UUID
	if ev.AppointmentID != uuid.Nil {
		appID = &ev.AppointmentID
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.Type, appID, payload, nullableTime(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
