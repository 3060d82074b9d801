package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// notification is the JSON body produced by the notify_queue_change trigger.
type notification struct {
	Op     string          `json:"op"`
	Table  string          `json:"table"`
	ID     string          `json:"id"`
	Record json.RawMessage `json:"record"`
}

type scopedRecord struct {
	InstitutionID uuid.UUID `json:"institution_id"`
	QueueDate     string    `json:"queue_date"`
}

// Relay LISTENs on a Postgres channel and republishes every notification
// as an Event on the matching queue topic.
type Relay struct {
	pool    *pgxpool.Pool
	channel string
	out     Publisher
	log     zerolog.Logger
	backoff time.Duration
	now     func() time.Time
}

func NewRelay(pool *pgxpool.Pool, channel string, out Publisher, log zerolog.Logger) *Relay {
	return &Relay{
		pool:    pool,
		channel: channel,
		out:     out,
		log:     log.With().Str("component", "feed_relay").Str("channel", channel).Logger(),
		backoff: time.Second,
		now:     time.Now,
	}
}

// Run listens until ctx is cancelled, reconnecting after connection loss.
// Notifications sent while disconnected are lost; clients resync on their
// own reconnect.
func (r *Relay) Run(ctx context.Context) error {
	wait := r.backoff
	for {
		err := r.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn().Err(err).Dur("retry_in", wait).Msg("listener disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}

func (r *Relay) listen(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}
	r.log.Info().Msg("listening for queue changes")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		ev, err := r.decode([]byte(n.Payload))
		if err != nil {
			r.log.Warn().Err(err).Msg("skipping malformed notification")
			continue
		}
		if err := r.out.Publish(ctx, ev); err != nil {
			r.log.Warn().Err(err).Str("topic", ev.Topic).Msg("publish feed event failed")
		}
	}
}

func (r *Relay) decode(payload []byte) (Event, error) {
	return decodeNotification(payload, r.now())
}

func decodeNotification(payload []byte, at time.Time) (Event, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}

	op := Op(n.Op)
	if !op.Valid() {
		return Event{}, fmt.Errorf("unknown op %q", n.Op)
	}
	if n.ID == "" {
		return Event{}, errors.New("notification without record id")
	}

	var scope scopedRecord
	if err := json.Unmarshal(n.Record, &scope); err != nil {
		return Event{}, fmt.Errorf("decode record scope: %w", err)
	}
	if scope.InstitutionID == uuid.Nil || scope.QueueDate == "" {
		return Event{}, errors.New("record without institution or date")
	}

	return Event{
		Type:      op,
		Table:     n.Table,
		RecordID:  n.ID,
		Topic:     QueueTopic(scope.InstitutionID, scope.QueueDate),
		Timestamp: at,
		Payload:   n.Record,
	}, nil
}
