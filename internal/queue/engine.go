package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-turn-scheduling/internal/feed"
)

const queueTable = "daily_queue"

var (
	ErrEngineClosed = errors.New("queue engine closed")
	ErrPendingItem  = errors.New("queue item is not persisted yet")
)

// Writer persists engine mutations.
type Writer interface {
	CreateTickets(ctx context.Context, institutionID uuid.UUID, tickets []NewTicket) ([]Item, error)
	TransitionTicket(ctx context.Context, id string, to Status) (*Item, error)
}

// Loader fetches the authoritative queue for a day.
type Loader interface {
	ListDay(ctx context.Context, institutionID uuid.UUID, date string) ([]Item, error)
}

type EngineConfig struct {
	InstitutionID uuid.UUID
	Date          string
	Writer        Writer
	Logger        zerolog.Logger
	// OnError receives every failed write after its optimistic change has
	// been rolled back.
	OnError func(error)
	// OnChange receives the reconciled view after every local change.
	OnChange func([]Item)
	Now      func() time.Time
}

// Engine mirrors one institution-day queue. Mutations apply locally at
// once and are persisted in the background; the change feed confirms them
// and failed writes roll back.
type Engine struct {
	institutionID uuid.UUID
	date          string
	topic         string
	writer        Writer
	log           zerolog.Logger
	onError       func(error)
	onChange      func([]Item)
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	confirmed  map[string]Item
	pending    []pendingOp
	tombstones map[string]struct{}
	batch      uint64
	seq        uint64
	closed     bool
}

func NewEngine(cfg EngineConfig) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		institutionID: cfg.InstitutionID,
		date:          cfg.Date,
		topic:         feed.QueueTopic(cfg.InstitutionID, cfg.Date),
		writer:        cfg.Writer,
		log:           cfg.Logger.With().Str("component", "queue_engine").Str("date", cfg.Date).Logger(),
		onError:       cfg.OnError,
		onChange:      cfg.OnChange,
		now:           now,
		ctx:           ctx,
		cancel:        cancel,
		confirmed:     make(map[string]Item),
		tombstones:    make(map[string]struct{}),
	}
}

// Topic is the feed topic this engine consumes.
func (e *Engine) Topic() string {
	return e.topic
}

// Load replaces the confirmed state with a fresh read from the store.
// Acknowledged optimistic ops are dropped since the read already reflects
// them; ops whose write is still in flight stay.
func (e *Engine) Load(ctx context.Context, loader Loader) error {
	items, err := loader.ListDay(ctx, e.institutionID, e.date)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	e.mu.Lock()
	e.confirmed = make(map[string]Item, len(items))
	for _, it := range items {
		e.confirmed[it.ID] = it
	}
	e.tombstones = make(map[string]struct{})
	kept := e.pending[:0]
	for _, op := range e.pending {
		if !op.acked {
			kept = append(kept, op)
		}
	}
	e.pending = kept
	view := reconcile(e.confirmed, e.pending)
	e.mu.Unlock()

	e.changed(view)
	return nil
}

// Add enqueues one walk-in patient optimistically and returns its
// temporary id.
func (e *Engine) Add(t NewTicket) (string, error) {
	ids, err := e.AddMany([]NewTicket{t})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddMany enqueues several patients as one write. If the write fails all of
// them disappear again.
func (e *Engine) AddMany(tickets []NewTicket) ([]string, error) {
	if len(tickets) == 0 {
		return nil, fmt.Errorf("%w: no tickets", ErrInvalidTicket)
	}
	for _, t := range tickets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}

	now := e.now()
	e.batch++
	batch := e.batch
	ordinal := nextOrdinal(reconcile(e.confirmed, e.pending))

	ids := make([]string, len(tickets))
	for i, t := range tickets {
		e.seq++
		it := Item{
			ID:             fmt.Sprintf("%s%d-%d", tempPrefix, now.UnixMilli(), e.seq),
			InstitutionID:  e.institutionID,
			QueueDate:      e.date,
			OrderNumber:    ordinal + i,
			PatientName:    t.PatientName,
			PatientDNI:     t.PatientDNI,
			ServiceID:      t.ServiceID,
			ProfessionalID: t.ProfessionalID,
			RoomID:         t.RoomID,
			Status:         StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		ids[i] = it.ID
		e.pending = append(e.pending, pendingOp{batch: batch, kind: opCreate, item: it})
	}
	view := reconcile(e.confirmed, e.pending)
	e.wg.Add(1)
	e.mu.Unlock()

	e.changed(view)
	e.dispatch(batch, func(ctx context.Context) error {
		_, err := e.writer.CreateTickets(ctx, e.institutionID, tickets)
		return err
	})
	return ids, nil
}

// SetStatus moves a confirmed item to status to optimistically.
func (e *Engine) SetStatus(id string, to Status) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}

	var cur *Item
	for _, it := range reconcile(e.confirmed, e.pending) {
		if it.ID == id {
			it := it
			cur = &it
			break
		}
	}
	if cur == nil {
		e.mu.Unlock()
		return ErrItemNotFound
	}
	if cur.Temporary() {
		e.mu.Unlock()
		return ErrPendingItem
	}

	now := e.now()
	if _, err := Advance(*cur, to, now); err != nil {
		e.mu.Unlock()
		return err
	}

	e.batch++
	batch := e.batch
	e.pending = append(e.pending, pendingOp{batch: batch, kind: opStatus, targetID: id, to: to, at: now})
	view := reconcile(e.confirmed, e.pending)
	e.wg.Add(1)
	e.mu.Unlock()

	e.changed(view)
	e.dispatch(batch, func(ctx context.Context) error {
		_, err := e.writer.TransitionTicket(ctx, id, to)
		return err
	})
	return nil
}

// Apply folds one change-feed event into the confirmed state. It reports
// whether the view changed. Events for other topics or tables, stale
// updates and repeats of already applied events change nothing.
func (e *Engine) Apply(ev feed.Event) bool {
	if ev.Topic != e.topic || (ev.Table != "" && ev.Table != queueTable) {
		return false
	}

	var rec Item
	if ev.Type != feed.OpDelete {
		if len(ev.Payload) == 0 {
			e.log.Warn().Str("record", ev.RecordID).Msg("feed event without payload")
			return false
		}
		if err := json.Unmarshal(ev.Payload, &rec); err != nil {
			e.log.Warn().Err(err).Str("record", ev.RecordID).Msg("undecodable feed payload")
			return false
		}
		if rec.ID == "" {
			rec.ID = ev.RecordID
		}
	}

	e.mu.Lock()
	before := reconcile(e.confirmed, e.pending)

	switch ev.Type {
	case feed.OpInsert:
		e.dropCreateFor(rec)
		e.upsert(rec)
	case feed.OpUpdate:
		if e.upsert(rec) {
			e.dropStatusOps(rec.ID)
		}
	case feed.OpDelete:
		delete(e.confirmed, ev.RecordID)
		e.dropStatusOps(ev.RecordID)
		e.tombstones[ev.RecordID] = struct{}{}
	default:
		e.mu.Unlock()
		return false
	}

	view := reconcile(e.confirmed, e.pending)
	e.mu.Unlock()

	if reflect.DeepEqual(before, view) {
		return false
	}
	e.changed(view)
	return true
}

// upsert stores rec unless it was deleted or is older than what is held.
// It reports whether rec is now the confirmed version.
func (e *Engine) upsert(rec Item) bool {
	if _, gone := e.tombstones[rec.ID]; gone {
		return false
	}
	if cur, ok := e.confirmed[rec.ID]; ok && !rec.UpdatedAt.IsZero() && cur.UpdatedAt.After(rec.UpdatedAt) {
		return false
	}
	e.confirmed[rec.ID] = rec
	return true
}

// dropCreateFor removes the first optimistic create for the same patient.
func (e *Engine) dropCreateFor(rec Item) {
	for i, op := range e.pending {
		if op.kind == opCreate && op.item.sameNaturalKey(rec) {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

func (e *Engine) dropStatusOps(id string) {
	kept := e.pending[:0]
	for _, op := range e.pending {
		if op.kind == opStatus && op.targetID == id {
			continue
		}
		kept = append(kept, op)
	}
	e.pending = kept
}

// Run applies events until ctx is cancelled or events is closed.
func (e *Engine) Run(ctx context.Context, events <-chan feed.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.Apply(ev)
		}
	}
}

// Snapshot returns the reconciled view, ordered by order number.
func (e *Engine) Snapshot() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return reconcile(e.confirmed, e.pending)
}

// Visible is the snapshot as seen by a user with v, narrowed by f.
func (e *Engine) Visible(v Visibility, f Filter) []Item {
	return f.Apply(Project(e.Snapshot(), v))
}

// HasPending reports whether any optimistic change awaits confirmation.
func (e *Engine) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) > 0
}

// Wait blocks until every dispatched write has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels in-flight writes, waits for them to settle and rejects
// further mutations.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// dispatch runs write in the background. The caller has already done
// wg.Add while holding mu, so Close never waits on a counter that can still
// grow.
func (e *Engine) dispatch(batch uint64, write func(ctx context.Context) error) {
	go func() {
		defer e.wg.Done()

		if err := write(e.ctx); err != nil {
			e.rollback(batch)
			e.log.Warn().Err(err).Uint64("batch", batch).Msg("queue write failed, rolled back")
			if e.onError != nil {
				e.onError(err)
			}
			return
		}
		e.ack(batch)
	}()
}

func (e *Engine) ack(batch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.pending {
		if e.pending[i].batch == batch {
			e.pending[i].acked = true
		}
	}
}

func (e *Engine) rollback(batch uint64) {
	e.mu.Lock()
	kept := e.pending[:0]
	for _, op := range e.pending {
		if op.batch != batch {
			kept = append(kept, op)
		}
	}
	e.pending = kept
	view := reconcile(e.confirmed, e.pending)
	e.mu.Unlock()

	e.changed(view)
}

func (e *Engine) changed(view []Item) {
	if e.onChange != nil {
		e.onChange(view)
	}
}
