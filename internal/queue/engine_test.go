package queue

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-turn-scheduling/internal/feed"
)

var errWriteDown = errors.New("write down")

type fakeWriter struct {
	mu          sync.Mutex
	gate        chan struct{}
	createErr   error
	statusErr   error
	creates     [][]NewTicket
	transitions []Status
}

func (w *fakeWriter) wait(ctx context.Context) error {
	if w.gate == nil {
		return nil
	}
	select {
	case <-w.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *fakeWriter) CreateTickets(ctx context.Context, _ uuid.UUID, tickets []NewTicket) ([]Item, error) {
	if err := w.wait(ctx); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.creates = append(w.creates, tickets)
	return nil, w.createErr
}

func (w *fakeWriter) TransitionTicket(ctx context.Context, _ string, to Status) (*Item, error) {
	if err := w.wait(ctx); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.transitions = append(w.transitions, to)
	return nil, w.statusErr
}

type staticLoader []Item

func (l staticLoader) ListDay(context.Context, uuid.UUID, string) ([]Item, error) {
	return append([]Item(nil), l...), nil
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) add(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

const testDate = "2026-03-02"

var (
	testInstitution = uuid.MustParse("6f1c9a8e-3b0e-4d55-9a43-2f5a1c0d7e11")
	testService     = uuid.MustParse("0b7d9f52-8c61-4a7e-b1d4-5e3f2a9c6d80")
	testT0          = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
)

func confirmedItem(order int, name, dni string) Item {
	return Item{
		ID:            uuid.NewString(),
		InstitutionID: testInstitution,
		QueueDate:     testDate,
		OrderNumber:   order,
		PatientName:   name,
		PatientDNI:    dni,
		ServiceID:     testService,
		Status:        StatusPending,
		CreatedAt:     testT0,
		UpdatedAt:     testT0,
	}
}

func threeItems() []Item {
	return []Item{
		confirmedItem(1, "Ana Gomez", "30111222"),
		confirmedItem(2, "Luis Diaz", "28999111"),
		confirmedItem(3, "Marta Ruiz", "33444555"),
	}
}

func newTestEngine(t *testing.T, w Writer, errs *errorLog) *Engine {
	t.Helper()
	cfg := EngineConfig{
		InstitutionID: testInstitution,
		Date:          testDate,
		Writer:        w,
		Logger:        zerolog.Nop(),
		Now:           func() time.Time { return testT0.Add(time.Minute) },
	}
	if errs != nil {
		cfg.OnError = errs.add
	}
	e := NewEngine(cfg)
	t.Cleanup(e.Close)
	return e
}

func changeEvent(t *testing.T, op feed.Op, it Item) feed.Event {
	t.Helper()
	payload, err := json.Marshal(it)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return feed.Event{
		Type:     op,
		Table:    "daily_queue",
		RecordID: it.ID,
		Topic:    feed.QueueTopic(testInstitution, testDate),
		Payload:  payload,
	}
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func sameIDs(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

func TestEngineFailedAddRollsBack(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{}), createErr: errWriteDown}
	errs := &errorLog{}
	e := newTestEngine(t, w, errs)

	base := threeItems()
	if err := e.Load(context.Background(), staticLoader(base)); err != nil {
		t.Fatalf("load: %v", err)
	}

	id, err := e.Add(NewTicket{PatientName: "Pedro Sosa", PatientDNI: "40123456", ServiceID: testService})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	optimistic := e.Snapshot()
	if len(optimistic) != 4 || optimistic[3].ID != id || optimistic[3].OrderNumber != 4 {
		t.Fatalf("optimistic view = %v", ids(optimistic))
	}
	if !optimistic[3].Temporary() {
		t.Fatalf("new item id %q is not temporary", id)
	}

	close(w.gate)
	e.Wait()

	if got := e.Snapshot(); !sameIDs(got, base) {
		t.Fatalf("after rollback = %v, want %v", ids(got), ids(base))
	}
	if errs.count() != 1 {
		t.Fatalf("OnError called %d times, want 1", errs.count())
	}
	if e.HasPending() {
		t.Fatal("pending ops left after rollback")
	}
}

func TestEngineAddManyRollsBackTogether(t *testing.T) {
	w := &fakeWriter{createErr: errWriteDown}
	e := newTestEngine(t, w, nil)
	_ = e.Load(context.Background(), staticLoader(threeItems()))

	got, err := e.AddMany([]NewTicket{
		{PatientName: "A", PatientDNI: "1", ServiceID: testService},
		{PatientName: "B", PatientDNI: "2", ServiceID: testService},
	})
	if err != nil {
		t.Fatalf("add many: %v", err)
	}
	if len(got) != 2 || got[0] == got[1] {
		t.Fatalf("temp ids = %v", got)
	}
	e.Wait()

	if n := len(e.Snapshot()); n != 3 {
		t.Fatalf("snapshot has %d items, want 3", n)
	}
	if len(w.creates) != 1 || len(w.creates[0]) != 2 {
		t.Fatalf("writer saw %v, want one batch of two", w.creates)
	}
}

func TestEngineAddRejectsInvalidTicket(t *testing.T) {
	e := newTestEngine(t, &fakeWriter{}, nil)

	if _, err := e.Add(NewTicket{PatientName: "A"}); !errors.Is(err, ErrInvalidTicket) {
		t.Fatalf("err = %v, want ErrInvalidTicket", err)
	}
	if e.HasPending() {
		t.Fatal("invalid ticket left a pending op")
	}
}

func TestEngineFeedConfirmsAdd(t *testing.T) {
	w := &fakeWriter{}
	e := newTestEngine(t, w, nil)
	_ = e.Load(context.Background(), staticLoader(threeItems()))

	if _, err := e.Add(NewTicket{PatientName: "Pedro Sosa", PatientDNI: "40123456", ServiceID: testService}); err != nil {
		t.Fatalf("add: %v", err)
	}
	e.Wait()

	// The write succeeded but only the feed replaces the placeholder.
	if !e.HasPending() {
		t.Fatal("acked op dropped before the feed confirmed it")
	}

	stored := confirmedItem(4, "Pedro Sosa", "40123456")
	if !e.Apply(changeEvent(t, feed.OpInsert, stored)) {
		t.Fatal("insert did not change the view")
	}

	snap := e.Snapshot()
	if len(snap) != 4 || snap[3].ID != stored.ID {
		t.Fatalf("view = %v", ids(snap))
	}
	for _, it := range snap {
		if it.Temporary() {
			t.Fatalf("placeholder %s survived confirmation", it.ID)
		}
	}
	if e.HasPending() {
		t.Fatal("pending op survived confirmation")
	}

	if e.Apply(changeEvent(t, feed.OpInsert, stored)) {
		t.Fatal("duplicate insert changed the view")
	}
	if e.Apply(changeEvent(t, feed.OpUpdate, stored)) {
		t.Fatal("repeated update changed the view")
	}
	if n := len(e.Snapshot()); n != 4 {
		t.Fatalf("duplicates produced %d items", n)
	}
}

func TestEngineSetStatusRollsBack(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{}), statusErr: errWriteDown}
	errs := &errorLog{}
	e := newTestEngine(t, w, errs)
	base := threeItems()
	_ = e.Load(context.Background(), staticLoader(base))

	if err := e.SetStatus(base[0].ID, StatusAvailable); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if got := e.Snapshot()[0]; got.Status != StatusAvailable || got.EnabledAt == nil {
		t.Fatalf("optimistic item = %+v", got)
	}

	close(w.gate)
	e.Wait()

	if got := e.Snapshot()[0]; got.Status != StatusPending || got.EnabledAt != nil {
		t.Fatalf("after rollback item = %+v", got)
	}
	if errs.count() != 1 {
		t.Fatalf("OnError called %d times", errs.count())
	}
}

func TestEngineSetStatusValidation(t *testing.T) {
	e := newTestEngine(t, &fakeWriter{gate: make(chan struct{})}, nil)
	base := threeItems()
	_ = e.Load(context.Background(), staticLoader(base))

	if err := e.SetStatus(base[0].ID, StatusFinished); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if err := e.SetStatus("missing", StatusAvailable); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("err = %v, want ErrItemNotFound", err)
	}

	tempID, _ := e.Add(NewTicket{PatientName: "X", PatientDNI: "9", ServiceID: testService})
	if err := e.SetStatus(tempID, StatusAvailable); !errors.Is(err, ErrPendingItem) {
		t.Fatalf("err = %v, want ErrPendingItem", err)
	}
}

func TestEngineFeedConfirmsStatus(t *testing.T) {
	w := &fakeWriter{}
	e := newTestEngine(t, w, nil)
	base := threeItems()
	_ = e.Load(context.Background(), staticLoader(base))

	if err := e.SetStatus(base[1].ID, StatusAvailable); err != nil {
		t.Fatalf("set status: %v", err)
	}
	e.Wait()

	next, _ := Advance(base[1], StatusAvailable, testT0.Add(2*time.Minute))
	e.Apply(changeEvent(t, feed.OpUpdate, next))

	if e.HasPending() {
		t.Fatal("status op survived confirmation")
	}
	if got := e.Snapshot()[1]; got.Status != StatusAvailable || !got.UpdatedAt.Equal(next.UpdatedAt) {
		t.Fatalf("item = %+v", got)
	}
}

func TestEngineIgnoresStaleAndForeignEvents(t *testing.T) {
	e := newTestEngine(t, &fakeWriter{}, nil)
	base := threeItems()
	_ = e.Load(context.Background(), staticLoader(base))

	newer, _ := Advance(base[0], StatusAvailable, testT0.Add(10*time.Minute))
	if !e.Apply(changeEvent(t, feed.OpUpdate, newer)) {
		t.Fatal("newer update ignored")
	}

	stale := base[0]
	stale.UpdatedAt = testT0.Add(5 * time.Minute)
	if e.Apply(changeEvent(t, feed.OpUpdate, stale)) {
		t.Fatal("stale update applied")
	}
	if got := e.Snapshot()[0].Status; got != StatusAvailable {
		t.Fatalf("status = %s after stale event", got)
	}

	foreign := changeEvent(t, feed.OpInsert, confirmedItem(9, "Z", "0"))
	foreign.Topic = feed.QueueTopic(testInstitution, "2026-03-03")
	if e.Apply(foreign) {
		t.Fatal("event for another day applied")
	}

	otherTable := changeEvent(t, feed.OpInsert, confirmedItem(9, "Z", "0"))
	otherTable.Table = "appointments"
	if e.Apply(otherTable) {
		t.Fatal("event for another table applied")
	}
}

func TestEngineDeleteLeavesTombstone(t *testing.T) {
	e := newTestEngine(t, &fakeWriter{}, nil)
	base := threeItems()
	_ = e.Load(context.Background(), staticLoader(base))

	del := feed.Event{
		Type:     feed.OpDelete,
		Table:    "daily_queue",
		RecordID: base[2].ID,
		Topic:    feed.QueueTopic(testInstitution, testDate),
	}
	if !e.Apply(del) {
		t.Fatal("delete did not change the view")
	}
	if e.Apply(del) {
		t.Fatal("repeated delete changed the view")
	}

	late := base[2]
	late.UpdatedAt = testT0.Add(time.Hour)
	if e.Apply(changeEvent(t, feed.OpUpdate, late)) {
		t.Fatal("update after delete resurrected the item")
	}
	if n := len(e.Snapshot()); n != 2 {
		t.Fatalf("snapshot has %d items, want 2", n)
	}
}

func TestEngineLoadKeepsInflightOps(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{})}
	e := newTestEngine(t, w, nil)
	_ = e.Load(context.Background(), staticLoader(threeItems()))

	tempID, _ := e.Add(NewTicket{PatientName: "P", PatientDNI: "7", ServiceID: testService})

	if err := e.Load(context.Background(), staticLoader(threeItems())); err != nil {
		t.Fatalf("reload: %v", err)
	}
	snap := e.Snapshot()
	if len(snap) != 4 || snap[3].ID != tempID {
		t.Fatalf("in-flight placeholder lost on reload: %v", ids(snap))
	}

	close(w.gate)
	e.Wait()

	// Acked ops are assumed reflected by the next authoritative read.
	_ = e.Load(context.Background(), staticLoader(threeItems()))
	if e.HasPending() {
		t.Fatal("acked op survived reload")
	}
}

func TestEngineRunAppliesEvents(t *testing.T) {
	e := newTestEngine(t, &fakeWriter{}, nil)
	ch := make(chan feed.Event, 1)
	ch <- changeEvent(t, feed.OpInsert, confirmedItem(1, "A", "1"))
	close(ch)

	e.Run(context.Background(), ch)

	if n := len(e.Snapshot()); n != 1 {
		t.Fatalf("snapshot has %d items, want 1", n)
	}
}

func TestEngineVisible(t *testing.T) {
	e := newTestEngine(t, &fakeWriter{}, nil)
	base := threeItems()
	other := uuid.New()
	base[1].ServiceID = other
	_ = e.Load(context.Background(), staticLoader(base))

	got := e.Visible(Visibility{Role: RoleNurse, ServiceIDs: []uuid.UUID{testService}}, Filter{})
	if len(got) != 2 {
		t.Fatalf("nurse sees %d items, want 2", len(got))
	}

	got = e.Visible(Visibility{Role: RoleAdmin}, Filter{ServiceID: &other})
	if len(got) != 1 || got[0].ID != base[1].ID {
		t.Fatalf("filtered view = %v", ids(got))
	}

	if got := e.Visible(Visibility{Role: RoleDoctor}, Filter{}); len(got) != 0 {
		t.Fatalf("unassigned doctor sees %d items", len(got))
	}
}

func TestEngineClosedRejectsMutations(t *testing.T) {
	e := newTestEngine(t, &fakeWriter{}, nil)
	e.Close()

	if _, err := e.Add(NewTicket{PatientName: "A", PatientDNI: "1", ServiceID: testService}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("err = %v, want ErrEngineClosed", err)
	}
}

func TestEngineDuplicateInsertUpdatePairIsIdempotent(t *testing.T) {
	v1 := confirmedItem(4, "Pedro Sosa", "40123456")
	v2 := v1
	v2.Status = StatusAvailable
	enabled := testT0.Add(2 * time.Minute)
	v2.EnabledAt = &enabled
	v2.UpdatedAt = enabled

	base := threeItems()
	deliver := func(times int) []Item {
		e := newTestEngine(t, &fakeWriter{}, nil)
		_ = e.Load(context.Background(), staticLoader(base))
		if _, err := e.Add(NewTicket{PatientName: v1.PatientName, PatientDNI: v1.PatientDNI, ServiceID: testService}); err != nil {
			t.Fatalf("add: %v", err)
		}
		e.Wait()
		for i := 0; i < times; i++ {
			e.Apply(changeEvent(t, feed.OpInsert, v1))
			e.Apply(changeEvent(t, feed.OpUpdate, v2))
		}
		if e.HasPending() {
			t.Fatalf("pending ops left after %d deliveries", times)
		}
		return e.Snapshot()
	}

	once, twice := deliver(1), deliver(2)
	if len(once) != 4 || once[3].Status != StatusAvailable {
		t.Fatalf("single delivery = %+v", once)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("redelivery changed state:\nonce  %+v\ntwice %+v", once, twice)
	}
}

func TestEngineVisibleHidesFeedInsertsOutsideAssignments(t *testing.T) {
	e := newTestEngine(t, &fakeWriter{}, nil)
	doctor := Visibility{Role: RoleDoctor}
	nurse := Visibility{Role: RoleNurse, ServiceIDs: []uuid.UUID{testService}}

	// The list endpoint already projected the load for an unassigned doctor.
	_ = e.Load(context.Background(), staticLoader(Project(threeItems(), doctor)))

	foreign := confirmedItem(4, "Pedro Sosa", "40123456")
	foreign.ServiceID = uuid.New()
	if !e.Apply(changeEvent(t, feed.OpInsert, foreign)) {
		t.Fatal("insert ignored")
	}

	if got := e.Visible(doctor, Filter{}); len(got) != 0 {
		t.Fatalf("unassigned doctor sees %v", ids(got))
	}
	if got := e.Visible(nurse, Filter{}); len(got) != 0 {
		t.Fatalf("nurse sees foreign service ticket %v", ids(got))
	}
	if got := e.Visible(Visibility{Role: RoleAdmin}, Filter{}); len(got) != 1 {
		t.Fatalf("admin sees %d items, want 1", len(got))
	}
}

func TestEngineCloseWhileMutating(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{})}
	e := newTestEngine(t, w, nil)
	base := threeItems()
	_ = e.Load(context.Background(), staticLoader(base))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := e.Add(NewTicket{PatientName: "Pedro Sosa", PatientDNI: "40123456", ServiceID: testService})
				if err != nil && !errors.Is(err, ErrEngineClosed) {
					t.Errorf("add: %v", err)
				}
				err = e.SetStatus(base[0].ID, StatusAvailable)
				if err != nil && !errors.Is(err, ErrEngineClosed) && !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("set status: %v", err)
				}
			}
		}()
	}

	// Close cancels the gated writes; it must return once they settle.
	e.Close()
	wg.Wait()

	if _, err := e.Add(NewTicket{PatientName: "A", PatientDNI: "1", ServiceID: testService}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("err = %v, want ErrEngineClosed", err)
	}
}
