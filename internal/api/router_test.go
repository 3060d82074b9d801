package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-turn-scheduling/internal/appointment"
	"github.com/hackgods/clinic-turn-scheduling/internal/config"
	"github.com/hackgods/clinic-turn-scheduling/internal/lease"
	"github.com/hackgods/clinic-turn-scheduling/internal/queue"
	"github.com/hackgods/clinic-turn-scheduling/internal/slot"
)

type apptRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]appointment.Appointment
}

func (r *apptRepo) FindActiveAt(_ context.Context, prof, svc uuid.UUID, at time.Time) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.rows {
		if a.ProfessionalID == prof && a.ServiceID == svc && a.ScheduledAt.Equal(at) && a.Status.Occupies() {
			cp := a
			return &cp, nil
		}
	}
	return nil, appointment.ErrAppointmentNotFound
}

func (r *apptRepo) GetByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *apptRepo) Create(_ context.Context, a appointment.Appointment) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[a.ID] = a
	return &a, nil
}

func (r *apptRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to appointment.Status) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok || a.Status != from {
		return nil, appointment.ErrAppointmentNotFound
	}
	a.Status = to
	r.rows[id] = a
	return &a, nil
}

type templateSource struct {
	templates []slot.Template
}

func (s templateSource) ActiveTemplates(context.Context, uuid.UUID) ([]slot.Template, error) {
	return s.templates, nil
}

func (s templateSource) Bookings(context.Context, uuid.UUID, time.Time, time.Time) ([]slot.Booking, error) {
	return nil, nil
}

type queueRepo struct {
	mu    sync.Mutex
	rows  map[string]queue.Item
	count int
}

func (r *queueRepo) Create(_ context.Context, inst uuid.UUID, date, by string, tickets []queue.NewTicket) ([]queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]queue.Item, 0, len(tickets))
	for _, t := range tickets {
		r.count++
		it := queue.Item{
			ID:            uuid.NewString(),
			InstitutionID: inst,
			QueueDate:     date,
			OrderNumber:   r.count,
			PatientName:   t.PatientName,
			PatientDNI:    t.PatientDNI,
			ServiceID:     t.ServiceID,
			Status:        queue.StatusPending,
			CreatedBy:     by,
		}
		r.rows[it.ID] = it
		out = append(out, it)
	}
	return out, nil
}

func (r *queueRepo) GetByID(_ context.Context, id string) (*queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.rows[id]
	if !ok {
		return nil, queue.ErrItemNotFound
	}
	return &it, nil
}

func (r *queueRepo) UpdateStatus(_ context.Context, next queue.Item, from queue.Status) (*queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[next.ID]
	if !ok || cur.Status != from {
		return nil, queue.ErrItemNotFound
	}
	r.rows[next.ID] = next
	return &next, nil
}

func (r *queueRepo) ListDay(_ context.Context, inst uuid.UUID, date string) ([]queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []queue.Item
	for _, it := range r.rows {
		if it.InstitutionID == inst && it.QueueDate == date {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber < out[j].OrderNumber })
	return out, nil
}

type roleMap map[string]queue.Visibility

func (m roleMap) Visibility(_ context.Context, user string, _ uuid.UUID) (queue.Visibility, error) {
	return m[user], nil
}

var (
	institutionID  = uuid.MustParse("2c1f6a3e-90b4-4f0e-8a57-3d2e1b0c9f44")
	professionalID = uuid.MustParse("7a5e3c1d-2b4f-4e6a-9c8d-0f1e2d3c4b5a")
	serviceID      = uuid.MustParse("9d8c7b6a-5f4e-4d3c-8b2a-1e0f9a8b7c6d")
)

type testServer struct {
	*httptest.Server
	leases *lease.Manager
}

func newTestServer(t *testing.T, checks ...Check) *testServer {
	t.Helper()

	leases := lease.NewManager(lease.NewMemoryStore(), lease.WithoutTimers())
	t.Cleanup(leases.Close)

	tmpl := slot.Template{
		ID:                  uuid.New(),
		InstitutionID:       institutionID,
		ProfessionalID:      professionalID,
		ServiceID:           serviceID,
		DayOfWeek:           time.Monday,
		StartTime:           slot.Clock(9 * 60),
		EndTime:             slot.Clock(10 * 60),
		SlotDurationMinutes: 30,
		IsActive:            true,
	}

	cfg := config.Config{Timezone: "UTC", SlotHorizonDays: 7}
	appts := appointment.NewService(
		&apptRepo{rows: make(map[uuid.UUID]appointment.Appointment)},
		leases,
		templateSource{templates: []slot.Template{tmpl}},
		nil,
		cfg,
		zerolog.Nop(),
	)
	q := queue.NewService(&queueRepo{rows: make(map[string]queue.Item)}, nil, time.UTC, zerolog.Nop())

	router := NewRouter(RouterConfig{
		Appointments: appts,
		Leases:       leases,
		Queue:        q,
		Assignments: roleMap{
			"admin":  {Role: queue.RoleAdmin},
			"doctor": {Role: queue.RoleDoctor},
		},
		Health:   NewHealthHandler("test", "v0", checks...),
		Location: time.UTC,
		Logger:   zerolog.Nop(),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, leases: leases}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

var slotAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func slotBody() SlotRequest {
	return SlotRequest{
		ProfessionalID: professionalID.String(),
		ServiceID:      serviceID.String(),
		InstitutionID:  institutionID.String(),
		Datetime:       slotAt.Format(time.RFC3339),
	}
}

func appointmentBody(leaseID string) CreateAppointmentRequest {
	return CreateAppointmentRequest{
		PatientID:      uuid.NewString(),
		ProfessionalID: professionalID.String(),
		ServiceID:      serviceID.String(),
		InstitutionID:  institutionID.String(),
		ScheduledAt:    slotAt.Format(time.RFC3339),
		LeaseID:        leaseID,
	}
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	down := errors.New("down")

	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus string
	}{
		{"all up", []Check{{Name: "postgres", Critical: true, Ping: func(context.Context) error { return nil }}}, http.StatusOK, "ok"},
		{"optional down", []Check{
			{Name: "postgres", Critical: true, Ping: func(context.Context) error { return nil }},
			{Name: "redis", Ping: func(context.Context) error { return down }},
		}, http.StatusOK, "degraded"},
		{"critical down", []Check{{Name: "postgres", Critical: true, Ping: func(context.Context) error { return down }}}, http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.checks...)

			code, body := srv.do(t, http.MethodGet, "/health/ready", "", nil)
			if code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", code, tt.wantCode)
			}
			if got := decode[ReadinessResponse](t, body); got.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", got.Status, tt.wantStatus)
			}
		})
	}

	srv := newTestServer(t)
	if code, _ := srv.do(t, http.MethodGet, "/health/live", "", nil); code != http.StatusOK {
		t.Fatalf("liveness = %d", code)
	}
}

func TestMutationsRequireUser(t *testing.T) {
	srv := newTestServer(t)

	code, body := srv.do(t, http.MethodPost, "/leases", "", slotBody())
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
	if got := decode[ErrorResponse](t, body); got.Error != "missing_user" {
		t.Fatalf("error = %s", got.Error)
	}
}

func TestLeaseConflictResponse(t *testing.T) {
	srv := newTestServer(t)

	code, body := srv.do(t, http.MethodPost, "/leases", "alice", slotBody())
	if code != http.StatusCreated {
		t.Fatalf("alice acquire = %d %s", code, body)
	}
	held := decode[LeaseResponse](t, body)
	if held.Holder != "alice" || !held.Datetime.Equal(slotAt) {
		t.Fatalf("lease = %+v", held)
	}

	code, body = srv.do(t, http.MethodPost, "/leases", "bob", slotBody())
	if code != http.StatusConflict {
		t.Fatalf("bob acquire = %d, want 409", code)
	}
	got := decode[ErrorResponse](t, body)
	if got.Error != "slot_taken" {
		t.Fatalf("error = %s, want slot_taken", got.Error)
	}
	if got.RetryAt == nil || !got.RetryAt.Equal(held.ExpiresAt) {
		t.Fatalf("retry_at = %v, want %v", got.RetryAt, held.ExpiresAt)
	}
	if !strings.Contains(got.Details, "locked until") {
		t.Fatalf("details = %q", got.Details)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	srv := newTestServer(t)

	_, body := srv.do(t, http.MethodPost, "/leases", "alice", slotBody())
	held := decode[LeaseResponse](t, body)

	code, body := srv.do(t, http.MethodPost, "/leases/"+held.ID+"/renew", "alice", nil)
	if code != http.StatusOK {
		t.Fatalf("renew = %d %s", code, body)
	}

	code, _ = srv.do(t, http.MethodPost, "/leases/"+held.ID+"/renew", "bob", nil)
	if code != http.StatusConflict {
		t.Fatalf("foreign renew = %d, want 409", code)
	}

	_, body = srv.do(t, http.MethodGet, "/leases", "alice", nil)
	if list := decode[[]LeaseResponse](t, body); len(list) != 1 || list[0].ID != held.ID {
		t.Fatalf("active leases = %+v", list)
	}

	code, _ = srv.do(t, http.MethodDelete, "/leases/"+held.ID, "alice", nil)
	if code != http.StatusNoContent {
		t.Fatalf("release = %d", code)
	}
	if code, _ = srv.do(t, http.MethodDelete, "/leases/"+held.ID, "alice", nil); code != http.StatusNoContent {
		t.Fatalf("second release = %d", code)
	}
}

func TestBatchAndReleaseAll(t *testing.T) {
	srv := newTestServer(t)

	second := slotBody()
	second.Datetime = slotAt.Add(30 * time.Minute).Format(time.RFC3339)

	code, body := srv.do(t, http.MethodPost, "/leases/batch", "alice", BatchLeaseRequest{Slots: []SlotRequest{slotBody(), second}})
	if code != http.StatusCreated {
		t.Fatalf("batch = %d %s", code, body)
	}

	// bob's batch overlaps on the second slot and must leave nothing behind.
	third := slotBody()
	third.Datetime = slotAt.Add(time.Hour).Format(time.RFC3339)
	code, _ = srv.do(t, http.MethodPost, "/leases/batch", "bob", BatchLeaseRequest{Slots: []SlotRequest{third, second}})
	if code != http.StatusConflict {
		t.Fatalf("overlapping batch = %d, want 409", code)
	}
	_, body = srv.do(t, http.MethodGet, "/leases", "bob", nil)
	if list := decode[[]LeaseResponse](t, body); len(list) != 0 {
		t.Fatalf("bob kept %d leases after a failed batch", len(list))
	}

	code, body = srv.do(t, http.MethodDelete, "/leases", "alice", nil)
	if code != http.StatusOK {
		t.Fatalf("release all = %d", code)
	}
	if got := decode[ReleaseAllResponse](t, body); got.Released != 2 {
		t.Fatalf("released = %d, want 2", got.Released)
	}
}

func TestReserveFlows(t *testing.T) {
	srv := newTestServer(t)

	_, body := srv.do(t, http.MethodPost, "/leases", "alice", slotBody())
	held := decode[LeaseResponse](t, body)

	code, body := srv.do(t, http.MethodPost, "/appointments", "carol", appointmentBody(""))
	if code != http.StatusConflict || decode[ErrorResponse](t, body).Error != "slot_taken" {
		t.Fatalf("reserve over a live lease = %d %s", code, body)
	}

	code, body = srv.do(t, http.MethodPost, "/appointments", "bob", appointmentBody(held.ID))
	if code != http.StatusConflict || decode[ErrorResponse](t, body).Error != "invalid_lock" {
		t.Fatalf("commit with a foreign lease = %d %s", code, body)
	}

	code, body = srv.do(t, http.MethodPost, "/appointments", "alice", appointmentBody(held.ID))
	if code != http.StatusCreated {
		t.Fatalf("commit = %d %s", code, body)
	}
	appt := decode[appointment.Appointment](t, body)
	if appt.Status != appointment.StatusPending || appt.CreatedBy != "alice" {
		t.Fatalf("appointment = %+v", appt)
	}

	code, body = srv.do(t, http.MethodPost, "/appointments", "carol", appointmentBody(""))
	if code != http.StatusConflict || decode[ErrorResponse](t, body).Error != "slot_taken" {
		t.Fatalf("reserve a booked slot = %d %s", code, body)
	}

	_, body = srv.do(t, http.MethodGet, "/conflicts?professional_id="+professionalID.String()+
		"&service_id="+serviceID.String()+"&institution_id="+institutionID.String()+
		"&datetime="+slotAt.Format(time.RFC3339), "", nil)
	report := decode[appointment.ConflictReport](t, body)
	if !report.HasConflict || report.Kind != appointment.ConflictExistingAppointment {
		t.Fatalf("conflict report = %+v", report)
	}

	code, body = srv.do(t, http.MethodPatch, "/appointments/"+appt.ID.String()+"/status", "desk", StatusRequest{Status: "esperando"})
	if code != http.StatusOK {
		t.Fatalf("status update = %d %s", code, body)
	}
	code, _ = srv.do(t, http.MethodPatch, "/appointments/"+appt.ID.String()+"/status", "desk", StatusRequest{Status: "finalizado"})
	if code != http.StatusConflict {
		t.Fatalf("skipping states = %d, want 409", code)
	}

	code, _ = srv.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), "", nil)
	if code != http.StatusNotFound {
		t.Fatalf("unknown appointment = %d", code)
	}
}

func TestReserveRejectsBadInput(t *testing.T) {
	srv := newTestServer(t)

	body := appointmentBody("")
	body.ProfessionalID = "nope"
	code, raw := srv.do(t, http.MethodPost, "/appointments", "alice", body)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if got := decode[ErrorResponse](t, raw); !strings.Contains(got.Details, "professional_id") {
		t.Fatalf("details = %q", got.Details)
	}
}

func TestListSlots(t *testing.T) {
	srv := newTestServer(t)

	path := "/institutions/" + institutionID.String() + "/slots?from=2026-03-02&to=2026-03-03"
	code, body := srv.do(t, http.MethodGet, path, "", nil)
	if code != http.StatusOK {
		t.Fatalf("slots = %d %s", code, body)
	}
	resp := decode[SlotsResponse](t, body)
	if len(resp.Days) != 2 || len(resp.Days[0].Slots) != 2 || len(resp.Days[1].Slots) != 0 {
		t.Fatalf("days = %+v", resp.Days)
	}
	if resp.Stats.Total != 2 || resp.Stats.Available != 2 {
		t.Fatalf("stats = %+v", resp.Stats)
	}

	code, _ = srv.do(t, http.MethodGet, "/institutions/"+institutionID.String()+"/slots?from=2026-03-05&to=2026-03-02", "", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("inverted range = %d, want 400", code)
	}
}

func TestQueueEndpoints(t *testing.T) {
	srv := newTestServer(t)
	base := "/institutions/" + institutionID.String() + "/queue"

	code, body := srv.do(t, http.MethodPost, base, "admin", CreateQueueRequest{Tickets: []queue.NewTicket{
		{PatientName: "Ana", PatientDNI: "1", ServiceID: serviceID},
		{PatientName: "Luis", PatientDNI: "2", ServiceID: serviceID},
	}})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, body)
	}
	created := decode[[]queue.Item](t, body)
	if len(created) != 2 || created[1].OrderNumber != 2 {
		t.Fatalf("created = %+v", created)
	}
	date := created[0].QueueDate

	_, body = srv.do(t, http.MethodGet, base+"/"+date, "admin", nil)
	if items := decode[[]queue.Item](t, body); len(items) != 2 {
		t.Fatalf("admin sees %d items", len(items))
	}
	_, body = srv.do(t, http.MethodGet, base+"/"+date, "doctor", nil)
	if items := decode[[]queue.Item](t, body); len(items) != 0 {
		t.Fatalf("unassigned doctor sees %d items", len(items))
	}
	_, body = srv.do(t, http.MethodGet, base+"/"+date, "", nil)
	if items := decode[[]queue.Item](t, body); len(items) != 0 {
		t.Fatalf("anonymous caller sees %d items", len(items))
	}

	code, body = srv.do(t, http.MethodPatch, "/queue/"+created[0].ID+"/status", "admin", StatusRequest{Status: "disponible"})
	if code != http.StatusOK || decode[queue.Item](t, body).Status != queue.StatusAvailable {
		t.Fatalf("enable = %d %s", code, body)
	}

	_, body = srv.do(t, http.MethodGet, base+"/"+date+"?status=disponible", "admin", nil)
	if items := decode[[]queue.Item](t, body); len(items) != 1 || items[0].ID != created[0].ID {
		t.Fatalf("status filter = %+v", items)
	}

	code, _ = srv.do(t, http.MethodPatch, "/queue/"+created[1].ID+"/status", "admin", StatusRequest{Status: "finalizado"})
	if code != http.StatusConflict {
		t.Fatalf("invalid transition = %d, want 409", code)
	}
	code, _ = srv.do(t, http.MethodPatch, "/queue/"+created[1].ID+"/status", "admin", StatusRequest{Status: "bogus"})
	if code != http.StatusBadRequest {
		t.Fatalf("unknown status = %d, want 400", code)
	}
	code, _ = srv.do(t, http.MethodPost, base, "admin", CreateQueueRequest{})
	if code != http.StatusBadRequest {
		t.Fatalf("empty intake = %d, want 400", code)
	}
}

func TestVisibilityEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	v, err := queue.NewHTTPClient(srv.URL, "admin").Visibility(ctx, institutionID)
	if err != nil || v.Role != queue.RoleAdmin {
		t.Fatalf("admin visibility = %+v, %v", v, err)
	}

	v, err = queue.NewHTTPClient(srv.URL, "stranger").Visibility(ctx, institutionID)
	if err != nil {
		t.Fatal(err)
	}
	item := queue.Item{ServiceID: serviceID, ProfessionalID: &professionalID}
	if v.Allows(item) {
		t.Fatalf("user without membership allowed to see %+v", item)
	}

	code, _ := srv.do(t, http.MethodGet, "/institutions/not-a-uuid/visibility", "admin", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("bad institution = %d, want 400", code)
	}
}
