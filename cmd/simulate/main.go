package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-turn-scheduling/internal/api"
	"github.com/hackgods/clinic-turn-scheduling/internal/config"
	"github.com/hackgods/clinic-turn-scheduling/internal/db"
	"github.com/hackgods/clinic-turn-scheduling/internal/logging"
	"github.com/hackgods/clinic-turn-scheduling/internal/slot"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	ReserveRatio  float64
	TwoPhaseRatio float64
	ReadRatio     float64
	// HotSlots caps how many distinct slots workers fight over. Small
	// values force contention.
	HotSlots      int
	InstitutionID string
	PostgresDSN   string
}

// DataPool holds the bookable targets and what the run has booked.
type DataPool struct {
	InstitutionID uuid.UUID
	Slots         []slot.Slot
	mu            sync.Mutex
	booked        map[string]int
}

func (dp *DataPool) MarkBooked(s slot.Slot) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.booked[s.ProfessionalID.String()+s.Datetime.UTC().String()]++
}

// DoubleBookings counts slots that got more than one appointment. Anything
// above zero means the reservation guard failed.
func (dp *DataPool) DoubleBookings() int {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	n := 0
	for _, c := range dp.booked {
		if c > 1 {
			n++
		}
	}
	return n
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, p99 time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.Latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	return sum / time.Duration(len(latencies)), pct(50), pct(95), pct(99)
}

type Metrics struct {
	Reserve   OperationMetrics
	Lease     OperationMetrics
	Commit    OperationMetrics
	ListSlots OperationMetrics
	Conflicts OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	log := logging.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"))

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("hot_slots", cfg.HotSlots).
		Float64("reserve", cfg.ReserveRatio).
		Float64("two_phase", cfg.TwoPhaseRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	dataPool, err := sim.loadDataPool(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	sim.pool = dataPool

	log.Info().Str("institution_id", dataPool.InstitutionID.String()).Int("slots", len(dataPool.Slots)).Msg("targets loaded")

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 20),
		ReserveRatio:  getFloat("SIM_RESERVE_RATIO", 0.5),
		TwoPhaseRatio: getFloat("SIM_TWO_PHASE_RATIO", 0.3),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.2),
		HotSlots:      getInt("SIM_HOT_SLOTS", 10),
		InstitutionID: os.Getenv("SIM_INSTITUTION_ID"),
	}

	// The database is only needed to discover an institution.
	if cfg.InstitutionID == "" {
		if base, err := config.Load(); err == nil {
			cfg.PostgresDSN = base.PostgresDSN
		}
	}

	total := cfg.ReserveRatio + cfg.TwoPhaseRatio + cfg.ReadRatio
	if total > 0 {
		cfg.ReserveRatio /= total
		cfg.TwoPhaseRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.InstitutionID == "" && cfg.PostgresDSN == "" {
		return fmt.Errorf("set SIM_INSTITUTION_ID or POSTGRES_DSN")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.HotSlots <= 0 {
		return fmt.Errorf("SIM_HOT_SLOTS must be > 0")
	}
	return nil
}

func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	instID, err := s.institution(ctx)
	if err != nil {
		return nil, err
	}

	var resp api.SlotsResponse
	path := fmt.Sprintf("/institutions/%s/slots?available=true", instID)
	if _, err := s.call(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	now := time.Now()
	dataPool := &DataPool{InstitutionID: instID, booked: make(map[string]int)}
	for _, day := range resp.Days {
		for _, sl := range day.Slots {
			if sl.Datetime.After(now) {
				dataPool.Slots = append(dataPool.Slots, sl)
			}
			if len(dataPool.Slots) == s.config.HotSlots {
				return dataPool, nil
			}
		}
	}

	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no available slots for institution %s", instID)
	}
	return dataPool, nil
}

func (s *Simulator) institution(ctx context.Context) (uuid.UUID, error) {
	if s.config.InstitutionID != "" {
		return uuid.Parse(s.config.InstitutionID)
	}

	pool, err := db.ConnectPostgres(ctx, s.config.PostgresDSN)
	if err != nil {
		return uuid.Nil, fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	return firstInstitution(ctx, pool)
}

func firstInstitution(ctx context.Context, pool *pgxpool.Pool) (uuid.UUID, error) {
	var id uuid.UUID
	err := pool.QueryRow(ctx, `SELECT id FROM institutions ORDER BY created_at LIMIT 1`).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("find institution: %w", err)
	}
	return id, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	user := fmt.Sprintf("sim-user-%d", workerID)

	for ctx.Err() == nil {
		target := s.pool.Slots[rng.Intn(len(s.pool.Slots))]

		r := rng.Float64()
		switch {
		case r < s.config.ReserveRatio:
			s.doReserve(ctx, user, target)
		case r < s.config.ReserveRatio+s.config.TwoPhaseRatio:
			s.doTwoPhase(ctx, user, target)
		default:
			if rng.Intn(2) == 0 {
				s.doListSlots(ctx)
			} else {
				s.doCheckConflicts(ctx, target)
			}
		}
	}
}

func bookingBody(target slot.Slot, leaseID string) api.CreateAppointmentRequest {
	return api.CreateAppointmentRequest{
		PatientID:      uuid.NewString(),
		ProfessionalID: target.ProfessionalID.String(),
		ServiceID:      target.ServiceID.String(),
		InstitutionID:  target.InstitutionID.String(),
		ScheduledAt:    target.Datetime.Format(time.RFC3339),
		LeaseID:        leaseID,
	}
}

func (s *Simulator) doReserve(ctx context.Context, user string, target slot.Slot) {
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments", user, bookingBody(target, ""), nil)
	s.metrics.Reserve.Record(time.Since(start), status, err)
	if err == nil && status == http.StatusCreated {
		s.pool.MarkBooked(target)
	}
}

// doTwoPhase leases the slot as if a booking form opened, then commits.
func (s *Simulator) doTwoPhase(ctx context.Context, user string, target slot.Slot) {
	var held api.LeaseResponse
	body := api.SlotRequest{
		ProfessionalID: target.ProfessionalID.String(),
		ServiceID:      target.ServiceID.String(),
		InstitutionID:  target.InstitutionID.String(),
		Datetime:       target.Datetime.Format(time.RFC3339),
	}

	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/leases", user, body, &held)
	s.metrics.Lease.Record(time.Since(start), status, err)
	if err != nil || status != http.StatusCreated {
		return
	}

	start = time.Now()
	status, err = s.call(ctx, http.MethodPost, "/appointments", user, bookingBody(target, held.ID), nil)
	s.metrics.Commit.Record(time.Since(start), status, err)
	if err == nil && status == http.StatusCreated {
		s.pool.MarkBooked(target)
		return
	}

	// A failed commit may keep the lease for a retry; the simulator gives up.
	_, _ = s.call(context.Background(), http.MethodDelete, "/leases/"+held.ID, user, nil, nil)
}

func (s *Simulator) doListSlots(ctx context.Context) {
	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/institutions/%s/slots", s.pool.InstitutionID), "", nil, nil)
	s.metrics.ListSlots.Record(time.Since(start), status, err)
}

func (s *Simulator) doCheckConflicts(ctx context.Context, target slot.Slot) {
	path := fmt.Sprintf("/conflicts?professional_id=%s&service_id=%s&institution_id=%s&datetime=%s",
		target.ProfessionalID, target.ServiceID, target.InstitutionID, target.Datetime.UTC().Format(time.RFC3339))

	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, path, "", nil, nil)
	s.metrics.Conflicts.Record(time.Since(start), status, err)
}

func (s *Simulator) call(ctx context.Context, method, path, user string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("CONTENTION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Hot slots: %d\n", len(s.pool.Slots))
	fmt.Println()

	printOperationReport("Reserve", &s.metrics.Reserve)
	printOperationReport("Lease", &s.metrics.Lease)
	printOperationReport("Commit with lease", &s.metrics.Commit)
	printOperationReport("List slots", &s.metrics.ListSlots)
	printOperationReport("Check conflicts", &s.metrics.Conflicts)

	fmt.Printf("Double bookings: %d\n", s.pool.DoubleBookings())
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, p99 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s p99=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
