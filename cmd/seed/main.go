package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-turn-scheduling/internal/config"
	"github.com/hackgods/clinic-turn-scheduling/internal/db"
	"github.com/hackgods/clinic-turn-scheduling/internal/logging"
	"github.com/hackgods/clinic-turn-scheduling/internal/queue"
)

const (
	institutionCount      = 3
	professionalsPerInst  = 12
	roomsPerInst          = 6
	templatesPerWeekday   = 2
	slotDurationMinutes   = 20
	patientsQueuedPerInst = 15
)

var services = []string{
	"Clinica Medica",
	"Pediatria",
	"Cardiologia",
	"Dermatologia",
	"Traumatologia",
	"Ginecologia",
	"Oftalmologia",
	"Enfermeria",
}

// Morning and afternoon shifts, institution wall clock.
var shifts = [][2]string{{"08:00", "12:00"}, {"14:00", "18:00"}}

type institution struct {
	id            uuid.UUID
	professionals []uuid.UUID
	services      []uuid.UUID
	rooms         []uuid.UUID
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("dev", "info")
		boot.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel)
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool, cfg.FeedChannel); err != nil {
		log.Fatal().Err(err).Msg("apply schema")
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	for i := 0; i < institutionCount; i++ {
		inst, err := seedInstitution(ctx, pool, faker, cfg.Timezone)
		if err != nil {
			log.Fatal().Err(err).Msg("seed institution")
		}
		if err := seedStaff(ctx, pool, inst, i); err != nil {
			log.Fatal().Err(err).Msg("seed staff")
		}
		if err := seedQueue(ctx, pool, faker, inst, queue.Today(time.Now(), cfg.Location())); err != nil {
			log.Fatal().Err(err).Msg("seed queue")
		}
		log.Info().
			Str("institution_id", inst.id.String()).
			Int("professionals", len(inst.professionals)).
			Int("services", len(inst.services)).
			Msg("institution seeded")
	}

	log.Info().Msg("seed complete")
}

func seedInstitution(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, tz string) (*institution, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	inst := &institution{id: uuid.New()}
	name := fmt.Sprintf("Hospital %s", faker.LastName())
	if _, err := tx.Exec(ctx, `
		INSERT INTO institutions (id, name, timezone) VALUES ($1, $2, $3)
	`, inst.id, name, tz); err != nil {
		return nil, fmt.Errorf("insert institution: %w", err)
	}

	for _, svc := range services {
		id := uuid.New()
		if _, err := tx.Exec(ctx, `
			INSERT INTO services (id, institution_id, name) VALUES ($1, $2, $3)
		`, id, inst.id, svc); err != nil {
			return nil, fmt.Errorf("insert service: %w", err)
		}
		inst.services = append(inst.services, id)
	}

	for r := 1; r <= roomsPerInst; r++ {
		id := uuid.New()
		if _, err := tx.Exec(ctx, `
			INSERT INTO rooms (id, institution_id, name) VALUES ($1, $2, $3)
		`, id, inst.id, fmt.Sprintf("Consultorio %d", r)); err != nil {
			return nil, fmt.Errorf("insert room: %w", err)
		}
		inst.rooms = append(inst.rooms, id)
	}

	for p := 0; p < professionalsPerInst; p++ {
		id := uuid.New()
		speciality := services[p%len(services)]
		if _, err := tx.Exec(ctx, `
			INSERT INTO professionals (id, institution_id, first_name, last_name, speciality)
			VALUES ($1, $2, $3, $4, $5)
		`, id, inst.id, faker.FirstName(), faker.LastName(), speciality); err != nil {
			return nil, fmt.Errorf("insert professional: %w", err)
		}
		inst.professionals = append(inst.professionals, id)

		if err := seedTemplates(ctx, tx, faker, inst, id, inst.services[p%len(inst.services)]); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// seedTemplates gives a professional a few weekday shifts.
func seedTemplates(ctx context.Context, tx pgx.Tx, faker *gofakeit.Faker, inst *institution, profID, svcID uuid.UUID) error {
	for day := time.Monday; day <= time.Friday; day++ {
		for k := 0; k < templatesPerWeekday; k++ {
			if faker.Bool() {
				continue
			}
			shift := shifts[k%len(shifts)]
			room := inst.rooms[faker.Number(0, len(inst.rooms)-1)]
			if _, err := tx.Exec(ctx, `
				INSERT INTO slot_templates (id, institution_id, professional_id, service_id, room_id,
				                            day_of_week, start_time, end_time, slot_duration_minutes)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, uuid.New(), inst.id, profID, svcID, room, int(day), shift[0], shift[1], slotDurationMinutes); err != nil {
				return fmt.Errorf("insert template: %w", err)
			}
		}
	}
	return nil
}

// seedStaff creates one desk user per role. Non-managing roles get a
// professional or service assignment so role filtering has data to act on.
func seedStaff(ctx context.Context, pool *pgxpool.Pool, inst *institution, n int) error {
	users := []struct {
		id   string
		role queue.Role
	}{
		{fmt.Sprintf("admin-%d", n), queue.RoleAdmin},
		{fmt.Sprintf("desk-%d", n), queue.RoleAdministrative},
		{fmt.Sprintf("doctor-%d", n), queue.RoleDoctor},
		{fmt.Sprintf("nurse-%d", n), queue.RoleNurse},
		{fmt.Sprintf("screen-%d", n), queue.RoleScreen},
	}

	batch := &pgx.Batch{}
	for _, u := range users {
		batch.Queue(`
			INSERT INTO user_memberships (user_id, institution_id, role) VALUES ($1, $2, $3)
			ON CONFLICT (user_id, institution_id) DO UPDATE SET role = EXCLUDED.role
		`, u.id, inst.id, string(u.role))

		switch u.role {
		case queue.RoleDoctor:
			batch.Queue(`
				INSERT INTO user_assignments (user_id, institution_id, professional_id) VALUES ($1, $2, $3)
			`, u.id, inst.id, inst.professionals[0])
		case queue.RoleNurse, queue.RoleScreen:
			batch.Queue(`
				INSERT INTO user_assignments (user_id, institution_id, service_id) VALUES ($1, $2, $3)
			`, u.id, inst.id, inst.services[0])
		}
	}

	return pool.SendBatch(ctx, batch).Close()
}

func seedQueue(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, inst *institution, date string) error {
	tickets := make([]queue.NewTicket, 0, patientsQueuedPerInst)
	for i := 0; i < patientsQueuedPerInst; i++ {
		tickets = append(tickets, queue.NewTicket{
			PatientName: faker.Name(),
			PatientDNI:  faker.Numerify("########"),
			ServiceID:   inst.services[faker.Number(0, len(inst.services)-1)],
		})
	}

	if _, err := queue.NewPgRepository(pool).Create(ctx, inst.id, date, "seed", tickets); err != nil {
		return fmt.Errorf("insert queue: %w", err)
	}
	return nil
}
