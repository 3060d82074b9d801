package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-turn-scheduling/internal/appointment"
	"github.com/hackgods/clinic-turn-scheduling/internal/feed"
	"github.com/hackgods/clinic-turn-scheduling/internal/lease"
	"github.com/hackgods/clinic-turn-scheduling/internal/queue"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Leases       *lease.Manager
	Queue        *queue.Service
	Assignments  queue.AssignmentProvider
	// Hub serves the push feed on /ws when set.
	Hub      *feed.Hub
	Health   *HealthHandler
	Location *time.Location
	Logger   zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	health := cfg.Health
	if health == nil {
		health = NewHealthHandler("", "")
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(IdentityMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/institutions/{institutionID}/slots", listSlotsHandler(cfg.Appointments, loc))
	r.Get("/conflicts", checkConflictsHandler(cfg.Appointments, cfg.Logger))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Appointments))
	r.Get("/institutions/{institutionID}/queue/{date}", listQueueHandler(cfg.Queue, cfg.Assignments))
	r.Get("/institutions/{institutionID}/visibility", visibilityHandler(cfg.Assignments))

	if cfg.Hub != nil {
		r.Get("/ws", cfg.Hub.ServeWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)

		r.Get("/leases", listLeasesHandler(cfg.Leases))
		r.Post("/leases", acquireLeaseHandler(cfg.Leases))
		r.Post("/leases/batch", acquireBatchHandler(cfg.Leases))
		r.Post("/leases/{leaseID}/renew", renewLeaseHandler(cfg.Leases))
		r.Delete("/leases/{leaseID}", releaseLeaseHandler(cfg.Leases))
		r.Delete("/leases", releaseAllHandler(cfg.Leases))

		r.Post("/appointments", createAppointmentHandler(cfg.Appointments))
		r.Patch("/appointments/{id}/status", updateAppointmentStatusHandler(cfg.Appointments))

		r.Post("/institutions/{institutionID}/queue", createQueueHandler(cfg.Queue))
		r.Patch("/queue/{id}/status", updateQueueStatusHandler(cfg.Queue))
	})

	return r
}
