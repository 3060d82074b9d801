package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-turn-scheduling/internal/queue"
)

// listQueueHandler returns the day's queue as the caller is allowed to see
// it, narrowed by optional service_id, professional_id, room_id and status
// (comma separated) query parameters.
func listQueueHandler(svc *queue.Service, assignments queue.AssignmentProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := parseInstitution(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_institution_id", err.Error())
			return
		}

		filter, err := parseFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		items, err := svc.ListDay(r.Context(), inst, chi.URLParam(r, "date"))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		v, err := assignments.Visibility(r.Context(), GetUserID(r.Context()), inst)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, filter.Apply(queue.Project(items, v)))
	}
}

// visibilityHandler tells a client which tickets its user may see so it can
// project live feed events the same way the list endpoint does.
func visibilityHandler(assignments queue.AssignmentProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := parseInstitution(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_institution_id", err.Error())
			return
		}

		v, err := assignments.Visibility(r.Context(), GetUserID(r.Context()), inst)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func createQueueHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := parseInstitution(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_institution_id", err.Error())
			return
		}

		var body CreateQueueRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		created, err := svc.Create(r.Context(), GetUserID(r.Context()), inst, body.Tickets)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, created)
	}
}

func updateQueueStatusHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body StatusRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		to := queue.Status(body.Status)
		if !to.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+body.Status)
			return
		}

		it, err := svc.Transition(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "id"), to)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, it)
	}
}

func parseFilter(r *http.Request) (queue.Filter, error) {
	q := r.URL.Query()
	var f queue.Filter
	var err error

	if f.ServiceID, err = parseOptionalUUID("service_id", q.Get("service_id")); err != nil {
		return f, err
	}
	if f.ProfessionalID, err = parseOptionalUUID("professional_id", q.Get("professional_id")); err != nil {
		return f, err
	}
	if f.RoomID, err = parseOptionalUUID("room_id", q.Get("room_id")); err != nil {
		return f, err
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, queue.Status(strings.TrimSpace(s)))
		}
	}
	return f, nil
}
