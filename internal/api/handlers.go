package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-turn-scheduling/internal/appointment"
	"github.com/hackgods/clinic-turn-scheduling/internal/slot"
)

func createAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body CreateAppointmentRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		req, err := body.reserve()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		holder := GetUserID(r.Context())

		var appt *appointment.Appointment
		if body.LeaseID != "" {
			appt, err = svc.CommitWithLease(r.Context(), holder, body.LeaseID, req)
		} else {
			appt, err = svc.Reserve(r.Context(), holder, req)
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, appt)
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUID("id", chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", err.Error())
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, appt)
	}
}

func updateAppointmentStatusHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUID("id", chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", err.Error())
			return
		}

		var body StatusRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		to := appointment.Status(body.Status)
		if !to.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+body.Status)
			return
		}

		appt, err := svc.UpdateStatus(r.Context(), GetUserID(r.Context()), id, to)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, appt)
	}
}

// listSlotsHandler serves the generated schedule with occupancy for a date
// range. available=true drops occupied slots from the listing; stats always
// cover the whole range.
func listSlotsHandler(svc *appointment.Service, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := parseInstitution(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_institution_id", err.Error())
			return
		}

		q := r.URL.Query()
		from, err := parseDay("from", q.Get("from"), loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		to, err := parseDay("to", q.Get("to"), loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		days, err := svc.AvailableSlots(r.Context(), inst, from, to)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		resp := SlotsResponse{Days: days, Stats: slot.Stats(days)}
		if q.Get("available") == "true" {
			resp.Days = slot.Available(days)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// checkConflictsHandler always answers 200 with a report. When the check
// itself fails the report claims a conflict.
func checkConflictsHandler(svc *appointment.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		key, err := SlotRequest{
			ProfessionalID: q.Get("professional_id"),
			ServiceID:      q.Get("service_id"),
			InstitutionID:  q.Get("institution_id"),
			Datetime:       q.Get("datetime"),
		}.key()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		report, err := svc.CheckConflicts(r.Context(), key)
		if err != nil {
			log.Warn().Err(err).Str("lease_id", key.ID()).Msg("conflict check degraded")
		}

		writeJSON(w, http.StatusOK, report)
	}
}

func parseInstitution(r *http.Request) (uuid.UUID, error) {
	return parseUUID("institutionID", chi.URLParam(r, "institutionID"))
}
