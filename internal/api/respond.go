package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-turn-scheduling/internal/appointment"
	"github.com/hackgods/clinic-turn-scheduling/internal/lease"
	"github.com/hackgods/clinic-turn-scheduling/internal/queue"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeServiceError maps domain errors onto HTTP answers. Contention is a
// 409 carrying the conflict kind; store failures are 503 so clients retry.
func writeServiceError(w http.ResponseWriter, err error) {
	if ce, ok := lease.AsConflict(err); ok {
		resp := ErrorResponse{Error: string(ce.Kind), Details: ce.Error(), LeaseID: ce.LeaseID}
		if !ce.ExpiresAt.IsZero() {
			retry := ce.ExpiresAt
			resp.RetryAt = &retry
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	}

	switch {
	case errors.Is(err, appointment.ErrDuplicateAppointment):
		writeError(w, http.StatusConflict, string(lease.KindSlotTaken), "slot already booked")
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidStatusTransition),
		errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrStatusChanged),
		errors.Is(err, queue.ErrStatusChanged):
		writeError(w, http.StatusConflict, "status_changed", err.Error())
	case errors.Is(err, appointment.ErrInvalidRange),
		errors.Is(err, queue.ErrInvalidTicket):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, queue.ErrItemNotFound):
		writeError(w, http.StatusNotFound, "queue_item_not_found", err.Error())
	case errors.Is(err, lease.ErrStore):
		resp := ErrorResponse{Error: "store_error", Details: err.Error()}
		var ce *appointment.CommitError
		if errors.As(err, &ce) {
			resp.LeaseID = ce.LeaseID
		}
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseUUID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a valid UUID", field)
	}
	return id, nil
}

func parseOptionalUUID(field, raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := parseUUID(field, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// parseTime accepts RFC 3339 timestamps.
func parseTime(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", field)
	}
	return t, nil
}

// parseDay accepts YYYY-MM-DD in loc or a full RFC 3339 timestamp. An empty
// value yields the zero time.
func parseDay(field, raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(queue.DateLayout, raw, loc); err == nil {
		return t, nil
	}
	return parseTime(field, raw)
}

func (s SlotRequest) key() (lease.Key, error) {
	prof, err := parseUUID("professional_id", s.ProfessionalID)
	if err != nil {
		return lease.Key{}, err
	}
	svc, err := parseUUID("service_id", s.ServiceID)
	if err != nil {
		return lease.Key{}, err
	}
	inst, err := parseUUID("institution_id", s.InstitutionID)
	if err != nil {
		return lease.Key{}, err
	}
	at, err := parseTime("datetime", s.Datetime)
	if err != nil {
		return lease.Key{}, err
	}
	return lease.Key{ProfessionalID: prof, ServiceID: svc, InstitutionID: inst, Datetime: at}, nil
}

func (c CreateAppointmentRequest) reserve() (appointment.ReserveRequest, error) {
	var req appointment.ReserveRequest
	var err error

	if req.PatientID, err = parseUUID("patient_id", c.PatientID); err != nil {
		return req, err
	}
	if req.ProfessionalID, err = parseUUID("professional_id", c.ProfessionalID); err != nil {
		return req, err
	}
	if req.ServiceID, err = parseUUID("service_id", c.ServiceID); err != nil {
		return req, err
	}
	if req.InstitutionID, err = parseUUID("institution_id", c.InstitutionID); err != nil {
		return req, err
	}
	if c.RoomID != nil {
		if req.RoomID, err = parseOptionalUUID("room_id", *c.RoomID); err != nil {
			return req, err
		}
	}
	if req.ScheduledAt, err = parseTime("scheduled_at", c.ScheduledAt); err != nil {
		return req, err
	}
	req.Notes = c.Notes
	return req, nil
}
