package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-turn-scheduling/internal/lease"
)

func acquireLeaseHandler(m *lease.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body SlotRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		key, err := body.key()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		l, err := m.Acquire(r.Context(), key, GetUserID(r.Context()), 0)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toLeaseResponse(*l))
	}
}

func acquireBatchHandler(m *lease.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body BatchLeaseRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if len(body.Slots) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "slots must not be empty")
			return
		}

		keys := make([]lease.Key, 0, len(body.Slots))
		for _, s := range body.Slots {
			key, err := s.key()
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			keys = append(keys, key)
		}

		got, err := m.AcquireBatch(r.Context(), keys, GetUserID(r.Context()), 0)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toLeaseResponses(got))
	}
}

func renewLeaseHandler(m *lease.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := m.Renew(r.Context(), chi.URLParam(r, "leaseID"), GetUserID(r.Context()), 0)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toLeaseResponse(*l))
	}
}

func releaseLeaseHandler(m *lease.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.Release(r.Context(), chi.URLParam(r, "leaseID"), GetUserID(r.Context())); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listLeasesHandler(m *lease.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got, err := m.ActiveLeases(r.Context(), GetUserID(r.Context()))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toLeaseResponses(got))
	}
}

// releaseAllHandler is called on logout to free every slot the user held.
func releaseAllHandler(m *lease.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := m.ReleaseAll(r.Context(), GetUserID(r.Context()))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ReleaseAllResponse{Released: n})
	}
}
