package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Complexity-ML/cosmetest-back-sub000/internal/appointment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleServiceError maps engine errors onto HTTP statuses. Anything
// unrecognised is logged and reported as a 500.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *appointment.ConflictRejectedError

	switch {
	case appointment.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.As(err, &rejected):
		writeError(w, http.StatusConflict, string(rejected.Kind), rejected.Reason)
	case errors.Is(err, appointment.ErrStudyNotFound):
		writeError(w, http.StatusNotFound, "study_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "invalid_state_transition", err.Error())
	case errors.Is(err, appointment.ErrBatchInProgress):
		writeError(w, http.StatusConflict, "batch_in_progress", err.Error())
	case errors.Is(err, appointment.ErrConcurrentUpdate):
		writeError(w, http.StatusConflict, "concurrent_update", err.Error())
	case errors.Is(err, appointment.ErrAllocationExhausted):
		writeError(w, http.StatusServiceUnavailable, "allocation_exhausted", err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}
