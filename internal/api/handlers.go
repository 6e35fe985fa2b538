package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Complexity-ML/cosmetest-back-sub000/internal/appointment"
)

func createAppointmentHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studyID, ok := pathInt64(w, r, "studyID")
		if !ok {
			return
		}

		var req CreateAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.CreateAppointment(r.Context(), req.toNew(studyID))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func createBatchHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studyID, ok := pathInt64(w, r, "studyID")
		if !ok {
			return
		}

		var req CreateBatchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Items) == 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "items must not be empty")
			return
		}

		items := make([]appointment.NewAppointment, len(req.Items))
		for i, it := range req.Items {
			items[i] = it.toNew(studyID)
		}

		result, err := svc.CreateBatch(r.Context(), studyID, items)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toBatchResponse(result))
	}
}

func assignBatchHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studyID, ok := pathInt64(w, r, "studyID")
		if !ok {
			return
		}

		var req AssignBatchRequest
		if !decodeBody(w, r, &req) {
			return
		}

		assignments := make([]appointment.Assignment, len(req.Assignments))
		for i, a := range req.Assignments {
			assignments[i] = appointment.Assignment{Number: a.Number, ParticipantID: a.ParticipantID}
		}

		result, err := svc.AssignBatch(r.Context(), studyID, assignments)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toBatchResponse(result))
	}
}

func updateFieldHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := appointmentKey(w, r)
		if !ok {
			return
		}

		var req UpdateFieldRequest
		if !decodeBody(w, r, &req) {
			return
		}

		field, err := appointment.ParseAppointmentField(req.Field)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		appt, err := svc.UpdateField(r.Context(), key, field, req.Value)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func updateStateHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := appointmentKey(w, r)
		if !ok {
			return
		}

		var req UpdateStateRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.UpdateState(r.Context(), key, appointment.AppointmentState(req.State))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func assignParticipantHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := appointmentKey(w, r)
		if !ok {
			return
		}

		var req AssignParticipantRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ParticipantID <= 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "participant_id is required")
			return
		}

		appt, err := svc.AssignParticipant(r.Context(), key, req.ParticipantID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func deleteAppointmentHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := appointmentKey(w, r)
		if !ok {
			return
		}

		if err := svc.DeleteAppointment(r.Context(), key); err != nil {
			handleServiceError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func freeSlotsHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, ok := dateRange(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		slots, err := svc.FreeSlots(r.Context(), from, to, q.Get("day_start"), q.Get("day_end"))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, FreeSlotsResponse{
			From:  from.Format(appointment.DateLayout),
			To:    to.Format(appointment.DateLayout),
			Slots: slots,
		})
	}
}

func conflictsHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, ok := dateRange(w, r)
		if !ok {
			return
		}

		conflicts, err := svc.DetectConflicts(r.Context(), from, to)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		resp := ConflictsResponse{
			From:      from.Format(appointment.DateLayout),
			To:        to.Format(appointment.DateLayout),
			Conflicts: make([]ConflictResponse, len(conflicts)),
		}
		for i, c := range conflicts {
			resp.Conflicts[i] = ConflictResponse{
				Kind:          string(c.Kind),
				Date:          c.Date.Format(appointment.DateLayout),
				ParticipantID: c.ParticipantID,
				Time:          c.Time,
				Count:         c.Count,
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func overlapHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		participantID, ok := pathInt64(w, r, "participantID")
		if !ok {
			return
		}
		studyID, err := strconv.ParseInt(r.URL.Query().Get("study"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "study query parameter must be an integer")
			return
		}

		studies, err := svc.OverlappingStudies(r.Context(), participantID, studyID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		resp := OverlapResponse{
			ParticipantID: participantID,
			StudyID:       studyID,
			Overlap:       len(studies) > 0,
			Studies:       make([]appointment.StudySummary, len(studies)),
		}
		for i, s := range studies {
			resp.Studies[i] = appointment.StudySummary{ID: s.ID, Ref: s.Ref, Title: s.Title, Type: s.Type}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func calendarHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, ok := dateRange(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		opts := appointment.CalendarOptions{
			IncludeParticipants: queryBool(q.Get("participants")),
			IncludeStats:        queryBool(q.Get("stats")),
		}

		view, err := svc.Calendar(r.Context(), from, to, opts)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, view)
	}
}

func invalidateCalendarHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.InvalidateCalendar(r.Context()); err != nil {
			handleServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Request parsing

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a positive integer")
		return 0, false
	}
	return v, true
}

func appointmentKey(w http.ResponseWriter, r *http.Request) (appointment.AppointmentKey, bool) {
	studyID, ok := pathInt64(w, r, "studyID")
	if !ok {
		return appointment.AppointmentKey{}, false
	}
	number, ok := pathInt64(w, r, "number")
	if !ok {
		return appointment.AppointmentKey{}, false
	}
	return appointment.AppointmentKey{StudyID: studyID, Number: int(number)}, true
}

func dateRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()

	from, err := appointment.ParseDate("from", q.Get("from"))
	if err != nil {
		handleServiceError(w, r, err)
		return time.Time{}, time.Time{}, false
	}
	to, err := appointment.ParseDate("to", q.Get("to"))
	if err != nil {
		handleServiceError(w, r, err)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func queryBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
