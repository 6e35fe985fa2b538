package api

import (
	"time"

	"github.com/Complexity-ML/cosmetest-back-sub000/internal/appointment"
)

type CreateAppointmentRequest struct {
	ParticipantID *int64 `json:"participant_id,omitempty"`
	GroupID       *int64 `json:"group_id,omitempty"`
	Date          string `json:"date,omitempty"`
	Time          string `json:"time,omitempty"`
	State         string `json:"state,omitempty"`
	Note          string `json:"note,omitempty"`
}

func (r CreateAppointmentRequest) toNew(studyID int64) appointment.NewAppointment {
	return appointment.NewAppointment{
		StudyID:       studyID,
		ParticipantID: r.ParticipantID,
		GroupID:       r.GroupID,
		Date:          r.Date,
		Time:          r.Time,
		State:         appointment.AppointmentState(r.State),
		Note:          r.Note,
	}
}

type CreateBatchRequest struct {
	Items []CreateAppointmentRequest `json:"items"`
}

type AssignmentRequest struct {
	Number        int   `json:"number"`
	ParticipantID int64 `json:"participant_id"`
}

type AssignBatchRequest struct {
	Assignments []AssignmentRequest `json:"assignments"`
}

type UpdateFieldRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type UpdateStateRequest struct {
	State string `json:"state"`
}

type AssignParticipantRequest struct {
	ParticipantID int64 `json:"participant_id"`
}

type AppointmentResponse struct {
	StudyID       int64     `json:"study_id"`
	Number        int       `json:"number"`
	ParticipantID *int64    `json:"participant_id,omitempty"`
	GroupID       *int64    `json:"group_id,omitempty"`
	Date          string    `json:"date,omitempty"`
	Time          string    `json:"time,omitempty"`
	State         string    `json:"state"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		StudyID:       a.StudyID,
		Number:        a.Number,
		ParticipantID: a.ParticipantID,
		GroupID:       a.GroupID,
		Time:          a.Time,
		State:         string(a.State),
		Note:          a.Note,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	if a.HasDate() {
		resp.Date = a.Date.Format(appointment.DateLayout)
	}
	return resp
}

type BatchResponse struct {
	Created              []AppointmentResponse        `json:"created"`
	Updated              []appointment.AppointmentKey `json:"updated"`
	Errors               []appointment.BatchItemError `json:"errors"`
	CreatedCount         int                          `json:"created_count"`
	UpdatedCount         int                          `json:"updated_count"`
	AlreadyAssignedCount int                          `json:"already_assigned_count"`
	SkippedCount         int                          `json:"skipped_count"`
	ErrorCount           int                          `json:"error_count"`
}

func toBatchResponse(r *appointment.BatchResult) BatchResponse {
	resp := BatchResponse{
		Created:              make([]AppointmentResponse, len(r.Created)),
		Updated:              r.Updated,
		Errors:               r.Errors,
		CreatedCount:         r.CreatedCount,
		UpdatedCount:         r.UpdatedCount,
		AlreadyAssignedCount: r.AlreadyAssignedCount,
		SkippedCount:         r.SkippedCount,
		ErrorCount:           r.ErrorCount,
	}
	for i := range r.Created {
		resp.Created[i] = toAppointmentResponse(&r.Created[i])
	}
	if resp.Updated == nil {
		resp.Updated = []appointment.AppointmentKey{}
	}
	if resp.Errors == nil {
		resp.Errors = []appointment.BatchItemError{}
	}
	return resp
}

type FreeSlotsResponse struct {
	From  string              `json:"from"`
	To    string              `json:"to"`
	Slots map[string][]string `json:"slots"`
}

type ConflictResponse struct {
	Kind          string `json:"kind"`
	Date          string `json:"date"`
	ParticipantID *int64 `json:"participant_id,omitempty"`
	Time          string `json:"time,omitempty"`
	Count         int    `json:"count"`
}

type ConflictsResponse struct {
	From      string             `json:"from"`
	To        string             `json:"to"`
	Conflicts []ConflictResponse `json:"conflicts"`
}

type OverlapResponse struct {
	ParticipantID int64                      `json:"participant_id"`
	StudyID       int64                      `json:"study_id"`
	Overlap       bool                       `json:"overlap"`
	Studies       []appointment.StudySummary `json:"studies"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
