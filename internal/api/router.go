package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Complexity-ML/cosmetest-back-sub000/internal/appointment"
)

// SchedulingService is the part of appointment.Service the HTTP layer uses.
type SchedulingService interface {
	CreateAppointment(ctx context.Context, in appointment.NewAppointment) (*appointment.Appointment, error)
	CreateBatch(ctx context.Context, studyID int64, items []appointment.NewAppointment) (*appointment.BatchResult, error)
	AssignBatch(ctx context.Context, studyID int64, assignments []appointment.Assignment) (*appointment.BatchResult, error)
	AssignParticipant(ctx context.Context, key appointment.AppointmentKey, participantID int64) (*appointment.Appointment, error)
	UpdateState(ctx context.Context, key appointment.AppointmentKey, to appointment.AppointmentState) (*appointment.Appointment, error)
	UpdateField(ctx context.Context, key appointment.AppointmentKey, field appointment.AppointmentField, value string) (*appointment.Appointment, error)
	DeleteAppointment(ctx context.Context, key appointment.AppointmentKey) error

	FreeSlots(ctx context.Context, from, to time.Time, dayStart, dayEnd string) (map[string][]string, error)
	DetectConflicts(ctx context.Context, from, to time.Time) ([]appointment.Conflict, error)
	OverlappingStudies(ctx context.Context, participantID, studyID int64) ([]appointment.Study, error)
	Calendar(ctx context.Context, from, to time.Time, opts appointment.CalendarOptions) (*appointment.CalendarView, error)
	InvalidateCalendar(ctx context.Context) error
}

var _ SchedulingService = (*appointment.Service)(nil)

type RouterConfig struct {
	Service SchedulingService
	Health  *HealthHandler
	Logger  zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	svc := cfg.Service

	r.Route("/studies/{studyID}/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(svc))
		r.Post("/batch", createBatchHandler(svc))
		r.Post("/assignments", assignBatchHandler(svc))

		r.Route("/{number}", func(r chi.Router) {
			r.Patch("/", updateFieldHandler(svc))
			r.Delete("/", deleteAppointmentHandler(svc))
			r.Post("/state", updateStateHandler(svc))
			r.Put("/participant", assignParticipantHandler(svc))
		})
	})

	r.Get("/slots/free", freeSlotsHandler(svc))
	r.Get("/conflicts", conflictsHandler(svc))
	r.Get("/participants/{participantID}/overlap", overlapHandler(svc))

	r.Get("/calendar", calendarHandler(svc))
	r.Delete("/calendar/cache", invalidateCalendarHandler(svc))

	return r
}
