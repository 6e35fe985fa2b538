package appointment

import (
	"context"
	"time"
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetStudy(ctx context.Context, id int64) (*Study, error)

	// Range reads. Bounds are inclusive calendar days.
	FindAppointmentsInRange(ctx context.Context, from, to time.Time) ([]AppointmentWithStudy, error)
	FindAppointmentsByParticipantAndStudy(ctx context.Context, participantID, studyID int64) ([]Appointment, error)
	FindEnrolledStudies(ctx context.Context, participantID int64) ([]Study, error)
	FindParticipantsByIDs(ctx context.Context, ids []int64) (map[int64]Participant, error)

	// Advisory aggregates; cancelled appointments are not counted.
	FindDoubleBookings(ctx context.Context, from, to time.Time) ([]Conflict, error)
	FindTimeCollisions(ctx context.Context, from, to time.Time) ([]Conflict, error)

	GetAppointment(ctx context.Context, key AppointmentKey) (*Appointment, error)
	UpdateAppointment(ctx context.Context, a *Appointment) error
	DeleteAppointment(ctx context.Context, key AppointmentKey) error

	// WithinSerializableTx runs fn in one serializable transaction. The writer
	// must not be used after fn returns.
	WithinSerializableTx(ctx context.Context, fn func(ctx context.Context, w Writer) error) error

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Writer is the transactional side used by the allocator.
type Writer interface {
	// CreateAppointment returns ErrDuplicateAppointment when (study, number)
	// is taken. A failed attempt leaves the enclosing transaction usable.
	CreateAppointment(ctx context.Context, a *Appointment) error
	MaxAppointmentNumber(ctx context.Context, studyID int64) (int, bool, error)
	// ActiveBooking reports a non-cancelled appointment of the participant in
	// the study, staged rows of the same transaction included.
	ActiveBooking(ctx context.Context, participantID, studyID int64) (number int, found bool, err error)
}
