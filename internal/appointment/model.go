package appointment

import (
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type AppointmentState string

const (
	StatePlanned   AppointmentState = "planned"
	StateConfirmed AppointmentState = "confirmed"
	StateCompleted AppointmentState = "completed"
	StateCancelled AppointmentState = "cancelled"
	StateNoShow    AppointmentState = "no_show"
	StatePostponed AppointmentState = "postponed"
)

var allowedTransitions = map[AppointmentState][]AppointmentState{
	StatePlanned:   {StateConfirmed, StateCancelled, StatePostponed},
	StateConfirmed: {StateCompleted, StateCancelled, StateNoShow, StatePostponed},
	StatePostponed: {StatePlanned, StateCancelled},
}

// Valid reports whether s is a known lifecycle state.
func (s AppointmentState) Valid() bool {
	switch s {
	case StatePlanned, StateConfirmed, StateCompleted, StateCancelled, StateNoShow, StatePostponed:
		return true
	}
	return false
}

func (s AppointmentState) CanTransitionTo(to AppointmentState) bool {
	for _, next := range allowedTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// StateSet is an explicit set of states a computation should ignore.
type StateSet map[AppointmentState]bool

func NewStateSet(states ...AppointmentState) StateSet {
	set := make(StateSet, len(states))
	for _, s := range states {
		set[s] = true
	}
	return set
}

func (s StateSet) Has(state AppointmentState) bool {
	return s != nil && s[state]
}

type AppointmentKey struct {
	StudyID int64 `json:"study_id"`
	Number  int   `json:"number"`
}

type Appointment struct {
	StudyID       int64
	Number        int
	ParticipantID *int64
	GroupID       *int64
	Date          time.Time // zero when unscheduled
	Time          string    // HH:MM
	State         AppointmentState
	Note          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a Appointment) Key() AppointmentKey {
	return AppointmentKey{StudyID: a.StudyID, Number: a.Number}
}

func (a Appointment) HasDate() bool {
	return !a.Date.IsZero()
}

// NewAppointment is the caller supplied part of an appointment; the number is
// always allocated by the engine.
type NewAppointment struct {
	StudyID       int64
	ParticipantID *int64
	GroupID       *int64
	Date          string // YYYY-MM-DD, optional
	Time          string // HH:MM, optional
	State         AppointmentState
	Note          string
}

type Study struct {
	ID             int64
	Ref            string
	Title          string
	Type           string
	TargetSubjects int
	Start          *time.Time
	End            *time.Time
}

// Period returns the study's active range and whether both bounds are known.
func (s Study) Period() (Period, bool) {
	if s.Start == nil || s.End == nil {
		return Period{}, false
	}
	return Period{Start: *s.Start, End: *s.End}, true
}

type Participant struct {
	ID        int64
	FirstName string
	LastName  string
	BirthDate *time.Time
}

// AppointmentWithStudy is an appointment row pre-joined with its study.
type AppointmentWithStudy struct {
	Appointment
	Study Study
}

type EventLog struct {
	ID        int64
	EventType string
	StudyID   *int64
	Number    *int
	Payload   []byte
	CreatedAt time.Time
}

// Assignment binds an existing appointment to a participant in a batch.
type Assignment struct {
	Number        int
	ParticipantID int64
}

// dateOnly strips the clock part so dates compare as calendar days.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDate(field, raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Message: "expected YYYY-MM-DD, got " + quote(raw)}
	}
	return t, nil
}
