package appointment

import (
	"context"
	"sort"
	"time"
)

type ConflictKind string

const (
	ConflictDoubleBooking ConflictKind = "double_booking"
	ConflictTimeCollision ConflictKind = "time_collision"
)

// Conflict is one advisory finding. Double bookings carry ParticipantID,
// time collisions carry Time.
type Conflict struct {
	Kind          ConflictKind
	Date          time.Time
	ParticipantID *int64
	Time          string
	Count         int
}

// DetectConflicts reports double bookings and time collisions in [from, to].
// It never vetoes anything; findings are for operators.
func (s *Service) DetectConflicts(ctx context.Context, from, to time.Time) ([]Conflict, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}

	doubles, err := s.repo.FindDoubleBookings(ctx, from, to)
	if err != nil {
		return s.advisoryConflicts(&LookupError{Op: "double bookings", Err: err})
	}
	collisions, err := s.repo.FindTimeCollisions(ctx, from, to)
	if err != nil {
		return s.advisoryConflicts(&LookupError{Op: "time collisions", Err: err})
	}

	out := make([]Conflict, 0, len(doubles)+len(collisions))
	for _, c := range doubles {
		c.Kind = ConflictDoubleBooking
		out = append(out, c)
	}
	for _, c := range collisions {
		c.Kind = ConflictTimeCollision
		out = append(out, c)
	}
	sortConflicts(out)
	return out, nil
}

func (s *Service) advisoryConflicts(err error) ([]Conflict, error) {
	if err := s.advisory(err); err != nil {
		return nil, err
	}
	return []Conflict{}, nil
}

func sortConflicts(cs []Conflict) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return participantOrZero(a.ParticipantID) < participantOrZero(b.ParticipantID)
	})
}

func participantOrZero(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
