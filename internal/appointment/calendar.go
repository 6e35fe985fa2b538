package appointment

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type TemporalStatus string

const (
	StatusPast     TemporalStatus = "past"
	StatusToday    TemporalStatus = "today"
	StatusUpcoming TemporalStatus = "upcoming"
	StatusUnknown  TemporalStatus = "unknown"
)

const UndefinedBucket = "undefined"

// TemporalStatusOf compares the appointment day to today, ignoring clocks.
func TemporalStatusOf(date, today time.Time) TemporalStatus {
	if date.IsZero() {
		return StatusUnknown
	}
	d, t := dateOnly(date), dateOnly(today)
	switch {
	case d.Equal(t):
		return StatusToday
	case d.Before(t):
		return StatusPast
	default:
		return StatusUpcoming
	}
}

type CalendarOptions struct {
	IncludeParticipants bool
	IncludeStats        bool
}

type StudySummary struct {
	ID    int64  `json:"id"`
	Ref   string `json:"ref"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type ParticipantSummary struct {
	ID        int64      `json:"id"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
}

type CalendarAppointment struct {
	StudyID       int64               `json:"study_id"`
	Number        int                 `json:"number"`
	Date          string              `json:"date,omitempty"`
	Time          string              `json:"time"`
	State         AppointmentState    `json:"state"`
	Note          string              `json:"note,omitempty"`
	GroupID       *int64              `json:"group_id,omitempty"`
	ParticipantID *int64              `json:"participant_id,omitempty"`
	Status        TemporalStatus      `json:"temporal_status"`
	Study         StudySummary        `json:"study"`
	Participant   *ParticipantSummary `json:"participant,omitempty"`
}

type CalendarStudy struct {
	StudySummary
	NominalStart     *time.Time `json:"nominal_start,omitempty"`
	NominalEnd       *time.Time `json:"nominal_end,omitempty"`
	EffectiveDates   []string   `json:"effective_dates"`
	DatesLabel       string     `json:"dates_label"`
	AppointmentCount int        `json:"appointment_count"`
}

type CalendarStats struct {
	Total     int            `json:"total"`
	ByState   map[string]int `json:"by_state"`
	ByWeekday map[string]int `json:"by_weekday"`
	ByHour    map[string]int `json:"by_hour"`
}

type CalendarView struct {
	From         string                `json:"from"`
	To           string                `json:"to"`
	GeneratedAt  time.Time             `json:"generated_at"`
	Appointments []CalendarAppointment `json:"appointments"`
	Studies      []CalendarStudy       `json:"studies"`
	Stats        *CalendarStats        `json:"stats,omitempty"`
}

// CalendarInput is everything BuildCalendar needs, already fetched.
type CalendarInput struct {
	From, To     time.Time
	Now          time.Time
	Appointments []AppointmentWithStudy
	Participants map[int64]Participant
	Options      CalendarOptions
}

// BuildCalendar is the pure aggregation step behind Service.Calendar.
func BuildCalendar(in CalendarInput) *CalendarView {
	from, to := dateOnly(in.From), dateOnly(in.To)

	view := &CalendarView{
		From:         from.Format(DateLayout),
		To:           to.Format(DateLayout),
		GeneratedAt:  in.Now,
		Appointments: make([]CalendarAppointment, 0, len(in.Appointments)),
		Studies:      []CalendarStudy{},
	}

	type studyAcc struct {
		study Study
		dates map[string]time.Time
		count int
	}
	studies := make(map[int64]*studyAcc)

	for _, row := range in.Appointments {
		a := row.Appointment
		ca := CalendarAppointment{
			StudyID:       a.StudyID,
			Number:        a.Number,
			Time:          a.Time,
			State:         a.State,
			Note:          a.Note,
			GroupID:       a.GroupID,
			ParticipantID: a.ParticipantID,
			Status:        TemporalStatusOf(a.Date, in.Now),
			Study:         summarizeStudy(row.Study),
		}
		if a.HasDate() {
			ca.Date = a.Date.Format(DateLayout)
		}
		if in.Options.IncludeParticipants && a.ParticipantID != nil {
			if p, ok := in.Participants[*a.ParticipantID]; ok {
				ca.Participant = &ParticipantSummary{
					ID:        p.ID,
					FirstName: p.FirstName,
					LastName:  p.LastName,
					BirthDate: p.BirthDate,
				}
			}
		}
		view.Appointments = append(view.Appointments, ca)

		acc, ok := studies[row.Study.ID]
		if !ok {
			acc = &studyAcc{study: row.Study, dates: make(map[string]time.Time)}
			studies[row.Study.ID] = acc
		}
		acc.count++
		if a.HasDate() {
			d := dateOnly(a.Date)
			if !d.Before(from) && !d.After(to) {
				acc.dates[d.Format(DateLayout)] = d
			}
		}
	}

	sort.SliceStable(view.Appointments, func(i, j int) bool {
		a, b := view.Appointments[i], view.Appointments[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		if a.StudyID != b.StudyID {
			return a.StudyID < b.StudyID
		}
		return a.Number < b.Number
	})

	for _, acc := range studies {
		dates := make([]time.Time, 0, len(acc.dates))
		for _, d := range acc.dates {
			dates = append(dates, d)
		}
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

		effective := make([]string, len(dates))
		for i, d := range dates {
			effective[i] = d.Format(DateLayout)
		}

		view.Studies = append(view.Studies, CalendarStudy{
			StudySummary:     summarizeStudy(acc.study),
			NominalStart:     acc.study.Start,
			NominalEnd:       acc.study.End,
			EffectiveDates:   effective,
			DatesLabel:       DatesLabel(dates),
			AppointmentCount: acc.count,
		})
	}
	sort.Slice(view.Studies, func(i, j int) bool {
		if view.Studies[i].Ref != view.Studies[j].Ref {
			return view.Studies[i].Ref < view.Studies[j].Ref
		}
		return view.Studies[i].ID < view.Studies[j].ID
	})

	if in.Options.IncludeStats {
		view.Stats = computeStats(in.Appointments)
	}

	return view
}

func summarizeStudy(s Study) StudySummary {
	return StudySummary{ID: s.ID, Ref: s.Ref, Title: s.Title, Type: s.Type}
}

// DatesLabel renders a sorted set of days for display.
func DatesLabel(dates []time.Time) string {
	switch n := len(dates); {
	case n == 0:
		return ""
	case n == 1:
		return dates[0].Format("Monday, January 2, 2006")
	case n <= 3:
		parts := make([]string, n)
		for i, d := range dates {
			parts[i] = d.Format(DateLayout)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%s … %s (%d days)", dates[0].Format(DateLayout), dates[n-1].Format(DateLayout), n)
	}
}

func computeStats(rows []AppointmentWithStudy) *CalendarStats {
	stats := &CalendarStats{
		Total:     len(rows),
		ByState:   make(map[string]int),
		ByWeekday: make(map[string]int),
		ByHour:    make(map[string]int),
	}

	for _, row := range rows {
		a := row.Appointment
		state := string(a.State)
		if state == "" {
			state = UndefinedBucket
		}
		stats.ByState[state]++

		if a.HasDate() {
			stats.ByWeekday[a.Date.Weekday().String()]++
		}

		stats.ByHour[hourBucket(a.Time)]++
	}
	return stats
}

// hourBucket takes the first two characters of HH:MM; anything that is not a
// valid hour lands in the undefined bucket.
func hourBucket(hm string) string {
	if len(hm) < 2 {
		return UndefinedBucket
	}
	h := hm[:2]
	if h[0] < '0' || h[0] > '2' || h[1] < '0' || h[1] > '9' || h > "23" {
		return UndefinedBucket
	}
	return h
}
