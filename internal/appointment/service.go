package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Complexity-ML/cosmetest-back-sub000/internal/config"
)

const (
	EventAppointmentCreated      = "APPOINTMENT_CREATED"
	EventAppointmentBatchCreated = "APPOINTMENT_BATCH_CREATED"
	EventAppointmentAssigned     = "APPOINTMENT_ASSIGNED"
	EventAppointmentStateChanged = "APPOINTMENT_STATE_CHANGED"
	EventAppointmentUpdated      = "APPOINTMENT_UPDATED"
	EventAppointmentDeleted      = "APPOINTMENT_DELETED"
)

// maxRangeDays bounds every date range query.
const maxRangeDays = 366

// Locker guards batch creation per study. acquired is false when another
// holder owns the lock; fn is not run in that case.
type Locker interface {
	TryWithStudyLock(ctx context.Context, studyID int64, fn func(ctx context.Context) error) (acquired bool, err error)
}

type SlotPolicy struct {
	WidthMinutes int
	DayStart     string
	DayEnd       string
	Skip         StateSet // states that never occupy a slot
}

// AdvisoryPolicy decides what overlap and conflict checks do when storage
// reads fail: FailOpen degrades to "nothing found", otherwise the error is
// returned.
type AdvisoryPolicy struct {
	FailOpen bool
}

type ServiceConfig struct {
	Slots     SlotPolicy
	Allocator AllocatorConfig
	Advisory  AdvisoryPolicy
}

func ServiceConfigFrom(s config.Scheduling) ServiceConfig {
	return ServiceConfig{
		Slots: SlotPolicy{
			WidthMinutes: s.SlotWidthMinutes,
			DayStart:     s.DayStart,
			DayEnd:       s.DayEnd,
			Skip:         NewStateSet(StateCancelled),
		},
		Allocator: AllocatorConfig{
			Strategy:       NumberStrategy(s.NumberStrategy),
			Min:            s.NumberMin,
			Max:            s.NumberMax,
			SingleAttempts: s.SingleAttempts,
			BatchAttempts:  s.BatchAttempts,
			TxAttempts:     s.TxAttempts,
		},
		Advisory: AdvisoryPolicy{FailOpen: s.AdvisoryFailOpen},
	}
}

type Service struct {
	repo   Repository
	alloc  *Allocator
	cache  CalendarCache
	locker Locker
	slots  SlotPolicy
	policy AdvisoryPolicy
	now    func() time.Time
	log    zerolog.Logger
}

// NewService wires the engine. cache and locker may be nil.
func NewService(repo Repository, cache CalendarCache, locker Locker, cfg ServiceConfig, log zerolog.Logger) *Service {
	if cache == nil {
		cache = NoopCache()
	}
	log = log.With().Str("component", "scheduling").Logger()
	return &Service{
		repo:   repo,
		alloc:  NewAllocator(repo, cfg.Allocator, log),
		cache:  cache,
		locker: locker,
		slots:  cfg.Slots,
		policy: cfg.Advisory,
		now:    time.Now,
		log:    log,
	}
}

type BatchResult struct {
	Created              []Appointment    `json:"created"`
	Updated              []AppointmentKey `json:"updated"`
	Errors               []BatchItemError `json:"errors"`
	CreatedCount         int              `json:"created_count"`
	UpdatedCount         int              `json:"updated_count"`
	AlreadyAssignedCount int              `json:"already_assigned_count"`
	SkippedCount         int              `json:"skipped_count"`
	ErrorCount           int              `json:"error_count"`
}

// Partial reports whether at least one item failed.
func (r *BatchResult) Partial() bool {
	return len(r.Errors) > 0
}

func (r *BatchResult) addError(index int, err error) {
	r.Errors = append(r.Errors, BatchItemError{Index: index, Message: err.Error()})
}

func (r *BatchResult) finish() {
	sort.SliceStable(r.Errors, func(i, j int) bool { return r.Errors[i].Index < r.Errors[j].Index })
	r.CreatedCount = len(r.Created)
	r.UpdatedCount = len(r.Updated)
	r.ErrorCount = len(r.Errors)
}

// CreateAppointment runs the admission gates for the participant, if any,
// then allocates and persists the appointment.
func (s *Service) CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error) {
	study, err := s.loadStudy(ctx, in.StudyID)
	if err != nil {
		return nil, err
	}

	appt, err := prepare(in)
	if err != nil {
		return nil, err
	}

	if appt.ParticipantID != nil {
		if err := s.admit(ctx, *appt.ParticipantID, *study); err != nil {
			return nil, err
		}
	}

	created, err := s.alloc.Create(ctx, appt)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventAppointmentCreated, created.Key(), map[string]any{
		"participant_id": created.ParticipantID,
		"date":           formatDate(created.Date),
		"time":           created.Time,
	})
	s.invalidateCalendar(ctx)

	return created, nil
}

// CreateBatch creates every valid, admitted item against one study. Item
// failures land in the result; the returned error is reserved for failures
// of the batch as a whole.
func (s *Service) CreateBatch(ctx context.Context, studyID int64, items []NewAppointment) (*BatchResult, error) {
	study, err := s.loadStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Created: []Appointment{}, Updated: []AppointmentKey{}, Errors: []BatchItemError{}}
	admitted := make(map[int64]bool)
	var pending []BatchItem

	for i, in := range items {
		in.StudyID = studyID
		appt, err := prepare(in)
		if err != nil {
			result.addError(i, err)
			continue
		}
		if pid := appt.ParticipantID; pid != nil {
			if admitted[*pid] {
				result.addError(i, &ConflictRejectedError{
					Kind:   RejectExistingBooking,
					Reason: fmt.Sprintf("participant %d appears more than once in this batch", *pid),
				})
				continue
			}
			if err := s.admit(ctx, *pid, *study); err != nil {
				result.addError(i, err)
				continue
			}
			admitted[*pid] = true
		}
		pending = append(pending, BatchItem{Index: i, Appointment: appt})
	}

	if len(pending) > 0 {
		run := func(ctx context.Context) error {
			created, failures, err := s.alloc.CreateBatch(ctx, studyID, pending)
			if err != nil {
				return err
			}
			result.Created = append(result.Created, created...)
			result.Errors = append(result.Errors, failures...)
			return nil
		}

		if err := s.withStudyLock(ctx, studyID, run); err != nil {
			return nil, err
		}
	}

	result.finish()

	if result.CreatedCount > 0 {
		s.logEvent(ctx, EventAppointmentBatchCreated, AppointmentKey{StudyID: studyID}, map[string]any{
			"created": result.CreatedCount,
			"errors":  result.ErrorCount,
		})
		s.invalidateCalendar(ctx)
	}

	s.log.Info().
		Int64("study_id", studyID).
		Int("requested", len(items)).
		Int("created", result.CreatedCount).
		Int("errors", result.ErrorCount).
		Msg("batch creation finished")

	return result, nil
}

func (s *Service) withStudyLock(ctx context.Context, studyID int64, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	acquired, err := s.locker.TryWithStudyLock(ctx, studyID, fn)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrBatchInProgress
	}
	return nil
}

// AssignBatch binds existing appointments of a study to participants.
func (s *Service) AssignBatch(ctx context.Context, studyID int64, assignments []Assignment) (*BatchResult, error) {
	study, err := s.loadStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Created: []Appointment{}, Updated: []AppointmentKey{}, Errors: []BatchItemError{}}
	admitted := make(map[int64]bool)

	for i, as := range assignments {
		key := AppointmentKey{StudyID: studyID, Number: as.Number}
		appt, err := s.repo.GetAppointment(ctx, key)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				result.SkippedCount++
				continue
			}
			result.addError(i, &LookupError{Op: "appointment", Err: err})
			continue
		}
		if appt.State == StateCancelled {
			result.SkippedCount++
			continue
		}
		if appt.ParticipantID != nil && *appt.ParticipantID == as.ParticipantID {
			result.AlreadyAssignedCount++
			continue
		}
		if admitted[as.ParticipantID] {
			result.addError(i, &ConflictRejectedError{
				Kind:   RejectExistingBooking,
				Reason: fmt.Sprintf("participant %d appears more than once in this batch", as.ParticipantID),
			})
			continue
		}
		if err := s.admit(ctx, as.ParticipantID, *study); err != nil {
			result.addError(i, err)
			continue
		}

		pid := as.ParticipantID
		appt.ParticipantID = &pid
		if err := s.repo.UpdateAppointment(ctx, appt); err != nil {
			result.addError(i, fmt.Errorf("update appointment %d: %w", as.Number, err))
			continue
		}
		admitted[pid] = true
		result.Updated = append(result.Updated, key)
	}

	result.finish()

	if result.UpdatedCount > 0 {
		s.logEvent(ctx, EventAppointmentAssigned, AppointmentKey{StudyID: studyID}, map[string]any{
			"updated":          result.UpdatedCount,
			"already_assigned": result.AlreadyAssignedCount,
			"skipped":          result.SkippedCount,
			"errors":           result.ErrorCount,
		})
		s.invalidateCalendar(ctx)
	}

	return result, nil
}

// AssignParticipant reassigns one appointment after passing the admission gates.
func (s *Service) AssignParticipant(ctx context.Context, key AppointmentKey, participantID int64) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if appt.ParticipantID != nil && *appt.ParticipantID == participantID {
		return appt, nil
	}

	study, err := s.loadStudy(ctx, key.StudyID)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, participantID, *study); err != nil {
		return nil, err
	}

	appt.ParticipantID = &participantID
	if err := s.repo.UpdateAppointment(ctx, appt); err != nil {
		return nil, fmt.Errorf("assign participant: %w", err)
	}

	s.logEvent(ctx, EventAppointmentAssigned, key, map[string]any{"participant_id": participantID})
	s.invalidateCalendar(ctx)

	return appt, nil
}

// UpdateState moves an appointment along its lifecycle.
func (s *Service) UpdateState(ctx context.Context, key AppointmentKey, to AppointmentState) (*Appointment, error) {
	if !to.Valid() {
		return nil, &ValidationError{Field: "state", Message: "unknown state " + quote(string(to))}
	}

	appt, err := s.repo.GetAppointment(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	from := appt.State
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidStateTransition)
	}

	appt.State = to
	if err := s.repo.UpdateAppointment(ctx, appt); err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}

	s.logEvent(ctx, EventAppointmentStateChanged, key, map[string]any{"from": from, "to": to})
	s.invalidateCalendar(ctx)

	return appt, nil
}

func (s *Service) DeleteAppointment(ctx context.Context, key AppointmentKey) error {
	if err := s.repo.DeleteAppointment(ctx, key); err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}

	s.logEvent(ctx, EventAppointmentDeleted, key, map[string]any{})
	s.invalidateCalendar(ctx)
	return nil
}

// HasOverlap reports whether the participant is enrolled in another study
// whose period intersects the given study's. Lookup failures follow the
// advisory policy.
func (s *Service) HasOverlap(ctx context.Context, participantID, studyID int64) (bool, error) {
	overlaps, err := s.overlapsFor(ctx, participantID, studyID, true)
	if err != nil {
		return false, err
	}
	return len(overlaps) > 0, nil
}

// OverlappingStudies lists every overlapping enrollment, for operator display.
func (s *Service) OverlappingStudies(ctx context.Context, participantID, studyID int64) ([]Study, error) {
	overlaps, err := s.overlapsFor(ctx, participantID, studyID, false)
	if err != nil {
		return nil, err
	}
	if overlaps == nil {
		overlaps = []Study{}
	}
	return overlaps, nil
}

func (s *Service) overlapsFor(ctx context.Context, participantID, studyID int64, firstOnly bool) ([]Study, error) {
	study, err := s.repo.GetStudy(ctx, studyID)
	if err != nil {
		return nil, s.advisory(&LookupError{Op: "study", Err: err})
	}
	return s.enrollmentOverlaps(ctx, participantID, *study, firstOnly)
}

func (s *Service) enrollmentOverlaps(ctx context.Context, participantID int64, study Study, firstOnly bool) ([]Study, error) {
	if _, ok := study.Period(); !ok {
		return nil, nil
	}

	enrolled, err := s.repo.FindEnrolledStudies(ctx, participantID)
	if err != nil {
		return nil, s.advisory(&LookupError{Op: "enrollments", Err: err})
	}

	return overlappingStudies(study, enrolled, firstOnly), nil
}

// admit runs both admission gates. The existing-booking check fails closed,
// the overlap check follows the advisory policy.
func (s *Service) admit(ctx context.Context, participantID int64, study Study) error {
	existing, err := s.repo.FindAppointmentsByParticipantAndStudy(ctx, participantID, study.ID)
	if err != nil {
		return &LookupError{Op: "existing bookings", Err: err}
	}
	for _, a := range existing {
		if a.State == StateCancelled {
			continue
		}
		return &ConflictRejectedError{
			Kind:   RejectExistingBooking,
			Reason: fmt.Sprintf("participant %d already has appointment %d in study %s", participantID, a.Number, studyLabel(study)),
		}
	}

	overlaps, err := s.enrollmentOverlaps(ctx, participantID, study, true)
	if err != nil {
		return err
	}
	if len(overlaps) > 0 {
		other := overlaps[0]
		return &ConflictRejectedError{
			Kind: RejectPeriodOverlap,
			Reason: fmt.Sprintf("participant %d is enrolled in study %s (%s to %s) which overlaps study %s",
				participantID, studyLabel(other), formatDate(*other.Start), formatDate(*other.End), studyLabel(study)),
		}
	}
	return nil
}

func (s *Service) advisory(err error) error {
	if !s.policy.FailOpen {
		return err
	}
	s.log.Warn().Err(err).Msg("advisory lookup failed, proceeding as if nothing was found")
	return nil
}

// FreeSlots computes the free grid cells per day. Empty dayStart/dayEnd fall
// back to the configured working hours.
func (s *Service) FreeSlots(ctx context.Context, from, to time.Time, dayStart, dayEnd string) (map[string][]string, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	if dayStart == "" {
		dayStart = s.slots.DayStart
	}
	if dayEnd == "" {
		dayEnd = s.slots.DayEnd
	}

	grid, err := BuildSlotGrid(dayStart, dayEnd, s.slots.WidthMinutes)
	if err != nil {
		var fe *FormatError
		if !errors.As(err, &fe) {
			return nil, err
		}
		s.log.Warn().Err(err).Str("day_start", dayStart).Str("day_end", dayEnd).Msg("slot grid degraded to empty")
		grid = []string{}
	}

	rows, err := s.repo.FindAppointmentsInRange(ctx, from, to)
	if err != nil {
		if err := s.advisory(&LookupError{Op: "appointments in range", Err: err}); err != nil {
			return nil, err
		}
		return map[string][]string{}, nil
	}

	booked := make([]Appointment, len(rows))
	for i, r := range rows {
		booked[i] = r.Appointment
	}

	return ComputeFreeSlots(from, to, grid, booked, s.slots.Skip), nil
}

// Calendar returns the aggregated view for [from, to], read through the cache.
func (s *Service) Calendar(ctx context.Context, from, to time.Time, opts CalendarOptions) (*CalendarView, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}

	now := s.now()
	key := CalendarCacheKey(from, to, now, opts)
	view, version, hit, err := s.cache.Get(ctx, key)
	cacheable := err == nil
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("calendar cache read failed")
	} else if hit {
		return view, nil
	}

	rows, err := s.repo.FindAppointmentsInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("find appointments in range: %w", err)
	}

	var participants map[int64]Participant
	if opts.IncludeParticipants {
		ids := distinctParticipantIDs(rows)
		if len(ids) > 0 {
			participants, err = s.repo.FindParticipantsByIDs(ctx, ids)
			if err != nil {
				if err := s.advisory(&LookupError{Op: "participants", Err: err}); err != nil {
					return nil, err
				}
				participants = nil
			}
		}
	}

	view = BuildCalendar(CalendarInput{
		From:         from,
		To:           to,
		Now:          now,
		Appointments: rows,
		Participants: participants,
		Options:      opts,
	})

	// Stored under the version seen before the read; a write that
	// invalidated in between makes this a no-op.
	if cacheable {
		if err := s.cache.Set(ctx, key, version, view); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("calendar cache write failed")
		}
	}

	return view, nil
}

// InvalidateCalendar drops every cached calendar view.
func (s *Service) InvalidateCalendar(ctx context.Context) error {
	if err := s.cache.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("invalidate calendar cache: %w", err)
	}
	s.log.Info().Msg("calendar cache invalidated")
	return nil
}

func (s *Service) invalidateCalendar(ctx context.Context) {
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.log.Warn().Err(err).Msg("calendar cache invalidation failed")
	}
}

func (s *Service) loadStudy(ctx context.Context, id int64) (*Study, error) {
	study, err := s.repo.GetStudy(ctx, id)
	if err != nil {
		if errors.Is(err, ErrStudyNotFound) {
			return nil, err
		}
		return nil, &LookupError{Op: "study", Err: err}
	}
	return study, nil
}

func (s *Service) logEvent(ctx context.Context, eventType string, key AppointmentKey, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	studyID := key.StudyID
	ev := EventLog{
		EventType: eventType,
		StudyID:   &studyID,
		Payload:   data,
		CreatedAt: s.now(),
	}
	if key.Number != 0 {
		number := key.Number
		ev.Number = &number
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Int64("study_id", key.StudyID).Int("number", key.Number).Msg("failed to insert event log")
	}
}

// prepare validates caller input into an appointment without a number.
func prepare(in NewAppointment) (Appointment, error) {
	appt := Appointment{
		StudyID:       in.StudyID,
		ParticipantID: in.ParticipantID,
		GroupID:       in.GroupID,
		Time:          in.Time,
		State:         in.State,
		Note:          in.Note,
	}

	if in.Date != "" {
		d, err := ParseDate("date", in.Date)
		if err != nil {
			return Appointment{}, err
		}
		appt.Date = d
	}
	if in.Time != "" {
		if _, err := ParseTimeOfDay(in.Time); err != nil {
			return Appointment{}, err
		}
	}
	if appt.State == "" {
		appt.State = StatePlanned
	}
	if !appt.State.Valid() {
		return Appointment{}, &ValidationError{Field: "state", Message: "unknown state " + quote(string(appt.State))}
	}
	return appt, nil
}

func validateRange(from, to time.Time) error {
	if from.IsZero() || to.IsZero() {
		return &ValidationError{Field: "range", Message: "from and to are required"}
	}
	if dateOnly(to).Before(dateOnly(from)) {
		return &ValidationError{Field: "to", Message: "must not be before from"}
	}
	if dateOnly(to).Sub(dateOnly(from)) > maxRangeDays*24*time.Hour {
		return &ValidationError{Field: "range", Message: fmt.Sprintf("must not exceed %d days", maxRangeDays)}
	}
	return nil
}

func distinctParticipantIDs(rows []AppointmentWithStudy) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, r := range rows {
		if r.ParticipantID == nil || seen[*r.ParticipantID] {
			continue
		}
		seen[*r.ParticipantID] = true
		ids = append(ids, *r.ParticipantID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func studyLabel(s Study) string {
	if s.Ref != "" {
		return s.Ref
	}
	return fmt.Sprintf("#%d", s.ID)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}
