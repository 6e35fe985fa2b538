package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// memRepo is an in-memory Repository. Transactions are serialized and staged
// so a failed fn leaves no rows behind.
type memRepo struct {
	mu   sync.Mutex
	txMu sync.Mutex

	studies      map[int64]Study
	participants map[int64]Participant
	enrollments  map[int64][]int64
	appts        map[AppointmentKey]Appointment
	events       []EventLog

	// fail makes the named operation return the error.
	fail map[string]error
	// collide forces a duplicate on the given numbers.
	collide map[int]bool
	inserts int

	// afterRangeRead runs once FindAppointmentsInRange has its rows.
	afterRangeRead func()
	// serializationFailures aborts that many commits with ErrConcurrentUpdate.
	serializationFailures int
	txRuns                int
	// beforeCommit runs after fn succeeded, outside the transaction lock.
	beforeCommit func()
}

func newMemRepo() *memRepo {
	return &memRepo{
		studies:      make(map[int64]Study),
		participants: make(map[int64]Participant),
		enrollments:  make(map[int64][]int64),
		appts:        make(map[AppointmentKey]Appointment),
		fail:         make(map[string]error),
		collide:      make(map[int]bool),
	}
}

func (r *memRepo) failing(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fail[op]
}

func (r *memRepo) addStudy(s Study) {
	r.studies[s.ID] = s
}

func (r *memRepo) enroll(participantID int64, studyIDs ...int64) {
	r.enrollments[participantID] = append(r.enrollments[participantID], studyIDs...)
}

func (r *memRepo) put(a Appointment) {
	r.appts[a.Key()] = a
}

func (r *memRepo) count(studyID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.appts {
		if k.StudyID == studyID {
			n++
		}
	}
	return n
}

func (r *memRepo) GetStudy(ctx context.Context, id int64) (*Study, error) {
	if err := r.failing("GetStudy"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.studies[id]
	if !ok {
		return nil, ErrStudyNotFound
	}
	return &s, nil
}

func (r *memRepo) inRange(a Appointment, from, to time.Time) bool {
	if !a.HasDate() {
		return false
	}
	d := dateOnly(a.Date)
	return !d.Before(dateOnly(from)) && !d.After(dateOnly(to))
}

func (r *memRepo) FindAppointmentsInRange(ctx context.Context, from, to time.Time) ([]AppointmentWithStudy, error) {
	if err := r.failing("FindAppointmentsInRange"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AppointmentWithStudy
	for _, a := range r.appts {
		if r.inRange(a, from, to) {
			out = append(out, AppointmentWithStudy{Appointment: a, Study: r.studies[a.StudyID]})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StudyID != out[j].StudyID {
			return out[i].StudyID < out[j].StudyID
		}
		return out[i].Number < out[j].Number
	})
	if hook := r.afterRangeRead; hook != nil {
		r.mu.Unlock()
		hook()
		r.mu.Lock()
	}
	return out, nil
}

func (r *memRepo) FindAppointmentsByParticipantAndStudy(ctx context.Context, participantID, studyID int64) ([]Appointment, error) {
	if err := r.failing("FindAppointmentsByParticipantAndStudy"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appts {
		if a.StudyID == studyID && a.ParticipantID != nil && *a.ParticipantID == participantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) FindEnrolledStudies(ctx context.Context, participantID int64) ([]Study, error) {
	if err := r.failing("FindEnrolledStudies"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Study
	for _, id := range r.enrollments[participantID] {
		if s, ok := r.studies[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) FindParticipantsByIDs(ctx context.Context, ids []int64) (map[int64]Participant, error) {
	if err := r.failing("FindParticipantsByIDs"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]Participant)
	for _, id := range ids {
		if p, ok := r.participants[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (r *memRepo) FindDoubleBookings(ctx context.Context, from, to time.Time) ([]Conflict, error) {
	if err := r.failing("FindDoubleBookings"); err != nil {
		return nil, err
	}
	type k struct {
		pid  int64
		date time.Time
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[k]int)
	for _, a := range r.appts {
		if a.ParticipantID == nil || a.State == StateCancelled || !r.inRange(a, from, to) {
			continue
		}
		counts[k{*a.ParticipantID, dateOnly(a.Date)}]++
	}
	var out []Conflict
	for key, n := range counts {
		if n > 1 {
			pid := key.pid
			out = append(out, Conflict{Date: key.date, ParticipantID: &pid, Count: n})
		}
	}
	return out, nil
}

func (r *memRepo) FindTimeCollisions(ctx context.Context, from, to time.Time) ([]Conflict, error) {
	if err := r.failing("FindTimeCollisions"); err != nil {
		return nil, err
	}
	type k struct {
		date time.Time
		hm   string
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[k]int)
	for _, a := range r.appts {
		if a.Time == "" || a.State == StateCancelled || !r.inRange(a, from, to) {
			continue
		}
		counts[k{dateOnly(a.Date), a.Time}]++
	}
	var out []Conflict
	for key, n := range counts {
		if n > 1 {
			out = append(out, Conflict{Date: key.date, Time: key.hm, Count: n})
		}
	}
	return out, nil
}

func (r *memRepo) GetAppointment(ctx context.Context, key AppointmentKey) (*Appointment, error) {
	if err := r.failing("GetAppointment"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[key]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *memRepo) UpdateAppointment(ctx context.Context, a *Appointment) error {
	if err := r.failing("UpdateAppointment"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appts[a.Key()]; !ok {
		return ErrAppointmentNotFound
	}
	a.UpdatedAt = time.Now()
	r.appts[a.Key()] = *a
	return nil
}

func (r *memRepo) DeleteAppointment(ctx context.Context, key AppointmentKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appts[key]; !ok {
		return ErrAppointmentNotFound
	}
	delete(r.appts, key)
	return nil
}

func (r *memRepo) WithinSerializableTx(ctx context.Context, fn func(ctx context.Context, w Writer) error) error {
	if err := r.failing("WithinSerializableTx"); err != nil {
		return err
	}
	r.txMu.Lock()
	r.txRuns++

	w := &memWriter{repo: r, staged: make(map[AppointmentKey]Appointment)}
	if err := fn(ctx, w); err != nil {
		r.txMu.Unlock()
		return err
	}
	if r.serializationFailures > 0 {
		r.serializationFailures--
		r.txMu.Unlock()
		return fmt.Errorf("commit: %w", ErrConcurrentUpdate)
	}
	r.txMu.Unlock()

	if hook := r.beforeCommit; hook != nil {
		r.beforeCommit = nil
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, read := range w.bookingReads {
		if _, found := activeBooking(r.appts, read[0], read[1]); found {
			return fmt.Errorf("commit: %w", ErrConcurrentUpdate)
		}
	}
	for k := range w.staged {
		if _, ok := r.appts[k]; ok {
			return fmt.Errorf("commit: %w", ErrConcurrentUpdate)
		}
	}
	for k, a := range w.staged {
		r.appts[k] = a
	}
	return nil
}

func (r *memRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	if err := r.failing("InsertEvent"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType
	}
	return out
}

type memWriter struct {
	repo   *memRepo
	staged map[AppointmentKey]Appointment
	// bookingReads are the (participant, study) predicates read by
	// ActiveBooking, checked again at commit like a serializable read set.
	bookingReads [][2]int64
}

func (w *memWriter) CreateAppointment(ctx context.Context, a *Appointment) error {
	r := w.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++

	if r.collide[a.Number] {
		return ErrDuplicateAppointment
	}
	if _, ok := r.appts[a.Key()]; ok {
		return ErrDuplicateAppointment
	}
	if _, ok := w.staged[a.Key()]; ok {
		return ErrDuplicateAppointment
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	w.staged[a.Key()] = *a
	return nil
}

func (w *memWriter) ActiveBooking(ctx context.Context, participantID, studyID int64) (int, bool, error) {
	r := w.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := activeBooking(r.appts, participantID, studyID); ok {
		return n, true, nil
	}
	if n, ok := activeBooking(w.staged, participantID, studyID); ok {
		return n, true, nil
	}
	w.bookingReads = append(w.bookingReads, [2]int64{participantID, studyID})
	return 0, false, nil
}

func activeBooking(rows map[AppointmentKey]Appointment, participantID, studyID int64) (int, bool) {
	number, found := 0, false
	for k, a := range rows {
		if k.StudyID != studyID || a.State == StateCancelled {
			continue
		}
		if a.ParticipantID == nil || *a.ParticipantID != participantID {
			continue
		}
		if !found || k.Number < number {
			number, found = k.Number, true
		}
	}
	return number, found
}

func (w *memWriter) MaxAppointmentNumber(ctx context.Context, studyID int64) (int, bool, error) {
	r := w.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	highest, found := 0, false
	for k := range r.appts {
		if k.StudyID == studyID && (!found || k.Number > highest) {
			highest, found = k.Number, true
		}
	}
	for k := range w.staged {
		if k.StudyID == studyID && (!found || k.Number > highest) {
			highest, found = k.Number, true
		}
	}
	return highest, found, nil
}

// memCache keeps views per generation like the Redis cache and records
// calls for invalidation assertions.
type memCache struct {
	mu          sync.Mutex
	gen         int64
	views       map[string]*CalendarView
	gets        int
	invalidated int
	failGet     error
}

func newMemCache() *memCache {
	return &memCache{views: make(map[string]*CalendarView)}
}

func (c *memCache) Get(ctx context.Context, key string) (*CalendarView, int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.failGet != nil {
		return nil, 0, false, c.failGet
	}
	v, ok := c.views[key]
	return v, c.gen, ok, nil
}

func (c *memCache) Set(ctx context.Context, key string, version int64, view *CalendarView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version != c.gen {
		return nil
	}
	c.views[key] = view
	return nil
}

func (c *memCache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views = make(map[string]*CalendarView)
	c.gen++
	c.invalidated++
	return nil
}

// stubLocker hands out the lock unless held is set.
type stubLocker struct {
	held  bool
	calls int
}

func (l *stubLocker) TryWithStudyLock(ctx context.Context, studyID int64, fn func(ctx context.Context) error) (bool, error) {
	l.calls++
	if l.held {
		return false, nil
	}
	return true, fn(ctx)
}

var errStorage = errors.New("storage unavailable")

func day(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dayPtr(s string) *time.Time {
	t := day(s)
	return &t
}

func idPtr(v int64) *int64 { return &v }

func testService(repo *memRepo, cache CalendarCache, locker Locker, failOpen bool) *Service {
	cfg := ServiceConfig{
		Slots: SlotPolicy{
			WidthMinutes: 30,
			DayStart:     "08:00",
			DayEnd:       "18:00",
			Skip:         NewStateSet(StateCancelled),
		},
		Allocator: DefaultAllocatorConfig(),
		Advisory:  AdvisoryPolicy{FailOpen: failOpen},
	}
	svc := NewService(repo, cache, locker, cfg, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC) }
	return svc
}
