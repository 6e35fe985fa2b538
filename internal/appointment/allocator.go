package appointment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/rs/zerolog"
)

type NumberStrategy string

const (
	// StrategyRandom draws unpredictable numbers and retries on collision.
	StrategyRandom NumberStrategy = "random"
	// StrategySequential takes max(number)+1 inside the same transaction.
	StrategySequential NumberStrategy = "sequential"
)

type AllocatorConfig struct {
	Strategy       NumberStrategy
	Min            int
	Max            int
	SingleAttempts int
	BatchAttempts  int
	// TxAttempts bounds how often a transaction aborted by a serialization
	// failure is replayed.
	TxAttempts int
}

func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		Strategy:       StrategyRandom,
		Min:            100000,
		Max:            999999,
		SingleAttempts: 5,
		BatchAttempts:  10,
		TxAttempts:     3,
	}
}

// Allocator assigns study-scoped appointment numbers. Correctness comes from
// the serializable transaction plus the (study, number) unique key; the retry
// loop only keeps requests alive through collisions.
type Allocator struct {
	repo Repository
	cfg  AllocatorConfig
	draw func(n int) int
	log  zerolog.Logger
}

func NewAllocator(repo Repository, cfg AllocatorConfig, log zerolog.Logger) *Allocator {
	return &Allocator{
		repo: repo,
		cfg:  cfg,
		draw: rand.IntN,
		log:  log.With().Str("component", "allocator").Logger(),
	}
}

// BatchItem is one row of a batch, Index being its position in the request.
type BatchItem struct {
	Index       int
	Appointment Appointment
}

type BatchItemError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// numberSource yields candidate numbers for one transaction.
type numberSource struct {
	a    *Allocator
	next int // sequential cursor
}

func (a *Allocator) newSource(ctx context.Context, w Writer, studyID int64) (*numberSource, error) {
	src := &numberSource{a: a}
	if a.cfg.Strategy != StrategySequential {
		return src, nil
	}

	highest, ok, err := w.MaxAppointmentNumber(ctx, studyID)
	if err != nil {
		return nil, fmt.Errorf("read max appointment number: %w", err)
	}
	src.next = a.cfg.Min
	if ok && highest >= a.cfg.Min {
		src.next = highest + 1
	}
	return src, nil
}

// candidate returns the next number to try, false once the range is spent.
func (s *numberSource) candidate() (int, bool) {
	cfg := s.a.cfg
	if cfg.Strategy == StrategySequential {
		if s.next > cfg.Max {
			return 0, false
		}
		n := s.next
		s.next++
		return n, true
	}
	return cfg.Min + s.a.draw(cfg.Max-cfg.Min+1), true
}

// serializable runs fn in a serializable transaction, replaying it while
// Postgres aborts it with a serialization failure. A number race with a
// concurrent transaction can surface that way instead of as a duplicate.
func (a *Allocator) serializable(ctx context.Context, studyID int64, fn func(ctx context.Context, w Writer) error) error {
	attempts := a.cfg.TxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = a.repo.WithinSerializableTx(ctx, fn)
		if !errors.Is(err, ErrConcurrentUpdate) {
			return err
		}
		a.log.Debug().Int64("study_id", studyID).Int("attempt", attempt).Msg("serialization failure, replaying transaction")
	}
	return err
}

// checkBooking repeats the existing-booking gate inside the transaction so
// two concurrent creations for one participant cannot both commit.
func checkBooking(ctx context.Context, w Writer, appt Appointment) error {
	if appt.ParticipantID == nil {
		return nil
	}
	number, found, err := w.ActiveBooking(ctx, *appt.ParticipantID, appt.StudyID)
	if err != nil {
		return fmt.Errorf("check existing booking: %w", err)
	}
	if found {
		return &ConflictRejectedError{
			Kind:   RejectExistingBooking,
			Reason: fmt.Sprintf("participant %d already has appointment %d in study %d", *appt.ParticipantID, number, appt.StudyID),
		}
	}
	return nil
}

// Create persists a single appointment under a freshly allocated number.
// Serialization failures are replayed up to TxAttempts times before
// ErrConcurrentUpdate reaches the caller.
func (a *Allocator) Create(ctx context.Context, appt Appointment) (*Appointment, error) {
	var created *Appointment

	err := a.serializable(ctx, appt.StudyID, func(ctx context.Context, w Writer) error {
		if err := checkBooking(ctx, w, appt); err != nil {
			return err
		}

		src, err := a.newSource(ctx, w, appt.StudyID)
		if err != nil {
			return err
		}

		row, err := a.insertWithRetry(ctx, w, src, appt, a.cfg.SingleAttempts, nil)
		if err != nil {
			return err
		}
		created = row
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAllocationExhausted) {
			a.log.Warn().Int64("study_id", appt.StudyID).Int("attempts", a.cfg.SingleAttempts).Msg("allocation exhausted")
		}
		return nil, err
	}

	return created, nil
}

// CreateBatch allocates every item in one transaction. Item failures are
// collected and the batch moves on; only a transaction level failure is
// returned as an error. A serialization failure replays the whole batch.
func (a *Allocator) CreateBatch(ctx context.Context, studyID int64, items []BatchItem) ([]Appointment, []BatchItemError, error) {
	var (
		created  []Appointment
		failures []BatchItemError
	)

	err := a.serializable(ctx, studyID, func(ctx context.Context, w Writer) error {
		created, failures = nil, nil

		src, err := a.newSource(ctx, w, studyID)
		if err != nil {
			return err
		}

		inFlight := make(map[int]bool, len(items))
		for _, item := range items {
			appt := item.Appointment
			appt.StudyID = studyID

			if err := checkBooking(ctx, w, appt); err != nil {
				if errors.Is(err, ErrConcurrentUpdate) {
					return err
				}
				failures = append(failures, BatchItemError{Index: item.Index, Message: err.Error()})
				continue
			}

			row, err := a.insertWithRetry(ctx, w, src, appt, a.cfg.BatchAttempts, inFlight)
			if errors.Is(err, ErrConcurrentUpdate) {
				return err
			}
			if err != nil {
				a.log.Warn().Err(err).Int64("study_id", studyID).Int("item", item.Index).Msg("batch item failed")
				failures = append(failures, BatchItemError{Index: item.Index, Message: err.Error()})
				continue
			}
			inFlight[row.Number] = true
			created = append(created, *row)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return created, failures, nil
}

func (a *Allocator) insertWithRetry(ctx context.Context, w Writer, src *numberSource, appt Appointment, attempts int, inFlight map[int]bool) (*Appointment, error) {
	for attempt := 1; attempt <= attempts; attempt++ {
		n, ok := src.candidate()
		if !ok {
			break
		}
		if inFlight[n] {
			a.log.Debug().Int64("study_id", appt.StudyID).Int("number", n).Int("attempt", attempt).Msg("candidate already used in batch")
			continue
		}

		row := appt
		row.Number = n
		err := w.CreateAppointment(ctx, &row)
		if errors.Is(err, ErrDuplicateAppointment) {
			a.log.Debug().Int64("study_id", appt.StudyID).Int("number", n).Int("attempt", attempt).Msg("appointment number collision")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create appointment: %w", err)
		}
		return &row, nil
	}

	return nil, fmt.Errorf("study %d after %d attempts: %w", appt.StudyID, attempts, ErrAllocationExhausted)
}
