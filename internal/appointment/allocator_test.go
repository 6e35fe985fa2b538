package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestAllocator_ConcurrentCreatesAreUnique(t *testing.T) {
	repo := newMemRepo()
	cfg := DefaultAllocatorConfig()
	cfg.Min, cfg.Max = 100000, 100199
	cfg.SingleAttempts = 50
	alloc := NewAllocator(repo, cfg, zerolog.Nop())

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := alloc.Create(context.Background(), Appointment{StudyID: 1, State: StatePlanned}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrAllocationExhausted) && !errors.Is(err, ErrConcurrentUpdate) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	seen := make(map[int]bool)
	for k := range repo.appts {
		if seen[k.Number] {
			t.Fatalf("duplicate number %d", k.Number)
		}
		seen[k.Number] = true
		if k.Number < cfg.Min || k.Number > cfg.Max {
			t.Errorf("number %d outside [%d, %d]", k.Number, cfg.Min, cfg.Max)
		}
	}
}

func TestAllocator_ExhaustedSpace(t *testing.T) {
	repo := newMemRepo()
	cfg := DefaultAllocatorConfig()
	cfg.Min, cfg.Max = 500000, 500000
	alloc := NewAllocator(repo, cfg, zerolog.Nop())
	ctx := context.Background()

	first, err := alloc.Create(ctx, Appointment{StudyID: 1})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if first.Number != 500000 {
		t.Errorf("expected number 500000, got %d", first.Number)
	}

	_, err = alloc.Create(ctx, Appointment{StudyID: 1})
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Fatalf("expected ErrAllocationExhausted, got %v", err)
	}
	if repo.inserts != 1+cfg.SingleAttempts {
		t.Errorf("expected %d insert attempts, got %d", 1+cfg.SingleAttempts, repo.inserts)
	}

	// Same number in another study is fine.
	if _, err := alloc.Create(ctx, Appointment{StudyID: 2}); err != nil {
		t.Errorf("other study: unexpected error %v", err)
	}
}

func TestAllocator_RetriesOnCollision(t *testing.T) {
	repo := newMemRepo()
	repo.collide[111111] = true
	alloc := NewAllocator(repo, DefaultAllocatorConfig(), zerolog.Nop())

	draws := []int{11111, 11111, 22222}
	alloc.draw = func(n int) int {
		v := draws[0]
		draws = draws[1:]
		return v
	}

	created, err := alloc.Create(context.Background(), Appointment{StudyID: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Number != 122222 {
		t.Errorf("expected 122222 after two collisions, got %d", created.Number)
	}
}

func TestAllocator_BatchPartialSuccess(t *testing.T) {
	repo := newMemRepo()
	repo.collide[300000] = true
	alloc := NewAllocator(repo, DefaultAllocatorConfig(), zerolog.Nop())

	// Items 0, 1, 3, 4 draw distinct numbers; item 2 only ever draws the
	// colliding one.
	item := 0
	calls := 0
	alloc.draw = func(n int) int {
		calls++
		if item == 2 {
			if calls == alloc.cfg.BatchAttempts {
				item++
				calls = 0
			}
			return 200000
		}
		v := 10000 * (item + 1)
		item++
		calls = 0
		return v
	}

	items := make([]BatchItem, 5)
	for i := range items {
		items[i] = BatchItem{Index: i, Appointment: Appointment{State: StatePlanned}}
	}

	created, failures, err := alloc.CreateBatch(context.Background(), 9, items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 4 {
		t.Fatalf("expected 4 created, got %d", len(created))
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
	if failures[0].Index != 2 {
		t.Errorf("expected failure on item index 2, got %d", failures[0].Index)
	}
	if repo.count(9) != 4 {
		t.Errorf("expected 4 persisted rows, got %d", repo.count(9))
	}
	last := created[len(created)-1]
	if last.Number != 150000 {
		t.Errorf("expected item 4 to be created with 150000, got %d", last.Number)
	}
}

func TestAllocator_BatchChecksInFlightNumbers(t *testing.T) {
	repo := newMemRepo()
	alloc := NewAllocator(repo, DefaultAllocatorConfig(), zerolog.Nop())

	draws := []int{1, 1, 2}
	alloc.draw = func(n int) int {
		v := draws[0]
		draws = draws[1:]
		return v
	}

	items := []BatchItem{{Index: 0}, {Index: 1}}
	created, failures, err := alloc.CreateBatch(context.Background(), 1, items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if created[0].Number != 100001 || created[1].Number != 100002 {
		t.Errorf("numbers = %d, %d; want 100001, 100002", created[0].Number, created[1].Number)
	}
	if repo.inserts != 2 {
		t.Errorf("in-flight hit should not reach storage, got %d inserts", repo.inserts)
	}
}

func TestAllocator_Sequential(t *testing.T) {
	repo := newMemRepo()
	repo.put(Appointment{StudyID: 1, Number: 100041})
	cfg := DefaultAllocatorConfig()
	cfg.Strategy = StrategySequential
	alloc := NewAllocator(repo, cfg, zerolog.Nop())
	ctx := context.Background()

	a, err := alloc.Create(ctx, Appointment{StudyID: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Number != 100042 {
		t.Errorf("expected 100042, got %d", a.Number)
	}

	b, err := alloc.Create(ctx, Appointment{StudyID: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Number != cfg.Min {
		t.Errorf("empty study should start at %d, got %d", cfg.Min, b.Number)
	}

	created, failures, err := alloc.CreateBatch(ctx, 1, []BatchItem{{Index: 0}, {Index: 1}, {Index: 2}})
	if err != nil || len(failures) != 0 {
		t.Fatalf("batch: err=%v failures=%v", err, failures)
	}
	for i, c := range created {
		if c.Number != 100043+i {
			t.Errorf("item %d: expected %d, got %d", i, 100043+i, c.Number)
		}
	}
}

func TestAllocator_SequentialExhausted(t *testing.T) {
	repo := newMemRepo()
	repo.put(Appointment{StudyID: 1, Number: 999999})
	cfg := DefaultAllocatorConfig()
	cfg.Strategy = StrategySequential
	alloc := NewAllocator(repo, cfg, zerolog.Nop())

	_, err := alloc.Create(context.Background(), Appointment{StudyID: 1})
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Fatalf("expected ErrAllocationExhausted, got %v", err)
	}
}

func TestAllocator_TxFailureIsReturned(t *testing.T) {
	repo := newMemRepo()
	repo.fail["WithinSerializableTx"] = errStorage
	alloc := NewAllocator(repo, DefaultAllocatorConfig(), zerolog.Nop())

	_, _, err := alloc.CreateBatch(context.Background(), 1, []BatchItem{{Index: 0}})
	if !errors.Is(err, errStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestAllocator_ReplaysSerializationFailures(t *testing.T) {
	repo := newMemRepo()
	repo.serializationFailures = 2
	alloc := NewAllocator(repo, DefaultAllocatorConfig(), zerolog.Nop())

	created, err := alloc.Create(context.Background(), Appointment{StudyID: 1, State: StatePlanned})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.txRuns != 3 {
		t.Errorf("tx runs = %d, want 3", repo.txRuns)
	}
	if repo.count(1) != 1 || created.Number == 0 {
		t.Errorf("expected exactly one stored appointment, got %d", repo.count(1))
	}
}

func TestAllocator_SerializationFailuresAreBounded(t *testing.T) {
	repo := newMemRepo()
	repo.serializationFailures = 10
	cfg := DefaultAllocatorConfig()
	cfg.TxAttempts = 3
	alloc := NewAllocator(repo, cfg, zerolog.Nop())

	_, err := alloc.Create(context.Background(), Appointment{StudyID: 1})
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	if repo.txRuns != 3 {
		t.Errorf("tx runs = %d, want 3", repo.txRuns)
	}
	if repo.count(1) != 0 {
		t.Errorf("aborted transactions must not store rows, got %d", repo.count(1))
	}
}

func TestAllocator_BatchReplayStartsClean(t *testing.T) {
	repo := newMemRepo()
	repo.serializationFailures = 1
	alloc := NewAllocator(repo, DefaultAllocatorConfig(), zerolog.Nop())

	items := []BatchItem{{Index: 0}, {Index: 1}, {Index: 2}}
	created, failures, err := alloc.CreateBatch(context.Background(), 1, items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 3 || len(failures) != 0 {
		t.Errorf("created %d, failures %v; want 3 and none", len(created), failures)
	}
	if repo.count(1) != 3 {
		t.Errorf("stored %d, want 3", repo.count(1))
	}
}

func TestAllocator_RechecksBookingInsideTx(t *testing.T) {
	repo := newMemRepo()
	repo.put(Appointment{StudyID: 1, Number: 111111, ParticipantID: idPtr(42), State: StatePlanned})
	alloc := NewAllocator(repo, DefaultAllocatorConfig(), zerolog.Nop())
	ctx := context.Background()

	_, err := alloc.Create(ctx, Appointment{StudyID: 1, ParticipantID: idPtr(42)})
	var rejected *ConflictRejectedError
	if !errors.As(err, &rejected) || rejected.Kind != RejectExistingBooking {
		t.Fatalf("expected existing booking rejection, got %v", err)
	}

	items := []BatchItem{
		{Index: 0, Appointment: Appointment{ParticipantID: idPtr(42)}},
		{Index: 1, Appointment: Appointment{ParticipantID: idPtr(7)}},
	}
	created, failures, err := alloc.CreateBatch(ctx, 1, items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 1 || len(failures) != 1 || failures[0].Index != 0 {
		t.Errorf("created %d, failures %+v; want item 0 rejected", len(created), failures)
	}
}
