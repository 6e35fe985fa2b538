package appointment

import (
	"context"
	"errors"
	"testing"
)

func TestPeriodsOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b Period
		want bool
	}{
		{"disjoint", Period{day("2024-01-01"), day("2024-01-10")}, Period{day("2024-01-11"), day("2024-01-20")}, false},
		{"shared boundary day", Period{day("2024-01-01"), day("2024-01-10")}, Period{day("2024-01-10"), day("2024-01-20")}, true},
		{"contained", Period{day("2024-01-01"), day("2024-01-31")}, Period{day("2024-01-10"), day("2024-01-12")}, true},
		{"reversed order", Period{day("2024-02-01"), day("2024-02-05")}, Period{day("2024-01-01"), day("2024-01-31")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PeriodsOverlap(tt.a, tt.b); got != tt.want {
				t.Errorf("PeriodsOverlap(a, b) = %v, want %v", got, tt.want)
			}
			if got := PeriodsOverlap(tt.b, tt.a); got != tt.want {
				t.Errorf("PeriodsOverlap(b, a) = %v, want %v", got, tt.want)
			}
		})
	}
}

func overlapFixture() *memRepo {
	repo := newMemRepo()
	repo.addStudy(Study{ID: 1, Ref: "S-1", Start: dayPtr("2024-03-01"), End: dayPtr("2024-03-31")})
	repo.addStudy(Study{ID: 2, Ref: "S-2", Start: dayPtr("2024-04-01"), End: dayPtr("2024-04-30")})
	repo.addStudy(Study{ID: 3, Ref: "S-3", Start: dayPtr("2024-03-31"), End: dayPtr("2024-04-05")})
	repo.addStudy(Study{ID: 4, Ref: "S-4", Start: dayPtr("2024-03-15")})
	repo.addStudy(Study{ID: 5, Ref: "S-5"})
	return repo
}

func TestHasOverlap(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		enrolled []int64
		study    int64
		want     bool
	}{
		{"excludes the study itself", []int64{1}, 1, false},
		{"disjoint ranges", []int64{2}, 1, false},
		{"single shared day", []int64{3}, 1, true},
		{"enrollment without end date ignored", []int64{4}, 1, false},
		{"candidate without period", []int64{1, 2, 3}, 5, false},
		{"no enrollments", nil, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := overlapFixture()
			repo.enroll(7, tt.enrolled...)
			svc := testService(repo, nil, nil, true)

			got, err := svc.HasOverlap(ctx, 7, tt.study)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("HasOverlap = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOverlappingStudies_ListsAll(t *testing.T) {
	repo := overlapFixture()
	repo.addStudy(Study{ID: 6, Ref: "S-6", Start: dayPtr("2024-02-20"), End: dayPtr("2024-03-02")})
	repo.enroll(7, 1, 2, 3, 6)
	svc := testService(repo, nil, nil, true)

	got, err := svc.OverlappingStudies(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 overlapping studies, got %d", len(got))
	}
	ids := map[int64]bool{got[0].ID: true, got[1].ID: true}
	if !ids[3] || !ids[6] {
		t.Errorf("expected studies 3 and 6, got %v", ids)
	}
}

func TestHasOverlap_LookupFailurePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("fail open", func(t *testing.T) {
		repo := overlapFixture()
		repo.enroll(7, 3)
		repo.fail["FindEnrolledStudies"] = errStorage
		svc := testService(repo, nil, nil, true)

		got, err := svc.HasOverlap(ctx, 7, 1)
		if err != nil {
			t.Fatalf("expected nil error in fail-open mode, got %v", err)
		}
		if got {
			t.Error("expected no overlap when the lookup fails open")
		}
	})

	t.Run("fail closed", func(t *testing.T) {
		repo := overlapFixture()
		repo.fail["FindEnrolledStudies"] = errStorage
		svc := testService(repo, nil, nil, false)

		_, err := svc.HasOverlap(ctx, 7, 1)
		var le *LookupError
		if !errors.As(err, &le) {
			t.Fatalf("expected LookupError, got %v", err)
		}
	})

	t.Run("unknown study fails open", func(t *testing.T) {
		svc := testService(overlapFixture(), nil, nil, true)
		got, err := svc.HasOverlap(ctx, 7, 99)
		if err != nil || got {
			t.Errorf("HasOverlap = %v, %v; want false, nil", got, err)
		}
	})
}
