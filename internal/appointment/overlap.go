package appointment

import "time"

// Period is a closed range of calendar days.
type Period struct {
	Start time.Time
	End   time.Time
}

// PeriodsOverlap treats both ranges as closed: touching endpoints overlap.
func PeriodsOverlap(a, b Period) bool {
	return !dateOnly(a.Start).After(dateOnly(b.End)) && !dateOnly(a.End).Before(dateOnly(b.Start))
}

// overlappingStudies returns the enrollments, other than candidate, whose
// fully defined period intersects the candidate's.
func overlappingStudies(candidate Study, enrolled []Study, firstOnly bool) []Study {
	target, ok := candidate.Period()
	if !ok {
		return nil
	}

	var out []Study
	for _, other := range enrolled {
		if other.ID == candidate.ID {
			continue
		}
		p, ok := other.Period()
		if !ok {
			continue
		}
		if PeriodsOverlap(target, p) {
			out = append(out, other)
			if firstOnly {
				return out
			}
		}
	}
	return out
}
