package appointment

import (
	"fmt"
	"time"
)

// ParseTimeOfDay parses a strict "HH:MM" string into minutes since midnight.
func ParseTimeOfDay(hm string) (int, error) {
	if len(hm) != 5 || hm[2] != ':' {
		return 0, &FormatError{Value: hm}
	}
	t, err := time.Parse(TimeLayout, hm)
	if err != nil {
		return 0, &FormatError{Value: hm}
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatMinutes(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// BuildSlotGrid returns the HH:MM starts from start (inclusive) to end
// (exclusive) in width-minute steps.
func BuildSlotGrid(start, end string, widthMinutes int) ([]string, error) {
	if widthMinutes <= 0 {
		return nil, &ValidationError{Field: "slot_width", Message: "must be a positive number of minutes"}
	}

	from, err := ParseTimeOfDay(start)
	if err != nil {
		return nil, err
	}
	to, err := ParseTimeOfDay(end)
	if err != nil {
		return nil, err
	}

	grid := []string{}
	for cur := from; cur < to; cur += widthMinutes {
		grid = append(grid, formatMinutes(cur))
	}
	return grid, nil
}

// ComputeFreeSlots subtracts booked appointments from the grid for every day
// in [from, to]. A booking occupies its own cell and the one after it.
// Appointments whose state is in skip, or without a date, occupy nothing.
func ComputeFreeSlots(from, to time.Time, grid []string, booked []Appointment, skip StateSet) map[string][]string {
	index := make(map[string]int, len(grid))
	for i, hm := range grid {
		index[hm] = i
	}

	occupied := make(map[string]map[int]bool)
	for _, a := range booked {
		if !a.HasDate() || skip.Has(a.State) {
			continue
		}
		i, ok := index[a.Time]
		if !ok {
			continue
		}
		day := a.Date.Format(DateLayout)
		if occupied[day] == nil {
			occupied[day] = make(map[int]bool)
		}
		occupied[day][i] = true
		if i+1 < len(grid) {
			occupied[day][i+1] = true
		}
	}

	result := make(map[string][]string)
	for day := dateOnly(from); !day.After(dateOnly(to)); day = day.AddDate(0, 0, 1) {
		key := day.Format(DateLayout)
		taken := occupied[key]
		free := make([]string, 0, len(grid))
		for i, hm := range grid {
			if !taken[i] {
				free = append(free, hm)
			}
		}
		result[key] = free
	}
	return result
}
