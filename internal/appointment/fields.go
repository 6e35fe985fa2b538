package appointment

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AppointmentField names an attribute that can be edited on its own.
type AppointmentField string

const (
	FieldNote    AppointmentField = "note"
	FieldDate    AppointmentField = "date"
	FieldTime    AppointmentField = "time"
	FieldGroupID AppointmentField = "group_id"
)

type fieldSetter func(a *Appointment, raw string) error

var fieldSetters = map[AppointmentField]fieldSetter{
	FieldNote: func(a *Appointment, raw string) error {
		a.Note = raw
		return nil
	},
	FieldDate: func(a *Appointment, raw string) error {
		if raw == "" {
			a.Date = time.Time{}
			return nil
		}
		d, err := ParseDate(string(FieldDate), raw)
		if err != nil {
			return err
		}
		a.Date = d
		return nil
	},
	FieldTime: func(a *Appointment, raw string) error {
		if raw != "" {
			if _, err := ParseTimeOfDay(raw); err != nil {
				return err
			}
		}
		a.Time = raw
		return nil
	},
	FieldGroupID: func(a *Appointment, raw string) error {
		if raw == "" {
			a.GroupID = nil
			return nil
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return &ValidationError{Field: string(FieldGroupID), Message: "expected an integer, got " + quote(raw)}
		}
		a.GroupID = &id
		return nil
	},
}

// ParseAppointmentField maps a client supplied name to a known field.
func ParseAppointmentField(name string) (AppointmentField, error) {
	f := AppointmentField(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := fieldSetters[f]; !ok {
		return "", &ValidationError{Field: "field", Message: fmt.Sprintf("unknown field %s, expected one of %s", quote(name), strings.Join(EditableFields(), ", "))}
	}
	return f, nil
}

// EditableFields lists the field names accepted by UpdateField.
func EditableFields() []string {
	names := make([]string, 0, len(fieldSetters))
	for f := range fieldSetters {
		names = append(names, string(f))
	}
	sort.Strings(names)
	return names
}

// UpdateField sets a single attribute through its typed setter.
func (s *Service) UpdateField(ctx context.Context, key AppointmentKey, field AppointmentField, value string) (*Appointment, error) {
	set, ok := fieldSetters[field]
	if !ok {
		return nil, &ValidationError{Field: "field", Message: "unknown field " + quote(string(field))}
	}

	appt, err := s.repo.GetAppointment(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if err := set(appt, value); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateAppointment(ctx, appt); err != nil {
		return nil, fmt.Errorf("update %s: %w", field, err)
	}

	s.logEvent(ctx, EventAppointmentUpdated, key, map[string]any{"field": field, "value": value})
	s.invalidateCalendar(ctx)

	return appt, nil
}
