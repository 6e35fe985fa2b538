package appointment

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrStudyNotFound          = errors.New("study not found")
	ErrAppointmentNotFound    = errors.New("appointment not found")
	ErrDuplicateAppointment   = errors.New("appointment number already used in study")
	ErrAllocationExhausted    = errors.New("appointment number allocation exhausted")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrBatchInProgress        = errors.New("another batch is running for this study, please retry")
	ErrTimeFormat             = errors.New("malformed time of day")
	ErrConcurrentUpdate       = errors.New("concurrent update detected, please retry")
)

// ValidationError is bad caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// FormatError reports a time-of-day string that is not HH:MM.
type FormatError struct {
	Value string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", ErrTimeFormat, quote(e.Value))
}

func (e *FormatError) Unwrap() error { return ErrTimeFormat }

type RejectionKind string

const (
	RejectExistingBooking RejectionKind = "existing_booking"
	RejectPeriodOverlap   RejectionKind = "period_overlap"
)

// ConflictRejectedError is an expected admission outcome, not a fault.
type ConflictRejectedError struct {
	Kind   RejectionKind
	Reason string
}

func (e *ConflictRejectedError) Error() string {
	return e.Reason
}

// LookupError wraps a storage read failure on a check path.
type LookupError struct {
	Op  string
	Err error
}

func (e *LookupError) Error() string {
	return "lookup " + e.Op + ": " + e.Err.Error()
}

func (e *LookupError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	var fe *FormatError
	return errors.As(err, &ve) || errors.As(err, &fe)
}

func quote(s string) string {
	return strconv.Quote(s)
}
