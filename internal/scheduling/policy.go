package scheduling

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrPastDate        = errors.New("date is in the past")
	ErrDateTooFarAhead = errors.New("date is beyond the booking window")
)

// BookingPolicy holds the stateless booking rules applied before any store
// access. Zero store round trips happen in here.
type BookingPolicy struct {
	MaxAdvanceDays int
}

// BookingRequest carries the caller-supplied fields of a booking attempt.
// Provider and patient ids arrive already resolved by the identity layer.
type BookingRequest struct {
	ProviderID uuid.UUID
	PatientID  uuid.UUID
	Date       time.Time
	StartTime  string
	EndTime    string
	Type       string
	Reason     string
	Notes      *string
}

// Validate checks required fields, time formats and the date window.
// `now` is passed in so the window boundary is testable.
func (p BookingPolicy) Validate(req BookingRequest, now time.Time) error {
	if req.ProviderID == uuid.Nil {
		return fmt.Errorf("%w: provider id is required", ErrInvalidInput)
	}
	if req.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	if req.Type == "" {
		return fmt.Errorf("%w: appointment type is required", ErrInvalidInput)
	}
	if err := validateTimeRange(req.StartTime, req.EndTime); err != nil {
		return err
	}
	return p.ValidateDate(req.Date, now)
}

// ValidateDate enforces the booking window: not before today, not more than
// MaxAdvanceDays ahead. Booking exactly on the boundary day is allowed.
func (p BookingPolicy) ValidateDate(date time.Time, now time.Time) error {
	if date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidInput)
	}
	day := TruncateToDay(date)
	today := TruncateToDay(now)

	if day.Before(today) {
		return ErrPastDate
	}
	if day.After(today.AddDate(0, 0, p.MaxAdvanceDays)) {
		return ErrDateTooFarAhead
	}
	return nil
}

func validateTimeRange(startTime, endTime string) error {
	start, err := parseClock(startTime)
	if err != nil {
		return fmt.Errorf("%w: start time %q: %v", ErrInvalidInput, startTime, err)
	}
	end, err := parseClock(endTime)
	if err != nil {
		return fmt.Errorf("%w: end time %q: %v", ErrInvalidInput, endTime, err)
	}
	if start >= end {
		return fmt.Errorf("%w: start time must be before end time", ErrInvalidInput)
	}
	return nil
}

// parseClock parses a strict HH:MM wall-clock string into minutes since
// midnight.
func parseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, errors.New("expected HH:MM")
	}
	h, err := atoi2(s[0], s[1])
	if err != nil {
		return 0, err
	}
	m, err := atoi2(s[3], s[4])
	if err != nil {
		return 0, err
	}
	if h > 23 || m > 59 {
		return 0, errors.New("out of range")
	}
	return h*60 + m, nil
}

func atoi2(a, b byte) (int, error) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, errors.New("expected digits")
	}
	return int(a-'0')*10 + int(b-'0'), nil
}

// formatClock is the inverse of parseClock.
func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// validateCalendarWrite is the store's write-time check: no calendars in the
// past, every slot well-formed and within its capacity.
func validateCalendarWrite(date time.Time, slots []Slot, now time.Time) error {
	if TruncateToDay(date).Before(TruncateToDay(now)) {
		return fmt.Errorf("%w: calendar date is in the past", ErrPastDate)
	}
	duration := -1
	for _, s := range slots {
		if err := validateTimeRange(s.StartTime, s.EndTime); err != nil {
			return err
		}
		start, _ := parseClock(s.StartTime)
		end, _ := parseClock(s.EndTime)
		if duration == -1 {
			duration = end - start
		} else if end-start != duration {
			return fmt.Errorf("%w: slot %s-%s deviates from the calendar's slot duration", ErrInvalidInput, s.StartTime, s.EndTime)
		}
		if s.Capacity < 1 {
			return fmt.Errorf("%w: slot %s-%s capacity must be at least 1", ErrInvalidInput, s.StartTime, s.EndTime)
		}
		if s.Occupied < 0 || s.Occupied > s.Capacity {
			return fmt.Errorf("%w: slot %s-%s occupancy out of bounds", ErrInvalidInput, s.StartTime, s.EndTime)
		}
	}
	return nil
}
