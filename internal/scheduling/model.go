package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "scheduled"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusNoShow     AppointmentStatus = "no_show"
)

// allowedTransitions is the appointment state machine. Cancellation is not
// listed here: it goes through Service.Cancel, which also releases occupancy.
var allowedTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled:  {StatusConfirmed, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCompleted, StatusNoShow},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether the state machine permits moving an
// appointment from one status to another by direct provider/admin action.
func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(s AppointmentStatus) bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type Provider struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slot is one bookable time range inside a Calendar. Times are wall-clock
// HH:MM strings at day granularity; Occupied and Capacity are authoritative,
// Open is a cached derivation and is recomputed on every mutation.
type Slot struct {
	StartTime string
	EndTime   string
	Capacity  int
	Occupied  int
	Open      bool
}

// recomputeOpen refreshes the cached Open flag from the authoritative
// occupancy counters.
func recomputeOpen(s *Slot) {
	s.Open = s.Occupied < s.Capacity
}

// Calendar is a provider's slot layout for a single day. At most one active
// calendar exists per (provider, date).
type Calendar struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	Date       time.Time // normalized to midnight UTC
	Slots      []Slot
	Active     bool
	Notes      *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FindSlot returns the slot matching the exact (start, end) pair, or nil.
func (c *Calendar) FindSlot(startTime, endTime string) *Slot {
	for i := range c.Slots {
		if c.Slots[i].StartTime == startTime && c.Slots[i].EndTime == endTime {
			return &c.Slots[i]
		}
	}
	return nil
}

type Appointment struct {
	ID                 uuid.UUID
	ProviderID         uuid.UUID
	PatientID          uuid.UUID
	CalendarID         uuid.UUID
	Date               time.Time // normalized to midnight UTC
	StartTime          string
	EndTime            string
	Status             AppointmentStatus
	Type               string
	Reason             string
	Notes              *string
	CancellationReason *string
	CancelledBy        *string
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SlotAvailability is the read-model returned by the availability query.
type SlotAvailability struct {
	StartTime string
	EndTime   string
	Capacity  int
	Occupied  int
	Remaining int
}

// Preferences describes how a provider's working day is sliced into slots.
// WorkingDays is indexed by time.Weekday.
type Preferences struct {
	WorkdayStart string // HH:MM
	WorkdayEnd   string // HH:MM
	SlotDuration time.Duration
	SlotCapacity int
	WorkingDays  [7]bool
}

// WeekdaysMonToFri is the default working-day mask.
func WeekdaysMonToFri() [7]bool {
	var days [7]bool
	for d := time.Monday; d <= time.Friday; d++ {
		days[d] = true
	}
	return days
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// TruncateToDay normalizes a timestamp to midnight UTC, the reference time
// used for calendar dates.
func TruncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
