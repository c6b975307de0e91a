package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrPreferencesNotFound = errors.New("provider preferences not found")
	ErrCalendarNotFound    = errors.New("calendar not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrSlotFull            = errors.New("slot capacity exhausted")
	ErrDuplicateBooking    = errors.New("patient already booked for this slot")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// Repository contains all store interactions needed by the generator and the
// booking engine. Implementations must make AdjustSlotOccupancy atomic with
// respect to concurrent callers targeting the same slot, and must commit the
// occupancy change of BookSlot, CancelAppointment, RescheduleAppointment and
// DeleteAppointment together with the appointment row change.
type Repository interface {
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	ListActiveProviderIDs(ctx context.Context) ([]uuid.UUID, error)
	GetPreferences(ctx context.Context, providerID uuid.UUID) (*Preferences, error)

	// Calendar store. UpsertCalendar is idempotent: when an active calendar
	// already exists for (providerID, date) it is returned unchanged.
	UpsertCalendar(ctx context.Context, providerID uuid.UUID, date time.Time, slots []Slot) (*Calendar, error)
	GetCalendar(ctx context.Context, providerID uuid.UUID, date time.Time) (*Calendar, error)
	GetCalendarByID(ctx context.Context, id uuid.UUID) (*Calendar, error)
	SetCalendarActive(ctx context.Context, id uuid.UUID, active bool, notes *string) (*Calendar, error)
	DeleteCalendar(ctx context.Context, id uuid.UUID) error
	DeleteCalendarsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// AdjustSlotOccupancy applies delta to the slot's occupancy as one
	// indivisible conditional update: a positive delta that would exceed
	// capacity fails with ErrSlotFull, a negative delta clamps at zero, and
	// the cached open flag is recomputed in the same step.
	AdjustSlotOccupancy(ctx context.Context, calendarID uuid.UUID, startTime, endTime string, delta int) (*Slot, error)

	// BookSlot performs the duplicate check, the +1 occupancy increment and
	// the appointment insert as one unit; none of the three is observable
	// unless all commit.
	BookSlot(ctx context.Context, appt *Appointment) (*Appointment, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindActiveAppointment(ctx context.Context, providerID, patientID uuid.UUID, date time.Time, startTime, endTime string) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListAppointmentsByProviderDate(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error)

	// CancelAppointment marks the appointment cancelled and releases its
	// slot occupancy in one unit. Fails with ErrInvalidTransition when the
	// appointment is already cancelled or completed.
	CancelAppointment(ctx context.Context, id uuid.UUID, reason, cancelledBy string) (*Appointment, error)

	// UpdateAppointmentStatus is a compare-and-set: the row moves from
	// exactly `from` to `to` or the call fails with ErrInvalidTransition.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)

	// RescheduleAppointment acquires the new slot, moves the appointment and
	// releases the old slot in one unit; when the new slot is full nothing
	// changes, including the old slot's occupancy.
	RescheduleAppointment(ctx context.Context, id uuid.UUID, newCalendarID uuid.UUID, newDate time.Time, newStartTime, newEndTime string) (*Appointment, error)

	// DeleteAppointment releases occupancy (unless already released by a
	// cancellation) and removes the record.
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	InsertEvent(ctx context.Context, ev EventLog) error
}
