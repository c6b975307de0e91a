package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventAppointmentBooked        = "APPOINTMENT_BOOKED"
	EventAppointmentCancelled     = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled   = "APPOINTMENT_RESCHEDULED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	EventAppointmentDeleted       = "APPOINTMENT_DELETED"
)

var (
	// ErrSlotUnavailable is the caller-facing form of ErrSlotFull: a
	// concurrent booking committed first. Do not retry blindly; re-query
	// availability.
	ErrSlotUnavailable  = errors.New("slot is fully booked")
	ErrAlreadyCancelled = errors.New("appointment is already cancelled")
)

// Service is the booking engine: the only writer that mutates slot
// occupancy, always bundled with the corresponding appointment change.
type Service struct {
	repo   Repository
	gen    *Generator
	policy BookingPolicy
	log    zerolog.Logger
}

func NewService(repo Repository, gen *Generator, policy BookingPolicy, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		gen:    gen,
		policy: policy,
		log:    log,
	}
}

// GetAvailableSlots returns each slot's remaining capacity for the provider
// and date. No calendar, or an inactive day, yields an empty list rather
// than an error. The snapshot carries no reservation: the booking path
// re-validates atomically.
func (s *Service) GetAvailableSlots(ctx context.Context, providerID uuid.UUID, date time.Time) ([]SlotAvailability, error) {
	cal, err := s.repo.GetCalendar(ctx, providerID, date)
	if err != nil {
		if errors.Is(err, ErrCalendarNotFound) {
			return []SlotAvailability{}, nil
		}
		return nil, fmt.Errorf("load calendar: %w", err)
	}
	if !cal.Active {
		return []SlotAvailability{}, nil
	}

	out := make([]SlotAvailability, 0, len(cal.Slots))
	for _, slot := range cal.Slots {
		out = append(out, SlotAvailability{
			StartTime: slot.StartTime,
			EndTime:   slot.EndTime,
			Capacity:  slot.Capacity,
			Occupied:  slot.Occupied,
			Remaining: slot.Capacity - slot.Occupied,
		})
	}
	return out, nil
}

// Book places an appointment into a slot. The capacity check and the
// appointment insert commit together; on a full slot the caller gets
// ErrSlotUnavailable and nothing changes.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if err := s.policy.Validate(req, time.Now()); err != nil {
		return nil, err
	}

	provider, err := s.repo.GetProviderByID(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if !provider.Active {
		return nil, ErrProviderNotFound
	}
	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		return nil, err
	}

	cal, err := s.resolveCalendar(ctx, req.ProviderID, req.Date)
	if err != nil {
		return nil, err
	}
	if cal.FindSlot(req.StartTime, req.EndTime) == nil {
		return nil, ErrSlotNotFound
	}

	// Fast-path duplicate check; the store re-checks inside the booking
	// transaction.
	if _, err := s.repo.FindActiveAppointment(ctx, req.ProviderID, req.PatientID, req.Date, req.StartTime, req.EndTime); err == nil {
		return nil, ErrDuplicateBooking
	} else if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("check duplicate booking: %w", err)
	}

	appt := &Appointment{
		ID:         uuid.New(),
		ProviderID: req.ProviderID,
		PatientID:  req.PatientID,
		CalendarID: cal.ID,
		Date:       TruncateToDay(req.Date),
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		Status:     StatusScheduled,
		Type:       req.Type,
		Reason:     req.Reason,
		Notes:      req.Notes,
	}

	booked, err := s.repo.BookSlot(ctx, appt)
	if err != nil {
		if errors.Is(err, ErrSlotFull) {
			return nil, ErrSlotUnavailable
		}
		return nil, err
	}

	s.logEvent(ctx, booked.ID, EventAppointmentBooked, map[string]any{
		"provider_id": booked.ProviderID.String(),
		"patient_id":  booked.PatientID.String(),
		"date":        booked.Date.Format("2006-01-02"),
		"start_time":  booked.StartTime,
		"end_time":    booked.EndTime,
	})

	return booked, nil
}

// Cancel marks an appointment cancelled and releases its slot occupancy.
// Cancelling an already-cancelled appointment is rejected with
// ErrAlreadyCancelled; a completed appointment cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason, cancelledBy string) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch appt.Status {
	case StatusCancelled:
		return nil, ErrAlreadyCancelled
	case StatusCompleted:
		return nil, ErrInvalidTransition
	}

	cancelled, err := s.repo.CancelAppointment(ctx, id, reason, cancelledBy)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, cancelled.ID, EventAppointmentCancelled, map[string]any{
		"reason":       reason,
		"cancelled_by": cancelledBy,
	})

	return cancelled, nil
}

// Reschedule moves a non-terminal appointment to a new date/slot. The new
// slot is acquired before the old one is released; a full new slot leaves
// the original booking untouched.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newDate time.Time, newStartTime, newEndTime string) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(appt.Status) {
		return nil, ErrInvalidTransition
	}

	if err := validateTimeRange(newStartTime, newEndTime); err != nil {
		return nil, err
	}
	if err := s.policy.ValidateDate(newDate, time.Now()); err != nil {
		return nil, err
	}

	cal, err := s.resolveCalendar(ctx, appt.ProviderID, newDate)
	if err != nil {
		return nil, err
	}
	if cal.FindSlot(newStartTime, newEndTime) == nil {
		return nil, ErrSlotNotFound
	}

	updated, err := s.repo.RescheduleAppointment(ctx, id, cal.ID, newDate, newStartTime, newEndTime)
	if err != nil {
		if errors.Is(err, ErrSlotFull) {
			return nil, ErrSlotUnavailable
		}
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentRescheduled, map[string]any{
		"from_date":  appt.Date.Format("2006-01-02"),
		"from_start": appt.StartTime,
		"to_date":    updated.Date.Format("2006-01-02"),
		"to_start":   updated.StartTime,
	})

	return updated, nil
}

// UpdateStatus moves an appointment through the provider/admin lifecycle
// (confirm, start, complete, no-show). Cancellation must go through Cancel,
// which also releases occupancy.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to AppointmentStatus) (*Appointment, error) {
	if to == StatusCancelled {
		return nil, ErrInvalidTransition
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(appt.Status, to) {
		return nil, ErrInvalidTransition
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, appt.Status, to)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentStatusChanged, map[string]any{
		"from": string(appt.Status),
		"to":   string(to),
	})

	return updated, nil
}

// Delete is the administrative hard delete: occupancy is released exactly as
// a cancellation would, then the record is removed.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteAppointment(ctx, id); err != nil {
		return err
	}

	s.logEvent(ctx, appt.ID, EventAppointmentDeleted, map[string]any{
		"status_at_delete": string(appt.Status),
	})

	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListAppointmentsByProviderDate(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error) {
	return s.repo.ListAppointmentsByProviderDate(ctx, providerID, date)
}

// SetCalendarDayActive marks a provider's day on or off (day-off handling).
// Occupancy is untouched; existing appointments stay and can still be
// cancelled.
func (s *Service) SetCalendarDayActive(ctx context.Context, calendarID uuid.UUID, active bool, notes *string) (*Calendar, error) {
	return s.repo.SetCalendarActive(ctx, calendarID, active, notes)
}

// resolveCalendar loads the calendar for the date, lazily generating one on
// first use. An inactive day books like a missing one.
func (s *Service) resolveCalendar(ctx context.Context, providerID uuid.UUID, date time.Time) (*Calendar, error) {
	cal, err := s.repo.GetCalendar(ctx, providerID, date)
	if err != nil {
		if !errors.Is(err, ErrCalendarNotFound) {
			return nil, fmt.Errorf("load calendar: %w", err)
		}
		cal, err = s.gen.EnsureDate(ctx, providerID, date)
		if err != nil {
			return nil, err
		}
	}
	if !cal.Active {
		return nil, ErrCalendarNotFound
	}
	return cal, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("marshal event payload")
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().
			Err(err).
			Str("event_type", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("insert event log")
	}
}
