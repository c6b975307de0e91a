package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded in-memory Repository. It exists to
// model the store's atomicity contract in-process: every compound operation
// (book, cancel, reschedule, delete) runs under one lock, so callers observe
// the same all-or-nothing behavior the Postgres implementation provides with
// transactions. Used by tests and local tooling.
type MemoryRepository struct {
	mu           sync.Mutex
	providers    map[uuid.UUID]Provider
	patients     map[uuid.UUID]Patient
	preferences  map[uuid.UUID]Preferences
	calendars    map[uuid.UUID]*Calendar
	calendarKeys map[string]uuid.UUID
	appointments map[uuid.UUID]*Appointment
	events       []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		providers:    make(map[uuid.UUID]Provider),
		patients:     make(map[uuid.UUID]Patient),
		preferences:  make(map[uuid.UUID]Preferences),
		calendars:    make(map[uuid.UUID]*Calendar),
		calendarKeys: make(map[string]uuid.UUID),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func calendarKey(providerID uuid.UUID, date time.Time) string {
	return providerID.String() + "|" + TruncateToDay(date).Format("2006-01-02")
}

// Seeding helpers

func (r *MemoryRepository) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID] = p
}

func (r *MemoryRepository) AddPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
}

func (r *MemoryRepository) SetPreferences(providerID uuid.UUID, prefs Preferences) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preferences[providerID] = prefs
}

// AddCalendar inserts a calendar as-is, bypassing write-time validation.
// Lets tests set up historical state (e.g. elapsed calendars for pruning).
func (r *MemoryRepository) AddCalendar(cal Calendar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cal.Date = TruncateToDay(cal.Date)
	stored := cal
	stored.Slots = make([]Slot, len(cal.Slots))
	copy(stored.Slots, cal.Slots)
	r.calendars[stored.ID] = &stored
	r.calendarKeys[calendarKey(stored.ProviderID, stored.Date)] = stored.ID
}

// Providers and patients

func (r *MemoryRepository) GetProviderByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) ListActiveProviderIDs(_ context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id, p := range r.providers {
		if p.Active {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (r *MemoryRepository) GetPreferences(_ context.Context, providerID uuid.UUID) (*Preferences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefs, ok := r.preferences[providerID]
	if !ok {
		return nil, ErrPreferencesNotFound
	}
	return &prefs, nil
}

// Calendar store

func (r *MemoryRepository) UpsertCalendar(_ context.Context, providerID uuid.UUID, date time.Time, slots []Slot) (*Calendar, error) {
	date = TruncateToDay(date)
	if err := validateCalendarWrite(date, slots, time.Now()); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := calendarKey(providerID, date)
	if existingID, ok := r.calendarKeys[key]; ok {
		return copyCalendar(r.calendars[existingID]), nil
	}

	now := time.Now()
	cal := &Calendar{
		ID:         uuid.New(),
		ProviderID: providerID,
		Date:       date,
		Slots:      make([]Slot, len(slots)),
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	copy(cal.Slots, slots)
	for i := range cal.Slots {
		recomputeOpen(&cal.Slots[i])
	}

	r.calendars[cal.ID] = cal
	r.calendarKeys[key] = cal.ID
	return copyCalendar(cal), nil
}

func (r *MemoryRepository) GetCalendar(_ context.Context, providerID uuid.UUID, date time.Time) (*Calendar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.calendarKeys[calendarKey(providerID, date)]
	if !ok {
		return nil, ErrCalendarNotFound
	}
	return copyCalendar(r.calendars[id]), nil
}

func (r *MemoryRepository) GetCalendarByID(_ context.Context, id uuid.UUID) (*Calendar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cal, ok := r.calendars[id]
	if !ok {
		return nil, ErrCalendarNotFound
	}
	return copyCalendar(cal), nil
}

func (r *MemoryRepository) SetCalendarActive(_ context.Context, id uuid.UUID, active bool, notes *string) (*Calendar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cal, ok := r.calendars[id]
	if !ok {
		return nil, ErrCalendarNotFound
	}
	cal.Active = active
	if notes != nil {
		cal.Notes = notes
	}
	cal.UpdatedAt = time.Now()
	return copyCalendar(cal), nil
}

func (r *MemoryRepository) DeleteCalendar(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cal, ok := r.calendars[id]
	if !ok {
		return ErrCalendarNotFound
	}
	delete(r.calendarKeys, calendarKey(cal.ProviderID, cal.Date))
	delete(r.calendars, id)
	return nil
}

func (r *MemoryRepository) DeleteCalendarsBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff = TruncateToDay(cutoff)
	count := 0
	for id, cal := range r.calendars {
		if cal.Date.Before(cutoff) {
			delete(r.calendarKeys, calendarKey(cal.ProviderID, cal.Date))
			delete(r.calendars, id)
			count++
		}
	}
	return count, nil
}

// Occupancy

func (r *MemoryRepository) AdjustSlotOccupancy(_ context.Context, calendarID uuid.UUID, startTime, endTime string, delta int) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adjustLocked(calendarID, startTime, endTime, delta)
}

func (r *MemoryRepository) adjustLocked(calendarID uuid.UUID, startTime, endTime string, delta int) (*Slot, error) {
	cal, ok := r.calendars[calendarID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	slot := cal.FindSlot(startTime, endTime)
	if slot == nil {
		return nil, ErrSlotNotFound
	}
	if delta > 0 && slot.Occupied+delta > slot.Capacity {
		return nil, ErrSlotFull
	}
	slot.Occupied += delta
	if slot.Occupied < 0 {
		slot.Occupied = 0
	}
	recomputeOpen(slot)
	cal.UpdatedAt = time.Now()
	out := *slot
	return &out, nil
}

func (r *MemoryRepository) releaseLocked(calendarID uuid.UUID, startTime, endTime string) {
	// Tolerates a pruned calendar, mirroring the Postgres implementation.
	_, _ = r.adjustLocked(calendarID, startTime, endTime, -1)
}

// Appointments

func (r *MemoryRepository) BookSlot(_ context.Context, appt *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.appointments {
		if existing.ProviderID == appt.ProviderID &&
			existing.PatientID == appt.PatientID &&
			existing.Date.Equal(TruncateToDay(appt.Date)) &&
			existing.StartTime == appt.StartTime &&
			existing.EndTime == appt.EndTime &&
			existing.Status != StatusCancelled {
			return nil, ErrDuplicateBooking
		}
	}

	if _, err := r.adjustLocked(appt.CalendarID, appt.StartTime, appt.EndTime, +1); err != nil {
		return nil, err
	}

	now := time.Now()
	stored := *appt
	stored.Date = TruncateToDay(appt.Date)
	stored.Status = StatusScheduled
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.appointments[stored.ID] = &stored

	out := stored
	return &out, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *appt
	return &out, nil
}

func (r *MemoryRepository) FindActiveAppointment(_ context.Context, providerID, patientID uuid.UUID, date time.Time, startTime, endTime string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	day := TruncateToDay(date)
	for _, appt := range r.appointments {
		if appt.ProviderID == providerID &&
			appt.PatientID == patientID &&
			appt.Date.Equal(day) &&
			appt.StartTime == startTime &&
			appt.EndTime == endTime &&
			appt.Status != StatusCancelled {
			out := *appt
			return &out, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *MemoryRepository) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []Appointment
	for _, appt := range r.appointments {
		if appt.PatientID == patientID {
			result = append(result, *appt)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.After(result[j].Date)
		}
		return result[i].StartTime > result[j].StartTime
	})
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryRepository) ListAppointmentsByProviderDate(_ context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	day := TruncateToDay(date)
	var result []Appointment
	for _, appt := range r.appointments {
		if appt.ProviderID == providerID && appt.Date.Equal(day) {
			result = append(result, *appt)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime < result[j].StartTime })
	return result, nil
}

func (r *MemoryRepository) CancelAppointment(_ context.Context, id uuid.UUID, reason, cancelledBy string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	appt, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if appt.Status == StatusCancelled || appt.Status == StatusCompleted {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	appt.Status = StatusCancelled
	appt.CancellationReason = &reason
	appt.CancelledBy = &cancelledBy
	appt.CancelledAt = &now
	appt.UpdatedAt = now

	r.releaseLocked(appt.CalendarID, appt.StartTime, appt.EndTime)

	out := *appt
	return &out, nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	appt, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if appt.Status != from {
		return nil, ErrInvalidTransition
	}
	appt.Status = to
	appt.UpdatedAt = time.Now()
	out := *appt
	return &out, nil
}

func (r *MemoryRepository) RescheduleAppointment(_ context.Context, id uuid.UUID, newCalendarID uuid.UUID, newDate time.Time, newStartTime, newEndTime string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	appt, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if IsTerminal(appt.Status) {
		return nil, ErrInvalidTransition
	}

	newDay := TruncateToDay(newDate)
	for _, existing := range r.appointments {
		if existing.ID != id &&
			existing.ProviderID == appt.ProviderID &&
			existing.PatientID == appt.PatientID &&
			existing.Date.Equal(newDay) &&
			existing.StartTime == newStartTime &&
			existing.EndTime == newEndTime &&
			existing.Status != StatusCancelled {
			return nil, ErrDuplicateBooking
		}
	}

	// Acquire the new slot before touching the old one; a full new slot
	// leaves the appointment exactly where it was.
	if _, err := r.adjustLocked(newCalendarID, newStartTime, newEndTime, +1); err != nil {
		return nil, err
	}

	oldCalendarID, oldStart, oldEnd := appt.CalendarID, appt.StartTime, appt.EndTime
	appt.CalendarID = newCalendarID
	appt.Date = newDay
	appt.StartTime = newStartTime
	appt.EndTime = newEndTime
	appt.UpdatedAt = time.Now()

	r.releaseLocked(oldCalendarID, oldStart, oldEnd)

	out := *appt
	return &out, nil
}

func (r *MemoryRepository) DeleteAppointment(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	appt, ok := r.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	if appt.Status != StatusCancelled {
		r.releaseLocked(appt.CalendarID, appt.StartTime, appt.EndTime)
	}
	delete(r.appointments, id)
	return nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}

func copyCalendar(c *Calendar) *Calendar {
	out := *c
	out.Slots = make([]Slot, len(c.Slots))
	copy(out.Slots, c.Slots)
	return &out
}
