package scheduling_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careloop/scheduling/internal/scheduling"
)

func TestService_Book(t *testing.T) {
	ctx := context.Background()

	t.Run("books into an open slot", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()
		patientID := env.addPatient()

		appt, err := env.svc.Book(ctx, bookingReq(providerID, patientID, tomorrow(), "09:00", "10:00"))
		require.NoError(t, err)
		assert.Equal(t, scheduling.StatusScheduled, appt.Status)
		assert.Equal(t, providerID, appt.ProviderID)
		assert.Equal(t, patientID, appt.PatientID)

		slots, err := env.svc.GetAvailableSlots(ctx, providerID, tomorrow())
		require.NoError(t, err)
		require.Len(t, slots, 3)
		assert.Equal(t, 0, slots[0].Remaining)
		assert.Equal(t, 1, slots[1].Remaining)
	})

	t.Run("lazily creates the calendar on first booking", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()
		patientID := env.addPatient()
		date := tomorrow().AddDate(0, 0, 5)

		_, err := env.repo.GetCalendar(ctx, providerID, date)
		require.ErrorIs(t, err, scheduling.ErrCalendarNotFound)

		appt, err := env.svc.Book(ctx, bookingReq(providerID, patientID, date, "10:00", "11:00"))
		require.NoError(t, err)

		cal, err := env.repo.GetCalendar(ctx, providerID, date)
		require.NoError(t, err)
		assert.Equal(t, cal.ID, appt.CalendarID)
		assert.Equal(t, 1, cal.FindSlot("10:00", "11:00").Occupied)
	})

	t.Run("unknown slot boundaries are rejected", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()
		patientID := env.addPatient()

		_, err := env.svc.Book(ctx, bookingReq(providerID, patientID, tomorrow(), "09:30", "10:30"))
		assert.ErrorIs(t, err, scheduling.ErrSlotNotFound)
	})

	t.Run("unknown provider and patient are rejected", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()
		patientID := env.addPatient()

		_, err := env.svc.Book(ctx, bookingReq(uuid.New(), patientID, tomorrow(), "09:00", "10:00"))
		assert.ErrorIs(t, err, scheduling.ErrProviderNotFound)

		_, err = env.svc.Book(ctx, bookingReq(providerID, uuid.New(), tomorrow(), "09:00", "10:00"))
		assert.ErrorIs(t, err, scheduling.ErrPatientNotFound)
	})

	t.Run("inactive provider books like a missing one", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := uuid.New()
		env.repo.AddProvider(scheduling.Provider{ID: providerID, Name: "Dr. Gone", Active: false})
		patientID := env.addPatient()

		_, err := env.svc.Book(ctx, bookingReq(providerID, patientID, tomorrow(), "09:00", "10:00"))
		assert.ErrorIs(t, err, scheduling.ErrProviderNotFound)
	})

	t.Run("same patient cannot hold the same slot twice", func(t *testing.T) {
		env := newTestEnv(testPrefs(2))
		providerID := env.addProvider()
		patientID := env.addPatient()
		req := bookingReq(providerID, patientID, tomorrow(), "09:00", "10:00")

		_, err := env.svc.Book(ctx, req)
		require.NoError(t, err)

		_, err = env.svc.Book(ctx, req)
		assert.ErrorIs(t, err, scheduling.ErrDuplicateBooking)
	})

	t.Run("cancelling frees the seat for the next patient", func(t *testing.T) {
		env := newTestEnv(testPrefs(2))
		providerID := env.addProvider()
		alice := env.addPatient()
		bob := env.addPatient()
		carol := env.addPatient()
		date := tomorrow()

		first, err := env.svc.Book(ctx, bookingReq(providerID, alice, date, "09:00", "10:00"))
		require.NoError(t, err)
		_, err = env.svc.Book(ctx, bookingReq(providerID, bob, date, "09:00", "10:00"))
		require.NoError(t, err)

		_, err = env.svc.Book(ctx, bookingReq(providerID, carol, date, "09:00", "10:00"))
		require.ErrorIs(t, err, scheduling.ErrSlotUnavailable)

		_, err = env.svc.Cancel(ctx, first.ID, "conflict", "patient")
		require.NoError(t, err)

		_, err = env.svc.Book(ctx, bookingReq(providerID, carol, date, "09:00", "10:00"))
		assert.NoError(t, err)
	})

	t.Run("date window boundaries", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()
		patientID := env.addPatient()
		today := scheduling.TruncateToDay(time.Now())

		_, err := env.svc.Book(ctx, bookingReq(providerID, patientID, today.AddDate(0, 0, -1), "09:00", "10:00"))
		assert.ErrorIs(t, err, scheduling.ErrPastDate)

		_, err = env.svc.Book(ctx, bookingReq(providerID, patientID, today.AddDate(0, 0, 90), "09:00", "10:00"))
		assert.NoError(t, err)

		_, err = env.svc.Book(ctx, bookingReq(providerID, patientID, today.AddDate(0, 0, 91), "09:00", "10:00"))
		assert.ErrorIs(t, err, scheduling.ErrDateTooFarAhead)
	})

	t.Run("booked event is recorded", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()
		patientID := env.addPatient()

		appt, err := env.svc.Book(ctx, bookingReq(providerID, patientID, tomorrow(), "09:00", "10:00"))
		require.NoError(t, err)

		events := env.repo.Events()
		require.Len(t, events, 1)
		assert.Equal(t, scheduling.EventAppointmentBooked, events[0].EventType)
		require.NotNil(t, events[0].AppointmentID)
		assert.Equal(t, appt.ID, *events[0].AppointmentID)
	})
}

func TestService_Book_ConcurrentCapacityOne(t *testing.T) {
	env := newTestEnv(testPrefs(1))
	providerID := env.addProvider()
	date := tomorrow()

	// Materialize the calendar up front so both goroutines race on the
	// occupancy counter, not on calendar creation.
	_, err := env.gen.EnsureDate(context.Background(), providerID, date)
	require.NoError(t, err)

	patients := []uuid.UUID{env.addPatient(), env.addPatient()}
	errs := make([]error, len(patients))

	var wg sync.WaitGroup
	for i, patientID := range patients {
		wg.Add(1)
		go func(i int, patientID uuid.UUID) {
			defer wg.Done()
			_, errs[i] = env.svc.Book(context.Background(), bookingReq(providerID, patientID, date, "09:00", "10:00"))
		}(i, patientID)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, scheduling.ErrSlotUnavailable)
			losses++
		}
	}
	assert.Equal(t, 1, wins, "exactly one booking must win")
	assert.Equal(t, 1, losses)

	cal, err := env.repo.GetCalendar(context.Background(), providerID, date)
	require.NoError(t, err)
	assert.Equal(t, 1, cal.FindSlot("09:00", "10:00").Occupied)
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, *scheduling.Appointment) {
		env := newTestEnv(testPrefs(1))
		appt, err := env.svc.Book(ctx, bookingReq(env.addProvider(), env.addPatient(), tomorrow(), "09:00", "10:00"))
		require.NoError(t, err)
		return env, appt
	}

	t.Run("releases occupancy and records metadata", func(t *testing.T) {
		env, appt := setup(t)

		cancelled, err := env.svc.Cancel(ctx, appt.ID, "feeling better", "patient")
		require.NoError(t, err)
		assert.Equal(t, scheduling.StatusCancelled, cancelled.Status)
		require.NotNil(t, cancelled.CancellationReason)
		assert.Equal(t, "feeling better", *cancelled.CancellationReason)
		require.NotNil(t, cancelled.CancelledBy)
		assert.Equal(t, "patient", *cancelled.CancelledBy)
		assert.NotNil(t, cancelled.CancelledAt)

		cal, err := env.repo.GetCalendarByID(ctx, appt.CalendarID)
		require.NoError(t, err)
		slot := cal.FindSlot("09:00", "10:00")
		assert.Equal(t, 0, slot.Occupied)
		assert.True(t, slot.Open)
	})

	t.Run("cancelling twice is rejected", func(t *testing.T) {
		env, appt := setup(t)

		_, err := env.svc.Cancel(ctx, appt.ID, "first", "patient")
		require.NoError(t, err)

		_, err = env.svc.Cancel(ctx, appt.ID, "second", "patient")
		assert.ErrorIs(t, err, scheduling.ErrAlreadyCancelled)

		cal, err := env.repo.GetCalendarByID(ctx, appt.CalendarID)
		require.NoError(t, err)
		assert.Equal(t, 0, cal.FindSlot("09:00", "10:00").Occupied, "occupancy must be released exactly once")
	})

	t.Run("a completed appointment cannot be cancelled", func(t *testing.T) {
		env, appt := setup(t)

		_, err := env.svc.UpdateStatus(ctx, appt.ID, scheduling.StatusConfirmed)
		require.NoError(t, err)
		_, err = env.svc.UpdateStatus(ctx, appt.ID, scheduling.StatusCompleted)
		require.NoError(t, err)

		_, err = env.svc.Cancel(ctx, appt.ID, "too late", "admin")
		assert.ErrorIs(t, err, scheduling.ErrInvalidTransition)
	})

	t.Run("unknown appointment", func(t *testing.T) {
		env, _ := setup(t)
		_, err := env.svc.Cancel(ctx, uuid.New(), "", "admin")
		assert.ErrorIs(t, err, scheduling.ErrAppointmentNotFound)
	})
}

func TestService_Reschedule(t *testing.T) {
	ctx := context.Background()

	t.Run("moves the booking and swaps occupancy", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()
		patientID := env.addPatient()
		oldDate := tomorrow()
		newDate := oldDate.AddDate(0, 0, 1)

		appt, err := env.svc.Book(ctx, bookingReq(providerID, patientID, oldDate, "09:00", "10:00"))
		require.NoError(t, err)

		moved, err := env.svc.Reschedule(ctx, appt.ID, newDate, "11:00", "12:00")
		require.NoError(t, err)
		assert.Equal(t, newDate, moved.Date)
		assert.Equal(t, "11:00", moved.StartTime)
		assert.Equal(t, "12:00", moved.EndTime)
		assert.Equal(t, scheduling.StatusScheduled, moved.Status)

		oldCal, err := env.repo.GetCalendar(ctx, providerID, oldDate)
		require.NoError(t, err)
		assert.Equal(t, 0, oldCal.FindSlot("09:00", "10:00").Occupied)

		newCal, err := env.repo.GetCalendar(ctx, providerID, newDate)
		require.NoError(t, err)
		assert.Equal(t, 1, newCal.FindSlot("11:00", "12:00").Occupied)
		assert.Equal(t, newCal.ID, moved.CalendarID)
	})

	t.Run("a full target slot leaves the original booking untouched", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()
		patientID := env.addPatient()
		other := env.addPatient()
		date := tomorrow()

		appt, err := env.svc.Book(ctx, bookingReq(providerID, patientID, date, "09:00", "10:00"))
		require.NoError(t, err)
		_, err = env.svc.Book(ctx, bookingReq(providerID, other, date, "10:00", "11:00"))
		require.NoError(t, err)

		_, err = env.svc.Reschedule(ctx, appt.ID, date, "10:00", "11:00")
		require.ErrorIs(t, err, scheduling.ErrSlotUnavailable)

		unchanged, err := env.svc.GetAppointment(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, "09:00", unchanged.StartTime)

		cal, err := env.repo.GetCalendar(ctx, providerID, date)
		require.NoError(t, err)
		assert.Equal(t, 1, cal.FindSlot("09:00", "10:00").Occupied, "old seat must not be released")
		assert.Equal(t, 1, cal.FindSlot("10:00", "11:00").Occupied)
	})

	t.Run("terminal appointments cannot move", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		appt, err := env.svc.Book(ctx, bookingReq(env.addProvider(), env.addPatient(), tomorrow(), "09:00", "10:00"))
		require.NoError(t, err)

		_, err = env.svc.Cancel(ctx, appt.ID, "", "patient")
		require.NoError(t, err)

		_, err = env.svc.Reschedule(ctx, appt.ID, tomorrow(), "10:00", "11:00")
		assert.ErrorIs(t, err, scheduling.ErrInvalidTransition)
	})

	t.Run("target date must be inside the booking window", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		appt, err := env.svc.Book(ctx, bookingReq(env.addProvider(), env.addPatient(), tomorrow(), "09:00", "10:00"))
		require.NoError(t, err)

		_, err = env.svc.Reschedule(ctx, appt.ID, scheduling.TruncateToDay(time.Now()).AddDate(0, 0, 91), "09:00", "10:00")
		assert.ErrorIs(t, err, scheduling.ErrDateTooFarAhead)
	})
}

func TestService_UpdateStatus(t *testing.T) {
	ctx := context.Background()

	newAppt := func(t *testing.T) (*testEnv, *scheduling.Appointment) {
		env := newTestEnv(testPrefs(1))
		appt, err := env.svc.Book(ctx, bookingReq(env.addProvider(), env.addPatient(), tomorrow(), "09:00", "10:00"))
		require.NoError(t, err)
		return env, appt
	}

	t.Run("walks the full lifecycle", func(t *testing.T) {
		env, appt := newAppt(t)

		for _, to := range []scheduling.AppointmentStatus{
			scheduling.StatusConfirmed,
			scheduling.StatusInProgress,
			scheduling.StatusCompleted,
		} {
			updated, err := env.svc.UpdateStatus(ctx, appt.ID, to)
			require.NoError(t, err, "transition to %s", to)
			assert.Equal(t, to, updated.Status)
		}
	})

	t.Run("no-show straight from scheduled", func(t *testing.T) {
		env, appt := newAppt(t)
		updated, err := env.svc.UpdateStatus(ctx, appt.ID, scheduling.StatusNoShow)
		require.NoError(t, err)
		assert.Equal(t, scheduling.StatusNoShow, updated.Status)

		// A no-show keeps its seat; the slot stays consumed.
		cal, err := env.repo.GetCalendarByID(ctx, appt.CalendarID)
		require.NoError(t, err)
		assert.Equal(t, 1, cal.FindSlot("09:00", "10:00").Occupied)
	})

	t.Run("illegal jumps are rejected", func(t *testing.T) {
		env, appt := newAppt(t)

		_, err := env.svc.UpdateStatus(ctx, appt.ID, scheduling.StatusInProgress)
		assert.ErrorIs(t, err, scheduling.ErrInvalidTransition)

		_, err = env.svc.UpdateStatus(ctx, appt.ID, scheduling.StatusCompleted)
		assert.ErrorIs(t, err, scheduling.ErrInvalidTransition)
	})

	t.Run("cancellation is not a status update", func(t *testing.T) {
		env, appt := newAppt(t)
		_, err := env.svc.UpdateStatus(ctx, appt.ID, scheduling.StatusCancelled)
		assert.ErrorIs(t, err, scheduling.ErrInvalidTransition)
	})

	t.Run("terminal states are final", func(t *testing.T) {
		env, appt := newAppt(t)
		_, err := env.svc.UpdateStatus(ctx, appt.ID, scheduling.StatusNoShow)
		require.NoError(t, err)

		_, err = env.svc.UpdateStatus(ctx, appt.ID, scheduling.StatusConfirmed)
		assert.ErrorIs(t, err, scheduling.ErrInvalidTransition)
	})
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testPrefs(1))
	appt, err := env.svc.Book(ctx, bookingReq(env.addProvider(), env.addPatient(), tomorrow(), "09:00", "10:00"))
	require.NoError(t, err)

	require.NoError(t, env.svc.Delete(ctx, appt.ID))

	_, err = env.svc.GetAppointment(ctx, appt.ID)
	assert.ErrorIs(t, err, scheduling.ErrAppointmentNotFound)

	cal, err := env.repo.GetCalendarByID(ctx, appt.CalendarID)
	require.NoError(t, err)
	assert.Equal(t, 0, cal.FindSlot("09:00", "10:00").Occupied)

	assert.ErrorIs(t, env.svc.Delete(ctx, appt.ID), scheduling.ErrAppointmentNotFound)
}

func TestService_GetAvailableSlots(t *testing.T) {
	ctx := context.Background()

	t.Run("missing calendar yields an empty list", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		slots, err := env.svc.GetAvailableSlots(ctx, env.addProvider(), tomorrow())
		require.NoError(t, err)
		assert.Empty(t, slots)
	})

	t.Run("inactive day yields an empty list", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()

		cal, err := env.gen.EnsureDate(ctx, providerID, tomorrow())
		require.NoError(t, err)

		note := "provider day off"
		_, err = env.svc.SetCalendarDayActive(ctx, cal.ID, false, &note)
		require.NoError(t, err)

		slots, err := env.svc.GetAvailableSlots(ctx, providerID, tomorrow())
		require.NoError(t, err)
		assert.Empty(t, slots)

		// Booking the deactivated day is refused the same way.
		_, err = env.svc.Book(ctx, bookingReq(providerID, env.addPatient(), tomorrow(), "09:00", "10:00"))
		assert.Error(t, err)
	})
}

func TestService_ListAppointments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testPrefs(3))
	providerID := env.addProvider()
	patientID := env.addPatient()
	other := env.addPatient()
	date := tomorrow()

	_, err := env.svc.Book(ctx, bookingReq(providerID, patientID, date, "09:00", "10:00"))
	require.NoError(t, err)
	_, err = env.svc.Book(ctx, bookingReq(providerID, patientID, date.AddDate(0, 0, 1), "10:00", "11:00"))
	require.NoError(t, err)
	_, err = env.svc.Book(ctx, bookingReq(providerID, other, date, "09:00", "10:00"))
	require.NoError(t, err)

	byPatient, err := env.svc.ListAppointmentsByPatient(ctx, patientID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, byPatient, 2)

	byDay, err := env.svc.ListAppointmentsByProviderDate(ctx, providerID, date)
	require.NoError(t, err)
	assert.Len(t, byDay, 2)

	limited, err := env.svc.ListAppointmentsByPatient(ctx, patientID, 1, 0)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
