package scheduling_test

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careloop/scheduling/internal/scheduling"
)

// nopLocker runs the critical section directly; the in-memory repository's
// idempotent upsert is the only duplicate protection, which is exactly the
// guarantee under test.
type nopLocker struct{}

func (nopLocker) WithCalendarLock(ctx context.Context, _ uuid.UUID, _ time.Time, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func allWeek() [7]bool {
	var days [7]bool
	for i := range days {
		days[i] = true
	}
	return days
}

// testPrefs slices 09:00-12:00 into one-hour slots so every test date has
// slots 09:00-10:00, 10:00-11:00 and 11:00-12:00.
func testPrefs(capacity int) scheduling.Preferences {
	return scheduling.Preferences{
		WorkdayStart: "09:00",
		WorkdayEnd:   "12:00",
		SlotDuration: time.Hour,
		SlotCapacity: capacity,
		WorkingDays:  allWeek(),
	}
}

type testEnv struct {
	repo *scheduling.MemoryRepository
	gen  *scheduling.Generator
	svc  *scheduling.Service
}

func newTestEnv(defaults scheduling.Preferences) *testEnv {
	repo := scheduling.NewMemoryRepository()
	gen := scheduling.NewGenerator(repo, nopLocker{}, defaults, zerolog.Nop())
	svc := scheduling.NewService(repo, gen, scheduling.BookingPolicy{MaxAdvanceDays: 90}, zerolog.Nop())
	return &testEnv{repo: repo, gen: gen, svc: svc}
}

func (e *testEnv) addProvider() uuid.UUID {
	id := uuid.New()
	e.repo.AddProvider(scheduling.Provider{ID: id, Name: "Dr. Example", Active: true})
	return id
}

func (e *testEnv) addPatient() uuid.UUID {
	id := uuid.New()
	e.repo.AddPatient(scheduling.Patient{ID: id, Name: "Pat Example"})
	return id
}

func tomorrow() time.Time {
	return scheduling.TruncateToDay(time.Now()).AddDate(0, 0, 1)
}

func bookingReq(providerID, patientID uuid.UUID, date time.Time, start, end string) scheduling.BookingRequest {
	return scheduling.BookingRequest{
		ProviderID: providerID,
		PatientID:  patientID,
		Date:       date,
		StartTime:  start,
		EndTime:    end,
		Type:       "consultation",
		Reason:     "checkup",
	}
}
