package scheduling_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careloop/scheduling/internal/scheduling"
)

func TestBuildSlots(t *testing.T) {
	t.Run("slices the window into fixed slots", func(t *testing.T) {
		slots, err := scheduling.BuildSlots(scheduling.Preferences{
			WorkdayStart: "09:00",
			WorkdayEnd:   "17:00",
			SlotDuration: time.Hour,
			SlotCapacity: 2,
		})
		require.NoError(t, err)
		require.Len(t, slots, 8)

		assert.Equal(t, "09:00", slots[0].StartTime)
		assert.Equal(t, "10:00", slots[0].EndTime)
		assert.Equal(t, "16:00", slots[7].StartTime)
		assert.Equal(t, "17:00", slots[7].EndTime)
		for _, s := range slots {
			assert.Equal(t, 2, s.Capacity)
			assert.Equal(t, 0, s.Occupied)
			assert.True(t, s.Open)
		}
	})

	t.Run("drops a trailing partial slot", func(t *testing.T) {
		slots, err := scheduling.BuildSlots(scheduling.Preferences{
			WorkdayStart: "09:00",
			WorkdayEnd:   "10:30",
			SlotDuration: time.Hour,
			SlotCapacity: 1,
		})
		require.NoError(t, err)
		require.Len(t, slots, 1)
		assert.Equal(t, "10:00", slots[0].EndTime)
	})

	t.Run("supports half-hour slots", func(t *testing.T) {
		slots, err := scheduling.BuildSlots(scheduling.Preferences{
			WorkdayStart: "09:00",
			WorkdayEnd:   "11:00",
			SlotDuration: 30 * time.Minute,
			SlotCapacity: 1,
		})
		require.NoError(t, err)
		assert.Len(t, slots, 4)
	})

	t.Run("rejects an inverted window", func(t *testing.T) {
		_, err := scheduling.BuildSlots(scheduling.Preferences{
			WorkdayStart: "17:00",
			WorkdayEnd:   "09:00",
			SlotDuration: time.Hour,
		})
		assert.ErrorIs(t, err, scheduling.ErrInvalidInput)
	})

	t.Run("rejects a zero slot duration", func(t *testing.T) {
		_, err := scheduling.BuildSlots(scheduling.Preferences{
			WorkdayStart: "09:00",
			WorkdayEnd:   "17:00",
		})
		assert.ErrorIs(t, err, scheduling.ErrInvalidInput)
	})
}

func TestGenerator_EnsureHorizon(t *testing.T) {
	ctx := context.Background()

	t.Run("creates calendars for every working day ahead", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()

		require.NoError(t, env.gen.EnsureHorizon(ctx, providerID, 7))

		for i := 1; i <= 7; i++ {
			date := scheduling.TruncateToDay(time.Now()).AddDate(0, 0, i)
			cal, err := env.repo.GetCalendar(ctx, providerID, date)
			require.NoError(t, err, "day +%d", i)
			assert.Len(t, cal.Slots, 3)
		}
	})

	t.Run("skips dates that already have a calendar", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()
		existingDate := tomorrow().AddDate(0, 0, 2) // day +3

		existing, err := env.gen.EnsureDate(ctx, providerID, existingDate)
		require.NoError(t, err)

		require.NoError(t, env.gen.EnsureHorizon(ctx, providerID, 7))

		after, err := env.repo.GetCalendar(ctx, providerID, existingDate)
		require.NoError(t, err)
		assert.Equal(t, existing.ID, after.ID)
	})

	t.Run("skips non-working weekdays", func(t *testing.T) {
		prefs := testPrefs(1)
		var mondayOnly [7]bool
		mondayOnly[time.Monday] = true
		prefs.WorkingDays = mondayOnly

		env := newTestEnv(prefs)
		providerID := env.addProvider()

		require.NoError(t, env.gen.EnsureHorizon(ctx, providerID, 7))

		today := scheduling.TruncateToDay(time.Now())
		for i := 1; i <= 7; i++ {
			date := today.AddDate(0, 0, i)
			_, err := env.repo.GetCalendar(ctx, providerID, date)
			if date.Weekday() == time.Monday {
				assert.NoError(t, err, "monday +%d should exist", i)
			} else {
				assert.ErrorIs(t, err, scheduling.ErrCalendarNotFound, "+%d should be skipped", i)
			}
		}
	})

	t.Run("one failing date does not abort the batch", func(t *testing.T) {
		failDate := scheduling.TruncateToDay(time.Now()).AddDate(0, 0, 2)

		repo := scheduling.NewMemoryRepository()
		gen := scheduling.NewGenerator(repo, failingLocker{failDate: failDate}, testPrefs(1), zerolog.Nop())
		providerID := uuid.New()
		repo.AddProvider(scheduling.Provider{ID: providerID, Name: "Dr. Example", Active: true})

		require.NoError(t, gen.EnsureHorizon(context.Background(), providerID, 4))

		today := scheduling.TruncateToDay(time.Now())
		for i := 1; i <= 4; i++ {
			date := today.AddDate(0, 0, i)
			_, err := repo.GetCalendar(context.Background(), providerID, date)
			if date.Equal(failDate) {
				assert.ErrorIs(t, err, scheduling.ErrCalendarNotFound)
			} else {
				assert.NoError(t, err, "day +%d", i)
			}
		}
	})

	t.Run("rejects a non-positive horizon", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		assert.ErrorIs(t, env.gen.EnsureHorizon(ctx, env.addProvider(), 0), scheduling.ErrInvalidInput)
	})
}

func TestGenerator_GenerateRange(t *testing.T) {
	ctx := context.Background()

	t.Run("is idempotent and preserves occupancy", func(t *testing.T) {
		env := newTestEnv(testPrefs(2))
		providerID := env.addProvider()
		start := tomorrow()
		end := start.AddDate(0, 0, 4)

		first, err := env.gen.GenerateRange(ctx, providerID, start, end, nil)
		require.NoError(t, err)
		require.Len(t, first, 5)

		_, err = env.repo.AdjustSlotOccupancy(ctx, first[0].ID, "09:00", "10:00", +1)
		require.NoError(t, err)

		second, err := env.gen.GenerateRange(ctx, providerID, start, end, nil)
		require.NoError(t, err)
		require.Len(t, second, 5)

		for i := range first {
			assert.Equal(t, first[i].ID, second[i].ID)
		}

		cal, err := env.repo.GetCalendarByID(ctx, first[0].ID)
		require.NoError(t, err)
		assert.Equal(t, 1, cal.FindSlot("09:00", "10:00").Occupied)
	})

	t.Run("uses explicit preferences over stored ones", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		providerID := env.addProvider()

		prefs := scheduling.Preferences{
			WorkdayStart: "08:00",
			WorkdayEnd:   "10:00",
			SlotDuration: time.Hour,
			SlotCapacity: 3,
			WorkingDays:  allWeek(),
		}
		date := tomorrow()
		cals, err := env.gen.GenerateRange(ctx, providerID, date, date, &prefs)
		require.NoError(t, err)
		require.Len(t, cals, 1)
		require.Len(t, cals[0].Slots, 2)
		assert.Equal(t, "08:00", cals[0].Slots[0].StartTime)
		assert.Equal(t, 3, cals[0].Slots[0].Capacity)
	})

	t.Run("rejects an inverted range", func(t *testing.T) {
		env := newTestEnv(testPrefs(1))
		_, err := env.gen.GenerateRange(ctx, env.addProvider(), tomorrow().AddDate(0, 0, 3), tomorrow(), nil)
		assert.ErrorIs(t, err, scheduling.ErrInvalidInput)
	})
}

func TestGenerator_PruneStale(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(testPrefs(1))
	providerID := env.addProvider()
	today := scheduling.TruncateToDay(time.Now())

	stale := scheduling.Calendar{ID: uuid.New(), ProviderID: providerID, Date: today.AddDate(0, 0, -40), Active: true}
	recent := scheduling.Calendar{ID: uuid.New(), ProviderID: providerID, Date: today.AddDate(0, 0, -10), Active: true}
	env.repo.AddCalendar(stale)
	env.repo.AddCalendar(recent)

	upcoming, err := env.gen.EnsureDate(ctx, providerID, tomorrow())
	require.NoError(t, err)

	count, err := env.gen.PruneStale(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = env.repo.GetCalendarByID(ctx, stale.ID)
	assert.ErrorIs(t, err, scheduling.ErrCalendarNotFound)
	_, err = env.repo.GetCalendarByID(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = env.repo.GetCalendarByID(ctx, upcoming.ID)
	assert.NoError(t, err)

	_, err = env.gen.PruneStale(ctx, -1)
	assert.ErrorIs(t, err, scheduling.ErrInvalidInput)
}

// failingLocker simulates a lock backend outage for a single date.
type failingLocker struct {
	failDate time.Time
}

func (l failingLocker) WithCalendarLock(ctx context.Context, _ uuid.UUID, date time.Time, fn func(ctx context.Context) error) error {
	if scheduling.TruncateToDay(date).Equal(l.failDate) {
		return errors.New("lock backend unavailable")
	}
	return fn(ctx)
}
