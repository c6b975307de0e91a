package scheduling_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/careloop/scheduling/internal/scheduling"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to scheduling.AppointmentStatus }{
		{scheduling.StatusScheduled, scheduling.StatusConfirmed},
		{scheduling.StatusScheduled, scheduling.StatusNoShow},
		{scheduling.StatusConfirmed, scheduling.StatusInProgress},
		{scheduling.StatusConfirmed, scheduling.StatusCompleted},
		{scheduling.StatusConfirmed, scheduling.StatusNoShow},
		{scheduling.StatusInProgress, scheduling.StatusCompleted},
	}
	for _, tc := range allowed {
		assert.True(t, scheduling.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to scheduling.AppointmentStatus }{
		{scheduling.StatusScheduled, scheduling.StatusInProgress},
		{scheduling.StatusScheduled, scheduling.StatusCompleted},
		{scheduling.StatusInProgress, scheduling.StatusNoShow},
		{scheduling.StatusCompleted, scheduling.StatusConfirmed},
		{scheduling.StatusCancelled, scheduling.StatusScheduled},
		{scheduling.StatusNoShow, scheduling.StatusConfirmed},
		{scheduling.StatusScheduled, scheduling.StatusScheduled},
	}
	for _, tc := range denied {
		assert.False(t, scheduling.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, scheduling.IsTerminal(scheduling.StatusCompleted))
	assert.True(t, scheduling.IsTerminal(scheduling.StatusCancelled))
	assert.True(t, scheduling.IsTerminal(scheduling.StatusNoShow))
	assert.False(t, scheduling.IsTerminal(scheduling.StatusScheduled))
	assert.False(t, scheduling.IsTerminal(scheduling.StatusConfirmed))
	assert.False(t, scheduling.IsTerminal(scheduling.StatusInProgress))
}

func TestTruncateToDay(t *testing.T) {
	in := time.Date(2026, time.March, 2, 18, 45, 12, 999, time.FixedZone("X", 3600))
	got := scheduling.TruncateToDay(in)
	assert.Equal(t, time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC), got)
}
