package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/careloop/scheduling/internal/redis"
)

var (
	// ErrCalendarBusy means another caller holds the creation lock for the
	// same (provider, date); the calendar will exist shortly, re-query.
	ErrCalendarBusy = errors.New("calendar is being generated, please retry")
)

// Generator keeps calendar coverage materialized ahead of demand. It only
// ever creates calendars with zero occupancy; it never touches an existing
// calendar's slots.
type Generator struct {
	repo     Repository
	locker   redisclient.Locker
	defaults Preferences
	log      zerolog.Logger
}

func NewGenerator(repo Repository, locker redisclient.Locker, defaults Preferences, log zerolog.Logger) *Generator {
	return &Generator{
		repo:     repo,
		locker:   locker,
		defaults: defaults,
		log:      log,
	}
}

// EnsureHorizon guarantees calendars exist for the next horizonDays working
// days. Each date is an independent unit of work: one date failing is logged
// and does not abort the rest of the batch.
func (g *Generator) EnsureHorizon(ctx context.Context, providerID uuid.UUID, horizonDays int) error {
	if horizonDays < 1 {
		return fmt.Errorf("%w: horizon must be at least 1 day", ErrInvalidInput)
	}

	prefs, err := g.preferencesFor(ctx, providerID)
	if err != nil {
		return err
	}

	today := TruncateToDay(time.Now())
	for i := 1; i <= horizonDays; i++ {
		date := today.AddDate(0, 0, i)
		if !prefs.WorkingDays[date.Weekday()] {
			continue
		}
		if _, err := g.ensureCalendar(ctx, providerID, date, prefs); err != nil {
			g.log.Warn().
				Err(err).
				Str("provider_id", providerID.String()).
				Str("date", date.Format("2006-01-02")).
				Msg("horizon generation failed for date")
		}
	}
	return nil
}

// GenerateRange synthesizes calendars for an explicit date range. Passing
// nil preferences uses the provider's stored preferences (or the configured
// defaults). Idempotent: dates that already have a calendar are returned
// unchanged.
func (g *Generator) GenerateRange(ctx context.Context, providerID uuid.UUID, start, end time.Time, prefs *Preferences) ([]Calendar, error) {
	start = TruncateToDay(start)
	end = TruncateToDay(end)
	if end.Before(start) {
		return nil, fmt.Errorf("%w: range end before start", ErrInvalidInput)
	}

	effective := prefs
	if effective == nil {
		p, err := g.preferencesFor(ctx, providerID)
		if err != nil {
			return nil, err
		}
		effective = p
	}

	var calendars []Calendar
	for date := start; !date.After(end); date = date.AddDate(0, 0, 1) {
		if !effective.WorkingDays[date.Weekday()] {
			continue
		}
		cal, err := g.ensureCalendar(ctx, providerID, date, effective)
		if err != nil {
			g.log.Warn().
				Err(err).
				Str("provider_id", providerID.String()).
				Str("date", date.Format("2006-01-02")).
				Msg("range generation failed for date")
			continue
		}
		calendars = append(calendars, *cal)
	}
	return calendars, nil
}

// EnsureDate is the lazy-creation entry point used by the booking engine on
// the first booking request for an uncovered date.
func (g *Generator) EnsureDate(ctx context.Context, providerID uuid.UUID, date time.Time) (*Calendar, error) {
	prefs, err := g.preferencesFor(ctx, providerID)
	if err != nil {
		return nil, err
	}
	date = TruncateToDay(date)
	if !prefs.WorkingDays[date.Weekday()] {
		return nil, ErrCalendarNotFound
	}
	return g.ensureCalendar(ctx, providerID, date, prefs)
}

// PruneStale reclaims calendars whose date elapsed more than retentionDays
// ago. Appointments are untouched; only the calendar records go.
func (g *Generator) PruneStale(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("%w: retention must not be negative", ErrInvalidInput)
	}
	cutoff := TruncateToDay(time.Now()).AddDate(0, 0, -retentionDays)
	return g.repo.DeleteCalendarsBefore(ctx, cutoff)
}

func (g *Generator) preferencesFor(ctx context.Context, providerID uuid.UUID) (*Preferences, error) {
	prefs, err := g.repo.GetPreferences(ctx, providerID)
	if err != nil {
		if errors.Is(err, ErrPreferencesNotFound) {
			defaults := g.defaults
			return &defaults, nil
		}
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	return prefs, nil
}

// ensureCalendar returns the existing calendar for the date or creates one
// under the per-(provider, date) lock. The upsert itself is idempotent, so
// even a lost lock cannot produce a duplicate; the lock just keeps the lazy
// booking path and the horizon worker from doing redundant work.
func (g *Generator) ensureCalendar(ctx context.Context, providerID uuid.UUID, date time.Time, prefs *Preferences) (*Calendar, error) {
	existing, err := g.repo.GetCalendar(ctx, providerID, date)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrCalendarNotFound) {
		return nil, fmt.Errorf("load calendar: %w", err)
	}

	slots, err := BuildSlots(*prefs)
	if err != nil {
		return nil, err
	}

	var created *Calendar
	lockErr := g.locker.WithCalendarLock(ctx, providerID, date, func(lockCtx context.Context) error {
		cal, err := g.repo.UpsertCalendar(lockCtx, providerID, date, slots)
		if err != nil {
			return fmt.Errorf("upsert calendar: %w", err)
		}
		created = cal
		return nil
	})
	if lockErr != nil {
		if errors.Is(lockErr, redisclient.ErrLockNotAcquired) {
			// Another creator is at work; it may already have committed.
			if cal, err := g.repo.GetCalendar(ctx, providerID, date); err == nil {
				return cal, nil
			}
			return nil, ErrCalendarBusy
		}
		return nil, lockErr
	}
	return created, nil
}

// BuildSlots slices the working-hour window into fixed-duration slots with
// the preference's default capacity. A trailing remainder shorter than the
// slot duration is dropped.
func BuildSlots(prefs Preferences) ([]Slot, error) {
	start, err := parseClock(prefs.WorkdayStart)
	if err != nil {
		return nil, fmt.Errorf("%w: workday start %q: %v", ErrInvalidInput, prefs.WorkdayStart, err)
	}
	end, err := parseClock(prefs.WorkdayEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: workday end %q: %v", ErrInvalidInput, prefs.WorkdayEnd, err)
	}
	if start >= end {
		return nil, fmt.Errorf("%w: workday start must be before end", ErrInvalidInput)
	}

	step := int(prefs.SlotDuration.Minutes())
	if step < 1 {
		return nil, fmt.Errorf("%w: slot duration must be at least one minute", ErrInvalidInput)
	}
	capacity := prefs.SlotCapacity
	if capacity < 1 {
		capacity = 1
	}

	var slots []Slot
	for at := start; at+step <= end; at += step {
		s := Slot{
			StartTime: formatClock(at),
			EndTime:   formatClock(at + step),
			Capacity:  capacity,
		}
		recomputeOpen(&s)
		slots = append(slots, s)
	}
	return slots, nil
}
