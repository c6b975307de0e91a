package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the occupancy
// update can run standalone or inside a booking transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const appointmentCols = `id, provider_id, patient_id, calendar_id, appointment_date,
	start_time, end_time, status, appt_type, reason, notes,
	cancellation_reason, cancelled_by, cancelled_at, created_at, updated_at`

// Helpers

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.Name, &p.Specialty, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.StartTime, &s.EndTime, &s.Capacity, &s.Occupied, &s.Open)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.ProviderID,
		&a.PatientID,
		&a.CalendarID,
		&a.Date,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.Type,
		&a.Reason,
		&a.Notes,
		&a.CancellationReason,
		&a.CancelledBy,
		&a.CancelledAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	a.Date = TruncateToDay(a.Date)
	return &a, nil
}

func scanCalendar(ctx context.Context, q querier, row pgx.Row) (*Calendar, error) {
	var c Calendar
	err := row.Scan(&c.ID, &c.ProviderID, &c.Date, &c.Active, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCalendarNotFound
		}
		return nil, err
	}
	c.Date = TruncateToDay(c.Date)

	rows, err := q.Query(ctx, `
		SELECT start_time, end_time, capacity, occupied, open
		FROM calendar_slots
		WHERE calendar_id = $1
		ORDER BY start_time
	`, c.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s Slot
		if err := rows.Scan(&s.StartTime, &s.EndTime, &s.Capacity, &s.Occupied, &s.Open); err != nil {
			return nil, err
		}
		c.Slots = append(c.Slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Providers and patients

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, active, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) ListActiveProviderIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM providers WHERE active ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PgRepository) GetPreferences(ctx context.Context, providerID uuid.UUID) (*Preferences, error) {
	var (
		p           Preferences
		durationMin int
		workingDays []bool
	)
	err := r.pool.QueryRow(ctx, `
		SELECT workday_start, workday_end, slot_duration_minutes, slot_capacity, working_days
		FROM provider_preferences
		WHERE provider_id = $1
	`, providerID).Scan(&p.WorkdayStart, &p.WorkdayEnd, &durationMin, &p.SlotCapacity, &workingDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPreferencesNotFound
		}
		return nil, err
	}

	p.SlotDuration = time.Duration(durationMin) * time.Minute
	for i := 0; i < len(workingDays) && i < 7; i++ {
		p.WorkingDays[i] = workingDays[i]
	}
	return &p, nil
}

// Calendar store

func (r *PgRepository) UpsertCalendar(ctx context.Context, providerID uuid.UUID, date time.Time, slots []Slot) (*Calendar, error) {
	date = TruncateToDay(date)
	if err := validateCalendarWrite(date, slots, time.Now()); err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	id := uuid.New()
	var insertedID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO calendars (id, provider_id, calendar_date, active, created_at, updated_at)
		VALUES ($1, $2, $3, true, now(), now())
		ON CONFLICT (provider_id, calendar_date) DO NOTHING
		RETURNING id
	`, id, providerID, date).Scan(&insertedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already exists: idempotent, return the existing record unchanged.
			return r.GetCalendar(ctx, providerID, date)
		}
		return nil, err
	}

	for _, s := range slots {
		recomputeOpen(&s)
		_, err := tx.Exec(ctx, `
			INSERT INTO calendar_slots (calendar_id, start_time, end_time, capacity, occupied, open)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, insertedID, s.StartTime, s.EndTime, s.Capacity, s.Occupied, s.Open)
		if err != nil {
			return nil, fmt.Errorf("insert calendar slot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return r.GetCalendarByID(ctx, insertedID)
}

func (r *PgRepository) GetCalendar(ctx context.Context, providerID uuid.UUID, date time.Time) (*Calendar, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, provider_id, calendar_date, active, notes, created_at, updated_at
		FROM calendars
		WHERE provider_id = $1 AND calendar_date = $2
	`, providerID, TruncateToDay(date))
	return scanCalendar(ctx, r.pool, row)
}

func (r *PgRepository) GetCalendarByID(ctx context.Context, id uuid.UUID) (*Calendar, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, provider_id, calendar_date, active, notes, created_at, updated_at
		FROM calendars
		WHERE id = $1
	`, id)
	return scanCalendar(ctx, r.pool, row)
}

func (r *PgRepository) SetCalendarActive(ctx context.Context, id uuid.UUID, active bool, notes *string) (*Calendar, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE calendars
		SET active = $2,
		    notes = COALESCE($3, notes),
		    updated_at = now()
		WHERE id = $1
	`, id, active, notes)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrCalendarNotFound
	}
	return r.GetCalendarByID(ctx, id)
}

func (r *PgRepository) DeleteCalendar(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM calendars WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCalendarNotFound
	}
	return nil
}

func (r *PgRepository) DeleteCalendarsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM calendars WHERE calendar_date < $1
	`, TruncateToDay(cutoff))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Occupancy

func (r *PgRepository) AdjustSlotOccupancy(ctx context.Context, calendarID uuid.UUID, startTime, endTime string, delta int) (*Slot, error) {
	return adjustSlotOccupancy(ctx, r.pool, calendarID, startTime, endTime, delta)
}

// adjustSlotOccupancy is the load-bearing conditional update: the capacity
// check, the counter change and the open-flag recomputation happen in a
// single statement, so two racing +1 callers can never both commit past
// capacity. Negative deltas clamp at zero.
func adjustSlotOccupancy(ctx context.Context, q querier, calendarID uuid.UUID, startTime, endTime string, delta int) (*Slot, error) {
	row := q.QueryRow(ctx, `
		UPDATE calendar_slots
		SET occupied = GREATEST(occupied + $4, 0),
		    open = GREATEST(occupied + $4, 0) < capacity
		WHERE calendar_id = $1
		  AND start_time = $2
		  AND end_time = $3
		  AND ($4 <= 0 OR occupied + $4 <= capacity)
		RETURNING start_time, end_time, capacity, occupied, open
	`, calendarID, startTime, endTime, delta)

	slot, err := scanSlot(row)
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, ErrSlotNotFound) {
		return nil, err
	}

	// No row matched: either the slot does not exist or the capacity guard
	// rejected the increment. Distinguish for the caller.
	var exists bool
	checkErr := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM calendar_slots
			WHERE calendar_id = $1 AND start_time = $2 AND end_time = $3
		)
	`, calendarID, startTime, endTime).Scan(&exists)
	if checkErr != nil {
		return nil, checkErr
	}
	if exists {
		return nil, ErrSlotFull
	}
	return nil, ErrSlotNotFound
}

// releaseSlotOccupancy decrements clamped at zero and tolerates a missing
// slot: a pruned calendar must not block cancellation of its appointments.
func releaseSlotOccupancy(ctx context.Context, q querier, calendarID uuid.UUID, startTime, endTime string) error {
	_, err := adjustSlotOccupancy(ctx, q, calendarID, startTime, endTime, -1)
	if err != nil && !errors.Is(err, ErrSlotNotFound) {
		return err
	}
	return nil
}

// Appointments

func (r *PgRepository) BookSlot(ctx context.Context, appt *Appointment) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var duplicate bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE provider_id = $1 AND patient_id = $2
			  AND appointment_date = $3 AND start_time = $4 AND end_time = $5
			  AND status <> 'cancelled'
		)
	`, appt.ProviderID, appt.PatientID, TruncateToDay(appt.Date), appt.StartTime, appt.EndTime).Scan(&duplicate)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, ErrDuplicateBooking
	}

	if _, err := adjustSlotOccupancy(ctx, tx, appt.CalendarID, appt.StartTime, appt.EndTime, +1); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, provider_id, patient_id, calendar_id, appointment_date,
			start_time, end_time, status, appt_type, reason, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'scheduled', $8, $9, $10, now(), now())
		RETURNING `+appointmentCols+`
	`, appt.ID, appt.ProviderID, appt.PatientID, appt.CalendarID, TruncateToDay(appt.Date),
		appt.StartTime, appt.EndTime, appt.Type, appt.Reason, appt.Notes)

	created, err := scanAppointment(row)
	if err != nil {
		// The partial unique index on active (patient, slot) closes the race
		// the EXISTS check above cannot see under read committed.
		if isUniqueViolation(err) {
			return nil, ErrDuplicateBooking
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) FindActiveAppointment(ctx context.Context, providerID, patientID uuid.UUID, date time.Time, startTime, endTime string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE provider_id = $1 AND patient_id = $2
		  AND appointment_date = $3 AND start_time = $4 AND end_time = $5
		  AND status <> 'cancelled'
		LIMIT 1
	`, providerID, patientID, TruncateToDay(date), startTime, endTime)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY appointment_date DESC, start_time DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *PgRepository) ListAppointmentsByProviderDate(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE provider_id = $1 AND appointment_date = $2
		ORDER BY start_time
	`, providerID, TruncateToDay(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) CancelAppointment(ctx context.Context, id uuid.UUID, reason, cancelledBy string) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancellation_reason = $2,
		    cancelled_by = $3,
		    cancelled_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND status NOT IN ('cancelled', 'completed')
		RETURNING `+appointmentCols+`
	`, id, reason, cancelledBy)

	cancelled, err := scanAppointment(row)
	if err != nil {
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		// Guard matched nothing: missing row or terminal status.
		var status AppointmentStatus
		checkErr := tx.QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1`, id).Scan(&status)
		if checkErr != nil {
			if errors.Is(checkErr, pgx.ErrNoRows) {
				return nil, ErrAppointmentNotFound
			}
			return nil, checkErr
		}
		return nil, ErrInvalidTransition
	}

	if err := releaseSlotOccupancy(ctx, tx, cancelled.CalendarID, cancelled.StartTime, cancelled.EndTime); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentCols+`
	`, id, to, from)

	updated, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Missing row or a racing writer changed the status first.
			var status AppointmentStatus
			checkErr := r.pool.QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1`, id).Scan(&status)
			if checkErr != nil {
				if errors.Is(checkErr, pgx.ErrNoRows) {
					return nil, ErrAppointmentNotFound
				}
				return nil, checkErr
			}
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) RescheduleAppointment(ctx context.Context, id uuid.UUID, newCalendarID uuid.UUID, newDate time.Time, newStartTime, newEndTime string) (*Appointment, error) {
	newDate = TruncateToDay(newDate)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	current, err := scanAppointment(row)
	if err != nil {
		return nil, err
	}
	if IsTerminal(current.Status) {
		return nil, ErrInvalidTransition
	}

	var duplicate bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE provider_id = $1 AND patient_id = $2
			  AND appointment_date = $3 AND start_time = $4 AND end_time = $5
			  AND status <> 'cancelled'
			  AND id <> $6
		)
	`, current.ProviderID, current.PatientID, newDate, newStartTime, newEndTime, id).Scan(&duplicate)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, ErrDuplicateBooking
	}

	// Acquire the new slot first; if it is full the transaction rolls back
	// and the old slot's occupancy is untouched.
	if _, err := adjustSlotOccupancy(ctx, tx, newCalendarID, newStartTime, newEndTime, +1); err != nil {
		return nil, err
	}

	moved := tx.QueryRow(ctx, `
		UPDATE appointments
		SET calendar_id = $2,
		    appointment_date = $3,
		    start_time = $4,
		    end_time = $5,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentCols+`
	`, id, newCalendarID, newDate, newStartTime, newEndTime)
	updated, err := scanAppointment(moved)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateBooking
		}
		return nil, err
	}

	if err := releaseSlotOccupancy(ctx, tx, current.CalendarID, current.StartTime, current.EndTime); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	current, err := scanAppointment(row)
	if err != nil {
		return err
	}

	// A cancelled appointment already released its occupancy.
	if current.Status != StatusCancelled {
		if err := releaseSlotOccupancy(ctx, tx, current.CalendarID, current.StartTime, current.EndTime); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
