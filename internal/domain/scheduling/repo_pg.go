package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
	"github.com/clinicflow/clinicflow/internal/platform/db"
)

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool db.Pool }

func NewAppointmentRepoPG(pool db.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, provider_id, appointment_date, duration_minutes, status,
	reason, notes, rejection_reason, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.ProviderID, &a.AppointmentDate, &a.Duration, &a.Status,
		&a.Reason, &a.Notes, &a.RejectionReason, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

// writeErr maps constraint failures onto the error taxonomy. The exclusion
// constraint backs up the advisory lock: if two writers ever slip past it,
// the second still gets a conflict.
func writeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsExclusionViolation(err):
		return apperr.Conflict(msgSlotTaken)
	case db.IsCheckViolation(err):
		return apperr.Validation("invalid appointment: %s", op)
	default:
		return fmt.Errorf("%s appointment: %w", op, err)
	}
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	w := a.Window()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, provider_id, appointment_date, ends_at,
			duration_minutes, status, reason, notes, rejection_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.ProviderID, w.Start, w.End,
		a.Duration, a.Status, a.Reason, a.Notes, a.RejectionReason).Scan(&a.CreatedAt, &a.UpdatedAt)
	return writeErr("create", err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if db.IsNotFound(err) {
		return nil, apperr.NotFound(msgAppointmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	w := a.Window()
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET appointment_date=$2, ends_at=$3, duration_minutes=$4, status=$5,
			notes=$6, rejection_reason=$7, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, w.Start, w.End, a.Duration, a.Status, a.Notes, a.RejectionReason).Scan(&a.UpdatedAt)
	if db.IsNotFound(err) {
		return apperr.NotFound(msgAppointmentNotFound)
	}
	return writeErr("update", err)
}

func (r *appointmentRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointments WHERE patient_id = $1 ORDER BY appointment_date DESC`, patientID)
}

func (r *appointmentRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointments WHERE provider_id = $1 ORDER BY appointment_date DESC`, providerID)
}

func (r *appointmentRepoPG) FindOverlapping(ctx context.Context, providerID uuid.UUID, w Window, excludeID *uuid.UUID) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE provider_id = $1
			AND status = ANY($2)
			AND appointment_date < $4
			AND ends_at > $3
			AND ($5::uuid IS NULL OR id <> $5)
		ORDER BY appointment_date`,
		providerID, activeStatusStrings(), w.Start, w.End, excludeID)
}

func activeStatusStrings() []string {
	out := make([]string, len(activeStatuses))
	for i, s := range activeStatuses {
		out[i] = string(s)
	}
	return out
}

// WithProviderLock opens (or joins) a transaction and takes a
// transaction-scoped advisory lock keyed by the provider.
func (r *appointmentRepoPG) WithProviderLock(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		if err := db.AdvisoryXactLock(ctx, r.conn(ctx), "provider:"+providerID.String()); err != nil {
			return err
		}
		return fn(ctx)
	})
}

// =========== Availability Repository ===========

type availabilityRepoPG struct{ pool db.Pool }

func NewAvailabilityRepoPG(pool db.Pool) AvailabilityRepository {
	return &availabilityRepoPG{pool: pool}
}

func (r *availabilityRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const slotCols = `id, provider_id, day_of_week, to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
	is_active, created_at, updated_at`

func (r *availabilityRepoPG) scanSlot(row pgx.Row) (*AvailabilitySlot, error) {
	var s AvailabilitySlot
	err := row.Scan(&s.ID, &s.ProviderID, &s.DayOfWeek, &s.StartTime, &s.EndTime,
		&s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *availabilityRepoPG) Add(ctx context.Context, s *AvailabilitySlot) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO availability_slots (id, provider_id, day_of_week, start_time, end_time, is_active)
		VALUES ($1, $2, $3, $4::time, $5::time, $6)
		RETURNING created_at, updated_at`,
		s.ID, s.ProviderID, s.DayOfWeek, s.StartTime, s.EndTime, s.IsActive).Scan(&s.CreatedAt, &s.UpdatedAt)
	if db.IsCheckViolation(err) {
		return apperr.Validation("invalid availability window")
	}
	if err != nil {
		return fmt.Errorf("add availability: %w", err)
	}
	return nil
}

func (r *availabilityRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*AvailabilitySlot, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	defer rows.Close()
	var items []*AvailabilitySlot
	for rows.Next() {
		s, err := r.scanSlot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *availabilityRepoPG) ListActive(ctx context.Context, providerID uuid.UUID) ([]*AvailabilitySlot, error) {
	return r.list(ctx, `SELECT `+slotCols+` FROM availability_slots
		WHERE provider_id = $1 AND is_active
		ORDER BY day_of_week, start_time`, providerID)
}

func (r *availabilityRepoPG) ListActiveForDay(ctx context.Context, providerID uuid.UUID, dayOfWeek int) ([]*AvailabilitySlot, error) {
	return r.list(ctx, `SELECT `+slotCols+` FROM availability_slots
		WHERE provider_id = $1 AND day_of_week = $2 AND is_active
		ORDER BY start_time`, providerID, dayOfWeek)
}

func (r *availabilityRepoPG) Remove(ctx context.Context, providerID, slotID uuid.UUID) (*AvailabilitySlot, error) {
	s, err := r.scanSlot(r.conn(ctx).QueryRow(ctx, `
		DELETE FROM availability_slots WHERE id = $1 AND provider_id = $2
		RETURNING `+slotCols, slotID, providerID))
	if db.IsNotFound(err) {
		return nil, apperr.NotFound(msgAvailabilityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("remove availability: %w", err)
	}
	return s, nil
}
