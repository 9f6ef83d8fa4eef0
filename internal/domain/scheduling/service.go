package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicflow/clinicflow/internal/domain/identity"
	"github.com/clinicflow/clinicflow/internal/platform/apperr"
	"github.com/clinicflow/clinicflow/internal/platform/auth"
	"github.com/clinicflow/clinicflow/internal/platform/events"
	"github.com/clinicflow/clinicflow/internal/platform/metrics"
	"github.com/clinicflow/clinicflow/internal/platform/telemetry"
)

const (
	msgProviderNotFound     = "Provider not found"
	msgSlotTaken            = "This time slot is already booked"
	msgAppointmentNotFound  = "Appointment not found"
	msgAvailabilityNotFound = "Availability not found"
	msgCannotCancel         = "Cannot cancel this appointment"
	msgCannotReschedule     = "Cannot reschedule this appointment"
	msgOutsideAvailability  = "Requested time is outside the provider's availability"
)

// Event types written to the outbox.
const (
	EventBooked        = "appointment.booked.v1"
	EventCancelled     = "appointment.cancelled.v1"
	EventRescheduled   = "appointment.rescheduled.v1"
	EventStatusChanged = "appointment.status_changed.v1"

	aggregateAppointment = "appointment"
)

// AppointmentEvent is the payload of every appointment lifecycle event.
type AppointmentEvent struct {
	AppointmentID   uuid.UUID `json:"appointmentId"`
	PatientID       uuid.UUID `json:"patientId"`
	ProviderID      uuid.UUID `json:"providerId"`
	AppointmentDate time.Time `json:"appointmentDate"`
	Duration        int       `json:"duration"`
	Status          Status    `json:"status"`
	PreviousStatus  Status    `json:"previousStatus,omitempty"`
	ActorID         uuid.UUID `json:"actorId"`
}

// Service is the scheduling engine. It authorizes every intent, checks
// availability and conflicts, applies the status state machine and persists
// through the stores.
type Service struct {
	appointments AppointmentRepository
	slots        AvailabilityRepository
	directory    Directory
	outbox       events.Outbox
	conflicts    *ConflictChecker
	availability *AvailabilityValidator
	logger       zerolog.Logger
	metrics      *metrics.SchedulingMetrics
	tracer       trace.Tracer

	enforceAvailability bool
}

type Option func(*Service)

func WithMetrics(m *metrics.SchedulingMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithAvailabilityEnforcement turns the declared-hours check on booking and
// rescheduling on or off. It is on by default.
func WithAvailabilityEnforcement(on bool) Option {
	return func(s *Service) { s.enforceAvailability = on }
}

func NewService(appointments AppointmentRepository, slots AvailabilityRepository, directory Directory, outbox events.Outbox, logger zerolog.Logger, opts ...Option) *Service {
	if outbox == nil {
		outbox = events.Discard{}
	}
	s := &Service{
		appointments:        appointments,
		slots:               slots,
		directory:           directory,
		outbox:              outbox,
		conflicts:           NewConflictChecker(appointments),
		availability:        NewAvailabilityValidator(slots),
		logger:              logger.With().Str("component", "scheduling").Logger(),
		tracer:              otel.Tracer("clinicflow/scheduling"),
		enforceAvailability: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) start(ctx context.Context, op string, caller auth.Caller) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "scheduling."+op, trace.WithAttributes(
		attribute.String("caller.id", caller.UserID.String()),
		attribute.String("caller.role", caller.Role),
	))
}

func (s *Service) finish(span trace.Span, op string, err error) {
	telemetry.SpanError(span, err)
	span.End()
	s.metrics.ObserveOperation(op, outcome(err))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrConflict):
		return "conflict"
	case errors.Is(err, apperr.ErrValidation):
		return "invalid"
	case errors.Is(err, apperr.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrForbidden), errors.Is(err, apperr.ErrUnauthorized):
		return "denied"
	default:
		return "error"
	}
}

// ensureSlotFree runs the availability and conflict checks for a proposed
// window. It must be called under the provider lock.
func (s *Service) ensureSlotFree(ctx context.Context, op string, providerID uuid.UUID, w Window, excludeID *uuid.UUID) error {
	taken, err := s.conflicts.HasConflict(ctx, providerID, w, excludeID)
	if err != nil {
		return err
	}
	if taken {
		s.metrics.ObserveConflict(op, "check")
		return apperr.Conflict(msgSlotTaken)
	}
	return nil
}

// checkAvailability rejects windows that cross midnight UTC, then consults
// declared hours. A provider who has declared none accepts any same-day
// window.
func (s *Service) checkAvailability(ctx context.Context, providerID uuid.UUID, w Window) error {
	if _, _, _, err := w.wallClock(); err != nil {
		return err
	}
	if !s.enforceAvailability {
		return nil
	}
	declared, err := s.availability.HasDeclaredAvailability(ctx, providerID)
	if err != nil || !declared {
		return err
	}
	ok, err := s.availability.IsWithinAvailability(ctx, providerID, w)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Validation(msgOutsideAvailability)
	}
	return nil
}

// locked runs fn under the provider lock and records how long it was held.
func (s *Service) locked(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error {
	started := time.Now()
	err := s.appointments.WithProviderLock(ctx, providerID, fn)
	s.metrics.ObserveLockHeld(time.Since(started).Seconds())
	return err
}

func (s *Service) emit(ctx context.Context, eventType string, a *Appointment, previous Status, actor uuid.UUID) error {
	evt, err := events.NewEvent(ctx, aggregateAppointment, a.ID.String(), eventType, AppointmentEvent{
		AppointmentID:   a.ID,
		PatientID:       a.PatientID,
		ProviderID:      a.ProviderID,
		AppointmentDate: a.AppointmentDate,
		Duration:        a.Duration,
		Status:          a.Status,
		PreviousStatus:  previous,
		ActorID:         actor,
	})
	if err != nil {
		return err
	}
	return s.outbox.Append(ctx, evt)
}

// ownedByPatient loads an appointment and hides it from anyone but its
// patient.
func (s *Service) ownedByPatient(ctx context.Context, id, patientID uuid.UUID) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.PatientID != patientID {
		return nil, apperr.NotFound(msgAppointmentNotFound)
	}
	return a, nil
}

func (s *Service) ownedByProvider(ctx context.Context, id, providerID uuid.UUID) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.ProviderID != providerID {
		return nil, apperr.NotFound(msgAppointmentNotFound)
	}
	return a, nil
}

// -- Patient intents --

// BookAppointment creates a pending appointment for the calling patient.
func (s *Service) BookAppointment(ctx context.Context, caller auth.Caller, req BookRequest) (a *Appointment, err error) {
	ctx, span := s.start(ctx, "book", caller)
	defer func() { s.finish(span, "book", err) }()

	if err := auth.Authorize(caller, auth.RolePatient); err != nil {
		return nil, err
	}
	if req.ProviderID == uuid.Nil {
		return nil, apperr.Validation("providerId is required")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.Validation("reason is required")
	}
	if req.ProviderID == caller.UserID {
		return nil, apperr.Validation("cannot book an appointment with yourself")
	}
	w, err := NewWindow(req.AppointmentDate, req.Duration)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("provider.id", req.ProviderID.String()))

	if _, err := s.directory.LookupProvider(ctx, req.ProviderID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound(msgProviderNotFound)
		}
		return nil, err
	}
	if err := s.checkAvailability(ctx, req.ProviderID, w); err != nil {
		return nil, err
	}

	a = &Appointment{
		ID:              uuid.New(),
		PatientID:       caller.UserID,
		ProviderID:      req.ProviderID,
		AppointmentDate: w.Start.UTC(),
		Duration:        w.Minutes(),
		Status:          StatusPending,
		Reason:          reason,
	}
	err = s.locked(ctx, req.ProviderID, func(ctx context.Context) error {
		if err := s.ensureSlotFree(ctx, "book", req.ProviderID, w, nil); err != nil {
			return err
		}
		if err := s.appointments.Create(ctx, a); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				s.metrics.ObserveConflict("book", "constraint")
			}
			return err
		}
		return s.emit(ctx, EventBooked, a, "", caller.UserID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("provider_id", a.ProviderID.String()).
		Time("appointment_date", a.AppointmentDate).
		Msg("appointment booked")
	return a, nil
}

// CancelAppointment cancels one of the calling patient's appointments.
func (s *Service) CancelAppointment(ctx context.Context, caller auth.Caller, id uuid.UUID) (a *Appointment, err error) {
	ctx, span := s.start(ctx, "cancel", caller)
	defer func() { s.finish(span, "cancel", err) }()

	if err := auth.Authorize(caller, auth.RolePatient); err != nil {
		return nil, err
	}
	current, err := s.ownedByPatient(ctx, id, caller.UserID)
	if err != nil {
		return nil, err
	}

	err = s.locked(ctx, current.ProviderID, func(ctx context.Context) error {
		a, err = s.ownedByPatient(ctx, id, caller.UserID)
		if err != nil {
			return err
		}
		previous := a.Status
		if !CanTransition(previous, StatusCancelled) {
			return apperr.InvalidTransition(msgCannotCancel)
		}
		a.Status = StatusCancelled
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		s.metrics.ObserveTransition(string(previous), string(a.Status))
		return s.emit(ctx, EventCancelled, a, previous, caller.UserID)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// RescheduleAppointment moves one of the calling patient's appointments to
// a new start, optionally with a new duration, and puts it back to pending.
func (s *Service) RescheduleAppointment(ctx context.Context, caller auth.Caller, id uuid.UUID, req RescheduleRequest) (a *Appointment, err error) {
	ctx, span := s.start(ctx, "reschedule", caller)
	defer func() { s.finish(span, "reschedule", err) }()

	if err := auth.Authorize(caller, auth.RolePatient); err != nil {
		return nil, err
	}
	current, err := s.ownedByPatient(ctx, id, caller.UserID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, apperr.InvalidTransition(msgCannotReschedule)
	}
	minutes := current.Duration
	if req.Duration != nil {
		if *req.Duration <= 0 {
			return nil, apperr.Validation("duration must be greater than 0")
		}
		minutes = *req.Duration
	}
	w, err := NewWindow(req.AppointmentDate, minutes)
	if err != nil {
		return nil, err
	}
	if err := s.checkAvailability(ctx, current.ProviderID, w); err != nil {
		return nil, err
	}

	err = s.locked(ctx, current.ProviderID, func(ctx context.Context) error {
		a, err = s.ownedByPatient(ctx, id, caller.UserID)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return apperr.InvalidTransition(msgCannotReschedule)
		}
		if err := s.ensureSlotFree(ctx, "reschedule", a.ProviderID, w, &a.ID); err != nil {
			return err
		}
		previous := a.Status
		a.AppointmentDate = w.Start.UTC()
		a.Duration = w.Minutes()
		a.Status = StatusPending
		a.RejectionReason = nil
		if err := s.appointments.Update(ctx, a); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				s.metrics.ObserveConflict("reschedule", "constraint")
			}
			return err
		}
		if previous != StatusPending {
			s.metrics.ObserveTransition(string(previous), string(a.Status))
		}
		return s.emit(ctx, EventRescheduled, a, previous, caller.UserID)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetPatientAppointments lists the caller's appointments, newest first,
// each with its provider's public profile.
func (s *Service) GetPatientAppointments(ctx context.Context, caller auth.Caller) ([]AppointmentView, error) {
	if err := auth.Authorize(caller, auth.RolePatient); err != nil {
		return nil, err
	}
	items, err := s.appointments.ListByPatient(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	return s.enrich(ctx, items, func(a *Appointment) uuid.UUID { return a.ProviderID }, func(v *AppointmentView, p *identity.PublicProfile) {
		v.Provider = p
	})
}

// -- Provider intents --

// GetProviderAppointments lists the caller's appointments, newest first,
// each with its patient's public profile.
func (s *Service) GetProviderAppointments(ctx context.Context, caller auth.Caller) ([]AppointmentView, error) {
	if err := auth.Authorize(caller, auth.RoleProvider); err != nil {
		return nil, err
	}
	items, err := s.appointments.ListByProvider(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	return s.enrich(ctx, items, func(a *Appointment) uuid.UUID { return a.PatientID }, func(v *AppointmentView, p *identity.PublicProfile) {
		v.Patient = p
	})
}

func (s *Service) enrich(ctx context.Context, items []*Appointment, party func(*Appointment) uuid.UUID, attach func(*AppointmentView, *identity.PublicProfile)) ([]AppointmentView, error) {
	views := make([]AppointmentView, 0, len(items))
	if len(items) == 0 {
		return views, nil
	}
	seen := make(map[uuid.UUID]bool, len(items))
	ids := make([]uuid.UUID, 0, len(items))
	for _, a := range items {
		if id := party(a); !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	profiles, err := s.directory.Profiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, a := range items {
		v := AppointmentView{Appointment: a}
		if p, ok := profiles[party(a)]; ok {
			attach(&v, &p)
		}
		views = append(views, v)
	}
	return views, nil
}

// UpdateAppointmentStatus applies a provider's decision. Only transitions in
// the transition table are accepted and a rejection needs a reason.
func (s *Service) UpdateAppointmentStatus(ctx context.Context, caller auth.Caller, id uuid.UUID, upd StatusUpdate) (a *Appointment, err error) {
	ctx, span := s.start(ctx, "update_status", caller)
	defer func() { s.finish(span, "update_status", err) }()

	if err := auth.Authorize(caller, auth.RoleProvider); err != nil {
		return nil, err
	}
	if !upd.Status.Valid() {
		return nil, apperr.Validation("invalid status %q", upd.Status)
	}
	var rejection *string
	if upd.Status == StatusRejected {
		if upd.RejectionReason == nil || strings.TrimSpace(*upd.RejectionReason) == "" {
			return nil, apperr.Validation("rejectionReason is required when rejecting an appointment")
		}
		r := strings.TrimSpace(*upd.RejectionReason)
		rejection = &r
	}
	span.SetAttributes(attribute.String("appointment.status", string(upd.Status)))

	err = s.locked(ctx, caller.UserID, func(ctx context.Context) error {
		a, err = s.ownedByProvider(ctx, id, caller.UserID)
		if err != nil {
			return err
		}
		previous := a.Status
		if !CanTransition(previous, upd.Status) {
			return apperr.InvalidTransition("Cannot change appointment from %s to %s", previous, upd.Status)
		}
		a.Status = upd.Status
		if rejection != nil {
			a.RejectionReason = rejection
		}
		if upd.Notes != nil {
			notes := strings.TrimSpace(*upd.Notes)
			a.Notes = &notes
		}
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		s.metrics.ObserveTransition(string(previous), string(a.Status))
		return s.emit(ctx, EventStatusChanged, a, previous, caller.UserID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("status", string(a.Status)).
		Msg("appointment status changed")
	return a, nil
}

// SetAvailability declares a weekly window for the calling provider.
func (s *Service) SetAvailability(ctx context.Context, caller auth.Caller, req SlotRequest) (*AvailabilitySlot, error) {
	if err := auth.Authorize(caller, auth.RoleProvider); err != nil {
		return nil, err
	}
	slot, err := validateSlot(req)
	if err != nil {
		return nil, err
	}
	slot.ProviderID = caller.UserID
	if err := s.slots.Add(ctx, slot); err != nil {
		return nil, err
	}
	return slot, nil
}

// GetAvailability lists the caller's active slots by day, then start time.
func (s *Service) GetAvailability(ctx context.Context, caller auth.Caller) ([]*AvailabilitySlot, error) {
	if err := auth.Authorize(caller, auth.RoleProvider); err != nil {
		return nil, err
	}
	slots, err := s.slots.ListActive(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if slots == nil {
		slots = []*AvailabilitySlot{}
	}
	return slots, nil
}

func (s *Service) DeleteAvailability(ctx context.Context, caller auth.Caller, slotID uuid.UUID) error {
	if err := auth.Authorize(caller, auth.RoleProvider); err != nil {
		return err
	}
	_, err := s.slots.Remove(ctx, caller.UserID, slotID)
	return err
}

// ListProviders is public.
func (s *Service) ListProviders(ctx context.Context) ([]identity.PublicProfile, error) {
	providers, err := s.directory.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	if providers == nil {
		providers = []identity.PublicProfile{}
	}
	return providers, nil
}
