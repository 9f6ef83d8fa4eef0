package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
)

// =========== Appointment Repository ===========

type appointmentRepoMemory struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Appointment

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewAppointmentRepoMemory returns a process-local store. WithProviderLock
// serialises on a per-provider mutex.
func NewAppointmentRepoMemory() AppointmentRepository {
	return &appointmentRepoMemory{
		items: make(map[uuid.UUID]*Appointment),
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (r *appointmentRepoMemory) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	r.items[a.ID] = a.clone()
	return nil
}

func (r *appointmentRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return nil, apperr.NotFound(msgAppointmentNotFound)
	}
	return a.clone(), nil
}

func (r *appointmentRepoMemory) Update(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[a.ID]; !ok {
		return apperr.NotFound(msgAppointmentNotFound)
	}
	a.UpdatedAt = time.Now().UTC()
	r.items[a.ID] = a.clone()
	return nil
}

func (r *appointmentRepoMemory) list(match func(*Appointment) bool) []*Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Appointment
	for _, a := range r.items {
		if match(a) {
			result = append(result, a.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AppointmentDate.After(result[j].AppointmentDate)
	})
	return result
}

func (r *appointmentRepoMemory) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Appointment, error) {
	return r.list(func(a *Appointment) bool { return a.PatientID == patientID }), nil
}

func (r *appointmentRepoMemory) ListByProvider(_ context.Context, providerID uuid.UUID) ([]*Appointment, error) {
	return r.list(func(a *Appointment) bool { return a.ProviderID == providerID }), nil
}

func (r *appointmentRepoMemory) FindOverlapping(_ context.Context, providerID uuid.UUID, w Window, excludeID *uuid.UUID) ([]*Appointment, error) {
	return r.list(func(a *Appointment) bool {
		if a.ProviderID != providerID || !a.Status.Active() {
			return false
		}
		if excludeID != nil && a.ID == *excludeID {
			return false
		}
		return a.Window().Overlaps(w)
	}), nil
}

func (r *appointmentRepoMemory) WithProviderLock(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error {
	r.locksMu.Lock()
	l, ok := r.locks[providerID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[providerID] = l
	}
	r.locksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// =========== Availability Repository ===========

type availabilityRepoMemory struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*AvailabilitySlot
}

func NewAvailabilityRepoMemory() AvailabilityRepository {
	return &availabilityRepoMemory{items: make(map[uuid.UUID]*AvailabilitySlot)}
}

func (r *availabilityRepoMemory) Add(_ context.Context, s *AvailabilitySlot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	c := *s
	r.items[s.ID] = &c
	return nil
}

func (r *availabilityRepoMemory) listActive(match func(*AvailabilitySlot) bool) []*AvailabilitySlot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*AvailabilitySlot
	for _, s := range r.items {
		if s.IsActive && match(s) {
			c := *s
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DayOfWeek != result[j].DayOfWeek {
			return result[i].DayOfWeek < result[j].DayOfWeek
		}
		return result[i].StartTime < result[j].StartTime
	})
	return result
}

func (r *availabilityRepoMemory) ListActive(_ context.Context, providerID uuid.UUID) ([]*AvailabilitySlot, error) {
	return r.listActive(func(s *AvailabilitySlot) bool { return s.ProviderID == providerID }), nil
}

func (r *availabilityRepoMemory) ListActiveForDay(_ context.Context, providerID uuid.UUID, dayOfWeek int) ([]*AvailabilitySlot, error) {
	return r.listActive(func(s *AvailabilitySlot) bool {
		return s.ProviderID == providerID && s.DayOfWeek == dayOfWeek
	}), nil
}

func (r *availabilityRepoMemory) Remove(_ context.Context, providerID, slotID uuid.UUID) (*AvailabilitySlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[slotID]
	if !ok || s.ProviderID != providerID {
		return nil, apperr.NotFound(msgAvailabilityNotFound)
	}
	delete(r.items, slotID)
	return s, nil
}
