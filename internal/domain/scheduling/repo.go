package scheduling

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/domain/identity"
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// ListByPatient and ListByProvider order by appointment date, newest first.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Appointment, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*Appointment, error)
	// FindOverlapping returns the provider's pending or approved
	// appointments strictly overlapping w, skipping excludeID when set.
	FindOverlapping(ctx context.Context, providerID uuid.UUID, w Window, excludeID *uuid.UUID) ([]*Appointment, error)
	// WithProviderLock runs fn as one unit of work that excludes every
	// other WithProviderLock call for the same provider. Writes made through
	// ctx inside fn commit or roll back together.
	WithProviderLock(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error
}

type AvailabilityRepository interface {
	Add(ctx context.Context, s *AvailabilitySlot) error
	// ListActive orders by day of week, then start time.
	ListActive(ctx context.Context, providerID uuid.UUID) ([]*AvailabilitySlot, error)
	ListActiveForDay(ctx context.Context, providerID uuid.UUID, dayOfWeek int) ([]*AvailabilitySlot, error)
	// Remove deletes the slot only when providerID owns it.
	Remove(ctx context.Context, providerID, slotID uuid.UUID) (*AvailabilitySlot, error)
}

// Directory resolves accounts. It is implemented by the identity service.
type Directory interface {
	// LookupProvider fails with apperr.ErrNotFound unless id is a provider.
	LookupProvider(ctx context.Context, id uuid.UUID) (*identity.PublicProfile, error)
	Profiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]identity.PublicProfile, error)
	ListProviders(ctx context.Context) ([]identity.PublicProfile, error)
}
