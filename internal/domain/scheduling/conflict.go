package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// ConflictChecker answers whether a provider already holds an active
// appointment overlapping a window.
type ConflictChecker struct {
	appointments AppointmentRepository
}

func NewConflictChecker(appointments AppointmentRepository) *ConflictChecker {
	return &ConflictChecker{appointments: appointments}
}

// HasConflict is true iff FindOverlapping returns anything. Pass the moved
// appointment as excludeID when rescheduling so it does not collide with
// itself.
func (c *ConflictChecker) HasConflict(ctx context.Context, providerID uuid.UUID, w Window, excludeID *uuid.UUID) (bool, error) {
	found, err := c.appointments.FindOverlapping(ctx, providerID, w, excludeID)
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}
