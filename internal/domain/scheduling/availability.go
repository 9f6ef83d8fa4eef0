package scheduling

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
)

// AvailabilityValidator checks windows against a provider's declared weekly
// hours.
type AvailabilityValidator struct {
	slots AvailabilityRepository
}

func NewAvailabilityValidator(slots AvailabilityRepository) *AvailabilityValidator {
	return &AvailabilityValidator{slots: slots}
}

// IsWithinAvailability is true when the active slots for the window's UTC
// weekday cover it. Overlapping or adjacent slots count as one continuous
// stretch. A window crossing midnight is a validation error.
func (v *AvailabilityValidator) IsWithinAvailability(ctx context.Context, providerID uuid.UUID, w Window) (bool, error) {
	day, start, end, err := w.wallClock()
	if err != nil {
		return false, err
	}
	slots, err := v.slots.ListActiveForDay(ctx, providerID, int(day))
	if err != nil {
		return false, err
	}
	return covered(slots, start, end), nil
}

// HasDeclaredAvailability reports whether the provider has any active slot.
func (v *AvailabilityValidator) HasDeclaredAvailability(ctx context.Context, providerID uuid.UUID) (bool, error) {
	slots, err := v.slots.ListActive(ctx, providerID)
	if err != nil {
		return false, err
	}
	return len(slots) > 0, nil
}

type span struct{ from, to int }

func covered(slots []*AvailabilitySlot, start, end int) bool {
	spans := make([]span, 0, len(slots))
	for _, s := range slots {
		from, err1 := parseClock(s.StartTime)
		to, err2 := parseClock(s.EndTime)
		if err1 != nil || err2 != nil || from >= to {
			continue
		}
		spans = append(spans, span{from, to})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].from < spans[j].from })

	var cur span
	open := false
	for _, sp := range spans {
		if open && sp.from <= cur.to {
			if sp.to > cur.to {
				cur.to = sp.to
			}
			continue
		}
		if open && cur.from <= start && end <= cur.to {
			return true
		}
		cur, open = sp, true
	}
	return open && cur.from <= start && end <= cur.to
}

// validateSlot normalises and checks a slot request.
func validateSlot(req SlotRequest) (*AvailabilitySlot, error) {
	if req.DayOfWeek == nil {
		return nil, apperr.Validation("dayOfWeek is required")
	}
	if *req.DayOfWeek < 0 || *req.DayOfWeek > 6 {
		return nil, apperr.Validation("dayOfWeek must be between 0 and 6")
	}
	if req.StartTime == "" || req.EndTime == "" {
		return nil, apperr.Validation("startTime and endTime are required")
	}
	from, err := parseClock(req.StartTime)
	if err != nil || from == secondsPerDay {
		return nil, apperr.Validation("invalid startTime %q, expected HH:MM", req.StartTime)
	}
	to, err := parseClock(req.EndTime)
	if err != nil {
		return nil, apperr.Validation("invalid endTime %q, expected HH:MM", req.EndTime)
	}
	if from >= to {
		return nil, apperr.Validation("startTime must be before endTime")
	}
	return &AvailabilitySlot{
		DayOfWeek: *req.DayOfWeek,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		IsActive:  true,
	}, nil
}
