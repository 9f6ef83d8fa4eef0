package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestHasConflict(t *testing.T) {
	repo := NewAppointmentRepoMemory()
	checker := NewConflictChecker(repo)
	ctx := context.Background()
	provider := uuid.New()

	existing := &Appointment{
		ID:              uuid.New(),
		PatientID:       uuid.New(),
		ProviderID:      provider,
		AppointmentDate: at("2024-03-01T10:00"),
		Duration:        30,
		Status:          StatusApproved,
		Reason:          "checkup",
	}
	if err := repo.Create(ctx, existing); err != nil {
		t.Fatal(err)
	}
	inactive := &Appointment{
		ID:              uuid.New(),
		PatientID:       uuid.New(),
		ProviderID:      provider,
		AppointmentDate: at("2024-03-01T11:00"),
		Duration:        30,
		Status:          StatusCancelled,
		Reason:          "checkup",
	}
	if err := repo.Create(ctx, inactive); err != nil {
		t.Fatal(err)
	}

	window := func(start string, minutes int) Window {
		s := at(start)
		return Window{Start: s, End: s.Add(time.Duration(minutes) * time.Minute)}
	}

	tests := []struct {
		name     string
		provider uuid.UUID
		w        Window
		exclude  *uuid.UUID
		want     bool
	}{
		{"overlapping start", provider, window("2024-03-01T10:15", 30), nil, true},
		{"enclosing", provider, window("2024-03-01T09:00", 120), nil, true},
		{"ends at existing start", provider, window("2024-03-01T09:30", 30), nil, false},
		{"starts at existing end", provider, window("2024-03-01T10:30", 30), nil, false},
		{"overlaps only a cancelled one", provider, window("2024-03-01T11:00", 30), nil, false},
		{"other provider", uuid.New(), window("2024-03-01T10:00", 30), nil, false},
		{"excluding itself", provider, window("2024-03-01T10:10", 30), &existing.ID, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := checker.HasConflict(ctx, tt.provider, tt.w, tt.exclude)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("HasConflict = %v, want %v", got, tt.want)
			}
		})
	}
}
