//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/domain/scheduling"
	"github.com/clinicflow/clinicflow/internal/platform/apperr"
	"github.com/clinicflow/clinicflow/internal/platform/auth"
	"github.com/clinicflow/clinicflow/internal/platform/db"
	"github.com/clinicflow/clinicflow/internal/platform/events"
)

func TestMigrations_AllApplied(t *testing.T) {
	statuses, err := db.NewMigrator(globalDB.Pool, globalDB.MigrationsDir).Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected migrations to be discovered")
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %d (%s) not applied", s.Version, s.Name)
		}
	}
}

func TestBooking_OverlapRefused(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	drx := e.account(t, "drx", auth.RoleProvider)
	alice := e.account(t, "alice", auth.RolePatient)
	bob := e.account(t, "bob", auth.RolePatient)

	if _, err := e.scheduling.BookAppointment(ctx, alice, scheduling.BookRequest{
		ProviderID: drx.UserID, AppointmentDate: at("2030-03-01T10:00"), Reason: "checkup",
	}); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	_, err := e.scheduling.BookAppointment(ctx, bob, scheduling.BookRequest{
		ProviderID: drx.UserID, AppointmentDate: at("2030-03-01T10:15"), Reason: "checkup",
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Back-to-back is fine.
	if _, err := e.scheduling.BookAppointment(ctx, bob, scheduling.BookRequest{
		ProviderID: drx.UserID, AppointmentDate: at("2030-03-01T10:30"), Reason: "checkup",
	}); err != nil {
		t.Fatalf("adjacent booking: %v", err)
	}
}

func TestBooking_ExclusionConstraintBackstop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	drx := e.account(t, "drx", auth.RoleProvider)
	alice := e.account(t, "alice", auth.RolePatient)
	bob := e.account(t, "bob", auth.RolePatient)

	repo := scheduling.NewAppointmentRepoPG(globalDB.Pool)
	first := &scheduling.Appointment{
		ID: uuid.New(), PatientID: alice.UserID, ProviderID: drx.UserID,
		AppointmentDate: at("2030-03-01T10:00"), Duration: 60, Status: scheduling.StatusApproved, Reason: "x",
	}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Written straight to the repository, skipping the service's overlap check.
	second := &scheduling.Appointment{
		ID: uuid.New(), PatientID: bob.UserID, ProviderID: drx.UserID,
		AppointmentDate: at("2030-03-01T10:59"), Duration: 30, Status: scheduling.StatusPending, Reason: "x",
	}
	err := repo.Create(ctx, second)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict from exclusion constraint, got %v", err)
	}

	// Inactive rows are outside the constraint.
	second.Status = scheduling.StatusCancelled
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("cancelled row should not conflict: %v", err)
	}
}

func TestBooking_ConcurrentSingleWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	drx := e.account(t, "drx", auth.RoleProvider)

	const n = 8
	patients := make([]auth.Caller, n)
	for i := range patients {
		patients[i] = e.account(t, "patient"+string(rune('a'+i)), auth.RolePatient)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
		other     []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(p auth.Caller, offset int) {
			defer wg.Done()
			_, err := e.scheduling.BookAppointment(ctx, p, scheduling.BookRequest{
				ProviderID:      drx.UserID,
				AppointmentDate: at("2030-03-01T10:00").Add(time.Duration(offset) * time.Minute),
				Reason:          "race",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				other = append(other, err)
			}
		}(patients[i], i)
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if ok != 1 || conflicts != n-1 {
		t.Errorf("expected 1 winner and %d conflicts, got %d and %d", n-1, ok, conflicts)
	}
}

func TestLifecycle_CancelFreesSlotAndRescheduleResets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	drx := e.account(t, "drx", auth.RoleProvider)
	alice := e.account(t, "alice", auth.RolePatient)
	bob := e.account(t, "bob", auth.RolePatient)

	a, err := e.scheduling.BookAppointment(ctx, alice, scheduling.BookRequest{
		ProviderID: drx.UserID, AppointmentDate: at("2030-03-01T10:00"), Reason: "checkup",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.scheduling.UpdateAppointmentStatus(ctx, drx, a.ID, scheduling.StatusUpdate{Status: scheduling.StatusApproved}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	moved, err := e.scheduling.RescheduleAppointment(ctx, alice, a.ID, scheduling.RescheduleRequest{AppointmentDate: at("2030-03-01T11:00")})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if moved.Status != scheduling.StatusPending {
		t.Errorf("expected pending after reschedule, got %s", moved.Status)
	}

	if _, err := e.scheduling.CancelAppointment(ctx, alice, a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := e.scheduling.BookAppointment(ctx, bob, scheduling.BookRequest{
		ProviderID: drx.UserID, AppointmentDate: at("2030-03-01T11:00"), Reason: "checkup",
	}); err != nil {
		t.Fatalf("rebooking a cancelled slot: %v", err)
	}

	views, err := e.scheduling.GetProviderAppointments(ctx, drx)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 appointments, got %d", len(views))
	}
	byPatient := map[string]scheduling.Status{}
	for _, v := range views {
		if v.Patient != nil {
			byPatient[v.Patient.Username] = v.Status
		}
	}
	if byPatient["alice"] != scheduling.StatusCancelled || byPatient["bob"] != scheduling.StatusPending {
		t.Errorf("unexpected listing %+v", byPatient)
	}
}

func TestAvailability_RoundTripAndEnforcement(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	drx := e.account(t, "drx", auth.RoleProvider)
	alice := e.account(t, "alice", auth.RolePatient)

	friday := 5
	slot, err := e.scheduling.SetAvailability(ctx, drx, scheduling.SlotRequest{DayOfWeek: &friday, StartTime: "09:00", EndTime: "12:00"})
	if err != nil {
		t.Fatalf("set availability: %v", err)
	}

	slots, err := e.scheduling.GetAvailability(ctx, drx)
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 1 || slots[0].StartTime != "09:00" || slots[0].EndTime != "12:00" {
		t.Fatalf("unexpected slots %+v", slots)
	}

	// 2030-03-01 is a Friday.
	if _, err := e.scheduling.BookAppointment(ctx, alice, scheduling.BookRequest{
		ProviderID: drx.UserID, AppointmentDate: at("2030-03-01T11:30"), Reason: "x",
	}); err != nil {
		t.Fatalf("booking inside hours: %v", err)
	}
	_, err = e.scheduling.BookAppointment(ctx, alice, scheduling.BookRequest{
		ProviderID: drx.UserID, AppointmentDate: at("2030-03-01T12:00"), Reason: "x",
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error outside hours, got %v", err)
	}

	if err := e.scheduling.DeleteAvailability(ctx, drx, slot.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := e.scheduling.DeleteAvailability(ctx, drx, slot.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestOutbox_EventsCommittedWithBooking(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	drx := e.account(t, "drx", auth.RoleProvider)
	alice := e.account(t, "alice", auth.RolePatient)

	a, err := e.scheduling.BookAppointment(ctx, alice, scheduling.BookRequest{
		ProviderID: drx.UserID, AppointmentDate: at("2030-03-01T10:00"), Reason: "checkup",
	})
	if err != nil {
		t.Fatal(err)
	}
	// A refused booking leaves no event behind.
	_, _ = e.scheduling.BookAppointment(ctx, alice, scheduling.BookRequest{
		ProviderID: drx.UserID, AppointmentDate: at("2030-03-01T10:00"), Reason: "checkup",
	})

	var published []events.Record
	n, err := e.outbox.ProcessBatch(ctx, 10, func(_ context.Context, records []events.Record) error {
		published = append(published, records...)
		return nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 1 || published[0].Type != scheduling.EventBooked || published[0].AggregateID != a.ID.String() {
		t.Fatalf("unexpected records %+v", published)
	}

	n, err = e.outbox.ProcessBatch(ctx, 10, func(context.Context, []events.Record) error { return nil })
	if err != nil || n != 0 {
		t.Errorf("expected drained outbox, got %d, %v", n, err)
	}
}

func TestRefreshToken_SingleUse(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "alice", auth.RolePatient)

	s, err := e.identity.Login(ctx, "alice@example.com", "secret123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := e.identity.Refresh(ctx, s.RefreshToken); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if _, err := e.identity.Refresh(ctx, s.RefreshToken); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden on reuse, got %v", err)
	}
}
