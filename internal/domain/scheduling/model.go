package scheduling

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/domain/identity"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// activeStatuses hold the provider's time. Only these take part in
// conflict detection.
var activeStatuses = []Status{StatusPending, StatusApproved}

func (s Status) Active() bool {
	return s == StatusPending || s == StatusApproved
}

// Appointment maps to the appointments table.
type Appointment struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PatientID       uuid.UUID `db:"patient_id" json:"patientId"`
	ProviderID      uuid.UUID `db:"provider_id" json:"providerId"`
	AppointmentDate time.Time `db:"appointment_date" json:"appointmentDate"`
	Duration        int       `db:"duration_minutes" json:"duration"`
	Status          Status    `db:"status" json:"status"`
	Reason          string    `db:"reason" json:"reason"`
	Notes           *string   `db:"notes" json:"notes,omitempty"`
	RejectionReason *string   `db:"rejection_reason" json:"rejectionReason,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}

// Window is the interval the appointment occupies.
func (a *Appointment) Window() Window {
	return Window{Start: a.AppointmentDate, End: a.AppointmentDate.Add(time.Duration(a.Duration) * time.Minute)}
}

func (a *Appointment) clone() *Appointment {
	c := *a
	if a.Notes != nil {
		n := *a.Notes
		c.Notes = &n
	}
	if a.RejectionReason != nil {
		r := *a.RejectionReason
		c.RejectionReason = &r
	}
	return &c
}

// AppointmentView is an appointment with the counterparty's public profile
// attached: the provider in patient listings, the patient in provider
// listings.
type AppointmentView struct {
	*Appointment
	Patient  *identity.PublicProfile `json:"patient,omitempty"`
	Provider *identity.PublicProfile `json:"provider,omitempty"`
}

// AvailabilitySlot maps to the availability_slots table. StartTime and
// EndTime are "HH:MM" wall-clock values.
type AvailabilitySlot struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ProviderID uuid.UUID `db:"provider_id" json:"providerId"`
	DayOfWeek  int       `db:"day_of_week" json:"dayOfWeek"`
	StartTime  string    `db:"start_time" json:"startTime"`
	EndTime    string    `db:"end_time" json:"endTime"`
	IsActive   bool      `db:"is_active" json:"isActive"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// BookRequest is a patient's booking intent.
type BookRequest struct {
	ProviderID      uuid.UUID
	AppointmentDate time.Time
	Reason          string
	Duration        int // minutes, 0 means the default
}

// RescheduleRequest moves an appointment. A nil Duration keeps the current
// length.
type RescheduleRequest struct {
	AppointmentDate time.Time
	Duration        *int
}

// StatusUpdate is a provider's decision on an appointment.
type StatusUpdate struct {
	Status          Status
	RejectionReason *string
	Notes           *string
}

// SlotRequest declares a weekly window. DayOfWeek is a pointer so a missing
// field is distinguishable from Sunday.
type SlotRequest struct {
	DayOfWeek *int
	StartTime string
	EndTime   string
}
