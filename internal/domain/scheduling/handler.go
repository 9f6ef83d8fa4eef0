package scheduling

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
	"github.com/clinicflow/clinicflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Public directory
	api.GET("/providers", h.ListProviders)
	api.GET("/public/providers", h.ListProviders)

	// Patient endpoints
	patient := api.Group("/patient", auth.RequireRole(auth.RolePatient))
	patient.POST("/book", h.BookAppointment)
	patient.GET("/appointments", h.GetPatientAppointments)
	patient.PATCH("/:id/cancel", h.CancelAppointment)
	patient.PATCH("/:id/reschedule", h.RescheduleAppointment)
	api.POST("/book", h.BookAppointment, auth.RequireRole(auth.RolePatient))

	// Provider endpoints
	provider := api.Group("/provider", auth.RequireRole(auth.RoleProvider))
	provider.GET("/appointments", h.GetProviderAppointments)
	provider.PATCH("/:id/status", h.UpdateAppointmentStatus)
	provider.POST("/availability", h.SetAvailability)
	provider.GET("/availability", h.GetAvailability)
	provider.DELETE("/availability/:id", h.DeleteAvailability)
}

// -- Request bodies --

type bookBody struct {
	ProviderID      string `json:"providerId"`
	AppointmentDate string `json:"appointmentDate"`
	Reason          string `json:"reason"`
	Duration        int    `json:"duration"`
}

type rescheduleBody struct {
	AppointmentDate string `json:"appointmentDate"`
	Duration        *int   `json:"duration"`
}

type statusBody struct {
	Status          string  `json:"status"`
	RejectionReason *string `json:"rejectionReason"`
	Notes           *string `json:"notes"`
}

type slotBody struct {
	DayOfWeek *int   `json:"dayOfWeek"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("invalid request body")
	}
	return nil
}

// pathID parses the :id parameter. A malformed id cannot name a record, so
// it is reported the same way as a missing one.
func pathID(c echo.Context, notFound string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.NotFound("%s", notFound)
	}
	return id, nil
}

// -- Handlers --

func (h *Handler) ListProviders(c echo.Context) error {
	providers, err := h.svc.ListProviders(c.Request().Context())
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "", map[string]interface{}{"providers": providers})
}

func (h *Handler) BookAppointment(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	var body bookBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.ProviderID == "" {
		return apperr.Validation("providerId is required")
	}
	providerID, err := uuid.Parse(body.ProviderID)
	if err != nil {
		return apperr.Validation("invalid providerId")
	}
	date, err := ParseInstant(body.AppointmentDate)
	if err != nil {
		return err
	}

	a, err := h.svc.BookAppointment(c.Request().Context(), caller, BookRequest{
		ProviderID:      providerID,
		AppointmentDate: date,
		Reason:          body.Reason,
		Duration:        body.Duration,
	})
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusCreated, "Appointment booked successfully", map[string]interface{}{"appointment": a})
}

func (h *Handler) GetPatientAppointments(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	items, err := h.svc.GetPatientAppointments(c.Request().Context(), caller)
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "", map[string]interface{}{"appointments": items})
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := pathID(c, msgAppointmentNotFound)
	if err != nil {
		return err
	}
	a, err := h.svc.CancelAppointment(c.Request().Context(), caller, id)
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "Appointment cancelled successfully", map[string]interface{}{"appointment": a})
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := pathID(c, msgAppointmentNotFound)
	if err != nil {
		return err
	}
	var body rescheduleBody
	if err := bind(c, &body); err != nil {
		return err
	}
	date, err := ParseInstant(body.AppointmentDate)
	if err != nil {
		return err
	}

	a, err := h.svc.RescheduleAppointment(c.Request().Context(), caller, id, RescheduleRequest{
		AppointmentDate: date,
		Duration:        body.Duration,
	})
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "Appointment rescheduled successfully", map[string]interface{}{"appointment": a})
}

func (h *Handler) GetProviderAppointments(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	items, err := h.svc.GetProviderAppointments(c.Request().Context(), caller)
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "", map[string]interface{}{"appointments": items})
}

func (h *Handler) UpdateAppointmentStatus(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := pathID(c, msgAppointmentNotFound)
	if err != nil {
		return err
	}
	var body statusBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.Status == "" {
		return apperr.Validation("status is required")
	}

	a, err := h.svc.UpdateAppointmentStatus(c.Request().Context(), caller, id, StatusUpdate{
		Status:          Status(body.Status),
		RejectionReason: body.RejectionReason,
		Notes:           body.Notes,
	})
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Appointment %s successfully", a.Status)
	return apperr.OK(c, http.StatusOK, msg, map[string]interface{}{"appointment": a})
}

func (h *Handler) SetAvailability(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	var body slotBody
	if err := bind(c, &body); err != nil {
		return err
	}
	slot, err := h.svc.SetAvailability(c.Request().Context(), caller, SlotRequest{
		DayOfWeek: body.DayOfWeek,
		StartTime: body.StartTime,
		EndTime:   body.EndTime,
	})
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusCreated, "Availability set successfully", map[string]interface{}{"availability": slot})
}

func (h *Handler) GetAvailability(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	slots, err := h.svc.GetAvailability(c.Request().Context(), caller)
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "", map[string]interface{}{"availability": slots})
}

func (h *Handler) DeleteAvailability(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := pathID(c, msgAvailabilityNotFound)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteAvailability(c.Request().Context(), caller, id); err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "Availability deleted successfully", nil)
}
