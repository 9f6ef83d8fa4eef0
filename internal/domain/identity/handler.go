package identity

import (
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
	authGroup := api.Group("/auth")
	authGroup.POST("/register", h.Register)
	authGroup.POST("/login", h.Login)
	authGroup.POST("/refresh-token", h.RefreshToken)
	authGroup.POST("/logout", h.Logout)

	api.GET("/provider/patients", h.ListPatients, auth.RequireRole(auth.RoleProvider))
	api.GET("/provider/patients/:id", h.GetPatient, auth.RequireRole(auth.RoleProvider))
}

type loginBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	session, err := h.svc.Register(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusCreated, "User registered successfully", session)
}

func (h *Handler) Login(c echo.Context) error {
	var body loginBody
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid request body")
	}
	session, err := h.svc.Login(c.Request().Context(), body.Email, body.Password)
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "Login successful", session)
}

func (h *Handler) RefreshToken(c echo.Context) error {
	var body refreshBody
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid request body")
	}
	pair, err := h.svc.Refresh(c.Request().Context(), body.RefreshToken)
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "", pair)
}

func (h *Handler) Logout(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	if err := h.svc.Logout(c.Request().Context(), caller); err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "Logout successful", nil)
}

func (h *Handler) ListPatients(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	patients, err := h.svc.ListPatients(c.Request().Context(), caller)
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "", map[string]interface{}{
		"patients": patients,
		"count":    len(patients),
	})
}

func (h *Handler) GetPatient(c echo.Context) error {
	caller, err := auth.MustCaller(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.NotFound(msgPatientNotFound)
	}
	patient, err := h.svc.GetPatient(c.Request().Context(), caller, id)
	if err != nil {
		return err
	}
	return apperr.OK(c, http.StatusOK, "", map[string]interface{}{"patient": patient})
}
