package identity

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
	"github.com/clinicflow/clinicflow/internal/platform/auth"
)

func newTestRouter(t *testing.T) (*echo.Echo, *Service, *auth.TokenIssuer) {
	t.Helper()
	svc, _, issuer := newTestService(t)
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.New(io.Discard))
	api := e.Group("/api", auth.JWTMiddleware(auth.JWTConfig{Authenticator: issuer, Skipper: auth.AuthSkipper}))
	NewHandler(svc).RegisterRoutes(api)
	return e, svc, issuer
}

func do(e *echo.Echo, method, target, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type sessionEnvelope struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Data    Session `json:"data"`
}

func TestHandler_RegisterAndLogin(t *testing.T) {
	e, _, _ := newTestRouter(t)

	rec := do(e, http.MethodPost, "/api/auth/register", `{"username":"drx","email":"drx@example.com","password":"pw","role":"provider"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "password") || strings.Contains(rec.Body.String(), "Hash") {
		t.Errorf("credential material leaked: %s", rec.Body.String())
	}
	var reg sessionEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatal(err)
	}
	if reg.Message != "User registered successfully" || reg.Data.User.Role != auth.RoleProvider || reg.Data.AccessToken == "" {
		t.Errorf("unexpected register response %+v", reg)
	}

	rec = do(e, http.MethodPost, "/api/auth/login", `{"email":"drx@example.com","password":"pw"}`, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Login successful") {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/auth/login", `{"email":"drx@example.com","password":"nope"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/provider/patients", "", reg.Data.AccessToken)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Errorf("list patients: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_RefreshAndLogout(t *testing.T) {
	e, svc, _ := newTestRouter(t)
	s := register(t, svc, "alice", auth.RolePatient)

	rec := do(e, http.MethodPost, "/api/auth/refresh-token", `{}`, "")
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Refresh token required") {
		t.Errorf("expected 401 refresh token required, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/auth/refresh-token", `{"refreshToken":"`+s.RefreshToken+`"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", rec.Code, rec.Body.String())
	}
	var pair struct {
		Data TokenPair `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatal(err)
	}

	rec = do(e, http.MethodPost, "/api/auth/logout", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("logout without a token: expected 401, got %d", rec.Code)
	}
	rec = do(e, http.MethodPost, "/api/auth/logout", "", pair.Data.AccessToken)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Logout successful") {
		t.Fatalf("logout: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/auth/refresh-token", `{"refreshToken":"`+pair.Data.RefreshToken+`"}`, "")
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "Invalid refresh token") {
		t.Errorf("expected 403 after logout, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ListPatientsRequiresProvider(t *testing.T) {
	e, svc, _ := newTestRouter(t)
	s := register(t, svc, "alice", auth.RolePatient)

	rec := do(e, http.MethodGet, "/api/provider/patients", "", s.AccessToken)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_GetPatient(t *testing.T) {
	e, svc, _ := newTestRouter(t)
	drx := register(t, svc, "drx", auth.RoleProvider)
	alice := register(t, svc, "alice", auth.RolePatient)

	rec := do(e, http.MethodGet, "/api/provider/patients/"+alice.User.ID.String(), "", drx.AccessToken)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"username":"alice"`) {
		t.Fatalf("get patient: %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Errorf("credential material leaked: %s", rec.Body.String())
	}

	for _, id := range []string{drx.User.ID.String(), "not-a-uuid"} {
		rec = do(e, http.MethodGet, "/api/provider/patients/"+id, "", drx.AccessToken)
		if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), msgPatientNotFound) {
			t.Errorf("%s: expected 404 patient not found, got %d %s", id, rec.Code, rec.Body.String())
		}
	}

	rec = do(e, http.MethodGet, "/api/provider/patients/"+alice.User.ID.String(), "", alice.AccessToken)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a patient caller, got %d", rec.Code)
	}
}

func TestHandler_RegisterBadBody(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"username":`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	if err := h.Register(c); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
