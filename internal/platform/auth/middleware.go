package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
)

const (
	RolePatient  = "patient"
	RoleProvider = "provider"
)

// Caller is the authenticated identity attached to a request.
type Caller struct {
	UserID uuid.UUID `json:"userId"`
	Email  string    `json:"email,omitempty"`
	Role   string    `json:"role"`
}

type contextKey string

const callerKey contextKey = "caller"

// Authenticator resolves a bearer credential to a Caller.
type Authenticator interface {
	ParseAccess(token string) (Caller, error)
}

type JWTConfig struct {
	Authenticator Authenticator
	// Skipper lets public routes through without a credential.
	Skipper func(c echo.Context) bool
}

const (
	msgNoToken      = "No token provided. Authorization denied."
	msgInvalidToken = "Invalid token. Authorization denied."
	msgExpiredToken = "Token expired. Please login again."
)

// JWTMiddleware resolves the Authorization bearer token to a Caller and
// stores it on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			parts := strings.SplitN(authHeader, " ", 2)
			if authHeader == "" || len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return apperr.Unauthorized(msgNoToken)
			}

			caller, err := cfg.Authenticator.ParseAccess(strings.TrimSpace(parts[1]))
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					return apperr.Unauthorized(msgExpiredToken)
				}
				return apperr.Unauthorized(msgInvalidToken)
			}

			c.Set("user_id", caller.UserID.String())
			c.SetRequest(c.Request().WithContext(WithCaller(c.Request().Context(), caller)))
			return next(c)
		}
	}
}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the caller stored by JWTMiddleware.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey).(Caller)
	return caller, ok
}

// MustCaller returns the caller or an AuthError when the request is
// unauthenticated.
func MustCaller(ctx context.Context) (Caller, error) {
	caller, ok := CallerFromContext(ctx)
	if !ok || caller.UserID == uuid.Nil {
		return Caller{}, apperr.Unauthorized(msgNoToken)
	}
	return caller, nil
}
