package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
)

// Authorize checks the caller's role against the required roles.
func Authorize(caller Caller, roles ...string) error {
	for _, required := range roles {
		if caller.Role == required {
			return nil
		}
	}
	return apperr.Forbidden("required role: %s", strings.Join(roles, " or "))
}

// RequireRole returns middleware that checks if the caller has one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caller, err := MustCaller(c.Request().Context())
			if err != nil {
				return err
			}
			if err := Authorize(caller, roles...); err != nil {
				return err
			}
			return next(c)
		}
	}
}
