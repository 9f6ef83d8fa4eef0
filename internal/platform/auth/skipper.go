package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists route paths that bypass authentication: infrastructure
// endpoints, the provider directory and the credential exchange endpoints.
var publicPaths = map[string]bool{
	"/health":                 true,
	"/health/db":              true,
	"/health/ready":           true,
	"/metrics":                true,
	"/api/providers":          true,
	"/api/public/providers":   true,
	"/api/auth/register":      true,
	"/api/auth/login":         true,
	"/api/auth/refresh-token": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether the given path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
