package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// AdminRole passes every role check.
const AdminRole = "admin"

// ClinicRoles are the staff roles allowed to read and drive care workflows.
var ClinicRoles = []string{"doctor", "nurse", "pharmacist", "receptionist", "therapist"}

// RequireRole returns middleware that checks the user holds at least one of
// roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			if HasAnyRole(userRoles, roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether held contains one of want, or the admin role.
func HasAnyRole(held []string, want ...string) bool {
	for _, has := range held {
		if has == AdminRole {
			return true
		}
		for _, w := range want {
			if has == w {
				return true
			}
		}
	}
	return false
}
