package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// RequireRole passes callers holding at least one of roles. Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, has := range userRoles {
				if has == RoleAdmin {
					return next(c)
				}
				for _, required := range roles {
					if has == required {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// PrimaryRole picks the most privileged dashboard role from roles, or ""
// when none is present.
func PrimaryRole(roles []string) string {
	best := ""
	rank := map[string]int{RolePatient: 1, RoleDoctor: 2, RoleAdmin: 3}
	for _, r := range roles {
		if rank[r] > rank[best] {
			best = r
		}
	}
	return best
}
