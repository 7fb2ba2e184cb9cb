package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RequireAgent rejects requests without a valid agent bearer token.
func RequireAgent(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := v.VerifyRequest(c.Request()); err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}
			return next(c)
		}
	}
}
