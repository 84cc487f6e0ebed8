package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// AdminRateLimit allows perHour requests per (admin, project) pair with a
// burst of the same size. It must run after AdminKeyAuth on a route that
// has a :project_id param.
func AdminRateLimit(perHour int) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(perHour) / time.Hour.Seconds()),
		Burst:     perHour,
		ExpiresIn: time.Hour,
	})
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return rateKey(AdminID(c), c.Param("project_id")), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "rate limit identifier unavailable"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			c.Response().Header().Set("Retry-After", "60")
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many admin actions for this project"})
		},
	})
}

func rateKey(adminID, projectID string) string { return adminID + "|" + projectID }
