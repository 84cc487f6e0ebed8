package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

const adminIDKey = "admin_id"

// AdminID returns the admin authenticated by AdminKeyAuth, or "".
func AdminID(c echo.Context) string {
	v, _ := c.Get(adminIDKey).(string)
	return v
}

// AdminKeyAuth accepts "Authorization: Bearer <token>" where tokens maps each
// token to the admin id it authenticates.
func AdminKeyAuth(tokens map[string]string) echo.MiddlewareFunc {
	return echomw.KeyAuthWithConfig(echomw.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			adminID, ok := lookupToken(tokens, key)
			if ok {
				c.Set(adminIDKey, adminID)
			}
			return ok, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		},
	})
}

// lookupToken walks every token with a constant-time compare.
func lookupToken(tokens map[string]string, key string) (string, bool) {
	var (
		found string
		ok    bool
	)
	for tok, adminID := range tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(key)) == 1 {
			found, ok = adminID, true
		}
	}
	return found, ok && found != ""
}
