package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	apiKeyCookie = "apiKey"
	apiKeyHeader = "X-API-Key"
)

// Authorizer rejects requests that carry neither the apiKey cookie nor
// the X-API-Key header with the configured key. An empty key disables it.
func Authorizer(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			provided := c.Request().Header.Get(apiKeyHeader)
			if provided == "" {
				if cookie, err := c.Cookie(apiKeyCookie); err == nil {
					provided = cookie.Value
				}
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, JSON{
					"error": "missing or invalid api key",
				})
			}

			return next(c)
		}
	}
}
