package middleware

import (
	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/headers"
)

// ResponseHeaders returns an Echo middleware that applies the policy's CORS
// and security headers to every response right before it is written, so the
// proxy's own JSON documents and error bodies carry them too.
func ResponseHeaders(policy *headers.Policy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				policy.ApplyResponse(res.Header())
			})
			return next(c)
		}
	}
}
