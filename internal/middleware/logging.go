// Package middleware provides Echo middleware for logging, metrics, rate
// limiting and response headers.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/target"
)

// TargetKey is the echo.Context key under which handlers store the redacted
// relay target for the access log.
const TargetKey = "relay.target"

// RequestLogger returns an Echo middleware that logs each request with slog.
// Paths and queries may embed a target URL, so secrets in them are redacted.
// Server errors log at error level and client errors at warn.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()
			status := responseStatus(c, err)

			attrs := []any{
				"method", req.Method,
				"path", target.RedactString(req.URL.Path),
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if req.URL.RawQuery != "" {
				attrs = append(attrs, "query", target.RedactString(req.URL.RawQuery))
			}
			if dst, ok := c.Get(TargetKey).(string); ok {
				attrs = append(attrs, "target", dst)
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			logger.Log(req.Context(), level, "request", attrs...)

			return err
		}
	}
}
