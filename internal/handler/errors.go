package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/service"
	"relay-proxy-go/internal/target"
	"relay-proxy-go/internal/wsrelay"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

type errorBody struct {
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func writeError(c echo.Context, status int, message string) error {
	return c.JSON(status, errorBody{
		Error:     true,
		Message:   message,
		Timestamp: time.Now().UTC().Format(timestampLayout),
	})
}

func (h *FrontController) mapError(c echo.Context, err error) error {
	req := c.Request()
	h.logger.Error("relay error",
		"err", target.RedactError(err),
		"method", req.Method,
		"path", target.RedactString(req.URL.Path),
		"request_id", requestID(c),
	)

	// The upgrader has already answered the handshake.
	if c.Response().Committed {
		return nil
	}

	switch {
	case errors.Is(err, target.ErrNoTarget):
		return writeError(c, http.StatusBadRequest, "a target URL is required for WebSocket upgrades")
	case errors.Is(err, target.ErrMalformedTarget):
		return writeError(c, http.StatusBadRequest, "invalid target URL: expected an absolute http, https, ws or wss URL")
	case errors.Is(err, wsrelay.ErrShuttingDown):
		return writeError(c, http.StatusServiceUnavailable, "proxy is shutting down")
	case errors.Is(err, wsrelay.ErrUpgradeFailure):
		return writeError(c, http.StatusBadRequest, "websocket upgrade failed")
	}

	if !errors.Is(err, service.ErrTargetUnreachable) {
		return writeError(c, http.StatusInternalServerError, "internal proxy error")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return writeError(c, http.StatusInternalServerError, "target request timed out")
	}

	if errors.Is(err, context.Canceled) {
		return writeError(c, http.StatusInternalServerError, "client disconnected")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return writeError(c, http.StatusInternalServerError, "target host could not be resolved")
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return writeError(c, http.StatusInternalServerError, "target request timed out")
		}
		return writeError(c, http.StatusInternalServerError, "target connection failed")
	}

	return writeError(c, http.StatusInternalServerError, "target request failed")
}

// NewErrorHandler returns the echo error handler. It renders every error
// that reaches echo, including recovered panics and middleware rejections,
// as the JSON error body.
func NewErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		message := "internal proxy error"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if m, ok := he.Message.(string); ok {
				message = m
			} else {
				message = http.StatusText(status)
			}
		} else {
			logger.Error("unhandled error",
				"err", target.RedactError(err),
				"path", target.RedactString(c.Request().URL.Path),
			)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		if werr := writeError(c, status, message); werr != nil {
			logger.Error("writing error response", "err", werr)
		}
	}
}
