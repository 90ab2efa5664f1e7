package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/target"
	"relay-proxy-go/internal/wsrelay"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	ws      *wsrelay.Relay
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, ws *wsrelay.Relay) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, ws: ws}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusBody struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	DefaultTarget     string `json:"default_target,omitempty"`
	WebSocketSessions int    `json:"websocket_sessions"`
}

// Status returns proxy status information. The default target is redacted.
func (h *HealthHandler) Status(c echo.Context) error {
	body := statusBody{
		Status:        "ok",
		Version:       string(h.version),
		DefaultTarget: target.RedactString(h.cfg.Proxy.DefaultTarget),
	}
	if h.ws != nil {
		body.WebSocketSessions = h.ws.Active()
	}
	return c.JSON(http.StatusOK, body)
}
