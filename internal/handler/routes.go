package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The
// operational routes take precedence over the catch-all relay route.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, front *FrontController, health *HealthHandler) {
	e.GET(config.ReservedPrefix+"/healthz", health.Healthz)
	e.GET(config.ReservedPrefix+"/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", front.Handle)
}
