package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/headers"
	"relay-proxy-go/internal/middleware"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/service"
	"relay-proxy-go/internal/target"
	"relay-proxy-go/internal/wsrelay"
)

// FrontController dispatches every non-operational request to the preflight
// responder, the WebSocket relay or the HTTP relay.
type FrontController struct {
	resolver *target.Resolver
	policy   *headers.Policy
	relay    *service.RelayService
	ws       *wsrelay.Relay
	version  Version
	logger   *slog.Logger
}

// NewFrontController creates a FrontController.
func NewFrontController(
	resolver *target.Resolver,
	policy *headers.Policy,
	relay *service.RelayService,
	ws *wsrelay.Relay,
	v Version,
	logger *slog.Logger,
) *FrontController {
	return &FrontController{
		resolver: resolver,
		policy:   policy,
		relay:    relay,
		ws:       ws,
		version:  v,
		logger:   logger.With("component", "front_controller"),
	}
}

// Handle is registered as the catch-all route.
func (h *FrontController) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		h.policy.Preflight(c.Response().Header())
		return c.NoContent(http.StatusNoContent)
	}

	if websocket.IsWebSocketUpgrade(req) {
		return h.handleWebSocket(c)
	}
	return h.handleHTTP(c)
}

func (h *FrontController) handleHTTP(c echo.Context) error {
	req := c.Request()

	dst, err := h.resolver.Resolve(req)
	if errors.Is(err, target.ErrNoTarget) {
		return c.JSON(http.StatusOK, h.info())
	}
	if err != nil {
		return h.mapError(c, err)
	}
	c.Set(middleware.TargetKey, target.Redact(dst))

	rr := &model.RelayRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Target:        target.ToHTTP(dst),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		RequestID:     requestID(c),
	}

	resp, err := h.relay.Relay(rr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := c.Response().Header()
	for key, vals := range resp.Header {
		out[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Headers are already sent, so a failed copy can only truncate the body.
	var w io.Writer = c.Response()
	if resp.Header.Get(echo.HeaderContentLength) == "" {
		w = flushWriter{c.Response()}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", target.RedactError(err),
			"request_id", rr.RequestID,
			"target", target.Redact(rr.Target),
		)
	}

	return nil
}

func (h *FrontController) handleWebSocket(c echo.Context) error {
	req := c.Request()

	dst, err := h.resolver.Resolve(req)
	if err != nil {
		return h.mapError(c, err)
	}
	dst = target.ToWebSocket(dst)
	c.Set(middleware.TargetKey, target.Redact(dst))

	header := headers.WebSocketDialHeader(h.policy.SanitizeInbound(req.Header, dst.Host))
	if err := h.ws.Serve(c.Response(), req, dst, header, requestID(c)); err != nil {
		return h.mapError(c, err)
	}
	return nil
}

type infoBody struct {
	Service  string            `json:"service"`
	Version  string            `json:"version"`
	Usage    map[string]string `json:"usage"`
	Features []string          `json:"features"`
}

func (h *FrontController) info() infoBody {
	return infoBody{
		Service: "relay-proxy",
		Version: string(h.version),
		Usage: map[string]string{
			"query":     "/?" + target.QueryParam + "=https://example.com/path",
			"path":      "/https://example.com/path",
			"websocket": "/?" + target.QueryParam + "=wss://example.com/socket",
		},
		Features: []string{
			"http and https relay",
			"websocket relay",
			"cors headers",
			"security headers",
			"forwarding header removal",
		},
	}
}

// requestID returns the id assigned by the RequestID middleware.
func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// flushWriter flushes after every write so streamed bodies of unknown
// length reach the caller as they arrive.
type flushWriter struct {
	res *echo.Response
}

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.res.Write(p)
	if err == nil {
		w.res.Flush()
	}
	return n, err
}
