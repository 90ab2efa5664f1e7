package middleware

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// responseStatus reports the status the client sees for a finished handler.
// An error not yet rendered by the error handler carries its own code, and a
// hijacked WebSocket handshake never commits through echo, so it counts as 101.
func responseStatus(c echo.Context, err error) int {
	res := c.Response()
	if res.Committed {
		return res.Status
	}
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	if websocket.IsWebSocketUpgrade(c.Request()) {
		return http.StatusSwitchingProtocols
	}
	return res.Status
}
