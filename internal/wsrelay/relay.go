// Package wsrelay relays WebSocket connections: the inbound socket is
// upgraded immediately, the target is dialed concurrently, and messages are
// pumped in both directions until either side closes.
package wsrelay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/target"
)

var (
	// ErrUpgradeFailure means the inbound handshake was rejected. The
	// upgrader has already written the HTTP error response.
	ErrUpgradeFailure = errors.New("websocket upgrade failed")

	// ErrDialFailed means the outbound connection to the target could not be
	// established.
	ErrDialFailed = errors.New("websocket dial to target failed")

	// ErrShuttingDown means the relay no longer accepts sessions.
	ErrShuttingDown = errors.New("websocket relay shutting down")
)

// Dialer opens outbound WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Relay owns the upgrader, the outbound dialer and the set of live sessions.
type Relay struct {
	upgrader  websocket.Upgrader
	dialer    Dialer
	timeout   time.Duration
	readLimit int64
	pending   int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions map[*Session]struct{}
	wg       sync.WaitGroup

	// onSession observes every session created by Serve.
	onSession func(*Session)
}

// New creates a Relay. The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	timeout := cfg.Proxy.Timeout()
	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: timeout,
			ReadBufferSize:   cfg.WebSocket.BufferSize,
			WriteBufferSize:  cfg.WebSocket.BufferSize,
			// Any origin may use the relay; Origin is never forwarded.
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			NetDialContext:   (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
			HandshakeTimeout: timeout,
			ReadBufferSize:   cfg.WebSocket.BufferSize,
			WriteBufferSize:  cfg.WebSocket.BufferSize,
			TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		},
		timeout:   timeout,
		readLimit: cfg.Server.BodyMaxBytes,
		pending:   cfg.WebSocket.PendingMessages,
		logger:    logger.With("component", "ws_relay"),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[*Session]struct{}),
	}
}

// Serve upgrades the inbound request and relays it to dst until either side
// closes. header is the already sanitized dial header. Serve blocks for the
// lifetime of the session. Once the upgrade succeeds the response is
// hijacked, so session failures are logged and not returned.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, dst *url.URL, header http.Header, requestID string) error {
	s := r.newSession(dst, header, requestID)
	if r.onSession != nil {
		r.onSession(s)
	}

	if !r.track(s) {
		s.abort(StateFailed, "shutdown")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return ErrShuttingDown
	}
	defer r.untrack(s)

	up := r.upgrader
	if offered := websocket.Subprotocols(req); len(offered) > 0 {
		up.Subprotocols = offered[:1]
	}

	in, err := up.Upgrade(w, req, nil)
	if err != nil {
		s.abort(StateFailed, "upgrade_failed")
		return fmt.Errorf("%w: %w", ErrUpgradeFailure, err)
	}
	// The server's read and write timeouts survive the hijack.
	_ = in.NetConn().SetDeadline(time.Time{})

	s.run(r.ctx, in)
	return nil
}

// Active returns the number of live sessions.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops accepting sessions, closes live ones with 1001 and waits
// for them to finish or for ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	n := len(r.sessions)
	r.mu.Unlock()

	if n > 0 {
		r.logger.Info("closing websocket sessions", "count", n)
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for websocket sessions: %w", ctx.Err())
	}
}

func (r *Relay) newSession(dst *url.URL, header http.Header, requestID string) *Session {
	logger := r.logger.With(
		"request_id", requestID,
		"target", target.Redact(dst),
	)
	pending := r.pending
	if pending < 1 {
		pending = 1
	}

	return &Session{
		target:    dst,
		header:    header,
		dialer:    r.dialer,
		timeout:   r.timeout,
		readLimit: r.readLimit,
		pending:   make(chan message, pending),
		logger:    logger,
		metrics:   r.metrics,
		done:      make(chan struct{}),
	}
}

func (r *Relay) track(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *Relay) untrack(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
	r.wg.Done()
}
