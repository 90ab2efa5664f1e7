package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"relay-proxy-go/internal/metrics"
)

const (
	// closeWait bounds writing a close frame to a peer.
	closeWait = time.Second

	dirToTarget = "client_to_target"
	dirToClient = "target_to_client"
)

var (
	errPeerClosed = errors.New("peer closed")
	errOverflow   = errors.New("pending message buffer full")
)

type message struct {
	typ  int
	data []byte

	// close marks the inbound close frame, queued behind buffered messages
	// so they reach the target first.
	close bool
	code  int
	text  string
}

// Session pairs one inbound socket with at most one outbound socket.
type Session struct {
	target    *url.URL
	header    http.Header
	dialer    Dialer
	timeout   time.Duration
	readLimit int64
	logger    *slog.Logger
	metrics   *metrics.Metrics

	state   atomic.Int32
	in      *websocket.Conn
	out     atomic.Pointer[websocket.Conn]
	pending chan message

	// inClosed/outClosed are set once a side can no longer receive frames.
	inClosed  atomic.Bool
	outClosed atomic.Bool
	inOnce    sync.Once
	outOnce   sync.Once
	shutdown  atomic.Bool

	mu        sync.Mutex
	codeSet   bool
	closeCode int
	closeText string
	outcome   string

	done    chan struct{}
	started time.Time
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome is the terminal reason, valid once Done is closed.
func (s *Session) Outcome() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// advance moves the state forward. Terminal states never change.
func (s *Session) advance(to State) bool {
	for {
		cur := State(s.state.Load())
		if cur.Terminal() || cur >= to {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// setClose records the close frame sent to whichever side is still open.
// The first caller wins.
func (s *Session) setClose(code int, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codeSet {
		return false
	}
	s.codeSet = true
	s.closeCode = code
	s.closeText = text
	return true
}

func (s *Session) closeFrame() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.codeSet {
		return websocket.CloseInternalServerErr, ""
	}
	return s.closeCode, s.closeText
}

// abort ends a session that never reached Connecting.
func (s *Session) abort(to State, outcome string) {
	s.state.Store(int32(to))
	s.mu.Lock()
	s.outcome = outcome
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	}
	close(s.done)
}

func (s *Session) run(parent context.Context, in *websocket.Conn) {
	s.in = in
	s.started = time.Now()
	in.SetReadLimit(s.readLimit)
	s.advance(StateConnecting)

	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
	}
	s.logger.Debug("websocket session opened", "session_state", s.State().String())

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		if parent.Err() != nil && s.setClose(websocket.CloseGoingAway, "proxy shutting down") {
			s.shutdown.Store(true)
		}
		s.teardown()
		return nil
	})
	g.Go(func() error { return s.pumpInbound(gctx) })
	g.Go(func() error { return s.connect(gctx, g) })

	s.finish(g.Wait())
}

// connect dials the target, then drains the pending queue into it.
func (s *Session) connect(ctx context.Context, g *errgroup.Group) error {
	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	out, _, err := s.dialer.DialContext(dctx, s.target.String(), s.header) //nolint:bodyclose // gorilla owns the handshake response body
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.setClose(websocket.CloseInternalServerErr, "target unreachable")
		return fmt.Errorf("%w: %w", ErrDialFailed, err)
	}

	out.SetReadLimit(s.readLimit)
	s.out.Store(out)
	if ctx.Err() != nil {
		s.teardown()
		return nil
	}
	s.advance(StateRelaying)
	s.logger.Debug("websocket target connected",
		"session_state", s.State().String(),
		"subprotocol", out.Subprotocol(),
	)

	g.Go(func() error { return s.pumpOutbound(ctx, out) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-s.pending:
			if m.close {
				s.setClose(m.code, m.text)
				return errPeerClosed
			}
			if s.outClosed.Load() {
				s.dropped(dirToTarget)
				continue
			}
			if err := out.WriteMessage(m.typ, m.data); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.outClosed.Store(true)
				s.setClose(websocket.CloseInternalServerErr, "")
				return fmt.Errorf("write to target: %w", err)
			}
			s.relayed(dirToTarget, m.typ)
		}
	}
}

// pumpInbound reads the client socket and queues messages for the target.
func (s *Session) pumpInbound(ctx context.Context) error {
	for {
		typ, data, err := s.in.ReadMessage()
		if err != nil {
			s.inClosed.Store(true)
			if ctx.Err() != nil {
				return nil
			}
			if code, text, ok := peerClose(err); ok {
				// Queued behind pending messages so the target receives
				// them before the close, even while still dialing.
				switch s.State() {
				case StateConnecting, StateRelaying:
					return s.enqueue(ctx, message{close: true, code: code, text: text})
				}
				s.setClose(code, text)
				return errPeerClosed
			}
			s.setClose(websocket.CloseInternalServerErr, "")
			return fmt.Errorf("read from client: %w", err)
		}

		if err := s.enqueue(ctx, message{typ: typ, data: data}); err != nil {
			return err
		}
	}
}

// pumpOutbound is the only writer of data frames to the client socket.
func (s *Session) pumpOutbound(ctx context.Context, out *websocket.Conn) error {
	for {
		typ, data, err := out.ReadMessage()
		if err != nil {
			s.outClosed.Store(true)
			if ctx.Err() != nil {
				return nil
			}
			if code, text, ok := peerClose(err); ok {
				s.setClose(code, text)
				return errPeerClosed
			}
			s.setClose(websocket.CloseInternalServerErr, "")
			return fmt.Errorf("read from target: %w", err)
		}

		if s.inClosed.Load() {
			s.dropped(dirToClient)
			continue
		}
		if err := s.in.WriteMessage(typ, data); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.inClosed.Store(true)
			s.setClose(websocket.CloseInternalServerErr, "")
			return fmt.Errorf("write to client: %w", err)
		}
		s.relayed(dirToClient, typ)
	}
}

// enqueue never blocks while the target is still being dialed: a full
// buffer at that point fails the session.
func (s *Session) enqueue(ctx context.Context, m message) error {
	select {
	case s.pending <- m:
		return nil
	default:
	}

	if s.State() == StateConnecting {
		s.setClose(websocket.CloseTryAgainLater, "pending buffer full")
		return errOverflow
	}

	select {
	case s.pending <- m:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// teardown sends the recorded close frame to every side still open and
// closes both connections. It is safe to call more than once.
func (s *Session) teardown() {
	s.advance(StateClosing)
	code, text := s.closeFrame()

	sendClose(s.in, &s.inClosed, code, text)
	s.inOnce.Do(func() { _ = s.in.Close() })

	if out := s.out.Load(); out != nil {
		sendClose(out, &s.outClosed, code, text)
		s.outOnce.Do(func() { _ = out.Close() })
	}
}

func (s *Session) finish(err error) {
	outcome := "closed"
	final := StateClosed
	switch {
	case s.shutdown.Load():
		outcome = "shutdown"
	case err == nil, errors.Is(err, errPeerClosed):
	case errors.Is(err, errOverflow):
		outcome, final = "overflow", StateFailed
	case errors.Is(err, ErrDialFailed):
		outcome, final = "dial_failed", StateFailed
	default:
		outcome, final = "error", StateFailed
	}

	s.discardPending()

	code, _ := s.closeFrame()
	if final == StateFailed {
		s.logger.Warn("websocket session failed",
			"err", err,
			"close_code", code,
			"session_state", final.String(),
		)
	} else {
		s.logger.Debug("websocket session closed",
			"close_code", code,
			"session_state", final.String(),
		)
	}

	if s.metrics != nil {
		s.metrics.SessionsActive.Dec()
		s.metrics.SessionDuration.Observe(time.Since(s.started).Seconds())
	}
	s.abort(final, outcome)
}

// discardPending counts messages that never reached the target. It runs
// after every pump has returned.
func (s *Session) discardPending() {
	for {
		select {
		case m := <-s.pending:
			if !m.close {
				s.dropped(dirToTarget)
			}
		default:
			return
		}
	}
}

func (s *Session) relayed(direction string, typ int) {
	if s.metrics == nil {
		return
	}
	s.metrics.MessagesRelayed.WithLabelValues(direction, messageType(typ)).Inc()
}

func (s *Session) dropped(direction string) {
	if s.metrics == nil {
		return
	}
	s.metrics.MessagesDropped.WithLabelValues(direction).Inc()
}

// peerClose reports the code to mirror when err is a close frame from the
// peer. Codes that cannot be sent on the wire are mapped to 1011.
func peerClose(err error) (int, string, bool) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return 0, "", false
	}
	switch ce.Code {
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return 0, "", false
	}
	return ce.Code, ce.Text, true
}

func sendClose(c *websocket.Conn, closed *atomic.Bool, code int, text string) {
	if !closed.CompareAndSwap(false, true) {
		return
	}
	_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(closeWait))
}

func messageType(typ int) string {
	switch typ {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	default:
		return "other"
	}
}
