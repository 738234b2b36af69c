package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/healthkiosk/telehealth-signaling/internal/auth"
	"github.com/healthkiosk/telehealth-signaling/internal/config"
	"github.com/healthkiosk/telehealth-signaling/internal/metrics"
	"github.com/healthkiosk/telehealth-signaling/internal/origin"
)

const (
	wsWriteWait = 1 * time.Second

	// maxConsecutiveInvalid is how many undecodable frames in a row close the
	// connection.
	maxConsecutiveInvalid = 3
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendQueueFull  = errors.New("send queue full")
	errServerClosed   = errors.New("signaling server closed")
	errUnexpectedAuth = errors.New("authentication required")
)

type Config struct {
	Relay      *Relay
	Authorizer Authorizer
	Origin     origin.Policy
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// AuthTimeout bounds how long an unauthenticated connection may wait
	// before sending its auth event.
	AuthTimeout time.Duration
	// IdleTimeout closes connections that send nothing (pongs included) for
	// this long. PingInterval must be shorter.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int
	// SendQueueSize is the per-connection outbound buffer in frames. A peer
	// that lets it fill is disconnected.
	SendQueueSize int
}

// ConfigFromEnv fills the transport limits from the process config.
func ConfigFromEnv(cfg config.Config) Config {
	return Config{
		Origin:            origin.Policy{AllowedOrigins: cfg.AllowedOrigins},
		AuthTimeout:       cfg.SignalingAuthTimeout,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueSize:     cfg.SignalingSendQueueSize,
	}
}

// Server is the signaling WebSocket endpoint:
//
//   - GET /ws : event envelopes in JSON text frames or msgpack binary frames,
//     selected by subprotocol
type Server struct {
	cfg      Config
	relay    *Relay
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Relay == nil {
		cfg.Relay = NewRelay(RelayConfig{Metrics: cfg.Metrics, Logger: cfg.Logger})
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAllAuthorizer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = config.DefaultSignalingAuthTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = config.DefaultSignalingSendQueueSize
	}

	s := &Server{
		cfg:   cfg,
		relay: cfg.Relay,
		log:   cfg.Logger,
		conns: make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols: Subprotocols(),
		CheckOrigin: func(r *http.Request) bool {
			normalized, ok := cfg.Origin.Check(r)
			if !ok {
				s.log.Warn("signaling origin rejected", "origin", r.Header.Get("Origin"), "normalized_origin", normalized)
			}
			return ok
		},
	}
	return s
}

func (s *Server) Relay() *Relay {
	return s.relay
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.ServeHTTP)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}

	c := &wsConn{
		id:     uuid.NewString(),
		srv:    s,
		ws:     ws,
		req:    r,
		codec:  CodecForSubprotocol(ws.Subprotocol()),
		send:   make(chan []byte, s.cfg.SendQueueSize),
		done:   make(chan struct{}),
		wrote:  make(chan struct{}),
		limits: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessagesPerSecond),
	}
	c.log = s.log.With("conn_id", c.id, "remote_addr", r.RemoteAddr, "subprotocol", c.codec.Subprotocol())

	if err := s.track(c); err != nil {
		writeClose(ws, websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	s.cfg.Metrics.ConnectionOpened()
	defer s.cfg.Metrics.ConnectionClosed()

	c.log.Debug("signaling connection opened")
	c.run()
	c.log.Debug("signaling connection closed")
}

// Close disconnects every open connection with 1001 going away.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.closed = true
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) track(c *wsConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errServerClosed
	}
	s.conns[c] = struct{}{}
	return nil
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// wsConn is one signaling WebSocket. All reads happen on the ServeHTTP
// goroutine; all data frames are written by writeLoop.
type wsConn struct {
	id     string
	srv    *Server
	ws     *websocket.Conn
	req    *http.Request
	codec  Codec
	log    *slog.Logger
	limits *rate.Limiter

	// identity is set once during the auth phase, before the first dispatch.
	identity *auth.Identity

	send  chan []byte
	done  chan struct{}
	wrote chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func (c *wsConn) ID() string               { return c.id }
func (c *wsConn) Identity() *auth.Identity { return c.identity }

// Send queues ev without blocking. A full queue closes the connection.
func (c *wsConn) Send(ev Event) error {
	b, err := c.codec.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		c.srv.cfg.Metrics.Rejected(metrics.RejectReasonSendQueueFull)
		c.log.Warn("signaling send queue full", "event", ev.Name)
		c.closeWith(websocket.ClosePolicyViolation, "send queue full")
		return errSendQueueFull
	}
}

// closeWith asks the writer to flush queued frames, send a close frame with
// code (0 sends none) and tear the connection down. Only the first call
// counts.
func (c *wsConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeReason = code, reason
		close(c.done)
	})
}

func (c *wsConn) fail(code, message string, closeCode int, closeReason string) {
	_ = c.Send(errorEvent(code, message))
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) run() {
	go c.writeLoop()
	defer func() {
		c.closeWith(0, "")
		<-c.wrote
		c.srv.relay.Disconnect(c.req.Context(), c)
	}()

	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
		c.srv.relay.touchPresence(c.req.Context(), c)
		return nil
	})

	if !c.authenticate() {
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))

	invalid := 0
	for {
		env, ok := c.readEnvelope(false)
		if !ok {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))

		var msg Message
		err := env.err
		if err == nil {
			if env.Name == EventAuth {
				// Tolerated when already authenticated (query or header token,
				// or AUTH_MODE=none).
				invalid = 0
				continue
			}
			msg, err = ParseClientMessage(env.Envelope)
		}
		if err != nil {
			invalid++
			c.srv.cfg.Metrics.Rejected(metrics.RejectReasonInvalidEvent)
			c.log.Debug("invalid signaling message", "err", err, "consecutive", invalid)
			if invalid >= maxConsecutiveInvalid {
				c.fail(ErrorCodeInvalidEvent, err.Error(), websocket.ClosePolicyViolation, "too many invalid messages")
				return
			}
			_ = c.Send(errorEvent(ErrorCodeInvalidEvent, err.Error()))
			continue
		}
		invalid = 0

		if err := c.srv.relay.Dispatch(c.req.Context(), c, msg); err != nil {
			c.log.Debug("signaling event rejected", "event", msg.EventName(), "err", err)
		}
	}
}

// authenticate resolves the connection identity from the upgrade request or
// a first-message auth event. It reports whether the connection may proceed.
func (c *wsConn) authenticate() bool {
	authz := c.srv.cfg.Authorizer
	id, err := authz.Authorize(c.req, nil)
	if err == nil {
		c.identity = id
		return true
	}
	if !IsAuthMissing(err) {
		c.authFailed(err)
		return false
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.AuthTimeout))
	env, ok := c.readEnvelope(true)
	if !ok {
		return false
	}
	if env.err != nil || env.Name != EventAuth {
		c.authFailed(errUnexpectedAuth)
		return false
	}
	hello, err := ParseAuthMessage(env.Envelope)
	if err != nil {
		c.authFailed(err)
		return false
	}
	id, err = authz.Authorize(c.req, &hello)
	if err != nil {
		c.authFailed(err)
		return false
	}
	c.identity = id
	return true
}

func (c *wsConn) authFailed(err error) {
	c.srv.cfg.Metrics.AuthFailure()
	c.log.Info("signaling authentication failed", "err", err)
	msg := unauthorizedMessage(err)
	if errors.Is(err, errUnexpectedAuth) {
		msg = err.Error()
	}
	c.fail(ErrorCodeUnauthorized, msg, websocket.ClosePolicyViolation, msg)
}

type readResult struct {
	Envelope
	err error
}

// readEnvelope reads one frame and decodes its envelope. A false return means
// the connection is done; decode failures are returned in err instead.
func (c *wsConn) readEnvelope(authPhase bool) (readResult, bool) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		switch {
		case errors.Is(err, websocket.ErrReadLimit):
			// gorilla has already sent 1009.
			c.srv.cfg.Metrics.Rejected(metrics.RejectReasonTooLarge)
			c.log.Info("signaling message too large")
		case isTimeout(err) && authPhase:
			c.srv.cfg.Metrics.AuthFailure()
			c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
		case isTimeout(err):
			c.log.Info("signaling connection idle")
			c.closeWith(websocket.CloseNormalClosure, "idle timeout")
		case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
			c.log.Debug("signaling read failed", "err", err)
		}
		return readResult{}, false
	}
	// Rate limit after reading so the peer sees the close frame instead of a
	// reset caused by unread bytes.
	if !c.limits.Allow() {
		c.srv.cfg.Metrics.Rejected(metrics.RejectReasonRateLimited)
		c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
		return readResult{}, false
	}
	if msgType != c.codec.FrameType() {
		c.fail(ErrorCodeInvalidEvent, "unexpected frame type for subprotocol", websocket.CloseUnsupportedData, "unexpected frame type")
		return readResult{}, false
	}

	env, err := c.codec.Decode(data)
	return readResult{Envelope: env, err: err}, true
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.wrote)
	}()

	for {
		select {
		case b := <-c.send:
			if err := c.write(b); err != nil {
				c.closeWith(0, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.closeWith(0, "")
				return
			}
		case <-c.done:
			c.flush()
			if c.closeCode != 0 {
				writeClose(c.ws, c.closeCode, c.closeReason)
			}
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case b := <-c.send:
			if err := c.write(b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(c.codec.FrameType(), b)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
