package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueLength      = 64
)

type WebSocketConfig struct {
	Router  *Router
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// IdleTimeout closes a connection that has sent nothing, not even a pong,
	// for this long. PingInterval must be shorter.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes int64
	// MaxMessagesPerSecond <= 0 disables the inbound rate limit.
	MaxMessagesPerSecond int
	SendQueueLength      int

	Clock ratelimit.Clock
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Router == nil {
		c.Router = NewRouter(RouterConfig{Logger: c.Logger, Metrics: c.Metrics})
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = min(DefaultPingInterval, c.IdleTimeout/2)
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.SendQueueLength <= 0 {
		c.SendQueueLength = DefaultSendQueueLength
	}
	return c
}

// WebSocketServer is the transport for the signaling router: one goroutine
// reads frames and feeds them to the router, another drains the outbound
// queue and sends keepalive pings.
type WebSocketServer struct {
	cfg      WebSocketConfig
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewWebSocketServer(cfg WebSocketConfig) *WebSocketServer {
	return &WebSocketServer{
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			// Origin policy is enforced by the HTTP middleware in front of
			// this handler.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

func (s *WebSocketServer) Router() *Router { return s.cfg.Router }

// ActiveConnections reports the number of open WebSocket connections.
func (s *WebSocketServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.cfg.Logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &wsConn{
		conn:  conn,
		queue: make(chan []byte, s.cfg.SendQueueLength),
		done:  make(chan struct{}),
	}
	if !s.track(c) {
		writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.untrack(c)

	s.serve(c, r.RemoteAddr)
}

func (s *WebSocketServer) serve(c *wsConn, remote string) {
	log := s.cfg.Logger.With("remote", remote)
	router := s.cfg.Router

	sess := router.Accept(c)
	log = log.With("conn_id", sess.ID())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(s.cfg.PingInterval)
	}()
	defer func() {
		c.shutdown()
		<-writerDone
		router.HandleClose(sess)
	}()

	conn := c.conn
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	limiter := ratelimit.NewTokenBucket(s.cfg.Clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.cfg.Metrics.Inc(metrics.MessageTooLarge)
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				s.cfg.Metrics.Inc(metrics.IdleTimeout)
				writeClose(conn, websocket.CloseNormalClosure, "idle timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				log.Debug("websocket read failed", "err", err)
			}
			return
		}
		extend()

		// The frame is read before the limit check so the close frame is not
		// lost behind unread data.
		if !limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.RateLimited)
			log.Warn("signaling rate limit exceeded")
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		// Text and binary frames are parsed alike.
		router.HandleMessage(sess, data)
	}
}

// Close sends a going-away close frame to every connection and waits for
// their handlers to finish. New upgrades are refused afterwards.
func (s *WebSocketServer) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		writeClose(c.conn, websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *WebSocketServer) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *WebSocketServer) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// wsConn adapts a WebSocket to Sender with a bounded outbound queue.
type wsConn struct {
	conn  *websocket.Conn
	queue chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.queue <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsConn) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
