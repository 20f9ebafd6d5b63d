// Package server manages individual chat sessions, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/linechat/internal/keepalive"
	"github.com/Tyrowin/linechat/internal/protocol"
)

// Conn is the byte stream a session runs on. *net.TCPConn satisfies it, as
// does the WebSocket adapter.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	SetWriteDeadline(t time.Time) error
}

// SessionState is the authentication state of a session.
type SessionState int32

// Session states. There is no way back to StateUnauthenticated.
const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
)

func (st SessionState) String() string {
	switch st {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// closeReason records why a session ended; the first reason set wins.
type closeReason int32

const (
	reasonNone closeReason = iota
	reasonClientClosed
	reasonTransport
	reasonSlowConsumer
	reasonKeepalive
	reasonShutdown
)

func (r closeReason) String() string {
	switch r {
	case reasonClientClosed:
		return "client closed"
	case reasonTransport:
		return "transport failure"
	case reasonSlowConsumer:
		return "send queue full"
	case reasonKeepalive:
		return "keepalive timeout"
	case reasonShutdown:
		return "server shutdown"
	default:
		return "none"
	}
}

// Session is the server side of one client connection. The read pump is the
// only goroutine that dispatches commands for it; other sessions reach it only
// through its outbound queue.
type Session struct {
	ID string

	conn           Conn
	addr           string
	hub            *Hub
	send           chan []byte
	logger         *slog.Logger
	maxMessageSize int
	writeTimeout   time.Duration
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	mu       sync.Mutex
	state    SessionState
	username string
	monitor  *keepalive.Monitor
	closed   bool

	// ctx is cancelled once the session is evicted or its read pump ends.
	ctx    context.Context
	cancel context.CancelFunc

	reason    atomic.Int32
	closeOnce sync.Once
}

// NewSession creates a new Session for conn, attached to hub. The outbound
// queue is bounded by the hub's configured SendQueueSize.
func NewSession(conn Conn, hub *Hub, addr string) *Session {
	cfg := hub.cfg
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		ID:             id,
		conn:           conn,
		addr:           addr,
		hub:            hub,
		send:           make(chan []byte, cfg.SendQueueSize),
		logger:         hub.logger.With("session", id, "addr", addr),
		maxMessageSize: cfg.MaxMessageSize,
		writeTimeout:   cfg.WriteTimeout,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Addr returns the remote address the session was accepted from.
func (s *Session) Addr() string {
	return s.addr
}

// GetSendChan returns the session's outbound queue of encoded lines.
func (s *Session) GetSendChan() <-chan []byte {
	return s.send
}

// State returns the current authentication state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username returns the logged in name, if any.
func (s *Session) Username() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.state == StateAuthenticated
}

// Send queues msg for delivery. A full queue means the peer is not keeping
// up; the session is evicted and Send returns false.
func (s *Session) Send(msg protocol.Message) bool {
	if s.enqueue(protocol.MustEncode(msg)) {
		return true
	}
	s.evict(reasonSlowConsumer)
	return false
}

func (s *Session) enqueue(line []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(line)
}

func (s *Session) enqueueLocked(line []byte) bool {
	if s.closed {
		return false
	}
	select {
	case s.send <- line:
		return true
	default:
		return false
	}
}

// login claims name in registry and moves the session to
// StateAuthenticated. The acknowledgement is queued before the session lock
// is released, so no notification about other users can overtake it.
func (s *Session) login(name string, registry *Registry) bool {
	s.mu.Lock()
	if !registry.TryAdd(name, s) {
		s.mu.Unlock()
		return false
	}
	s.state = StateAuthenticated
	s.username = name
	ok := s.enqueueLocked(protocol.MustEncode(protocol.OK(protocol.TypeLogin)))
	s.mu.Unlock()

	if !ok {
		s.evict(reasonSlowConsumer)
	}
	return true
}

func (s *Session) setMonitor(m *keepalive.Monitor) {
	s.mu.Lock()
	s.monitor = m
	s.mu.Unlock()
}

func (s *Session) keepaliveMonitor() *keepalive.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor
}

// detach stops the heartbeat and reports the name the session held.
func (s *Session) detach() (string, bool) {
	s.mu.Lock()
	m := s.monitor
	s.monitor = nil
	name, authed := s.username, s.state == StateAuthenticated
	s.mu.Unlock()

	if m != nil {
		m.Stop()
	}
	return name, authed
}

// SendPing implements keepalive.Target.
func (s *Session) SendPing() bool {
	return s.Send(protocol.Ping{})
}

// Expire implements keepalive.Target.
func (s *Session) Expire() {
	s.evict(reasonKeepalive)
}

func (s *Session) setReason(r closeReason) {
	s.reason.CompareAndSwap(int32(reasonNone), int32(r))
}

func (s *Session) closeReason() closeReason {
	return closeReason(s.reason.Load())
}

// evict tears the connection down from outside the read pump. The read pump
// then observes the closed connection and runs the normal disconnect path.
func (s *Session) evict(r closeReason) {
	s.setReason(r)
	s.cancel()
	s.closeConnection()
}

// closeConnection safely closes the underlying connection once.
func (s *Session) closeConnection() {
	s.closeOnce.Do(func() {
		if s.conn == nil {
			return
		}
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing connection", "error", err)
		}
	})
}

// closeSend closes the outbound queue. The write pump drains what is left and
// then closes the connection.
func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// handleReadError logs the read failure and records the close reason.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.setReason(reasonClientClosed)
		s.logger.Info("client disconnected")
	case errors.Is(err, bufio.ErrTooLong):
		s.setReason(reasonTransport)
		s.logger.Warn("line exceeded maximum size", "limit", s.maxMessageSize)
	case isExpectedCloseError(err):
		s.setReason(reasonTransport)
		s.logger.Info("connection closed", "reason", s.closeReason())
	default:
		s.setReason(reasonTransport)
		s.logger.Warn("read error", "error", err)
	}
}

// throttle holds the read pump back while the client is over its rate
// limit. Lines are delayed, never discarded. It fails only once the session
// has been evicted.
func (s *Session) throttle() error {
	if s.rateLimiter == nil {
		return nil
	}
	throttled, err := s.rateLimiter.wait(s.ctx)
	if throttled {
		s.logger.Debug("rate limit exceeded; delaying line", "burst", s.rateLimit.Burst, "per", s.rateLimit.RefillInterval)
	}
	return err
}

func (s *Session) readPump() {
	defer s.hub.disconnect(s)
	defer s.cancel()

	reader := protocol.NewLineReader(s.conn, s.maxMessageSize)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		if err := s.throttle(); err != nil {
			s.logger.Debug("read pump stopped while throttled", "reason", s.closeReason())
			return
		}

		if err := s.hub.dispatcher.HandleLine(s, line); err != nil {
			if errors.Is(err, errSessionEnded) {
				s.setReason(reasonClientClosed)
				s.logger.Info("client said goodbye")
				return
			}
			s.logger.Warn("dispatch error", "error", err)
		}
	}
}

func (s *Session) writePump() {
	defer s.closeConnection()

	w := bufio.NewWriter(s.conn)
	for line := range s.send {
		if !s.writeLine(w, line) || !s.writeQueuedMessages(w) || !s.flush(w) {
			s.evict(reasonTransport)
			return
		}
	}
}

// writeLine buffers one line and its terminator.
func (s *Session) writeLine(w *bufio.Writer, line []byte) bool {
	if _, err := w.Write(line); err != nil {
		s.logger.Debug("error writing line", "error", err)
		return false
	}
	if err := w.WriteByte('\n'); err != nil {
		s.logger.Debug("error writing newline", "error", err)
		return false
	}
	return true
}

// writeQueuedMessages buffers whatever else is already queued so a burst is
// written with a single flush.
func (s *Session) writeQueuedMessages(w *bufio.Writer) bool {
	n := len(s.send)
	for i := 0; i < n; i++ {
		line, ok := <-s.send
		if !ok {
			return true
		}
		if !s.writeLine(w, line) {
			return false
		}
	}
	return true
}

func (s *Session) flush(w *bufio.Writer) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug("error setting write deadline", "error", err)
	}
	if err := w.Flush(); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Warn("error flushing to client", "error", err)
		}
		return false
	}
	return true
}
