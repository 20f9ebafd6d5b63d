// Package server implements the linechat TCP listener and the HTTP surface
// that share one Hub.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/linechat/internal/logger"
	"github.com/Tyrowin/linechat/internal/protocol"
)

// Server accepts chat connections on a TCP listener and, through its
// handlers, over WebSocket.
type Server struct {
	cfg      Config
	hub      *Hub
	logger   *slog.Logger
	origins  *originPolicy
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	running  bool
	stopped  chan struct{}
}

// NewServer creates a server for cfg. Nothing is bound until Start.
func NewServer(cfg Config, l *slog.Logger) *Server {
	cfg = cfg.Sanitize()
	l = logger.OrDiscard(l)

	s := &Server{
		cfg:     cfg,
		hub:     NewHub(cfg, l),
		logger:  l,
		origins: newOriginPolicy(cfg.AllowedOrigins, l),
		stopped: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the TCP listener and begins accepting connections in the
// background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.TCPAddr, err)
	}
	s.listener = ln
	s.running = true

	go s.hub.Run()
	go s.acceptLoop(ln)

	s.logger.Info("chat server listening", "addr", ln.Addr().String(),
		"ping_interval", s.cfg.Keepalive.Interval, "ping_tolerance", s.cfg.Keepalive.Tolerance)
	return nil
}

// Addr returns the bound TCP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer close(s.stopped)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextBackoff(backoff)
			s.logger.Warn("accept error", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.accept(conn, conn.RemoteAddr().String())
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		return time.Second
	}
	return d
}

// accept greets a fresh connection and hands it to the hub.
func (s *Server) accept(conn Conn, addr string) {
	sess := NewSession(conn, s.hub, addr)
	sess.logger.Debug("connection accepted")
	sess.Send(protocol.Welcome{Message: s.cfg.Greeting})
	s.hub.Register(sess)
}

// Shutdown stops accepting, closes every session, and waits up to timeout for
// their goroutines. Peers are not notified of each other's departure.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	ln, running := s.listener, s.running
	s.running = false
	s.mu.Unlock()

	if !running {
		return nil
	}

	if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("error closing listener", "error", err)
	}
	<-s.stopped

	return s.hub.Shutdown(timeout)
}
