// Package server coordinates session registration, notification fan-out, and
// connection cleanup for the chat system via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/linechat/internal/keepalive"
	"github.com/Tyrowin/linechat/internal/logger"
	"github.com/Tyrowin/linechat/internal/protocol"
)

// Hub tracks every live session, owns the username registry and the keepalive
// scheduler, and fans notifications out to logged in users.
type Hub struct {
	sessions   map[*Session]bool
	registry   *Registry
	keepalive  *keepalive.Scheduler
	dispatcher *Dispatcher
	register   chan *Session
	unregister chan *Session
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	cfg        Config
	logger     *slog.Logger
}

// NewHub creates and initializes a new Hub. Run must be called before sessions
// are registered.
func NewHub(cfg Config, l *slog.Logger) *Hub {
	cfg = cfg.Sanitize()
	l = logger.OrDiscard(l)
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		sessions:   make(map[*Session]bool),
		registry:   NewRegistry(),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		cfg:        cfg,
		logger:     l,
	}
	h.keepalive = keepalive.NewScheduler(keepalive.Config{
		Interval:  cfg.Keepalive.Interval,
		Tolerance: cfg.Keepalive.Tolerance,
	}, l)
	h.dispatcher = NewDispatcher(h)
	return h
}

// Registry returns the username registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Dispatcher returns the command dispatcher.
func (h *Hub) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// Keepalive returns the heartbeat scheduler.
func (h *Hub) Keepalive() *keepalive.Scheduler {
	return h.keepalive
}

// Register hands a new session to the hub, which starts its pumps. If the hub
// is shutting down the connection is closed instead.
func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.ctx.Done():
		s.evict(reasonShutdown)
		s.closeSend()
	}
}

// disconnect is the tail of every read pump: release the username, tell the
// others, and let the write pump drain and close.
func (h *Hub) disconnect(s *Session) {
	h.dispatcher.Disconnect(s)

	select {
	case h.unregister <- s:
	case <-h.done:
		s.closeSend()
	}
}

// Run starts the hub's main event loop, handling session registration and
// unregistration. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case s := <-h.register:
			if s == nil {
				h.logger.Warn("received nil session registration; skipping")
				continue
			}

			h.mutex.Lock()
			h.sessions[s] = true
			count := len(h.sessions)
			h.mutex.Unlock()
			s.logger.Info("session registered", "total", count)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				s.writePump()
			}()
			go func() {
				defer h.wg.Done()
				s.readPump()
			}()

		case s := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				count := len(h.sessions)
				h.mutex.Unlock()
				s.closeSend()
				s.logger.Info("session unregistered", "reason", s.closeReason(), "total", count)
			} else {
				h.mutex.Unlock()
				s.closeSend()
			}
		}
	}
}

// SessionCount returns the number of open connections, logged in or not.
func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// Broadcast delivers msg to every logged in session except sender. Sessions
// whose queue is full are evicted rather than waited for.
func (h *Hub) Broadcast(msg protocol.Message, sender *Session) {
	line := protocol.MustEncode(msg)
	recipients := h.registry.Sessions(sender)

	h.logger.Debug("broadcasting", "type", msg.Type(), "targets", len(recipients))

	failed := h.broadcastToClients(recipients, line)
	h.removeFailedClients(failed)
}

// broadcastToClients queues line on each recipient and returns those whose
// queue was full or closed.
func (h *Hub) broadcastToClients(recipients []*Session, line []byte) []*Session {
	var failed []*Session
	for _, s := range recipients {
		if !s.enqueue(line) {
			failed = append(failed, s)
		}
	}
	return failed
}

// removeFailedClients evicts sessions that could not take a notification.
func (h *Hub) removeFailedClients(failed []*Session) {
	for _, s := range failed {
		s.logger.Warn("evicting session due to full send buffer")
		s.evict(reasonSlowConsumer)
	}
}

// shutdownClients closes every active connection.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	h.mutex.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[*Session]bool)
	h.mutex.Unlock()

	for _, s := range sessions {
		s.evict(reasonShutdown)
	}

	h.logger.Info("closed client connections", "count", len(sessions))
}

// Shutdown stops the hub, closes every session, and waits for their goroutines
// to finish or for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done
	h.keepalive.StopAll()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
