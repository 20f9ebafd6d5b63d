// Package keepalive runs the per-session PING/PONG heartbeat.
//
// Each monitored session gets its own timer goroutine. A PING is sent every
// Interval, measured from Start or from the previous PING; while a PING is
// outstanding no further PING is sent. If the PONG has not arrived within
// Interval+Tolerance of the PING, the target is expired and the monitor stops.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/linechat/internal/logger"
)

// Defaults used when a Config field is zero.
const (
	DefaultInterval  = 10 * time.Second
	DefaultTolerance = 100 * time.Millisecond
)

// Config controls heartbeat timing.
type Config struct {
	Interval  time.Duration
	Tolerance time.Duration
}

func (c Config) sanitize() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Tolerance < 0 {
		c.Tolerance = DefaultTolerance
	}
	return c
}

// Target is the session side of a heartbeat.
type Target interface {
	// SendPing queues a PING for delivery and reports whether it was accepted.
	SendPing() bool
	// Expire is called once when a PING went unanswered.
	Expire()
}

// Scheduler starts and tracks monitors.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	monitors map[string]*Monitor
}

// NewScheduler creates a scheduler. A nil logger discards output.
func NewScheduler(cfg Config, l *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg.sanitize(),
		logger:   logger.OrDiscard(l),
		monitors: make(map[string]*Monitor),
	}
}

// Config returns the effective timing.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start begins monitoring target under id. Starting an id that is already
// monitored stops the previous monitor first.
func (s *Scheduler) Start(id string, target Target) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		id:        id,
		cfg:       s.cfg,
		target:    target,
		scheduler: s,
		cancel:    cancel,
		done:      make(chan struct{}),
		lastPong:  time.Now(),
	}

	s.mu.Lock()
	prev := s.monitors[id]
	s.monitors[id] = m
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	go m.run(ctx)
	s.logger.Debug("keepalive started", "session", id, "interval", s.cfg.Interval)
	return m
}

// Active returns the number of running monitors.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// StopAll stops every monitor and waits for their goroutines to exit.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	monitors := make([]*Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
		<-m.done
	}
}

func (s *Scheduler) remove(m *Monitor) {
	s.mu.Lock()
	if s.monitors[m.id] == m {
		delete(s.monitors, m.id)
	}
	s.mu.Unlock()
}

// Monitor is the heartbeat of a single session.
type Monitor struct {
	id        string
	cfg       Config
	target    Target
	scheduler *Scheduler
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once

	mu         sync.Mutex
	pending    bool
	pingSentAt time.Time
	lastPong   time.Time
}

// Pong records a PONG. It returns false when no PING was outstanding, which
// callers report as an unsolicited PONG.
func (m *Monitor) Pong() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return false
	}
	m.pending = false
	m.lastPong = time.Now()
	return true
}

// Pending reports whether a PING is waiting for its PONG.
func (m *Monitor) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// PendingSince returns when the outstanding PING was sent. ok is false when
// no PING is outstanding.
func (m *Monitor) PendingSince() (sent time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return time.Time{}, false
	}
	return m.pingSentAt, true
}

// LastPong returns when the last PONG arrived, or when monitoring started.
func (m *Monitor) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}

// Stop ends monitoring without expiring the target. It is safe to call more
// than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.scheduler.remove(m)
	})
}

// Done is closed when the monitor goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) beginPing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending {
		return false
	}
	m.pending = true
	m.pingSentAt = time.Now()
	return true
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ping := time.NewTimer(m.cfg.Interval)
	defer ping.Stop()
	deadline := time.NewTimer(0)
	deadline.Stop()
	defer deadline.Stop()
	var deadlineC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			if m.beginPing() {
				if !m.target.SendPing() {
					m.scheduler.logger.Debug("keepalive ping not queued", "session", m.id)
				}
				deadline.Reset(m.cfg.Interval + m.cfg.Tolerance)
				deadlineC = deadline.C
			}
			ping.Reset(m.cfg.Interval)

		case <-deadlineC:
			deadlineC = nil
			if sent, pending := m.PendingSince(); pending {
				m.scheduler.logger.Info("keepalive timeout", "session", m.id, "waited", time.Since(sent))
				m.Stop()
				m.target.Expire()
				return
			}
		}
	}
}
