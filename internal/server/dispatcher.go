package server

import (
	"errors"
	"log/slog"
	"regexp"
	"unicode/utf8"

	"github.com/Tyrowin/linechat/internal/keepalive"
	"github.com/Tyrowin/linechat/internal/protocol"
)

// Username limits, in characters.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 14
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// errSessionEnded is returned by HandleLine once the client has said BYE.
var errSessionEnded = errors.New("session ended by client")

// Dispatcher applies client commands to a session and the shared registry.
// Calls for one session come only from that session's read pump.
type Dispatcher struct {
	hub       *Hub
	registry  *Registry
	keepalive *keepalive.Scheduler
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher bound to hub.
func NewDispatcher(hub *Hub) *Dispatcher {
	return &Dispatcher{
		hub:       hub,
		registry:  hub.registry,
		keepalive: hub.keepalive,
		logger:    hub.logger,
	}
}

// HandleLine decodes one inbound line and handles it. Lines that cannot be
// decoded are answered with PARSE_ERROR and the session stays open.
func (d *Dispatcher) HandleLine(s *Session, line []byte) error {
	msg, err := protocol.Decode(line)
	if err != nil {
		s.logger.Debug("unparseable line", "error", err)
		s.Send(protocol.ParseError{})
		return nil
	}
	return d.Handle(s, msg)
}

// Handle runs a decoded command.
func (d *Dispatcher) Handle(s *Session, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Login:
		d.handleLogin(s, m)
	case *protocol.List:
		d.handleList(s)
	case *protocol.Broadcast:
		d.handleBroadcast(s, m)
	case *protocol.Private:
		d.handlePrivate(s, m)
	case *protocol.Pong:
		d.handlePong(s)
	case *protocol.Bye:
		s.Send(protocol.OK(protocol.TypeBye))
		return errSessionEnded
	default:
		s.logger.Debug("client sent a non-command message", "type", msg.Type())
		s.Send(protocol.ParseError{})
	}
	return nil
}

// ValidateUsername reports the status a LOGIN with name would be rejected
// with, or StatusOK.
func ValidateUsername(name string) int {
	n := utf8.RuneCountInString(name)
	if n < MinUsernameLength || n > MaxUsernameLength {
		return protocol.StatusInvalidUsername
	}
	if !usernamePattern.MatchString(name) {
		return protocol.StatusInvalidUsername
	}
	return protocol.StatusOK
}

func (d *Dispatcher) handleLogin(s *Session, m *protocol.Login) {
	if s.State() == StateAuthenticated {
		s.Send(protocol.Error(protocol.StatusAlreadyAuthenticated, protocol.TypeLogin))
		return
	}

	if status := ValidateUsername(m.Username); status != protocol.StatusOK {
		s.logger.Debug("rejected username", "username", m.Username)
		s.Send(protocol.Error(status, protocol.TypeLogin))
		return
	}

	if !s.login(m.Username, d.registry) {
		s.logger.Debug("username taken", "username", m.Username)
		s.Send(protocol.Error(protocol.StatusDuplicateUsername, protocol.TypeLogin))
		return
	}

	s.logger.Info("user logged in", "user", m.Username)

	s.setMonitor(d.keepalive.Start(s.ID, s))
	d.hub.Broadcast(protocol.Arrived{Username: m.Username}, s)
}

func (d *Dispatcher) handleList(s *Session) {
	self, _ := s.Username()
	s.Send(protocol.Result(protocol.TypeList, d.registry.Names(self)))
}

func (d *Dispatcher) handleBroadcast(s *Session, m *protocol.Broadcast) {
	name, ok := s.Username()
	if !ok {
		s.Send(protocol.Error(protocol.StatusNotAuthenticated, protocol.TypeLogin))
		return
	}

	s.Send(protocol.OK(protocol.TypeBroadcast))
	d.hub.Broadcast(protocol.Broadcast{Username: name, Message: m.Message}, s)
}

func (d *Dispatcher) handlePrivate(s *Session, m *protocol.Private) {
	name, ok := s.Username()
	if !ok {
		s.Send(protocol.Error(protocol.StatusNotAuthenticated, protocol.TypeLogin))
		return
	}

	if m.Username == name {
		s.Send(protocol.Error(protocol.StatusSelfTarget, protocol.TypePrivate))
		return
	}

	target, found := d.registry.Lookup(m.Username)
	if !found {
		s.Send(protocol.NotFoundError(protocol.TypePrivate, "receiver", m.Username))
		return
	}

	s.Send(protocol.OK(protocol.TypePrivate))
	target.Send(protocol.Private{Username: name, Message: m.Message})
}

func (d *Dispatcher) handlePong(s *Session) {
	m := s.keepaliveMonitor()
	if m == nil || !m.Pong() {
		s.Send(protocol.Error(protocol.StatusUnsolicitedPong, protocol.TypePong))
	}
}

// Disconnect releases the session's username and tells the remaining users
// how it went: LEFT when the client closed or said BYE, DISCONNECTED when the
// server dropped it. Nothing is sent during shutdown.
func (d *Dispatcher) Disconnect(s *Session) {
	name, authed := s.detach()
	if !authed {
		return
	}
	if !d.registry.Remove(name, s) {
		return
	}

	reason := s.closeReason()
	s.logger.Info("user logged out", "user", name, "reason", reason)

	switch reason {
	case reasonShutdown:
	case reasonClientClosed:
		d.hub.Broadcast(protocol.Left{Username: name}, s)
	default:
		d.hub.Broadcast(protocol.Disconnected{Username: name}, s)
	}
}
