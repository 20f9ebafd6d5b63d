// Package protocol defines the line-oriented chat wire format: the closed set of
// message variants, the header table that names them, and the codec that turns
// lines into typed messages and back.
package protocol

import "fmt"

// Type identifies a message variant. The set is closed; every Type has exactly
// one wire header.
type Type uint8

// Message variants in wire-header order.
const (
	TypeResponse Type = iota + 1
	TypeWelcome
	TypeLogin
	TypeArrived
	TypeLeft
	TypeDisconnected
	TypeBroadcast
	TypePrivate
	TypePing
	TypePong
	TypeParseError
	TypePongError
	TypeList
	TypeBye
)

var headers = map[Type]string{
	TypeResponse:     "RESPONSE",
	TypeWelcome:      "GREET",
	TypeLogin:        "LOGIN",
	TypeArrived:      "ARRIVED",
	TypeLeft:         "LEFT",
	TypeDisconnected: "DISCONNECTED",
	TypeBroadcast:    "BROADCAST",
	TypePrivate:      "PRIVATE",
	TypePing:         "PING",
	TypePong:         "PONG",
	TypeParseError:   "PARSE_ERROR",
	TypePongError:    "PONG_ERROR",
	TypeList:         "LIST",
	TypeBye:          "BYE",
}

var types = make(map[string]Type, len(headers))

func init() {
	for t, h := range headers {
		if prev, dup := types[h]; dup {
			panic(fmt.Sprintf("protocol: header %q registered for both %d and %d", h, prev, t))
		}
		types[h] = t
	}
}

// String returns the wire header of t.
func (t Type) String() string {
	if h, ok := headers[t]; ok {
		return h
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Header returns the wire header of t and whether t is registered.
func (t Type) Header() (string, bool) {
	h, ok := headers[t]
	return h, ok
}

// LookupHeader returns the Type registered for header.
func LookupHeader(header string) (Type, bool) {
	t, ok := types[header]
	return t, ok
}

// IsCommand reports whether clients may send t to the server.
func (t Type) IsCommand() bool {
	switch t {
	case TypeLogin, TypeList, TypeBroadcast, TypePrivate, TypePong, TypeBye:
		return true
	default:
		return false
	}
}

// Message is implemented by every payload struct.
type Message interface {
	Type() Type
}

// Response is the generic acknowledgement envelope. To names the command being
// answered; Content is "OK", "ERROR" or a command specific payload.
type Response struct {
	Content any    `json:"content"`
	Status  int    `json:"status"`
	To      string `json:"to"`
}

// Welcome is sent once when a connection is accepted.
type Welcome struct {
	Message string `json:"message"`
}

// Login requests a username for the connection.
type Login struct {
	Username string `json:"username"`
}

// Arrived announces a peer that just logged in.
type Arrived struct {
	Username string `json:"username"`
}

// Left announces a peer that disconnected on its own.
type Left struct {
	Username string `json:"username"`
}

// Disconnected announces a peer that was dropped by the server.
type Disconnected struct {
	Username string `json:"username"`
}

// Broadcast carries a message for every logged in user. Username is empty when
// sent by a client and holds the sender when delivered.
type Broadcast struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// Private carries a message for a single user. Username is the receiver when
// sent by a client and the sender when delivered.
type Private struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// Ping is the server's keepalive probe.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// ParseError reports a line that could not be decoded.
type ParseError struct{}

// PongError is registered for wire compatibility; clients decoding server output
// may encounter it.
type PongError struct{}

// List requests the names of the other logged in users.
type List struct{}

// Bye ends the session.
type Bye struct{}

func (Response) Type() Type     { return TypeResponse }
func (Welcome) Type() Type      { return TypeWelcome }
func (Login) Type() Type        { return TypeLogin }
func (Arrived) Type() Type      { return TypeArrived }
func (Left) Type() Type         { return TypeLeft }
func (Disconnected) Type() Type { return TypeDisconnected }
func (Broadcast) Type() Type    { return TypeBroadcast }
func (Private) Type() Type      { return TypePrivate }
func (Ping) Type() Type         { return TypePing }
func (Pong) Type() Type         { return TypePong }
func (ParseError) Type() Type   { return TypeParseError }
func (PongError) Type() Type    { return TypePongError }
func (List) Type() Type         { return TypeList }
func (Bye) Type() Type          { return TypeBye }

// newPayload returns a pointer to a zero payload for t, ready for unmarshaling.
func newPayload(t Type) Message {
	switch t {
	case TypeResponse:
		return &Response{}
	case TypeWelcome:
		return &Welcome{}
	case TypeLogin:
		return &Login{}
	case TypeArrived:
		return &Arrived{}
	case TypeLeft:
		return &Left{}
	case TypeDisconnected:
		return &Disconnected{}
	case TypeBroadcast:
		return &Broadcast{}
	case TypePrivate:
		return &Private{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeParseError:
		return &ParseError{}
	case TypePongError:
		return &PongError{}
	case TypeList:
		return &List{}
	case TypeBye:
		return &Bye{}
	default:
		return nil
	}
}
