package server_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/protocol"
	"github.com/Tyrowin/linechat/internal/server"
	th "github.com/Tyrowin/linechat/internal/testhelpers"
)

const silence = 200 * time.Millisecond

func TestGreetingOnConnect(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	c := th.Dial(t, srv.Addr().String())

	msg := c.Expect(protocol.TypeWelcome).(*protocol.Welcome)
	assert.Equal(t, server.DefaultGreeting, msg.Message)
}

func TestLoginSucceeds(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	c := th.DialGreeted(t, srv)

	c.SendLine(`LOGIN {"username":"myname"}`)
	resp := c.ExpectStatus(protocol.StatusOK, protocol.TypeLogin)
	assert.Equal(t, protocol.ContentOK, resp.Content)
	assert.True(t, srv.Hub().Registry().Contains("myname"))
}

func TestLoginUsernameValidation(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		status int
	}{
		{"too short", `LOGIN {"username":"ab"}`, protocol.StatusInvalidUsername},
		{"shortest", `LOGIN {"username":"abc"}`, protocol.StatusOK},
		{"longest", `LOGIN {"username":"abcdefghijklmn"}`, protocol.StatusOK},
		{"too long", `LOGIN {"username":"abcdefghijklmno"}`, protocol.StatusInvalidUsername},
		{"asterisk", `LOGIN {"username":"*a*"}`, protocol.StatusInvalidUsername},
		{"space", `LOGIN {"username":"a b c"}`, protocol.StatusInvalidUsername},
		{"underscore", `LOGIN {"username":"a_b_c"}`, protocol.StatusOK},
		{"empty body", `LOGIN `, protocol.StatusInvalidUsername},
		{"bare header", `LOGIN`, protocol.StatusInvalidUsername},
	}

	srv := th.StartServer(t, th.TestConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := th.DialGreeted(t, srv)
			c.SendLine(tt.line)
			c.ExpectStatus(tt.status, protocol.TypeLogin)
			c.Close()
		})
	}
}

func TestLoginDuplicateName(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	th.DialLoggedIn(t, srv, "taken")

	c := th.DialGreeted(t, srv)
	c.Send(protocol.Login{Username: "taken"})
	c.ExpectStatus(protocol.StatusDuplicateUsername, protocol.TypeLogin)
}

func TestLoginTwice(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	c := th.DialLoggedIn(t, srv, "first")

	c.Send(protocol.Login{Username: "second"})
	c.ExpectStatus(protocol.StatusAlreadyAuthenticated, protocol.TypeLogin)

	// The check applies before the name is validated.
	c.Send(protocol.Login{Username: "*"})
	c.ExpectStatus(protocol.StatusAlreadyAuthenticated, protocol.TypeLogin)
}

func TestConcurrentLoginsWithSameName(t *testing.T) {
	const contenders = 10

	srv := th.StartServer(t, th.TestConfig())
	clients := make([]*th.Client, contenders)
	for i := range clients {
		clients[i] = th.DialGreeted(t, srv)
	}

	line, err := protocol.Encode(protocol.Login{Username: "racer"})
	require.NoError(t, err)
	line = append(line, '\n')

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *th.Client) {
			defer wg.Done()
			<-start
			_, _ = c.Conn().Write(line)
		}(c)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, c := range clients {
		resp := c.ExpectResponse()
		switch resp.Status {
		case protocol.StatusOK:
			winners++
		case protocol.StatusDuplicateUsername:
		default:
			t.Fatalf("unexpected status %d", resp.Status)
		}
	}
	assert.Equal(t, 1, winners)
	assert.True(t, srv.Hub().Registry().Contains("racer"))
	assert.Equal(t, 1, srv.Hub().Registry().Len())
}

func TestBurstBeyondRateLimitIsDelayedNotDropped(t *testing.T) {
	const lines = 30

	cfg := th.TestConfig()
	cfg.RateLimit = server.RateLimitConfig{Burst: 5, RefillInterval: 100 * time.Millisecond}
	srv := th.StartServer(t, cfg)
	c := th.DialLoggedIn(t, srv, "eager")

	c.SendRaw(strings.Repeat("LIST\n", lines))
	for i := 0; i < lines; i++ {
		resp := c.ExpectResponse()
		assert.Equal(t, protocol.StatusOK, resp.Status, "response %d", i)
		assert.Equal(t, "LIST", resp.To, "response %d", i)
	}
	c.ExpectSilence(silence)
}

func TestArrivedNotification(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	first := th.DialLoggedIn(t, srv, "first")
	second := th.DialLoggedIn(t, srv, "second")

	arrived := first.Expect(protocol.TypeArrived).(*protocol.Arrived)
	assert.Equal(t, "second", arrived.Username)
	second.ExpectSilence(silence)
}

func TestList(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())

	alone := th.DialLoggedIn(t, srv, "alone")
	alone.SendLine("LIST")
	resp := alone.ExpectStatus(protocol.StatusOK, protocol.TypeList)
	assert.Equal(t, []any{}, resp.Content)

	th.DialLoggedIn(t, srv, "bob")
	alone.Expect(protocol.TypeArrived)
	th.DialLoggedIn(t, srv, "carol")
	alone.Expect(protocol.TypeArrived)

	alone.SendLine("LIST")
	resp = alone.ExpectStatus(protocol.StatusOK, protocol.TypeList)
	assert.Equal(t, []any{"bob", "carol"}, resp.Content)

	guest := th.DialGreeted(t, srv)
	guest.SendLine("LIST")
	resp = guest.ExpectStatus(protocol.StatusOK, protocol.TypeList)
	assert.Equal(t, []any{"alone", "bob", "carol"}, resp.Content)
}

func TestBroadcast(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	a := th.DialLoggedIn(t, srv, "alice")
	b := th.DialLoggedIn(t, srv, "bob")
	a.Expect(protocol.TypeArrived)
	c := th.DialLoggedIn(t, srv, "carol")
	a.Expect(protocol.TypeArrived)
	b.Expect(protocol.TypeArrived)

	a.Send(protocol.Broadcast{Message: "hello <everyone> & all"})
	a.ExpectStatus(protocol.StatusOK, protocol.TypeBroadcast)

	for _, other := range []*th.Client{b, c} {
		msg := other.Expect(protocol.TypeBroadcast).(*protocol.Broadcast)
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "hello <everyone> & all", msg.Message)
	}
	a.ExpectSilence(silence)
}

func TestBroadcastRequiresLogin(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	th.DialLoggedIn(t, srv, "listener")

	c := th.DialGreeted(t, srv)
	c.Send(protocol.Broadcast{Message: "anyone?"})
	c.ExpectStatus(protocol.StatusNotAuthenticated, protocol.TypeLogin)
}

func TestPrivateMessage(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	a := th.DialLoggedIn(t, srv, "alice")
	b := th.DialLoggedIn(t, srv, "bob")
	a.Expect(protocol.TypeArrived)
	c := th.DialLoggedIn(t, srv, "carol")
	a.Expect(protocol.TypeArrived)
	b.Expect(protocol.TypeArrived)

	a.SendLine(`PRIVATE {"username":"bob","message":"psst"}`)
	a.ExpectStatus(protocol.StatusOK, protocol.TypePrivate)

	msg := b.Expect(protocol.TypePrivate).(*protocol.Private)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "psst", msg.Message)

	c.ExpectSilence(silence)
	a.ExpectSilence(silence)
}

func TestPrivateMessageErrors(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	a := th.DialLoggedIn(t, srv, "alice")

	a.Send(protocol.Private{Username: "alice", Message: "me"})
	a.ExpectStatus(protocol.StatusSelfTarget, protocol.TypePrivate)

	a.Send(protocol.Private{Username: "nobody", Message: "hi"})
	resp := a.ExpectStatus(protocol.StatusNotFound, protocol.TypePrivate)
	nf := th.DecodeNotFound(t, resp)
	assert.Equal(t, "receiver", nf.Field)
	assert.Equal(t, "nobody", nf.Value)

	guest := th.DialGreeted(t, srv)
	guest.Send(protocol.Private{Username: "alice", Message: "hi"})
	guest.ExpectStatus(protocol.StatusNotAuthenticated, protocol.TypeLogin)
	a.ExpectSilence(silence)
}

func TestParseErrors(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	c := th.DialGreeted(t, srv)

	for _, line := range []string{
		`LOGIN {"}`,
		`NOT_A_HEADER {}`,
		`login {"username":"lower"}`,
		`PING`,
		`GREET {"message":"hi"}`,
		`BROADCAST [1,2]`,
	} {
		c.SendLine(line)
		assert.Equal(t, "PARSE_ERROR", c.MustReadLine(), "line %q", line)
	}

	c.SendLine(`LOGIN {"username":"stillok"}`)
	c.ExpectStatus(protocol.StatusOK, protocol.TypeLogin)
}

func TestUnsolicitedPong(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())

	guest := th.DialGreeted(t, srv)
	guest.SendLine("PONG")
	guest.ExpectStatus(protocol.StatusUnsolicitedPong, protocol.TypePong)

	user := th.DialLoggedIn(t, srv, "ponger")
	user.SendLine("PONG")
	user.ExpectStatus(protocol.StatusUnsolicitedPong, protocol.TypePong)
}

func TestLineFraming(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())

	t.Run("fragmented", func(t *testing.T) {
		c := th.DialGreeted(t, srv)
		c.SendRaw(`LOGIN {"user`)
		time.Sleep(50 * time.Millisecond)
		c.SendRaw(`name":"frag"}`)
		time.Sleep(50 * time.Millisecond)
		c.SendRaw("\n")
		c.ExpectStatus(protocol.StatusOK, protocol.TypeLogin)
	})

	t.Run("crlf", func(t *testing.T) {
		c := th.DialGreeted(t, srv)
		c.SendRaw("LOGIN {\"username\":\"crlf\"}\r\n")
		c.ExpectStatus(protocol.StatusOK, protocol.TypeLogin)
	})

	t.Run("several per write", func(t *testing.T) {
		c := th.DialGreeted(t, srv)
		c.SendRaw("LIST\n\nLIST\n")
		c.ExpectStatus(protocol.StatusOK, protocol.TypeList)
		c.ExpectStatus(protocol.StatusOK, protocol.TypeList)
	})
}

func TestClientCloseNotifiesLeft(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	a := th.DialLoggedIn(t, srv, "stayer")
	b := th.DialLoggedIn(t, srv, "leaver")
	a.Expect(protocol.TypeArrived)

	b.Close()

	left := a.Expect(protocol.TypeLeft).(*protocol.Left)
	assert.Equal(t, "leaver", left.Username)
	assert.Eventually(t, func() bool {
		return !srv.Hub().Registry().Contains("leaver")
	}, time.Second, 10*time.Millisecond)
}

func TestByeClosesSession(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	a := th.DialLoggedIn(t, srv, "stayer")
	b := th.DialLoggedIn(t, srv, "leaver")
	a.Expect(protocol.TypeArrived)

	b.SendLine("BYE")
	b.ExpectStatus(protocol.StatusOK, protocol.TypeBye)
	b.ExpectClosed(time.Second)

	left := a.Expect(protocol.TypeLeft).(*protocol.Left)
	assert.Equal(t, "leaver", left.Username)

	// The name is free again.
	th.DialLoggedIn(t, srv, "leaver")
}

func TestUnauthenticatedCloseIsSilent(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	a := th.DialLoggedIn(t, srv, "watcher")

	guest := th.DialGreeted(t, srv)
	guest.Close()

	a.ExpectSilence(silence)
}

func TestKeepalive(t *testing.T) {
	cfg := th.TestConfig()
	cfg.Keepalive.Interval = 200 * time.Millisecond
	cfg.Keepalive.Tolerance = 100 * time.Millisecond
	srv := th.StartServer(t, cfg)

	watcher := th.DialLoggedIn(t, srv, "watcher")
	notifications := answerPings(watcher)

	c := th.DialGreeted(t, srv)
	c.Send(protocol.Login{Username: "pinged"})
	loggedIn := time.Now()
	c.ExpectStatus(protocol.StatusOK, protocol.TypeLogin)

	for i := 1; i <= 2; i++ {
		line, err := c.ReadLine(time.Second)
		require.NoError(t, err)
		require.Equal(t, "PING", line)
		want := time.Duration(i) * cfg.Keepalive.Interval
		assert.InDelta(t, float64(want), float64(time.Since(loggedIn)), float64(150*time.Millisecond))
		c.SendLine("PONG")
	}

	line, err := c.ReadLine(time.Second)
	require.NoError(t, err)
	require.Equal(t, "PING", line)
	c.ExpectClosed(time.Second)

	assert.Equal(t, `ARRIVED {"username":"pinged"}`, receive(t, notifications))
	assert.Equal(t, `DISCONNECTED {"username":"pinged"}`, receive(t, notifications))
}

// answerPings answers every PING c receives and forwards everything else.
// c must not be read by the caller afterwards.
func answerPings(c *th.Client) <-chan string {
	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		for {
			line, err := c.ReadLine(5 * time.Second)
			if err != nil {
				return
			}
			if line == "PING" {
				if _, err := c.Conn().Write([]byte("PONG\n")); err != nil {
					return
				}
				continue
			}
			lines <- line
		}
	}()
	return lines
}

func receive(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-lines:
		require.True(t, ok, "connection closed")
		return line
	case <-time.After(2 * time.Second):
		require.Fail(t, "timed out waiting for a line")
		return ""
	}
}

func TestOverlongLineDropsConnection(t *testing.T) {
	cfg := th.TestConfig()
	cfg.MaxMessageSize = 64
	srv := th.StartServer(t, cfg)

	watcher := th.DialLoggedIn(t, srv, "watcher")
	c := th.DialLoggedIn(t, srv, "talker")
	watcher.Expect(protocol.TypeArrived)

	c.SendLine(`BROADCAST {"message":"` + strings.Repeat("x", 100) + `"}`)
	c.ExpectClosed(time.Second)

	gone := watcher.Expect(protocol.TypeDisconnected).(*protocol.Disconnected)
	assert.Equal(t, "talker", gone.Username)
}

func TestShutdownClosesSessionsQuietly(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	a := th.DialLoggedIn(t, srv, "alice")
	b := th.DialLoggedIn(t, srv, "bob")
	a.Expect(protocol.TypeArrived)

	require.NoError(t, srv.Shutdown(2*time.Second))

	for _, c := range []*th.Client{a, b} {
		_, err := c.ReadLine(time.Second)
		require.Error(t, err)
	}
	assert.Equal(t, 0, srv.Hub().SessionCount())
	assert.Equal(t, 0, srv.Hub().Keepalive().Active())
}
