// Package testhelpers provides common utilities for testing the linechat server.
//
// It starts servers on ephemeral ports, dials them with a line-protocol client
// that reads with deadlines, and wraps the HTTP and WebSocket calls shared by
// the package tests.
package testhelpers

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/logger"
	"github.com/Tyrowin/linechat/internal/protocol"
	"github.com/Tyrowin/linechat/internal/server"
)

// ReadTimeout bounds every read made through Client unless stated otherwise.
const ReadTimeout = 2 * time.Second

// TestConfig returns a configuration bound to loopback ephemeral ports with
// a keepalive long enough not to interfere with command tests.
func TestConfig() server.Config {
	cfg := *server.NewConfig()
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.HTTPAddr = ""
	cfg.Keepalive.Interval = time.Minute
	cfg.Keepalive.Tolerance = 100 * time.Millisecond
	cfg.RateLimit.Burst = 1000
	return cfg
}

// Logger returns a logger that writes to stderr when LINECHAT_TEST_LOG is
// set and discards otherwise.
func Logger() *slog.Logger {
	if level := os.Getenv("LINECHAT_TEST_LOG"); level != "" {
		return logger.New(os.Stderr, logger.ParseLevel(level), logger.FormatText)
	}
	return logger.Discard()
}

// StartServer starts a server for cfg and shuts it down when the test ends.
func StartServer(t *testing.T, cfg server.Config) *server.Server {
	t.Helper()

	srv := server.NewServer(cfg, Logger())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		_ = srv.Shutdown(2 * time.Second)
	})
	return srv
}

// Client is a line-protocol test client.
type Client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to addr and closes the connection when the test ends.
func Dial(t *testing.T, addr string) *Client {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &Client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// DialGreeted connects to srv and consumes the GREET line.
func DialGreeted(t *testing.T, srv *server.Server) *Client {
	t.Helper()
	c := Dial(t, srv.Addr().String())
	c.Expect(protocol.TypeWelcome)
	return c
}

// DialLoggedIn connects to srv and logs in as name.
func DialLoggedIn(t *testing.T, srv *server.Server, name string) *Client {
	t.Helper()
	c := DialGreeted(t, srv)
	c.Send(protocol.Login{Username: name})
	resp := c.ExpectResponse()
	require.Equal(t, protocol.StatusOK, resp.Status, "login %s", name)
	return c
}

// Conn exposes the underlying connection.
func (c *Client) Conn() net.Conn {
	return c.conn
}

// Close closes the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}

// SendRaw writes s verbatim.
func (c *Client) SendRaw(s string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(s))
	require.NoError(c.t, err)
}

// SendLine writes s followed by a newline.
func (c *Client) SendLine(s string) {
	c.t.Helper()
	c.SendRaw(s + "\n")
}

// Send encodes msg and writes it as one line.
func (c *Client) Send(msg protocol.Message) {
	c.t.Helper()
	line, err := protocol.Encode(msg)
	require.NoError(c.t, err)
	c.SendLine(string(line))
}

// ReadLine reads one line, without its terminator, waiting at most timeout.
func (c *Client) ReadLine(timeout time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// MustReadLine reads one line or fails the test.
func (c *Client) MustReadLine() string {
	c.t.Helper()
	line, err := c.ReadLine(ReadTimeout)
	require.NoError(c.t, err)
	return line
}

// Read decodes the next line.
func (c *Client) Read() protocol.Message {
	c.t.Helper()
	line := c.MustReadLine()
	msg, err := protocol.Decode([]byte(line))
	require.NoError(c.t, err, "line %q", line)
	return msg
}

// Expect reads the next line and requires it to be of type t.
func (c *Client) Expect(t protocol.Type) protocol.Message {
	c.t.Helper()
	msg := c.Read()
	require.Equal(c.t, t, msg.Type(), "unexpected message %#v", msg)
	return msg
}

// ExpectResponse reads the next line and requires a RESPONSE.
func (c *Client) ExpectResponse() *protocol.Response {
	c.t.Helper()
	return c.Expect(protocol.TypeResponse).(*protocol.Response)
}

// ExpectStatus reads a RESPONSE and requires status and to.
func (c *Client) ExpectStatus(status int, to protocol.Type) *protocol.Response {
	c.t.Helper()
	resp := c.ExpectResponse()
	require.Equal(c.t, status, resp.Status, "response %#v", resp)
	require.Equal(c.t, to.String(), resp.To, "response %#v", resp)
	return resp
}

// ExpectSilence requires that nothing arrives within d.
func (c *Client) ExpectSilence(d time.Duration) {
	c.t.Helper()
	line, err := c.ReadLine(d)
	if err == nil {
		require.Failf(c.t, "unexpected line", "got %q", line)
	}
	var netErr net.Error
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

// ExpectClosed requires the server to close the connection within timeout.
func (c *Client) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := c.ReadLine(time.Until(deadline))
		if err != nil {
			var netErr net.Error
			require.False(c.t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
			return
		}
		if line == "PING" {
			continue
		}
	}
	require.Fail(c.t, "connection still open")
}

// DecodeNotFound parses the detail carried by a 711 response.
func DecodeNotFound(t *testing.T, resp *protocol.Response) protocol.NotFound {
	t.Helper()
	text, ok := resp.Content.(string)
	require.True(t, ok, "content %#v is not text", resp.Content)

	var nf protocol.NotFound
	require.NoError(t, json.Unmarshal([]byte(text), &nf))
	return nf
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// ConnectWebSocket creates a WebSocket connection to the specified URL with
// the given Origin header, if any.
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ReadWebSocketLine reads one text frame as a protocol line.
func ReadWebSocketLine(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	return string(data)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
