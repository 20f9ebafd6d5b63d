package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/protocol"
	"github.com/Tyrowin/linechat/internal/server"
	th "github.com/Tyrowin/linechat/internal/testhelpers"
)

func startHTTP(t *testing.T, srv *server.Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.SetupRoutes())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestHealthEndpoint(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	ts := startHTTP(t, srv)

	resp := th.MakeRequest(t, http.MethodGet, ts.URL+"/")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "linechat server is running!", string(body))

	missing := th.MakeRequest(t, http.MethodGet, ts.URL+"/nope")
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	ts := startHTTP(t, srv)

	th.DialLoggedIn(t, srv, "zed")
	th.DialLoggedIn(t, srv, "amy")
	th.DialGreeted(t, srv)

	resp := th.MakeRequest(t, http.MethodGet, ts.URL+"/status")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var report server.StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 3, report.Connections)
	assert.Equal(t, []string{"amy", "zed"}, report.Users)

	post := th.MakeRequest(t, http.MethodPost, ts.URL+"/status")
	defer post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestTestPage(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	ts := startHTTP(t, srv)

	resp := th.MakeRequest(t, http.MethodGet, ts.URL+"/test")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
}

func TestWebSocketSessionTalksToTCPSession(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	ts := startHTTP(t, srv)

	tcp := th.DialLoggedIn(t, srv, "tcpuser")

	ws, err := th.ConnectWebSocket(wsURL(ts), "http://localhost:8080")
	require.NoError(t, err)
	defer ws.Close()

	greet := th.ReadWebSocketLine(t, ws)
	assert.True(t, strings.HasPrefix(greet, "GREET "), greet)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`LOGIN {"username":"wsuser"}`)))
	assert.Equal(t, `RESPONSE {"content":"OK","status":800,"to":"LOGIN"}`, th.ReadWebSocketLine(t, ws))

	arrived := tcp.Expect(protocol.TypeArrived).(*protocol.Arrived)
	assert.Equal(t, "wsuser", arrived.Username)

	tcp.Send(protocol.Private{Username: "wsuser", Message: "over the bridge"})
	tcp.ExpectStatus(protocol.StatusOK, protocol.TypePrivate)
	assert.Equal(t, `PRIVATE {"username":"tcpuser","message":"over the bridge"}`, th.ReadWebSocketLine(t, ws))

	// Two lines in one frame are two commands.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("LIST\nLIST")))
	for i := 0; i < 2; i++ {
		assert.Equal(t, `RESPONSE {"content":["tcpuser"],"status":800,"to":"LIST"}`, th.ReadWebSocketLine(t, ws))
	}

	require.NoError(t, th.CloseWebSocket(ws))
	left := tcp.Expect(protocol.TypeLeft).(*protocol.Left)
	assert.Equal(t, "wsuser", left.Username)
}

func TestWebSocketOrigins(t *testing.T) {
	cfg := th.TestConfig()
	cfg.AllowedOrigins = []string{"https://chat.example.com"}
	srv := th.StartServer(t, cfg)
	ts := startHTTP(t, srv)

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"listed", "https://chat.example.com", true},
		{"case insensitive", "HTTPS://Chat.Example.com", true},
		{"unlisted", "https://evil.example.com", false},
		{"scheme mismatch", "http://chat.example.com", false},
		{"no origin", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, err := th.ConnectWebSocket(wsURL(ts), tt.origin)
			if !tt.allowed {
				require.ErrorIs(t, err, websocket.ErrBadHandshake)
				return
			}
			require.NoError(t, err)
			defer ws.Close()
			assert.True(t, strings.HasPrefix(th.ReadWebSocketLine(t, ws), "GREET "))
		})
	}
}

func TestWebSocketRejectsNonGet(t *testing.T) {
	srv := th.StartServer(t, th.TestConfig())
	ts := startHTTP(t, srv)

	resp := th.MakeRequest(t, http.MethodPost, ts.URL+"/ws")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCreateServerTimeouts(t *testing.T) {
	srv := server.CreateServer(":0", http.NewServeMux())

	assert.Equal(t, ":0", srv.Addr)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 15*time.Second, srv.WriteTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
}
