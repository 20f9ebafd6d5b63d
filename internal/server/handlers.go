// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, the status report, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// StatusReport is the body of GET /status.
type StatusReport struct {
	Connections int      `json:"connections"`
	Users       []string `json:"users"`
}

// WebSocketHandler upgrades the request and runs a chat session over the
// socket. The session speaks the same line protocol as the TCP listener.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "addr", r.RemoteAddr)
		return
	}

	s.accept(newWSConn(conn, s.cfg.MaxMessageSize), r.RemoteAddr)
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "linechat server is running!")
}

// StatusHandler reports open connections and logged in users as JSON.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := StatusReport{
		Connections: s.hub.SessionCount(),
		Users:       s.hub.Registry().Names(""),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Warn("error writing status response", "error", err)
	}
}

// TestPageHandler serves an HTML page for trying the protocol in a browser.
// Lines typed into the page are sent verbatim, e.g. LOGIN {"username":"alice"}.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>linechat WebSocket Test</title>
    <style>
        body { font-family: monospace; margin: 20px; }
        #lines { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"] { width: 420px; padding: 5px; margin-right: 10px; }
        .sent { color: blue; }
        .received { color: green; }
        .info { color: gray; }
    </style>
</head>
<body>
    <h1>linechat WebSocket Test</h1>
    <div id="status">Disconnected</div>
    <div>
        <input type="text" id="lineInput" placeholder='LOGIN {"username":"alice"}' disabled>
        <button id="sendButton" onclick="sendLine()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div id="lines"></div>
    <script>
        let ws = null;
        const linesDiv = document.getElementById('lines');
        const lineInput = document.getElementById('lineInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, cls) {
            const el = document.createElement('div');
            el.className = cls;
            el.textContent = text;
            linesDiv.appendChild(el);
            linesDiv.scrollTop = linesDiv.scrollHeight;
        }

        function setConnected(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            lineInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => { addLine('connected', 'info'); setConnected(true); };
            ws.onmessage = (event) => {
                if (event.data === 'PING') {
                    ws.send('PONG');
                    addLine('PING / PONG', 'info');
                    return;
                }
                addLine(event.data, 'received');
            };
            ws.onclose = () => { addLine('connection closed', 'info'); setConnected(false); ws = null; };
        }

        function sendLine() {
            const line = lineInput.value.trim();
            if (line && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(line);
                addLine(line, 'sent');
                lineInput.value = '';
            }
        }

        lineInput.addEventListener('keypress', (e) => { if (e.key === 'Enter') sendLine(); });
    </script>
</body>
</html>`
