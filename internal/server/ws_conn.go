package server

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn carries the line protocol over a WebSocket. Each inbound text frame
// ends a line, and each outbound line is sent as its own text frame.
type wsConn struct {
	conn *websocket.Conn

	reader      io.Reader
	frameEnding bool

	wmu     sync.Mutex
	partial []byte
}

func newWSConn(conn *websocket.Conn, maxMessageSize int) *wsConn {
	conn.SetReadLimit(int64(maxMessageSize))
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.frameEnding {
		c.frameEnding = false
		p[0] = '\n'
		return 1, nil
	}

	for {
		if c.reader == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n == 0 {
				p[0] = '\n'
				return 1, nil
			}
			c.frameEnding = true
			return n, nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.partial = append(c.partial, p...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, c.partial[:i]); err != nil {
			c.partial = c.partial[:0]
			return 0, err
		}
		c.partial = c.partial[i+1:]
	}
	c.partial = append([]byte(nil), c.partial...)
	return len(p), nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Close sends a close frame when possible and closes the socket.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}
