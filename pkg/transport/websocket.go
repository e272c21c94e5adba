// Package transport adapts message-oriented carriers (WebSocket, SSH
// channels) to the byte-stream interface the SBCP codec reads from.
package transport

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn presents a WebSocket connection as a byte stream.
//
// Every Write becomes one binary WebSocket message. Reads concatenate the
// payloads of incoming binary messages, so SBCP message boundaries do not
// need to line up with WebSocket message boundaries.
type WSConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

// NewWSConn wraps an established WebSocket connection
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				// Text frames are not part of the protocol
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WSConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame (best effort) and closes the connection
func (c *WSConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// RemoteAddr returns the peer address as a string
func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
