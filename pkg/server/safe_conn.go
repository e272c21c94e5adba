package server

import (
	"io"
	"sync"
	"time"

	"github.com/aeolun/sbcp/pkg/protocol"
)

// deadliner is implemented by connections that support per-operation deadlines
// (net.Conn, the WebSocket adapter)
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// SafeConn wraps a connection with write synchronization so that messages
// from different senders never interleave on the wire.
//
// Reads are not synchronized: each connection has exactly one reader goroutine.
type SafeConn struct {
	conn         io.ReadWriteCloser
	remoteAddr   string
	writeTimeout time.Duration
	mu           sync.Mutex // Protects writes to conn
	closeOnce    sync.Once
	closeErr     error
}

// NewSafeConn wraps a connection. A zero writeTimeout disables write deadlines.
func NewSafeConn(conn io.ReadWriteCloser, remoteAddr string, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		remoteAddr:   remoteAddr,
		writeTimeout: writeTimeout,
	}
}

// WriteMessage encodes and sends a message with write synchronization.
// This is the ONLY way to write to the connection.
func (sc *SafeConn) WriteMessage(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes writes a pre-encoded message. Used by broadcasts, which encode once.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if d, ok := sc.conn.(deadliner); ok && sc.writeTimeout > 0 {
		d.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
		defer d.SetWriteDeadline(time.Time{})
	}
	return protocol.WriteExact(sc.conn, data)
}

// ReadMessage reads one message from the connection
func (sc *SafeConn) ReadMessage() (*protocol.Message, error) {
	return protocol.Decode(sc.conn)
}

// ReadMessageWithin reads one message, giving up after timeout when the
// connection supports deadlines. A zero timeout waits forever.
func (sc *SafeConn) ReadMessageWithin(timeout time.Duration) (*protocol.Message, error) {
	if d, ok := sc.conn.(deadliner); ok && timeout > 0 {
		d.SetReadDeadline(time.Now().Add(timeout))
		defer d.SetReadDeadline(time.Time{})
	}
	return protocol.Decode(sc.conn)
}

// Close closes the underlying connection. Safe to call more than once.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() string {
	return sc.remoteAddr
}
