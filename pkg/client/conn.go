// Package client connects to an SBCP server over TCP, WebSocket or SSH,
// joins under a username and exchanges chat messages.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/aeolun/sbcp/pkg/protocol"
	"github.com/aeolun/sbcp/pkg/transport"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrRejected is wrapped by every RejectError
	ErrRejected = errors.New("rejected by server")

	// ErrNotJoined is returned when sending before a successful Join
	ErrNotJoined = errors.New("not joined")

	// ErrUnexpectedReply means the server answered JOIN with something other than ACK or NAK
	ErrUnexpectedReply = errors.New("unexpected reply to JOIN")
)

// RejectError carries the reason from a NAK
type RejectError struct {
	Code uint16
	Text string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%v: %s (reason %d)", ErrRejected, e.Text, e.Code)
}

func (e *RejectError) Unwrap() error {
	return ErrRejected
}

// EventKind identifies what an Event reports
type EventKind int

const (
	EventMessage  EventKind = iota // Chat text relayed from another member
	EventOnline                    // A member joined
	EventOffline                   // A member left
	EventIdle                      // A member reported being idle
	EventRejected                  // The server refused something this client sent
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventIdle:
		return "idle"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event is something the server told this client after it joined
type Event struct {
	Kind     EventKind
	Username string // Member for presence events; empty for messages, which carry no sender
	Text     string // Chat text, or the NAK reason text
	Code     uint16 // NAK reason code
	At       time.Time
}

// Options configures Dial
type Options struct {
	Timeout time.Duration // Connect and handshake timeout, default 5s

	// HostKeyCallback verifies SSH host keys. Nil uses the known_hosts verifier.
	HostKeyCallback ssh.HostKeyCallback

	// TLSConfig is used for wss:// addresses
	TLSConfig *tls.Config

	Logger *log.Logger
}

// Conn is a client connection to an SBCP server.
//
// After Join succeeds a reader goroutine turns incoming messages into Events.
// Send and Idle may be called from any goroutine.
type Conn struct {
	rwc       io.ReadWriteCloser
	addr      string
	transport string
	logger    *log.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	username string
	joined   bool

	events    chan Event
	done      chan struct{}
	err       error // Set before done is closed
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to addr, which is parsed by ParseAddress
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var rwc io.ReadWriteCloser
	switch a.Scheme {
	case "tcp":
		rwc, err = dialTCP(ctx, a)
	case "ws", "wss":
		rwc, err = dialWebSocket(ctx, a, opts.TLSConfig)
	case "ssh":
		rwc, err = dialSSH(ctx, a, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", a, err)
	}

	c := NewConn(rwc, a.Transport(), a.String())
	c.logger = opts.Logger
	return c, nil
}

// NewConn wraps an established byte stream
func NewConn(rwc io.ReadWriteCloser, transportName, addr string) *Conn {
	return &Conn{
		rwc:       rwc,
		addr:      addr,
		transport: transportName,
		events:    make(chan Event, 100),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func dialTCP(ctx context.Context, a Address) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", a.HostPort())
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return conn, nil
}

func dialWebSocket(ctx context.Context, a Address, tlsConfig *tls.Config) (io.ReadWriteCloser, error) {
	u := url.URL{Scheme: a.Scheme, Host: a.HostPort(), Path: a.Path}
	dialer := websocket.Dialer{
		Proxy:           websocket.DefaultDialer.Proxy,
		TLSClientConfig: tlsConfig,
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return transport.NewWSConn(ws), nil
}

// sshStream closes the whole SSH client along with its session channel
type sshStream struct {
	*transport.SSHConn
	client *ssh.Client
}

func (s *sshStream) Close() error {
	err := s.SSHConn.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func dialSSH(ctx context.Context, a Address, opts Options) (io.ReadWriteCloser, error) {
	hostKeyCallback := opts.HostKeyCallback
	var verifier *hostKeyVerifier
	if hostKeyCallback == nil {
		verifier = newHostKeyVerifier(a.Host, a.Port)
		hostKeyCallback = verifier.callback
	}

	user := a.User
	if user == "" {
		user = "sbcp"
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", a.HostPort())
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.Timeout,
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, a.HostPort(), config)
	if err != nil {
		netConn.Close()
		if verifier != nil {
			return nil, verifier.wrapError(err)
		}
		return nil, err
	}
	netConn.SetDeadline(time.Time{})

	if verifier != nil {
		verifier.persistAccepted(string(clientConn.ServerVersion()))
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshStream{SSHConn: transport.NewSSHConn(channel, a.HostPort()), client: client}, nil
}

func (c *Conn) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Join sends JOIN and waits for the server's answer. On ACK it returns the
// member count and the names of the other members, and starts delivering
// Events. On NAK it returns a *RejectError; the server closes the
// connection afterwards.
func (c *Conn) Join(ctx context.Context, username string) (int, []string, error) {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return 0, nil, errors.New("already joined")
	}
	c.mu.Unlock()

	// Abort the blocking read if ctx ends first
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.write(protocol.NewJoin(username)); err != nil {
		return 0, nil, c.ctxErr(ctx, err)
	}

	reply, err := protocol.Decode(c.rwc)
	if err != nil {
		return 0, nil, c.ctxErr(ctx, err)
	}
	c.logf("← RECV: %s", protocol.TypeName(reply.Type()))

	switch reply.Type() {
	case protocol.TypeAck:
		count, err := reply.ClientCount()
		if err != nil {
			return 0, nil, err
		}
		if !stop() {
			// ctx ended and the connection was closed under us
			return 0, nil, ctx.Err()
		}

		c.mu.Lock()
		c.username = username
		c.joined = true
		c.mu.Unlock()

		go c.readLoop()
		return int(count), reply.Usernames(), nil

	case protocol.TypeNak:
		code, text, err := reply.Reason()
		if err != nil {
			return 0, nil, err
		}
		return 0, nil, &RejectError{Code: code, Text: text}

	default:
		return 0, nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, protocol.TypeName(reply.Type()))
	}
}

func (c *Conn) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Send sends a chat message
func (c *Conn) Send(text string) error {
	if !c.Joined() {
		return ErrNotJoined
	}
	return c.write(protocol.NewSend([]byte(text)))
}

// Idle tells the other members this client is idle
func (c *Conn) Idle() error {
	if !c.Joined() {
		return ErrNotJoined
	}
	return c.write(protocol.NewIdle(""))
}

func (c *Conn) write(msg *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.logf("→ SEND: %s", protocol.TypeName(msg.Type()))
	return msg.EncodeTo(c.rwc)
}

// readLoop turns server messages into Events until the connection ends
func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		msg, err := protocol.Decode(c.rwc)
		if err != nil {
			c.err = err
			close(c.done)
			return
		}
		c.logf("← RECV: %s", protocol.TypeName(msg.Type()))

		ev, ok := toEvent(msg)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closed:
		}
	}
}

// toEvent maps a server message onto an Event. Malformed or unknown
// messages are dropped.
func toEvent(msg *protocol.Message) (Event, bool) {
	ev := Event{At: time.Now()}
	switch msg.Type() {
	case protocol.TypeRelay:
		text, err := msg.Text()
		if err != nil {
			return Event{}, false
		}
		ev.Kind = EventMessage
		ev.Text = string(text)
	case protocol.TypeOnline, protocol.TypeOffline, protocol.TypeIdle:
		name, err := msg.Username()
		if err != nil {
			return Event{}, false
		}
		ev.Username = name
		switch msg.Type() {
		case protocol.TypeOnline:
			ev.Kind = EventOnline
		case protocol.TypeOffline:
			ev.Kind = EventOffline
		default:
			ev.Kind = EventIdle
		}
	case protocol.TypeNak:
		code, text, err := msg.Reason()
		if err != nil {
			return Event{}, false
		}
		ev.Kind = EventRejected
		ev.Code = code
		ev.Text = text
	default:
		return Event{}, false
	}
	return ev, true
}

// Events delivers server events after Join. It is closed when the
// connection ends; Err then reports why.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection has ended
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil while it is open
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Joined reports whether Join succeeded
func (c *Conn) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Username returns the name this connection joined under
func (c *Conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Addr returns the server address as dialed
func (c *Conn) Addr() string {
	return c.addr
}

// Transport returns "tcp", "ws" or "ssh"
func (c *Conn) Transport() string {
	return c.transport
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}
