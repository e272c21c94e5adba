package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aeolun/sbcp/pkg/protocol"
)

// ErrHubStopped is returned to callers that submit work after shutdown
var ErrHubStopped = errors.New("hub stopped")

// Hub is the connection multiplexer. It is the single goroutine that owns
// the Registry: reader goroutines hand it complete messages and it handles
// one event at a time, each to completion, before looking at the next.
type Hub struct {
	registry          *Registry
	events            chan event
	done              chan struct{}
	stopped           chan struct{}
	stopOnce          sync.Once
	running           atomic.Bool
	metrics           *Metrics
	maxUsernameLength int
	maxMessageLength  int
}

type event any

// joinEvent carries the first message of a new connection
type joinEvent struct {
	sess   *Session
	msg    *protocol.Message
	result chan error
}

// messageEvent carries a message from an admitted session
type messageEvent struct {
	handle uint64
	msg    *protocol.Message
}

// leaveEvent reports that a session's connection ended
type leaveEvent struct {
	handle uint64
	cause  error
}

type snapshotEvent struct {
	reply chan Snapshot
}

// Member describes one admitted session
type Member struct {
	Handle     uint64
	Username   string
	Transport  string
	RemoteAddr string
}

// Snapshot is a point-in-time copy of the registry
type Snapshot struct {
	Capacity int
	Members  []Member // Ascending handle order
}

// Names returns the member usernames in handle order
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		names = append(names, m.Username)
	}
	return names
}

// NewHub creates a hub admitting at most maxClients sessions.
// Zero length limits disable the corresponding check.
func NewHub(maxClients, maxUsernameLength, maxMessageLength int, metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Hub{
		registry:          NewRegistry(maxClients),
		events:            make(chan event, 256),
		done:              make(chan struct{}),
		stopped:           make(chan struct{}),
		metrics:           metrics,
		maxUsernameLength: maxUsernameLength,
		maxMessageLength:  maxMessageLength,
	}
}

// Run processes events until Stop is called. On exit every session
// connection is closed.
func (h *Hub) Run() {
	h.running.Store(true)
	defer close(h.stopped)

	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

// Stop signals the loop to exit and waits for it if it is running
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
	if h.running.Load() {
		<-h.stopped
	}
}

func (h *Hub) stopping() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// submit hands an event to the loop unless the hub is stopping
func (h *Hub) submit(ev event) bool {
	if h.stopping() {
		return false
	}
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

// Join runs the admission protocol for sess using its first message.
// On success the session is registered and acknowledged. On failure a NAK
// has been sent (when possible) and the caller must close the connection.
func (h *Hub) Join(sess *Session, msg *protocol.Message) error {
	ev := joinEvent{sess: sess, msg: msg, result: make(chan error, 1)}
	if !h.submit(ev) {
		return ErrHubStopped
	}
	select {
	case err := <-ev.result:
		return err
	case <-h.done:
		return ErrHubStopped
	}
}

// Deliver hands a message from an admitted session to the loop
func (h *Hub) Deliver(handle uint64, msg *protocol.Message) bool {
	return h.submit(messageEvent{handle: handle, msg: msg})
}

// Leave reports that a session's connection has ended
func (h *Hub) Leave(handle uint64, cause error) {
	h.submit(leaveEvent{handle: handle, cause: cause})
}

// Snapshot returns a copy of the registry as seen by the loop
func (h *Hub) Snapshot(ctx context.Context) (Snapshot, error) {
	if h.stopping() {
		return Snapshot{}, ErrHubStopped
	}
	ev := snapshotEvent{reply: make(chan Snapshot, 1)}
	select {
	case h.events <- ev:
	case <-h.done:
		return Snapshot{}, ErrHubStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-ev.reply:
		return snap, nil
	case <-h.done:
		return Snapshot{}, ErrHubStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (h *Hub) dispatch(ev event) {
	switch ev := ev.(type) {
	case joinEvent:
		ev.result <- h.handleJoin(ev.sess, ev.msg)
	case messageEvent:
		h.handleMessage(ev.handle, ev.msg)
	case leaveEvent:
		h.handleLeave(ev.handle, ev.cause)
	case snapshotEvent:
		ev.reply <- h.snapshot()
	}
}

// handleJoin validates a JOIN, admits the session and sends the ACK
func (h *Hub) handleJoin(sess *Session, msg *protocol.Message) error {
	h.metrics.RecordMessageReceived(protocol.TypeName(msg.Type()))

	// Everyone already admitted, which is exactly the ACK's member list
	names := h.registry.Names()

	name, err := ValidateJoin(msg, h.maxUsernameLength)
	if err == nil {
		sess.Username = name
		err = h.admit(sess)
	}
	if err != nil {
		code, text := rejection(err)
		h.metrics.RecordJoinRejected(reasonLabel(code))
		debugLog.Printf("Handle %d (%s): join rejected: %v", sess.Handle, sess.RemoteAddr, err)
		h.send(sess, protocol.NewNak(code, text))
		return err
	}

	if err := h.send(sess, protocol.NewAck(uint16(h.registry.Len()), names)); err != nil {
		// Never acknowledged, so nobody else has heard of it
		h.registry.Evict(sess.Handle)
		return err
	}

	h.metrics.RecordJoinAccepted()
	h.metrics.RecordActiveSessions(h.registry.Len())
	debugLog.Printf("Handle %d: %q joined via %s from %s (%d/%d)", sess.Handle, name, sess.Transport, sess.RemoteAddr, h.registry.Len(), h.registry.Cap())

	h.broadcast(sess.Handle, protocol.NewOnline(name))
	return nil
}

// admit registers sess unless the registry is full or the ACK listing the
// current members would not fit in one message
func (h *Hub) admit(sess *Session) error {
	if !h.registry.Full() && h.registry.AckSize() > protocol.MaxMessageSize {
		return fmt.Errorf("%w: ACK would be %d bytes", ErrMemberListTooLarge, h.registry.AckSize())
	}
	return h.registry.Admit(sess)
}

// handleMessage validates a message from an admitted session and dispatches it
func (h *Hub) handleMessage(handle uint64, msg *protocol.Message) {
	sess, ok := h.registry.Get(handle)
	if !ok {
		// Evicted while the message was queued
		return
	}

	h.metrics.RecordMessageReceived(protocol.TypeName(msg.Type()))
	debugLog.Printf("Handle %d ← RECV: Type=%s Length=%d Attrs=%d", handle, protocol.TypeName(msg.Type()), msg.Header.Length, len(msg.Attributes))

	switch msg.Type() {
	case protocol.TypeSend:
		text, err := ValidateSend(msg, h.maxMessageLength)
		if err != nil {
			h.nak(sess, err)
			return
		}
		h.broadcast(handle, protocol.NewRelay(text))

	case protocol.TypeIdle:
		h.broadcast(handle, protocol.NewIdle(sess.Username))

	case protocol.TypeJoin:
		h.nak(sess, ErrAlreadyJoined)

	default:
		_, err := ValidateSend(msg, h.maxMessageLength)
		h.nak(sess, err)
	}
}

// handleLeave runs the disconnect protocol for handle
func (h *Hub) handleLeave(handle uint64, cause error) {
	sess, ok := h.registry.Evict(handle)
	if !ok {
		return
	}
	sess.Conn.Close()

	h.metrics.RecordDisconnect(disconnectCause(cause))
	h.metrics.RecordActiveSessions(h.registry.Len())
	debugLog.Printf("Handle %d: %q left: %v", handle, sess.Username, cause)

	h.broadcast(handle, protocol.NewOffline(sess.Username))
}

// nak reports a refused message to its sender; the session stays joined
func (h *Hub) nak(sess *Session, err error) {
	code, text := rejection(err)
	debugLog.Printf("Handle %d: %v", sess.Handle, err)
	h.send(sess, protocol.NewNak(code, text))
}

// send writes msg to one session. A failed write closes the connection,
// which makes its reader report the departure.
func (h *Hub) send(sess *Session, msg *protocol.Message) error {
	if err := sess.Conn.WriteMessage(msg); err != nil {
		debugLog.Printf("Handle %d → SEND %s failed: %v", sess.Handle, protocol.TypeName(msg.Type()), err)
		sess.Conn.Close()
		return err
	}
	h.metrics.RecordMessageSent(protocol.TypeName(msg.Type()))
	return nil
}

// broadcast writes msg to every registered session except from, in
// ascending handle order, exactly once each
func (h *Hub) broadcast(from uint64, msg *protocol.Message) {
	label := protocol.TypeName(msg.Type())
	data, err := msg.Encode()
	if err != nil {
		errorLog.Printf("Failed to encode %s broadcast: %v", label, err)
		return
	}

	peers := h.registry.Others(from)
	delivered := 0
	for _, peer := range peers {
		if err := peer.Conn.WriteBytes(data); err != nil {
			debugLog.Printf("Handle %d → SEND %s failed: %v", peer.Handle, label, err)
			peer.Conn.Close()
			continue
		}
		delivered++
		h.metrics.RecordMessageSent(label)
		if msg.Type() == protocol.TypeRelay {
			h.metrics.RecordRelayDelivered()
		}
	}
	debugLog.Printf("Handle %d → %s delivered to %d/%d members", from, label, delivered, len(peers))
}

func (h *Hub) snapshot() Snapshot {
	sessions := h.registry.Sessions()
	snap := Snapshot{
		Capacity: h.registry.Cap(),
		Members:  make([]Member, 0, len(sessions)),
	}
	for _, sess := range sessions {
		snap.Members = append(snap.Members, Member{
			Handle:     sess.Handle,
			Username:   sess.Username,
			Transport:  sess.Transport,
			RemoteAddr: sess.RemoteAddr,
		})
	}
	return snap
}

// closeAll closes and evicts every session
func (h *Hub) closeAll() {
	for _, sess := range h.registry.Sessions() {
		h.registry.Evict(sess.Handle)
		sess.Conn.Close()
	}
	h.metrics.RecordActiveSessions(0)
}

// disconnectCause returns a metrics label for why a session ended
func disconnectCause(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, protocol.ErrProtocol):
		return "protocol_error"
	case errors.Is(err, protocol.ErrConnectionClosed):
		return "closed"
	default:
		return "io_error"
	}
}
