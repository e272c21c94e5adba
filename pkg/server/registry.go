package server

import (
	"fmt"
	"slices"
	"time"

	"github.com/aeolun/sbcp/pkg/protocol"
)

// Session represents an admitted, uniquely named connection
type Session struct {
	Handle     uint64    // Connection handle, allocated at accept time
	Username   string    // Unique within the registry
	Transport  string    // "tcp", "ws" or "ssh"
	RemoteAddr string    // Remote address, for logs
	JoinedAt   time.Time // Admission time
	Conn       *SafeConn // Connection with write synchronization
}

// Registry maps connection handles to sessions.
//
// It is not safe for concurrent use: the Hub goroutine is its only owner.
type Registry struct {
	capacity int
	byHandle map[uint64]*Session
	byName   map[string]uint64
	// Sum of the USERNAME attribute sizes of every member
	nameBytes int
}

// NewRegistry creates a registry that admits at most capacity sessions
func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		byHandle: make(map[uint64]*Session),
		byName:   make(map[string]uint64),
	}
}

// Admit inserts a session. It fails without modifying the registry when the
// registry is full, the handle is already present, or the username is taken.
func (r *Registry) Admit(sess *Session) error {
	if _, ok := r.byHandle[sess.Handle]; ok {
		return fmt.Errorf("%w: handle %d", ErrHandleInUse, sess.Handle)
	}
	if r.Full() {
		return fmt.Errorf("%w (%d/%d)", ErrRegistryFull, len(r.byHandle), r.capacity)
	}
	if r.Contains(sess.Username) {
		return fmt.Errorf("%w: %q", ErrUsernameTaken, sess.Username)
	}

	r.byHandle[sess.Handle] = sess
	r.byName[sess.Username] = sess.Handle
	r.nameBytes += protocol.HeaderSize + len(sess.Username)
	return nil
}

// Evict removes and returns the session for handle
func (r *Registry) Evict(handle uint64) (*Session, bool) {
	sess, ok := r.byHandle[handle]
	if !ok {
		return nil, false
	}
	delete(r.byHandle, handle)
	delete(r.byName, sess.Username)
	r.nameBytes -= protocol.HeaderSize + len(sess.Username)
	return sess, true
}

// Get returns the session for handle
func (r *Registry) Get(handle uint64) (*Session, bool) {
	sess, ok := r.byHandle[handle]
	return sess, ok
}

// Contains reports whether username is registered (exact, case-sensitive)
func (r *Registry) Contains(username string) bool {
	_, ok := r.byName[username]
	return ok
}

// Len returns the number of admitted sessions
func (r *Registry) Len() int {
	return len(r.byHandle)
}

// Cap returns the maximum number of sessions
func (r *Registry) Cap() int {
	return r.capacity
}

// Full reports whether another session can be admitted
func (r *Registry) Full() bool {
	return len(r.byHandle) >= r.capacity
}

// AckSize returns the encoded size of the ACK the next joiner would
// receive: CLIENT_COUNT plus one USERNAME per current member
func (r *Registry) AckSize() int {
	return protocol.HeaderSize + protocol.HeaderSize + 2 + r.nameBytes
}

// Sessions returns every session in ascending handle order
func (r *Registry) Sessions() []*Session {
	handles := make([]uint64, 0, len(r.byHandle))
	for h := range r.byHandle {
		handles = append(handles, h)
	}
	slices.Sort(handles)

	out := make([]*Session, 0, len(handles))
	for _, h := range handles {
		out = append(out, r.byHandle[h])
	}
	return out
}

// Others returns every session except handle, in ascending handle order
func (r *Registry) Others(handle uint64) []*Session {
	all := r.Sessions()
	out := all[:0]
	for _, sess := range all {
		if sess.Handle != handle {
			out = append(out, sess)
		}
	}
	return out
}

// Names returns every username in ascending handle order
func (r *Registry) Names() []string {
	sessions := r.Sessions()
	names := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		names = append(names, sess.Username)
	}
	return names
}
