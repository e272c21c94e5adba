package server

import (
	"fmt"
	"testing"

	"github.com/aeolun/sbcp/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestSession(handle uint64, name string) *Session {
	return &Session{Handle: handle, Username: name}
}

func TestRegistryAdmit(t *testing.T) {
	r := NewRegistry(2)

	require.NoError(t, r.Admit(newTestSession(1, "alice")))
	assert.True(t, r.Contains("alice"))
	assert.Equal(t, 1, r.Len())
	assert.False(t, r.Full())

	err := r.Admit(newTestSession(2, "alice"))
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 1, r.Len(), "failed admit leaves registry unchanged")

	err = r.Admit(newTestSession(1, "bob"))
	assert.ErrorIs(t, err, ErrHandleInUse)
	assert.False(t, r.Contains("bob"))

	require.NoError(t, r.Admit(newTestSession(2, "bob")))
	assert.True(t, r.Full())

	err = r.Admit(newTestSession(3, "carol"))
	assert.ErrorIs(t, err, ErrRegistryFull)
	assert.False(t, r.Contains("carol"))
}

func TestRegistryFullTakesPrecedenceOverDuplicate(t *testing.T) {
	r := NewRegistry(1)
	require.NoError(t, r.Admit(newTestSession(1, "alice")))

	err := r.Admit(newTestSession(2, "alice"))
	assert.ErrorIs(t, err, ErrRegistryFull)
}

func TestRegistryUsernamesAreCaseSensitive(t *testing.T) {
	r := NewRegistry(3)
	require.NoError(t, r.Admit(newTestSession(1, "alice")))
	require.NoError(t, r.Admit(newTestSession(2, "Alice")))
	assert.Equal(t, []string{"alice", "Alice"}, r.Names())
}

func TestRegistryEvict(t *testing.T) {
	r := NewRegistry(2)
	require.NoError(t, r.Admit(newTestSession(1, "alice")))

	sess, ok := r.Evict(1)
	require.True(t, ok)
	assert.Equal(t, "alice", sess.Username)
	assert.False(t, r.Contains("alice"))
	assert.Zero(t, r.Len())

	_, ok = r.Evict(1)
	assert.False(t, ok, "second evict is a no-op")

	// Name and slot are reusable
	require.NoError(t, r.Admit(newTestSession(7, "alice")))
}

func TestRegistryOrdering(t *testing.T) {
	r := NewRegistry(10)
	for _, h := range []uint64{9, 3, 5, 1} {
		require.NoError(t, r.Admit(newTestSession(h, fmt.Sprintf("user%d", h))))
	}

	assert.Equal(t, []string{"user1", "user3", "user5", "user9"}, r.Names())

	var others []uint64
	for _, sess := range r.Others(5) {
		others = append(others, sess.Handle)
	}
	assert.Equal(t, []uint64{1, 3, 9}, others)

	got, ok := r.Get(3)
	require.True(t, ok)
	assert.Equal(t, "user3", got.Username)
}

// TestRegistryInvariants checks capacity and uniqueness under arbitrary
// admit/evict sequences
func TestRegistryInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		r := NewRegistry(capacity)
		names := []string{"a", "b", "c", "d", "A", "e", "f"}
		model := map[uint64]string{}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			handle := uint64(rapid.IntRange(1, 12).Draw(t, "handle"))
			if rapid.Bool().Draw(t, "admit") {
				name := rapid.SampledFrom(names).Draw(t, "name")
				err := r.Admit(newTestSession(handle, name))

				_, handleUsed := model[handle]
				nameUsed := false
				for _, n := range model {
					if n == name {
						nameUsed = true
					}
				}
				wantOK := !handleUsed && !nameUsed && len(model) < capacity
				if wantOK != (err == nil) {
					t.Fatalf("admit(%d, %q) = %v, want ok=%v", handle, name, err, wantOK)
				}
				if err == nil {
					model[handle] = name
				}
			} else {
				_, ok := r.Evict(handle)
				_, want := model[handle]
				if ok != want {
					t.Fatalf("evict(%d) = %v, want %v", handle, ok, want)
				}
				delete(model, handle)
			}

			if r.Len() > capacity {
				t.Fatalf("registry holds %d sessions, capacity %d", r.Len(), capacity)
			}
			if r.Len() != len(model) {
				t.Fatalf("registry holds %d sessions, want %d", r.Len(), len(model))
			}
			seen := map[string]bool{}
			for _, n := range r.Names() {
				if seen[n] {
					t.Fatalf("duplicate username %q", n)
				}
				seen[n] = true
			}
			if want := protocol.NewAck(uint16(r.Len()), r.Names()).Size(); r.AckSize() != want {
				t.Fatalf("AckSize() = %d, encoded ACK is %d bytes", r.AckSize(), want)
			}
		}
	})
}

func TestRegistryAckSize(t *testing.T) {
	r := NewRegistry(4)
	assert.Equal(t, 10, r.AckSize(), "header plus CLIENT_COUNT")

	require.NoError(t, r.Admit(newTestSession(1, "alice")))
	require.NoError(t, r.Admit(newTestSession(2, "bo")))
	assert.Equal(t, 10+9+6, r.AckSize())

	r.Evict(1)
	assert.Equal(t, 10+6, r.AckSize())
}
