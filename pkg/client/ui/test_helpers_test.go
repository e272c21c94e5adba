package ui

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/aeolun/sbcp/pkg/client"
	tea "github.com/charmbracelet/bubbletea"
)

// fakeConn stands in for *client.Conn
type fakeConn struct {
	mu       sync.Mutex
	names    []string
	joinErr  error
	sent     []string
	idles    int
	closed   bool
	joinedAs string
	events   chan client.Event
}

func newFakeConn(names ...string) *fakeConn {
	return &fakeConn{names: names, events: make(chan client.Event, 10)}
}

func (c *fakeConn) Join(ctx context.Context, username string) (int, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinErr != nil {
		return 0, nil, c.joinErr
	}
	c.joinedAs = username
	return len(c.names) + 1, c.names, nil
}

func (c *fakeConn) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConn) Idle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idles++
	return nil
}

func (c *fakeConn) Events() <-chan client.Event { return c.events }
func (c *fakeConn) Err() error                  { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeHistory records joins in memory
type fakeHistory struct {
	last  string
	joins []string
}

func (h *fakeHistory) LastUsername() string { return h.last }

func (h *fakeHistory) RecordJoin(addr client.Address, username string) error {
	h.joins = append(h.joins, addr.String()+" "+username)
	h.last = username
	return nil
}

type notification struct {
	title, message string
}

type testRig struct {
	conn          *fakeConn
	history       *fakeHistory
	notifications []notification
	dials         int
}

func newTestRig(conn *fakeConn) *testRig {
	return &testRig{conn: conn, history: &fakeHistory{}}
}

func (r *testRig) options(username string) Options {
	addr, _ := client.ParseAddress("chat.example.com")
	return Options{
		Address:           addr,
		Username:          username,
		MaxUsernameLength: 16,
		History:           r.history,
		Logger:            log.New(io.Discard, "", 0),
		Dial: func(ctx context.Context) (ChatConn, error) {
			r.dials++
			return r.conn, nil
		},
		Notify: func(title, message string) error {
			r.notifications = append(r.notifications, notification{title, message})
			return nil
		},
	}
}

// update runs msg through the model and returns the concrete Model
func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return model, cmd
}

// joinedModel returns a model that has joined as username with the rig's conn
func joinedModel(t *testing.T, rig *testRig, username string) Model {
	t.Helper()
	m := NewModel(rig.options(username))
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})

	msg := joinCmd(m.dial, username, m.joinTimeout, m.generation)()
	joined, ok := msg.(JoinedMsg)
	if !ok {
		t.Fatalf("join produced %T, want JoinedMsg", msg)
	}
	m, _ = update(t, m, joined)
	if m.State() != StateJoined {
		t.Fatalf("state = %v, want joined", m.State())
	}
	return m
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}
