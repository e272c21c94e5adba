// Package ui is the terminal chat client: a bubbletea model with a chat
// pane, a member sidebar and an input line.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/aeolun/sbcp/pkg/client"
	"github.com/aeolun/sbcp/pkg/client/ui/modal"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// ChatConn is the part of *client.Conn the UI uses
type ChatConn interface {
	Join(ctx context.Context, username string) (int, []string, error)
	Send(text string) error
	Idle() error
	Events() <-chan client.Event
	Err() error
	Close() error
}

// Dialer opens a fresh connection. A NAK ends the connection, so every
// join attempt dials again.
type Dialer func(ctx context.Context) (ChatConn, error)

// History remembers successful joins
type History interface {
	LastUsername() string
	RecordJoin(addr client.Address, username string) error
}

// ConnectionState is where the model is in the join lifecycle
type ConnectionState int

const (
	StateSignedOut ConnectionState = iota // Waiting for a username
	StateJoining
	StateJoined
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateSignedOut:
		return "signed out"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type lineKind int

const (
	lineMessage lineKind = iota // Relayed from someone else
	lineOwn                     // Echo of what we sent
	linePresence
	lineSystem
)

type chatLine struct {
	at   time.Time
	kind lineKind
	text string
}

type member struct {
	name string
	idle bool
}

// Options configures NewModel
type Options struct {
	Address           client.Address
	Dial              Dialer
	History           History // May be nil
	Username          string  // Join immediately under this name when set
	MaxUsernameLength int
	IdleAfter         time.Duration // 0 disables automatic IDLE
	JoinTimeout       time.Duration
	Notify            func(title, message string) error // Defaults to a desktop notification
	Logger            *log.Logger
}

// Model is the bubbletea model
type Model struct {
	addr        client.Address
	dial        Dialer
	history     History
	notify      func(title, message string) error
	logger      *log.Logger
	idleAfter   time.Duration
	joinTimeout time.Duration
	maxUsername int

	conn       ChatConn
	generation uint64 // Bumped per connection so stale listeners are ignored
	state      ConnectionState
	username   string
	members    []member

	lines         []chatLine
	lastInput     time.Time
	selfIdle      bool
	statusMessage string
	errorMessage  string
	statusVersion uint64

	width      int
	height     int
	chat       viewport.Model
	input      textinput.Model
	modalStack modal.ModalStack
	quitting   bool
}

// Messages

// JoinedMsg reports an ACK
type JoinedMsg struct {
	Conn       ChatConn
	Username   string
	Count      int
	Names      []string
	Generation uint64
}

// JoinFailedMsg reports a failed dial or a NAK
type JoinFailedMsg struct {
	Username string
	Err      error
}

// EventMsg carries one server event
type EventMsg struct {
	Event      client.Event
	Generation uint64
}

// DisconnectedMsg reports the end of the event stream
type DisconnectedMsg struct {
	Err        error
	Generation uint64
}

// TickMsg drives idle detection
type TickMsg time.Time

// ClearStatusMsg clears the status line if nothing newer replaced it
type ClearStatusMsg struct {
	Version uint64
}

// NewModel builds the model. Without a username it starts with the
// username prompt.
func NewModel(opts Options) Model {
	input := textinput.New()
	input.Placeholder = "Type a message, /idle or /quit"
	input.Prompt = "> "
	input.CharLimit = 4096
	input.Focus()

	m := Model{
		addr:        opts.Address,
		dial:        opts.Dial,
		history:     opts.History,
		notify:      opts.Notify,
		logger:      opts.Logger,
		idleAfter:   opts.IdleAfter,
		joinTimeout: opts.JoinTimeout,
		maxUsername: opts.MaxUsernameLength,
		username:    opts.Username,
		input:       input,
		lastInput:   time.Now(),
	}
	if m.notify == nil {
		m.notify = func(title, message string) error {
			return beeep.Notify(title, message, "")
		}
	}
	if m.logger == nil {
		m.logger = log.New(io.Discard, "", 0)
	}
	if m.joinTimeout <= 0 {
		m.joinTimeout = 10 * time.Second
	}
	if m.username == "" {
		m.pushUsernamePrompt("")
	} else {
		m.state = StateJoining
		m.generation = 1
	}
	return m
}

// Init starts joining when the username is already known
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, tickCmd()}
	if m.state == StateJoining {
		cmds = append(cmds, joinCmd(m.dial, m.username, m.joinTimeout, m.generation))
	}
	return tea.Batch(cmds...)
}

func (m *Model) pushUsernamePrompt(problem string) {
	initial := m.username
	if initial == "" && m.history != nil {
		initial = m.history.LastUsername()
	}
	prompt := modal.NewUsernameModal(m.addr.String(), initial, m.maxUsername,
		func(name string) tea.Cmd {
			return func() tea.Msg { return usernameChosenMsg{name: name} }
		},
		func() tea.Cmd { return tea.Quit },
	)
	prompt.SetError(problem)
	m.modalStack.Push(prompt)
}

type usernameChosenMsg struct {
	name string
}

// joinCmd dials and sends JOIN
func joinCmd(dial Dialer, username string, timeout time.Duration, generation uint64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		conn, err := dial(ctx)
		if err != nil {
			return JoinFailedMsg{Username: username, Err: err}
		}
		count, names, err := conn.Join(ctx, username)
		if err != nil {
			conn.Close()
			return JoinFailedMsg{Username: username, Err: err}
		}
		return JoinedMsg{Conn: conn, Username: username, Count: count, Names: names, Generation: generation}
	}
}

// listenForEvents waits for the next server event on conn
func listenForEvents(conn ChatConn, generation uint64) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-conn.Events()
		if !ok {
			return DisconnectedMsg{Err: conn.Err(), Generation: generation}
		}
		return EventMsg{Event: ev, Generation: generation}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func statusTimeout(version uint64) tea.Cmd {
	return tea.Tick(3*time.Second, func(time.Time) tea.Msg {
		return ClearStatusMsg{Version: version}
	})
}

func (m *Model) setStatus(message string) tea.Cmd {
	m.statusMessage = message
	m.statusVersion++
	return statusTimeout(m.statusVersion)
}

// describeJoinError turns a join failure into the text for the username prompt
func describeJoinError(err error) string {
	var reject *client.RejectError
	if errors.As(err, &reject) {
		return fmt.Sprintf("Server refused: %s", reject.Text)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timed out waiting for the server"
	}
	return err.Error()
}

// Close releases the connection; call after the program exits
func (m Model) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

// State returns the join lifecycle state
func (m Model) State() ConnectionState {
	return m.state
}

// Username returns the name we joined with, or the one being tried
func (m Model) Username() string {
	return m.username
}

// Members returns the other members in display order
func (m Model) Members() []string {
	names := make([]string, len(m.members))
	for i, mem := range m.members {
		names[i] = mem.name
	}
	return names
}
