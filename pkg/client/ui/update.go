package ui

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/aeolun/sbcp/pkg/client"
	"github.com/aeolun/sbcp/pkg/client/ui/modal"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case usernameChosenMsg:
		m.username = msg.name
		m.state = StateJoining
		m.errorMessage = ""
		m.generation++
		return m, joinCmd(m.dial, m.username, m.joinTimeout, m.generation)

	case JoinedMsg:
		return m.handleJoined(msg)

	case JoinFailedMsg:
		return m.handleJoinFailed(msg)

	case retryPromptMsg:
		m.pushUsernamePrompt("")
		return m, nil

	case EventMsg:
		if msg.Generation != m.generation || m.conn == nil {
			return m, nil
		}
		m.handleEvent(msg.Event)
		return m, listenForEvents(m.conn, m.generation)

	case DisconnectedMsg:
		if msg.Generation != m.generation {
			return m, nil
		}
		return m.handleDisconnected(msg.Err)

	case TickMsg:
		return m, tea.Batch(m.checkIdle(time.Time(msg)), tickCmd())

	case ClearStatusMsg:
		if msg.Version == m.statusVersion {
			m.statusMessage = ""
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleKeyPress routes keys to the active modal, then the chat view
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if top := m.modalStack.Top(); top != nil {
		handled, next, cmd := top.HandleKey(msg)
		if next != top {
			m.modalStack.Replace(next)
		}
		if handled || (top.IsBlockingInput() && msg.Type != tea.KeyCtrlC) {
			return m, cmd
		}
	}

	switch msg.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit

	case tea.KeyEnter:
		return m.submit()

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.chat, cmd = m.chat.Update(msg)
		return m, cmd
	}

	m.lastInput = time.Now()
	m.selfIdle = false
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles the input line: a command or chat text
func (m Model) submit() (tea.Model, tea.Cmd) {
	text := m.input.Value()
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return m, nil
	}
	if m.state != StateJoined || m.conn == nil {
		return m, m.setStatus("Not connected")
	}

	m.input.Reset()
	m.lastInput = time.Now()
	m.errorMessage = ""

	switch trimmed {
	case "/quit", "/exit":
		m.quitting = true
		return m, tea.Quit

	case "/idle":
		if err := m.conn.Idle(); err != nil {
			m.errorMessage = "Failed to send idle: " + err.Error()
			return m, nil
		}
		m.selfIdle = true
		m.appendLine(lineSystem, "You are marked idle")
		return m, nil
	}

	if err := m.conn.Send(text); err != nil {
		m.errorMessage = "Failed to send: " + err.Error()
		return m, nil
	}
	m.selfIdle = false
	// The server does not echo our own messages back
	m.appendLine(lineOwn, text)
	return m, nil
}

func (m Model) handleJoined(msg JoinedMsg) (tea.Model, tea.Cmd) {
	if msg.Generation != m.generation {
		msg.Conn.Close()
		return m, nil
	}
	if m.conn != nil {
		m.conn.Close()
	}

	m.conn = msg.Conn
	m.state = StateJoined
	m.username = msg.Username
	m.selfIdle = false
	m.lastInput = time.Now()
	m.members = make([]member, 0, len(msg.Names))
	for _, name := range msg.Names {
		m.members = append(m.members, member{name: name})
	}
	m.modalStack.RemoveByType(modal.ModalUsername)

	if m.history != nil {
		if err := m.history.RecordJoin(m.addr, msg.Username); err != nil {
			m.logger.Printf("failed to record join: %v", err)
		}
	}

	m.appendLine(lineSystem, joinSummary(msg.Username, msg.Count))
	return m, tea.Batch(listenForEvents(m.conn, m.generation), m.setStatus("Connected to "+m.addr.String()))
}

func joinSummary(username string, count int) string {
	if count == 1 {
		return "Joined as " + username + ". Nobody else is here yet."
	}
	others := count - 1
	noun := "others"
	if others == 1 {
		noun = "other"
	}
	return "Joined as " + username + " with " + strconv.Itoa(others) + " " + noun + "."
}

func (m Model) handleJoinFailed(msg JoinFailedMsg) (tea.Model, tea.Cmd) {
	m.state = StateSignedOut
	m.username = msg.Username
	m.logger.Printf("join as %q failed: %v", msg.Username, msg.Err)

	if errors.Is(msg.Err, client.ErrRejected) {
		m.pushUsernamePrompt(describeJoinError(msg.Err))
		return m, nil
	}

	m.modalStack.Push(modal.NewErrorModal("Connection failed", describeJoinError(msg.Err), func() tea.Cmd {
		return func() tea.Msg { return retryPromptMsg{} }
	}))
	return m, nil
}

type retryPromptMsg struct{}

func (m Model) handleDisconnected(err error) (tea.Model, tea.Cmd) {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.members = nil

	reason := "connection closed"
	if err != nil {
		reason = err.Error()
	}
	m.appendLine(lineSystem, "Disconnected: "+reason)

	username := m.username
	m.modalStack.Push(modal.NewErrorModal("Disconnected", "Lost connection to "+m.addr.String()+". Press Enter to rejoin as "+username+".", func() tea.Cmd {
		return func() tea.Msg { return usernameChosenMsg{name: username} }
	}))
	return m, nil
}

// handleEvent applies one server event to the chat and member list
func (m *Model) handleEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventMessage:
		m.appendLine(lineMessage, ev.Text)
		if mentions(ev.Text, m.username) {
			m.sendDesktopNotification(ev.Text)
		}

	case client.EventOnline:
		if m.memberIndex(ev.Username) < 0 {
			m.members = append(m.members, member{name: ev.Username})
		}
		m.appendLine(linePresence, ev.Username+" joined")

	case client.EventOffline:
		if i := m.memberIndex(ev.Username); i >= 0 {
			m.members = append(m.members[:i], m.members[i+1:]...)
		}
		m.appendLine(linePresence, ev.Username+" left")

	case client.EventIdle:
		if i := m.memberIndex(ev.Username); i >= 0 {
			m.members[i].idle = true
		}
		m.appendLine(linePresence, ev.Username+" is idle")

	case client.EventRejected:
		m.errorMessage = "Server rejected message: " + ev.Text
	}
}

func (m *Model) memberIndex(name string) int {
	for i, mem := range m.members {
		if mem.name == name {
			return i
		}
	}
	return -1
}

// checkIdle sends one IDLE after idleAfter without input
func (m *Model) checkIdle(now time.Time) tea.Cmd {
	if m.idleAfter <= 0 || m.state != StateJoined || m.selfIdle || m.conn == nil {
		return nil
	}
	if now.Sub(m.lastInput) < m.idleAfter {
		return nil
	}
	if err := m.conn.Idle(); err != nil {
		m.logger.Printf("failed to send idle: %v", err)
		return nil
	}
	m.selfIdle = true
	return m.setStatus("Marked idle")
}

func (m *Model) appendLine(kind lineKind, text string) {
	m.lines = append(m.lines, chatLine{at: time.Now(), kind: kind, text: text})
	m.refreshChat()
}

// refreshChat re-renders the chat pane, following the tail unless the
// user scrolled up
func (m *Model) refreshChat() {
	if m.chat.Width == 0 {
		return
	}
	follow := m.chat.AtBottom()
	m.chat.SetContent(m.buildChatContent())
	if follow {
		m.chat.GotoBottom()
	}
}

// mentions reports whether text names username as a whole word, ignoring case
func mentions(text, username string) bool {
	if username == "" {
		return false
	}
	lower := strings.ToLower(text)
	name := strings.ToLower(username)
	for offset := 0; ; {
		i := strings.Index(lower[offset:], name)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(name)
		before, _ := utf8.DecodeLastRuneInString(lower[:start])
		after, _ := utf8.DecodeRuneInString(lower[end:])
		if !isWordRune(before) && !isWordRune(after) {
			return true
		}
		offset = start + 1
	}
}

func isWordRune(r rune) bool {
	return r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

// sendDesktopNotification is best effort
func (m Model) sendDesktopNotification(text string) {
	if utf8.RuneCountInString(text) > 100 {
		text = string([]rune(text)[:97]) + "..."
	}
	if err := m.notify("SBCP "+m.addr.String(), text); err != nil {
		m.logger.Printf("Failed to send desktop notification: %v", err)
	}
}
