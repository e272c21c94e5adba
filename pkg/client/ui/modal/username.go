package modal

import (
	"fmt"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// UsernameModal asks for the name to JOIN with
type UsernameModal struct {
	server       string
	input        string
	maxLength    int // bytes, 0 = unlimited
	errorMessage string
	onConfirm    func(username string) tea.Cmd
	onCancel     func() tea.Cmd
}

// NewUsernameModal pre-fills the field with initial, usually the last
// username that was accepted
func NewUsernameModal(server, initial string, maxLength int, onConfirm func(string) tea.Cmd, onCancel func() tea.Cmd) *UsernameModal {
	return &UsernameModal{
		server:    server,
		input:     initial,
		maxLength: maxLength,
		onConfirm: onConfirm,
		onCancel:  onCancel,
	}
}

// SetError shows message under the field, e.g. after the server refused the name
func (m *UsernameModal) SetError(message string) {
	m.errorMessage = message
}

func (m *UsernameModal) Input() string {
	return m.input
}

func (m *UsernameModal) Type() ModalType {
	return ModalUsername
}

func (m *UsernameModal) validate() string {
	switch {
	case m.input == "":
		return "Username cannot be empty"
	case !utf8.ValidString(m.input):
		return "Username must be valid UTF-8"
	case m.maxLength > 0 && len(m.input) > m.maxLength:
		return fmt.Sprintf("Username must be at most %d bytes", m.maxLength)
	}
	return ""
}

func (m *UsernameModal) HandleKey(msg tea.KeyMsg) (bool, Modal, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		if problem := m.validate(); problem != "" {
			m.errorMessage = problem
			return true, m, nil
		}
		var cmd tea.Cmd
		if m.onConfirm != nil {
			cmd = m.onConfirm(m.input)
		}
		return true, nil, cmd

	case tea.KeyEsc, tea.KeyCtrlC:
		var cmd tea.Cmd
		if m.onCancel != nil {
			cmd = m.onCancel()
		}
		return true, nil, cmd

	case tea.KeyBackspace:
		if m.input != "" {
			_, size := utf8.DecodeLastRuneInString(m.input)
			m.input = m.input[:len(m.input)-size]
		}
		m.errorMessage = ""
		return true, m, nil

	case tea.KeySpace:
		m.input += " "
		return true, m, nil

	case tea.KeyRunes:
		m.input += string(msg.Runes)
		m.errorMessage = ""
		return true, m, nil
	}
	return true, m, nil
}

func (m *UsernameModal) Render(width, height int) string {
	primaryColor := lipgloss.Color("#00D0D0")
	mutedColor := lipgloss.Color("240")

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(primaryColor).
		Render("Join " + m.server)

	field := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("170")).
		Padding(0, 1).
		Width(40).
		Render("Username: " + m.input + "█")

	var errorLine string
	if m.errorMessage != "" {
		errorLine = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render(m.errorMessage)
	}

	hint := lipgloss.NewStyle().
		Foreground(mutedColor).
		Render("[Enter] Join  [Esc] Quit")

	content := lipgloss.JoinVertical(lipgloss.Center, title, "", field, errorLine, hint)
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(primaryColor).
		Padding(1, 3).
		Render(content)

	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, box)
}

func (m *UsernameModal) IsBlockingInput() bool {
	return true
}
