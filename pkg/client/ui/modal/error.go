package modal

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrorModal shows a failure that must be acknowledged, such as a rejected
// JOIN or a dropped connection
type ErrorModal struct {
	title   string
	message string
	onClose func() tea.Cmd
}

func NewErrorModal(title, message string, onClose func() tea.Cmd) *ErrorModal {
	return &ErrorModal{title: title, message: message, onClose: onClose}
}

func (m *ErrorModal) Type() ModalType {
	return ModalError
}

func (m *ErrorModal) HandleKey(msg tea.KeyMsg) (bool, Modal, tea.Cmd) {
	switch msg.String() {
	case "enter", "esc", " ":
		var cmd tea.Cmd
		if m.onClose != nil {
			cmd = m.onClose()
		}
		return true, nil, cmd
	case "ctrl+c":
		return false, m, nil
	}
	return true, m, nil
}

func (m *ErrorModal) Render(width, height int) string {
	errorColor := lipgloss.Color("#FF5555")

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(errorColor).
		Render(m.title)
	message := lipgloss.NewStyle().
		Foreground(lipgloss.Color("252")).
		Render(m.message)
	hint := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true).
		Render("Press Enter or Esc to continue")

	modalWidth := min(50, width-4)
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(errorColor).
		Padding(1, 2).
		Width(modalWidth).
		Render(lipgloss.JoinVertical(lipgloss.Left, title, "", message, "", hint))

	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, box)
}

func (m *ErrorModal) IsBlockingInput() bool {
	return true
}
