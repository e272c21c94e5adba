package ui

import (
	"fmt"
	"strings"

	"github.com/76creates/stickers/flexbox"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
)

const (
	minSidebarWidth = 18
	chromeHeight    = 3 // header, input, footer
)

func sidebarWidthFor(width int) int {
	return max(minSidebarWidth, width/4)
}

// resize lays the chat viewport and input out for a new terminal size
func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	chatWidth := max(10, width-sidebarWidthFor(width)-2) // ChatPaneStyle padding
	chatHeight := max(3, height-chromeHeight)
	if m.chat.Width == 0 || m.chat.Height == 0 {
		m.chat = viewport.New(chatWidth, chatHeight)
	} else {
		m.chat.Width = chatWidth
		m.chat.Height = chatHeight
	}
	m.input.Width = max(10, width-4)

	m.chat.SetContent(m.buildChatContent())
	m.chat.GotoBottom()
}

// View renders the current view
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	layout := flexbox.New(m.width, m.height)
	contentHeight := max(1, m.height-chromeHeight)

	headerRow := layout.NewRow().AddCells(
		flexbox.NewCell(1, 1).SetContent(m.renderHeader()),
	)

	body := flexbox.NewHorizontal(m.width, contentHeight)
	sidebarWidth := sidebarWidthFor(m.width)
	chatCol := body.NewColumn().AddCells(
		flexbox.NewCell(3, 1).
			SetStyle(ChatPaneStyle).
			SetContent(m.chat.View()),
	)
	userCol := body.NewColumn().AddCells(
		flexbox.NewCell(1, 1).
			SetStyle(UserSidebarStyle.Width(sidebarWidth).Height(contentHeight)).
			SetContent(m.buildUserSidebarContent(sidebarWidth - 3)),
	)
	body.AddColumns([]*flexbox.Column{chatCol, userCol})

	contentRow := layout.NewRow().AddCells(
		flexbox.NewCell(1, contentHeight).SetContent(body.Render()),
	)
	inputRow := layout.NewRow().AddCells(
		flexbox.NewCell(1, 1).SetContent(m.input.View()),
	)
	footerRow := layout.NewRow().AddCells(
		flexbox.NewCell(1, 1).SetContent(m.renderFooter()),
	)
	layout.AddRows([]*flexbox.Row{headerRow, contentRow, inputRow, footerRow})

	result := layout.Render()
	if top := m.modalStack.Top(); top != nil {
		result = mergeOverlay(result, top.Render(m.width, m.height))
	}
	return result
}

// mergeOverlay replaces base lines with the non-blank lines of overlay
func mergeOverlay(base, overlay string) string {
	baseLines := strings.Split(base, "\n")
	overlayLines := strings.Split(overlay, "\n")
	limit := min(len(baseLines), len(overlayLines))

	for i := 0; i < limit; i++ {
		if strings.TrimSpace(overlayLines[i]) != "" {
			baseLines[i] = overlayLines[i]
		}
	}
	return strings.Join(baseLines, "\n")
}

func (m Model) renderHeader() string {
	left := HeaderStyle.Render("SBCP " + m.addr.String())

	var status string
	switch m.state {
	case StateJoined:
		status = fmt.Sprintf("%s  %d online", m.username, len(m.members)+1)
		if m.selfIdle {
			status += "  (idle)"
		}
	case StateJoining:
		status = "Joining as " + m.username + "..."
	default:
		status = m.state.String()
	}
	right := StatusStyle.Render(status)

	spacer := strings.Repeat(" ", max(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)))
	return left + spacer + right
}

func (m Model) renderFooter() string {
	content := "[Enter] Send  /idle  /quit  [PgUp/PgDn] Scroll"
	if m.statusMessage != "" {
		content += "  " + SuccessStyle.Render(m.statusMessage)
	}
	if m.errorMessage != "" {
		content += "  " + ErrorStyle.Render(m.errorMessage)
	}
	return FooterStyle.Render(truncateString(content, max(0, m.width-2)))
}

func (m Model) buildUserSidebarContent(width int) string {
	var b strings.Builder
	b.WriteString(SidebarTitleStyle.Render(fmt.Sprintf("Members (%d)", m.memberCount())))
	b.WriteString("\n")

	if m.state == StateJoined {
		dot := OnlineDotStyle
		if m.selfIdle {
			dot = IdleDotStyle
		}
		b.WriteString(dot.Render("●") + " " + truncateString(m.username, width-8) + MutedTextStyle.Render(" (you)") + "\n")
	}
	for _, mem := range m.members {
		if mem.idle {
			b.WriteString(IdleDotStyle.Render("◌") + " " + MutedTextStyle.Render(truncateString(mem.name, width-9)+" (idle)") + "\n")
			continue
		}
		b.WriteString(OnlineDotStyle.Render("●") + " " + truncateString(mem.name, width-2) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) memberCount() int {
	if m.state != StateJoined {
		return 0
	}
	return len(m.members) + 1
}

func (m Model) buildChatContent() string {
	if len(m.lines) == 0 {
		return MutedTextStyle.Render("No messages yet.")
	}
	width := max(20, m.chat.Width)
	rendered := make([]string, len(m.lines))
	for i, line := range m.lines {
		rendered[i] = m.formatChatLine(line, width)
	}
	return strings.Join(rendered, "\n")
}

// formatChatLine renders "[HH:MM] text", indenting wrapped lines under the text
func (m Model) formatChatLine(line chatLine, width int) string {
	prefix := MutedTextStyle.Render("["+line.at.Format("15:04")+"]") + " "

	style := MessageStyle
	text := line.text
	switch line.kind {
	case lineOwn:
		prefix += MessageOwnAuthorStyle.Render(m.username) + " "
	case linePresence:
		style = PresenceStyle
		text = "* " + text
	case lineSystem:
		style = SystemStyle
		text = "-- " + text
	}

	prefixWidth := lipgloss.Width(prefix)
	wrapped := wrapText(text, width-prefixWidth)
	indent := strings.Repeat(" ", prefixWidth)

	var b strings.Builder
	b.WriteString(prefix)
	for i, part := range wrapped {
		if i > 0 {
			b.WriteString("\n" + indent)
		}
		b.WriteString(style.Render(part))
	}
	return b.String()
}

// wrapText wraps text at word boundaries; words longer than width overflow
func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	current := ""
	for _, word := range words {
		if lipgloss.Width(word) > width {
			if current != "" {
				lines = append(lines, current)
				current = ""
			}
			lines = append(lines, word)
			continue
		}
		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if lipgloss.Width(candidate) > width {
			lines = append(lines, current)
			current = word
		} else {
			current = candidate
		}
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}

// truncateString cuts s to maxLen visible cells, keeping ANSI sequences intact
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= maxLen {
		return s
	}

	var result strings.Builder
	width := 0
	inEscape := false
	for _, r := range s {
		if r == '\x1b' {
			inEscape = true
		}
		if inEscape {
			result.WriteRune(r)
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		if width >= maxLen {
			break
		}
		result.WriteRune(r)
		width++
	}
	return result.String()
}
