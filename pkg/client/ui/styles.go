package ui

import "github.com/charmbracelet/lipgloss"

var (
	PrimaryColor   = lipgloss.Color("#00D0D0")
	SecondaryColor = lipgloss.Color("#FFAA00")
	SuccessColor   = lipgloss.Color("#00FF00")
	ErrorColor     = lipgloss.Color("#FF5555")
	MutedColor     = lipgloss.Color("240")
	TextColor      = lipgloss.Color("252")

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	StatusStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 1)

	FooterStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 1)

	MutedTextStyle = lipgloss.NewStyle().Foreground(MutedColor)
	SuccessStyle   = lipgloss.NewStyle().Foreground(SuccessColor)
	ErrorStyle     = lipgloss.NewStyle().Foreground(ErrorColor)

	MessageStyle          = lipgloss.NewStyle().Foreground(TextColor)
	MessageOwnAuthorStyle = lipgloss.NewStyle().Foreground(SuccessColor).Bold(true)
	PresenceStyle         = lipgloss.NewStyle().Foreground(SecondaryColor).Italic(true)
	SystemStyle           = lipgloss.NewStyle().Foreground(MutedColor).Italic(true)

	ChatPaneStyle = lipgloss.NewStyle().Padding(0, 1)

	UserSidebarStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), false, false, false, true).
				BorderForeground(MutedColor).
				Padding(0, 1)

	SidebarTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(PrimaryColor)
	OnlineDotStyle    = lipgloss.NewStyle().Foreground(SuccessColor)
	IdleDotStyle      = lipgloss.NewStyle().Foreground(MutedColor)
)
