package debugview

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary   = lipgloss.Color("#2E8B57") // sea green
	colorSecondary = lipgloss.Color("#00CED1")
	colorSuccess   = lipgloss.Color("#32CD32")
	colorWarning   = lipgloss.Color("#FFD700")
	colorError     = lipgloss.Color("#FF6347")
	colorMuted     = lipgloss.Color("#888888")
	colorBorder    = lipgloss.Color("#444444")
	colorBadge     = lipgloss.Color("#333333")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)

	badgeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(colorBadge).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)
)
