package tui

import "github.com/charmbracelet/lipgloss"

const (
	colorGreen  = lipgloss.Color("10")
	colorRed    = lipgloss.Color("9")
	colorYellow = lipgloss.Color("11")
	colorCyan   = lipgloss.Color("14")
	colorGray   = lipgloss.Color("8")
	colorBar    = lipgloss.Color("#3A3A3A")
)

var (
	titleStyle      = lipgloss.NewStyle().Bold(true).Foreground(colorCyan).MarginBottom(1)
	runningStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorGreen)
	transitionStyle = lipgloss.NewStyle().Foreground(colorYellow)
	mutedStyle      = lipgloss.NewStyle().Foreground(colorGray)
	errorStyle      = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	selectedStyle   = lipgloss.NewStyle().Background(lipgloss.Color("237")).Foreground(lipgloss.Color("15"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorCyan).
			Padding(0, 1)

	helpStyle      = lipgloss.NewStyle().Bold(true).Background(colorBar).MarginTop(1).Padding(0, 1)
	statusBarStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan).Background(colorBar).Padding(0, 1)
)

// stateStyles colours supervisor states; unknown states render as errors.
var stateStyles = map[string]lipgloss.Style{
	"running":  runningStyle,
	"starting": transitionStyle,
	"stopping": transitionStyle,
	"stopped":  mutedStyle,
}

func stateStyle(state string) lipgloss.Style {
	if s, ok := stateStyles[state]; ok {
		return s
	}

	return errorStyle
}
