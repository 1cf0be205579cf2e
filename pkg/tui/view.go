package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// View renders the TUI.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	sections := []string{
		titleStyle.Render("xrun projects"),
		m.renderProjectsPanel(),
		m.renderActivity(),
		helpStyle.Render("↑/↓ select • enter start • s stop • r restart • q quit"),
		m.renderStatusBar(),
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderProjectsPanel() string {
	rows := make([]string, 0, len(m.projects)+2)
	rows = append(rows, fmt.Sprintf("%-22s %-10s %8s %7s %7s", "PROJECT", "STATE", "PID", "PROXY", "TARGET"))
	rows = append(rows, strings.Repeat("─", 60))

	for i, p := range m.projects {
		state := p.State
		if !p.Launchable {
			state = "-"
		}

		// Pad before coloring, escape codes have no width.
		stateStr := stateStyle(p.State).Render(fmt.Sprintf("%-10s", state))

		row := fmt.Sprintf("%-22s %s %8s %7s %7s",
			p.Name, stateStr, orDash(p.PID), orDash(p.ProxyPort), orDash(p.HTTPPort))

		if i == m.selectedIndex {
			row = selectedStyle.Render(row)
		}

		rows = append(rows, row)
	}

	if len(m.projects) == 0 {
		rows = append(rows, mutedStyle.Render("no projects"))
	}

	width := max(m.width-2, 40)

	return panelStyle.Width(width).Render(strings.Join(rows, "\n"))
}

func (m Model) renderActivity() string {
	switch {
	case m.activity != "":
		elapsed := time.Since(m.activityStart).Round(time.Second)
		frame := spinnerFrames[int(elapsed.Seconds())%len(spinnerFrames)]

		return transitionStyle.Render(fmt.Sprintf("%s %s (%s)", frame, m.activity, elapsed))
	case m.lastErr != nil:
		return errorStyle.Render("✗ " + m.lastErr.Error())
	case m.lastResult != "":
		return runningStyle.Render("✓ " + m.lastResult)
	default:
		return mutedStyle.Render("idle")
	}
}

func (m Model) renderStatusBar() string {
	if m.fetchErr != nil {
		return statusBarStyle.Render("control API unreachable: " + m.fetchErr.Error())
	}

	if m.lastUpdate.IsZero() {
		return statusBarStyle.Render("connecting...")
	}

	return statusBarStyle.Render(fmt.Sprintf("%d projects • updated %s",
		len(m.projects), m.lastUpdate.Format("15:04:05")))
}

func orDash(n int) string {
	if n <= 0 {
		return "-"
	}

	return strconv.Itoa(n)
}
