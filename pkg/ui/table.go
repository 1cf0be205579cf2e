package ui

import (
	"fmt"
	"strconv"

	"github.com/ethpandaops/xrun/pkg/orchestrator"
	"github.com/pterm/pterm"
)

// Table prints a table with a bold header row.
func Table(headers []string, rows [][]string) error {
	data := append([][]string{headers}, rows...)

	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(Out, out)

	return err
}

// ProjectTable prints project states with color-coded status.
func ProjectTable(projects []orchestrator.ProjectStatus) error {
	return Table([]string{"Project", "State", "PID", "Proxy", "Target", "Launch on"}, ProjectRows(projects))
}

// ProjectRows renders project states as table rows. Unknown values are
// shown as a dash.
func ProjectRows(projects []orchestrator.ProjectStatus) [][]string {
	rows := make([][]string, 0, len(projects))

	for _, p := range projects {
		state := p.State
		if !p.Launchable {
			state = "-"
		}

		rows = append(rows, []string{
			p.Name,
			StateStyle(p.State).Sprint(state),
			orDash(p.PID),
			orDash(p.ProxyPort),
			orDash(p.HTTPPort),
			p.LaunchOn,
		})
	}

	return rows
}

func orDash(n int) string {
	if n <= 0 {
		return "-"
	}

	return strconv.Itoa(n)
}
