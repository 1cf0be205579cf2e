package ui

import (
	"github.com/ethpandaops/xrun/pkg/process"
	"github.com/pterm/pterm"
)

var (
	// Color styles.
	SuccessStyle = pterm.NewStyle(pterm.FgGreen)
	ErrorStyle   = pterm.NewStyle(pterm.FgRed)
	WarningStyle = pterm.NewStyle(pterm.FgYellow)
	InfoStyle    = pterm.NewStyle(pterm.FgCyan)
	MutedStyle   = pterm.NewStyle(pterm.FgGray)

	// Symbol styles.
	SuccessSymbol = pterm.Green("✓")
	ErrorSymbol   = pterm.Red("✗")
	WarningSymbol = pterm.Yellow("⚠")
	InfoSymbol    = pterm.Cyan("→")

	// Section header style.
	HeaderStyle = pterm.NewStyle(pterm.FgCyan, pterm.Bold)
)

var stateStyles = map[process.State]*pterm.Style{
	process.StateRunning:  SuccessStyle,
	process.StateStarting: WarningStyle,
	process.StateStopping: WarningStyle,
	process.StateStopped:  MutedStyle,
}

// StateStyle returns the color of a process state.
func StateStyle(state string) *pterm.Style {
	if s, ok := stateStyles[process.State(state)]; ok {
		return s
	}

	return ErrorStyle
}
