package ui

import (
	"fmt"

	"github.com/pterm/pterm"
)

// PrintCompactBanner prints a one-line banner with the version and the
// number of projects.
func PrintCompactBanner(version string, projects int) {
	fmt.Fprintf(Out, "%s %s %s\n",
		pterm.Cyan("xrun"),
		pterm.Gray("v"+version),
		MutedStyle.Sprintf("(%d projects)", projects),
	)
}
