package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethpandaops/xrun/pkg/commands"
	"github.com/ethpandaops/xrun/pkg/ui"
	"github.com/ethpandaops/xrun/pkg/version"
)

// Build-time variables set via ldflags.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

func init() {
	version.Version = buildVersion
	version.Commit = buildCommit
	version.Date = buildDate
}

func main() {
	rootCmd, _ := commands.NewRootCommand()

	// Signals are handled by the run command itself, a second Ctrl+C
	// there must still reach the supervisor.
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.ErrorSymbol, err)
		os.Exit(1)
	}
}
