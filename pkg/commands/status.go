package commands

import (
	"github.com/ethpandaops/xrun/pkg/control"
	"github.com/ethpandaops/xrun/pkg/ui"
	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(g *Globals) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every project",
		Long:  `Query the control API of a running xrun and show the state of every project.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projects, err := control.NewClient(g.controlAddr(addr)).Projects(cmd.Context())
			if err != nil {
				return err
			}

			return ui.ProjectTable(projects)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Control API address (default: from config)")

	return cmd
}
