package commands

import (
	"github.com/ethpandaops/xrun/pkg/control"
	"github.com/ethpandaops/xrun/pkg/tui"
	"github.com/spf13/cobra"
)

// NewTopCommand creates the top command.
func NewTopCommand(g *Globals) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Interactive project dashboard",
		Long: `Show a live dashboard of a running xrun.

Keys:
  ↑/↓ or k/j  select a project
  enter       start
  s           stop
  r           restart
  q           quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := control.NewClient(g.controlAddr(addr))

			// Fail fast instead of drawing an empty dashboard.
			if _, err := client.Health(cmd.Context()); err != nil {
				return err
			}

			return tui.Run(client)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Control API address (default: from config)")

	return cmd
}
