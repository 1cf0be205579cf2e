package commands

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/xrun/pkg/control"
	"github.com/ethpandaops/xrun/pkg/ui"
	"github.com/spf13/cobra"
)

// NewRestartCommand creates the restart command.
func NewRestartCommand(g *Globals) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:               "restart <project>",
		Short:             "Restart a project",
		Long:              `Restart a project of a running xrun and wait until it is launched again.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeProjects(g),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(g.controlAddr(addr))

			return ui.WithSpinner("Restarting "+args[0], func() error {
				r, err := client.Action(cmd.Context(), args[0], control.ActionRestart)
				if err != nil {
					return err
				}

				if !r.Running {
					if r.Error != "" {
						return errors.New(r.Error)
					}

					return fmt.Errorf("%s is not running after restart (%s)", args[0], r.Result)
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Control API address (default: from config)")

	return cmd
}
