package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethpandaops/xrun/pkg/control"
	"github.com/ethpandaops/xrun/pkg/orchestrator"
	"github.com/ethpandaops/xrun/pkg/process"
	"github.com/ethpandaops/xrun/pkg/ui"
	"github.com/ethpandaops/xrun/pkg/version"
	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand(g *Globals) *cobra.Command {
	var noControl bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start every project and supervise them until interrupted",
		Long: `Start every project and supervise them until interrupted.

Projects launched at tool start are started one after another in the order of
the configuration. Proxied projects are started by their first request.

Press Ctrl+C to stop every project gracefully, press it again to kill them.

Examples:
  xrun run                    # Use .xrun.yaml in the current directory
  xrun run -c dev.toml        # Use another config file
  xrun run --no-control       # Do not serve the control API`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			pids := process.NewPIDStore(g.Log, cfg.StateDir)

			orch, err := orchestrator.New(cmd.Context(), cfg, orchestrator.Options{
				Logger:    g.Log,
				Formatter: g.Formatter,
				PIDStore:  pids,
			})
			if err != nil {
				return err
			}

			signals, stop := orchestrator.NotifySignals()
			defer stop()

			ui.PrintCompactBanner(version.GetVersion(), len(cfg.Projects))

			if cfg.Control.Enabled && !noControl {
				srv := control.NewServer(g.Log, orch, cfg.Control.Addr)
				if err := srv.Start(cmd.Context()); err != nil {
					return err
				}

				defer func() {
					if err := srv.Stop(); err != nil {
						g.Log.WithError(err).Warn("failed to stop control API")
					}
				}()

				orch.OnEvent.Subscribe(func(_ context.Context, ev orchestrator.Event) error {
					srv.Publish(ev)

					return nil
				})
			}

			return runUntilSignal(cmd.Context(), g, orch, signals)
		},
	}

	cmd.Flags().BoolVar(&noControl, "no-control", false, "Do not serve the control API")

	return cmd
}

// runUntilSignal performs the initial launch while watching for signals.
// A failed launch shuts everything down.
func runUntilSignal(ctx context.Context, g *Globals, orch *orchestrator.Orchestrator, signals <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var upErr error

	upDone := make(chan struct{})

	go func() {
		defer close(upDone)

		if err := orch.Up(ctx); err != nil && !errors.Is(err, context.Canceled) {
			upErr = err

			g.Log.WithError(err).Error("startup failed")
			cancel()
		}
	}()

	err := orch.RunUntilSignal(ctx, signals)

	cancel()
	<-upDone

	if orch.AnyProjectStillRunning() {
		g.Log.Warn("some processes did not stop")
	}

	if err != nil {
		err = fmt.Errorf("shutdown: %w", err)
	}

	return errors.Join(upErr, err)
}
