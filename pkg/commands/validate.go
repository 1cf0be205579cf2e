package commands

import (
	"strconv"
	"strings"

	"github.com/ethpandaops/xrun/pkg/config"
	"github.com/ethpandaops/xrun/pkg/ui"
	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		Long:  `Load and check the configuration file, then print the projects it defines.`,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			ui.Success("%s is valid", g.ConfigPath)
			ui.Blank()

			return ui.Table(
				[]string{"Project", "Command", "Launch on", "Proxy port", "Restart on"},
				projectDefinitionRows(cfg),
			)
		},
	}
}

func projectDefinitionRows(cfg *config.Config) [][]string {
	rows := make([][]string, 0, len(cfg.Projects))

	for i := range cfg.Projects {
		p := &cfg.Projects[i]

		command := "-"
		if p.IsLaunchable() {
			command = strings.Join(p.LaunchCommand, " ")
		}

		proxy := "-"
		if p.ProxyHTTPPort != nil {
			proxy = describePort(*p.ProxyHTTPPort)
		}

		restart := make([]string, 0, len(p.RestartCondition))

		for _, cond := range p.RestartCondition {
			if kind, err := cond.Kind(); err == nil {
				restart = append(restart, string(kind))
			}
		}

		restartOn := "-"
		if len(restart) > 0 {
			restartOn = strings.Join(restart, ", ")
		}

		rows = append(rows, []string{p.Name, command, p.LaunchOn(), proxy, restartOn})
	}

	return rows
}

func describePort(src config.PortSource) string {
	if src.Number != nil {
		return strconv.Itoa(*src.Number)
	}

	kind, err := src.Kind()
	if err != nil {
		return "?"
	}

	return string(kind)
}
