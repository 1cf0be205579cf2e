package commands

import (
	"strings"

	"github.com/ethpandaops/xrun/pkg/config"
	"github.com/spf13/cobra"
)

// completeProjects returns a ValidArgsFunction that completes the project
// names of the configuration file.
func completeProjects(g *Globals) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		cfg, err := config.Load(g.ConfigPath)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		completions := make([]string, 0, len(cfg.Projects))

		for _, p := range cfg.Projects {
			if p.IsLaunchable() && strings.HasPrefix(p.Name, toComplete) {
				completions = append(completions, p.Name)
			}
		}

		return completions, cobra.ShellCompDirectiveNoFileComp
	}
}
