// Package commands implements the xrun command line.
package commands

import (
	"fmt"
	"os"

	"github.com/ethpandaops/xrun/pkg/config"
	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/ethpandaops/xrun/pkg/logging"
	"github.com/ethpandaops/xrun/pkg/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Globals holds the flags shared by every command and the logger built
// from them.
type Globals struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Verbose    bool

	Log       *logrus.Logger
	Formatter *logging.LineFormatter
}

// NewRootCommand creates the xrun command tree.
func NewRootCommand() (*cobra.Command, *Globals) {
	g := &Globals{}

	rootCmd := &cobra.Command{
		Use:   constants.AppName,
		Short: "Run a multi-project development setup",
		Long: `xrun launches the processes of every configured project, restarts them on
file changes, output patterns or requests, and proxies HTTP and WebSocket
traffic so that projects are started on first use.`,
		Version:       version.GetFullVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return g.setup()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.ConfigPath, "config", "c", constants.DefaultConfigFile, "Path to config file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().StringVarP(&g.LogLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&g.Verbose, "verbose", "v", false, "Enable verbose output (same as --log-level debug)")
	rootCmd.PersistentFlags().StringVar(&g.LogFormat, "log-format", logging.FormatLine, "Log format (line, text, json)")

	rootCmd.AddCommand(
		NewRunCommand(g),
		NewValidateCommand(g),
		NewStatusCommand(g),
		NewTopCommand(g),
		NewRestartCommand(g),
		NewVersionCommand(),
	)

	return rootCmd, g
}

func (g *Globals) setup() error {
	level := g.LogLevel
	if g.Verbose {
		level = logrus.DebugLevel.String()
	}

	log, formatter, err := logging.New(os.Stdout, level, g.LogFormat, os.Getenv("NO_COLOR") == "")
	if err != nil {
		return err
	}

	g.Log = log
	g.Formatter = formatter

	return nil
}

// loadConfig loads and validates the configuration file.
func (g *Globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s:\n%w", g.ConfigPath, err)
	}

	return cfg, nil
}

// controlAddr picks the control API address: the flag, then the config
// file, then the default.
func (g *Globals) controlAddr(flag string) string {
	if flag != "" {
		return flag
	}

	if cfg, err := config.Load(g.ConfigPath); err == nil && cfg.Control.Addr != "" {
		return cfg.Control.Addr
	}

	return constants.DefaultControlAddr
}
