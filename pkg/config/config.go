// Package config loads and validates the xrun project configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the xrun root configuration.
type Config struct {
	// Projects managed by the tool. Projects launched at tool start are
	// started sequentially in this order.
	Projects []Project `yaml:"projects"`

	// DefaultProjectSettings are merged into every project. Values set on
	// the project win.
	DefaultProjectSettings map[string]any `yaml:"default_project_settings,omitempty"`

	Control ControlConfig `yaml:"control"`

	// SharedProcessGroup keeps children in the tool's process group, so a
	// terminal Ctrl+C reaches them directly.
	SharedProcessGroup bool `yaml:"shared_process_group"`

	// StateDir holds PID files. Relative to the config file directory.
	StateDir string `yaml:"state_dir"`

	// Dir is the directory of the loaded config file.
	Dir string `yaml:"-"`
}

// ControlConfig configures the local control API.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Project is the definition of one managed project.
type Project struct {
	Name             string `yaml:"name,omitempty"`
	WorkingDirectory string `yaml:"working_directory,omitempty"`

	// LaunchCommand is the program and its arguments. ${VAR} placeholders
	// expand from the project environment.
	LaunchCommand            []string               `yaml:"launch_command,omitempty"`
	LaunchCompletedCondition OneOrMany[Condition]    `yaml:"launch_completed_condition,omitempty"`
	RestartCondition         OneOrMany[Condition]    `yaml:"restart_condition,omitempty"`
	ShutdownSequence         OneOrMany[ShutdownItem] `yaml:"shutdown_sequence,omitempty"`
	OnShutdown               string                  `yaml:"on_shutdown,omitempty"`

	ProjectHTTPPort OneOrMany[PortSource] `yaml:"project_http_port,omitempty"`
	ProxyHTTPPort   *PortSource           `yaml:"proxy_http_port,omitempty"`
	// ProxyTimeout in milliseconds.
	ProxyTimeout    int    `yaml:"proxy_timeout,omitempty"`
	InitialLaunchOn string `yaml:"initial_launch_on,omitempty"`

	BeforeStart *ShellCommand `yaml:"before_start,omitempty"`

	Env     map[string]string `yaml:"env,omitempty"`
	EnvFile OneOrMany[string] `yaml:"env_file,omitempty"`

	Logging Logging `yaml:"logging,omitempty"`
}

// Logging controls how a project's output and tool messages are shown.
type Logging struct {
	ShowStdout   *bool  `yaml:"show_stdout,omitempty"`
	ShowStderr   *bool  `yaml:"show_stderr,omitempty"`
	ShowToolLogs *bool  `yaml:"show_tool_logs,omitempty"`
	Format       string `yaml:"format,omitempty"`
	// OutputExtractionRegexp keeps only the first captured group of each
	// matching output line.
	OutputExtractionRegexp string `yaml:"output_extraction_regexp,omitempty"`
}

// Default returns a root configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Control: ControlConfig{
			Enabled: true,
			Addr:    constants.DefaultControlAddr,
		},
		StateDir: constants.DefaultStateDir,
	}
}

// Load reads and parses a config file. YAML and JSON are read natively,
// files ending in .toml are converted first.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	raw, err := decodeRaw(abs, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", abs, err)
	}

	if err := mergeProjectDefaults(raw); err != nil {
		return nil, fmt.Errorf("failed to apply default project settings: %w", err)
	}

	merged, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(merged))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config %s is not valid: %w", abs, err)
	}

	cfg.Dir = filepath.Dir(abs)
	cfg.resolve()

	return cfg, nil
}

func decodeRaw(path string, data []byte) (map[string]any, error) {
	raw := make(map[string]any)

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}

		return raw, nil
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	return raw, nil
}

// mergeProjectDefaults deep merges default_project_settings into every
// project mapping, keeping values the project sets itself.
func mergeProjectDefaults(raw map[string]any) error {
	defaults, ok := raw["default_project_settings"].(map[string]any)
	if !ok || len(defaults) == 0 {
		return nil
	}

	projects, ok := raw["projects"].([]any)
	if !ok {
		return nil
	}

	for i, p := range projects {
		project, ok := p.(map[string]any)
		if !ok {
			return fmt.Errorf("project %d is not a mapping", i)
		}

		if err := mergo.Merge(&project, defaults); err != nil {
			return fmt.Errorf("project %d: %w", i, err)
		}

		projects[i] = project
	}

	return nil
}

// resolve makes paths absolute and fills derived defaults.
func (c *Config) resolve() {
	if c.StateDir == "" {
		c.StateDir = constants.DefaultStateDir
	}

	if !filepath.IsAbs(c.StateDir) {
		c.StateDir = filepath.Join(c.Dir, c.StateDir)
	}

	if c.Control.Addr == "" {
		c.Control.Addr = constants.DefaultControlAddr
	}

	for i := range c.Projects {
		p := &c.Projects[i]

		switch {
		case p.WorkingDirectory == "":
			p.WorkingDirectory = c.Dir
		case !filepath.IsAbs(p.WorkingDirectory):
			p.WorkingDirectory = filepath.Join(c.Dir, p.WorkingDirectory)
		}

		if p.Name == "" {
			p.Name = filepath.Base(p.WorkingDirectory)
		}
	}
}

// IsLaunchable reports whether the project runs a process.
func (p *Project) IsLaunchable() bool {
	return len(p.LaunchCommand) > 0
}

// IsProxied reports whether the project has a proxy.
func (p *Project) IsProxied() bool {
	return p.ProxyHTTPPort != nil
}

// LaunchOn returns when the project is first launched. Projects with a proxy
// wait for the first request unless told otherwise.
func (p *Project) LaunchOn() string {
	if p.InitialLaunchOn != "" {
		return p.InitialLaunchOn
	}

	if p.IsProxied() {
		return constants.LaunchOnFirstRequest
	}

	return constants.LaunchOnToolStart
}

// RestartOnUnexpectedExit reports the on_shutdown policy.
func (p *Project) RestartOnUnexpectedExit() bool {
	return p.OnShutdown == "" || p.OnShutdown == constants.OnShutdownRestart
}

// ProxyTimeoutDuration returns the proxy inactivity timeout.
func (p *Project) ProxyTimeoutDuration() time.Duration {
	if p.ProxyTimeout <= 0 {
		return constants.DefaultProxyReadTimeout
	}

	return time.Duration(p.ProxyTimeout) * time.Millisecond
}

// LogFormat returns the per-line log format of the project.
func (l Logging) LogFormat() string {
	if l.Format == "" {
		return constants.DefaultLogFormat
	}

	return l.Format
}

// StdoutShown reports whether stdout lines are logged. Default true.
func (l Logging) StdoutShown() bool {
	return l.ShowStdout == nil || *l.ShowStdout
}

// StderrShown reports whether stderr lines are logged. Default true.
func (l Logging) StderrShown() bool {
	return l.ShowStderr == nil || *l.ShowStderr
}

// ToolLogsShown reports whether tool messages about the project are logged.
// Default true.
func (l Logging) ToolLogsShown() bool {
	return l.ShowToolLogs == nil || *l.ShowToolLogs
}

// Project returns the project with the given name.
func (c *Config) Project(name string) (*Project, bool) {
	for i := range c.Projects {
		if c.Projects[i].Name == name {
			return &c.Projects[i], true
		}
	}

	return nil, false
}
