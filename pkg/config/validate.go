package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/ethpandaops/xrun/pkg/process"
)

var (
	launchConditionKinds = map[ConditionKind]bool{
		ConditionDelay:    true,
		ConditionStdio:    true,
		ConditionEvent:    true,
		ConditionPortOpen: true,
	}
	restartConditionKinds = map[ConditionKind]bool{
		ConditionStdio:    true,
		ConditionProxyURL: true,
		ConditionEvent:    true,
		ConditionWatch:    true,
	}
)

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	if len(c.Projects) == 0 {
		return errors.New(`config is empty: expected a "projects" list of project definitions`)
	}

	var errs []error

	if c.Control.Enabled && c.Control.Addr == "" {
		errs = append(errs, errors.New("control: addr is required when the control API is enabled"))
	}

	seen := make(map[string]bool, len(c.Projects))

	for i := range c.Projects {
		p := &c.Projects[i]

		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate project name: %q", p.Name))
		}

		seen[p.Name] = true

		if err := c.validateProject(p); err != nil {
			errs = append(errs, fmt.Errorf("project %q: %w", p.Name, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) validateProject(p *Project) error {
	var errs []error

	if p.IsLaunchable() && len(p.LaunchCompletedCondition) == 0 {
		errs = append(errs, errors.New("launch_command is provided, but not launch_completed_condition: "+
			"the project would never be considered started"))
	}

	for _, cond := range p.LaunchCompletedCondition {
		if err := c.validateCondition(p, cond, launchConditionKinds); err != nil {
			errs = append(errs, fmt.Errorf("launch_completed_condition %s: %w", cond, err))
		}
	}

	for _, cond := range p.RestartCondition {
		if err := c.validateCondition(p, cond, restartConditionKinds); err != nil {
			errs = append(errs, fmt.Errorf("restart_condition %s: %w", cond, err))
		}
	}

	if p.IsProxied() && len(p.ProjectHTTPPort) == 0 {
		errs = append(errs, errors.New("proxy_http_port is provided, but no project_http_port: "+
			"the proxy would not know where to send requests"))
	}

	for _, src := range p.ProjectHTTPPort {
		if err := c.validatePortSource(src, true); err != nil {
			errs = append(errs, fmt.Errorf("project_http_port: %w", err))
		}
	}

	if p.ProxyHTTPPort != nil {
		if err := c.validatePortSource(*p.ProxyHTTPPort, false); err != nil {
			errs = append(errs, fmt.Errorf("proxy_http_port: %w", err))
		}
	}

	if p.ProxyTimeout < 0 {
		errs = append(errs, fmt.Errorf("proxy_timeout must not be negative, got %d", p.ProxyTimeout))
	}

	switch p.InitialLaunchOn {
	case "", constants.LaunchOnToolStart:
	case constants.LaunchOnFirstRequest:
		if !p.IsProxied() {
			errs = append(errs, errors.New("initial_launch_on is first_request, but the project has no proxy to receive requests"))
		}
	default:
		errs = append(errs, fmt.Errorf("initial_launch_on must be %q or %q, got %q",
			constants.LaunchOnToolStart, constants.LaunchOnFirstRequest, p.InitialLaunchOn))
	}

	switch p.OnShutdown {
	case "", constants.OnShutdownRestart, constants.OnShutdownNothing:
	default:
		errs = append(errs, fmt.Errorf("on_shutdown must be %q or %q, got %q",
			constants.OnShutdownRestart, constants.OnShutdownNothing, p.OnShutdown))
	}

	if _, err := p.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown_sequence: %w", err))
	}

	if p.BeforeStart != nil && p.BeforeStart.Shell == "" {
		errs = append(errs, errors.New("before_start: shell command is empty"))
	}

	if re := p.Logging.OutputExtractionRegexp; re != "" {
		if _, err := regexp.Compile(re); err != nil {
			errs = append(errs, fmt.Errorf("logging.output_extraction_regexp: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) validateCondition(p *Project, cond Condition, allowed map[ConditionKind]bool) error {
	kind, err := cond.Kind()
	if err != nil {
		return err
	}

	if !allowed[kind] {
		return fmt.Errorf("%s conditions are not supported here", kind)
	}

	var target *Project

	if cond.ProjectName != "" {
		t, ok := c.Project(cond.ProjectName)
		if !ok {
			return fmt.Errorf("there is no project named %q", cond.ProjectName)
		}

		target = t
	} else {
		target = p
	}

	switch kind {
	case ConditionDelay:
		if *cond.Delay < 0 {
			return fmt.Errorf("delay must not be negative, got %d", *cond.Delay)
		}
	case ConditionStdio:
		if _, err := regexp.Compile(cond.StdioParsingRegexp); err != nil {
			return err
		}

		if !target.IsLaunchable() {
			return fmt.Errorf("project %q never launches a process and has no output", target.Name)
		}
	case ConditionProxyURL:
		if _, err := regexp.Compile(cond.ProxyURLRegexp); err != nil {
			return err
		}

		if !target.IsProxied() {
			return fmt.Errorf("project %q does not have a proxy to attach listener to", target.Name)
		}
	case ConditionEvent:
		if cond.ProjectName == "" {
			return errors.New("event reference needs project_name")
		}

		if cond.EventType != constants.EventRestart && cond.EventType != constants.EventLaunchCompleted {
			return fmt.Errorf("unknown event type %q", cond.EventType)
		}
	case ConditionWatch:
		if cond.Debounce < 0 {
			return fmt.Errorf("debounce must not be negative, got %d", cond.Debounce)
		}
	case ConditionPortOpen:
		if len(target.ProjectHTTPPort) == 0 {
			return errors.New("port_open needs project_http_port")
		}
	}

	return nil
}

func (c *Config) validatePortSource(src PortSource, allowStdio bool) error {
	kind, err := src.Kind()
	if err != nil {
		return err
	}

	switch kind {
	case PortNumber:
		if *src.Number < 0 || *src.Number > 65535 {
			return fmt.Errorf("port %d is out of range", *src.Number)
		}
	case PortStdio:
		if !allowStdio {
			return errors.New("stdio parsing is not supported for this port")
		}

		if _, err := regexp.Compile(src.StdioParsingRegexp); err != nil {
			return err
		}

		if src.ProjectName != "" {
			if _, ok := c.Project(src.ProjectName); !ok {
				return fmt.Errorf("there is no project named %q", src.ProjectName)
			}
		}
	case PortJSON:
		if len(src.Keys) == 0 {
			return errors.New("json_file_path needs keys")
		}
	case PortShell:
	}

	return nil
}

// Shutdown converts shutdown_sequence into process steps. An empty sequence
// yields the default one.
func (p *Project) Shutdown() ([]process.ShutdownStep, error) {
	if len(p.ShutdownSequence) == 0 {
		return process.DefaultShutdownSequence(), nil
	}

	steps := make([]process.ShutdownStep, 0, len(p.ShutdownSequence))

	var errs []error

	for i, item := range p.ShutdownSequence {
		step, err := item.Step()
		if err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", i, err))

			continue
		}

		steps = append(steps, step)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := process.ValidateShutdownSequence(steps); err != nil {
		return nil, err
	}

	return steps, nil
}
