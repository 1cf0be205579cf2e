package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethpandaops/xrun/pkg/config"
	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/ethpandaops/xrun/pkg/event"
	"github.com/ethpandaops/xrun/pkg/metrics"
	"github.com/ethpandaops/xrun/pkg/process"
	"github.com/ethpandaops/xrun/pkg/project"
	"github.com/ethpandaops/xrun/pkg/proxy"
)

// Restart reasons, used as metric labels.
const (
	reasonStdio    = "stdio"
	reasonProxyURL = "proxy_url"
	reasonEvent    = "event"
	reasonWatch    = "watch"
	reasonManual   = "manual"
)

// target returns the project a condition refers to: the named one, or e.
func (o *Orchestrator) target(e *entry, name string) (*entry, error) {
	if name == "" {
		return e, nil
	}

	t, ok := o.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProject, name)
	}

	return t, nil
}

// outputBus returns the stdout or stderr bus of a launchable project.
func outputBus(t *entry, stderr bool) (*event.Bus[string], error) {
	sup := t.project.Supervisor()
	if sup == nil {
		return nil, fmt.Errorf("project %q never launches a process and has no output", t.def.Name)
	}

	if stderr {
		return sup.OnStderr, nil
	}

	return sup.OnStdout, nil
}

// onOutputMatch calls fn with the submatches of every output line of t that
// matches expr. ANSI escapes are removed before matching.
func onOutputMatch(t *entry, stderr bool, expr string, fn func(m []string)) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}

	bus, err := outputBus(t, stderr)
	if err != nil {
		return err
	}

	bus.Subscribe(func(_ context.Context, line string) error {
		if m := re.FindStringSubmatch(project.Output(line)); m != nil {
			fn(m)
		}

		return nil
	})

	return nil
}

// onProjectEvent calls fn whenever the named project restarts or completes
// its launch. The project must be registered.
func (o *Orchestrator) onProjectEvent(name, typ string, fn func()) error {
	if _, ok := o.byName[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProject, name)
	}

	var bus *event.Bus[string]

	switch typ {
	case constants.EventRestart:
		bus = o.OnRestart
	case constants.EventLaunchCompleted:
		bus = o.OnLaunchCompleted
	default:
		return fmt.Errorf("unknown event type %q", typ)
	}

	bus.Subscribe(func(_ context.Context, source string) error {
		if source == name {
			fn()
		}

		return nil
	})

	return nil
}

func (o *Orchestrator) wireRestartConditions(e *entry) error {
	for _, cond := range e.def.RestartCondition {
		kind, err := cond.Kind()
		if err != nil {
			return fmt.Errorf("restart_condition: %w", err)
		}

		if err := o.wireRestartCondition(e, kind, cond); err != nil {
			return fmt.Errorf("restart_condition %s: %w", cond, err)
		}
	}

	return nil
}

func (o *Orchestrator) wireRestartCondition(e *entry, kind config.ConditionKind, cond config.Condition) error {
	switch kind {
	case config.ConditionStdio:
		t, err := o.target(e, cond.ProjectName)
		if err != nil {
			return err
		}

		return onOutputMatch(t, cond.Stderr, cond.StdioParsingRegexp, func([]string) {
			o.restartAsync(e, reasonStdio)
		})
	case config.ConditionProxyURL:
		return o.wireProxyURLRestart(e, cond)
	case config.ConditionEvent:
		if cond.ProjectName == "" {
			return errors.New("event reference needs project_name")
		}

		return o.onProjectEvent(cond.ProjectName, cond.EventType, func() {
			o.restartAsync(e, reasonEvent)
		})
	case config.ConditionWatch:
		paths := make([]string, 0, len(cond.WatchPaths))

		for _, p := range cond.WatchPaths {
			if !filepath.IsAbs(p) {
				p = filepath.Join(e.def.WorkingDirectory, p)
			}

			paths = append(paths, p)
		}

		debounce := cond.DebounceDuration(constants.DefaultWatchDebounce)

		o.watchers = append(o.watchers, newPathWatcher(e.log, paths, debounce, func(path string) {
			e.log.WithField("path", path).Info("file change detected, restarting")
			o.restartAsync(e, reasonWatch)
		}))

		return nil
	default:
		return fmt.Errorf("%s conditions cannot restart a project", kind)
	}
}

// wireProxyURLRestart restarts e before forwarding a matching request
// through the target proxy.
func (o *Orchestrator) wireProxyURLRestart(e *entry, cond config.Condition) error {
	t, err := o.target(e, cond.ProjectName)
	if err != nil {
		return err
	}

	px := t.project.Proxy()
	if px == nil {
		return fmt.Errorf("project %q does not have a proxy to attach listener to", t.def.Name)
	}

	re, err := regexp.Compile(cond.ProxyURLRegexp)
	if err != nil {
		return err
	}

	px.OnHTTPRequest.Subscribe(func(ctx context.Context, req *proxy.HTTPRequest) error {
		if cond.Method != "" && !strings.EqualFold(cond.Method, req.Method) {
			return nil
		}

		if !re.MatchString(req.URL) {
			return nil
		}

		if o.isShuttingDown() {
			return nil
		}

		out, err := o.restart(ctx, e, reasonProxyURL)
		if err != nil {
			return err
		}

		if !out.Running {
			e.log.WithError(out.Err).Warn("restart before proxied request did not complete")
		}

		return nil
	})

	return nil
}

// wireHTTPPorts connects every project_http_port source of e to its proxy.
func (o *Orchestrator) wireHTTPPorts(ctx context.Context, e *entry) error {
	if len(e.def.ProjectHTTPPort) > 0 && !e.project.IsProxied() {
		e.log.Warn("project_http_port is set without proxy_http_port, it has no use")
	}

	for _, src := range e.def.ProjectHTTPPort {
		kind, err := src.Kind()
		if err != nil {
			return fmt.Errorf("project_http_port: %w", err)
		}

		if kind != config.PortStdio {
			port, err := resolveStaticPort(ctx, e.def.WorkingDirectory, e.env, src)
			if err != nil {
				return fmt.Errorf("failed to resolve project_http_port: %w", err)
			}

			e.project.NotifyHTTPPort(port)

			continue
		}

		t, err := o.target(e, src.ProjectName)
		if err != nil {
			return err
		}

		err = onOutputMatch(t, src.Stderr, src.StdioParsingRegexp, func(m []string) {
			port, err := portFromMatch(m)
			if err != nil {
				e.log.WithError(err).Warn("failed to parse HTTP port from output")

				return
			}

			e.log.WithField("port", port).Debug("HTTP port acquired")
			e.project.NotifyHTTPPort(port)
		})
		if err != nil {
			return fmt.Errorf("project_http_port: %w", err)
		}
	}

	return nil
}

func (o *Orchestrator) wireLaunchCompletedConditions(e *entry) error {
	conds := e.def.LaunchCompletedCondition

	if !e.project.IsLaunchable() {
		if len(conds) > 0 {
			e.log.Warn("launch_completed_condition is set without launch_command, it has no use")
		}

		return nil
	}

	if len(conds) == 0 {
		return errors.New("launch_command is provided, but not launch_completed_condition")
	}

	for _, cond := range conds {
		kind, err := cond.Kind()
		if err != nil {
			return fmt.Errorf("launch_completed_condition: %w", err)
		}

		if err := o.wireLaunchCompletedCondition(e, kind, cond); err != nil {
			return fmt.Errorf("launch_completed_condition %s: %w", cond, err)
		}
	}

	return nil
}

func (o *Orchestrator) wireLaunchCompletedCondition(e *entry, kind config.ConditionKind, cond config.Condition) error {
	sup := e.project.Supervisor()

	switch kind {
	case config.ConditionDelay:
		delay := time.Duration(*cond.Delay) * time.Millisecond

		sup.OnProcessCreated.Subscribe(func(_ context.Context, pid int) error {
			time.AfterFunc(delay, func() {
				// A newer process has its own timer.
				if e.project.PID() == pid {
					e.project.NotifyLaunchCompleted()
				}
			})

			return nil
		})

		return nil
	case config.ConditionStdio:
		t, err := o.target(e, cond.ProjectName)
		if err != nil {
			return err
		}

		return onOutputMatch(t, cond.Stderr, cond.StdioParsingRegexp, func([]string) {
			e.project.NotifyLaunchCompleted()
		})
	case config.ConditionEvent:
		if cond.ProjectName == "" {
			return errors.New("event reference needs project_name")
		}

		return o.onProjectEvent(cond.ProjectName, cond.EventType, e.project.NotifyLaunchCompleted)
	case config.ConditionPortOpen:
		t, err := o.target(e, cond.ProjectName)
		if err != nil {
			return err
		}

		if !t.project.IsProxied() {
			return fmt.Errorf("project %q has no proxy, its HTTP port is never known", t.def.Name)
		}

		sup.OnProcessCreated.Subscribe(func(_ context.Context, pid int) error {
			o.startProbe(e, t, pid)

			return nil
		})

		return nil
	default:
		return fmt.Errorf("%s conditions cannot complete a launch", kind)
	}
}

// portWatch is the port check of one spawned process.
type portWatch struct {
	pid    int
	cancel context.CancelFunc
}

// startProbe polls the HTTP port of t until it accepts connections, then
// completes the launch of e. The check ends when process pid stops.
func (o *Orchestrator) startProbe(e, t *entry, pid int) {
	o.mu.Lock()

	if o.shuttingDown {
		o.mu.Unlock()

		return
	}

	if w, ok := o.probes[e.def.Name]; ok {
		w.cancel()
	}

	ctx, cancel := context.WithCancel(o.ctx)
	o.probes[e.def.Name] = portWatch{pid: pid, cancel: cancel}
	o.mu.Unlock()

	checker := process.NewPortHealthChecker(constants.DefaultTargetHost, func() int {
		port, err := t.project.ProjectHTTPPort()
		if err != nil {
			return -1
		}

		return port
	})

	go func() {
		if err := checker.Check(ctx); err != nil {
			e.log.WithError(err).Debug("port probe ended")

			return
		}

		e.log.WithField("check", checker.Name()).Debug("port open")
		e.project.NotifyLaunchCompleted()
	}()
}

// stopProbe ends the port check of process pid. A check belonging to a
// later process of the same project is left running.
func (o *Orchestrator) stopProbe(name string, pid int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if w, ok := o.probes[name]; ok && w.pid == pid {
		w.cancel()
		delete(o.probes, name)
	}
}

// restart restarts e and announces it to the projects that listen for it.
func (o *Orchestrator) restart(ctx context.Context, e *entry, reason string) (*process.StartOutcome, error) {
	e.log.WithField("reason", reason).Debug("restart triggered")

	out, err := e.project.Restart(ctx)
	if err != nil {
		return nil, err
	}

	metrics.ProcessRestarted(e.def.Name, reason)

	if err := o.OnRestart.Fire(ctx, e.def.Name); err != nil {
		e.log.WithError(err).Warn("restart listeners failed")
	}

	if err := o.emit(ctx, e, EventRestarted, e.project.PID()); err != nil {
		e.log.WithError(err).Debug("event listeners failed")
	}

	return out, nil
}

// restartAsync restarts e without blocking the caller. Output listeners run
// on the reader of the process output and must not wait for its exit.
func (o *Orchestrator) restartAsync(e *entry, reason string) {
	o.mu.Lock()

	if o.shuttingDown {
		o.mu.Unlock()

		return
	}

	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()

		out, err := o.restart(o.ctx, e, reason)
		if err != nil {
			e.log.WithError(err).Warn("restart failed")

			return
		}

		if !out.Running && out.Err != nil && !errors.Is(out.Err, context.Canceled) {
			e.log.WithError(out.Err).Warn("restart did not complete")
		}
	}()
}
