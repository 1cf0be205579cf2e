// Package project composes a supervised process and its optional proxy into
// one unit with the capabilities decided at construction.
package project

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethpandaops/xrun/pkg/event"
	xexec "github.com/ethpandaops/xrun/pkg/exec"
	"github.com/ethpandaops/xrun/pkg/logging"
	"github.com/ethpandaops/xrun/pkg/process"
	"github.com/ethpandaops/xrun/pkg/proxy"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotLaunchable is returned for process operations on a project
	// without a launch command.
	ErrNotLaunchable = errors.New("project has no launch command")
	// ErrNotProxied is returned for proxy operations on a project without
	// a proxy.
	ErrNotProxied = errors.New("project has no proxy")
	// ErrPortUnknown is returned while the project HTTP port is not known.
	ErrPortUnknown = errors.New("project HTTP port is not known yet")
)

// ProxyOptions describe the proxy in front of a project.
type ProxyOptions struct {
	Port    int
	Host    string
	Timeout time.Duration
}

// OutputOptions control how child output is logged.
type OutputOptions struct {
	ShowStdout bool
	ShowStderr bool
	// Extraction keeps only the first capture group of matching lines.
	Extraction *regexp.Regexp
}

// Options configure a Project.
type Options struct {
	Name string
	Dir  string
	Env  []string

	LaunchCommand           []string
	ShutdownSequence        []process.ShutdownStep
	RestartOnUnexpectedExit bool
	// BeforeStart is a shell command run before every launch.
	BeforeStart string

	Proxy *ProxyOptions

	Launcher process.Launcher
	PIDStore *process.PIDStore

	// Log receives tool messages, Output receives child output lines.
	Log    logrus.FieldLogger
	Output logrus.FieldLogger
	Stdio  OutputOptions
}

// Project is one configured piece of software.
type Project struct {
	name string
	opts Options
	log  logrus.FieldLogger
	out  logrus.FieldLogger

	supervisor *process.Supervisor
	proxy      *proxy.Proxy

	// OnShutdown fires when the project is being torn down.
	OnShutdown *event.Bus[struct{}]
}

// New builds a project. It launches processes only when it has a launch
// command and proxies traffic only when it has proxy options.
func New(opts Options) *Project {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}

	if opts.Output == nil {
		opts.Output = opts.Log
	}

	p := &Project{
		name:       opts.Name,
		opts:       opts,
		log:        opts.Log.WithField(logging.FieldProject, opts.Name),
		out:        opts.Output.WithField(logging.FieldProject, opts.Name),
		OnShutdown: event.NewBus[struct{}](),
	}

	if opts.Proxy != nil {
		p.proxy = proxy.New(opts.Log.WithField(logging.FieldProject, opts.Name), proxy.Options{
			Name:    opts.Name,
			Port:    opts.Proxy.Port,
			Host:    opts.Proxy.Host,
			Timeout: opts.Proxy.Timeout,
		})

		p.OnShutdown.Subscribe(func(ctx context.Context, _ struct{}) error {
			return p.proxy.Stop(ctx)
		})
	}

	if len(opts.LaunchCommand) > 0 {
		p.supervisor = process.NewSupervisor(opts.Log.WithField(logging.FieldProject, opts.Name), process.SupervisorOptions{
			Name:                    opts.Name,
			Dir:                     opts.Dir,
			Env:                     opts.Env,
			Launcher:                opts.Launcher,
			LaunchCommand:           p.launchCommand,
			ShutdownSequence:        opts.ShutdownSequence,
			CaptureStdout:           true,
			CaptureStderr:           true,
			RestartOnUnexpectedExit: opts.RestartOnUnexpectedExit,
			PIDStore:                opts.PIDStore,
		})

		p.supervisor.OnBeforeStart.Subscribe(p.beforeStart)
		p.supervisor.OnStdout.Subscribe(p.printer(logging.StreamStdout, opts.Stdio.ShowStdout))
		p.supervisor.OnStderr.Subscribe(p.printer(logging.StreamStderr, opts.Stdio.ShowStderr))
	}

	if p.proxy != nil && p.supervisor != nil {
		ensure := func(ctx context.Context, _ proxy.RequestInfo) error {
			return p.EnsureRunning(ctx)
		}

		p.proxy.OnBeforeHTTPRequest.Subscribe(ensure)
		p.proxy.OnWebsocketConnectStarted.Subscribe(ensure)
	}

	return p
}

// Name returns the project name.
func (p *Project) Name() string {
	return p.name
}

// Dir returns the working directory.
func (p *Project) Dir() string {
	return p.opts.Dir
}

// Env returns the environment of the project process.
func (p *Project) Env() []string {
	return p.opts.Env
}

// Log returns the tool logger of the project.
func (p *Project) Log() logrus.FieldLogger {
	return p.log
}

// IsLaunchable reports whether the project runs a process.
func (p *Project) IsLaunchable() bool {
	return p.supervisor != nil
}

// IsProxied reports whether the project has a proxy.
func (p *Project) IsProxied() bool {
	return p.proxy != nil
}

// Supervisor returns the process supervisor, nil unless IsLaunchable.
func (p *Project) Supervisor() *process.Supervisor {
	return p.supervisor
}

// Proxy returns the proxy, nil unless IsProxied.
func (p *Project) Proxy() *proxy.Proxy {
	return p.proxy
}

// State returns the process state. Projects without a process are always
// stopped.
func (p *Project) State() process.State {
	if p.supervisor == nil {
		return process.StateStopped
	}

	return p.supervisor.State()
}

// PID returns the PID of the live process, or 0.
func (p *Project) PID() int {
	if p.supervisor == nil {
		return 0
	}

	return p.supervisor.PID()
}

// ProxyPort returns the proxy listening port.
func (p *Project) ProxyPort() (int, error) {
	if p.proxy == nil {
		return 0, ErrNotProxied
	}

	return p.proxy.Port(), nil
}

// NotifyHTTPPort records the port the project process listens on.
func (p *Project) NotifyHTTPPort(port int) {
	if p.proxy == nil {
		p.log.WithField("port", port).Debug("HTTP port acquired but there is no proxy to use it")

		return
	}

	p.proxy.SetTargetPort(port)
}

// ProjectHTTPPort returns the port the project process listens on.
func (p *Project) ProjectHTTPPort() (int, error) {
	if p.proxy == nil {
		return 0, ErrNotProxied
	}

	port := p.proxy.TargetPort()
	if port < 0 {
		return 0, ErrPortUnknown
	}

	return port, nil
}

// Start launches the process, or joins a start in flight.
func (p *Project) Start(ctx context.Context) (*process.StartOutcome, error) {
	if p.supervisor == nil {
		return nil, ErrNotLaunchable
	}

	return p.supervisor.Start(ctx), nil
}

// Stop runs the shutdown sequence of the process.
func (p *Project) Stop(ctx context.Context, opts process.StopOptions) error {
	if p.supervisor == nil {
		return ErrNotLaunchable
	}

	return p.supervisor.Stop(ctx, opts)
}

// Restart stops and starts the process as one operation.
func (p *Project) Restart(ctx context.Context) (*process.StartOutcome, error) {
	if p.supervisor == nil {
		p.log.Info("restart requested, but the project has no process")

		return nil, ErrNotLaunchable
	}

	return p.supervisor.Restart(ctx), nil
}

// NotifyLaunchCompleted marks a starting process as running.
func (p *Project) NotifyLaunchCompleted() {
	if p.supervisor == nil {
		p.log.Warn("launch completed detected, but the project has no process")

		return
	}

	p.supervisor.NotifyLaunchCompleted()
}

// StartProxy binds the proxy listener.
func (p *Project) StartProxy(ctx context.Context) error {
	if p.proxy == nil {
		return ErrNotProxied
	}

	return p.proxy.Start(ctx)
}

// EnsureRunning makes sure the process is running before traffic is
// forwarded, launching it when needed.
func (p *Project) EnsureRunning(ctx context.Context) error {
	if p.supervisor == nil {
		return nil
	}

	out := p.supervisor.Start(ctx)

	switch {
	case out.Result == process.StartResultInvalidState:
		if out.Err != nil {
			return fmt.Errorf("project could not be launched: %w", out.Err)
		}

		return errors.New("project could not be launched in this state")
	case !out.Running:
		if out.Err != nil {
			return fmt.Errorf("project is not running: %w", out.Err)
		}

		return errors.New("project is not running")
	}

	return nil
}

// Shutdown tears the project down: the proxy stops, no further starts are
// allowed and the process is stopped. skipSignal names a signal the process
// already received from the terminal.
func (p *Project) Shutdown(ctx context.Context, skipSignal string) error {
	var errs []error

	if err := p.OnShutdown.Fire(ctx, struct{}{}); err != nil {
		errs = append(errs, err)
	}

	if p.supervisor != nil {
		p.supervisor.Close()

		if err := p.supervisor.Stop(ctx, process.StopOptions{Force: true, SkipFirstSignal: skipSignal}); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ShutdownRough kills the process right away, then releases everything else.
func (p *Project) ShutdownRough(ctx context.Context) error {
	if p.supervisor != nil {
		p.supervisor.Kill()
	}

	return p.Shutdown(ctx, "")
}

// Output returns the text of a child output line as rules should see it:
// ANSI escapes removed.
func Output(line string) string {
	return stripansi.Strip(line)
}

func (p *Project) launchCommand(context.Context) ([]string, error) {
	return append([]string(nil), p.opts.LaunchCommand...), nil
}

func (p *Project) beforeStart(ctx context.Context, _ struct{}) error {
	if p.proxy != nil {
		if err := p.proxy.Start(ctx); err != nil {
			return fmt.Errorf("failed to start proxy: %w", err)
		}
	}

	if p.opts.BeforeStart == "" {
		return nil
	}

	log := p.log.WithField(logging.FieldComponent, "before_start")

	if err := xexec.RunShellLogged(ctx, log, p.opts.Dir, p.opts.Env, p.opts.BeforeStart); err != nil {
		return fmt.Errorf("before start command failed: %w", err)
	}

	return nil
}

func (p *Project) printer(stream string, show bool) event.Handler[string] {
	log := p.out.WithField(logging.FieldStream, stream)

	return func(_ context.Context, line string) error {
		if !show {
			return nil
		}

		text := Output(line)

		if re := p.opts.Stdio.Extraction; re != nil {
			if m := re.FindStringSubmatch(text); m != nil {
				if len(m) > 1 {
					text = m[1]
				} else {
					text = m[0]
				}
			}
		}

		log.Info(text)

		return nil
	}
}
