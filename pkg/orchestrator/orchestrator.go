// Package orchestrator owns every configured project, wires the trigger
// rules between them and runs the global startup and shutdown sequences.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ethpandaops/xrun/pkg/config"
	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/ethpandaops/xrun/pkg/event"
	"github.com/ethpandaops/xrun/pkg/logging"
	"github.com/ethpandaops/xrun/pkg/portutil"
	"github.com/ethpandaops/xrun/pkg/process"
	"github.com/ethpandaops/xrun/pkg/project"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownProject is returned for operations on a name that is not
	// registered.
	ErrUnknownProject = errors.New("unknown project")
	// ErrShuttingDown is returned once the global shutdown began.
	ErrShuttingDown = errors.New("shutting down")
)

// Options configure an Orchestrator.
type Options struct {
	// Logger is the base logger. Per-project tool loggers are derived from
	// it, restricted to warnings when show_tool_logs is off.
	Logger *logrus.Logger
	// Formatter, when set, learns every project name and format.
	Formatter *logging.LineFormatter
	// Launcher defaults to an ExecLauncher.
	Launcher process.Launcher
	// PIDStore records live children so a crashed run can be cleaned up.
	PIDStore *process.PIDStore
	// SkipPortCheck disables the proxy port conflict check in Up.
	SkipPortCheck bool
}

// ProjectStatus is a snapshot of one project.
type ProjectStatus struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	PID        int    `json:"pid,omitempty"`
	Launchable bool   `json:"launchable"`
	Proxied    bool   `json:"proxied"`
	ProxyPort  int    `json:"proxy_port,omitempty"`
	HTTPPort   int    `json:"http_port,omitempty"`
	LaunchOn   string `json:"launch_on"`
}

// Event is a lifecycle notification about one project.
type Event struct {
	Project string    `json:"project"`
	Type    string    `json:"type"`
	State   string    `json:"state"`
	PID     int       `json:"pid,omitempty"`
	Time    time.Time `json:"time"`
}

// Event types.
const (
	EventProcessCreated  = "process_created"
	EventLaunchCompleted = "launch_completed"
	EventStopped         = "stopped"
	EventRestarted       = "restarted"
)

type entry struct {
	def     *config.Project
	project *project.Project
	env     []string
	log     logrus.FieldLogger
}

// Orchestrator manages the complete set of projects.
type Orchestrator struct {
	log  logrus.FieldLogger
	cfg  *config.Config
	opts Options

	entries []*entry
	byName  map[string]*entry

	// OnRestart and OnLaunchCompleted carry the project name whenever one of
	// its restart or launch-completed conditions is met.
	OnRestart         *event.Bus[string]
	OnLaunchCompleted *event.Bus[string]
	// OnEvent reports lifecycle changes of every project.
	OnEvent *event.Bus[Event]

	watchers []*pathWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	shuttingDown bool
	shutdownDone chan struct{}
	probes       map[string]portWatch
}

// New creates the projects described by cfg and wires their trigger rules.
// Ports coming from shell commands or JSON files are resolved here.
// Configuration problems are returned before anything is started.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	if opts.Launcher == nil {
		opts.Launcher = process.NewExecLauncher(opts.Logger, cfg.SharedProcessGroup)
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		log:               opts.Logger.WithField("component", "orchestrator"),
		cfg:               cfg,
		opts:              opts,
		byName:            make(map[string]*entry, len(cfg.Projects)),
		OnRestart:         event.NewBus[string](),
		OnLaunchCompleted: event.NewBus[string](),
		OnEvent:           event.NewBus[Event](),
		ctx:               baseCtx,
		cancel:            cancel,
		shutdownDone:      make(chan struct{}),
		probes:            make(map[string]portWatch),
	}

	if err := o.register(ctx); err != nil {
		cancel()

		return nil, err
	}

	return o, nil
}

func (o *Orchestrator) register(ctx context.Context) error {
	for i := range o.cfg.Projects {
		def := &o.cfg.Projects[i]

		if _, ok := o.byName[def.Name]; ok {
			return fmt.Errorf("duplicate project name: %q", def.Name)
		}

		env, err := def.Environ()
		if err != nil {
			return fmt.Errorf("project %q: %w", def.Name, err)
		}

		e := &entry{def: def, env: env}
		o.entries = append(o.entries, e)
		o.byName[def.Name] = e

		if o.opts.Formatter != nil {
			o.opts.Formatter.Register(def.Name, def.Logging.LogFormat())
		}
	}

	proxyPorts, err := o.resolveProxyPorts(ctx)
	if err != nil {
		return err
	}

	for _, e := range o.entries {
		opts, err := o.projectOptions(e)
		if err != nil {
			return fmt.Errorf("project %q: %w", e.def.Name, err)
		}

		if port, ok := proxyPorts[e.def.Name]; ok {
			opts.Proxy = &project.ProxyOptions{
				Port:    port,
				Timeout: e.def.ProxyTimeoutDuration(),
			}
		}

		e.project = project.New(opts)
		e.log = e.project.Log()

		o.observe(e)
	}

	// Rule order matters: ports are acquired before a launch may complete.
	for _, e := range o.entries {
		if err := o.wireRestartConditions(e); err != nil {
			return fmt.Errorf("project %q: %w", e.def.Name, err)
		}

		if err := o.wireHTTPPorts(ctx, e); err != nil {
			return fmt.Errorf("project %q: %w", e.def.Name, err)
		}

		if err := o.wireLaunchCompletedConditions(e); err != nil {
			return fmt.Errorf("project %q: %w", e.def.Name, err)
		}
	}

	return nil
}

// resolveProxyPorts resolves every proxy port concurrently.
func (o *Orchestrator) resolveProxyPorts(ctx context.Context) (map[string]int, error) {
	var mu sync.Mutex

	ports := make(map[string]int)

	g, gctx := errgroup.WithContext(ctx)

	for _, e := range o.entries {
		if e.def.ProxyHTTPPort == nil {
			continue
		}

		g.Go(func() error {
			port, err := resolveStaticPort(gctx, e.def.WorkingDirectory, e.env, *e.def.ProxyHTTPPort)
			if err != nil {
				return fmt.Errorf("project %q: failed to resolve proxy_http_port: %w", e.def.Name, err)
			}

			mu.Lock()
			ports[e.def.Name] = port
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return ports, nil
}

func (o *Orchestrator) projectOptions(e *entry) (project.Options, error) {
	def := e.def

	toolLog := logrus.FieldLogger(o.opts.Logger)
	if !def.Logging.ToolLogsShown() {
		toolLog = logging.Restrict(o.opts.Logger, logrus.WarnLevel)
	}

	opts := project.Options{
		Name:                    def.Name,
		Dir:                     def.WorkingDirectory,
		Env:                     e.env,
		RestartOnUnexpectedExit: def.RestartOnUnexpectedExit(),
		Launcher:                o.opts.Launcher,
		PIDStore:                o.opts.PIDStore,
		Log:                     toolLog,
		Output:                  o.opts.Logger,
		Stdio: project.OutputOptions{
			ShowStdout: def.Logging.StdoutShown(),
			ShowStderr: def.Logging.StderrShown(),
		},
	}

	if def.IsLaunchable() {
		opts.LaunchCommand = config.ExpandCommand(def.LaunchCommand, e.env)
	}

	steps, err := def.Shutdown()
	if err != nil {
		return opts, fmt.Errorf("shutdown_sequence: %w", err)
	}

	opts.ShutdownSequence = steps

	if def.BeforeStart != nil {
		opts.BeforeStart = def.BeforeStart.Shell
	}

	if expr := def.Logging.OutputExtractionRegexp; expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return opts, fmt.Errorf("logging.output_extraction_regexp: %w", err)
		}

		opts.Stdio.Extraction = re
	}

	return opts, nil
}

// observe republishes the project lifecycle on OnEvent.
func (o *Orchestrator) observe(e *entry) {
	sup := e.project.Supervisor()
	if sup == nil {
		return
	}

	name := e.def.Name

	sup.OnProcessCreated.Subscribe(func(ctx context.Context, pid int) error {
		return o.emit(ctx, e, EventProcessCreated, pid)
	})

	sup.OnLaunchCompleted.Subscribe(func(ctx context.Context, _ struct{}) error {
		if err := o.OnLaunchCompleted.Fire(ctx, name); err != nil {
			e.log.WithError(err).Warn("launch completed listeners failed")
		}

		return o.emit(ctx, e, EventLaunchCompleted, e.project.PID())
	})

	// The supervisor may already be starting again when this fires, so the
	// event carries the state the exit left behind.
	sup.OnStop.Subscribe(func(ctx context.Context, status process.ExitStatus) error {
		o.stopProbe(name, status.PID)

		return o.emitState(ctx, e, EventStopped, process.StateStopped, status.PID)
	})
}

func (o *Orchestrator) emit(ctx context.Context, e *entry, typ string, pid int) error {
	return o.emitState(ctx, e, typ, e.project.State(), pid)
}

func (o *Orchestrator) emitState(ctx context.Context, e *entry, typ string, state process.State, pid int) error {
	return o.OnEvent.Fire(ctx, Event{
		Project: e.def.Name,
		Type:    typ,
		State:   string(state),
		PID:     pid,
		Time:    time.Now(),
	})
}

// Project returns the project with the given name.
func (o *Orchestrator) Project(name string) (*project.Project, error) {
	e, ok := o.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProject, name)
	}

	return e.project, nil
}

// Projects returns every project in configuration order.
func (o *Orchestrator) Projects() []*project.Project {
	out := make([]*project.Project, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e.project)
	}

	return out
}

// Up performs the initial launch: proxies are bound, projects launched at
// tool start are started one after another in configuration order, each
// awaited, and file watchers begin.
func (o *Orchestrator) Up(ctx context.Context) error {
	if o.opts.PIDStore != nil {
		reaped, err := o.opts.PIDStore.ReapOrphans()
		if err != nil {
			o.log.WithError(err).Warn("failed to clean up processes of a previous run")
		} else if reaped > 0 {
			o.log.WithField("count", reaped).Info("cleaned up orphaned processes")
		}
	}

	if !o.opts.SkipPortCheck {
		if conflicts := o.checkPortConflicts(ctx); len(conflicts) > 0 {
			return fmt.Errorf("proxy ports are already in use\n%s", portutil.FormatConflicts(conflicts))
		}
	}

	for _, w := range o.watchers {
		if err := w.Start(o.ctx); err != nil {
			return err
		}
	}

	var failed []string

	for _, e := range o.entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if e.project.IsProxied() {
			if err := e.project.StartProxy(ctx); err != nil {
				return fmt.Errorf("project %q: %w", e.def.Name, err)
			}
		}

		if !e.project.IsLaunchable() || e.def.LaunchOn() != constants.LaunchOnToolStart {
			continue
		}

		out, err := e.project.Start(ctx)
		if err != nil {
			return fmt.Errorf("project %q: %w", e.def.Name, err)
		}

		if out.Result == process.StartResultInvalidState || !out.Running {
			e.log.WithError(out.Err).Warn("initial launch did not complete")

			failed = append(failed, e.def.Name)
		}
	}

	fields := logrus.Fields{"projects": len(o.entries)}
	if len(failed) > 0 {
		fields["not_running"] = failed
	}

	o.log.WithFields(fields).Info("initialized")

	return nil
}

func (o *Orchestrator) checkPortConflicts(ctx context.Context) []portutil.PortConflict {
	var ports []portutil.Port

	for _, e := range o.entries {
		if port, err := e.project.ProxyPort(); err == nil {
			ports = append(ports, portutil.Port{
				Project: e.def.Name,
				Host:    constants.DefaultProxyHost,
				Port:    port,
			})
		}
	}

	return portutil.CheckPorts(ctx, ports)
}

// Start launches a project, or joins its start in flight.
func (o *Orchestrator) Start(ctx context.Context, name string) (*process.StartOutcome, error) {
	p, err := o.liveProject(name)
	if err != nil {
		return nil, err
	}

	return p.Start(ctx)
}

// Stop runs the shutdown sequence of a project.
func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	p, err := o.liveProject(name)
	if err != nil {
		return err
	}

	return p.Stop(ctx, process.StopOptions{Force: true})
}

// Restart restarts a project and fires its restart event.
func (o *Orchestrator) Restart(ctx context.Context, name string) (*process.StartOutcome, error) {
	e, ok := o.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProject, name)
	}

	if o.isShuttingDown() {
		return nil, ErrShuttingDown
	}

	return o.restart(ctx, e, reasonManual)
}

func (o *Orchestrator) liveProject(name string) (*project.Project, error) {
	p, err := o.Project(name)
	if err != nil {
		return nil, err
	}

	if o.isShuttingDown() {
		return nil, ErrShuttingDown
	}

	return p, nil
}

// Status returns a snapshot of every project in configuration order.
func (o *Orchestrator) Status() []ProjectStatus {
	out := make([]ProjectStatus, 0, len(o.entries))

	for _, e := range o.entries {
		st := ProjectStatus{
			Name:       e.def.Name,
			State:      string(e.project.State()),
			PID:        e.project.PID(),
			Launchable: e.project.IsLaunchable(),
			Proxied:    e.project.IsProxied(),
			LaunchOn:   e.def.LaunchOn(),
		}

		if port, err := e.project.ProxyPort(); err == nil {
			st.ProxyPort = port
		}

		if port, err := e.project.ProjectHTTPPort(); err == nil {
			st.HTTPPort = port
		}

		out = append(out, st)
	}

	return out
}

// AnyProjectStillRunning reports whether some project has a live process.
// Callers check it before terminating; Shutdown is the only sanctioned way
// to get every child stopped.
func (o *Orchestrator) AnyProjectStillRunning() bool {
	for _, e := range o.entries {
		if e.project.State() != process.StateStopped {
			return true
		}
	}

	return false
}

func (o *Orchestrator) isShuttingDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.shuttingDown
}

// beginShutdown flips the shutting-down flag once. It returns false when a
// shutdown already began.
func (o *Orchestrator) beginShutdown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shuttingDown {
		return false
	}

	o.shuttingDown = true

	return true
}

func (o *Orchestrator) releaseTriggers() {
	o.cancel()

	for _, w := range o.watchers {
		w.Stop()
	}

	o.mu.Lock()
	for name, w := range o.probes {
		w.cancel()
		delete(o.probes, name)
	}
	o.mu.Unlock()
}

// Shutdown stops every project concurrently. A failing project is logged
// and does not hold back the others. skipSignal names a signal the children
// already received from the terminal.
func (o *Orchestrator) Shutdown(ctx context.Context, skipSignal string) error {
	if !o.beginShutdown() {
		select {
		case <-o.shutdownDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	defer close(o.shutdownDone)

	o.log.WithField("signal", skipSignal).Debug("shutting down")
	o.releaseTriggers()
	o.wg.Wait()

	return o.forEachProject(ctx, func(ctx context.Context, p *project.Project) error {
		return p.Shutdown(ctx, skipSignal)
	})
}

// ShutdownRough kills every process right away, then releases the rest of
// the resources. It is bounded so a stuck child never blocks it.
func (o *Orchestrator) ShutdownRough(ctx context.Context) error {
	o.beginShutdown()
	o.log.Debug("rough shutdown requested")
	o.releaseTriggers()

	ctx, cancel := context.WithTimeout(ctx, constants.DefaultRoughShutdownTimeout)
	defer cancel()

	return o.forEachProject(ctx, func(ctx context.Context, p *project.Project) error {
		return p.ShutdownRough(ctx)
	})
}

func (o *Orchestrator) forEachProject(ctx context.Context, action func(context.Context, *project.Project) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for _, e := range o.entries {
		g.Go(func() error {
			if err := action(ctx, e.project); err != nil {
				e.log.WithError(err).Warn("failed to shut down gracefully")

				mu.Lock()
				errs = append(errs, fmt.Errorf("project %q: %w", e.def.Name, err))
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}
