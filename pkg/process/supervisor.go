package process

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethpandaops/xrun/pkg/event"
	"github.com/ethpandaops/xrun/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// State is a lifecycle state of a supervised process.
type State string

// Supervisor states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var allStates = []string{
	string(StateStopped),
	string(StateStarting),
	string(StateRunning),
	string(StateStopping),
}

// StartResult classifies the outcome of a start request.
type StartResult string

// Start results.
const (
	StartResultStarted        StartResult = "started"
	StartResultAlreadyRunning StartResult = "already_running"
	StartResultInvalidState   StartResult = "invalid_state"
)

var (
	// ErrExitedBeforeLaunch is reported to start callers whose process exited
	// before launch completion was signalled.
	ErrExitedBeforeLaunch = errors.New("process exited before launch completed")
	// ErrSupervisorClosed is reported by Start after Close or Kill.
	ErrSupervisorClosed = errors.New("supervisor is closed")
	// ErrStartAborted is reported when a forced stop interrupted a start.
	ErrStartAborted = errors.New("start aborted by stop request")
)

// StartOutcome is the result of a start. Callers that joined the same
// start attempt receive the same pointer.
type StartOutcome struct {
	Result  StartResult
	Running bool
	Err     error
}

// StopOptions tune a stop request.
type StopOptions struct {
	// Force stops a starting process right away instead of letting the
	// start reach its outcome first.
	Force bool
	// SkipFirstSignal names a signal already delivered by someone else,
	// typically the terminal to the whole process group. When the shutdown
	// sequence starts with that signal, the step is skipped.
	SkipFirstSignal string
}

// SupervisorOptions configure a Supervisor.
type SupervisorOptions struct {
	Name     string
	Dir      string
	Env      []string
	Launcher Launcher
	// LaunchCommand resolves the argv after before-start listeners succeeded.
	LaunchCommand    func(ctx context.Context) ([]string, error)
	ShutdownSequence []ShutdownStep
	CaptureStdout    bool
	CaptureStderr    bool
	// RestartOnUnexpectedExit starts the process again after it exited from
	// running while no stop was in progress.
	RestartOnUnexpectedExit bool
	// SlowOperationInterval is how often a stuck start or stop is reported.
	SlowOperationInterval time.Duration
	PIDStore              *PIDStore
}

type startOp struct {
	done    chan struct{}
	once    sync.Once
	outcome *StartOutcome
}

func newStartOp() *startOp {
	return &startOp{done: make(chan struct{})}
}

func (o *startOp) finish(out *StartOutcome) {
	o.once.Do(func() {
		o.outcome = out
		close(o.done)
	})
}

type stopOp struct {
	done chan struct{}
	once sync.Once
}

func newStopOp() *stopOp {
	return &stopOp{done: make(chan struct{})}
}

func (o *stopOp) finish() {
	o.once.Do(func() { close(o.done) })
}

// run is one spawned process.
type run struct {
	handle     Handle
	pid        int
	ready      chan struct{} // closed once handle is assigned
	launched   chan struct{}
	launchOnce sync.Once
	exited     chan struct{}
}

// Supervisor owns the lifecycle of one child process.
type Supervisor struct {
	log  logrus.FieldLogger
	opts SupervisorOptions

	OnBeforeStart     *event.Bus[struct{}]
	OnProcessCreated  *event.Bus[int]
	OnLaunchCompleted *event.Bus[struct{}]
	OnStop            *event.Bus[ExitStatus]
	OnStdout          *event.Bus[string]
	OnStderr          *event.Bus[string]

	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	state      State
	run        *run
	stopping   bool
	closed     bool
	killed     bool
	abortStart bool
	startOp    *startOp
	stopOp     *stopOp
	// stop requested while starting, resolved when that start settles
	stopAfterStart *stopOp
	pendingStop    StopOptions
	restartOp      *startOp
	// launch completed while the process was being spawned
	launching   bool
	launchEarly bool
}

// NewSupervisor creates a supervisor in the stopped state.
func NewSupervisor(log logrus.FieldLogger, opts SupervisorOptions) *Supervisor {
	if len(opts.ShutdownSequence) == 0 {
		opts.ShutdownSequence = DefaultShutdownSequence()
	}

	if opts.SlowOperationInterval == 0 {
		opts.SlowOperationInterval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		log: log.WithFields(logrus.Fields{
			"component": "supervisor",
			"project":   opts.Name,
		}),
		opts:              opts,
		OnBeforeStart:     event.NewBus[struct{}](),
		OnProcessCreated:  event.NewBus[int](),
		OnLaunchCompleted: event.NewBus[struct{}](),
		OnStop:            event.NewBus[ExitStatus](),
		OnStdout:          event.NewBus[string](),
		OnStderr:          event.NewBus[string](),
		baseCtx:           ctx,
		cancel:            cancel,
	}

	s.setStateLocked(StateStopped)

	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// PID returns the PID of the live process, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		return 0
	}

	return s.run.pid
}

// Start launches the process, or joins the start already in flight.
// If ctx ends first the caller gets invalid_state while the start itself
// carries on.
func (s *Supervisor) Start(ctx context.Context) *StartOutcome {
	for {
		s.mu.Lock()

		if s.closed {
			s.mu.Unlock()

			return &StartOutcome{Result: StartResultInvalidState, Err: ErrSupervisorClosed}
		}

		switch s.state {
		case StateRunning:
			s.mu.Unlock()

			return &StartOutcome{Result: StartResultAlreadyRunning, Running: true}
		case StateStarting:
			op := s.startOp
			s.mu.Unlock()

			return awaitStart(ctx, op)
		case StateStopping:
			if s.restartOp != nil {
				op := s.restartOp
				s.mu.Unlock()

				return awaitStart(ctx, op)
			}

			stop := s.stopOp
			s.mu.Unlock()

			select {
			case <-stop.done:
				continue
			case <-ctx.Done():
				return &StartOutcome{Result: StartResultInvalidState, Err: ctx.Err()}
			}
		default:
			op := s.beginStartLocked(nil)
			s.mu.Unlock()

			return awaitStart(ctx, op)
		}
	}
}

// Stop walks the shutdown sequence and returns once the process exited.
// Concurrent callers share a single walk.
func (s *Supervisor) Stop(ctx context.Context, opts StopOptions) error {
	s.mu.Lock()

	var op *stopOp

	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		s.log.Debug("stop requested but process is not running")

		return nil
	case StateStopping:
		op = s.stopOp
	case StateStarting:
		if s.stopAfterStart == nil {
			s.stopAfterStart = newStopOp()
			s.pendingStop = opts
		}

		op = s.stopAfterStart

		if opts.Force {
			if s.run != nil {
				s.stopAfterStart = nil
				s.beginStopLocked(s.run, opts, op)
			} else {
				s.abortStart = true
			}
		}
	case StateRunning:
		op = s.beginStopLocked(s.run, opts, nil)
	}

	s.mu.Unlock()

	select {
	case <-op.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops the process and starts it again as one operation: the start
// is queued before the stop begins, so concurrent callers observing the
// stopping state join the start that follows.
func (s *Supervisor) Restart(ctx context.Context) *StartOutcome {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return &StartOutcome{Result: StartResultInvalidState, Err: ErrSupervisorClosed}
	}

	var op *startOp

	switch s.state {
	case StateStopped:
		s.mu.Unlock()

		return s.Start(ctx)
	case StateStarting:
		op = s.queueRestartLocked()

		if s.run == nil {
			// Not spawned yet. The restart stops the process as soon as
			// the spawn returns.
			s.mu.Unlock()
			s.log.Info("restart queued until the process is spawned")

			return awaitStart(ctx, op)
		}

		pending := s.stopAfterStart
		s.stopAfterStart = nil
		s.beginStopLocked(s.run, StopOptions{Force: true}, pending)
	case StateRunning:
		op = s.queueRestartLocked()
		s.beginStopLocked(s.run, StopOptions{Force: true}, nil)
	case StateStopping:
		op = s.queueRestartLocked()
	}

	s.mu.Unlock()

	s.log.Info("restarting")

	return awaitStart(ctx, op)
}

// NotifyLaunchCompleted moves a starting process to running. Outside the
// starting state it is ignored.
func (s *Supervisor) NotifyLaunchCompleted() {
	s.mu.Lock()

	if s.state == StateStarting && s.run == nil && s.launching {
		s.launchEarly = true
		s.mu.Unlock()

		return
	}

	if s.state != StateStarting || s.run == nil {
		state := s.state
		s.mu.Unlock()

		s.log.WithField("state", state).Debug("ignoring launch completed notification")

		return
	}

	r := s.run
	s.mu.Unlock()

	r.launchOnce.Do(func() { close(r.launched) })
}

// Kill sends SIGKILL to the live process and closes the supervisor. The
// resulting exit counts as expected.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	s.closed = true
	s.killed = true
	s.stopping = true
	s.abortStart = true
	r := s.run
	s.mu.Unlock()

	s.cancel()

	if r == nil {
		return
	}

	<-r.ready

	if r.handle == nil {
		return
	}

	if err := r.handle.Kill(); err != nil {
		s.log.WithError(err).Debug("kill failed")
	}
}

// Close prevents further starts, including automatic restarts. A live
// process is left alone.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}

func awaitStart(ctx context.Context, op *startOp) *StartOutcome {
	select {
	case <-op.done:
		return op.outcome
	case <-ctx.Done():
		return &StartOutcome{Result: StartResultInvalidState, Err: ctx.Err()}
	}
}

func (s *Supervisor) queueRestartLocked() *startOp {
	if s.restartOp == nil {
		s.restartOp = newStartOp()
	}

	return s.restartOp
}

func (s *Supervisor) setStateLocked(state State) {
	s.state = state
	metrics.SetProcessState(s.opts.Name, string(state), allStates)
}

func (s *Supervisor) beginStartLocked(op *startOp) *startOp {
	if op == nil {
		op = newStartOp()
	}

	s.setStateLocked(StateStarting)
	s.startOp = op
	s.stopping = false
	s.abortStart = false

	go s.runStart(op)

	return op
}

func (s *Supervisor) runStart(op *startOp) {
	ctx := s.baseCtx

	s.reportSlow("start", op.done)

	if err := s.OnBeforeStart.Fire(ctx, struct{}{}); err != nil {
		s.log.WithError(err).Error("before start failed")
		s.failStart(op, err)

		return
	}

	if s.aborted() {
		s.failStart(op, ErrStartAborted)

		return
	}

	command, err := s.opts.LaunchCommand(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to resolve launch command")
		s.failStart(op, err)

		return
	}

	if s.aborted() {
		s.failStart(op, ErrStartAborted)

		return
	}

	r := &run{
		ready:    make(chan struct{}),
		launched: make(chan struct{}),
		exited:   make(chan struct{}),
	}

	lo := LaunchOptions{
		Command: command,
		Dir:     s.opts.Dir,
		Env:     s.opts.Env,
		OnExit: func(status ExitStatus) {
			<-r.ready
			s.handleExit(r, status)
		},
	}

	if s.opts.CaptureStdout {
		lo.OnStdout = s.lineForwarder(s.OnStdout)
	}

	if s.opts.CaptureStderr {
		lo.OnStderr = s.lineForwarder(s.OnStderr)
	}

	s.mu.Lock()
	s.launching = true
	s.launchEarly = false
	s.mu.Unlock()

	handle, err := s.opts.Launcher.Launch(ctx, lo)
	if err != nil {
		s.mu.Lock()
		s.launching = false
		s.mu.Unlock()

		close(r.ready)
		s.log.WithError(err).Error("failed to launch process")
		s.failStart(op, err)

		return
	}

	r.handle = handle
	r.pid = handle.PID()

	s.mu.Lock()
	s.run = r
	s.launching = false

	if s.launchEarly {
		s.launchEarly = false
		r.launchOnce.Do(func() { close(r.launched) })
	}

	kill := s.closed

	switch {
	case kill:
		s.stopping = true
	case s.abortStart:
		pending := s.stopAfterStart
		s.stopAfterStart = nil
		s.beginStopLocked(r, s.pendingStop, pending)
	case s.restartOp != nil:
		pending := s.stopAfterStart
		s.stopAfterStart = nil
		s.beginStopLocked(r, StopOptions{Force: true}, pending)
	}
	s.mu.Unlock()

	close(r.ready)

	if kill {
		if err := handle.Kill(); err != nil {
			s.log.WithError(err).Debug("kill failed")
		}
	}

	s.log.WithFields(logrus.Fields{
		"pid":     r.pid,
		"command": command,
	}).Info("process started")

	metrics.ProcessStarted(s.opts.Name)

	if s.opts.PIDStore != nil {
		s.opts.PIDStore.Save(s.opts.Name, r.pid, !s.sharedGroup(), command)
	}

	// Listeners may stop or restart this supervisor, which waits for the
	// launch outcome, so the outcome is not gated on them.
	created := make(chan struct{})

	go func() {
		defer close(created)

		if err := s.OnProcessCreated.Fire(ctx, r.pid); err != nil {
			s.log.WithError(err).Warn("process created listener failed")
		}
	}()

	select {
	case <-r.launched:
	case <-r.exited:
	}

	s.mu.Lock()

	if s.run != r || s.state != StateStarting || isClosed(r.exited) {
		// Exit path, settle resolves op.
		s.mu.Unlock()

		return
	}

	s.setStateLocked(StateRunning)
	s.startOp = nil

	if pending := s.stopAfterStart; pending != nil {
		s.stopAfterStart = nil
		s.beginStopLocked(r, s.pendingStop, pending)
	}
	s.mu.Unlock()

	<-created

	s.log.Info("launch completed")

	if err := s.OnLaunchCompleted.Fire(ctx, struct{}{}); err != nil {
		s.log.WithError(err).Warn("launch completed listener failed")
	}

	op.finish(&StartOutcome{Result: StartResultStarted, Running: true})
}

func (s *Supervisor) failStart(op *startOp, err error) {
	s.mu.Lock()
	s.setStateLocked(StateStopped)
	s.startOp = nil
	s.abortStart = false
	pending := s.stopAfterStart
	s.stopAfterStart = nil
	restart := s.restartOp
	s.restartOp = nil

	switch {
	case restart == nil:
	case s.closed:
		restart.finish(&StartOutcome{Result: StartResultInvalidState, Err: ErrSupervisorClosed})
	default:
		s.beginStartLocked(restart)
	}
	s.mu.Unlock()

	op.finish(&StartOutcome{Result: StartResultInvalidState, Err: err})

	if pending != nil {
		pending.finish()
	}
}

func (s *Supervisor) aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.abortStart || s.closed
}

func (s *Supervisor) beginStopLocked(r *run, opts StopOptions, op *stopOp) *stopOp {
	if op == nil {
		op = newStopOp()
	}

	s.setStateLocked(StateStopping)
	s.stopping = true
	s.stopOp = op

	go s.runStop(r, opts, op)

	return op
}

func (s *Supervisor) runStop(r *run, opts StopOptions, op *stopOp) {
	s.reportSlow("stop", op.done)

	s.mu.Lock()
	killed := s.killed
	s.mu.Unlock()

	if killed {
		// SIGKILL is already on its way, settle resolves op on exit.
		s.log.Debug("process was killed, skipping shutdown sequence")

		return
	}

	steps := s.opts.ShutdownSequence
	skipFirst := shouldSkipFirst(steps, opts.SkipFirstSignal)

	for i, step := range steps {
		if i == 0 && skipFirst {
			s.log.WithField("signal", step.Signal).Debug("signal already delivered, skipping")

			continue
		}

		if isClosed(r.exited) {
			return
		}

		if step.Signal != "" {
			s.log.WithField("signal", step.Signal).Debug("sending signal")

			if err := r.handle.Signal(step.Signal); err != nil {
				s.log.WithError(err).WithField("signal", step.Signal).Warn("failed to send signal")
			}

			continue
		}

		timer := time.NewTimer(step.Wait)

		select {
		case <-r.exited:
			timer.Stop()

			return
		case <-timer.C:
		}
	}

	if !isClosed(r.exited) {
		s.log.Warn("shutdown sequence finished but the process is still alive")
	}
}

func (s *Supervisor) handleExit(r *run, status ExitStatus) {
	s.mu.Lock()

	if s.run != r {
		s.mu.Unlock()

		return
	}

	status.PID = r.pid
	status.Expected = s.stopping
	close(r.exited)

	wasRunning := s.state == StateRunning
	s.mu.Unlock()

	fields := logrus.Fields{"pid": r.pid, "exit_code": status.ExitCode}
	if status.Signal != "" {
		fields["signal"] = status.Signal
	}

	if status.Expected {
		s.log.WithFields(fields).Info("process exited")
	} else {
		s.log.WithFields(fields).Warn("process exited unexpectedly")
	}

	metrics.ProcessExited(s.opts.Name, status.Expected)

	if s.opts.PIDStore != nil {
		s.opts.PIDStore.Remove(s.opts.Name)
	}

	// The state settles before listeners run so they can start or restart
	// this supervisor. Waiting callers are released after them.
	release := s.settle(status, wasRunning)

	if err := s.OnStop.Fire(context.WithoutCancel(s.baseCtx), status); err != nil {
		s.log.WithError(err).Warn("stop listener failed")
	}

	release()
}

// settle moves to stopped, or straight to starting when a restart is due,
// and returns the function that resolves the operations waiting on the exit.
func (s *Supervisor) settle(status ExitStatus, wasRunning bool) func() {
	s.mu.Lock()
	s.run = nil
	s.stopping = false
	s.abortStart = false
	start := s.startOp
	stop := s.stopOp
	pending := s.stopAfterStart
	restart := s.restartOp
	s.startOp, s.stopOp, s.stopAfterStart, s.restartOp = nil, nil, nil, nil
	s.setStateLocked(StateStopped)

	switch {
	case s.closed:
		if restart != nil {
			restart.finish(&StartOutcome{Result: StartResultInvalidState, Err: ErrSupervisorClosed})
		}
	case restart != nil:
		s.beginStartLocked(restart)
	case wasRunning && !status.Expected && s.opts.RestartOnUnexpectedExit:
		s.log.Info("restarting after unexpected exit")
		metrics.ProcessRestarted(s.opts.Name, "crash")
		s.beginStartLocked(nil)
	}
	s.mu.Unlock()

	return func() {
		if start != nil {
			if restart != nil && start != restart {
				// The interrupted start is answered by the restart that replaced it.
				go func() {
					<-restart.done
					start.finish(restart.outcome)
				}()
			} else {
				start.finish(&StartOutcome{
					Result:  StartResultStarted,
					Running: false,
					Err:     ErrExitedBeforeLaunch,
				})
			}
		}

		if stop != nil {
			stop.finish()
		}

		if pending != nil {
			pending.finish()
		}
	}
}

func (s *Supervisor) lineForwarder(bus *event.Bus[string]) func(string) {
	return func(line string) {
		if err := bus.Fire(s.baseCtx, line); err != nil {
			s.log.WithError(err).Debug("output listener failed")
		}
	}
}

func (s *Supervisor) sharedGroup() bool {
	if l, ok := s.opts.Launcher.(interface{ SharedProcessGroup() bool }); ok {
		return l.SharedProcessGroup()
	}

	return false
}

// reportSlow logs periodically until done is closed.
func (s *Supervisor) reportSlow(op string, done <-chan struct{}) {
	interval := s.opts.SlowOperationInterval
	if interval < 0 {
		return
	}

	go func() {
		started := time.Now()
		ticker := time.NewTicker(interval)

		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.log.Warnf("taking too long to %s (%ds passed)", op, int(time.Since(started).Seconds()))
			}
		}
	}()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
