package process

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)

	return l
}

type fakeHandle struct {
	pid    int
	exitOn map[string]bool
	onExit func(ExitStatus)

	mu      sync.Mutex
	signals []string
	once    sync.Once
}

func (h *fakeHandle) PID() int {
	return h.pid
}

func (h *fakeHandle) Signal(name string) error {
	sig := NormalizeSignalName(name)

	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()

	if h.exitOn[sig] {
		go h.exit(ExitStatus{ExitCode: -1, Signal: sig})
	}

	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.signals = append(h.signals, "SIGKILL")
	h.mu.Unlock()

	go h.exit(ExitStatus{ExitCode: -1, Signal: "SIGKILL"})

	return nil
}

func (h *fakeHandle) exit(status ExitStatus) {
	h.once.Do(func() { h.onExit(status) })
}

func (h *fakeHandle) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.signals...)
}

// fakeLauncher hands out handles that exit when they receive one of exitOn.
type fakeLauncher struct {
	exitOn []string

	mu       sync.Mutex
	launches atomic.Int32
	handles  []*fakeHandle
}

func (l *fakeLauncher) Launch(_ context.Context, opts LaunchOptions) (Handle, error) {
	n := l.launches.Add(1)

	exitOn := make(map[string]bool, len(l.exitOn))
	for _, s := range l.exitOn {
		exitOn[NormalizeSignalName(s)] = true
	}

	exitOn["SIGKILL"] = true

	h := &fakeHandle{pid: 1000 + int(n), exitOn: exitOn, onExit: opts.OnExit}

	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()

	return h, nil
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.handles[i]
}

func newTestSupervisor(t *testing.T, l Launcher, mutate func(*SupervisorOptions)) *Supervisor {
	t.Helper()

	opts := SupervisorOptions{
		Name:     "app",
		Launcher: l,
		LaunchCommand: func(context.Context) ([]string, error) {
			return []string{"app"}, nil
		},
		ShutdownSequence: []ShutdownStep{
			SignalStep("SIGINT"),
			WaitStep(10 * time.Second),
			SignalStep("SIGKILL"),
		},
	}

	if mutate != nil {
		mutate(&opts)
	}

	return NewSupervisor(testLogger(), opts)
}

// completeOnCreate marks the launch completed as soon as the process exists.
func completeOnCreate(s *Supervisor) {
	s.OnProcessCreated.Subscribe(func(context.Context, int) error {
		s.NotifyLaunchCompleted()

		return nil
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestSupervisor_ConcurrentStartSpawnsOnce(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{exitOn: []string{"SIGINT"}}
	s := newTestSupervisor(t, l, nil)
	completeOnCreate(s)

	ctx := testContext(t)

	const callers = 10

	outcomes := make([]*StartOutcome, callers)

	var wg sync.WaitGroup

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcomes[i] = s.Start(ctx)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), l.launches.Load())
	assert.Equal(t, StateRunning, s.State())

	var started *StartOutcome

	for _, out := range outcomes {
		require.NotNil(t, out)
		assert.True(t, out.Running)

		switch out.Result {
		case StartResultStarted:
			if started == nil {
				started = out
			}

			assert.Same(t, started, out)
		case StartResultAlreadyRunning:
		default:
			t.Fatalf("unexpected result %s", out.Result)
		}
	}

	require.NotNil(t, started)
}

func TestSupervisor_ConcurrentStopWalksSequenceOnce(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{exitOn: []string{"SIGINT"}}
	s := newTestSupervisor(t, l, nil)
	completeOnCreate(s)

	ctx := testContext(t)

	require.Equal(t, StartResultStarted, s.Start(ctx).Result)

	var wg sync.WaitGroup

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, s.Stop(ctx, StopOptions{}))
		}()
	}

	wg.Wait()

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, []string{"SIGINT"}, l.handle(0).sent())
}

func TestSupervisor_StopWhenStoppedIsNoop(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t, &fakeLauncher{}, nil)

	require.NoError(t, s.Stop(testContext(t), StopOptions{}))
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisor_ShutdownSequence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		exitOn    []string
		sequence  []ShutdownStep
		skipFirst string
		want      []string
	}{
		{
			name:     "exit during wait abandons the rest",
			exitOn:   []string{"SIGINT"},
			sequence: []ShutdownStep{SignalStep("SIGINT"), WaitStep(10 * time.Second), SignalStep("SIGKILL")},
			want:     []string{"SIGINT"},
		},
		{
			name:     "escalates when the process ignores the first signal",
			sequence: []ShutdownStep{SignalStep("SIGINT"), WaitStep(10 * time.Millisecond), SignalStep("SIGKILL")},
			want:     []string{"SIGINT", "SIGKILL"},
		},
		{
			name:      "skips an already delivered first signal",
			exitOn:    []string{"SIGTERM"},
			sequence:  []ShutdownStep{SignalStep("SIGINT"), SignalStep("SIGTERM")},
			skipFirst: "int",
			want:      []string{"SIGTERM"},
		},
		{
			name:      "only the first step can be skipped",
			exitOn:    []string{"SIGINT"},
			sequence:  []ShutdownStep{SignalStep("SIGTERM"), SignalStep("SIGINT")},
			skipFirst: "SIGINT",
			want:      []string{"SIGTERM", "SIGINT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l := &fakeLauncher{exitOn: tt.exitOn}
			s := newTestSupervisor(t, l, func(o *SupervisorOptions) {
				o.ShutdownSequence = tt.sequence
			})
			completeOnCreate(s)

			ctx := testContext(t)

			require.True(t, s.Start(ctx).Running)
			require.NoError(t, s.Stop(ctx, StopOptions{SkipFirstSignal: tt.skipFirst}))

			assert.Equal(t, tt.want, l.handle(0).sent())
			assert.Equal(t, StateStopped, s.State())
		})
	}
}

func TestSupervisor_ExitExpectedFlag(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{exitOn: []string{"SIGINT"}}
	s := newTestSupervisor(t, l, nil)
	completeOnCreate(s)

	statuses := make(chan ExitStatus, 2)

	s.OnStop.Subscribe(func(_ context.Context, st ExitStatus) error {
		statuses <- st

		return nil
	})

	ctx := testContext(t)

	require.True(t, s.Start(ctx).Running)
	require.NoError(t, s.Stop(ctx, StopOptions{}))

	st := <-statuses
	assert.True(t, st.Expected)
	assert.Equal(t, "SIGINT", st.Signal)

	require.True(t, s.Start(ctx).Running)
	l.handle(1).exit(ExitStatus{ExitCode: 2})

	st = <-statuses
	assert.False(t, st.Expected)
	assert.Equal(t, 2, st.ExitCode)

	require.Eventually(t, func() bool { return s.State() == StateStopped }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), l.launches.Load())
}

func TestSupervisor_RestartOnUnexpectedExit(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{exitOn: []string{"SIGINT"}}
	s := newTestSupervisor(t, l, func(o *SupervisorOptions) {
		o.RestartOnUnexpectedExit = true
	})
	completeOnCreate(s)

	ctx := testContext(t)

	require.True(t, s.Start(ctx).Running)

	l.handle(0).exit(ExitStatus{ExitCode: 1})

	require.Eventually(t, func() bool {
		return l.launches.Load() == 2 && s.State() == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	// An expected exit does not trigger a restart.
	require.NoError(t, s.Stop(ctx, StopOptions{}))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, int32(2), l.launches.Load())
}

func TestSupervisor_ExitWhileStarting(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, nil)

	s.OnProcessCreated.Subscribe(func(context.Context, int) error {
		l.handle(0).exit(ExitStatus{ExitCode: 1})

		return nil
	})

	out := s.Start(testContext(t))

	assert.Equal(t, StartResultStarted, out.Result)
	assert.False(t, out.Running)
	require.ErrorIs(t, out.Err, ErrExitedBeforeLaunch)
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisor_BeforeStartFailure(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, nil)

	hookErr := errors.New("build failed")

	s.OnBeforeStart.Subscribe(func(context.Context, struct{}) error {
		return hookErr
	})

	out := s.Start(testContext(t))

	assert.Equal(t, StartResultInvalidState, out.Result)
	require.ErrorIs(t, out.Err, hookErr)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, int32(0), l.launches.Load())
}

func TestSupervisor_StopWhileStarting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		force        bool
		wantResult   StartResult
		wantLaunches int32
	}{
		{
			name:         "waits for the start then stops",
			wantResult:   StartResultStarted,
			wantLaunches: 1,
		},
		{
			name:         "forced stop aborts before spawning",
			force:        true,
			wantResult:   StartResultInvalidState,
			wantLaunches: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l := &fakeLauncher{exitOn: []string{"SIGINT"}}
			s := newTestSupervisor(t, l, nil)
			completeOnCreate(s)

			release := make(chan struct{})

			s.OnBeforeStart.Subscribe(func(context.Context, struct{}) error {
				<-release

				return nil
			})

			ctx := testContext(t)
			started := make(chan *StartOutcome, 1)

			go func() { started <- s.Start(ctx) }()

			require.Eventually(t, func() bool { return s.State() == StateStarting }, time.Second, time.Millisecond)

			stopped := make(chan error, 1)

			go func() { stopped <- s.Stop(ctx, StopOptions{Force: tt.force}) }()

			require.Eventually(t, func() bool {
				s.mu.Lock()
				defer s.mu.Unlock()

				return s.stopAfterStart != nil
			}, time.Second, time.Millisecond)

			close(release)

			out := <-started
			assert.Equal(t, tt.wantResult, out.Result)
			require.NoError(t, <-stopped)

			assert.Equal(t, StateStopped, s.State())
			assert.Equal(t, tt.wantLaunches, l.launches.Load())
		})
	}
}

func TestSupervisor_RestartWithConcurrentStop(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, func(o *SupervisorOptions) {
		o.ShutdownSequence = []ShutdownStep{WaitStep(200 * time.Millisecond), SignalStep("SIGKILL")}
	})
	completeOnCreate(s)

	ctx := testContext(t)

	require.True(t, s.Start(ctx).Running)

	restarted := make(chan *StartOutcome, 1)

	go func() { restarted <- s.Restart(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateStopping }, time.Second, time.Millisecond)

	// The stop joins the stop phase of the restart, the start still follows.
	require.NoError(t, s.Stop(ctx, StopOptions{}))
	assert.True(t, (<-restarted).Running)

	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), l.launches.Load())
}

func TestSupervisor_StartDuringRestartJoinsRestart(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, func(o *SupervisorOptions) {
		o.ShutdownSequence = []ShutdownStep{WaitStep(200 * time.Millisecond), SignalStep("SIGKILL")}
	})
	completeOnCreate(s)

	ctx := testContext(t)

	require.True(t, s.Start(ctx).Running)

	restarted := make(chan *StartOutcome, 1)

	go func() { restarted <- s.Restart(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateStopping }, time.Second, time.Millisecond)

	joined := s.Start(ctx)
	first := <-restarted

	assert.Same(t, first, joined)
	assert.True(t, joined.Running)
	assert.Equal(t, int32(2), l.launches.Load())
}

func TestSupervisor_CloseAndKill(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, func(o *SupervisorOptions) {
		o.RestartOnUnexpectedExit = true
	})
	completeOnCreate(s)

	ctx := testContext(t)

	require.True(t, s.Start(ctx).Running)

	statuses := make(chan ExitStatus, 1)

	s.OnStop.Subscribe(func(_ context.Context, st ExitStatus) error {
		statuses <- st

		return nil
	})

	s.Kill()

	st := <-statuses
	assert.True(t, st.Expected)
	assert.Equal(t, "SIGKILL", st.Signal)

	require.Eventually(t, func() bool { return s.State() == StateStopped }, time.Second, 5*time.Millisecond)

	out := s.Start(ctx)
	assert.Equal(t, StartResultInvalidState, out.Result)
	require.ErrorIs(t, out.Err, ErrSupervisorClosed)
	assert.Equal(t, int32(1), l.launches.Load())
}

func TestSupervisor_NotifyLaunchCompletedOutsideStarting(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t, &fakeLauncher{}, nil)

	s.NotifyLaunchCompleted()
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisor_StartFromStopListener(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		call func(*Supervisor, context.Context) *StartOutcome
	}{
		{
			name: "start",
			call: (*Supervisor).Start,
		},
		{
			name: "restart",
			call: (*Supervisor).Restart,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l := &fakeLauncher{exitOn: []string{"SIGINT"}}
			s := newTestSupervisor(t, l, nil)
			completeOnCreate(s)

			ctx := testContext(t)
			outcomes := make(chan *StartOutcome, 1)

			require.True(t, s.Start(ctx).Running)

			s.OnStop.Once(func(_ context.Context, st ExitStatus) error {
				assert.Equal(t, l.handle(0).pid, st.PID)
				outcomes <- tt.call(s, ctx)

				return nil
			})

			l.handle(0).exit(ExitStatus{ExitCode: 1})

			select {
			case out := <-outcomes:
				assert.Equal(t, StartResultStarted, out.Result)
				assert.True(t, out.Running)
			case <-ctx.Done():
				t.Fatal("start from stop listener did not complete")
			}

			assert.Equal(t, StateRunning, s.State())
			assert.Equal(t, int32(2), l.launches.Load())
		})
	}
}

func TestSupervisor_StopFromProcessCreatedListener(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{exitOn: []string{"SIGINT"}}
	s := newTestSupervisor(t, l, nil)

	ctx := testContext(t)
	stopped := make(chan error, 1)

	s.OnProcessCreated.Subscribe(func(context.Context, int) error {
		s.NotifyLaunchCompleted()
		stopped <- s.Stop(ctx, StopOptions{})

		return nil
	})

	out := s.Start(ctx)
	assert.Equal(t, StartResultStarted, out.Result)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("stop from process created listener did not complete")
	}

	require.Eventually(t, func() bool { return s.State() == StateStopped }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"SIGINT"}, l.handle(0).sent())
	assert.Equal(t, int32(1), l.launches.Load())
}

func TestSupervisor_RestartBeforeSpawn(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{exitOn: []string{"SIGINT"}}
	s := newTestSupervisor(t, l, nil)
	completeOnCreate(s)

	release := make(chan struct{})

	var blocked atomic.Bool

	s.OnBeforeStart.Subscribe(func(context.Context, struct{}) error {
		if blocked.CompareAndSwap(false, true) {
			<-release
		}

		return nil
	})

	ctx := testContext(t)
	started := make(chan *StartOutcome, 1)

	go func() { started <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateStarting }, time.Second, time.Millisecond)

	restarted := make(chan *StartOutcome, 1)

	go func() { restarted <- s.Restart(ctx) }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		return s.restartOp != nil
	}, time.Second, time.Millisecond)

	close(release)

	out := <-restarted
	assert.True(t, out.Running)
	assert.Same(t, out, <-started)

	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, int32(2), l.launches.Load())
	assert.Equal(t, []string{"SIGINT"}, l.handle(0).sent())
}

func TestSupervisor_StopAfterKill(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, nil)
	completeOnCreate(s)

	ctx := testContext(t)

	require.True(t, s.Start(ctx).Running)

	s.Kill()
	require.NoError(t, s.Stop(ctx, StopOptions{Force: true}))

	require.Eventually(t, func() bool { return s.State() == StateStopped }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"SIGKILL"}, l.handle(0).sent())
}
