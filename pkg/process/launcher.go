package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// stdioDrainTimeout bounds how long exit reporting waits for output readers
// after the process itself is gone. A grandchild that inherited the pipe can
// keep it open indefinitely.
const stdioDrainTimeout = 2 * time.Second

// ErrEmptyCommand is returned when asked to launch an empty argv.
var ErrEmptyCommand = errors.New("launch command is empty")

// Compile-time interface check.
var _ Launcher = (*ExecLauncher)(nil)

// ExecLauncher launches processes with os/exec.
type ExecLauncher struct {
	log logrus.FieldLogger
	// sharedGroup keeps children in our process group, so terminal signals
	// reach them directly. Otherwise every child leads its own group and
	// signals are delivered to that whole group.
	sharedGroup bool
}

// NewExecLauncher creates a launcher.
func NewExecLauncher(log logrus.FieldLogger, sharedProcessGroup bool) *ExecLauncher {
	return &ExecLauncher{
		log:         log.WithField("component", "launcher"),
		sharedGroup: sharedProcessGroup,
	}
}

// SharedProcessGroup reports whether children share the supervisor's process
// group and therefore receive terminal signals on their own.
func (l *ExecLauncher) SharedProcessGroup() bool {
	return l.sharedGroup
}

// Launch starts the process. The process lifetime is not bound to ctx.
func (l *ExecLauncher) Launch(_ context.Context, opts LaunchOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, ErrEmptyCommand
	}

	//nolint:gosec // Command comes from the project configuration
	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: !l.sharedGroup}

	var (
		readers []*os.File
		writers []*os.File
	)

	closeAll := func() {
		for _, f := range append(readers, writers...) {
			f.Close()
		}
	}

	attach := func(target *io.Writer, cb func(string)) error {
		if cb == nil {
			return nil
		}

		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("failed to create output pipe: %w", err)
		}

		readers = append(readers, r)
		writers = append(writers, w)
		*target = w

		return nil
	}

	if err := attach(&cmd.Stdout, opts.OnStdout); err != nil {
		closeAll()

		return nil, err
	}

	if err := attach(&cmd.Stderr, opts.OnStderr); err != nil {
		closeAll()

		return nil, err
	}

	if err := cmd.Start(); err != nil {
		closeAll()

		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	// The child holds its own copies of the write ends.
	for _, w := range writers {
		w.Close()
	}

	h := &execHandle{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		sharedGroup: l.sharedGroup,
	}

	l.log.WithFields(logrus.Fields{
		"pid":     h.pid,
		"command": strings.Join(opts.Command, " "),
		"dir":     opts.Dir,
	}).Debug("process launched")

	var wg sync.WaitGroup

	callbacks := []func(string){opts.OnStdout, opts.OnStderr}
	idx := 0

	for _, cb := range callbacks {
		if cb == nil {
			continue
		}

		r := readers[idx]
		idx++

		wg.Add(1)

		go func() {
			defer wg.Done()

			readLines(r, cb)
		}()
	}

	go func() {
		err := cmd.Wait()

		drained := make(chan struct{})

		go func() {
			wg.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-time.After(stdioDrainTimeout):
			l.log.WithField("pid", h.pid).Debug("output still open after exit, closing readers")
		}

		for _, r := range readers {
			r.Close()
		}

		<-drained

		status := exitStatusOf(cmd.ProcessState, err)

		if opts.OnExit != nil {
			opts.OnExit(status)
		}
	}()

	return h, nil
}

// readLines feeds every line of r to cb. Lines of any length are supported
// and a trailing line without newline is delivered at EOF.
func readLines(r io.Reader, cb func(string)) {
	br := bufio.NewReaderSize(r, 64*1024)

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			if err == nil || line != "" {
				cb(line)
			}
		}

		if err != nil {
			return
		}
	}
}

func exitStatusOf(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		return ExitStatus{ExitCode: -1}
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{ExitCode: -1, Signal: SignalName(ws.Signal())}
	}

	code := state.ExitCode()
	if code < 0 && waitErr != nil {
		code = -1
	}

	return ExitStatus{ExitCode: code}
}

type execHandle struct {
	cmd         *exec.Cmd
	pid         int
	sharedGroup bool
}

func (h *execHandle) PID() int {
	return h.pid
}

func (h *execHandle) Signal(name string) error {
	sig, err := ParseSignal(name)
	if err != nil {
		return err
	}

	return h.send(sig)
}

func (h *execHandle) Kill() error {
	return h.send(syscall.SIGKILL)
}

func (h *execHandle) send(sig syscall.Signal) error {
	if !h.sharedGroup {
		// Negative PID signals the entire process group (created via Setpgid).
		if err := unix.Kill(-h.pid, sig); err == nil {
			return nil
		}
	}

	if err := h.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("failed to send %s to %d: %w", SignalName(sig), h.pid, err)
	}

	return nil
}
