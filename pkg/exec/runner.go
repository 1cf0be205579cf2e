// Package exec provides utilities for running shell commands
// with consistent output handling and logging.
package exec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/sirupsen/logrus"
)

// Result holds the captured output of a shell command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}

	return msg
}

func shellCommand(ctx context.Context, dir string, env []string, command string) *exec.Cmd {
	//nolint:gosec // Commands come from the project configuration
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	if len(env) > 0 {
		cmd.Env = env
	}

	return cmd
}

// RunShell runs command with "sh -c" in dir and captures its output.
// A non-zero exit is reported as *ExitError alongside the result.
func RunShell(ctx context.Context, dir string, env []string, command string) (*Result, error) {
	var stdout, stderr bytes.Buffer

	cmd := shellCommand(ctx, dir, env, command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()

			return res, &ExitError{Command: command, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}

		return res, fmt.Errorf("failed to run %q: %w", command, err)
	}

	return res, nil
}

// RunShellToInt runs command and parses its stdout as an integer.
func RunShellToInt(ctx context.Context, dir string, env []string, command string) (int, error) {
	res, err := RunShell(ctx, dir, env, command)
	if err != nil {
		return 0, err
	}

	out := strings.TrimSpace(stripansi.Strip(res.Stdout))

	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("output of %q is not an integer: %q", command, out)
	}

	return n, nil
}

// RunShellLogged runs command and logs every output line as it arrives:
// stdout at info level, stderr at warn level.
func RunShellLogged(ctx context.Context, log logrus.FieldLogger, dir string, env []string, command string) error {
	cmd := shellCommand(ctx, dir, env, command)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stdout: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stderr: %w", err)
	}

	log.WithField("command", command).Debug("running shell command")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to run %q: %w", command, err)
	}

	var (
		wg       sync.WaitGroup
		lastErr  string
		lastErrM sync.Mutex
	)

	pipe := func(r io.Reader, emit func(string)) {
		defer wg.Done()

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			emit(scanner.Text())
		}
	}

	wg.Add(2)

	go pipe(stdout, func(line string) { log.Info(line) })
	go pipe(stderr, func(line string) {
		lastErrM.Lock()
		lastErr = line
		lastErrM.Unlock()

		log.Warn(line)
	})

	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Command: command, ExitCode: exitErr.ExitCode(), Stderr: lastErr}
		}

		return fmt.Errorf("failed to run %q: %w", command, err)
	}

	return nil
}
