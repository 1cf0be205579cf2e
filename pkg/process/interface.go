// Package process launches and supervises child processes. A Supervisor owns
// the lifecycle of one process, walking its shutdown sequence on stop and
// reporting exits to subscribers.
package process

import (
	"context"
)

// Launcher spawns child processes.
// This interface enables dependency injection and testing via fakes.
type Launcher interface {
	// Launch starts the command described by opts and returns once the
	// process exists. OnExit is called exactly once, after the output
	// callbacks have delivered the last line.
	Launch(ctx context.Context, opts LaunchOptions) (Handle, error)
}

// Handle controls a launched process.
type Handle interface {
	// PID returns the OS process id.
	PID() int

	// Signal delivers a signal by name ("SIGINT", "term", ...).
	Signal(name string) error

	// Kill sends SIGKILL.
	Kill() error
}

// LaunchOptions describes a process to launch.
type LaunchOptions struct {
	Command []string
	Dir     string
	Env     []string

	// OnStdout and OnStderr receive output line by line. A nil callback
	// discards the stream.
	OnStdout func(line string)
	OnStderr func(line string)

	OnExit func(status ExitStatus)
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// PID is the process that exited.
	PID int
	// ExitCode is -1 when the process was terminated by a signal.
	ExitCode int
	// Signal is the terminating signal name, empty on a normal exit.
	Signal string
	// Expected is true when a stop was in progress at the moment of exit.
	Expected bool
}

// HealthChecker defines the interface for service health checking.
type HealthChecker interface {
	// Check verifies that a service is healthy and ready.
	// Should return nil if healthy, error otherwise.
	Check(ctx context.Context) error

	// Name returns a human-readable name for this health check.
	Name() string
}
