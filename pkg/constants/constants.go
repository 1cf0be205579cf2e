// Package constants defines shared names, defaults and file layout used
// across the xrun application.
package constants

import "time"

// Application identity.
const (
	AppName = "xrun"
)

// Configuration files.
const (
	DefaultConfigFile = ".xrun.yaml"
	DefaultStateDir   = ".xrun"
)

// Directory names under the state dir.
const (
	DirPIDs = "pids"
)

// PID file template.
const (
	PIDFileTemplate = "%s.pid"
)

// Control API.
const (
	DefaultControlAddr = "127.0.0.1:9797"
	ControlBasePath    = "/api"
)

// Proxy defaults.
const (
	DefaultProxyHost         = "0.0.0.0"
	DefaultTargetHost        = "127.0.0.1"
	DefaultProxyReadTimeout  = 180 * time.Second
	DefaultProxyConnectDelay = 10 * time.Second
)

// Lifecycle defaults.
const (
	DefaultSlowOperationInterval = 15 * time.Second
	DefaultWatchDebounce         = 500 * time.Millisecond
	DefaultRoughShutdownTimeout  = 10 * time.Second
)

// Initial launch modes.
const (
	LaunchOnToolStart    = "tool_start"
	LaunchOnFirstRequest = "first_request"
)

// On-shutdown policies for unexpected exits.
const (
	OnShutdownRestart = "restart"
	OnShutdownNothing = "nothing"
)

// Event names usable as restart or launch-completed references.
const (
	EventRestart         = "restart"
	EventLaunchCompleted = "launch_completed"
)

// DefaultLogFormat is the per-line log layout.
const DefaultLogFormat = "{projectName} | {date} {time} | {message}"
