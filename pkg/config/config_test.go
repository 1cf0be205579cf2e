package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/ethpandaops/xrun/pkg/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

const sampleYAML = `
default_project_settings:
  shutdown_sequence:
    - signal: SIGTERM
    - wait: 2000
    - signal: SIGKILL
  logging:
    show_stdout: false
    format: "{projectName} {message}"
  env:
    SHARED: "1"

projects:
  - working_directory: backend
    launch_command: ["./server", "--port", "${PORT}"]
    launch_completed_condition:
      stdio_parsing_regexp: "listening on (\\d+)"
    restart_condition:
      - proxy_url_regexp: "^/reload"
        method: post
      - event_type: restart
        project_name: frontend
    project_http_port:
      stdio_parsing_regexp: "listening on (\\d+)"
    proxy_http_port: 8080
    env:
      PORT: "0"
    logging:
      show_stdout: true

  - name: frontend
    working_directory: /srv/frontend
    launch_command: ["npm", "run", "dev"]
    launch_completed_condition: 1500
    on_shutdown: nothing
    project_http_port:
      json_file_path: ports.json
      keys: http.port
`

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := Load(writeFile(t, dir, ".xrun.yaml", sampleYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Projects, 2)
	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, filepath.Join(dir, constants.DefaultStateDir), cfg.StateDir)
	assert.True(t, cfg.Control.Enabled)
	assert.Equal(t, constants.DefaultControlAddr, cfg.Control.Addr)

	backend := cfg.Projects[0]
	assert.Equal(t, "backend", backend.Name)
	assert.Equal(t, filepath.Join(dir, "backend"), backend.WorkingDirectory)
	assert.Equal(t, []string{"./server", "--port", "${PORT}"}, backend.LaunchCommand)
	require.Len(t, backend.LaunchCompletedCondition, 1)
	assert.Equal(t, `listening on (\d+)`, backend.LaunchCompletedCondition[0].StdioParsingRegexp)
	require.Len(t, backend.RestartCondition, 2)
	assert.Equal(t, "post", backend.RestartCondition[0].Method)
	assert.Equal(t, "frontend", backend.RestartCondition[1].ProjectName)
	require.NotNil(t, backend.ProxyHTTPPort)
	require.NotNil(t, backend.ProxyHTTPPort.Number)
	assert.Equal(t, 8080, *backend.ProxyHTTPPort.Number)
	assert.Equal(t, constants.LaunchOnFirstRequest, backend.LaunchOn())
	assert.True(t, backend.RestartOnUnexpectedExit())
	assert.Equal(t, constants.DefaultProxyReadTimeout, backend.ProxyTimeoutDuration())

	// Project values win, missing ones come from the defaults.
	assert.True(t, backend.Logging.StdoutShown())
	assert.Equal(t, "{projectName} {message}", backend.Logging.LogFormat())
	assert.Equal(t, map[string]string{"PORT": "0", "SHARED": "1"}, backend.Env)

	steps, err := backend.Shutdown()
	require.NoError(t, err)
	assert.Equal(t, []process.ShutdownStep{
		process.SignalStep("SIGTERM"),
		process.WaitStep(2 * time.Second),
		process.SignalStep("SIGKILL"),
	}, steps)

	frontend := cfg.Projects[1]
	assert.Equal(t, "/srv/frontend", frontend.WorkingDirectory)
	assert.False(t, frontend.Logging.StdoutShown())
	assert.False(t, frontend.RestartOnUnexpectedExit())
	assert.Equal(t, constants.LaunchOnToolStart, frontend.LaunchOn())
	require.Len(t, frontend.LaunchCompletedCondition, 1)
	require.NotNil(t, frontend.LaunchCompletedCondition[0].Delay)
	assert.Equal(t, 1500, *frontend.LaunchCompletedCondition[0].Delay)
	require.Len(t, frontend.ProjectHTTPPort, 1)
	assert.Equal(t, JSONKeys{"http", "port"}, frontend.ProjectHTTPPort[0].Keys)

	require.NoError(t, cfg.Validate())
}

func TestLoad_TOML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "xrun.toml", `
shared_process_group = true

[control]
enabled = false

[default_project_settings]
proxy_timeout = 5000

[[projects]]
name = "api"
launch_command = ["go", "run", "."]
launch_completed_condition = { port_open = true }
project_http_port = 3000
proxy_http_port = { shell = "echo 8080" }

[[projects.restart_condition]]
watch_paths = ["./internal", "./cmd"]
debounce = 250
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.SharedProcessGroup)
	assert.False(t, cfg.Control.Enabled)
	require.Len(t, cfg.Projects, 1)

	api := cfg.Projects[0]
	assert.Equal(t, dir, api.WorkingDirectory)
	assert.Equal(t, 5*time.Second, api.ProxyTimeoutDuration())
	assert.Equal(t, "echo 8080", api.ProxyHTTPPort.Shell)
	require.Len(t, api.RestartCondition, 1)
	assert.Equal(t, OneOrMany[string]{"./internal", "./cmd"}, api.RestartCondition[0].WatchPaths)
	assert.Equal(t, 250*time.Millisecond, api.RestartCondition[0].DebounceDuration(time.Second))

	kind, err := api.LaunchCompletedCondition[0].Kind()
	require.NoError(t, err)
	assert.Equal(t, ConditionPortOpen, kind)

	require.NoError(t, cfg.Validate())
}

func TestLoad_JSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "xrun.json", `{
  "projects": [
    {
      "name": "worker",
      "launch_command": ["./worker"],
      "launch_completed_condition": [{"stdio_parsing_regexp": "ready", "stderr": true}],
      "shutdown_sequence": {"signal": "SIGTERM"}
    }
  ]
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Projects, 1)

	worker := cfg.Projects[0]
	assert.True(t, worker.LaunchCompletedCondition[0].Stderr)
	require.Len(t, worker.ShutdownSequence, 1)
	assert.Equal(t, "SIGTERM", worker.ShutdownSequence[0].Signal)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name:    "unknown key",
			file:    "a.yaml",
			content: "projects:\n  - name: a\n    launch_cmd: [x]\n",
		},
		{
			name:    "bad condition scalar",
			file:    "b.yaml",
			content: "projects:\n  - name: a\n    launch_completed_condition: soon\n",
		},
		{
			name:    "broken toml",
			file:    "c.toml",
			content: "projects = [",
		},
		{
			name:    "project is not a mapping",
			file:    "d.yaml",
			content: "default_project_settings:\n  on_shutdown: nothing\nprojects:\n  - just-a-string\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(writeFile(t, t.TempDir(), tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func intPtr(v int) *int {
	return &v
}

func TestValidate(t *testing.T) {
	t.Parallel()

	launched := func(name string) Project {
		return Project{
			Name:                     name,
			LaunchCommand:            []string{name},
			LaunchCompletedCondition: OneOrMany[Condition]{{Delay: intPtr(10)}},
		}
	}

	tests := []struct {
		name     string
		projects []Project
		wantErr  []string
	}{
		{
			name:     "valid",
			projects: []Project{launched("a")},
		},
		{
			name:     "no projects",
			projects: nil,
			wantErr:  []string{"config is empty"},
		},
		{
			name:     "duplicate names",
			projects: []Project{launched("a"), launched("a")},
			wantErr:  []string{`duplicate project name: "a"`},
		},
		{
			name:     "launch command without condition",
			projects: []Project{{Name: "a", LaunchCommand: []string{"a"}}},
			wantErr:  []string{"launch_completed_condition"},
		},
		{
			name: "proxy without project port",
			projects: []Project{func() Project {
				p := launched("a")
				p.ProxyHTTPPort = &PortSource{Number: intPtr(8080)}

				return p
			}()},
			wantErr: []string{"no project_http_port"},
		},
		{
			name: "unknown project reference",
			projects: []Project{func() Project {
				p := launched("a")
				p.RestartCondition = OneOrMany[Condition]{{EventType: "restart", ProjectName: "ghost"}}

				return p
			}()},
			wantErr: []string{`there is no project named "ghost"`},
		},
		{
			name: "proxy url on project without proxy",
			projects: []Project{func() Project {
				p := launched("a")
				p.RestartCondition = OneOrMany[Condition]{{ProxyURLRegexp: "^/"}}

				return p
			}()},
			wantErr: []string{"does not have a proxy"},
		},
		{
			name: "mixed condition and bad regexp",
			projects: []Project{func() Project {
				p := launched("a")
				p.LaunchCompletedCondition = OneOrMany[Condition]{
					{Delay: intPtr(1), StdioParsingRegexp: "x"},
					{StdioParsingRegexp: "("},
				}

				return p
			}()},
			wantErr: []string{"mixes several types", "missing closing )"},
		},
		{
			name: "first request without proxy",
			projects: []Project{func() Project {
				p := launched("a")
				p.InitialLaunchOn = constants.LaunchOnFirstRequest

				return p
			}()},
			wantErr: []string{"no proxy to receive requests"},
		},
		{
			name: "bad shutdown sequence and on_shutdown",
			projects: []Project{func() Project {
				p := launched("a")
				p.ShutdownSequence = OneOrMany[ShutdownItem]{{Signal: "SIGNOPE"}}
				p.OnShutdown = "explode"

				return p
			}()},
			wantErr: []string{"shutdown_sequence", "on_shutdown"},
		},
		{
			name: "restart condition kind not allowed for launch",
			projects: []Project{func() Project {
				p := launched("a")
				p.LaunchCompletedCondition = OneOrMany[Condition]{{WatchPaths: OneOrMany[string]{"."}}}

				return p
			}()},
			wantErr: []string{"watch conditions are not supported here"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			cfg.Projects = tt.projects

			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)

			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestProjectEnviron(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, ".env", "FROM_FILE=file\nOVERRIDDEN=file\n")

	p := Project{
		WorkingDirectory: dir,
		EnvFile:          OneOrMany[string]{".env"},
		Env:              map[string]string{"OVERRIDDEN": "env", "PORT": "3000"},
	}

	env, err := p.Environ()
	require.NoError(t, err)

	assert.Contains(t, env, "FROM_FILE=file")
	assert.Contains(t, env, "OVERRIDDEN=env")
	assert.Contains(t, env, "PORT=3000")

	cmd := ExpandCommand([]string{"serve", "--port=${PORT}", "${MISSING}x"}, env)
	assert.Equal(t, []string{"serve", "--port=3000", "x"}, cmd)

	p.EnvFile = OneOrMany[string]{"missing.env"}
	_, err = p.Environ()
	assert.Error(t, err)
}
