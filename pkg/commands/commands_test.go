package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethpandaops/xrun/pkg/config"
	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/ethpandaops/xrun/pkg/control"
	"github.com/ethpandaops/xrun/pkg/orchestrator"
	"github.com/ethpandaops/xrun/pkg/ui"
	"github.com/ethpandaops/xrun/pkg/version"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
control:
  addr: 127.0.0.1:7999

projects:
  - name: api
    launch_command: ["./api"]
    launch_completed_condition:
      stdio_parsing_regexp: "ready"
    restart_condition:
      - watch_paths: src
      - event_type: restart
        project_name: db
    project_http_port: 3000
    proxy_http_port: 8080

  - name: db
    launch_command: ["postgres"]
    launch_completed_condition: 500

  - name: docs
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), ".xrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// execute runs the root command with args and returns what it printed.
// It swaps the ui writer, so callers must not run in parallel.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var buf bytes.Buffer

	prev := ui.Out
	ui.Out = &buf

	t.Cleanup(func() { ui.Out = prev })

	cmd, _ := NewRootCommand()
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return buf.String(), err
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		errMsg  string
		printed []string
	}{
		{
			name:    "valid",
			config:  validConfig,
			printed: []string{"is valid", "api", "./api", "first_request", "8080", "watch, event"},
		},
		{
			name: "launch without condition",
			config: `
projects:
  - name: api
    launch_command: ["./api"]
`,
			errMsg: "launch_completed_condition",
		},
		{
			name:   "empty",
			config: "projects: []\n",
			errMsg: "config is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "validate", "--config", writeConfig(t, tt.config), "--log-level", "fatal")
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)

				return
			}

			require.NoError(t, err)

			for _, s := range tt.printed {
				assert.Contains(t, out, s)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "xrun "+version.GetFullVersion(), strings.TrimSpace(out))
}

func TestProjectDefinitionRows(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	rows := projectDefinitionRows(cfg)
	require.Len(t, rows, 3)

	assert.Equal(t, []string{"api", "./api", constants.LaunchOnFirstRequest, "8080", "watch, event"}, rows[0])
	assert.Equal(t, []string{"db", "postgres", constants.LaunchOnToolStart, "-", "-"}, rows[1])
	assert.Equal(t, []string{"docs", "-", constants.LaunchOnToolStart, "-", "-"}, rows[2])
}

func TestControlAddr(t *testing.T) {
	t.Parallel()

	g := &Globals{ConfigPath: writeConfig(t, validConfig)}
	assert.Equal(t, "10.0.0.1:1", g.controlAddr("10.0.0.1:1"))
	assert.Equal(t, "127.0.0.1:7999", g.controlAddr(""))

	g = &Globals{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}
	assert.Equal(t, constants.DefaultControlAddr, g.controlAddr(""))
}

func TestCompleteProjects(t *testing.T) {
	t.Parallel()

	complete := completeProjects(&Globals{ConfigPath: writeConfig(t, validConfig)})

	names, directive := complete(&cobra.Command{}, nil, "")
	assert.Equal(t, []string{"api", "db"}, names)
	assert.Equal(t, cobra.ShellCompDirectiveNoFileComp, directive)

	names, _ = complete(&cobra.Command{}, nil, "d")
	assert.Equal(t, []string{"db"}, names)

	names, _ = complete(&cobra.Command{}, []string{"api"}, "")
	assert.Empty(t, names)
}

func stubControlAPI(t *testing.T) string {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]orchestrator.ProjectStatus{
			{Name: "api", State: "running", PID: 4242, Launchable: true, LaunchOn: "tool_start"},
		})
	})
	mux.HandleFunc("POST /api/projects/{name}/restart", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if name != "api" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown project: " + name})

			return
		}

		_ = json.NewEncoder(w).Encode(control.ActionResponse{
			Project: name, Action: control.ActionRestart, Result: "started", Running: true,
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv.URL
}

func TestStatusCommand(t *testing.T) {
	addr := stubControlAPI(t)

	out, err := execute(t, "status", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "api")
	assert.Contains(t, out, "4242")
}

func TestRestartCommand(t *testing.T) {
	addr := stubControlAPI(t)

	_, err := execute(t, "restart", "api", "--addr", addr)
	require.NoError(t, err)

	_, err = execute(t, "restart", "nope", "--addr", addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown project: nope (HTTP 404)")
}
