package control

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/xrun/pkg/orchestrator"
	"github.com/ethpandaops/xrun/pkg/process"
	"github.com/ethpandaops/xrun/pkg/project"
	"github.com/ethpandaops/xrun/pkg/version"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)

	return l
}

type fakeOrchestrator struct {
	mu      sync.Mutex
	running map[string]bool
	calls   []string
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{running: map[string]bool{"api": false, "docs": false}}
}

func (f *fakeOrchestrator) Status() []orchestrator.ProjectStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	state := string(process.StateStopped)
	if f.running["api"] {
		state = string(process.StateRunning)
	}

	return []orchestrator.ProjectStatus{
		{Name: "api", State: state, Launchable: true, LaunchOn: "tool_start"},
		{Name: "docs", State: string(process.StateStopped), LaunchOn: "tool_start"},
	}
}

func (f *fakeOrchestrator) lookup(name, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, action+":"+name)

	switch name {
	case "api":
		return nil
	case "docs":
		return project.ErrNotLaunchable
	default:
		return fmt.Errorf("%w: %q", orchestrator.ErrUnknownProject, name)
	}
}

func (f *fakeOrchestrator) Start(_ context.Context, name string) (*process.StartOutcome, error) {
	if err := f.lookup(name, ActionStart); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.running[name] = true
	f.mu.Unlock()

	return &process.StartOutcome{Result: process.StartResultStarted, Running: true}, nil
}

func (f *fakeOrchestrator) Stop(_ context.Context, name string) error {
	if err := f.lookup(name, ActionStop); err != nil {
		return err
	}

	f.mu.Lock()
	f.running[name] = false
	f.mu.Unlock()

	return nil
}

func (f *fakeOrchestrator) Restart(ctx context.Context, name string) (*process.StartOutcome, error) {
	if err := f.lookup(name, ActionRestart); err != nil {
		return nil, err
	}

	return &process.StartOutcome{Result: process.StartResultStarted, Running: true}, nil
}

func (f *fakeOrchestrator) AnyProjectStillRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.running["api"]
}

func newTestServer(t *testing.T) (*Server, *fakeOrchestrator, *httptest.Server) {
	t.Helper()

	orch := newFakeOrchestrator()
	srv := NewServer(testLogger(), orch, "127.0.0.1:0")
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.sseHub.Stop()
		ts.Close()
	})

	return srv, orch, ts
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestClient_Projects(t *testing.T) {
	t.Parallel()

	_, _, ts := newTestServer(t)
	c := NewClient(ts.URL)

	projects, err := c.Projects(testContext(t))
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "api", projects[0].Name)
	assert.True(t, projects[0].Launchable)
}

func TestClient_Action(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		project string
		action  string
		errMsg  string
		running bool
	}{
		{name: "start", project: "api", action: ActionStart, running: true},
		{name: "restart", project: "api", action: ActionRestart, running: true},
		{name: "stop", project: "api", action: ActionStop},
		{name: "unknown project", project: "nope", action: ActionStart, errMsg: "HTTP 404"},
		{name: "not launchable", project: "docs", action: ActionRestart, errMsg: "HTTP 409"},
		{name: "unknown action", project: "api", action: "rebuild", errMsg: "unknown action: rebuild (HTTP 400)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, ts := newTestServer(t)
			c := NewClient(ts.URL)

			resp, err := c.Action(testContext(t), tt.project, tt.action)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.project, resp.Project)
			assert.Equal(t, tt.action, resp.Action)
			assert.Equal(t, tt.running, resp.Running)
		})
	}
}

func TestClient_Health(t *testing.T) {
	t.Parallel()

	_, orch, ts := newTestServer(t)
	c := NewClient(strings.TrimPrefix(ts.URL, "http://"))
	ctx := testContext(t)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.ProjectsRunning)
	assert.Equal(t, 2, health.Projects)
	assert.Equal(t, version.Get(), health.Build)

	_, err = orch.Start(ctx, "api")
	require.NoError(t, err)

	health, err = c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.ProjectsRunning)
}

func TestClient_Unreachable(t *testing.T) {
	t.Parallel()

	_, _, ts := newTestServer(t)
	url := ts.URL
	ts.Close()

	_, err := NewClient(url).Projects(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control API unreachable")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_EventStream(t *testing.T) {
	t.Parallel()

	srv, _, ts := newTestServer(t)

	req, err := http.NewRequestWithContext(testContext(t), http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	assert.Equal(t, []string{": connected"}, readEvent(t, reader))

	require.Eventually(t, func() bool {
		return srv.sseHub.Clients() == 1
	}, time.Second, 10*time.Millisecond)

	srv.Publish(orchestrator.Event{Project: "api", Type: orchestrator.EventLaunchCompleted, State: "running"})

	lines := readEvent(t, reader)
	require.Len(t, lines, 3)
	assert.Equal(t, "id: 1", lines[0])
	assert.Equal(t, "event: project", lines[1])
	assert.Contains(t, lines[2], `"project":"api"`)
	assert.Contains(t, lines[2], `"type":"launch_completed"`)

	// A late client gets the latest event replayed.
	late, err := http.NewRequestWithContext(testContext(t), http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)

	lateResp, err := http.DefaultClient.Do(late)
	require.NoError(t, err)

	defer lateResp.Body.Close()

	lateReader := bufio.NewReader(lateResp.Body)
	assert.Equal(t, []string{": connected"}, readEvent(t, lateReader))
	assert.Equal(t, lines, readEvent(t, lateReader))
}

// readEvent reads the lines of one event block up to the blank separator.
func readEvent(t *testing.T, r *bufio.Reader) []string {
	t.Helper()

	var lines []string

	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)

		line = strings.TrimRight(line, "\n")
		if line == "" {
			return lines
		}

		lines = append(lines, line)
	}
}

func TestServer_StartStop(t *testing.T) {
	t.Parallel()

	srv := NewServer(testLogger(), newFakeOrchestrator(), "127.0.0.1:0")
	require.NoError(t, srv.Start(testContext(t)))

	addr := srv.Addr()
	require.NotNil(t, addr)

	health, err := NewClient(addr.String()).Health(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	require.NoError(t, srv.Stop())
}
