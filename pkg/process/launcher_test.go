package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type launchResult struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
	exit   chan ExitStatus
}

func launchShell(t *testing.T, script string) (Handle, *launchResult) {
	t.Helper()

	res := &launchResult{exit: make(chan ExitStatus, 1)}

	l := NewExecLauncher(testLogger(), false)

	h, err := l.Launch(context.Background(), LaunchOptions{
		Command: []string{"sh", "-c", script},
		Dir:     t.TempDir(),
		OnStdout: func(line string) {
			res.mu.Lock()
			res.stdout = append(res.stdout, line)
			res.mu.Unlock()
		},
		OnStderr: func(line string) {
			res.mu.Lock()
			res.stderr = append(res.stderr, line)
			res.mu.Unlock()
		},
		OnExit: func(st ExitStatus) {
			res.exit <- st
		},
	})
	require.NoError(t, err)

	return h, res
}

func waitExit(t *testing.T, res *launchResult) ExitStatus {
	t.Helper()

	select {
	case st := <-res.exit:
		return st
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")

		return ExitStatus{}
	}
}

func TestExecLauncher_Output(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		script     string
		wantStdout []string
		wantStderr []string
		wantCode   int
	}{
		{
			name:       "lines and trailing partial line",
			script:     `printf 'first\nsecond\nlast'`,
			wantStdout: []string{"first", "second", "last"},
		},
		{
			name:       "stderr and exit code",
			script:     `echo oops >&2; exit 3`,
			wantStderr: []string{"oops"},
			wantCode:   3,
		},
		{
			name:       "blank lines are kept",
			script:     `printf 'a\n\nb\n'`,
			wantStdout: []string{"a", "", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h, res := launchShell(t, tt.script)
			assert.Positive(t, h.PID())

			st := waitExit(t, res)

			res.mu.Lock()
			defer res.mu.Unlock()

			assert.Equal(t, tt.wantCode, st.ExitCode)
			assert.Empty(t, st.Signal)
			assert.Equal(t, tt.wantStdout, res.stdout)
			assert.Equal(t, tt.wantStderr, res.stderr)
		})
	}
}

func TestExecLauncher_Signal(t *testing.T) {
	t.Parallel()

	h, res := launchShell(t, `echo ready; sleep 30`)

	require.Eventually(t, func() bool {
		res.mu.Lock()
		defer res.mu.Unlock()

		return len(res.stdout) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Signal("term"))

	st := waitExit(t, res)
	assert.Equal(t, -1, st.ExitCode)
	assert.Equal(t, "SIGTERM", st.Signal)
}

func TestExecLauncher_EmptyCommand(t *testing.T) {
	t.Parallel()

	_, err := NewExecLauncher(testLogger(), false).Launch(context.Background(), LaunchOptions{})
	require.ErrorIs(t, err, ErrEmptyCommand)
}

func TestExecLauncher_MissingBinary(t *testing.T) {
	t.Parallel()

	_, err := NewExecLauncher(testLogger(), true).Launch(context.Background(), LaunchOptions{
		Command: []string{"/nonexistent/xrun-test-binary"},
	})
	require.Error(t, err)
}
