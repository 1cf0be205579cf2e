package exec

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunShell(t *testing.T) {
	t.Parallel()

	res, err := RunShell(context.Background(), t.TempDir(), nil, "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Zero(t, res.ExitCode)

	res, err = RunShell(context.Background(), "", nil, "echo broken >&2; exit 4")

	var exitErr *ExitError

	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 4, exitErr.ExitCode)
	assert.Equal(t, 4, res.ExitCode)
	assert.Contains(t, err.Error(), "broken")
}

func TestRunShellToInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		command string
		want    int
		wantErr string
	}{
		{name: "plain", command: "echo 8080", want: 8080},
		{name: "surrounding whitespace", command: "printf '  3000 \\n\\n'", want: 3000},
		{name: "coloured output", command: `printf '\033[32m4000\033[0m'`, want: 4000},
		{name: "not a number", command: "echo port", wantErr: "not an integer"},
		{name: "failing command", command: "exit 1", wantErr: "exited with code 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := RunShellToInt(context.Background(), "", nil, tt.command)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunShellLogged(t *testing.T) {
	t.Parallel()

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	err := RunShellLogged(context.Background(), log, "", nil, "echo building; echo warning >&2; exit 2")

	var exitErr *ExitError

	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode)
	assert.Equal(t, "warning", exitErr.Stderr)

	var messages []string

	for _, e := range hook.AllEntries() {
		messages = append(messages, e.Message)
	}

	assert.Contains(t, messages, "building")
	assert.Contains(t, messages, "warning")
}
