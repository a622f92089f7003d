package shell_exec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
}

func TestExecute_Output(t *testing.T) {
	requireShell(t)
	s := New("")

	res, err := s.Execute(context.Background(), domain.Command{Line: "echo out; echo err >&2"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestExecute_NonZeroExitIsNotAnError(t *testing.T) {
	requireShell(t)
	s := New("/bin/sh")

	res, err := s.Execute(context.Background(), domain.Command{Line: "exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecute_DirAndEnv(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0o644))

	res, err := New("").Execute(context.Background(), domain.Command{
		Line: `ls; printf '%s' "$CI_JOB"`,
		Dir:  dir,
		Env:  map[string]string{"CI_JOB": "build"},
	})
	require.NoError(t, err)
	assert.Equal(t, "marker\nbuild", res.Stdout)
}

func TestExecute_CancelledContext(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New("").Execute(ctx, domain.Command{Line: "sleep 5"})
	require.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestMergeEnvOverridesBase(t *testing.T) {
	env := mergeEnv([]string{"A=1"}, map[string]string{"B": "2", "A": "3"})
	assert.Equal(t, []string{"A=1", "A=3", "B=2"}, env)
}
