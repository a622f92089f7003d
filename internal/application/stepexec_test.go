package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExecute_RunUsesPrimaryDirAndJobEnv(t *testing.T) {
	tool := &domain.MockToolchain{}
	e := NewStepExecutor(zap.NewNop(), nil, tool)
	ws := testWorkspace(t)
	sc := stepContext(ws, domain.Job{Name: "build"})

	out := e.Execute(context.Background(), sc, domain.RunStep{Command: "make"})
	require.NoError(t, out.Err)

	require.Len(t, tool.Calls, 1)
	assert.Equal(t, ws.Primary, tool.Calls[0].Dir)
	assert.Equal(t, "build", tool.Calls[0].Env["CI_JOB"])
}

func TestExecute_ToolchainError(t *testing.T) {
	tool := &domain.MockToolchain{Errs: map[string]error{"make": errors.New("exec: no shell")}}
	e := NewStepExecutor(zap.NewNop(), nil, tool)

	out := e.Execute(context.Background(), stepContext(testWorkspace(t), domain.Job{}), domain.RunStep{Command: "make"})
	require.Error(t, out.Err)
	assert.Equal(t, -1, out.ExitCode)
}

func TestExecute_InstallToolchainOncePerChannel(t *testing.T) {
	tool := &domain.MockToolchain{}
	e := NewStepExecutor(zap.NewNop(), nil, tool)
	sc := stepContext(testWorkspace(t), domain.Job{})

	for i := 0; i < 2; i++ {
		out := e.Execute(context.Background(), sc, domain.InstallToolchainStep{Channel: "stable"})
		require.NoError(t, out.Err)
	}
	out := e.Execute(context.Background(), sc, domain.InstallToolchainStep{Channel: "nightly"})
	require.NoError(t, out.Err)

	assert.Equal(t, []string{
		"rustup toolchain install stable --profile minimal",
		"rustup toolchain install nightly --profile minimal",
	}, tool.Lines())
}

func TestExecute_InstallFailureIsRetriedNextTime(t *testing.T) {
	tool := &domain.MockToolchain{Results: map[string]domain.CommandResult{
		"install 1.80": {ExitCode: 2, Stderr: "network down\n"},
	}}
	e := NewStepExecutor(zap.NewNop(), nil, tool, WithInstallCommand("install {channel}"))
	sc := stepContext(testWorkspace(t), domain.Job{})

	out := e.Execute(context.Background(), sc, domain.InstallToolchainStep{Channel: "1.80"})
	assert.Error(t, out.Err)
	assert.Equal(t, "network down\n", out.Output)

	e.Execute(context.Background(), sc, domain.InstallToolchainStep{Channel: "1.80"})
	assert.Equal(t, []string{"install 1.80", "install 1.80"}, tool.Lines())
}

func TestExecute_CacheExportsDirToLaterSteps(t *testing.T) {
	cacheDir := t.TempDir()
	tool := &domain.MockToolchain{}
	e := NewStepExecutor(zap.NewNop(), nil, tool, WithCacheDir(cacheDir))
	sc := stepContext(testWorkspace(t), domain.Job{Name: "build", RunsOn: "high-cpu"})

	out := e.Execute(context.Background(), sc, domain.CacheStep{Key: "{defName}/{job}-{runsOn}"})
	require.NoError(t, out.Err)

	want := filepath.Join(cacheDir, "ci_build-high-cpu")
	assert.DirExists(t, want)
	assert.Equal(t, want, sc.Env["CI_CACHE_DIR"])

	e.Execute(context.Background(), sc, domain.RunStep{Command: "cargo build"})
	require.Len(t, tool.Calls, 1)
	assert.Equal(t, want, tool.Calls[0].Env["CI_CACHE_DIR"])
}

func TestExecute_CacheDisabled(t *testing.T) {
	e := NewStepExecutor(zap.NewNop(), nil, &domain.MockToolchain{})
	sc := stepContext(testWorkspace(t), domain.Job{})

	out := e.Execute(context.Background(), sc, domain.CacheStep{Key: "k"})
	require.NoError(t, out.Err)
	assert.Equal(t, "cache disabled\n", out.Output)
	assert.NotContains(t, sc.Env, "CI_CACHE_DIR")
}

func TestExecute_CheckoutAndMove(t *testing.T) {
	scm := &domain.MockSourceControl{Files: repoFiles()}
	a := NewAssembler(zap.NewNop(), scm, t.TempDir(), WithRetryPolicy(fastRetry(0)))
	e := NewStepExecutor(zap.NewNop(), a, &domain.MockToolchain{})
	ws := testWorkspace(t)
	sc := stepContext(ws, domain.Job{})

	checkout := domain.CheckoutStep{Repo: domain.RepoRef{URL: toolsURL}, Path: "vendor/tools"}
	out := e.Execute(context.Background(), sc, checkout)
	require.NoError(t, out.Err)
	assert.FileExists(t, filepath.Join(ws.Primary, "vendor", "tools", "bin", "tool.sh"))

	out = e.Execute(context.Background(), sc, checkout)
	require.ErrorIs(t, out.Err, domain.ErrTargetCollision)

	out = e.Execute(context.Background(), sc, domain.MoveStep{From: "vendor/tools", To: "../tools"})
	require.NoError(t, out.Err)
	assert.FileExists(t, filepath.Join(ws.Root, "tools", "bin", "tool.sh"))
	_, err := os.Stat(filepath.Join(ws.Primary, "vendor", "tools"))
	assert.True(t, os.IsNotExist(err))

	out = e.Execute(context.Background(), sc, domain.MoveStep{From: "../tools", To: "../../escape"})
	assert.ErrorIs(t, out.Err, domain.ErrPathEscape)
}
