package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"go.uber.org/zap"
)

const DefaultInstallCommand = "rustup toolchain install {channel} --profile minimal"

// StepContext carries per-job state across the steps of one job.
type StepContext struct {
	RunID      string
	Definition string
	Ref        string
	Job        domain.Job
	Workspace  *domain.Workspace
	Env        map[string]string
}

type StepOutcome struct {
	Output   string
	ExitCode int
	Err      error
}

type Fetcher interface {
	Fetch(ctx context.Context, ref domain.RepoRef, dest string) error
}

type StepExecutor struct {
	log            *zap.Logger
	fetch          Fetcher
	tool           domain.Toolchain
	installCommand string
	cacheDir       string

	mu        sync.Mutex
	installed map[string]bool
}

type StepExecutorOption func(*StepExecutor)

func WithInstallCommand(cmd string) StepExecutorOption {
	return func(e *StepExecutor) {
		if cmd != "" {
			e.installCommand = cmd
		}
	}
}

func WithCacheDir(dir string) StepExecutorOption {
	return func(e *StepExecutor) { e.cacheDir = dir }
}

func NewStepExecutor(l *zap.Logger, fetch Fetcher, tool domain.Toolchain, opts ...StepExecutorOption) *StepExecutor {
	e := &StepExecutor{
		log:            l,
		fetch:          fetch,
		tool:           tool,
		installCommand: DefaultInstallCommand,
		installed:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *StepExecutor) Execute(ctx context.Context, sc *StepContext, step domain.Step) StepOutcome {
	switch s := step.(type) {
	case domain.CheckoutStep:
		return e.checkout(ctx, sc, s)
	case domain.MoveStep:
		return e.move(sc, s)
	case domain.InstallToolchainStep:
		return e.install(ctx, sc, s)
	case domain.CacheStep:
		return e.cache(sc, s)
	case domain.RunStep:
		return e.run(ctx, sc, s.Title(), s.Command)
	default:
		return StepOutcome{ExitCode: -1, Err: fmt.Errorf("unsupported step kind %T", step)}
	}
}

func (e *StepExecutor) checkout(ctx context.Context, sc *StepContext, s domain.CheckoutStep) StepOutcome {
	dest, err := ResolvePath(sc.Workspace, s.Path)
	if err != nil {
		return StepOutcome{ExitCode: -1, Err: err}
	}
	if _, err := os.Lstat(dest); err == nil {
		return StepOutcome{ExitCode: -1, Err: fmt.Errorf("%s: %w", s.Path, domain.ErrTargetCollision)}
	}
	if err := e.fetch.Fetch(ctx, s.Repo, dest); err != nil {
		return StepOutcome{ExitCode: -1, Err: err}
	}
	return StepOutcome{Output: fmt.Sprintf("fetched %s into %s\n", s.Repo.URL, s.Path)}
}

func (e *StepExecutor) move(sc *StepContext, s domain.MoveStep) StepOutcome {
	src, err := ResolvePath(sc.Workspace, s.From)
	if err != nil {
		return StepOutcome{ExitCode: -1, Err: err}
	}
	dst, err := ResolvePath(sc.Workspace, s.To)
	if err != nil {
		return StepOutcome{ExitCode: -1, Err: err}
	}
	if err := Relocate(src, dst); err != nil {
		return StepOutcome{ExitCode: -1, Err: fmt.Errorf("move %s -> %s: %w", s.From, s.To, err)}
	}
	return StepOutcome{Output: fmt.Sprintf("moved %s to %s\n", s.From, s.To)}
}

// install skips channels this executor already installed successfully.
func (e *StepExecutor) install(ctx context.Context, sc *StepContext, s domain.InstallToolchainStep) StepOutcome {
	e.mu.Lock()
	done := e.installed[s.Channel]
	e.mu.Unlock()
	if done {
		return StepOutcome{Output: fmt.Sprintf("toolchain %s already installed\n", s.Channel)}
	}

	line := strings.ReplaceAll(e.installCommand, "{channel}", s.Channel)
	out := e.run(ctx, sc, s.Title(), line)
	if out.Err == nil {
		e.mu.Lock()
		e.installed[s.Channel] = true
		e.mu.Unlock()
	}
	return out
}

func (e *StepExecutor) cache(sc *StepContext, s domain.CacheStep) StepOutcome {
	if e.cacheDir == "" {
		return StepOutcome{Output: "cache disabled\n"}
	}

	key := strings.NewReplacer(
		"{defName}", sc.Definition,
		"{job}", sc.Job.Name,
		"{runsOn}", sc.Job.RunsOn,
	).Replace(s.Key)
	key = sanitizeKey(key)

	dir := filepath.Join(e.cacheDir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StepOutcome{ExitCode: -1, Err: err}
	}
	sc.Env["CI_CACHE_DIR"] = dir
	return StepOutcome{Output: fmt.Sprintf("cache %s at %s\n", key, dir)}
}

func (e *StepExecutor) run(ctx context.Context, sc *StepContext, title, line string) StepOutcome {
	env := make(map[string]string, len(sc.Env))
	for k, v := range sc.Env {
		env[k] = v
	}

	res, err := e.tool.Execute(ctx, domain.Command{Line: line, Dir: sc.Workspace.Primary, Env: env})
	if err != nil {
		return StepOutcome{Output: res.Output(), ExitCode: -1, Err: err}
	}
	if res.ExitCode != 0 {
		return StepOutcome{
			Output:   res.Output(),
			ExitCode: res.ExitCode,
			Err:      &domain.StepExecutionError{Step: title, ExitCode: res.ExitCode},
		}
	}
	return StepOutcome{Output: res.Output()}
}

func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "default"
	}
	return out
}
