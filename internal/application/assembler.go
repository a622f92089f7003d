package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-orchestrator/internal/domain"
	"go.uber.org/zap"
)

const (
	scratchDir    = ".scratch"
	lfsPointerMax = 1024
)

var lfsPointerPrefix = []byte("version https://git-lfs.github.com/spec/v1")

type RetryPolicy struct {
	Retries         int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

type Assembler struct {
	log     *zap.Logger
	scm     domain.SourceControl
	root    string
	policy  RetryPolicy
	keep    bool
	onRetry func(repo string)
}

type AssemblerOption func(*Assembler)

func WithRetryPolicy(p RetryPolicy) AssemblerOption {
	return func(a *Assembler) { a.policy = p }
}

// WithKeepWorkspaces leaves finished or failed workspaces on disk.
func WithKeepWorkspaces(keep bool) AssemblerOption {
	return func(a *Assembler) { a.keep = keep }
}

func WithRetryHook(fn func(repo string)) AssemblerOption {
	return func(a *Assembler) { a.onRetry = fn }
}

func NewAssembler(l *zap.Logger, scm domain.SourceControl, root string, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		log:    l,
		scm:    scm,
		root:   root,
		policy: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble fetches the primary repository, then each dependency in order into
// a scratch path, and moves it to its declared path relative to the primary
// root. The workspace is returned only once every repository is in place.
func (a *Assembler) Assemble(ctx context.Context, runID string, primary domain.RepoRef, deps []domain.Dependency) (*domain.Workspace, error) {
	runDir := filepath.Join(a.root, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, &domain.FatalAssemblyError{Err: err}
	}

	ws := &domain.Workspace{
		Root:    runDir,
		Primary: filepath.Join(runDir, repoName(primary.URL)),
	}

	if err := a.assemble(ctx, ws, primary, deps); err != nil {
		a.discard(runDir)
		return nil, err
	}

	a.log.Info("workspace assembled",
		zap.String("run", runID),
		zap.String("root", ws.Root),
		zap.Int("dependencies", len(ws.Placed)),
	)
	return ws, nil
}

func (a *Assembler) assemble(ctx context.Context, ws *domain.Workspace, primary domain.RepoRef, deps []domain.Dependency) error {
	if err := a.Fetch(ctx, primary, ws.Primary); err != nil {
		return err
	}

	scratch := filepath.Join(ws.Root, scratchDir)
	defer func() { _ = os.RemoveAll(scratch) }()

	for i, dep := range deps {
		target, err := ResolvePath(ws, dep.Path)
		if err != nil {
			return &domain.FatalAssemblyError{Repo: dep.Repo.URL, Err: err}
		}

		tmp := filepath.Join(scratch, fmt.Sprintf("%02d-%s", i, repoName(dep.Repo.URL)))
		if err := a.Fetch(ctx, dep.Repo, tmp); err != nil {
			return err
		}

		if err := Relocate(tmp, target); err != nil {
			return &domain.FatalAssemblyError{Repo: dep.Repo.URL, Err: fmt.Errorf("%s: %w", dep.Path, err)}
		}
		ws.Placed = append(ws.Placed, dep.Path)
	}
	return nil
}

// Fetch materializes ref into dest, retrying FetchErrors with exponential
// backoff. Every attempt starts from an empty dest, so a success after
// failures leaves the same tree as an immediate success.
func (a *Assembler) Fetch(ctx context.Context, ref domain.RepoRef, dest string) error {
	op := func() error {
		if err := os.RemoveAll(dest); err != nil {
			return backoff.Permanent(&domain.FatalAssemblyError{Repo: ref.URL, Err: err})
		}

		err := a.scm.Fetch(ctx, ref, dest)
		if err == nil && ref.LFS {
			err = verifyLFS(ref.URL, dest)
		}
		if err == nil {
			return nil
		}

		var fe *domain.FetchError
		if errors.As(err, &fe) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		a.log.Warn("fetch failed, retrying",
			zap.String("repo", ref.URL),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if a.onRetry != nil {
			a.onRetry(ref.URL)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.policy.InitialInterval
	bo.MaxInterval = a.policy.MaxInterval
	bo.MaxElapsedTime = 0

	retries := a.policy.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)

	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var fatal *domain.FatalAssemblyError
	if errors.As(err, &fatal) {
		return fatal
	}
	var fe *domain.FetchError
	if errors.As(err, &fe) {
		return &domain.FatalAssemblyError{
			Repo: ref.URL,
			Err:  fmt.Errorf("giving up after %d retries: %w", retries, err),
		}
	}
	return &domain.FatalAssemblyError{Repo: ref.URL, Err: err}
}

func (a *Assembler) Dispose(ws *domain.Workspace) {
	if ws == nil {
		return
	}
	a.discard(ws.Root)
}

func (a *Assembler) discard(dir string) {
	if a.keep {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		a.log.Warn("workspace cleanup failed", zap.String("dir", dir), zap.Error(err))
	}
}

// ResolvePath maps a path relative to the primary root onto the filesystem,
// refusing anything outside the workspace root.
func ResolvePath(ws *domain.Workspace, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", domain.ErrPathEscape, rel)
	}
	p := filepath.Clean(filepath.Join(ws.Primary, rel))
	r, err := filepath.Rel(ws.Root, p)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", domain.ErrPathEscape, rel)
	}
	if r == scratchDir || strings.HasPrefix(r, scratchDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", domain.ErrPathEscape, rel)
	}
	return p, nil
}

// Relocate moves src to dst, failing rather than overwriting an existing dst.
func Relocate(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return domain.ErrTargetCollision
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// PrimaryRepo picks what to check out as the workspace root: the definition's
// declared primary if any, otherwise the triggering repository at the
// triggering commit.
func PrimaryRepo(def *domain.PipelineDefinition, tc domain.TriggerContext) domain.RepoRef {
	if def.Workspace.Primary != nil {
		return *def.Workspace.Primary
	}

	ref := tc.SHA
	if ref == "" {
		ref = tc.Ref
	}
	if ref == domain.ScheduleRef {
		ref = def.DefaultBranch
	}

	repo := tc.Repo
	if repo == "" {
		repo = def.Repository
	}
	return domain.RepoRef{URL: repo, Ref: ref}
}

func repoName(url string) string {
	name := path.Base(strings.TrimSuffix(strings.TrimSuffix(url, "/"), ".git"))
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == "/" || name == scratchDir {
		return "src"
	}
	return name
}

func verifyLFS(repo, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > lfsPointerMax {
			return err
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		head := make([]byte, len(lfsPointerPrefix))
		n, _ := io.ReadFull(f, head)
		if bytes.Equal(head[:n], lfsPointerPrefix) {
			rel, _ := filepath.Rel(dir, p)
			return &domain.FetchError{Repo: repo, Err: fmt.Errorf("%w: %s", domain.ErrLFSIncomplete, rel)}
		}
		return nil
	})
}
