package git_cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// RunFunc runs one git invocation in dir and returns its combined output.
type RunFunc func(ctx context.Context, dir string, args ...string) ([]byte, error)

// Client implements domain.SourceControl on top of the git binary. Every
// fetch is a shallow fetch of exactly one ref into an empty directory.
type Client struct {
	log *zap.Logger
	run RunFunc
}

func New(l *zap.Logger, gitBinary string) *Client {
	if gitBinary == "" {
		gitBinary = "git"
	}
	return &Client{log: l, run: execRunner(gitBinary)}
}

// NewWithRunner lets tests script git.
func NewWithRunner(l *zap.Logger, run RunFunc) *Client {
	return &Client{log: l, run: run}
}

func (c *Client) Fetch(ctx context.Context, ref domain.RepoRef, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	target := ref.Ref
	if target == "" {
		target = "HEAD"
	}

	steps := [][]string{
		{"init", "-q"},
		{"remote", "add", "origin", ref.URL},
		{"fetch", "-q", "--depth", "1", "origin", target},
		{"checkout", "-q", "--detach", "FETCH_HEAD"},
	}
	if ref.LFS {
		steps = append(steps, []string{"lfs", "pull"})
	}

	for _, args := range steps {
		out, err := c.run(ctx, dest, args...)
		if err != nil {
			return classify(ref, args[0], out, err)
		}
	}

	c.log.Debug("fetched", zap.String("repo", ref.URL), zap.String("ref", target), zap.String("dest", dest))
	return nil
}

var missingRefMarkers = []string{
	"couldn't find remote ref",
	"not our ref",
	"invalid refspec",
	"no such ref",
	"did not match any",
}

// classify maps git failures onto the assembler's error taxonomy: a missing
// ref is final, everything else is worth another attempt.
func classify(ref domain.RepoRef, stage string, out []byte, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.TrimSpace(string(out))
	lower := strings.ToLower(msg)
	for _, m := range missingRefMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%s@%s: %w", ref.URL, ref.Ref, domain.ErrMissingRef)
		}
	}

	var ee *exec.Error
	if errors.As(err, &ee) {
		return fmt.Errorf("git %s: %w", stage, err)
	}

	if msg == "" {
		msg = err.Error()
	}
	return &domain.FetchError{Repo: ref.URL, Err: fmt.Errorf("git %s: %s", stage, msg)}
}

func execRunner(bin string) RunFunc {
	return func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, bin, args...)
		cmd.Dir = filepath.Clean(dir)
		cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_LFS_SKIP_SMUDGE=1")

		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf
		err := cmd.Run()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return buf.Bytes(), ctxErr
		}
		return buf.Bytes(), err
	}
}
