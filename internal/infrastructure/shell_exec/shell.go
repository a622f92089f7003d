package shell_exec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"

	"github.com/davarch/ci-orchestrator/internal/domain"
)

// Shell implements domain.Toolchain by handing each command line to a POSIX
// shell. A non-zero exit is a result, not an error.
type Shell struct {
	path string
}

func New(path string) *Shell {
	if path == "" {
		path = "/bin/sh"
	}
	return &Shell{path: path}
}

func (s *Shell) Execute(ctx context.Context, c domain.Command) (domain.CommandResult, error) {
	cmd := exec.CommandContext(ctx, s.path, "-c", c.Line)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := domain.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var ee *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &ee) && ctx.Err() == nil:
		res.ExitCode = ee.ExitCode()
		return res, nil
	default:
		res.ExitCode = -1
		return res, err
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
