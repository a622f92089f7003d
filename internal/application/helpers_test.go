package application

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/stretchr/testify/require"
)

const (
	primaryURL = "https://git.example.com/acme/app.git"
	depURL     = "https://git.example.com/acme/lib.git"
	toolsURL   = "https://git.example.com/acme/tools.git"
)

func fastRetry(n int) RetryPolicy {
	return RetryPolicy{Retries: n, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

// ciDefinition is the push-to-main definition with independent build and
// check jobs.
func ciDefinition() *domain.PipelineDefinition {
	return &domain.PipelineDefinition{
		Name:          "ci",
		Repository:    primaryURL,
		DefaultBranch: "main",
		Triggers: []domain.Trigger{
			domain.PushTrigger{Branches: []string{"main"}},
			domain.ScheduleTrigger{Cron: "0 3 * * *"},
			domain.ManualTrigger{},
		},
		Concurrency: domain.Concurrency{Group: "{defName}-{ref}", CancelInProgress: true},
		Workspace: domain.WorkspaceSpec{
			Dependencies: []domain.Dependency{
				{Repo: domain.RepoRef{URL: depURL, Ref: "main"}, Path: "../lib"},
			},
		},
		Jobs: []domain.Job{
			{Name: "build", RunsOn: "high-cpu", Steps: []domain.Step{
				domain.RunStep{Command: "cargo build"},
			}},
			{Name: "check", RunsOn: "default", Steps: []domain.Step{
				domain.RunStep{Command: "cargo fmt --check"},
				domain.RunStep{Command: "cargo clippy"},
			}},
		},
	}
}

func repoFiles() map[string]map[string]string {
	return map[string]map[string]string{
		primaryURL: {"Cargo.toml": "[package]\nname = \"app\"\n", "src/main.rs": "fn main() {}\n"},
		depURL:     {"Cargo.toml": "[package]\nname = \"lib\"\n"},
		toolsURL:   {"bin/tool.sh": "#!/bin/sh\n"},
	}
}

func sequenceIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

// tree lists every regular file under dir with its content.
func tree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		out[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}
