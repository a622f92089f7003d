package cli

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/config"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/logging"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/report_text"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// collector keeps every reported result for printing once all runs end.
type collector struct {
	mu      sync.Mutex
	results []domain.RunResult
}

func (c *collector) Report(_ context.Context, r domain.RunResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

func (c *collector) sorted() []domain.RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]domain.RunResult(nil), c.results...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

var triggerEvent domain.Event

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Deliver one event locally and wait for the runs it starts",
	Example: `  ci-orchestrator trigger --kind push --branch main --sha 1a2b3c
  ci-orchestrator trigger --kind workflow_dispatch --pipeline nightly`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log := logging.New(levelFor(cfg.Log.Level))
		defer func() { _ = log.Sync() }()

		defs, err := loadDefinitions(cfg)
		if err != nil {
			return err
		}

		ev := triggerEvent
		if ev.Kind == domain.EventScheduled && ev.FiredAt.IsZero() {
			ev.FiredAt = time.Now()
		}

		sink := &collector{}
		eng, err := buildEngine(cmd.Context(), log, cfg, defs, sink)
		if err != nil {
			return err
		}
		defer eng.Close()

		out := cmd.OutOrStdout()
		runs, err := eng.orch.OnEvent(cmd.Context(), ev)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			_, _ = fmt.Fprintln(out, "no pipeline matched")
			return nil
		}
		log.Debug("runs started", zap.Int("runs", len(runs)))

		eng.orch.Wait()

		failed := 0
		for i, r := range sink.sorted() {
			if i > 0 {
				_, _ = fmt.Fprintln(out)
			}
			if err := report_text.Render(out, r); err != nil {
				return err
			}
			if r.Status != domain.StatusSucceeded {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d runs did not succeed", failed, len(runs))
		}
		return nil
	},
}

func init() {
	f := triggerCmd.Flags()
	f.StringVar((*string)(&triggerEvent.Kind), "kind", string(domain.EventPush), "event kind: push, pull_request, workflow_dispatch, schedule")
	f.StringVar(&triggerEvent.Repo, "repo", "", "repository that produced the event")
	f.StringVar(&triggerEvent.Branch, "branch", "", "branch name (push)")
	f.StringVar(&triggerEvent.Ref, "ref", "", "full ref, overrides --branch")
	f.StringVar(&triggerEvent.SHA, "sha", "", "commit to build")
	f.IntVar(&triggerEvent.Number, "number", 0, "pull request number")
	f.StringVar(&triggerEvent.Pipeline, "pipeline", "", "pipeline name (workflow_dispatch)")
	f.StringVar(&triggerEvent.Cron, "cron", "", "cron expression (schedule)")

	_ = triggerCmd.RegisterFlagCompletionFunc("pipeline", completePipelineNames)
	rootCmd.AddCommand(triggerCmd)
}
