package application

import (
	"context"
	"errors"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"go.uber.org/zap"
)

type StepRunner interface {
	Execute(ctx context.Context, sc *StepContext, step domain.Step) StepOutcome
}

type JobRunner struct {
	log   *zap.Logger
	steps StepRunner
}

func NewJobRunner(l *zap.Logger, steps StepRunner) *JobRunner {
	return &JobRunner{log: l, steps: steps}
}

// Run executes the job's steps in order and stops at the first failure.
// Cancellation of ctx (or the job timeout) is observed between steps only: a
// step that already started runs to completion.
func (j *JobRunner) Run(ctx context.Context, sc *StepContext) domain.JobResult {
	job := sc.Job
	res := domain.JobResult{Name: job.Name, Status: domain.StatusRunning}

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	log := j.log.With(zap.String("run", sc.RunID), zap.String("job", job.Name))
	log.Info("job started", zap.String("runs_on", job.RunsOn), zap.Int("steps", len(job.Steps)))

	for i, step := range job.Steps {
		if err := ctx.Err(); err != nil {
			return cancelled(log, res, err)
		}

		out := j.steps.Execute(context.WithoutCancel(ctx), sc, step)

		entry := domain.StepLog{Index: i, Name: step.Title(), Output: out.Output, ExitCode: out.ExitCode}
		if out.Err != nil {
			entry.Error = out.Err.Error()
		}
		res.Steps = append(res.Steps, entry)

		if err := ctx.Err(); err != nil {
			return cancelled(log, res, err)
		}
		if out.Err != nil {
			res.Status = domain.StatusFailed
			log.Warn("job failed",
				zap.Int("step", i),
				zap.String("step_name", entry.Name),
				zap.Int("exit_code", out.ExitCode),
				zap.Error(out.Err),
			)
			return res
		}
	}

	res.Status = domain.StatusSucceeded
	log.Info("job succeeded")
	return res
}

func cancelled(log *zap.Logger, res domain.JobResult, err error) domain.JobResult {
	res.Status = domain.StatusCancelled
	res.TimedOut = errors.Is(err, context.DeadlineExceeded)
	log.Info("job cancelled", zap.Bool("timed_out", res.TimedOut))
	return res
}
