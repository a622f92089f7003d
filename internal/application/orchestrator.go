package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

const reportTimeout = 10 * time.Second

type WorkspaceAssembler interface {
	Assemble(ctx context.Context, runID string, primary domain.RepoRef, deps []domain.Dependency) (*domain.Workspace, error)
	Dispose(ws *domain.Workspace)
}

type Orchestrator struct {
	log       *zap.Logger
	router    *Router
	groups    *GroupManager
	assembler WorkspaceAssembler
	jobs      *JobRunner
	reporter  domain.Reporter
	newID     func() string
	now       func() time.Time

	runs conc.WaitGroup

	mu     sync.Mutex
	active map[string]*domain.Run
}

type OrchestratorOption func(*Orchestrator)

func WithIDGenerator(fn func() string) OrchestratorOption {
	return func(o *Orchestrator) { o.newID = fn }
}

func WithClock(fn func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = fn }
}

func NewOrchestrator(
	l *zap.Logger,
	router *Router,
	groups *GroupManager,
	assembler WorkspaceAssembler,
	jobs *JobRunner,
	reporter domain.Reporter,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		log:       l,
		router:    router,
		groups:    groups,
		assembler: assembler,
		jobs:      jobs,
		reporter:  reporter,
		newID:     uuid.NewString,
		now:       time.Now,
		active:    make(map[string]*domain.Run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnEvent routes ev and starts one run per matching definition. Group
// admission happens before OnEvent returns, so admission order within a group
// follows call order. Runs execute in the background; ctx only bounds routing.
func (o *Orchestrator) OnEvent(ctx context.Context, ev domain.Event) ([]*domain.Run, error) {
	matches, err := o.router.Route(ev)
	if err != nil {
		return nil, err
	}

	runs := make([]*domain.Run, 0, len(matches))
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return runs, err
		}

		runCtx, cancel := context.WithCancel(context.Background())
		run := domain.NewRun(o.newID(), m, cancel)
		o.track(run)

		adm := o.groups.Admit(run, m.Definition.Concurrency.CancelInProgress)
		for _, id := range adm.Superseded {
			o.log.Info("run superseded",
				zap.String("run", id),
				zap.String("by", run.ID),
				zap.String("group", run.GroupKey),
			)
		}

		o.log.Info("run created",
			zap.String("run", run.ID),
			zap.String("pipeline", m.Definition.Name),
			zap.String("group", run.GroupKey),
			zap.String("trigger", string(m.Trigger.Kind)),
		)

		o.runs.Go(func() {
			defer cancel()
			o.execute(runCtx, adm)
		})
		runs = append(runs, run)
	}
	return runs, nil
}

// Wait blocks until every started run has been reported.
func (o *Orchestrator) Wait() { o.runs.Wait() }

// Cancel stops a run on request. The run is reported Cancelled with no
// superseding run.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	run := o.active[runID]
	o.mu.Unlock()
	if run == nil {
		return false
	}
	return run.Cancel("")
}

func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	runs := make([]*domain.Run, 0, len(o.active))
	for _, r := range o.active {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.Cancel("")
	}
}

func (o *Orchestrator) Active() []domain.RunSnapshot {
	o.mu.Lock()
	out := make([]domain.RunSnapshot, 0, len(o.active))
	for _, r := range o.active {
		out = append(out, r.Snapshot())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (o *Orchestrator) Groups() map[string]string { return o.groups.Occupants() }

func (o *Orchestrator) execute(ctx context.Context, adm *Admission) {
	run := adm.Run
	res := domain.RunResult{
		RunID:      run.ID,
		Definition: run.Definition.Name,
		GroupKey:   run.GroupKey,
		Trigger:    run.Trigger.Kind,
		Repo:       run.Trigger.Repo,
		Ref:        run.Trigger.Ref,
		SHA:        run.Trigger.SHA,
		StartedAt:  o.now(),
	}

	select {
	case <-adm.Ready():
	case <-ctx.Done():
		o.groups.Release(run)
		o.finish(run, &res, domain.StatusCancelled)
		return
	}
	defer o.groups.Release(run)

	if !run.Advance(domain.StatusAssembling) {
		o.finish(run, &res, domain.StatusCancelled)
		return
	}

	def := run.Definition
	ws, err := o.assembler.Assemble(ctx, run.ID, PrimaryRepo(def, run.Trigger), def.Workspace.Dependencies)
	if err != nil {
		if ctx.Err() == nil {
			res.Failure = &domain.Failure{Phase: "assemble", StepIndex: -1, Error: err.Error()}
		}
		o.finish(run, &res, domain.StatusFailed)
		return
	}
	defer o.assembler.Dispose(ws)

	if !run.Advance(domain.StatusRunning) {
		o.finish(run, &res, domain.StatusCancelled)
		return
	}

	res.Jobs = o.runJobs(ctx, run, ws)

	status := domain.StatusSucceeded
	for _, jr := range res.Jobs {
		if jr.Status != domain.StatusSucceeded {
			status = domain.StatusFailed
			res.Failure = jobFailure(def, jr)
			break
		}
	}
	o.finish(run, &res, status)
}

// runJobs fans every job out to its own goroutine. A panicking job fails on
// its own without taking siblings down.
func (o *Orchestrator) runJobs(ctx context.Context, run *domain.Run, ws *domain.Workspace) []domain.JobResult {
	jobs := run.Definition.Jobs
	results := make([]domain.JobResult, len(jobs))

	var wg conc.WaitGroup
	for i, job := range jobs {
		sc := &StepContext{
			RunID:      run.ID,
			Definition: run.Definition.Name,
			Ref:        run.Trigger.Ref,
			Job:        job,
			Workspace:  ws,
			Env:        jobEnv(run, job, ws),
		}
		wg.Go(func() {
			var pc panics.Catcher
			pc.Try(func() { results[i] = o.jobs.Run(ctx, sc) })
			if r := pc.Recovered(); r != nil {
				o.log.Error("job panicked", zap.String("run", run.ID), zap.String("job", job.Name), zap.Any("panic", r.Value))
				results[i] = domain.JobResult{
					Name:   job.Name,
					Status: domain.StatusFailed,
					Steps:  []domain.StepLog{{Index: 0, Name: "job", ExitCode: -1, Error: fmt.Sprintf("panic: %v", r.Value)}},
				}
			}
		})
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) finish(run *domain.Run, res *domain.RunResult, status domain.RunStatus) {
	res.Status = run.Finish(status)
	res.FinishedAt = o.now()

	if res.Status == domain.StatusCancelled {
		res.Failure = nil
		res.SupersededBy = run.SupersededBy()
	}

	fields := []zap.Field{
		zap.String("run", run.ID),
		zap.String("pipeline", res.Definition),
		zap.String("status", string(res.Status)),
		zap.Duration("took", res.Duration()),
	}
	if res.Failure != nil {
		fields = append(fields, zap.String("failed_job", res.Failure.Job), zap.String("failed_step", res.Failure.StepName))
	}
	if res.SupersededBy != "" {
		fields = append(fields, zap.String("superseded_by", res.SupersededBy))
	}
	o.log.Info("run finished", fields...)

	if o.reporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		if err := o.reporter.Report(ctx, *res); err != nil {
			o.log.Warn("report failed", zap.String("run", run.ID), zap.Error(err))
		}
		cancel()
	}

	o.untrack(run)
}

func (o *Orchestrator) track(run *domain.Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[run.ID] = run
}

func (o *Orchestrator) untrack(run *domain.Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, run.ID)
}

func jobFailure(def *domain.PipelineDefinition, jr domain.JobResult) *domain.Failure {
	if s, ok := jr.FailedStep(); ok {
		return &domain.Failure{
			Phase:     "job",
			Job:       jr.Name,
			StepIndex: s.Index,
			StepName:  s.Name,
			Output:    s.Output,
			Error:     s.Error,
		}
	}

	f := &domain.Failure{Phase: "job", Job: jr.Name, StepIndex: len(jr.Steps), Error: "job " + string(jr.Status)}
	if jr.TimedOut {
		f.Error = "job timed out"
	}
	for _, j := range def.Jobs {
		if j.Name == jr.Name && f.StepIndex < len(j.Steps) {
			f.StepName = j.Steps[f.StepIndex].Title()
		}
	}
	return f
}

func jobEnv(run *domain.Run, job domain.Job, ws *domain.Workspace) map[string]string {
	return map[string]string{
		"CI":              "true",
		"CI_RUN_ID":       run.ID,
		"CI_PIPELINE":     run.Definition.Name,
		"CI_JOB":          job.Name,
		"CI_RUNNER_CLASS": job.RunsOn,
		"CI_EVENT":        string(run.Trigger.Kind),
		"CI_REF":          run.Trigger.Ref,
		"CI_SHA":          run.Trigger.SHA,
		"CI_WORKSPACE":    ws.Root,
	}
}
