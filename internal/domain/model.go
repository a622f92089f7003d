package domain

import (
	"time"
)

type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
	EventManual      EventKind = "workflow_dispatch"
	EventScheduled   EventKind = "schedule"
)

// ScheduleRef stands in for the ref of scheduled runs. It is not a valid full
// ref, so keys derived from it never equal a push or pull-request key.
const ScheduleRef = "schedule"

type Event struct {
	Kind     EventKind `json:"kind"`
	Repo     string    `json:"repo,omitempty"`
	Branch   string    `json:"branch,omitempty"`
	Ref      string    `json:"ref,omitempty"`
	SHA      string    `json:"sha,omitempty"`
	Number   int       `json:"number,omitempty"`
	Pipeline string    `json:"pipeline,omitempty"`
	Cron     string    `json:"cron,omitempty"`
	FiredAt  time.Time `json:"fired_at,omitempty"`
}

type RepoRef struct {
	URL string
	Ref string
	LFS bool
}

type Dependency struct {
	Repo RepoRef
	Path string
}

type Concurrency struct {
	Group            string
	CancelInProgress bool
}

type WorkspaceSpec struct {
	Primary      *RepoRef
	Dependencies []Dependency
}

type PipelineDefinition struct {
	Name          string
	Repository    string
	DefaultBranch string
	Triggers      []Trigger
	Concurrency   Concurrency
	Workspace     WorkspaceSpec
	Jobs          []Job
}

type Job struct {
	Name    string
	RunsOn  string
	Timeout time.Duration
	Steps   []Step
}

// TriggerContext is what the router extracted from the event that selected a
// definition.
type TriggerContext struct {
	Kind    EventKind
	Repo    string
	Ref     string
	SHA     string
	FiredAt time.Time
}

type Match struct {
	Definition *PipelineDefinition
	GroupKey   string
	Trigger    TriggerContext
}

type Workspace struct {
	Root    string
	Primary string
	Placed  []string
}

type StepLog struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Output   string `json:"output,omitempty"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

type JobResult struct {
	Name     string    `json:"name"`
	Status   RunStatus `json:"status"`
	TimedOut bool      `json:"timed_out,omitempty"`
	Steps    []StepLog `json:"steps"`
}

// FailedStep returns the log of the step that failed the job, if any.
func (j JobResult) FailedStep() (StepLog, bool) {
	for _, s := range j.Steps {
		if s.Error != "" {
			return s, true
		}
	}
	return StepLog{}, false
}

type Failure struct {
	Phase     string `json:"phase"`
	Job       string `json:"job,omitempty"`
	StepIndex int    `json:"step_index"`
	StepName  string `json:"step_name,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error"`
}

type RunResult struct {
	RunID        string      `json:"run_id"`
	Definition   string      `json:"definition"`
	GroupKey     string      `json:"group_key"`
	Trigger      EventKind   `json:"trigger"`
	Repo         string      `json:"repo,omitempty"`
	Ref          string      `json:"ref"`
	SHA          string      `json:"sha,omitempty"`
	Status       RunStatus   `json:"status"`
	Failure      *Failure    `json:"failure,omitempty"`
	SupersededBy string      `json:"superseded_by,omitempty"`
	Jobs         []JobResult `json:"jobs,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
}

func (r RunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type Command struct {
	Line string
	Dir  string
	Env  map[string]string
}

type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (c CommandResult) Output() string {
	if c.Stderr == "" {
		return c.Stdout
	}
	if c.Stdout == "" {
		return c.Stderr
	}
	return c.Stdout + c.Stderr
}
