package domain

import (
	"context"
	"sync"
	"time"
)

// Run is one execution of a definition. Its status only moves forward: once
// terminal it never changes, so a cancelled run that races to completion keeps
// its Cancelled status.
type Run struct {
	ID         string
	Definition *PipelineDefinition
	GroupKey   string
	Trigger    TriggerContext
	CreatedAt  time.Time

	mu           sync.Mutex
	status       RunStatus
	supersededBy string
	cancel       context.CancelFunc
}

func NewRun(id string, m Match, cancel context.CancelFunc) *Run {
	return &Run{
		ID:         id,
		Definition: m.Definition,
		GroupKey:   m.GroupKey,
		Trigger:    m.Trigger,
		CreatedAt:  time.Now(),
		status:     StatusPending,
		cancel:     cancel,
	}
}

func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) SupersededBy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.supersededBy
}

// Advance moves a non-terminal run to the next non-terminal status.
func (r *Run) Advance(to RunStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() || to.Terminal() {
		return false
	}
	r.status = to
	return true
}

// Finish sets a terminal status unless one is already set, and returns the
// status the run ends with.
func (r *Run) Finish(to RunStatus) RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.Terminal() {
		r.status = to
	}
	return r.status
}

// Cancel marks the run Cancelled and signals its context. supersededBy is
// empty when the cancel did not come from a newer run.
func (r *Run) Cancel(supersededBy string) bool {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.status = StatusCancelled
	r.supersededBy = supersededBy
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

type RunSnapshot struct {
	ID         string    `json:"id"`
	Definition string    `json:"definition"`
	GroupKey   string    `json:"group_key"`
	Ref        string    `json:"ref"`
	Status     RunStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r *Run) Snapshot() RunSnapshot {
	name := ""
	if r.Definition != nil {
		name = r.Definition.Name
	}
	return RunSnapshot{
		ID:         r.ID,
		Definition: name,
		GroupKey:   r.GroupKey,
		Ref:        r.Trigger.Ref,
		Status:     r.Status(),
		CreatedAt:  r.CreatedAt,
	}
}
