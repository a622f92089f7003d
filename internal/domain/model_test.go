package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushTrigger_MatchesBranch(t *testing.T) {
	tr := PushTrigger{Branches: []string{"main", "release/*"}}

	assert.True(t, tr.MatchesBranch("main"))
	assert.True(t, tr.MatchesBranch("release/1.2"))
	assert.False(t, tr.MatchesBranch("feature/x"))
	assert.True(t, PushTrigger{}.MatchesBranch("anything"))
}

func TestRun_TerminalStatusIsSticky(t *testing.T) {
	cancelled := 0
	r := NewRun("r1", Match{GroupKey: "k"}, func() { cancelled++ })

	assert.True(t, r.Advance(StatusAssembling))
	assert.True(t, r.Cancel("r2"))
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, StatusCancelled, r.Status())
	assert.Equal(t, "r2", r.SupersededBy())

	assert.False(t, r.Advance(StatusRunning))
	assert.Equal(t, StatusCancelled, r.Finish(StatusSucceeded))
	assert.False(t, r.Cancel("r3"))
	assert.Equal(t, "r2", r.SupersededBy())
}

func TestJobResult_FailedStep(t *testing.T) {
	j := JobResult{Steps: []StepLog{
		{Index: 0, Name: "a"},
		{Index: 1, Name: "b", Error: "boom"},
	}}
	s, ok := j.FailedStep()
	assert.True(t, ok)
	assert.Equal(t, "b", s.Name)

	_, ok = JobResult{}.FailedStep()
	assert.False(t, ok)
}

func TestStepTitle(t *testing.T) {
	assert.Equal(t, "Build", RunStep{Name: "Build", Command: "make"}.Title())
	assert.Equal(t, "run make", RunStep{Command: "make"}.Title())
	assert.Equal(t, "move a -> b", MoveStep{From: "a", To: "b"}.Title())
}
