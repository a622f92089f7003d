package application

import (
	"testing"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRoute_PushToFilteredBranch(t *testing.T) {
	r := NewRouter(zap.NewNop(), []*domain.PipelineDefinition{ciDefinition()})

	m, err := r.Route(domain.Event{Kind: domain.EventPush, Repo: primaryURL, Branch: "main", SHA: "abc"})
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, "ci-refs/heads/main", m[0].GroupKey)
	assert.Equal(t, "refs/heads/main", m[0].Trigger.Ref)
	assert.Equal(t, "abc", m[0].Trigger.SHA)

	m, err = r.Route(domain.Event{Kind: domain.EventPush, Repo: primaryURL, Branch: "feature/x"})
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestRoute_GroupKeysSeparateBranchesOnly(t *testing.T) {
	def := ciDefinition()
	def.Triggers = []domain.Trigger{domain.PushTrigger{}}
	r := NewRouter(zap.NewNop(), []*domain.PipelineDefinition{def})

	key := func(ref string) string {
		m, err := r.Route(domain.Event{Kind: domain.EventPush, Ref: ref})
		require.NoError(t, err)
		require.Len(t, m, 1)
		return m[0].GroupKey
	}

	assert.Equal(t, key("refs/heads/main"), key("refs/heads/main"))
	assert.NotEqual(t, key("refs/heads/main"), key("refs/heads/dev"))
}

func TestRoute_ScheduleKeyDisjointFromPushKeys(t *testing.T) {
	def := ciDefinition()
	def.Triggers = []domain.Trigger{domain.PushTrigger{}, domain.ScheduleTrigger{Cron: "0 3 * * *"}}
	r := NewRouter(zap.NewNop(), []*domain.PipelineDefinition{def})

	sched, err := r.Route(domain.Event{Kind: domain.EventScheduled, Cron: "0 3 * * *"})
	require.NoError(t, err)
	require.Len(t, sched, 1)
	assert.Equal(t, "ci-schedule", sched[0].GroupKey)
	assert.Equal(t, primaryURL, sched[0].Trigger.Repo)

	// even a branch literally named "schedule" gets a different key
	push, err := r.Route(domain.Event{Kind: domain.EventPush, Branch: "schedule"})
	require.NoError(t, err)
	require.Len(t, push, 1)
	assert.NotEqual(t, sched[0].GroupKey, push[0].GroupKey)
}

func TestRoute_BareRefsQualified(t *testing.T) {
	def := ciDefinition()
	def.Triggers = []domain.Trigger{domain.PushTrigger{}, domain.ScheduleTrigger{Cron: "0 3 * * *"}}
	r := NewRouter(zap.NewNop(), []*domain.PipelineDefinition{def})

	sched, err := r.Route(domain.Event{Kind: domain.EventScheduled, Cron: "0 3 * * *", Ref: "refs/heads/main"})
	require.NoError(t, err)
	require.Len(t, sched, 1)
	assert.Equal(t, "ci-schedule", sched[0].GroupKey)

	// a raw ref equal to the schedule token is still a branch
	push, err := r.Route(domain.Event{Kind: domain.EventPush, Ref: "schedule"})
	require.NoError(t, err)
	require.Len(t, push, 1)
	assert.Equal(t, "ci-refs/heads/schedule", push[0].GroupKey)
	assert.NotEqual(t, sched[0].GroupKey, push[0].GroupKey)

	byRef, err := r.Route(domain.Event{Kind: domain.EventPush, Ref: "dev"})
	require.NoError(t, err)
	byBranch, err := r.Route(domain.Event{Kind: domain.EventPush, Branch: "dev"})
	require.NoError(t, err)
	require.Len(t, byRef, 1)
	require.Len(t, byBranch, 1)
	assert.Equal(t, byBranch[0].GroupKey, byRef[0].GroupKey)
	assert.Equal(t, "refs/heads/dev", byRef[0].Trigger.Ref)
}

func TestRoute_EventWithoutRefRejected(t *testing.T) {
	def := ciDefinition()
	def.Triggers = []domain.Trigger{domain.PushTrigger{}, domain.PullRequestTrigger{}, domain.ManualTrigger{}}
	r := NewRouter(zap.NewNop(), []*domain.PipelineDefinition{def})

	for _, ev := range []domain.Event{
		{Kind: domain.EventPush},
		{Kind: domain.EventPush, Ref: "  ", SHA: "abc"},
		{Kind: domain.EventPullRequest},
		{Kind: domain.EventPullRequest, Branch: "feature"},
	} {
		m, err := r.Route(ev)
		assert.ErrorIsf(t, err, domain.ErrUnresolvedRef, "%+v", ev)
		assert.Empty(t, m)
	}

	// manual dispatch falls back to the default branch, or main without one
	def.DefaultBranch = ""
	m, err := r.Route(domain.Event{Kind: domain.EventManual})
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, "ci-refs/heads/main", m[0].GroupKey)
}

func TestRoute_ScheduleMatchesOnlyItsExpression(t *testing.T) {
	r := NewRouter(zap.NewNop(), []*domain.PipelineDefinition{ciDefinition()})

	m, err := r.Route(domain.Event{Kind: domain.EventScheduled, Cron: "*/5 * * * *"})
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestRoute_UnknownKindRejected(t *testing.T) {
	r := NewRouter(zap.NewNop(), []*domain.PipelineDefinition{ciDefinition()})

	m, err := r.Route(domain.Event{Kind: "tag"})
	assert.ErrorIs(t, err, domain.ErrUnknownEvent)
	assert.Empty(t, m)

	// the router keeps working afterwards
	m, err = r.Route(domain.Event{Kind: domain.EventPush, Branch: "main"})
	require.NoError(t, err)
	assert.Len(t, m, 1)
}

func TestRoute_ManualDispatchTargetsPipeline(t *testing.T) {
	other := ciDefinition()
	other.Name = "nightly"
	r := NewRouter(zap.NewNop(), []*domain.PipelineDefinition{ciDefinition(), other})

	m, err := r.Route(domain.Event{Kind: domain.EventManual, Pipeline: "nightly"})
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, "nightly", m[0].Definition.Name)
	assert.Equal(t, "refs/heads/main", m[0].Trigger.Ref)

	m, err = r.Route(domain.Event{Kind: domain.EventManual})
	require.NoError(t, err)
	assert.Len(t, m, 2)
}

func TestRoute_PullRequestWithoutTrigger(t *testing.T) {
	r := NewRouter(zap.NewNop(), []*domain.PipelineDefinition{ciDefinition()})

	m, err := r.Route(domain.Event{Kind: domain.EventPullRequest, Number: 7})
	require.NoError(t, err)
	assert.Empty(t, m)

	def := ciDefinition()
	def.Triggers = append(def.Triggers, domain.PullRequestTrigger{})
	r.UpdateDefinitions([]*domain.PipelineDefinition{def})

	m, err = r.Route(domain.Event{Kind: domain.EventPullRequest, Number: 7})
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, "ci-refs/pull/7/merge", m[0].GroupKey)
}

func TestRoute_OtherRepositoryIgnored(t *testing.T) {
	r := NewRouter(zap.NewNop(), []*domain.PipelineDefinition{ciDefinition()})

	m, err := r.Route(domain.Event{Kind: domain.EventPush, Repo: "https://git.example.com/acme/other", Branch: "main"})
	require.NoError(t, err)
	assert.Empty(t, m)

	m, err = r.Route(domain.Event{Kind: domain.EventPush, Repo: "https://git.example.com/ACME/app/", Branch: "main"})
	require.NoError(t, err)
	assert.Len(t, m, 1)
}

func TestGroupKey_WorkflowStyleTemplate(t *testing.T) {
	def := ciDefinition()
	def.Concurrency.Group = "${{ github.workflow }}-${{ github.ref }}"
	tc := domain.TriggerContext{Kind: domain.EventPush, Ref: "refs/heads/main"}
	assert.Equal(t, "ci-refs/heads/main", GroupKey(def, tc))

	def.Concurrency.Group = ""
	assert.Equal(t, "ci-refs/heads/main", GroupKey(def, tc))
}
