package application

import (
	"fmt"
	"strings"
	"sync"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"go.uber.org/zap"
)

const DefaultGroupTemplate = "{defName}-{ref}"

type Router struct {
	log *zap.Logger

	mu   sync.RWMutex
	defs []*domain.PipelineDefinition
}

func NewRouter(l *zap.Logger, defs []*domain.PipelineDefinition) *Router {
	return &Router{log: l, defs: defs}
}

func (r *Router) UpdateDefinitions(defs []*domain.PipelineDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = defs
	r.log.Info("definitions reloaded", zap.Int("pipelines", len(defs)))
}

func (r *Router) Definitions() []*domain.PipelineDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.PipelineDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Route selects every loaded definition with a trigger matching ev. It has no
// side effects beyond logging.
func (r *Router) Route(ev domain.Event) ([]domain.Match, error) {
	switch ev.Kind {
	case domain.EventPush, domain.EventPullRequest, domain.EventManual, domain.EventScheduled:
	default:
		r.log.Warn("rejected event", zap.String("kind", string(ev.Kind)))
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEvent, ev.Kind)
	}
	if (ev.Kind == domain.EventPush || ev.Kind == domain.EventPullRequest) && eventRef(ev) == "" {
		r.log.Warn("rejected event without ref", zap.String("kind", string(ev.Kind)))
		return nil, fmt.Errorf("%w: %s", domain.ErrUnresolvedRef, ev.Kind)
	}

	var out []domain.Match
	for _, def := range r.Definitions() {
		if ev.Pipeline != "" && ev.Pipeline != def.Name {
			continue
		}

		tc := triggerContext(def, ev)
		if !sameRepo(def.Repository, tc.Repo) {
			continue
		}

		for _, t := range def.Triggers {
			if triggerMatches(t, ev) {
				out = append(out, domain.Match{
					Definition: def,
					GroupKey:   GroupKey(def, tc),
					Trigger:    tc,
				})
				break
			}
		}
	}

	r.log.Debug("routed event",
		zap.String("kind", string(ev.Kind)),
		zap.String("ref", eventRef(ev)),
		zap.Int("matches", len(out)),
	)
	return out, nil
}

func triggerMatches(t domain.Trigger, ev domain.Event) bool {
	switch t := t.(type) {
	case domain.PushTrigger:
		return ev.Kind == domain.EventPush && t.MatchesBranch(eventBranch(ev))
	case domain.PullRequestTrigger:
		return ev.Kind == domain.EventPullRequest
	case domain.ManualTrigger:
		return ev.Kind == domain.EventManual
	case domain.ScheduleTrigger:
		return ev.Kind == domain.EventScheduled && (ev.Cron == "" || ev.Cron == t.Cron)
	default:
		return false
	}
}

func triggerContext(def *domain.PipelineDefinition, ev domain.Event) domain.TriggerContext {
	tc := domain.TriggerContext{
		Kind:    ev.Kind,
		Repo:    ev.Repo,
		SHA:     ev.SHA,
		FiredAt: ev.FiredAt,
		Ref:     eventRef(ev),
	}

	switch ev.Kind {
	case domain.EventScheduled:
		tc.Ref = domain.ScheduleRef
		tc.SHA = ""
		if tc.Repo == "" {
			tc.Repo = def.Repository
		}
	case domain.EventManual:
		if tc.Ref == "" {
			tc.Ref = fullRef(def.DefaultBranch)
		}
		if tc.Repo == "" {
			tc.Repo = def.Repository
		}
	}
	return tc
}

// eventRef resolves the full ref an event refers to. Every non-scheduled
// result starts with "refs/", so only scheduled runs carry ScheduleRef.
func eventRef(ev domain.Event) string {
	ref, branch := strings.TrimSpace(ev.Ref), strings.TrimSpace(ev.Branch)
	switch ev.Kind {
	case domain.EventScheduled:
		return domain.ScheduleRef
	case domain.EventPullRequest:
		if ref == "" && ev.Number > 0 {
			return fmt.Sprintf("refs/pull/%d/merge", ev.Number)
		}
		branch = ""
	}
	if ref != "" {
		return fullRef(ref)
	}
	if branch != "" {
		return fullRef(branch)
	}
	return ""
}

// fullRef qualifies a bare branch name. An empty name means the default
// branch.
func fullRef(ref string) string {
	switch {
	case strings.HasPrefix(ref, "refs/"):
		return ref
	case ref == "":
		return "refs/heads/main"
	}
	return "refs/heads/" + ref
}

func eventBranch(ev domain.Event) string {
	return strings.TrimPrefix(eventRef(ev), "refs/heads/")
}

// GroupKey renders the definition's concurrency template for a trigger.
func GroupKey(def *domain.PipelineDefinition, tc domain.TriggerContext) string {
	tmpl := def.Concurrency.Group
	if tmpl == "" {
		tmpl = DefaultGroupTemplate
	}
	return strings.NewReplacer(
		"{defName}", def.Name,
		"{ref}", tc.Ref,
		"{event}", string(tc.Kind),
		"${{ github.workflow }}", def.Name,
		"${{ github.ref }}", tc.Ref,
	).Replace(tmpl)
}

func sameRepo(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return normalizeRepo(a) == normalizeRepo(b)
}

func normalizeRepo(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "/")
	return strings.TrimSuffix(s, ".git")
}
