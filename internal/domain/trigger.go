package domain

import "path"

// Trigger is a closed set: PushTrigger, PullRequestTrigger, ManualTrigger and
// ScheduleTrigger are its only implementations.
type Trigger interface {
	Kind() EventKind
	isTrigger()
}

type PushTrigger struct {
	Branches []string
}

type PullRequestTrigger struct{}

type ManualTrigger struct{}

type ScheduleTrigger struct {
	Cron string
}

func (PushTrigger) Kind() EventKind        { return EventPush }
func (PullRequestTrigger) Kind() EventKind { return EventPullRequest }
func (ManualTrigger) Kind() EventKind      { return EventManual }
func (ScheduleTrigger) Kind() EventKind    { return EventScheduled }

func (PushTrigger) isTrigger()        {}
func (PullRequestTrigger) isTrigger() {}
func (ManualTrigger) isTrigger()      {}
func (ScheduleTrigger) isTrigger()    {}

// MatchesBranch reports whether branch passes the filter. An empty filter
// accepts every branch.
func (t PushTrigger) MatchesBranch(branch string) bool {
	if len(t.Branches) == 0 {
		return true
	}
	for _, pattern := range t.Branches {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}
