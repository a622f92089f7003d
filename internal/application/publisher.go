package application

import (
	"context"
	"sync"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// Publisher fans a finished run out to every sink. Sink failures are logged
// and never surface to the run. Notifications fire only when a group's status
// changes.
type Publisher struct {
	log   *zap.Logger
	cache domain.StatusCache
	note  domain.Notifier
	sinks []domain.Reporter

	mu   sync.Mutex
	last map[string]domain.RunStatus
}

func NewPublisher(l *zap.Logger, cache domain.StatusCache, note domain.Notifier, sinks ...domain.Reporter) *Publisher {
	return &Publisher{
		log: l, cache: cache, note: note, sinks: sinks,
		last: make(map[string]domain.RunStatus),
	}
}

func (p *Publisher) Report(ctx context.Context, r domain.RunResult) error {
	if p.cache != nil {
		if err := p.cache.Write(ctx, r); err != nil {
			p.log.Warn("status cache write failed", zap.String("run", r.RunID), zap.Error(err))
		}
	}

	for _, s := range p.sinks {
		if err := s.Report(ctx, r); err != nil {
			p.log.Warn("reporter failed", zap.String("run", r.RunID), zap.Error(err))
		}
	}

	if p.note == nil || !p.changed(r) {
		return nil
	}
	if err := p.note.Notify(ctx, titleFor(r.Status), bodyFor(r), ""); err != nil {
		p.log.Warn("notify failed", zap.String("run", r.RunID), zap.Error(err))
	}
	return nil
}

// changed records r's status for its group. Superseded runs are ignored so a
// quick re-push does not flap the notification.
func (p *Publisher) changed(r domain.RunResult) bool {
	if r.Status == domain.StatusCancelled && r.SupersededBy != "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.last[r.GroupKey]
	p.last[r.GroupKey] = r.Status
	return !ok || prev != r.Status
}

func titleFor(s domain.RunStatus) string {
	switch s {
	case domain.StatusSucceeded:
		return "✅ CI: success"
	case domain.StatusFailed:
		return "❌ CI: failed"
	case domain.StatusRunning:
		return "▶️ CI: running"
	case domain.StatusCancelled:
		return "⛔ CI: canceled"
	default:
		return "ℹ️ CI: " + string(s)
	}
}

func bodyFor(r domain.RunResult) string {
	id := r.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	body := r.Definition + " #" + id + " (" + r.Ref + ")"
	if f := r.Failure; f != nil {
		if f.Job != "" {
			body += "\n" + f.Job + ": " + f.StepName
		} else {
			body += "\n" + f.Error
		}
	}
	return body
}
