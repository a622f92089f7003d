package application

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type EventSink interface {
	OnEvent(ctx context.Context, ev domain.Event) ([]*domain.Run, error)
}

// Scheduler turns the cron triggers of loaded definitions into scheduled
// events, one per distinct expression.
type Scheduler struct {
	log       *zap.Logger
	sink      EventSink
	pauseFile string
	cron      *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries []cron.EntryID
	specs   []string
}

func NewScheduler(l *zap.Logger, sink EventSink, defs []*domain.PipelineDefinition, pauseFile string) *Scheduler {
	s := &Scheduler{
		log: l, sink: sink, pauseFile: pauseFile,
		cron: cron.New(),
		ctx:  context.Background(),
	}
	s.UpdateDefinitions(defs)
	return s
}

func (s *Scheduler) UpdateDefinitions(defs []*domain.PipelineDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]
	s.specs = s.specs[:0]

	for _, spec := range cronSpecs(defs) {
		id, err := s.cron.AddFunc(spec, func() { s.Fire(s.context(), spec) })
		if err != nil {
			s.log.Warn("invalid cron expression", zap.String("cron", spec), zap.Error(err))
			continue
		}
		s.entries = append(s.entries, id)
		s.specs = append(s.specs, spec)
	}
	s.log.Info("schedules loaded", zap.Strings("cron", s.specs))
}

func (s *Scheduler) Specs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.specs))
	copy(out, s.specs)
	return out
}

func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

// Fire emits one scheduled event for spec unless the pause file exists.
func (s *Scheduler) Fire(ctx context.Context, spec string) {
	if s.isPaused() {
		s.log.Debug("paused: skipping schedule", zap.String("cron", spec))
		return
	}

	ev := domain.Event{Kind: domain.EventScheduled, Cron: spec, FiredAt: time.Now()}
	runs, err := s.sink.OnEvent(ctx, ev)
	if err != nil {
		s.log.Warn("scheduled event failed", zap.String("cron", spec), zap.Error(err))
		return
	}
	s.log.Info("schedule fired", zap.String("cron", spec), zap.Int("runs", len(runs)))
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) isPaused() bool {
	if s.pauseFile == "" {
		return false
	}
	_, err := os.Stat(s.pauseFile)
	return err == nil
}

func cronSpecs(defs []*domain.PipelineDefinition) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range defs {
		for _, t := range d.Triggers {
			st, ok := t.(domain.ScheduleTrigger)
			if !ok || seen[st.Cron] {
				continue
			}
			seen[st.Cron] = true
			out = append(out, st.Cron)
		}
	}
	sort.Strings(out)
	return out
}
