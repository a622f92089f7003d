package application

import (
	"context"
	"sync"
	"time"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"go.uber.org/zap"
)

const registryTimeout = 2 * time.Second

// Admission is the outcome of GroupManager.Admit. Ready is closed once the run
// owns its group; with cancel-in-progress that happens before Admit returns.
type Admission struct {
	Run        *domain.Run
	Superseded []string

	ready chan struct{}
}

func (a *Admission) Ready() <-chan struct{} { return a.ready }

type slot struct {
	run   *domain.Run
	ready chan struct{}
}

type group struct {
	active  *slot
	waiting *slot
}

// GroupManager owns the concurrency-group table. Every operation holds one
// mutex, so admission for any key is atomic and ordered by call order. An
// optional registry mirrors the table asynchronously.
type GroupManager struct {
	log      *zap.Logger
	registry domain.GroupRegistry
	mirror   *mirror

	mu     sync.Mutex
	groups map[string]*group
}

func NewGroupManager(l *zap.Logger, registry domain.GroupRegistry) *GroupManager {
	return &GroupManager{
		log:      l,
		registry: registry,
		mirror:   newMirror(l, registry),
		groups:   make(map[string]*group),
	}
}

// Admit registers run as the newest member of its group. Any run it displaces
// is Cancelled before Admit returns.
func (m *GroupManager) Admit(run *domain.Run, cancelInProgress bool) *Admission {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.GroupKey
	g := m.groups[key]
	if g == nil {
		g = &group{}
		m.groups[key] = g
	}

	s := &slot{run: run, ready: make(chan struct{})}
	adm := &Admission{Run: run, ready: s.ready}

	if g.waiting != nil {
		if g.waiting.run.Cancel(run.ID) {
			adm.Superseded = append(adm.Superseded, g.waiting.run.ID)
		}
		g.waiting = nil
	}

	if g.active != nil && !g.active.run.Status().Terminal() && !cancelInProgress {
		g.waiting = s
		m.log.Info("run queued behind group occupant",
			zap.String("group", key),
			zap.String("run", run.ID),
			zap.String("occupant", g.active.run.ID),
		)
		return adm
	}

	if g.active != nil && g.active.run.Cancel(run.ID) {
		adm.Superseded = append(adm.Superseded, g.active.run.ID)
	}
	m.activate(key, g, s)

	return adm
}

// Release drops run from its group. Releasing a run that no longer owns the
// group is a no-op, so a superseded run finishing late cannot evict its
// successor.
func (m *GroupManager) Release(run *domain.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.GroupKey
	g := m.groups[key]
	if g == nil {
		return
	}

	if g.waiting != nil && g.waiting.run == run {
		g.waiting = nil
	}

	if g.active != nil && g.active.run == run {
		g.active = nil
		m.mirror.push(mirrorOp{key: key, runID: run.ID, release: true})

		if w := g.waiting; w != nil {
			g.waiting = nil
			if !w.run.Status().Terminal() {
				m.activate(key, g, w)
			}
		}
	}

	if g.active == nil && g.waiting == nil {
		delete(m.groups, key)
	}
}

// Occupant returns the id of the run currently owning key.
func (m *GroupManager) Occupant(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.groups[key]
	if g == nil || g.active == nil {
		return "", false
	}
	return g.active.run.ID, true
}

func (m *GroupManager) Occupants() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.groups))
	for k, g := range m.groups {
		if g.active != nil {
			out[k] = g.active.run.ID
		}
	}
	return out
}

func (m *GroupManager) activate(key string, g *group, s *slot) {
	expect := ""
	if g.active != nil {
		expect = g.active.run.ID
	}
	g.active = s
	close(s.ready)
	m.mirror.push(mirrorOp{key: key, runID: s.run.ID, expect: expect})
}

// Flush blocks until every group change made so far has reached the registry.
func (m *GroupManager) Flush() { m.mirror.wait() }

// Reconcile clears registry entries that no local run owns, such as those left
// by a controller that exited without releasing. It returns how many entries
// were cleared.
func (m *GroupManager) Reconcile(ctx context.Context) (int, error) {
	if m.registry == nil {
		return 0, nil
	}
	m.Flush()

	occ, err := m.registry.Occupants(ctx)
	if err != nil {
		return 0, err
	}
	local := m.Occupants()

	cleared := 0
	for key, id := range occ {
		if local[key] == id {
			continue
		}
		// compare-and-delete: a run admitted meanwhile keeps its entry
		if err := m.registry.Release(ctx, key, id); err != nil {
			return cleared, err
		}
		m.log.Warn("cleared stale group entry", zap.String("group", key), zap.String("run", id))
		cleared++
	}
	return cleared, nil
}

type mirrorOp struct {
	key     string
	runID   string
	expect  string
	release bool
}

// mirror applies group changes to the registry in the order they were made.
// One drain goroutine runs at a time and none is kept while the queue is
// empty. Registry I/O never happens under the GroupManager lock.
type mirror struct {
	log      *zap.Logger
	registry domain.GroupRegistry

	mu    sync.Mutex
	cond  *sync.Cond
	queue []mirrorOp
	busy  bool
}

func newMirror(l *zap.Logger, registry domain.GroupRegistry) *mirror {
	if registry == nil {
		return nil
	}
	q := &mirror{log: l, registry: registry}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *mirror) push(op mirrorOp) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, op)
	if !q.busy {
		q.busy = true
		go q.drain()
	}
}

func (q *mirror) drain() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.busy = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		op := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		q.apply(op)
	}
}

func (q *mirror) wait() {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.busy {
		q.cond.Wait()
	}
}

func (q *mirror) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	if op.release {
		if err := q.registry.Release(ctx, op.key, op.runID); err != nil {
			q.log.Warn("registry release failed", zap.String("group", op.key), zap.Error(err))
		}
		return
	}

	prev, err := q.registry.Swap(ctx, op.key, op.runID)
	if err != nil {
		q.log.Warn("registry swap failed", zap.String("group", op.key), zap.Error(err))
		return
	}
	if prev != "" && prev != op.expect {
		q.log.Warn("registry held an unexpected occupant",
			zap.String("group", op.key),
			zap.String("run", op.runID),
			zap.String("expected", op.expect),
			zap.String("found", prev),
		)
	}
}
