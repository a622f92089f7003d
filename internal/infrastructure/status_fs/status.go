package status_fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/davarch/ci-orchestrator/internal/domain"
)

// Entry is the latest result recorded for one concurrency group.
type Entry struct {
	RunID        string `json:"run_id"`
	Definition   string `json:"definition"`
	Ref          string `json:"ref"`
	Status       string `json:"status"`
	SupersededBy string `json:"superseded_by,omitempty"`
	FailedJob    string `json:"failed_job,omitempty"`
	FailedStep   string `json:"failed_step,omitempty"`
	Finished     int64  `json:"finished"`
}

type Snapshot struct {
	Updated int64            `json:"updated"`
	Groups  map[string]Entry `json:"groups"`
}

// FSStatus keeps a JSON file with the last result of every group, for status
// bars and scripts.
type FSStatus struct {
	path string
	now  func() time.Time

	mu     sync.Mutex
	groups map[string]Entry
}

// New picks up an existing snapshot at path so restarts keep prior groups.
func New(path string) *FSStatus {
	s := &FSStatus{path: path, now: time.Now, groups: make(map[string]Entry)}
	if snap, err := Read(path); err == nil && snap.Groups != nil {
		s.groups = snap.Groups
	}
	return s
}

func (s *FSStatus) Write(_ context.Context, r domain.RunResult) error {
	if s.path == "" {
		return errors.New("status path is empty")
	}

	e := Entry{
		RunID:        r.RunID,
		Definition:   r.Definition,
		Ref:          r.Ref,
		Status:       string(r.Status),
		SupersededBy: r.SupersededBy,
		Finished:     r.FinishedAt.Unix(),
	}
	if f := r.Failure; f != nil {
		e.FailedJob = f.Job
		e.FailedStep = f.StepName
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[r.GroupKey] = e

	return s.flush(Snapshot{Updated: s.now().Unix(), Groups: s.groups})
}

func (s *FSStatus) flush(snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func Read(path string) (Snapshot, error) {
	var snap Snapshot
	b, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(b, &snap)
	return snap, err
}
