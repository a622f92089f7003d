package domain

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

type MockSourceControl struct {
	mu sync.Mutex

	// Files maps repo URL to the files written into dest on a successful fetch.
	Files map[string]map[string]string
	// FailFirst makes the first N fetches of a repo fail with a FetchError.
	FailFirst map[string]int
	Errs      map[string]error
	Before    func(ref RepoRef)

	Calls map[string]int
	Order []string
}

func (m *MockSourceControl) Fetch(ctx context.Context, ref RepoRef, dest string) error {
	if m.Before != nil {
		m.Before(ref)
	}

	m.mu.Lock()
	if m.Calls == nil {
		m.Calls = make(map[string]int)
	}
	m.Calls[ref.URL]++
	n := m.Calls[ref.URL]
	m.Order = append(m.Order, ref.URL)
	failFirst := m.FailFirst[ref.URL]
	err := m.Errs[ref.URL]
	files := m.Files[ref.URL]
	m.mu.Unlock()

	if err != nil {
		return err
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	if n <= failFirst {
		// leave a partial tree behind, like an interrupted clone would
		_ = os.WriteFile(filepath.Join(dest, ".partial"), []byte("x"), 0o644)
		return &FetchError{Repo: ref.URL, Err: context.DeadlineExceeded}
	}

	for rel, content := range files {
		p := filepath.Join(dest, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockSourceControl) CallCount(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[url]
}

type MockToolchain struct {
	mu sync.Mutex

	Results map[string]CommandResult
	Errs    map[string]error
	Before  func(cmd Command)

	Calls []Command
}

func (m *MockToolchain) Execute(ctx context.Context, cmd Command) (CommandResult, error) {
	if m.Before != nil {
		m.Before(cmd)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, cmd)

	if err := m.Errs[cmd.Line]; err != nil {
		return CommandResult{}, err
	}
	if res, ok := m.Results[cmd.Line]; ok {
		return res, nil
	}
	return CommandResult{ExitCode: 0, Stdout: "ok\n"}, nil
}

func (m *MockToolchain) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Calls))
	for _, c := range m.Calls {
		out = append(out, c.Line)
	}
	return out
}

type MockReporter struct {
	mu      sync.Mutex
	Results []RunResult
	Err     error
}

func (r *MockReporter) Report(ctx context.Context, res RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, res)
	return r.Err
}

func (r *MockReporter) ByRun(id string) (RunResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.Results {
		if res.RunID == id {
			return res, true
		}
	}
	return RunResult{}, false
}

func (r *MockReporter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Results)
}

type MockNotifier struct {
	mu       sync.Mutex
	Messages []string
	Err      error
}

func (n *MockNotifier) Notify(ctx context.Context, title, body, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Messages = append(n.Messages, title+"|"+body+"|"+url)
	return n.Err
}

type MockCache struct {
	mu      sync.Mutex
	Results []RunResult
	Err     error
}

func (c *MockCache) Write(ctx context.Context, r RunResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Results = append(c.Results, r)
	return nil
}
