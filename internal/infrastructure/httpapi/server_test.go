package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEngine struct {
	mu        sync.Mutex
	events    []domain.Event
	cancelled []string
}

func (f *fakeEngine) OnEvent(_ context.Context, ev domain.Event) ([]*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	switch ev.Kind {
	case domain.EventPush, domain.EventManual:
		if ev.Kind == domain.EventPush && ev.Branch == "" && ev.Ref == "" {
			return nil, fmt.Errorf("%w: push", domain.ErrUnresolvedRef)
		}
		def := &domain.PipelineDefinition{Name: "ci"}
		m := domain.Match{Definition: def, GroupKey: "ci-refs/heads/main", Trigger: domain.TriggerContext{Ref: "refs/heads/main"}}
		return []*domain.Run{domain.NewRun("run-1", m, nil)}, nil
	case domain.EventPullRequest, domain.EventScheduled:
		return nil, nil
	}
	return nil, domain.ErrUnknownEvent
}

func (f *fakeEngine) Active() []domain.RunSnapshot {
	return []domain.RunSnapshot{{ID: "run-1", Definition: "ci", Status: domain.StatusRunning}}
}

func (f *fakeEngine) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return id == "run-1"
}

func (f *fakeEngine) Groups() map[string]string {
	return map[string]string{"ci-refs/heads/main": "run-1"}
}

func newServer(t *testing.T) (*httptest.Server, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ci_runs_total 0\n")) })
	srv := httptest.NewServer(NewHandler(zap.NewNop(), eng, metrics))
	t.Cleanup(srv.Close)
	return srv, eng
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPostEvent_Accepted(t *testing.T) {
	srv, eng := newServer(t)

	resp := post(t, srv.URL+"/events", `{"kind":"push","repo":"https://h/app.git","branch":"main","sha":"abc"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		Runs []domain.RunSnapshot `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Runs, 1)
	assert.Equal(t, "run-1", out.Runs[0].ID)
	assert.Equal(t, "ci-refs/heads/main", out.Runs[0].GroupKey)
	assert.Equal(t, domain.StatusPending, out.Runs[0].Status)

	require.Len(t, eng.events, 1)
	assert.Equal(t, domain.Event{Kind: domain.EventPush, Repo: "https://h/app.git", Branch: "main", SHA: "abc"}, eng.events[0])
}

func TestPostEvent_NoMatchesIsStillAccepted(t *testing.T) {
	srv, _ := newServer(t)

	resp := post(t, srv.URL+"/events", `{"kind":"pull_request","number":7}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string][]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Empty(t, out["runs"])
	assert.Contains(t, out, "runs")
}

func TestPostEvent_Rejects(t *testing.T) {
	srv, _ := newServer(t)

	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/events", `{"kind":"tag"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/events", `{not json`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/events", `{"kind":"push","colour":"red"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/events", `{"kind":"push","sha":"abc"}`).StatusCode)
}

func TestCancelRun(t *testing.T) {
	srv, eng := newServer(t)

	assert.Equal(t, http.StatusAccepted, post(t, srv.URL+"/runs/run-1/cancel", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, post(t, srv.URL+"/runs/nope/cancel", "").StatusCode)
	assert.Equal(t, []string{"run-1", "nope"}, eng.cancelled)
}

func TestReadEndpoints(t *testing.T) {
	srv, _ := newServer(t)

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(b)
	}

	resp, body := get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	resp, body = get("/groups")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ci-refs/heads/main":"run-1"}`, body)

	resp, body = get("/runs")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"id":"run-1"`)

	resp, body = get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "ci_runs_total")
}
