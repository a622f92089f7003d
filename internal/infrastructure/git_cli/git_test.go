package git_cli

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type script struct {
	calls []string
	fail  map[string]string
}

func (s *script) run(_ context.Context, _ string, args ...string) ([]byte, error) {
	line := strings.Join(args, " ")
	s.calls = append(s.calls, line)
	for prefix, out := range s.fail {
		if strings.HasPrefix(line, prefix) {
			return []byte(out), errors.New("exit status 128")
		}
	}
	return nil, nil
}

func TestFetch_Sequence(t *testing.T) {
	s := &script{}
	c := NewWithRunner(zap.NewNop(), s.run)

	err := c.Fetch(context.Background(), domain.RepoRef{URL: "https://h/acme/app.git", Ref: "abc123", LFS: true}, filepath.Join(t.TempDir(), "app"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"init -q",
		"remote add origin https://h/acme/app.git",
		"fetch -q --depth 1 origin abc123",
		"checkout -q --detach FETCH_HEAD",
		"lfs pull",
	}, s.calls)
}

func TestFetch_DefaultsToHEAD(t *testing.T) {
	s := &script{}
	c := NewWithRunner(zap.NewNop(), s.run)

	require.NoError(t, c.Fetch(context.Background(), domain.RepoRef{URL: "u"}, t.TempDir()))
	assert.Contains(t, s.calls, "fetch -q --depth 1 origin HEAD")
	assert.NotContains(t, s.calls, "lfs pull")
}

func TestFetch_MissingRefIsFinal(t *testing.T) {
	s := &script{fail: map[string]string{"fetch": "fatal: couldn't find remote ref v9"}}
	c := NewWithRunner(zap.NewNop(), s.run)

	err := c.Fetch(context.Background(), domain.RepoRef{URL: "u", Ref: "v9"}, t.TempDir())
	require.ErrorIs(t, err, domain.ErrMissingRef)
	var fe *domain.FetchError
	assert.False(t, errors.As(err, &fe))
}

func TestFetch_NetworkErrorIsRetryable(t *testing.T) {
	s := &script{fail: map[string]string{"fetch": "fatal: unable to access 'https://h/': Could not resolve host: h"}}
	c := NewWithRunner(zap.NewNop(), s.run)

	err := c.Fetch(context.Background(), domain.RepoRef{URL: "https://h/app.git", Ref: "main"}, t.TempDir())
	var fe *domain.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "https://h/app.git", fe.Repo)
	assert.Contains(t, err.Error(), "Could not resolve host")
}

func TestFetch_LFSFailureIsRetryable(t *testing.T) {
	s := &script{fail: map[string]string{"lfs": "batch response: Authentication required"}}
	c := NewWithRunner(zap.NewNop(), s.run)

	err := c.Fetch(context.Background(), domain.RepoRef{URL: "u", Ref: "main", LFS: true}, t.TempDir())
	var fe *domain.FetchError
	assert.True(t, errors.As(err, &fe))
}

func TestClassify_MissingBinary(t *testing.T) {
	err := classify(domain.RepoRef{URL: "u"}, "init", nil, &exec.Error{Name: "git", Err: exec.ErrNotFound})
	var fe *domain.FetchError
	assert.False(t, errors.As(err, &fe))
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestClassify_ContextPassesThrough(t *testing.T) {
	err := classify(domain.RepoRef{URL: "u"}, "fetch", nil, context.Canceled)
	assert.Equal(t, context.Canceled, err)
}
