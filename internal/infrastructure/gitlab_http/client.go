package gitlab_http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-orchestrator/internal/domain"
)

// Client publishes run results as GitLab commit statuses.
type Client struct {
	baseUrl string
	token   string
	hc      *http.Client
	bo      func() backoff.BackOff
}

func New(baseUrl string, token string, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseUrl: trimSlash(baseUrl),
		token:   token,
		hc:      &http.Client{Transport: tr, Timeout: timeout},
		bo: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 300 * time.Millisecond
			bo.MaxInterval = 2 * time.Second
			bo.MaxElapsedTime = 5 * time.Second
			return bo
		},
	}
}

// Report sets the commit status of r's SHA. Results without a SHA (scheduled
// runs) have no commit to annotate and are skipped.
func (c *Client) Report(ctx context.Context, r domain.RunResult) error {
	if r.SHA == "" || r.Repo == "" {
		return nil
	}

	project, err := projectPath(r.Repo)
	if err != nil {
		return backoff.Permanent(err)
	}

	form := url.Values{}
	form.Set("state", mapStatus(r.Status))
	form.Set("name", "ci-orchestrator/"+r.Definition)
	form.Set("description", describe(r))
	if ref := strings.TrimPrefix(r.Ref, "refs/heads/"); ref != "" && ref != r.Ref {
		form.Set("ref", ref)
	}

	statusURL := fmt.Sprintf("%s/api/v4/projects/%s/statuses/%s",
		c.baseUrl, url.PathEscape(project), url.PathEscape(r.SHA))

	op := func() error {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, statusURL, strings.NewReader(form.Encode()))
		req.Header.Set("PRIVATE-TOKEN", c.token)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, _ := strconv.Atoi(ra); sec > 0 {
					select {
					case <-time.After(time.Duration(sec) * time.Second):
					case <-ctx.Done():
						return backoff.Permanent(ctx.Err())
					}
					return fmt.Errorf("retry after due to 429")
				}
			}
			return fmt.Errorf("gitlab 429")
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("gitlab %s", resp.Status)
		}

		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("gitlab %s", resp.Status))
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(c.bo(), ctx))
}

func mapStatus(s domain.RunStatus) string {
	switch s {
	case domain.StatusSucceeded:
		return "success"
	case domain.StatusFailed:
		return "failed"
	case domain.StatusRunning, domain.StatusAssembling:
		return "running"
	case domain.StatusCancelled:
		return "canceled"
	default:
		return "pending"
	}
}

func describe(r domain.RunResult) string {
	switch {
	case r.Failure != nil && r.Failure.Job != "":
		return fmt.Sprintf("%s failed at %s", r.Failure.Job, r.Failure.StepName)
	case r.Failure != nil:
		return "workspace assembly failed"
	case r.SupersededBy != "":
		return "superseded by " + r.SupersededBy
	default:
		return string(r.Status)
	}
}

// projectPath turns a clone URL into GitLab's namespace/project path.
func projectPath(repo string) (string, error) {
	s := strings.TrimSuffix(strings.TrimSuffix(repo, "/"), ".git")
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		j := strings.Index(s, "/")
		if j < 0 {
			return "", fmt.Errorf("no project path in %q", repo)
		}
		s = s[j+1:]
	} else if i := strings.Index(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	if s == "" || !strings.Contains(s, "/") {
		return "", fmt.Errorf("no project path in %q", repo)
	}
	return s, nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
