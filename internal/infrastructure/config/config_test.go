package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
server:
  addr: 127.0.0.1:9000

workspace:
  root: /var/ci/ws
  cache_dir: /var/ci/cache

fetch:
  retries: 5
  initial_interval: 1s

gitlab:
  base_url: https://example.com
  token: token-yaml

pipelines:
  - name: ci
    path: pipelines/ci.yaml
    enabled: true
  - name: nightly
    path: /etc/ci/nightly.yaml
    enabled: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_FromYAMLAndEnvOverride(t *testing.T) {
	cfgFile := writeConfig(t, sampleYAML)

	t.Setenv("GITLAB_TOKEN", "token-env")
	t.Setenv("CI_FETCH_RETRIES", "1")

	c, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.GitLab.Token != "token-env" {
		t.Errorf("env override failed, got %s", c.GitLab.Token)
	}
	if c.Fetch.Retries != 1 {
		t.Errorf("retries: got %d", c.Fetch.Retries)
	}
	if c.Fetch.InitialInterval != time.Second {
		t.Errorf("initial interval: got %s", c.Fetch.InitialInterval)
	}
	if c.Fetch.MaxInterval != 5*time.Second {
		t.Errorf("max interval default: got %s", c.Fetch.MaxInterval)
	}
	if c.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("addr: got %s", c.Server.Addr)
	}
	if len(c.Pipelines) != 2 {
		t.Fatalf("expected 2 pipelines, got %d", len(c.Pipelines))
	}
	if got := c.Enabled(); len(got) != 1 || got[0].Name != "ci" {
		t.Errorf("enabled: got %+v", got)
	}
}

func TestLoad_PipelinePathRelativeToConfig(t *testing.T) {
	cfgFile := writeConfig(t, sampleYAML)

	c, err := Load(cfgFile)
	if err != nil {
		t.Fatal(err)
	}

	want := filepath.Join(filepath.Dir(cfgFile), "pipelines", "ci.yaml")
	if got := c.PipelinePath(c.Pipelines[0]); got != want {
		t.Errorf("relative path: got %s want %s", got, want)
	}
	if got := c.PipelinePath(c.Pipelines[1]); got != "/etc/ci/nightly.yaml" {
		t.Errorf("absolute path: got %s", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: {addr: x}\n")); err == nil {
		t.Error("expected error for missing pipelines")
	}
	if _, err := Load(writeConfig(t, "pipelines:\n  - name: ci\n")); err == nil {
		t.Error("expected error for pipeline without path")
	}
	if _, err := Load(writeConfig(t, "pipelines: [\n")); err == nil {
		t.Error("expected parse error")
	}
}

func TestSave_RoundTripAndToggle(t *testing.T) {
	cfgFile := writeConfig(t, sampleYAML)

	c, err := Load(cfgFile)
	if err != nil {
		t.Fatal(err)
	}

	if !c.SetEnabled("nightly", true) {
		t.Fatal("expected change")
	}
	if c.SetEnabled("nightly", true) {
		t.Error("second enable should be a no-op")
	}

	if err := Save(cfgFile, c); err != nil {
		t.Fatal(err)
	}

	again, err := Load(cfgFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Enabled()) != 2 {
		t.Errorf("expected both pipelines enabled, got %+v", again.Pipelines)
	}
	if _, err := os.Stat(cfgFile + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file left behind")
	}
}
