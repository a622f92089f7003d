package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline points at one definition file. Path is relative to the config
// file unless absolute.
type Pipeline struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Repo    string `yaml:"repo,omitempty"`
	Branch  string `yaml:"branch,omitempty"`
	Enabled bool   `yaml:"enabled"`
}

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Workspace struct {
		Root     string `yaml:"root"`
		Keep     bool   `yaml:"keep"`
		CacheDir string `yaml:"cache_dir"`
	} `yaml:"workspace"`

	Fetch struct {
		Retries         int           `yaml:"retries"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
		GitBinary       string        `yaml:"git_binary"`
	} `yaml:"fetch"`

	Toolchain struct {
		Shell          string `yaml:"shell"`
		InstallCommand string `yaml:"install_command"`
	} `yaml:"toolchain"`

	Redis struct {
		Addr   string `yaml:"addr"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`

	GitLab struct {
		BaseURL string        `yaml:"base_url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"gitlab"`

	Notify struct {
		Enabled bool `yaml:"enabled"`
		Soft    bool `yaml:"soft"`
	} `yaml:"notify"`

	Status struct {
		Path string `yaml:"path"`
	} `yaml:"status"`

	Scheduler struct {
		PauseFile string `yaml:"pause_file"`
	} `yaml:"scheduler"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Pipelines []Pipeline `yaml:"pipelines"`

	dir string
}

func Load(path string) (Config, error) {
	var c Config

	c.Server.Addr = ":8080"
	c.Workspace.Root = filepath.Join(os.TempDir(), "ci-orchestrator", "workspaces")
	c.Fetch.Retries = 3
	c.Fetch.InitialInterval = 500 * time.Millisecond
	c.Fetch.MaxInterval = 5 * time.Second
	c.Fetch.GitBinary = "git"
	c.Toolchain.Shell = "/bin/sh"
	c.Redis.Prefix = "ci:group:"
	c.GitLab.BaseURL = "https://gitlab.com"
	c.GitLab.Timeout = 10 * time.Second
	c.Notify.Soft = true
	c.Status.Path = expandHome("~/.cache/ci_orchestrator_status.json")
	c.Scheduler.PauseFile = expandHome("~/.cache/ci_paused")
	c.Log.Level = "info"

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return c, err
		}
		c.dir = filepath.Dir(path)
	}

	if v := os.Getenv("CI_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}

	if v := os.Getenv("CI_WORKSPACE_ROOT"); v != "" {
		c.Workspace.Root = v
	}

	if v := os.Getenv("CI_FETCH_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Fetch.Retries = n
		}
	}

	if v := os.Getenv("CI_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}

	if v := os.Getenv("GITLAB_BASE_URL"); v != "" {
		c.GitLab.BaseURL = v
	}

	if v := os.Getenv("GITLAB_TOKEN"); v != "" {
		c.GitLab.Token = v
	}

	if v := os.Getenv("GITLAB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GitLab.Timeout = d
		}
	}

	c.Workspace.Root = expandHome(c.Workspace.Root)
	c.Workspace.CacheDir = expandHome(c.Workspace.CacheDir)
	c.Status.Path = expandHome(c.Status.Path)
	c.Scheduler.PauseFile = expandHome(c.Scheduler.PauseFile)

	if c.Fetch.Retries < 0 {
		c.Fetch.Retries = 0
	}

	if c.Fetch.InitialInterval <= 0 {
		c.Fetch.InitialInterval = 500 * time.Millisecond
	}

	if c.Fetch.MaxInterval < c.Fetch.InitialInterval {
		c.Fetch.MaxInterval = c.Fetch.InitialInterval
	}

	if c.GitLab.Timeout <= 0 {
		c.GitLab.Timeout = 10 * time.Second
	}

	if len(c.Pipelines) == 0 {
		return c, errors.New("no pipelines configured")
	}

	for i, p := range c.Pipelines {
		if p.Path == "" {
			return c, fmt.Errorf("pipeline #%d (%s): path is required", i, p.Name)
		}
	}

	return c, nil
}

// PipelinePath resolves p.Path against the directory of the loaded config.
func (c Config) PipelinePath(p Pipeline) string {
	path := expandHome(p.Path)
	if filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}

func (c Config) Enabled() []Pipeline {
	var out []Pipeline
	for _, p := range c.Pipelines {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// SetEnabled flips the enabled flag of the named pipelines. It reports
// whether anything changed.
func (c *Config) SetEnabled(name string, enabled bool) bool {
	changed := false
	for i := range c.Pipelines {
		if c.Pipelines[i].Name == name && c.Pipelines[i].Enabled != enabled {
			c.Pipelines[i].Enabled = enabled
			changed = true
		}
	}
	return changed
}

func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lockFile := path + ".lock"
	lf, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
