// Package pipelinefile reads pipeline definitions from YAML.
package pipelinefile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/mitchellh/mapstructure"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ValidationError lists every problem found in one definition file.
type ValidationError struct {
	Source   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Source, strings.Join(e.Problems, "; "))
}

// Defaults fill fields a definition file leaves out.
type Defaults struct {
	Repository    string
	DefaultBranch string
}

type repoDoc struct {
	Repo string `yaml:"repo" mapstructure:"repo"`
	Ref  string `yaml:"ref" mapstructure:"ref"`
	Path string `yaml:"path" mapstructure:"path"`
	LFS  bool   `yaml:"lfs" mapstructure:"lfs"`
}

type document struct {
	Name          string    `yaml:"name"`
	Repository    string    `yaml:"repository"`
	DefaultBranch string    `yaml:"default_branch"`
	Triggers      yaml.Node `yaml:"triggers"`
	Concurrency   struct {
		Group            string `yaml:"group"`
		CancelInProgress *bool  `yaml:"cancel_in_progress"`
	} `yaml:"concurrency"`
	Workspace struct {
		Primary      *repoDoc  `yaml:"primary"`
		Dependencies []repoDoc `yaml:"dependencies"`
	} `yaml:"workspace"`
	Jobs yaml.Node `yaml:"jobs"`
}

type jobDoc struct {
	RunsOn  string      `yaml:"runs_on"`
	Timeout string      `yaml:"timeout"`
	Steps   []yaml.Node `yaml:"steps"`
}

func ParseFile(p string, d Defaults) (*domain.PipelineDefinition, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return Parse(p, bytes.NewReader(b), d)
}

// Parse decodes and validates one definition. source names the input in
// error messages.
func Parse(source string, r io.Reader, d Defaults) (*domain.PipelineDefinition, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	p := &parser{}
	def := &domain.PipelineDefinition{
		Name:          doc.Name,
		Repository:    firstNonEmpty(doc.Repository, d.Repository),
		DefaultBranch: firstNonEmpty(doc.DefaultBranch, d.DefaultBranch, "main"),
		Concurrency: domain.Concurrency{
			Group:            doc.Concurrency.Group,
			CancelInProgress: doc.Concurrency.CancelInProgress == nil || *doc.Concurrency.CancelInProgress,
		},
	}

	if def.Name == "" {
		p.addf("name is required")
	}

	def.Triggers = p.triggers(&doc.Triggers)
	def.Workspace = p.workspace(doc)
	def.Jobs = p.jobs(&doc.Jobs)

	if len(p.problems) > 0 {
		return nil, &ValidationError{Source: source, Problems: p.problems}
	}
	return def, nil
}

type parser struct {
	problems []string
}

func (p *parser) addf(format string, args ...any) {
	p.problems = append(p.problems, fmt.Sprintf(format, args...))
}

func (p *parser) triggers(n *yaml.Node) []domain.Trigger {
	if n.Kind == 0 {
		p.addf("at least one trigger is required")
		return nil
	}
	if n.Kind != yaml.MappingNode {
		p.addf("triggers: expected a mapping")
		return nil
	}

	var out []domain.Trigger
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		switch key {
		case "push":
			var v struct {
				Branches []string `yaml:"branches"`
			}
			if err := val.Decode(&v); err != nil {
				p.addf("triggers.push: %v", err)
				continue
			}
			for _, b := range v.Branches {
				if _, err := path.Match(b, ""); err != nil {
					p.addf("triggers.push: bad branch pattern %q", b)
				}
			}
			out = append(out, domain.PushTrigger{Branches: v.Branches})
		case "pull_request":
			out = append(out, domain.PullRequestTrigger{})
		case "workflow_dispatch":
			out = append(out, domain.ManualTrigger{})
		case "schedule":
			for _, c := range p.crons(val) {
				out = append(out, domain.ScheduleTrigger{Cron: c})
			}
		default:
			p.addf("triggers: unknown trigger %q", key)
		}
	}
	if len(out) == 0 && len(p.problems) == 0 {
		p.addf("at least one trigger is required")
	}
	return out
}

func (p *parser) crons(n *yaml.Node) []string {
	type entry struct {
		Cron string `yaml:"cron"`
	}
	var entries []entry
	if n.Kind == yaml.SequenceNode {
		if err := n.Decode(&entries); err != nil {
			p.addf("triggers.schedule: %v", err)
			return nil
		}
	} else {
		var e entry
		if err := n.Decode(&e); err != nil {
			p.addf("triggers.schedule: %v", err)
			return nil
		}
		entries = []entry{e}
	}

	var out []string
	for _, e := range entries {
		if _, err := cron.ParseStandard(e.Cron); err != nil {
			p.addf("triggers.schedule: bad cron %q: %v", e.Cron, err)
			continue
		}
		out = append(out, e.Cron)
	}
	return out
}

func (p *parser) workspace(doc document) domain.WorkspaceSpec {
	var ws domain.WorkspaceSpec
	if pr := doc.Workspace.Primary; pr != nil {
		if pr.Repo == "" {
			p.addf("workspace.primary: repo is required")
		}
		ws.Primary = &domain.RepoRef{URL: pr.Repo, Ref: pr.Ref, LFS: pr.LFS}
	}

	seen := make(map[string]bool)
	for i, d := range doc.Workspace.Dependencies {
		if d.Repo == "" {
			p.addf("workspace.dependencies[%d]: repo is required", i)
		}
		if d.Path == "" {
			p.addf("workspace.dependencies[%d]: path is required", i)
		}
		clean := path.Clean(d.Path)
		if seen[clean] {
			p.addf("workspace.dependencies[%d]: path %q collides with an earlier dependency", i, d.Path)
		}
		seen[clean] = true
		ws.Dependencies = append(ws.Dependencies, domain.Dependency{
			Repo: domain.RepoRef{URL: d.Repo, Ref: d.Ref, LFS: d.LFS},
			Path: d.Path,
		})
	}
	return ws
}

func (p *parser) jobs(n *yaml.Node) []domain.Job {
	if n.Kind == 0 || (n.Kind == yaml.MappingNode && len(n.Content) == 0) {
		p.addf("at least one job is required")
		return nil
	}
	if n.Kind != yaml.MappingNode {
		p.addf("jobs: expected a mapping of job name to job")
		return nil
	}

	seen := make(map[string]bool)
	var out []domain.Job
	for i := 0; i+1 < len(n.Content); i += 2 {
		name := n.Content[i].Value
		if seen[name] {
			p.addf("jobs: duplicate job %q", name)
			continue
		}
		seen[name] = true

		var jd jobDoc
		if err := n.Content[i+1].Decode(&jd); err != nil {
			p.addf("jobs.%s: %v", name, err)
			continue
		}

		job := domain.Job{Name: name, RunsOn: firstNonEmpty(jd.RunsOn, "default")}
		if jd.Timeout != "" {
			d, err := time.ParseDuration(jd.Timeout)
			if err != nil || d <= 0 {
				p.addf("jobs.%s: bad timeout %q", name, jd.Timeout)
			}
			job.Timeout = d
		}

		if len(jd.Steps) == 0 {
			p.addf("jobs.%s: at least one step is required", name)
		}
		for si := range jd.Steps {
			step, err := decodeStep(&jd.Steps[si])
			if err != nil {
				p.addf("jobs.%s.steps[%d]: %v", name, si, err)
				continue
			}
			job.Steps = append(job.Steps, step)
		}
		out = append(out, job)
	}
	return out
}

var stepKinds = map[string]domain.StepKind{
	"checkout":          domain.StepCheckout,
	"move":              domain.StepMove,
	"install_toolchain": domain.StepInstallToolchain,
	"cache":             domain.StepCache,
	"run":               domain.StepRun,
}

func decodeStep(n *yaml.Node) (domain.Step, error) {
	var raw map[string]any
	if err := n.Decode(&raw); err != nil {
		return nil, err
	}

	name, _ := raw["name"].(string)
	delete(raw, "name")

	if len(raw) != 1 {
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("expected exactly one step kind, got %v", keys)
	}

	for key, params := range raw {
		kind, ok := stepKinds[key]
		if !ok {
			return nil, fmt.Errorf("unknown step kind %q", key)
		}
		return buildStep(kind, name, params)
	}
	return nil, nil
}

func buildStep(kind domain.StepKind, name string, params any) (domain.Step, error) {
	switch kind {
	case domain.StepRun:
		cmd, ok := params.(string)
		if !ok || strings.TrimSpace(cmd) == "" {
			return nil, fmt.Errorf("run: expected a command string")
		}
		return domain.RunStep{Name: name, Command: cmd}, nil

	case domain.StepInstallToolchain:
		var v struct {
			Channel string `mapstructure:"channel"`
		}
		if s, ok := params.(string); ok {
			v.Channel = s
		} else if err := decodeParams(params, &v); err != nil {
			return nil, fmt.Errorf("install_toolchain: %w", err)
		}
		if v.Channel == "" {
			return nil, fmt.Errorf("install_toolchain: channel is required")
		}
		return domain.InstallToolchainStep{Name: name, Channel: v.Channel}, nil

	case domain.StepCache:
		var v struct {
			Key string `mapstructure:"key"`
		}
		if s, ok := params.(string); ok {
			v.Key = s
		} else if err := decodeParams(params, &v); err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		if v.Key == "" {
			return nil, fmt.Errorf("cache: key is required")
		}
		return domain.CacheStep{Name: name, Key: v.Key}, nil

	case domain.StepMove:
		var v struct {
			From string `mapstructure:"from"`
			To   string `mapstructure:"to"`
		}
		if err := decodeParams(params, &v); err != nil {
			return nil, fmt.Errorf("move: %w", err)
		}
		if v.From == "" || v.To == "" {
			return nil, fmt.Errorf("move: from and to are required")
		}
		return domain.MoveStep{Name: name, From: v.From, To: v.To}, nil

	case domain.StepCheckout:
		var v repoDoc
		if err := decodeParams(params, &v); err != nil {
			return nil, fmt.Errorf("checkout: %w", err)
		}
		if v.Repo == "" || v.Path == "" {
			return nil, fmt.Errorf("checkout: repo and path are required")
		}
		return domain.CheckoutStep{
			Name: name,
			Repo: domain.RepoRef{URL: v.Repo, Ref: v.Ref, LFS: v.LFS},
			Path: v.Path,
		}, nil
	}
	return nil, fmt.Errorf("unsupported step kind %q", kind)
}

func decodeParams(in, out any) error {
	if in == nil {
		return fmt.Errorf("missing parameters")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
