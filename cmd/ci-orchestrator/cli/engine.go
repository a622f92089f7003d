package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davarch/ci-orchestrator/internal/application"
	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/config"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/git_cli"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/gitlab_http"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/metrics"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/notify_libnotify"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/pipelinefile"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/redis_registry"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/shell_exec"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/status_fs"
	"go.uber.org/zap"
)

// engine is every long-lived component built from one config.
type engine struct {
	router   *application.Router
	groups   *application.GroupManager
	orch     *application.Orchestrator
	metrics  *metrics.Metrics
	registry *redis_registry.Registry
}

func (e *engine) Close() {
	e.groups.Flush()
	if e.registry != nil {
		_ = e.registry.Close()
	}
}

// loadDefinitions parses every enabled pipeline. One broken file does not
// hide the others; all problems are returned together.
func loadDefinitions(cfg config.Config) ([]*domain.PipelineDefinition, error) {
	var (
		defs []*domain.PipelineDefinition
		errs []error
	)
	seen := make(map[string]string)
	for _, p := range cfg.Enabled() {
		path := cfg.PipelinePath(p)
		def, err := pipelinefile.ParseFile(path, pipelinefile.Defaults{Repository: p.Repo, DefaultBranch: p.Branch})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[def.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: pipeline %q already defined in %s", path, def.Name, prev))
			continue
		}
		seen[def.Name] = path
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}

func buildEngine(ctx context.Context, log *zap.Logger, cfg config.Config, defs []*domain.PipelineDefinition, sinks ...domain.Reporter) (*engine, error) {
	e := &engine{metrics: metrics.New()}

	var registry domain.GroupRegistry
	if cfg.Redis.Addr != "" {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		r, err := redis_registry.Dial(dctx, cfg.Redis.Addr, cfg.Redis.Prefix)
		cancel()
		if err != nil {
			return nil, err
		}
		e.registry = r
		registry = r
	}

	sinks = append(sinks, e.metrics)
	if cfg.GitLab.Token != "" {
		sinks = append(sinks, gitlab_http.New(cfg.GitLab.BaseURL, cfg.GitLab.Token, cfg.GitLab.Timeout))
	}

	var note domain.Notifier
	if cfg.Notify.Enabled {
		if cfg.Notify.Soft {
			note = notify_libnotify.NewSoft()
		} else {
			note = notify_libnotify.New()
		}
	}

	var cache domain.StatusCache
	if cfg.Status.Path != "" {
		cache = status_fs.New(cfg.Status.Path)
	}

	assembler := application.NewAssembler(log,
		git_cli.New(log, cfg.Fetch.GitBinary),
		cfg.Workspace.Root,
		application.WithRetryPolicy(application.RetryPolicy{
			Retries:         cfg.Fetch.Retries,
			InitialInterval: cfg.Fetch.InitialInterval,
			MaxInterval:     cfg.Fetch.MaxInterval,
		}),
		application.WithKeepWorkspaces(cfg.Workspace.Keep),
		application.WithRetryHook(e.metrics.FetchRetried),
	)

	steps := application.NewStepExecutor(log, assembler, shell_exec.New(cfg.Toolchain.Shell),
		application.WithInstallCommand(cfg.Toolchain.InstallCommand),
		application.WithCacheDir(cfg.Workspace.CacheDir),
	)

	e.groups = application.NewGroupManager(log, registry)
	if registry != nil {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		n, err := e.groups.Reconcile(rctx)
		cancel()
		if err != nil {
			log.Warn("registry reconcile failed", zap.Error(err))
		} else if n > 0 {
			log.Info("registry reconciled", zap.Int("cleared", n))
		}
	}

	e.router = application.NewRouter(log, defs)
	e.orch = application.NewOrchestrator(log,
		e.router,
		e.groups,
		assembler,
		application.NewJobRunner(log, steps),
		application.NewPublisher(log, cache, note, sinks...),
	)
	return e, nil
}
