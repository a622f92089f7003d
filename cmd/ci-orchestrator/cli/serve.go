package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/davarch/ci-orchestrator/internal/application"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/config"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/httpapi"
	"github.com/davarch/ci-orchestrator/internal/infrastructure/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const reloadDebounce = 300 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: HTTP event ingress plus cron schedules",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgPath)
		log := logging.New(levelFor(cfg.Log.Level))
		defer func() { _ = log.Sync() }()
		if err != nil {
			log.Fatal("config", zap.Error(err))
		}

		defs, err := loadDefinitions(cfg)
		if err != nil {
			log.Fatal("pipelines", zap.Error(err))
		}
		if len(defs) == 0 {
			log.Fatal("no enabled pipelines")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		eng, err := buildEngine(ctx, log, cfg, defs)
		if err != nil {
			log.Fatal("engine", zap.Error(err))
		}
		defer eng.Close()

		sched := application.NewScheduler(log, eng.orch, defs, cfg.Scheduler.PauseFile)
		watchAndReload(ctx, cfgPath, log, eng.router, sched)

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           httpapi.NewHandler(log, eng.orch, eng.metrics.Handler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server", zap.Error(err))
				cancel()
			}
		}()

		log.Info("start",
			zap.String("version", version),
			zap.Int("pipelines", len(defs)),
			zap.String("addr", cfg.Server.Addr),
			zap.String("workspaces", cfg.Workspace.Root),
			zap.Strings("schedules", sched.Specs()),
			zap.Bool("redis", cfg.Redis.Addr != ""),
			zap.Bool("gitlab", cfg.GitLab.Token != ""),
			zap.String("pause_file", cfg.Scheduler.PauseFile),
		)
		sched.Run(ctx)

		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)

		active := eng.orch.Active()
		if len(active) > 0 {
			log.Info("cancelling active runs", zap.Int("runs", len(active)))
		}
		eng.orch.CancelAll()
		eng.orch.Wait()
		log.Info("stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// watchAndReload re-reads the config and every pipeline file it names when
// any of them changes, then swaps the definitions into the router and the
// scheduler. A reload that fails keeps the previous definitions.
func watchAndReload(ctx context.Context, cfgPath string, log *zap.Logger, router *application.Router, sched *application.Scheduler) {
	if cfgPath == "" {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		return
	}

	var (
		mu      sync.Mutex
		timer   *time.Timer
		watched = map[string]bool{}
	)

	// watch directories rather than files so editors that replace files by
	// rename keep being seen
	watchFiles := func(files []string) {
		mu.Lock()
		defer mu.Unlock()
		for k := range watched {
			watched[k] = false
		}
		for _, f := range files {
			abs, err := filepath.Abs(f)
			if err != nil {
				continue
			}
			dir := filepath.Dir(abs)
			if _, ok := watched[abs]; !ok {
				if err := w.Add(dir); err != nil {
					log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
					continue
				}
			}
			watched[abs] = true
		}
	}

	pipelineFiles := func(cfg config.Config) []string {
		files := []string{cfgPath}
		for _, p := range cfg.Pipelines {
			files = append(files, cfg.PipelinePath(p))
		}
		return files
	}

	reload := func() {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		watchFiles(pipelineFiles(cfg))

		defs, err := loadDefinitions(cfg)
		if err != nil {
			log.Warn("pipeline reload failed, keeping previous definitions", zap.Error(err))
			return
		}
		if len(defs) == 0 {
			log.Warn("config reload: no enabled pipelines")
		}
		router.UpdateDefinitions(defs)
		sched.UpdateDefinitions(defs)
	}

	if cfg, err := config.Load(cfgPath); err == nil {
		watchFiles(pipelineFiles(cfg))
	} else {
		watchFiles([]string{cfgPath})
	}

	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer == nil {
			timer = time.AfterFunc(reloadDebounce, reload)
			return
		}
		timer.Reset(reloadDebounce)
	}

	isWatched := func(name string) bool {
		abs, err := filepath.Abs(name)
		if err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return watched[abs]
	}

	go func() {
		defer func() { _ = w.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isWatched(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					trigger()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}
