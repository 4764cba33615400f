package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rendis/stagehand/internal/engine"
	"github.com/rendis/stagehand/internal/expressions"
	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/logging"
	"github.com/rendis/stagehand/internal/reaper"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/internal/streaming"
	"github.com/rendis/stagehand/internal/waiter"
	"github.com/rendis/stagehand/pkg/mcp"
)

func main() {
	cmd := "serve"
	var args []string
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	switch cmd {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "validate":
		os.Exit(runValidate(args))
	case "version", "--version", "-v":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, validate or version)\n", cmd)
		os.Exit(2)
	}
}

// components is everything runServe wires together.
type components struct {
	store   store.Store
	repo    *graph.Repository
	waiter  *waiter.MemoryWaiter
	hub     *streaming.MemoryHub
	service *engine.Service
	reaper  *reaper.Reaper
	closers []func() error
}

func (c *components) close() {
	c.service.Close()
	c.waiter.Close()
	c.closeStore()
}

func (c *components) closeStore() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
	c.closers = nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.LogLevel))
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.reaper.Start(ctx); err != nil {
		return err
	}
	defer c.reaper.Stop()

	go watchReload(ctx, cfg, level, c.repo, logger)

	srv := mcp.NewStagehandServer(mcp.ServerDeps{Service: c.service, Graphs: c.repo, Hub: c.hub, Logger: logger})
	logger.Info("stagehand serving on stdio",
		"version", version, "graphs_dir", cfg.GraphsDir, "pool_size", cfg.PoolSize)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// build wires the store, graph repository, advisors, executor and reaper.
func build(ctx context.Context, cfg Config, logger *slog.Logger) (*components, error) {
	c := &components{}

	s, closeStore, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	c.store = s
	if closeStore != nil {
		c.closers = append(c.closers, closeStore)
	}

	var source graph.Source
	if cfg.GraphsDir != "" {
		source = graph.DirSource{Dir: cfg.GraphsDir}
	}
	repo, err := graph.NewRepository(source, graph.NewRegistry(), cfg.GraphCacheSize)
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.repo = repo

	cel, err := expressions.NewCELEngine()
	if err != nil {
		c.closeStore()
		return nil, fmt.Errorf("cel engine: %w", err)
	}
	advisors := []engine.Advisor{
		engine.CircuitBreakerAdvisor{Registry: engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig())},
		engine.NewSkipConditionAdvisor(cel, logger),
		engine.FailurePolicyAdvisor{},
	}

	c.waiter = waiter.New(waiter.WithLogger(logger))
	c.hub = streaming.NewMemoryHub()

	exec := engine.NewExecutor(s, repo, c.waiter, c.hub, engine.ExecutorConfig{
		PoolSize:         cfg.PoolSize,
		DefaultTimeout:   durationOf(cfg.DefaultStepTimeout),
		AbortGracePeriod: durationOf(cfg.AbortGracePeriod),
		Advisors:         advisors,
		DefaultCallback: func(ctx context.Context, res engine.ExecutionResult) {
			ctx = logging.WithExecutionID(ctx, res.ExecutionID)
			logger.InfoContext(ctx, "execution finished", "status", res.Status, "error", res.ErrorMessage)
		},
	}, logger)
	c.service = engine.NewService(exec, s, c.waiter, logger)

	r, err := reaper.New(s, exec.Interrupts(), cfg.ReaperSchedule, logger)
	if err != nil {
		c.close()
		return nil, err
	}
	c.reaper = r
	return c, nil
}

// openStore opens the libSQL database at dbPath and migrates it. An empty
// path selects the in-memory store.
func openStore(ctx context.Context, dbPath string) (store.Store, func() error, error) {
	if dbPath == "" {
		return store.NewMemoryStore(), nil, nil
	}
	if file, ok := strings.CutPrefix(dbPath, "file:"); ok {
		if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
			return nil, nil, err
		}
	}
	s, err := store.NewLibSQLStore(dbPath)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return s, s.Close, nil
}

// watchReload re-reads the configuration on SIGHUP. The log level applies
// immediately and cached graphs are dropped so edited definition files are
// picked up; every other change needs a restart.
func watchReload(ctx context.Context, current Config, level *slog.LevelVar, repo *graph.Repository, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		next, err := loadConfig()
		if err != nil {
			logger.Error("reload failed", "error", err)
			continue
		}
		diff := diffConfigs(current, next)
		if diff.LogLevelChanged {
			level.Set(parseLevel(next.LogLevel))
			current.LogLevel = next.LogLevel
		}
		repo.Purge()
		if len(diff.RestartNeeded) > 0 {
			logger.Warn("configuration changes need a restart", "fields", diff.RestartNeeded)
		}
		logger.Info("configuration reloaded", "log_level", current.LogLevel)
	}
}

// runValidate checks graph definition files and reports every issue found.
func runValidate(paths []string) int {
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: stagehand validate <definition file>...")
		return 2
	}
	status := 0
	for _, path := range paths {
		def, err := graph.LoadDefinitionFile(path)
		if err == nil {
			_, err = graph.Build(def, graph.NewRegistry())
		}
		if err != nil {
			fmt.Printf("%s: %v\n", path, err)
			status = 1
			continue
		}
		fmt.Printf("%s: ok (%s, %d steps)\n", path, def.ID, len(def.Nodes))
	}
	return status
}
