package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	executor, err := agent.NewLocalExecutor(logger)
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}
	if err := registerBuiltinWorkers(executor); err != nil {
		return fmt.Errorf("register workers: %w", err)
	}

	if err := loadDefinitions(ctx, cfg.DefinitionsDir, st, logger); err != nil {
		return fmt.Errorf("load workflow definitions: %w", err)
	}

	eng := engine.New(st, executor, engine.Config{PoolSize: cfg.PoolSize}, logger)

	var sched *scheduler.Scheduler
	if cfg.Scheduler {
		sched = scheduler.NewScheduler(st, eng, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-schedule recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	logger.Info("loom started",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Bool("scheduler", cfg.Scheduler),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if sched != nil {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler stop failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// loadDefinitions registers workflow definition files dropped into the
// definitions directory. Files that fail validation are skipped with a
// warning; a definition whose name is already registered is left alone.
func loadDefinitions(ctx context.Context, dir string, st store.Store, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		return err
	}

	existing, err := st.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(existing))
	for _, wf := range existing {
		known[wf.Name] = struct{}{}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable definition", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}

		def, err := validator.ValidateDefinition(raw)
		if err != nil {
			logger.Warn("skipping invalid definition", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if _, ok := known[def.Name]; ok {
			continue
		}

		wf, steps := validation.Materialize(def)
		if err := st.CreateWorkflow(ctx, wf, steps); err != nil {
			logger.Warn("failed to register definition", slog.String("name", def.Name), slog.String("error", err.Error()))
			continue
		}
		known[def.Name] = struct{}{}
		logger.Info("registered workflow definition",
			slog.String("name", def.Name),
			slog.String("workflow_id", wf.ID),
			slog.Int("steps", len(steps)),
		)
	}
	return nil
}

// registerBuiltinWorkers installs the expression workers every deployment
// gets. Deployments add func-kind workers on top of these.
func registerBuiltinWorkers(executor *agent.LocalExecutor) error {
	workers := []agent.Worker{
		{ID: "expr", Name: "Expr logic worker", Kind: agent.WorkerKindExpr},
		{ID: "jq", Name: "JQ transform worker", Kind: agent.WorkerKindJQ},
		{ID: "cel", Name: "CEL condition worker", Kind: agent.WorkerKindCEL},
	}
	for _, w := range workers {
		if err := executor.RegisterWorker(w); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
