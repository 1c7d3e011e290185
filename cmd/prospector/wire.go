package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"

	"github.com/manthysbr/prospector/internal/adapters/docker"
	"github.com/manthysbr/prospector/internal/adapters/duckdb"
	"github.com/manthysbr/prospector/internal/adapters/filestore"
	"github.com/manthysbr/prospector/internal/config"
	"github.com/manthysbr/prospector/internal/core/domain"
	"github.com/manthysbr/prospector/internal/core/ports"
	"github.com/manthysbr/prospector/internal/core/services"
	"github.com/manthysbr/prospector/internal/tools"
)

// wiring holds the wired components and the resources to release on exit.
type wiring struct {
	controller *services.JobController
	pool       *services.WorkerPool
	artifacts  *services.ArtifactManager
	closers    []io.Closer
}

func (r *wiring) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *wiring, err error) {
	rt := &wiring{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	metrics, err := services.NewMetricsCollector(otel.GetMeterProvider().Meter(cliExecutable))
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	// Storage
	repo, transitions, err := openStorage(logger, cfg.Store, rt)
	if err != nil {
		return nil, err
	}

	// Tools
	registry := domain.NewToolRegistry()
	if err := tools.RegisterBuiltins(registry, tools.Options{
		UserAgent:    cfg.Tools.Web.UserAgent,
		BraveAPIKey:  cfg.Tools.Web.BraveAPIKey,
		AllowPrivate: cfg.Tools.Web.AllowPrivate,
	}); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}
	if cfg.Tools.Docker.Enabled {
		if err := registerContainerTools(ctx, logger, cfg.Tools.Docker, registry, rt); err != nil {
			return nil, err
		}
	}
	toolbelt := services.NewToolbelt(logger, registry, services.ToolbeltConfig{
		Retry: services.RetryPolicy{
			MaxAttempts:   cfg.Tools.MaxAttempts,
			BaseBackoff:   cfg.Tools.BaseBackoff,
			MaxBackoff:    cfg.Tools.MaxBackoff,
			RateLimitWait: cfg.Tools.RateLimitWait,
		},
		Breaker: services.BreakerConfig{
			Scope:            cfg.Tools.BreakerScope,
			FailureThreshold: cfg.Tools.FailureThreshold,
			RecoveryTimeout:  cfg.Tools.RecoveryTimeout,
		},
		DefaultTimeout: cfg.Tools.DefaultTimeout,
		CacheTTL:       cfg.Tools.CacheTTL,
		CacheSize:      cfg.Tools.CacheSize,
		MaxConcurrent:  cfg.Tools.MaxConcurrent,
		RedactFields:   cfg.Tools.RedactFields,
	}, metrics)

	// Persistence of run progress
	checkpoints, err := services.NewCheckpointManager(logger, services.CheckpointConfig{
		Dir:               cfg.Checkpoints.Dir,
		TimeInterval:      cfg.Checkpoints.TimeInterval,
		StepInterval:      cfg.Checkpoints.StepInterval,
		VolumeInterval:    cfg.Checkpoints.VolumeInterval,
		StageMinInterval:  cfg.Checkpoints.StageMinInterval,
		ItemMilestones:    cfg.Checkpoints.ItemMilestones,
		APICallMilestones: cfg.Checkpoints.APICallMilestones,
		Keep:              cfg.Checkpoints.Keep,
		Sanitize: services.SanitizeConfig{
			MaxDepth:          cfg.Checkpoints.MaxDepth,
			MaxCollectionSize: cfg.Checkpoints.MaxCollectionSize,
			MaxStringLength:   cfg.Checkpoints.MaxStringLength,
			HistoryKeep:       cfg.Checkpoints.HistoryKeep,
		},
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("init checkpoints: %w", err)
	}
	artifacts, err := services.NewArtifactManager(logger, services.ArtifactConfig{
		Dir:             cfg.Artifacts.Dir,
		CompressOnStore: cfg.Artifacts.Compress,
		CompressAfter:   cfg.Artifacts.CompressAfter,
		MaxPerType:      cfg.Artifacts.MaxPerType,
		CleanupInterval: cfg.Artifacts.CleanupInterval,
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("init artifacts: %w", err)
	}
	rt.artifacts = artifacts

	// Job store
	store := services.NewJobStore(logger, repo, transitions, services.NewProgressBus(logger), metrics)
	n, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("job store loaded", "jobs", n)

	// Workers
	heartbeats := services.NewHeartbeatRegistry()
	recovery := services.NewCrashRecovery(logger, store, heartbeats, cfg.Workers.HeartbeatInterval, cfg.Workers.MissingHeartbeatGrace)
	runner := services.NewStepRunner(logger)
	rt.pool = services.NewWorkerPool(logger, services.PoolConfig{
		Size:                cfg.Workers.Count,
		HealthCheckInterval: cfg.Workers.HealthCheckInterval,
		Worker: services.WorkerConfig{
			PollInterval:      cfg.Workers.PollInterval,
			HeartbeatInterval: cfg.Workers.HeartbeatInterval,
			Tags:              cfg.Workers.Tags,
		},
	}, services.WorkerEnv{
		Store:       store,
		Tools:       toolbelt,
		Checkpoints: checkpoints,
		Artifacts:   artifacts,
		Heartbeats:  heartbeats,
		Recovery:    recovery,
		Process:     runner.Process,
	})

	rt.controller = services.NewJobController(logger, services.ControllerDeps{
		Store:       store,
		Tools:       toolbelt,
		Checkpoints: checkpoints,
		Artifacts:   artifacts,
		Heartbeats:  heartbeats,
		Transitions: transitions,
		Metrics:     metrics,
	})
	return rt, nil
}

// openStorage opens the job repository and the transition log. With the
// duckdb backend both live in the same database.
func openStorage(logger *slog.Logger, cfg config.StoreConfig, rt *wiring) (ports.JobRepository, ports.TransitionRecorder, error) {
	var transitions ports.TransitionRecorder
	switch cfg.Backend {
	case "duckdb":
		db, err := openDuckDB(filepath.Join(cfg.Dir, "jobs.duckdb"))
		if err != nil {
			return nil, nil, err
		}
		rt.closers = append(rt.closers, db)
		return db, db, nil
	default:
		fs, err := filestore.Open(logger, cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open job store: %w", err)
		}
		rt.closers = append(rt.closers, fs)
		if cfg.TransitionLog != "" {
			db, err := openDuckDB(cfg.TransitionLog)
			if err != nil {
				return nil, nil, err
			}
			rt.closers = append(rt.closers, db)
			transitions = db
		}
		return fs, transitions, nil
	}
}

func openDuckDB(path string) (*duckdb.Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := duckdb.NewRepository(path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %s: %w", path, err)
	}
	return db, nil
}

func registerContainerTools(ctx context.Context, logger *slog.Logger, cfg config.DockerConfig, registry *domain.ToolRegistry, rt *wiring) error {
	mgr, err := docker.NewManager(logger)
	if err != nil {
		return fmt.Errorf("init docker manager: %w", err)
	}
	rt.closers = append(rt.closers, mgr)

	pruned, err := mgr.PruneStale(ctx)
	if err != nil {
		return fmt.Errorf("prune stale tool containers: %w", err)
	}
	if pruned > 0 {
		logger.Info("removed stale tool containers", "count", pruned)
	}

	for _, t := range cfg.Tools {
		spec := services.ContainerToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Image:       t.Image,
			Command:     t.Command,
			Env:         t.Env,
			Parameters:  domain.ToolParameters{Type: "object", Required: t.Required},
			ResourceCPU: t.CPU,
			ResourceMem: t.MemoryMB * 1024 * 1024,
		}
		if err := registry.Register(services.NewContainerTool(mgr, spec)); err != nil {
			return fmt.Errorf("register container tool %s: %w", t.Name, err)
		}
		logger.Info("container tool registered", "tool", t.Name, "image", t.Image)
	}
	return nil
}
