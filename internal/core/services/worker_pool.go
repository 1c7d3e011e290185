package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/prospector/internal/core/domain"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Size                int
	HealthCheckInterval time.Duration
	Worker              WorkerConfig
}

// workerLoop is the part of a Worker the pool supervises.
type workerLoop interface {
	ID() domain.WorkerID
	Run(ctx context.Context) error
}

type workerExit struct {
	id  domain.WorkerID
	err error
}

// WorkerPool keeps Size workers running, replaces any that exit while the
// pool is up, and runs the crash recovery sweep on a timer.
type WorkerPool struct {
	logger *slog.Logger
	cfg    PoolConfig
	env    WorkerEnv
	spawn  func(domain.WorkerID) workerLoop

	mu       sync.Mutex
	workers  map[domain.WorkerID]workerLoop
	restarts atomic.Int64
}

func NewWorkerPool(logger *slog.Logger, cfg PoolConfig, env WorkerEnv) *WorkerPool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	cfg.Worker = cfg.Worker.withDefaults()
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = cfg.Worker.HeartbeatInterval
	}
	p := &WorkerPool{
		logger:  logger,
		cfg:     cfg,
		env:     env,
		workers: make(map[domain.WorkerID]workerLoop),
	}
	p.spawn = func(id domain.WorkerID) workerLoop {
		return NewWorker(id, logger, env, cfg.Worker)
	}
	return p
}

func newWorkerID() domain.WorkerID {
	return domain.WorkerID("worker-" + uuid.NewString()[:8])
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "size", p.cfg.Size)

	exits := make(chan workerExit, p.cfg.Size)
	var wg sync.WaitGroup
	start := func() {
		w := p.spawn(newWorkerID())
		p.mu.Lock()
		p.workers[w.ID()] = w
		p.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			exits <- workerExit{id: w.ID(), err: runSupervised(ctx, w)}
		}()
	}
	for range p.cfg.Size {
		start()
	}

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			p.mu.Lock()
			for id := range p.workers {
				p.forget(id)
			}
			p.mu.Unlock()
			p.logger.Info("worker pool stopped", "restarts", p.restarts.Load())
			return nil
		case ex := <-exits:
			p.mu.Lock()
			p.forget(ex.id)
			p.mu.Unlock()
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("worker exited, starting replacement", "worker_id", ex.id, "error", ex.err)
			p.restarts.Add(1)
			start()
		case <-ticker.C:
			if p.env.Recovery == nil {
				continue
			}
			if _, err := p.env.Recovery.Sweep(ctx); err != nil {
				p.logger.Error("crash recovery sweep failed", "error", err)
			}
		}
	}
}

// forget drops a worker and its heartbeat. Callers hold p.mu.
func (p *WorkerPool) forget(id domain.WorkerID) {
	delete(p.workers, id)
	if p.env.Heartbeats != nil {
		p.env.Heartbeats.Remove(id)
	}
}

// runSupervised turns a panicking worker into an exit error.
func runSupervised(ctx context.Context, w workerLoop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return w.Run(ctx)
}

// Workers returns the ids of the live workers.
func (p *WorkerPool) Workers() []domain.WorkerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]domain.WorkerID, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Restarts is how many workers were replaced since the pool started.
func (p *WorkerPool) Restarts() int64 { return p.restarts.Load() }

func (p *WorkerPool) Size() int { return p.cfg.Size }
