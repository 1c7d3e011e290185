package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/manthysbr/prospector/internal/core/domain"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Recovery reasons stamped on requeued jobs.
const (
	ReasonHeartbeatMissing = "worker heartbeat missing"
	ReasonHeartbeatStale   = "worker heartbeat stale"
	ReasonUnassigned       = "running job without worker"
	ReasonShutdown         = "worker shutdown"
	ReasonPersistFailure   = "final state not persisted"
)

// CrashRecovery finds RUNNING jobs whose worker stopped heartbeating and puts
// them back in the queue.
type CrashRecovery struct {
	logger     *slog.Logger
	store      *JobStore
	heartbeats *HeartbeatRegistry
	interval   time.Duration
	grace      time.Duration
	now        func() time.Time
}

// NewCrashRecovery builds the detector. A worker is crashed when its heartbeat
// is older than 2*interval, or when it has no heartbeat at all and the job
// was assigned more than grace ago. grace defaults to 2*interval.
func NewCrashRecovery(logger *slog.Logger, store *JobStore, heartbeats *HeartbeatRegistry, interval, grace time.Duration) *CrashRecovery {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if grace <= 0 {
		grace = 2 * interval
	}
	return &CrashRecovery{
		logger:     logger,
		store:      store,
		heartbeats: heartbeats,
		interval:   interval,
		grace:      grace,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Sweep checks every running job once and returns how many were requeued.
func (c *CrashRecovery) Sweep(ctx context.Context) (int, error) {
	now := c.now()
	recovered := 0
	var errs []error
	for _, job := range c.store.RunningJobs() {
		crashed, reason := c.crashed(job, now)
		if !crashed {
			continue
		}
		if err := c.store.RecoverJob(ctx, job.ID, reason); err != nil {
			// The job may have finished between listing and recovery.
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Info("crash recovery requeued jobs", "count", recovered)
	}
	return recovered, errors.Join(errs...)
}

func (c *CrashRecovery) crashed(job domain.Job, now time.Time) (bool, string) {
	worker := domain.WorkerID(job.Metadata.AssignedWorker)
	if worker == "" {
		return true, ReasonUnassigned
	}
	hb, ok := c.heartbeats.Get(worker)
	if !ok {
		assigned := job.Metadata.AssignedAt
		if assigned == nil || now.Sub(*assigned) > c.grace {
			return true, ReasonHeartbeatMissing
		}
		return false, ""
	}
	if hb.Stale(now, 2*c.interval) {
		return true, ReasonHeartbeatStale
	}
	return false, ""
}

// Run sweeps every period until ctx is cancelled.
func (c *CrashRecovery) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = c.interval
	}
	c.logger.Info("health monitor started", "interval", period)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("health monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Error("crash recovery sweep failed", "error", err)
			}
		}
	}
}
