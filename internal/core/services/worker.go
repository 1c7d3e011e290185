package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manthysbr/prospector/internal/core/domain"
)

// WorkerConfig configures one worker loop.
type WorkerConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Tags              []string
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// WorkerEnv bundles the shared components every worker uses.
type WorkerEnv struct {
	Store       *JobStore
	Tools       *Toolbelt
	Checkpoints *CheckpointManager
	Artifacts   *ArtifactManager
	Heartbeats  *HeartbeatRegistry
	Recovery    *CrashRecovery
	Process     ProcessFunc
}

// Worker dequeues one job at a time and drives it through Process.
type Worker struct {
	id     domain.WorkerID
	logger *slog.Logger
	env    WorkerEnv
	cfg    WorkerConfig

	processed atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	current domain.JobID
	status  domain.HealthStatus
}

func NewWorker(id domain.WorkerID, logger *slog.Logger, env WorkerEnv, cfg WorkerConfig) *Worker {
	return &Worker{
		id:     id,
		logger: logger.With("worker_id", id),
		env:    env,
		cfg:    cfg.withDefaults(),
		status: domain.HealthStatusStarting,
	}
}

func (w *Worker) ID() domain.WorkerID { return w.id }

// Run loops until ctx is cancelled. A failing job never stops the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "tags", w.cfg.Tags)
	w.beat()

	if w.env.Recovery != nil {
		if _, err := w.env.Recovery.Sweep(ctx); err != nil {
			w.logger.Error("startup recovery pass failed", "error", err)
		}
	}

	hbDone := make(chan struct{})
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
		w.setState("", domain.HealthStatusExited)
		w.logger.Info("worker stopped", "processed", w.processed.Load(), "failed", w.failed.Load())
	}()

	w.setState("", domain.HealthStatusIdle)
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, ok, err := w.env.Store.Dequeue(ctx, w.id, w.cfg.Tags)
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
			_ = sleepCtx(ctx, w.cfg.PollInterval)
			continue
		}
		if !ok {
			_ = sleepCtx(ctx, w.cfg.PollInterval)
			continue
		}
		w.runJob(ctx, job)
	}
}

func (w *Worker) runJob(ctx context.Context, job domain.Job) {
	logger := w.logger.With("job_id", job.ID)
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if !w.env.Store.BindRun(job.ID, w.id, cancel) {
		logger.Info("job left running state before start")
		return
	}
	defer w.env.Store.ReleaseRun(job.ID, w.id)

	w.setState(job.ID, domain.HealthStatusBusy)
	w.beat()
	defer w.setState("", domain.HealthStatusIdle)

	run := &JobRun{
		Job:         job,
		Logger:      logger,
		worker:      w.id,
		state:       job.RunState.Clone(),
		progress:    job.Progress,
		store:       w.env.Store,
		tools:       w.env.Tools,
		checkpoints: w.env.Checkpoints,
		artifacts:   w.env.Artifacts,
	}
	if run.state.StateVersion == 0 {
		run.state = domain.NewRunState()
	}
	if w.env.Checkpoints != nil {
		run.tracker = w.env.Checkpoints.NewTracker(time.Now().UTC())
	}

	logger.Info("job started", "goal", job.Goal, "retry_count", job.Metadata.RetryCount)
	err := w.process(jobCtx, run)
	cause := context.Cause(jobCtx)

	// Post-processing I/O must survive both job cancellation and shutdown.
	bg := context.WithoutCancel(ctx)
	switch {
	case errors.Is(cause, domain.ErrPauseRequested):
		if err := run.SaveState(bg); err != nil {
			logger.Warn("failed to persist paused state", "error", err)
		}
		run.Checkpoint(bg, domain.CheckpointPaused, "pause requested")
		logger.Info("job paused")
	case errors.Is(cause, domain.ErrJobCancelled):
		logger.Info("job cancelled")
	case errors.Is(cause, domain.ErrJobNotOwned):
		logger.Warn("job was recovered while running on this worker")
	case ctx.Err() != nil:
		if err := run.SaveState(bg); err != nil {
			logger.Warn("failed to persist state on shutdown", "error", err)
		}
		run.Checkpoint(bg, domain.CheckpointPeriodic, ReasonShutdown)
		if err := w.env.Store.RecoverJob(bg, job.ID, ReasonShutdown); err != nil {
			logger.Warn("failed to requeue job on shutdown", "error", err)
		}
	case err == nil:
		if !w.complete(bg, run) {
			w.release(ctx, run)
		}
	default:
		if !w.fail(bg, run, err) {
			w.release(ctx, run)
		}
	}
}

// process runs the ProcessFunc, turning a panic into an error.
func (w *Worker) process(ctx context.Context, run *JobRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing panicked: %v", r)
			run.Logger.Error("job processing panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return w.env.Process(ctx, run)
}

// complete reports whether the job reached a terminal state. A completion
// that cannot be written fails the job as critical instead.
func (w *Worker) complete(ctx context.Context, run *JobRun) bool {
	if err := run.SaveState(ctx); err != nil {
		run.Logger.Warn("failed to persist final state", "error", err)
	}
	summary := map[string]any{
		"job_id":   run.Job.ID,
		"goal":     run.Job.Goal,
		"stage":    run.state.Stage,
		"steps":    run.state.Step,
		"counters": run.state.Counters,
		"errors":   len(run.state.Errors),
	}
	if _, err := run.StoreArtifact(ctx, "summary.json", domain.ArtifactTypeSummary, summary, domain.RetentionDefault); err != nil {
		run.Logger.Warn("failed to store summary artifact", "error", err)
	}
	if err := w.env.Store.Complete(ctx, run.Job.ID, w.id); err != nil {
		if errors.Is(err, domain.ErrJobNotOwned) {
			run.Logger.Warn("job no longer held by this worker", "error", err)
			return true
		}
		run.Logger.Error("could not mark job completed", "error", err)
		return w.fail(ctx, run, &domain.CriticalError{Op: "complete", Err: err})
	}
	w.processed.Add(1)
	run.Logger.Info("job completed")
	return true
}

// fail reports whether the job reached a terminal state.
func (w *Worker) fail(ctx context.Context, run *JobRun, cause error) bool {
	kind := "processing"
	if domain.IsCritical(cause) {
		kind = "critical"
	}
	run.state.RecordError(domain.ErrorEntry{At: time.Now().UTC(), Kind: kind, Message: cause.Error()})
	if err := run.SaveState(ctx); err != nil {
		run.Logger.Warn("failed to persist failed state", "error", err)
	}
	run.Checkpoint(ctx, domain.CheckpointFailed, cause.Error())

	if err := w.env.Store.Fail(ctx, run.Job.ID, w.id, cause); err != nil {
		if errors.Is(err, domain.ErrJobNotOwned) {
			run.Logger.Warn("job no longer held by this worker", "error", err)
			return true
		}
		run.Logger.Error("could not mark job failed", "error", err)
		return false
	}
	w.failed.Add(1)
	run.Logger.Error("job failed", "error", cause, "critical", kind == "critical")

	if _, err := run.StoreArtifact(ctx, "error_summary.json", domain.ArtifactTypeErrorSummary, errorSummary(run, cause), domain.RetentionLong); err != nil {
		run.Logger.Warn("failed to store error summary", "error", err)
	}
	return true
}

// release requeues a job whose final status could not be written. It retries
// until the store accepts the change, the job leaves this worker, or ctx ends.
func (w *Worker) release(ctx context.Context, run *JobRun) {
	bg := context.WithoutCancel(ctx)
	backoff := RetryPolicy{BaseBackoff: w.cfg.PollInterval, MaxBackoff: 30 * time.Second}.withDefaults()
	for attempt := 1; ; attempt++ {
		err := w.env.Store.RecoverJob(bg, run.Job.ID, ReasonPersistFailure)
		if err == nil {
			run.Logger.Warn("job requeued after persist failure", "attempts", attempt)
			return
		}
		if job, gerr := w.env.Store.GetJob(run.Job.ID); gerr != nil ||
			job.Status != domain.JobStatusRunning || job.Metadata.AssignedWorker != string(w.id) {
			return
		}
		wait := backoff.Backoff(attempt)
		run.Logger.Warn("could not requeue job, retrying", "attempt", attempt, "wait", wait, "error", err)
		if sleepCtx(ctx, wait) != nil {
			run.Logger.Error("gave up requeueing job on shutdown", "error", err)
			return
		}
	}
}

// errorSummary lists the recent errors of a run and counts them by kind.
func errorSummary(run *JobRun, cause error) map[string]any {
	byKind := make(map[string]int)
	for _, e := range run.state.Errors {
		byKind[e.Kind]++
	}
	return map[string]any{
		"job_id":        run.Job.ID,
		"error":         cause.Error(),
		"critical":      domain.IsCritical(cause),
		"stage":         run.state.Stage,
		"step":          run.state.Step,
		"recent_errors": run.state.Errors,
		"counts":        byKind,
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat()
		}
	}
}

func (w *Worker) beat() {
	if w.env.Heartbeats == nil {
		return
	}
	w.env.Heartbeats.Beat(w.Heartbeat())
}

// Heartbeat returns the worker's current liveness record.
func (w *Worker) Heartbeat() domain.Heartbeat {
	w.mu.Lock()
	defer w.mu.Unlock()
	return domain.Heartbeat{
		WorkerID:       w.id,
		Timestamp:      time.Now().UTC(),
		CurrentJob:     w.current,
		Status:         w.status,
		ProcessedCount: w.processed.Load(),
		FailedCount:    w.failed.Load(),
	}
}

func (w *Worker) setState(job domain.JobID, status domain.HealthStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = job
	w.status = status
}
