package services

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/manthysbr/prospector/internal/core/domain"
	"github.com/manthysbr/prospector/internal/core/ports"
)

// SubmitOptions are the caller-controlled fields of a new job.
type SubmitOptions struct {
	Priority    int
	Tags        []string
	ScheduledAt *time.Time
	MaxRetries  *int
	Config      map[string]any
	Labels      map[string]string
}

// ControllerDeps are the components the controller reads from. Only Store is
// required.
type ControllerDeps struct {
	Store       *JobStore
	Tools       *Toolbelt
	Checkpoints *CheckpointManager
	Artifacts   *ArtifactManager
	Heartbeats  *HeartbeatRegistry
	Transitions ports.TransitionRecorder
	Metrics     *MetricsCollector
}

// ControllerStats is the aggregate view served by the stats endpoint.
type ControllerStats struct {
	Jobs     StoreStats         `json:"jobs"`
	Metrics  map[string]int64   `json:"metrics"`
	Breakers map[string]string  `json:"breakers,omitempty"`
	Workers  []domain.Heartbeat `json:"workers"`
}

// JobController is the control surface over the job store: submission,
// lifecycle commands and read-side queries.
type JobController struct {
	logger *slog.Logger
	deps   ControllerDeps
}

func NewJobController(logger *slog.Logger, deps ControllerDeps) *JobController {
	return &JobController{logger: logger, deps: deps}
}

// Submit validates and enqueues a new job.
func (c *JobController) Submit(ctx context.Context, goal string, opts SubmitOptions) (domain.JobID, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", domain.NewValidationError("goal is required")
	}
	if opts.Priority < 0 || opts.Priority > domain.MaxPriority {
		return "", domain.NewValidationError(fmt.Sprintf("priority must be between 0 and %d", domain.MaxPriority))
	}
	if opts.MaxRetries != nil && *opts.MaxRetries < 0 {
		return "", domain.NewValidationError("max_retries must be >= 0")
	}
	for _, tag := range opts.Tags {
		if strings.TrimSpace(tag) == "" {
			return "", domain.NewValidationError("tags must not be empty")
		}
	}
	if c.deps.Tools != nil {
		if err := ValidateSteps(opts.Config, c.deps.Tools.Registry()); err != nil {
			return "", err
		}
	}

	job := domain.Job{Goal: goal}
	if opts.Config != nil {
		job.Config = deepcopy.Copy(opts.Config).(map[string]any)
	}
	if len(opts.Labels) > 0 {
		job.Metadata.Labels = maps.Clone(opts.Labels)
	}
	id, err := c.deps.Store.Enqueue(ctx, job, EnqueueOptions{
		Priority:    opts.Priority,
		Tags:        slices.Clone(opts.Tags),
		ScheduledAt: opts.ScheduledAt,
		MaxRetries:  opts.MaxRetries,
	})
	if err != nil {
		return "", err
	}
	c.logger.Info("job submitted", "job_id", id, "goal", goal)
	return id, nil
}

func (c *JobController) Status(id domain.JobID) (domain.Job, error) {
	return c.deps.Store.GetJob(id)
}

// Progress returns the current progress snapshot of a job.
func (c *JobController) Progress(id domain.JobID) (domain.ProgressSnapshot, error) {
	return c.deps.Store.GetProgress(id)
}

func (c *JobController) Pause(ctx context.Context, id domain.JobID) error {
	return c.deps.Store.Pause(ctx, id)
}

func (c *JobController) Resume(ctx context.Context, id domain.JobID) error {
	return c.deps.Store.Resume(ctx, id)
}

func (c *JobController) Cancel(ctx context.Context, id domain.JobID, reason string) error {
	return c.deps.Store.Cancel(ctx, id, reason)
}

func (c *JobController) Retry(ctx context.Context, id domain.JobID) error {
	return c.deps.Store.Retry(ctx, id)
}

// Schedule moves the earliest start of a queued job. A zero time clears it.
func (c *JobController) Schedule(ctx context.Context, id domain.JobID, at time.Time) error {
	return c.deps.Store.Schedule(ctx, id, at)
}

func (c *JobController) List(filter JobFilter) []domain.Job {
	return c.deps.Store.ListJobs(filter)
}

// Stream opens the progress stream of a job. The channel is closed after the
// final snapshot; call the returned func to stop listening early.
func (c *JobController) Stream(id domain.JobID) (<-chan domain.ProgressSnapshot, func(), error) {
	return c.deps.Store.Subscribe(id)
}

func (c *JobController) QueueDepth() int {
	return c.deps.Store.QueueDepth()
}

func (c *JobController) Stats() ControllerStats {
	st := ControllerStats{
		Jobs:    c.deps.Store.Stats(),
		Metrics: map[string]int64{},
		Workers: []domain.Heartbeat{},
	}
	if c.deps.Metrics != nil {
		st.Metrics = c.deps.Metrics.Snapshot()
	}
	if c.deps.Tools != nil {
		st.Breakers = make(map[string]string)
		for _, name := range c.deps.Tools.Registry().Names() {
			st.Breakers[name] = c.deps.Tools.BreakerState(name)
		}
	}
	if c.deps.Heartbeats != nil {
		st.Workers = c.deps.Heartbeats.Snapshot()
	}
	return st
}

// Transitions returns the status history of a job, oldest first.
func (c *JobController) Transitions(ctx context.Context, id domain.JobID) ([]domain.Transition, error) {
	if _, err := c.deps.Store.GetJob(id); err != nil {
		return nil, err
	}
	if c.deps.Transitions == nil {
		return []domain.Transition{}, nil
	}
	return c.deps.Transitions.ListTransitions(ctx, id)
}

func (c *JobController) LatestCheckpoint(id domain.JobID) (domain.Checkpoint, error) {
	if _, err := c.deps.Store.GetJob(id); err != nil {
		return domain.Checkpoint{}, err
	}
	if c.deps.Checkpoints == nil {
		return domain.Checkpoint{}, domain.ErrCheckpointNotFound
	}
	return c.deps.Checkpoints.LoadLatest(id)
}

func (c *JobController) Artifacts(id domain.JobID) ([]domain.ArtifactMetadata, error) {
	if _, err := c.deps.Store.GetJob(id); err != nil {
		return nil, err
	}
	if c.deps.Artifacts == nil {
		return []domain.ArtifactMetadata{}, nil
	}
	return c.deps.Artifacts.List(id), nil
}

// ReadArtifact returns the decompressed payload of an artifact.
func (c *JobController) ReadArtifact(ctx context.Context, id domain.ArtifactID) ([]byte, domain.ArtifactMetadata, error) {
	if c.deps.Artifacts == nil {
		return nil, domain.ArtifactMetadata{}, domain.ErrArtifactNotFound
	}
	return c.deps.Artifacts.Read(ctx, id)
}

func (c *JobController) Tools() []*domain.Tool {
	if c.deps.Tools == nil {
		return nil
	}
	return c.deps.Tools.Tools()
}
