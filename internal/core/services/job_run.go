package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/manthysbr/prospector/internal/core/domain"
)

var errNoArtifactStore = errors.New("artifact store not configured")

// ProcessFunc drives one job to completion. It must check ctx at safe points
// and return when it is cancelled.
type ProcessFunc func(ctx context.Context, run *JobRun) error

// JobRun is what a ProcessFunc sees of the job it is processing. It is owned
// by a single goroutine.
type JobRun struct {
	Job    domain.Job
	Logger *slog.Logger

	worker      domain.WorkerID
	state       domain.RunState
	progress    domain.Progress
	store       *JobStore
	tools       *Toolbelt
	checkpoints *CheckpointManager
	artifacts   *ArtifactManager
	tracker     *CheckpointTracker
}

func (r *JobRun) ID() domain.JobID { return r.Job.ID }

// State is the mutable run state. Persist it with SaveState.
func (r *JobRun) State() *domain.RunState { return &r.state }

// Tool executes a tool through the toolbelt on behalf of this job.
func (r *JobRun) Tool(ctx context.Context, name string, args map[string]any) domain.ToolResult {
	r.state.Add(domain.CounterAPICalls, 1)
	res := r.tools.Execute(ctx, ToolCall{Name: name, Args: args, JobID: r.Job.ID})
	if !res.Success {
		kind, _ := res.Metadata["error_type"].(string)
		r.state.RecordError(domain.ErrorEntry{
			At:      time.Now().UTC(),
			Kind:    kind,
			Tool:    name,
			Message: res.Error,
		})
	}
	return res
}

// Report publishes progress for the job.
func (r *JobRun) Report(ctx context.Context, p domain.Progress) error {
	r.progress = p
	return r.store.UpdateProgress(ctx, r.Job.ID, r.worker, p)
}

// SaveState persists the run state to the job record.
func (r *JobRun) SaveState(ctx context.Context) error {
	return r.store.UpdateRunState(ctx, r.Job.ID, r.worker, r.state)
}

// Tick evaluates the checkpoint policy and writes a checkpoint when due.
// Checkpoint failures are logged and never fail the job.
func (r *JobRun) Tick(ctx context.Context) {
	if r.tracker == nil {
		return
	}
	d := r.tracker.Tick(time.Now().UTC(), r.state)
	if !d.Due {
		return
	}
	if err := r.SaveState(ctx); err != nil {
		r.Logger.Warn("failed to persist run state", "error", err)
	}
	r.Checkpoint(ctx, d.Type, d.Reason)
}

// Checkpoint writes a checkpoint of the current state unconditionally.
func (r *JobRun) Checkpoint(ctx context.Context, typ domain.CheckpointType, reason string) {
	if r.checkpoints == nil {
		return
	}
	if _, err := r.checkpoints.Save(ctx, r.Job.ID, typ, r.state, r.progress, reason); err != nil {
		r.Logger.Warn("checkpoint failed", "type", typ, "error", err)
	}
}

// StoreArtifact persists payload and links it to the job.
func (r *JobRun) StoreArtifact(ctx context.Context, filename, typ string, payload any, policy domain.RetentionPolicy) (domain.ArtifactMetadata, error) {
	if r.artifacts == nil {
		return domain.ArtifactMetadata{}, errNoArtifactStore
	}
	meta, err := r.artifacts.Store(ctx, r.Job.ID, filename, typ, payload, policy)
	if err != nil {
		return domain.ArtifactMetadata{}, err
	}
	if err := r.store.AddArtifact(ctx, r.Job.ID, meta.Ref()); err != nil {
		return meta, err
	}
	return meta, nil
}
