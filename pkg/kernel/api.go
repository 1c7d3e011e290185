package kernel

import (
	"time"

	"github.com/manthysbr/prospector/internal/core/domain"
)

// SubmitJobRequest is the body of POST /v1/jobs.
type SubmitJobRequest struct {
	Goal        string            `json:"goal"`
	Priority    int               `json:"priority,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	MaxRetries  *int              `json:"max_retries,omitempty"`
	Config      map[string]any    `json:"config,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

type SubmitJobResponse struct {
	ID     domain.JobID     `json:"id"`
	Status domain.JobStatus `json:"status"`
}

type CancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ScheduleJobRequest moves a queued job. A null at clears the schedule.
type ScheduleJobRequest struct {
	At *time.Time `json:"at"`
}

type JobListResponse struct {
	Jobs  []domain.Job `json:"jobs"`
	Count int          `json:"count"`
}

type TransitionsResponse struct {
	Transitions []domain.Transition `json:"transitions"`
}

type ArtifactsResponse struct {
	Artifacts []domain.ArtifactMetadata `json:"artifacts"`
}

type ToolInfo struct {
	Name          string                `json:"name"`
	Description   string                `json:"description"`
	ExecutionType domain.ExecType       `json:"execution_type"`
	Parameters    domain.ToolParameters `json:"parameters"`
	BreakerState  string                `json:"breaker_state,omitempty"`
}

type ToolsResponse struct {
	Tools []ToolInfo `json:"tools"`
	Count int        `json:"count"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
