package domain

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohae/deepcopy"
)

type JobID string

// NewJobID returns a fresh random job id.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusPaused    JobStatus = "PAUSED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// AllJobStatuses lists every status in state machine order.
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusRunning,
	JobStatusPaused,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// ParseJobStatus accepts any casing of a known status.
func ParseJobStatus(s string) (JobStatus, bool) {
	st := JobStatus(strings.ToUpper(strings.TrimSpace(s)))
	if slices.Contains(AllJobStatuses, st) {
		return st, true
	}
	return "", false
}

// IsTerminal reports whether no further transition is expected without
// an explicit retry. FAILED is terminal for workers but re-enterable via retry.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// transitions is the job state machine. Resume is PAUSED -> QUEUED: the job is
// re-enqueued and the next dequeue completes PAUSED -> RUNNING.
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusPaused, JobStatusCancelled},
	JobStatusPaused:  {JobStatusQueued, JobStatusCancelled},
	JobStatusFailed:  {JobStatusQueued},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to JobStatus) bool {
	return slices.Contains(transitions[from], to)
}

// CanRecover reports whether crash recovery may reset a job in status s.
// This is the only path allowed to move RUNNING back to QUEUED.
func CanRecover(s JobStatus) bool {
	return s == JobStatusRunning
}

// Priority levels. Higher is dequeued sooner.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 10
	PriorityUrgent = 20

	MaxPriority = 100

	// ResumeBoost is added to the priority of a resumed job.
	ResumeBoost = 5
	// RetryBoost is added per retry so retried jobs do not starve.
	RetryBoost = 1

	DefaultMaxRetries = 3
)

// JobMetadata is the string-keyed metadata map of a job record.
type JobMetadata struct {
	AssignedWorker string            `json:"assigned_worker,omitempty"`
	AssignedAt     *time.Time        `json:"assigned_at,omitempty"`
	Priority       int               `json:"priority"`
	Tags           []string          `json:"tags,omitempty"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	Error          string            `json:"error,omitempty"`
	Critical       bool              `json:"critical,omitempty"`
	RecoveredAt    *time.Time        `json:"recovered_at,omitempty"`
	RecoveryReason string            `json:"recovery_reason,omitempty"`
	CancelReason   string            `json:"cancel_reason,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// HasTag reports whether the job carries tag.
func (m JobMetadata) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// ArtifactRef links a job to an artifact in the artifact registry.
type ArtifactRef struct {
	ID       ArtifactID `json:"id"`
	Filename string     `json:"filename"`
	Type     string     `json:"type"`
}

// Progress is the latest progress snapshot stored on the job record.
type Progress struct {
	Stage     string             `json:"stage,omitempty"`
	Step      int                `json:"step"`
	Percent   float64            `json:"percent"`
	Message   string             `json:"message,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Job is a unit of work tracked through the status state machine.
type Job struct {
	ID        JobID          `json:"id"`
	Goal      string         `json:"goal"`
	Status    JobStatus      `json:"status"`
	Config    map[string]any `json:"config,omitempty"`
	Metadata  JobMetadata    `json:"metadata"`
	RunState  RunState       `json:"run_state"`
	Artifacts []ArtifactRef  `json:"artifacts,omitempty"`
	Progress  Progress       `json:"progress"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	cp := j
	cp.Config = cloneAnyMap(j.Config)
	cp.Metadata.Tags = slices.Clone(j.Metadata.Tags)
	if j.Metadata.Labels != nil {
		cp.Metadata.Labels = make(map[string]string, len(j.Metadata.Labels))
		for k, v := range j.Metadata.Labels {
			cp.Metadata.Labels[k] = v
		}
	}
	cp.Metadata.AssignedAt = cloneTime(j.Metadata.AssignedAt)
	cp.Metadata.ScheduledAt = cloneTime(j.Metadata.ScheduledAt)
	cp.Metadata.RecoveredAt = cloneTime(j.Metadata.RecoveredAt)
	cp.RunState = j.RunState.Clone()
	cp.Artifacts = slices.Clone(j.Artifacts)
	if j.Progress.Metrics != nil {
		cp.Progress.Metrics = make(map[string]float64, len(j.Progress.Metrics))
		for k, v := range j.Progress.Metrics {
			cp.Progress.Metrics[k] = v
		}
	}
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return deepcopy.Copy(m).(map[string]any)
}

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetryExhausted    = errors.New("retry limit reached")
	ErrNotRetryable      = errors.New("job is not retryable")
	ErrJobNotOwned       = errors.New("job is not held by this worker")
	ErrStoreLocked       = errors.New("job store is locked by another process")
	ErrPauseRequested    = errors.New("job pause requested")
	ErrJobCancelled      = errors.New("job cancelled")
)

// Transition is one recorded status change of a job.
type Transition struct {
	JobID    JobID     `json:"job_id"`
	From     JobStatus `json:"from"`
	To       JobStatus `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	WorkerID WorkerID  `json:"worker_id,omitempty"`
	At       time.Time `json:"at"`
}
