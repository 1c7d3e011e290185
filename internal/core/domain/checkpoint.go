package domain

import "time"

type CheckpointType string

const (
	CheckpointPeriodic  CheckpointType = "periodic"
	CheckpointManual    CheckpointType = "manual"
	CheckpointPaused    CheckpointType = "paused"
	CheckpointFailed    CheckpointType = "failed"
	CheckpointMilestone CheckpointType = "milestone"
)

// Checkpoint is a durable, sanitized snapshot of a job's in-flight state.
type Checkpoint struct {
	JobID          JobID            `json:"job_id"`
	Type           CheckpointType   `json:"type"`
	Timestamp      time.Time        `json:"timestamp"`
	StateVersion   int              `json:"state_version"`
	Reason         string           `json:"reason,omitempty"`
	SanitizedState map[string]any   `json:"sanitized_state"`
	Counters       map[string]int64 `json:"counters,omitempty"`
	Progress       Progress         `json:"progress"`
}

// ProgressSnapshot is one element of a job's progress stream.
type ProgressSnapshot struct {
	JobID     JobID              `json:"job_id"`
	Status    JobStatus          `json:"status"`
	Stage     string             `json:"stage,omitempty"`
	Step      int                `json:"step"`
	Percent   float64            `json:"percent"`
	Message   string             `json:"message,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Final     bool               `json:"final,omitempty"`
	Summary   string             `json:"summary,omitempty"`
}

// SnapshotOf builds a progress snapshot from the job's current record.
func SnapshotOf(j Job) ProgressSnapshot {
	s := ProgressSnapshot{
		JobID:     j.ID,
		Status:    j.Status,
		Stage:     j.Progress.Stage,
		Step:      j.Progress.Step,
		Percent:   j.Progress.Percent,
		Message:   j.Progress.Message,
		Timestamp: j.UpdatedAt,
	}
	if j.Progress.Metrics != nil {
		s.Metrics = make(map[string]float64, len(j.Progress.Metrics))
		for k, v := range j.Progress.Metrics {
			s.Metrics[k] = v
		}
	}
	if j.Status.IsTerminal() {
		s.Final = true
		s.Summary = string(j.Status)
		if j.Metadata.Error != "" {
			s.Summary += ": " + j.Metadata.Error
		}
	}
	return s
}
