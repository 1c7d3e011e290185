package ports

import (
	"context"

	"github.com/manthysbr/prospector/internal/core/domain"
)

// JobRepository abstracts durable storage of job records.
type JobRepository interface {
	// SaveJob persists the full record atomically; readers never see a partial write.
	SaveJob(ctx context.Context, job domain.Job) error

	// GetJob returns domain.ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)

	// ListJobs returns every persisted record.
	ListJobs(ctx context.Context) ([]domain.Job, error)

	// Close releases the repository lock.
	Close() error
}

// TransitionRecorder keeps the append-only status history of jobs.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, t domain.Transition) error
	ListTransitions(ctx context.Context, id domain.JobID) ([]domain.Transition, error)
}

// ContainerRunner abstracts the container runtime used by docker-backed tools.
type ContainerRunner interface {
	// Run starts a container from spec, waits for it to exit and returns its
	// exit code and stdout. The container is removed afterwards.
	Run(ctx context.Context, spec domain.ContainerSpec) (exitCode int64, output []byte, err error)
}
