package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/moby/sys/atomicwriter"

	"github.com/manthysbr/prospector/internal/core/domain"
	"github.com/manthysbr/prospector/internal/core/ports"
)

const lockFile = ".lock"

// Store keeps one JSON record per job in a directory. The directory is held
// with an exclusive lock for the lifetime of the store.
type Store struct {
	logger *slog.Logger
	dir    string
	lock   *flock.Flock
}

var _ ports.JobRepository = (*Store)(nil)

// Open creates dir if needed and takes its lock. It returns
// domain.ErrStoreLocked when another process owns the directory.
func Open(logger *slog.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock job dir: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", dir, domain.ErrStoreLocked)
	}
	return &Store{logger: logger, dir: dir, lock: lock}, nil
}

func (s *Store) path(id domain.JobID) string {
	return filepath.Join(s.dir, string(id)+".json")
}

// SaveJob writes the record through a temp file and rename.
func (s *Store) SaveJob(ctx context.Context, job domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := atomicwriter.WriteFile(s.path(job.ID), data, 0o644); err != nil {
		return &domain.CriticalError{Op: "write job " + string(job.ID), Err: err}
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("read job %s: %w", id, err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.Job{}, &domain.CriticalError{Op: "decode job " + string(id), Err: err}
	}
	return job, nil
}

// ListJobs loads every record. Corrupt files are logged and skipped so one bad
// record cannot block startup.
func (s *Store) ListJobs(ctx context.Context) ([]domain.Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read job dir: %w", err)
	}
	jobs := make([]domain.Job, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, err := s.GetJob(ctx, domain.JobID(strings.TrimSuffix(name, ".json")))
		if err != nil {
			s.logger.Error("skipping unreadable job record", "file", name, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) Close() error {
	return s.lock.Unlock()
}
