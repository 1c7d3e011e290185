package services

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manthysbr/prospector/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testMetrics(t *testing.T) *MetricsCollector {
	t.Helper()
	m, err := NewMetricsCollector(nil)
	require.NoError(t, err)
	return m
}

// memRepo is an in-memory JobRepository and TransitionRecorder.
type memRepo struct {
	mu          sync.Mutex
	jobs        map[domain.JobID]domain.Job
	transitions []domain.Transition
	failSave    error
	failIf      func(domain.Job) bool
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: make(map[domain.JobID]domain.Job)}
}

func (r *memRepo) SaveJob(_ context.Context, job domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave != nil {
		return r.failSave
	}
	if r.failIf != nil && r.failIf(job) {
		return errDiskFull
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *memRepo) GetJob(_ context.Context, id domain.JobID) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (r *memRepo) ListJobs(_ context.Context) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) RecordTransition(_ context.Context, t domain.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *memRepo) ListTransitions(_ context.Context, id domain.JobID) ([]domain.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transition
	for _, t := range r.transitions {
		if t.JobID == id {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memRepo) setFailSave(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSave = err
}

// setFailSaveIf makes saves of jobs matching fn fail with errDiskFull.
func (r *memRepo) setFailSaveIf(fn func(domain.Job) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failIf = fn
}

var errDiskFull = errors.New("disk full")

type storeFixture struct {
	store   *JobStore
	repo    *memRepo
	bus     *ProgressBus
	metrics *MetricsCollector
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	logger := testLogger()
	repo := newMemRepo()
	bus := NewProgressBus(logger)
	metrics := testMetrics(t)
	return &storeFixture{
		store:   NewJobStore(logger, repo, repo, bus, metrics),
		repo:    repo,
		bus:     bus,
		metrics: metrics,
	}
}

func (f *storeFixture) enqueue(t *testing.T, goal string, opts EnqueueOptions) domain.JobID {
	t.Helper()
	id, err := f.store.Enqueue(context.Background(), domain.Job{Goal: goal}, opts)
	require.NoError(t, err)
	return id
}

// running enqueues a job and dequeues it on worker.
func (f *storeFixture) running(t *testing.T, worker domain.WorkerID) domain.Job {
	t.Helper()
	f.enqueue(t, "find leads", EnqueueOptions{})
	job, ok, err := f.store.Dequeue(context.Background(), worker, nil)
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

func (f *storeFixture) status(t *testing.T, id domain.JobID) domain.JobStatus {
	t.Helper()
	j, err := f.store.GetJob(id)
	require.NoError(t, err)
	return j.Status
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
