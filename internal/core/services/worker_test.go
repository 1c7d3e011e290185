package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/prospector/internal/core/domain"
)

type workerFixture struct {
	*storeFixture
	checkpoints *CheckpointManager
	artifacts   *ArtifactManager
	heartbeats  *HeartbeatRegistry
	registry    *domain.ToolRegistry
	env         WorkerEnv
}

func newWorkerFixture(t *testing.T, process ProcessFunc) *workerFixture {
	t.Helper()
	f := &workerFixture{storeFixture: newStoreFixture(t), registry: domain.NewToolRegistry()}
	f.checkpoints, _ = newTestCheckpoints(t, CheckpointConfig{})
	f.artifacts, _ = newTestArtifacts(t, ArtifactConfig{})
	f.heartbeats = NewHeartbeatRegistry()
	f.env = WorkerEnv{
		Store:       f.store,
		Tools:       NewToolbelt(testLogger(), f.registry, ToolbeltConfig{}, f.metrics),
		Checkpoints: f.checkpoints,
		Artifacts:   f.artifacts,
		Heartbeats:  f.heartbeats,
		Process:     process,
	}
	return f
}

func (f *workerFixture) worker(id domain.WorkerID) *Worker {
	return NewWorker(id, testLogger(), f.env, WorkerConfig{PollInterval: 10 * time.Millisecond})
}

// dequeue claims the next job for w.
func (f *workerFixture) dequeue(t *testing.T, w *Worker) domain.Job {
	t.Helper()
	job, ok, err := f.store.Dequeue(context.Background(), w.ID(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

func (f *workerFixture) checkpointTypes(t *testing.T, id domain.JobID) []domain.CheckpointType {
	t.Helper()
	files, err := f.checkpoints.List(id)
	require.NoError(t, err)
	var out []domain.CheckpointType
	for _, cf := range files {
		out = append(out, cf.Type)
	}
	return out
}

func (f *workerFixture) artifactTypes(id domain.JobID) []string {
	var out []string
	for _, meta := range f.artifacts.List(id) {
		out = append(out, meta.Type)
	}
	return out
}

func TestWorker_CompletesJob(t *testing.T) {
	f := newWorkerFixture(t, func(ctx context.Context, run *JobRun) error {
		st := run.State()
		st.Stage = "search"
		for st.Step < 3 {
			st.Step++
			res := run.Tool(ctx, "lookup", map[string]any{"q": "acme"})
			if !res.Success {
				return errors.New(res.Error)
			}
			st.Add(domain.CounterItems, 2)
			if err := run.Report(ctx, domain.Progress{Stage: st.Stage, Step: st.Step, Percent: float64(st.Step) * 30}); err != nil {
				return err
			}
		}
		return nil
	})
	calls := func() *atomic.Int32 {
		var n atomic.Int32
		require.NoError(t, f.registry.Register(&domain.Tool{
			Name: "lookup",
			Execute: func(context.Context, map[string]any) (domain.ToolResult, error) {
				n.Add(1)
				return domain.ToolResult{Success: true, Data: map[string]any{"found": true}}, nil
			},
		}))
		return &n
	}()

	id := f.enqueue(t, "find leads", EnqueueOptions{})
	w := f.worker("w1")
	w.runJob(context.Background(), f.dequeue(t, w))

	job, err := f.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 100.0, job.Progress.Percent)
	assert.Equal(t, 3, job.RunState.Step)
	assert.Equal(t, int64(6), job.RunState.Counters[domain.CounterItems])
	assert.Equal(t, int64(3), job.RunState.Counters[domain.CounterAPICalls])
	assert.EqualValues(t, 1, calls.Load(), "identical lookups are served from the idempotency cache")

	require.Len(t, job.Artifacts, 1)
	assert.Equal(t, "summary.json", job.Artifacts[0].Filename)
	data, _, err := f.artifacts.Read(context.Background(), job.Artifacts[0].ID)
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, "search", summary["stage"])
	assert.EqualValues(t, 3, summary["steps"])

	hb := w.Heartbeat()
	assert.Equal(t, int64(1), hb.ProcessedCount)
	assert.Equal(t, domain.HealthStatusIdle, hb.Status)
	assert.Empty(t, hb.CurrentJob)
}

func TestWorker_FailsJob(t *testing.T) {
	f := newWorkerFixture(t, func(ctx context.Context, run *JobRun) error {
		run.State().Stage = "enrich"
		run.State().Step = 2
		return errors.New("upstream returned garbage")
	})
	id := f.enqueue(t, "find leads", EnqueueOptions{})
	w := f.worker("w1")
	w.runJob(context.Background(), f.dequeue(t, w))

	job, err := f.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "upstream returned garbage", job.Metadata.Error)
	assert.False(t, job.Metadata.Critical)
	require.Len(t, job.RunState.Errors, 1)
	assert.Equal(t, "processing", job.RunState.Errors[0].Kind)

	assert.Equal(t, []domain.CheckpointType{domain.CheckpointFailed}, f.checkpointTypes(t, id))
	assert.Equal(t, []string{domain.ArtifactTypeErrorSummary}, f.artifactTypes(id))
	meta := f.artifacts.List(id)[0]
	assert.Equal(t, domain.RetentionLong, meta.RetentionPolicy)
	assert.Equal(t, int64(1), w.Heartbeat().FailedCount)

	require.NoError(t, f.store.Retry(context.Background(), id), "non-critical failures can be retried")
}

func TestWorker_CriticalFailureIsNotRetryable(t *testing.T) {
	f := newWorkerFixture(t, func(context.Context, *JobRun) error {
		return &domain.CriticalError{Op: "load lead schema", Err: errors.New("schema mismatch")}
	})
	id := f.enqueue(t, "find leads", EnqueueOptions{})
	w := f.worker("w1")
	w.runJob(context.Background(), f.dequeue(t, w))

	job, err := f.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.True(t, job.Metadata.Critical)
	require.NotEmpty(t, job.RunState.Errors)
	assert.Equal(t, "critical", job.RunState.Errors[len(job.RunState.Errors)-1].Kind)
	assert.Error(t, f.store.Retry(context.Background(), id))
}

func TestWorker_UnwrittenCompletionFailsJob(t *testing.T) {
	f := newWorkerFixture(t, func(context.Context, *JobRun) error { return nil })
	f.repo.setFailSaveIf(func(j domain.Job) bool { return j.Status == domain.JobStatusCompleted })
	id := f.enqueue(t, "find leads", EnqueueOptions{})
	w := f.worker("w1")
	w.runJob(context.Background(), f.dequeue(t, w))

	job, err := f.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.True(t, job.Metadata.Critical)
	assert.Contains(t, job.Metadata.Error, "critical: complete")
	assert.Zero(t, w.Heartbeat().ProcessedCount)
	assert.Equal(t, int64(1), w.Heartbeat().FailedCount)
}

func TestWorker_UnwrittenFinalStateRequeuesJob(t *testing.T) {
	var f *workerFixture
	f = newWorkerFixture(t, func(context.Context, *JobRun) error {
		f.repo.setFailSave(errDiskFull)
		time.AfterFunc(50*time.Millisecond, func() { f.repo.setFailSave(nil) })
		return nil
	})
	id := f.enqueue(t, "find leads", EnqueueOptions{})
	w := f.worker("w1")
	job := f.dequeue(t, w)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.runJob(context.Background(), job)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept holding a job it could not finish")
	}

	requeued, err := f.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, requeued.Status)
	assert.Equal(t, ReasonPersistFailure, requeued.Metadata.RecoveryReason)
	assert.Empty(t, requeued.Metadata.AssignedWorker)
	assert.Equal(t, 1, f.store.QueueDepth())
}

func TestWorker_PanicFailsJob(t *testing.T) {
	f := newWorkerFixture(t, func(context.Context, *JobRun) error {
		var m map[string]int
		m["boom"]++
		return nil
	})
	id := f.enqueue(t, "find leads", EnqueueOptions{})
	w := f.worker("w1")
	w.runJob(context.Background(), f.dequeue(t, w))

	job, err := f.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Metadata.Error, "processing panicked")
}

func TestWorker_PauseAndResume(t *testing.T) {
	started := make(chan struct{})
	var runs atomic.Int32
	var resumedAt atomic.Int32
	f := newWorkerFixture(t, func(ctx context.Context, run *JobRun) error {
		st := run.State()
		if runs.Add(1) == 1 {
			st.Stage = "crawl"
			st.Step = 4
			st.Add(domain.CounterItems, 40)
			close(started)
			<-ctx.Done()
			return context.Cause(ctx)
		}
		resumedAt.Store(int32(st.Step))
		st.Step++
		return nil
	})
	id := f.enqueue(t, "find leads", EnqueueOptions{})
	w := f.worker("w1")
	job := f.dequeue(t, w)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.runJob(context.Background(), job)
	}()
	<-started
	require.NoError(t, f.store.Pause(context.Background(), id))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after pause")
	}

	paused, err := f.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, paused.Status)
	assert.Equal(t, 4, paused.RunState.Step)
	assert.Equal(t, int64(40), paused.RunState.Counters[domain.CounterItems])
	assert.Equal(t, []domain.CheckpointType{domain.CheckpointPaused}, f.checkpointTypes(t, id))
	assert.Empty(t, f.artifactTypes(id))

	require.NoError(t, f.store.Resume(context.Background(), id))
	w.runJob(context.Background(), f.dequeue(t, w))

	assert.EqualValues(t, 4, resumedAt.Load())
	finished, err := f.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, finished.Status)
	assert.Equal(t, 5, finished.RunState.Step)
	assert.Equal(t, "crawl", finished.RunState.Stage)
}

func TestWorker_Cancel(t *testing.T) {
	started := make(chan struct{})
	f := newWorkerFixture(t, func(ctx context.Context, run *JobRun) error {
		close(started)
		<-ctx.Done()
		return context.Cause(ctx)
	})
	id := f.enqueue(t, "find leads", EnqueueOptions{})
	w := f.worker("w1")
	job := f.dequeue(t, w)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.runJob(context.Background(), job)
	}()
	<-started
	require.NoError(t, f.store.Cancel(context.Background(), id, "customer churned"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	assert.Equal(t, domain.JobStatusCancelled, f.status(t, id))
	assert.Empty(t, f.artifactTypes(id))
	assert.Zero(t, w.Heartbeat().FailedCount)
	assert.Zero(t, w.Heartbeat().ProcessedCount)
}

func TestWorker_ShutdownRequeuesJob(t *testing.T) {
	started := make(chan struct{})
	f := newWorkerFixture(t, func(ctx context.Context, run *JobRun) error {
		run.State().Step = 7
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	id := f.enqueue(t, "find leads", EnqueueOptions{})
	w := f.worker("w1")
	job := f.dequeue(t, w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.runJob(ctx, job)
	}()
	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on shutdown")
	}

	requeued, err := f.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, requeued.Status)
	assert.Equal(t, ReasonShutdown, requeued.Metadata.RecoveryReason)
	assert.Empty(t, requeued.Metadata.AssignedWorker)
	assert.Equal(t, 7, requeued.RunState.Step)
	assert.Equal(t, []domain.CheckpointType{domain.CheckpointPeriodic}, f.checkpointTypes(t, id))
	assert.Equal(t, 1, f.store.QueueDepth())
}

func TestWorker_RunLoop(t *testing.T) {
	f := newWorkerFixture(t, func(ctx context.Context, run *JobRun) error {
		run.State().Step++
		return nil
	})
	w := f.worker("w1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	first := f.enqueue(t, "find leads", EnqueueOptions{})
	second := f.enqueue(t, "find more leads", EnqueueOptions{})
	require.True(t, waitFor(t, 5*time.Second, func() bool {
		return f.status(t, first) == domain.JobStatusCompleted && f.status(t, second) == domain.JobStatusCompleted
	}))

	hb, ok := f.heartbeats.Get("w1")
	require.True(t, ok)
	assert.Equal(t, domain.WorkerID("w1"), hb.WorkerID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker loop did not stop")
	}
	assert.Equal(t, int64(2), w.Heartbeat().ProcessedCount)
	assert.Equal(t, domain.HealthStatusExited, w.Heartbeat().Status)
}
