package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/prospector/internal/core/domain"
)

func TestJobStore_EnqueueDefaults(t *testing.T) {
	f := newStoreFixture(t)
	id := f.enqueue(t, "find fintech leads", EnqueueOptions{})

	job, err := f.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, domain.PriorityNormal, job.Metadata.Priority)
	assert.Equal(t, domain.DefaultMaxRetries, job.Metadata.MaxRetries)
	assert.Equal(t, domain.CurrentRunStateVersion, job.RunState.StateVersion)
	assert.False(t, job.Metadata.EnqueuedAt.IsZero())
	assert.Equal(t, 1, f.store.QueueDepth())

	persisted, err := f.repo.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.ID, persisted.ID)
	assert.Equal(t, int64(1), f.metrics.Snapshot()["jobs_submitted"])
}

func TestJobStore_EnqueueValidation(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	negative := -1

	_, err := f.store.Enqueue(ctx, domain.Job{Goal: "x"}, EnqueueOptions{Priority: 101})
	assert.True(t, domain.IsValidation(err))
	_, err = f.store.Enqueue(ctx, domain.Job{Goal: "x"}, EnqueueOptions{MaxRetries: &negative})
	assert.True(t, domain.IsValidation(err))

	id := f.enqueue(t, "x", EnqueueOptions{})
	_, err = f.store.Enqueue(ctx, domain.Job{ID: id, Goal: "dup"}, EnqueueOptions{})
	assert.True(t, domain.IsValidation(err))
}

func TestJobStore_EnqueuePersistFailureLeavesNoTrace(t *testing.T) {
	f := newStoreFixture(t)
	f.repo.setFailSave(errDiskFull)

	_, err := f.store.Enqueue(context.Background(), domain.Job{Goal: "x"}, EnqueueOptions{})
	require.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, 0, f.store.Stats().Total)
	assert.Equal(t, 0, f.store.QueueDepth())
}

func TestJobStore_DequeueByPriority(t *testing.T) {
	f := newStoreFixture(t)
	low := f.enqueue(t, "low", EnqueueOptions{Priority: domain.PriorityLow})
	high := f.enqueue(t, "high", EnqueueOptions{Priority: domain.PriorityUrgent})

	job, ok, err := f.store.Dequeue(context.Background(), "w1", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, high, job.ID)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, "w1", job.Metadata.AssignedWorker)
	require.NotNil(t, job.Metadata.AssignedAt)

	job, ok, err = f.store.Dequeue(context.Background(), "w2", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, low, job.ID)

	_, ok, err = f.store.Dequeue(context.Background(), "w3", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobStore_DequeuePersistFailureRequeues(t *testing.T) {
	f := newStoreFixture(t)
	id := f.enqueue(t, "x", EnqueueOptions{})
	f.repo.setFailSave(errDiskFull)

	_, ok, err := f.store.Dequeue(context.Background(), "w1", nil)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.JobStatusQueued, f.status(t, id))

	f.repo.setFailSave(nil)
	job, ok, err := f.store.Dequeue(context.Background(), "w1", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, job.ID)
}

func TestJobStore_StateMachine(t *testing.T) {
	ctx := context.Background()

	t.Run("complete requires ownership", func(t *testing.T) {
		f := newStoreFixture(t)
		job := f.running(t, "w1")
		assert.ErrorIs(t, f.store.Complete(ctx, job.ID, "w2"), domain.ErrJobNotOwned)
		require.NoError(t, f.store.Complete(ctx, job.ID, "w1"))

		got, _ := f.store.GetJob(job.ID)
		assert.Equal(t, domain.JobStatusCompleted, got.Status)
		assert.Equal(t, 100.0, got.Progress.Percent)
	})

	t.Run("terminal states reject further changes", func(t *testing.T) {
		f := newStoreFixture(t)
		job := f.running(t, "w1")
		require.NoError(t, f.store.Complete(ctx, job.ID, "w1"))
		assert.ErrorIs(t, f.store.Pause(ctx, job.ID), domain.ErrInvalidTransition)
		assert.ErrorIs(t, f.store.Cancel(ctx, job.ID, ""), domain.ErrInvalidTransition)
		assert.ErrorIs(t, f.store.Retry(ctx, job.ID), domain.ErrInvalidTransition)
	})

	t.Run("pause only from running", func(t *testing.T) {
		f := newStoreFixture(t)
		id := f.enqueue(t, "x", EnqueueOptions{})
		assert.ErrorIs(t, f.store.Pause(ctx, id), domain.ErrInvalidTransition)
		assert.ErrorIs(t, f.store.Resume(ctx, id), domain.ErrInvalidTransition)
	})

	t.Run("unknown job", func(t *testing.T) {
		f := newStoreFixture(t)
		assert.ErrorIs(t, f.store.Pause(ctx, "nope"), domain.ErrJobNotFound)
		_, err := f.store.GetJob("nope")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestJobStore_UpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("worker statuses are refused", func(t *testing.T) {
		f := newStoreFixture(t)
		id := f.enqueue(t, "x", EnqueueOptions{})
		assert.ErrorIs(t, f.store.UpdateStatus(ctx, id, domain.JobStatusRunning, ""), domain.ErrInvalidTransition)
		assert.Equal(t, domain.JobStatusQueued, f.status(t, id))
		assert.Equal(t, 1, f.store.QueueDepth())

		job := f.running(t, "w1")
		assert.ErrorIs(t, f.store.UpdateStatus(ctx, job.ID, domain.JobStatusCompleted, ""), domain.ErrInvalidTransition)
		assert.ErrorIs(t, f.store.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "boom"), domain.ErrInvalidTransition)
		assert.ErrorIs(t, f.store.UpdateStatus(ctx, job.ID, domain.JobStatusQueued, ""), domain.ErrInvalidTransition)
		got, err := f.store.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusRunning, got.Status)
		assert.Equal(t, "w1", got.Metadata.AssignedWorker)
	})

	t.Run("routes through pause resume and cancel", func(t *testing.T) {
		f := newStoreFixture(t)
		job := f.running(t, "w1")
		require.NoError(t, f.store.UpdateStatus(ctx, job.ID, domain.JobStatusPaused, ""))
		assert.Equal(t, domain.JobStatusPaused, f.status(t, job.ID))

		require.NoError(t, f.store.UpdateStatus(ctx, job.ID, domain.JobStatusQueued, ""))
		resumed, err := f.store.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusQueued, resumed.Status)
		assert.Equal(t, job.Metadata.Priority+domain.ResumeBoost, resumed.Metadata.Priority)
		assert.Empty(t, resumed.Metadata.AssignedWorker)

		require.NoError(t, f.store.UpdateStatus(ctx, job.ID, domain.JobStatusCancelled, "duplicate"))
		assert.Equal(t, domain.JobStatusCancelled, f.status(t, job.ID))
		assert.Zero(t, f.store.QueueDepth())
	})

	t.Run("failed to queued is a retry", func(t *testing.T) {
		f := newStoreFixture(t)
		job := f.running(t, "w1")
		require.NoError(t, f.store.Fail(ctx, job.ID, "w1", errors.New("quota")))
		require.NoError(t, f.store.UpdateStatus(ctx, job.ID, domain.JobStatusQueued, ""))
		got, err := f.store.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusQueued, got.Status)
		assert.Equal(t, 1, got.Metadata.RetryCount)
	})

	t.Run("unknown job", func(t *testing.T) {
		f := newStoreFixture(t)
		assert.ErrorIs(t, f.store.UpdateStatus(ctx, "nope", domain.JobStatusPaused, ""), domain.ErrJobNotFound)
	})
}

func TestJobStore_PauseResume(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	job := f.running(t, "w1")

	runCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	require.True(t, f.store.BindRun(job.ID, "w1", cancel))

	require.NoError(t, f.store.Pause(ctx, job.ID))
	assert.ErrorIs(t, context.Cause(runCtx), domain.ErrPauseRequested)
	assert.Equal(t, domain.JobStatusPaused, f.status(t, job.ID))

	// The worker may still persist state of the job it paused.
	st := job.RunState.Clone()
	st.Step = 4
	require.NoError(t, f.store.UpdateRunState(ctx, job.ID, "w1", st))
	assert.ErrorIs(t, f.store.UpdateRunState(ctx, job.ID, "w2", st), domain.ErrJobNotOwned)

	require.NoError(t, f.store.Resume(ctx, job.ID))
	got, _ := f.store.GetJob(job.ID)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, domain.PriorityNormal+domain.ResumeBoost, got.Metadata.Priority)
	assert.Empty(t, got.Metadata.AssignedWorker)
	assert.Equal(t, 4, got.RunState.Step)

	again, ok, err := f.store.Dequeue(ctx, "w2", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 4, again.RunState.Step)
}

func TestJobStore_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("queued job leaves the queue", func(t *testing.T) {
		f := newStoreFixture(t)
		id := f.enqueue(t, "x", EnqueueOptions{})
		require.NoError(t, f.store.Cancel(ctx, id, "customer request"))

		got, _ := f.store.GetJob(id)
		assert.Equal(t, domain.JobStatusCancelled, got.Status)
		assert.Equal(t, "customer request", got.Metadata.CancelReason)
		_, ok, _ := f.store.Dequeue(ctx, "w1", nil)
		assert.False(t, ok)
	})

	t.Run("running job signals its worker", func(t *testing.T) {
		f := newStoreFixture(t)
		job := f.running(t, "w1")
		runCtx, cancel := context.WithCancelCause(context.Background())
		defer cancel(nil)
		require.True(t, f.store.BindRun(job.ID, "w1", cancel))

		require.NoError(t, f.store.Cancel(ctx, job.ID, ""))
		assert.ErrorIs(t, context.Cause(runCtx), domain.ErrJobCancelled)
		assert.ErrorIs(t, f.store.Complete(ctx, job.ID, "w1"), domain.ErrJobNotOwned)
	})

	t.Run("paused job", func(t *testing.T) {
		f := newStoreFixture(t)
		job := f.running(t, "w1")
		require.NoError(t, f.store.Pause(ctx, job.ID))
		require.NoError(t, f.store.Cancel(ctx, job.ID, ""))
		assert.Equal(t, domain.JobStatusCancelled, f.status(t, job.ID))
	})
}

func TestJobStore_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("bounded by max retries", func(t *testing.T) {
		f := newStoreFixture(t)
		one := 1
		f.enqueue(t, "x", EnqueueOptions{MaxRetries: &one})
		job, _, _ := f.store.Dequeue(ctx, "w1", nil)
		require.NoError(t, f.store.Fail(ctx, job.ID, "w1", errors.New("boom")))

		got, _ := f.store.GetJob(job.ID)
		assert.Equal(t, "boom", got.Metadata.Error)

		require.NoError(t, f.store.Retry(ctx, job.ID))
		got, _ = f.store.GetJob(job.ID)
		assert.Equal(t, domain.JobStatusQueued, got.Status)
		assert.Equal(t, 1, got.Metadata.RetryCount)
		assert.Equal(t, domain.PriorityNormal+domain.RetryBoost, got.Metadata.Priority)
		assert.Empty(t, got.Metadata.Error)

		job, _, _ = f.store.Dequeue(ctx, "w1", nil)
		require.NoError(t, f.store.Fail(ctx, job.ID, "w1", errors.New("boom again")))
		assert.ErrorIs(t, f.store.Retry(ctx, job.ID), domain.ErrRetryExhausted)
	})

	t.Run("critical failures are not retryable", func(t *testing.T) {
		f := newStoreFixture(t)
		job := f.running(t, "w1")
		crit := &domain.CriticalError{Op: "save state", Err: errDiskFull}
		require.NoError(t, f.store.Fail(ctx, job.ID, "w1", crit))

		got, _ := f.store.GetJob(job.ID)
		assert.True(t, got.Metadata.Critical)
		assert.ErrorIs(t, f.store.Retry(ctx, job.ID), domain.ErrNotRetryable)
	})
}

func TestJobStore_Schedule(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.store.now = func() time.Time { return now }

	id := f.enqueue(t, "x", EnqueueOptions{})
	require.NoError(t, f.store.Schedule(ctx, id, now.Add(time.Hour)))
	assert.Equal(t, 1, f.store.Stats().ScheduledCount)

	_, ok, err := f.store.Dequeue(ctx, "w1", nil)
	require.NoError(t, err)
	assert.False(t, ok, "scheduled job must wait")

	now = now.Add(2 * time.Hour)
	job, ok, err := f.store.Dequeue(ctx, "w1", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, job.ID)

	assert.ErrorIs(t, f.store.Schedule(ctx, id, now), domain.ErrInvalidTransition)
}

func TestJobStore_RecoverJob(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	job := f.running(t, "w1")

	runCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	require.True(t, f.store.BindRun(job.ID, "w1", cancel))

	require.NoError(t, f.store.RecoverJob(ctx, job.ID, ReasonHeartbeatStale))
	assert.ErrorIs(t, context.Cause(runCtx), domain.ErrJobNotOwned)

	got, _ := f.store.GetJob(job.ID)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Empty(t, got.Metadata.AssignedWorker)
	assert.Equal(t, ReasonHeartbeatStale, got.Metadata.RecoveryReason)
	require.NotNil(t, got.Metadata.RecoveredAt)
	assert.Equal(t, int64(1), f.metrics.Snapshot()["jobs_recovered"])

	// Only RUNNING jobs are recoverable.
	assert.ErrorIs(t, f.store.RecoverJob(ctx, job.ID, "again"), domain.ErrInvalidTransition)
}

func TestJobStore_BindRunRejectsStaleOwner(t *testing.T) {
	f := newStoreFixture(t)
	job := f.running(t, "w1")

	runCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	assert.False(t, f.store.BindRun(job.ID, "w2", cancel))
	assert.ErrorIs(t, context.Cause(runCtx), domain.ErrJobNotOwned)
}

func TestJobStore_TransitionsRecorded(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	job := f.running(t, "w1")
	require.NoError(t, f.store.Complete(ctx, job.ID, "w1"))

	ts, err := f.repo.ListTransitions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, ts, 3)
	assert.Equal(t, domain.JobStatus(""), ts[0].From)
	assert.Equal(t, domain.JobStatusQueued, ts[0].To)
	assert.Equal(t, domain.JobStatusRunning, ts[1].To)
	assert.Equal(t, domain.WorkerID("w1"), ts[1].WorkerID)
	assert.Equal(t, domain.JobStatusCompleted, ts[2].To)
}

func TestJobStore_LoadRestoresQueue(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	queuedID := f.enqueue(t, "queued", EnqueueOptions{Priority: domain.PriorityLow})
	running := f.running(t, "w1")
	require.NotEqual(t, queuedID, running.ID)

	reloaded := NewJobStore(testLogger(), f.repo, nil, NewProgressBus(testLogger()), testMetrics(t))
	n, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, reloaded.QueueDepth())

	job, ok, err := reloaded.Dequeue(ctx, "w2", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queuedID, job.ID)

	// The previously running job becomes eligible again once recovered.
	require.NoError(t, reloaded.RecoverJob(ctx, running.ID, ReasonHeartbeatMissing))
	job, ok, err = reloaded.Dequeue(ctx, "w2", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, running.ID, job.ID)
}

func TestJobStore_ListAndStats(t *testing.T) {
	f := newStoreFixture(t)
	f.enqueue(t, "a", EnqueueOptions{Priority: 10, Tags: []string{"eu"}})
	f.enqueue(t, "b", EnqueueOptions{Priority: 20})
	running := f.running(t, "w1")
	assert.Equal(t, "b", running.Goal)

	assert.Len(t, f.store.ListJobs(JobFilter{}), 3)
	assert.Len(t, f.store.ListJobs(JobFilter{Tag: "eu"}), 1)
	assert.Len(t, f.store.ListJobs(JobFilter{Status: domain.JobStatusRunning}), 1)
	assert.Len(t, f.store.ListJobs(JobFilter{Priority: domain.PriorityNormal}), 1)

	st := f.store.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByStatus[domain.JobStatusQueued])
	assert.Equal(t, 1, st.ByStatus[domain.JobStatusRunning])
	assert.Equal(t, 0, st.ByStatus[domain.JobStatusFailed])
	assert.Equal(t, 2, st.QueueDepth)
	assert.Equal(t, 1, st.ByPriority[20])
}

func TestJobStore_SubscribeFinishedJob(t *testing.T) {
	f := newStoreFixture(t)
	job := f.running(t, "w1")
	require.NoError(t, f.store.Complete(context.Background(), job.ID, "w1"))

	ch, unsub, err := f.store.Subscribe(job.ID)
	require.NoError(t, err)
	defer unsub()

	snap, ok := <-ch
	require.True(t, ok)
	assert.True(t, snap.Final)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestJobStore_SubscribeReceivesProgressThenFinal(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	job := f.running(t, "w1")

	ch, unsub, err := f.store.Subscribe(job.ID)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, f.store.UpdateProgress(ctx, job.ID, "w1", domain.Progress{Stage: "search", Step: 1, Percent: 25}))
	require.NoError(t, f.store.Complete(ctx, job.ID, "w1"))

	var got []domain.ProgressSnapshot
	for s := range ch {
		got = append(got, s)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "search", got[0].Stage)
	assert.False(t, got[0].Final)
	assert.True(t, got[1].Final)
	assert.Equal(t, 100.0, got[1].Percent)
}
