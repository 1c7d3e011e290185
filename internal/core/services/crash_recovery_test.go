package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/prospector/internal/core/domain"
)

func TestCrashRecovery_Sweep(t *testing.T) {
	const interval = 30 * time.Second
	ctx := context.Background()

	setup := func(t *testing.T) (*storeFixture, *HeartbeatRegistry, *CrashRecovery, domain.Job, time.Time) {
		f := newStoreFixture(t)
		now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		f.store.now = func() time.Time { return now }
		job := f.running(t, "w1")
		hb := NewHeartbeatRegistry()
		cr := NewCrashRecovery(testLogger(), f.store, hb, interval, 0)
		return f, hb, cr, job, now
	}

	t.Run("fresh heartbeat keeps the job", func(t *testing.T) {
		f, hb, cr, job, now := setup(t)
		hb.Beat(domain.Heartbeat{WorkerID: "w1", Timestamp: now.Add(-interval)})
		cr.now = func() time.Time { return now }

		n, err := cr.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, domain.JobStatusRunning, f.status(t, job.ID))
	})

	t.Run("stale heartbeat requeues", func(t *testing.T) {
		f, hb, cr, job, now := setup(t)
		hb.Beat(domain.Heartbeat{WorkerID: "w1", Timestamp: now})
		cr.now = func() time.Time { return now.Add(2*interval + time.Second) }

		n, err := cr.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, _ := f.store.GetJob(job.ID)
		assert.Equal(t, domain.JobStatusQueued, got.Status)
		assert.Equal(t, ReasonHeartbeatStale, got.Metadata.RecoveryReason)
	})

	t.Run("missing heartbeat within grace", func(t *testing.T) {
		f, _, cr, job, now := setup(t)
		cr.now = func() time.Time { return now.Add(interval) }

		n, err := cr.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "a worker that just took the job may not have beaten yet")
		assert.Equal(t, domain.JobStatusRunning, f.status(t, job.ID))
	})

	t.Run("missing heartbeat after grace", func(t *testing.T) {
		f, _, cr, job, now := setup(t)
		cr.now = func() time.Time { return now.Add(2*interval + time.Second) }

		n, err := cr.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, _ := f.store.GetJob(job.ID)
		assert.Equal(t, ReasonHeartbeatMissing, got.Metadata.RecoveryReason)
	})

	t.Run("recovered job is handed to another worker", func(t *testing.T) {
		f, _, cr, job, now := setup(t)
		cr.now = func() time.Time { return now.Add(time.Hour) }
		_, err := cr.Sweep(ctx)
		require.NoError(t, err)

		again, ok, err := f.store.Dequeue(ctx, "w2", nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, job.ID, again.ID)
		assert.Equal(t, "w2", again.Metadata.AssignedWorker)
	})
}

func TestCrashRecovery_RunStopsOnCancel(t *testing.T) {
	f := newStoreFixture(t)
	cr := NewCrashRecovery(testLogger(), f.store, NewHeartbeatRegistry(), time.Second, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cr.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHeartbeatRegistry(t *testing.T) {
	r := NewHeartbeatRegistry()
	now := time.Now().UTC()
	r.Beat(domain.Heartbeat{WorkerID: "w2", Timestamp: now, Status: domain.HealthStatusIdle})
	r.Beat(domain.Heartbeat{WorkerID: "w1", Timestamp: now, Status: domain.HealthStatusBusy, CurrentJob: "job-1"})
	r.Beat(domain.Heartbeat{WorkerID: "w1", Timestamp: now.Add(time.Second), Status: domain.HealthStatusIdle})

	hb, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, domain.HealthStatusIdle, hb.Status)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.WorkerID("w1"), snap[0].WorkerID)

	r.Remove("w1")
	_, ok = r.Get("w1")
	assert.False(t, ok)

	assert.True(t, hb.Stale(now.Add(time.Minute), 30*time.Second))
	assert.False(t, hb.Stale(now.Add(10*time.Second), 30*time.Second))
}

func TestProgressBus(t *testing.T) {
	bus := NewProgressBus(testLogger())

	ch1, unsub1 := bus.Subscribe("job-1")
	ch2, unsub2 := bus.Subscribe("job-1")
	other, unsubOther := bus.Subscribe("job-2")
	defer unsubOther()
	assert.Equal(t, 3, bus.ListenerCount())

	bus.Publish(domain.ProgressSnapshot{JobID: "job-1", Step: 1})
	assert.Equal(t, 1, (<-ch1).Step)
	assert.Equal(t, 1, (<-ch2).Step)
	assert.Empty(t, other)

	unsub2()
	assert.Equal(t, 2, bus.ListenerCount())

	bus.Finish(domain.ProgressSnapshot{JobID: "job-1", Status: domain.JobStatusCompleted})
	final, open := <-ch1
	require.True(t, open)
	assert.True(t, final.Final)
	_, open = <-ch1
	assert.False(t, open)
	unsub1() // after Finish this is a no-op

	assert.Equal(t, 1, bus.ListenerCount())
}

func TestProgressBus_FinalSnapshotNeverDropped(t *testing.T) {
	bus := NewProgressBus(testLogger())
	ch, unsub := bus.Subscribe("job-1")
	defer unsub()

	for i := 0; i < progressBuffer+10; i++ {
		bus.Publish(domain.ProgressSnapshot{JobID: "job-1", Step: i})
	}
	bus.Finish(domain.ProgressSnapshot{JobID: "job-1", Status: domain.JobStatusFailed})

	var last domain.ProgressSnapshot
	n := 0
	for s := range ch {
		last = s
		n++
	}
	assert.Equal(t, progressBuffer, n)
	assert.True(t, last.Final)
	assert.Equal(t, domain.JobStatusFailed, last.Status)
}
