package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/manthysbr/prospector/internal/core/domain"
	"github.com/manthysbr/prospector/internal/core/ports"
)

// EnqueueOptions carries the queue bookkeeping for a new job. Priority zero
// means PriorityNormal; a nil MaxRetries means DefaultMaxRetries.
type EnqueueOptions struct {
	Priority    int
	Tags        []string
	ScheduledAt *time.Time
	MaxRetries  *int
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Status   domain.JobStatus
	Priority int
	Tag      string
}

func (f JobFilter) match(j domain.Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Priority != 0 && j.Metadata.Priority != f.Priority {
		return false
	}
	if f.Tag != "" && !j.Metadata.HasTag(f.Tag) {
		return false
	}
	return true
}

// StoreStats summarizes the store for the control surface.
type StoreStats struct {
	Total               int                      `json:"total"`
	ByStatus            map[domain.JobStatus]int `json:"by_status"`
	ByPriority          map[int]int              `json:"by_priority"`
	ScheduledCount      int                      `json:"scheduled_count"`
	ActiveListenerCount int                      `json:"active_listener_count"`
	QueueDepth          int                      `json:"queue_depth"`
}

// JobStore owns every job record. All mutation goes through its lock; each
// change is persisted before it becomes visible.
type JobStore struct {
	logger   *slog.Logger
	repo     ports.JobRepository
	recorder ports.TransitionRecorder
	bus      *ProgressBus
	metrics  *MetricsCollector
	now      func() time.Time

	mu      sync.Mutex
	jobs    map[domain.JobID]domain.Job
	queue   *PriorityQueue
	cancels map[domain.JobID]runBinding
}

type runBinding struct {
	worker domain.WorkerID
	cancel context.CancelCauseFunc
}

// NewJobStore wires the store. recorder may be nil.
func NewJobStore(logger *slog.Logger, repo ports.JobRepository, recorder ports.TransitionRecorder, bus *ProgressBus, metrics *MetricsCollector) *JobStore {
	return &JobStore{
		logger:   logger,
		repo:     repo,
		recorder: recorder,
		bus:      bus,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[domain.JobID]domain.Job),
		queue:    NewPriorityQueue(),
		cancels:  make(map[domain.JobID]runBinding),
	}
}

// Load reloads every persisted record. QUEUED and RUNNING jobs are put back
// into the queue; RUNNING ones stay ineligible until crash recovery resets them.
func (s *JobStore) Load(ctx context.Context) (int, error) {
	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load jobs: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		s.jobs[j.ID] = j
		if j.Status == domain.JobStatusQueued || j.Status == domain.JobStatusRunning {
			s.queue.Push(j)
		}
	}
	s.logger.Info("job store loaded", "jobs", len(jobs), "queued", s.queue.Len())
	return len(jobs), nil
}

// Enqueue persists a new job and queues it if it is QUEUED.
func (s *JobStore) Enqueue(ctx context.Context, job domain.Job, opts EnqueueOptions) (domain.JobID, error) {
	if opts.Priority < 0 || opts.Priority > domain.MaxPriority {
		return "", domain.NewValidationError(fmt.Sprintf("priority must be between 0 and %d", domain.MaxPriority))
	}
	if opts.MaxRetries != nil && *opts.MaxRetries < 0 {
		return "", domain.NewValidationError("max_retries must be >= 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = domain.NewJobID()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return "", domain.NewValidationError(fmt.Sprintf("job %s already exists", job.ID))
	}
	now := s.now()
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	job.Metadata.Priority = opts.Priority
	if job.Metadata.Priority == 0 {
		job.Metadata.Priority = domain.PriorityNormal
	}
	if len(opts.Tags) > 0 {
		job.Metadata.Tags = slices.Clone(opts.Tags)
	}
	job.Metadata.MaxRetries = domain.DefaultMaxRetries
	if opts.MaxRetries != nil {
		job.Metadata.MaxRetries = *opts.MaxRetries
	}
	job.Metadata.ScheduledAt = cloneTimePtr(opts.ScheduledAt)
	job.Metadata.EnqueuedAt = now
	if job.RunState.StateVersion == 0 {
		job.RunState = domain.NewRunState()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := s.repo.SaveJob(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	s.jobs[job.ID] = job
	if job.Status == domain.JobStatusQueued {
		s.queue.Push(job)
	}
	s.metrics.JobsSubmitted.add(ctx, 1)
	s.afterChange(ctx, "", job, "submitted", "")
	s.logger.Info("job enqueued", "job_id", job.ID, "priority", job.Metadata.Priority, "tags", job.Metadata.Tags)
	return job.ID, nil
}

// Dequeue hands the best eligible job to workerID and marks it RUNNING. It
// never blocks; ok is false when nothing is eligible.
func (s *JobStore) Dequeue(ctx context.Context, workerID domain.WorkerID, workerTags []string) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ready := func(id domain.JobID) bool {
		return s.jobs[id].Status == domain.JobStatusQueued
	}
	id, ok := s.queue.Pop(now, workerTags, ready)
	if !ok {
		return domain.Job{}, false, nil
	}
	prev := s.jobs[id]
	next := prev.Clone()
	next.Status = domain.JobStatusRunning
	next.Metadata.AssignedWorker = string(workerID)
	next.Metadata.AssignedAt = &now
	if err := s.commit(ctx, prev, next, "dequeued", workerID); err != nil {
		s.queue.Push(prev)
		return domain.Job{}, false, err
	}
	return next.Clone(), true, nil
}

// UpdateStatus moves a job to status to through the operation that owns that
// change. RUNNING is only reached through Dequeue, and COMPLETED or FAILED
// only through Complete or Fail by the assigned worker.
func (s *JobStore) UpdateStatus(ctx context.Context, id domain.JobID, to domain.JobStatus, reason string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	switch to {
	case domain.JobStatusPaused:
		return s.Pause(ctx, id)
	case domain.JobStatusCancelled:
		return s.Cancel(ctx, id, reason)
	case domain.JobStatusQueued:
		switch job.Status {
		case domain.JobStatusPaused:
			return s.Resume(ctx, id)
		case domain.JobStatusFailed:
			return s.Retry(ctx, id)
		}
	case domain.JobStatusRunning, domain.JobStatusCompleted, domain.JobStatusFailed:
		return fmt.Errorf("%s: %s -> %s needs a worker: %w", id, job.Status, to, domain.ErrInvalidTransition)
	}
	return fmt.Errorf("%s: %s -> %s: %w", id, job.Status, to, domain.ErrInvalidTransition)
}

// Complete marks a job finished by its worker.
func (s *JobStore) Complete(ctx context.Context, id domain.JobID, workerID domain.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.owned(id, workerID)
	if err != nil {
		return err
	}
	next := prev.Clone()
	next.Status = domain.JobStatusCompleted
	next.Progress.Percent = 100
	next.Progress.UpdatedAt = s.now()
	return s.transition(ctx, prev, next, "completed", workerID)
}

// Fail marks a job failed by its worker. Critical errors flag the job so it
// is never retried.
func (s *JobStore) Fail(ctx context.Context, id domain.JobID, workerID domain.WorkerID, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.owned(id, workerID)
	if err != nil {
		return err
	}
	next := prev.Clone()
	next.Status = domain.JobStatusFailed
	if cause != nil {
		next.Metadata.Error = cause.Error()
	}
	next.Metadata.Critical = domain.IsCritical(cause)
	return s.transition(ctx, prev, next, next.Metadata.Error, workerID)
}

// Pause stops a running job. The worker sees ErrPauseRequested as the cause
// of its context cancellation.
func (s *JobStore) Pause(ctx context.Context, id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.get(id)
	if err != nil {
		return err
	}
	next := prev.Clone()
	next.Status = domain.JobStatusPaused
	return s.transition(ctx, prev, next, "pause requested", "")
}

// Resume re-enqueues a paused job with a priority boost.
func (s *JobStore) Resume(ctx context.Context, id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.get(id)
	if err != nil {
		return err
	}
	if prev.Status != domain.JobStatusPaused {
		return fmt.Errorf("resume %s from %s: %w", id, prev.Status, domain.ErrInvalidTransition)
	}
	next := prev.Clone()
	next.Status = domain.JobStatusQueued
	next.Metadata.Priority = min(prev.Metadata.Priority+domain.ResumeBoost, domain.MaxPriority)
	clearAssignment(&next)
	return s.transition(ctx, prev, next, "resumed", "")
}

// Cancel removes a queued or paused job from the queue, or signals a running
// job's worker to stop. Either way the job ends CANCELLED.
func (s *JobStore) Cancel(ctx context.Context, id domain.JobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.get(id)
	if err != nil {
		return err
	}
	next := prev.Clone()
	next.Status = domain.JobStatusCancelled
	next.Metadata.CancelReason = reason
	if reason == "" {
		reason = "cancelled"
	}
	return s.transition(ctx, prev, next, reason, "")
}

// Retry re-queues a failed job. Critical failures are not retryable and the
// retry budget is bounded by max_retries.
func (s *JobStore) Retry(ctx context.Context, id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.get(id)
	if err != nil {
		return err
	}
	if prev.Status != domain.JobStatusFailed {
		return fmt.Errorf("retry %s from %s: %w", id, prev.Status, domain.ErrInvalidTransition)
	}
	if prev.Metadata.Critical {
		return fmt.Errorf("retry %s: %w: critical failure", id, domain.ErrNotRetryable)
	}
	if prev.Metadata.RetryCount >= prev.Metadata.MaxRetries {
		return fmt.Errorf("retry %s (%d/%d): %w", id, prev.Metadata.RetryCount, prev.Metadata.MaxRetries, domain.ErrRetryExhausted)
	}
	next := prev.Clone()
	next.Status = domain.JobStatusQueued
	next.Metadata.RetryCount++
	next.Metadata.Priority = min(prev.Metadata.Priority+domain.RetryBoost, domain.MaxPriority)
	next.Metadata.Error = ""
	clearAssignment(&next)
	return s.transition(ctx, prev, next, fmt.Sprintf("retry %d", next.Metadata.RetryCount), "")
}

// Schedule sets (or with a zero time clears) the earliest dequeue time of a queued job.
func (s *JobStore) Schedule(ctx context.Context, id domain.JobID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.get(id)
	if err != nil {
		return err
	}
	if prev.Status != domain.JobStatusQueued {
		return fmt.Errorf("schedule %s in %s: %w", id, prev.Status, domain.ErrInvalidTransition)
	}
	next := prev.Clone()
	next.Metadata.ScheduledAt = nil
	if !at.IsZero() {
		at = at.UTC()
		next.Metadata.ScheduledAt = &at
	}
	if err := s.commit(ctx, prev, next, "scheduled", ""); err != nil {
		return err
	}
	s.queue.Push(next)
	return nil
}

// RecoverJob returns a RUNNING job whose worker is gone to the queue. This is
// the only path that moves RUNNING back to QUEUED.
func (s *JobStore) RecoverJob(ctx context.Context, id domain.JobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.get(id)
	if err != nil {
		return err
	}
	if !domain.CanRecover(prev.Status) {
		return fmt.Errorf("recover %s from %s: %w", id, prev.Status, domain.ErrInvalidTransition)
	}
	now := s.now()
	next := prev.Clone()
	next.Status = domain.JobStatusQueued
	clearAssignment(&next)
	next.Metadata.RecoveredAt = &now
	next.Metadata.RecoveryReason = reason
	if err := s.commit(ctx, prev, next, "recovered: "+reason, domain.WorkerID(prev.Metadata.AssignedWorker)); err != nil {
		return err
	}
	s.fireCancel(id, domain.ErrJobNotOwned)
	s.queue.Push(next)
	s.metrics.JobsRecovered.add(ctx, 1)
	s.logger.Warn("job recovered", "job_id", id, "worker_id", prev.Metadata.AssignedWorker, "reason", reason)
	return nil
}

// UpdateProgress stores the latest progress of a running job and publishes it.
func (s *JobStore) UpdateProgress(ctx context.Context, id domain.JobID, workerID domain.WorkerID, p domain.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.owned(id, workerID)
	if err != nil {
		return err
	}
	next := prev.Clone()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	next.Progress = p
	return s.commit(ctx, prev, next, "", workerID)
}

// UpdateRunState persists the processor state of a job. The worker may also
// save the state of a job that was paused under it, until it is resumed.
func (s *JobStore) UpdateRunState(ctx context.Context, id domain.JobID, workerID domain.WorkerID, state domain.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.get(id)
	if err != nil {
		return err
	}
	held := prev.Status == domain.JobStatusRunning || prev.Status == domain.JobStatusPaused
	if !held || prev.Metadata.AssignedWorker != string(workerID) {
		return fmt.Errorf("%s (%s on %q): %w", id, prev.Status, prev.Metadata.AssignedWorker, domain.ErrJobNotOwned)
	}
	next := prev.Clone()
	next.RunState = state.Clone()
	next.RunState.StateVersion = domain.CurrentRunStateVersion
	return s.commit(ctx, prev, next, "", workerID)
}

// AddArtifact links an artifact to the job. Allowed in any status so failed
// jobs keep their partial outputs.
func (s *JobStore) AddArtifact(ctx context.Context, id domain.JobID, ref domain.ArtifactRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.get(id)
	if err != nil {
		return err
	}
	next := prev.Clone()
	next.Artifacts = append(next.Artifacts, ref)
	return s.commit(ctx, prev, next, "", "")
}

// BindRun registers the cancel func of a worker's job context. It reports
// false, and cancels immediately, when the job is no longer running for workerID.
func (s *JobStore) BindRun(id domain.JobID, workerID domain.WorkerID, cancel context.CancelCauseFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobStatusRunning || j.Metadata.AssignedWorker != string(workerID) {
		cause := causeFor(j.Status)
		if cause == nil {
			cause = domain.ErrJobNotOwned
		}
		cancel(cause)
		return false
	}
	s.cancels[id] = runBinding{worker: workerID, cancel: cancel}
	return true
}

// ReleaseRun forgets the binding made by BindRun.
func (s *JobStore) ReleaseRun(id domain.JobID, workerID domain.WorkerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.cancels[id]; ok && b.worker == workerID {
		delete(s.cancels, id)
	}
}

func (s *JobStore) GetJob(id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.get(id)
	if err != nil {
		return domain.Job{}, err
	}
	return j.Clone(), nil
}

// ListJobs returns matching jobs ordered by creation time.
func (s *JobStore) ListJobs(filter JobFilter) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// RunningJobs returns every job currently marked RUNNING.
func (s *JobStore) RunningJobs() []domain.Job {
	return s.ListJobs(JobFilter{Status: domain.JobStatusRunning})
}

func (s *JobStore) GetProgress(id domain.JobID) (domain.ProgressSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.get(id)
	if err != nil {
		return domain.ProgressSnapshot{}, err
	}
	return domain.SnapshotOf(j), nil
}

// Subscribe opens the progress stream of a job. A finished job yields a
// single synthesized terminal snapshot.
func (s *JobStore) Subscribe(id domain.JobID) (<-chan domain.ProgressSnapshot, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.get(id)
	if err != nil {
		return nil, nil, err
	}
	if j.Status.IsTerminal() {
		return Terminated(domain.SnapshotOf(j)), func() {}, nil
	}
	ch, unsub := s.bus.Subscribe(id)
	return ch, unsub, nil
}

// QueueDepth is the number of jobs waiting in the queue.
func (s *JobStore) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusQueued {
			n++
		}
	}
	return n
}

func (s *JobStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StoreStats{
		Total:               len(s.jobs),
		ByStatus:            make(map[domain.JobStatus]int),
		ByPriority:          make(map[int]int),
		ScheduledCount:      s.queue.ScheduledCount(s.now()),
		ActiveListenerCount: s.bus.ListenerCount(),
	}
	for _, status := range domain.AllJobStatuses {
		st.ByStatus[status] = 0
	}
	for _, j := range s.jobs {
		st.ByStatus[j.Status]++
		st.ByPriority[j.Metadata.Priority]++
	}
	st.QueueDepth = st.ByStatus[domain.JobStatusQueued]
	return st
}

func (s *JobStore) get(id domain.JobID) (domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%s: %w", id, domain.ErrJobNotFound)
	}
	return j, nil
}

// owned returns the job only while it is RUNNING on workerID.
func (s *JobStore) owned(id domain.JobID, workerID domain.WorkerID) (domain.Job, error) {
	j, err := s.get(id)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status != domain.JobStatusRunning || j.Metadata.AssignedWorker != string(workerID) {
		return domain.Job{}, fmt.Errorf("%s (%s on %q): %w", id, j.Status, j.Metadata.AssignedWorker, domain.ErrJobNotOwned)
	}
	return j, nil
}

// transition validates prev -> next against the state machine, persists it
// and applies queue and cancellation side effects.
func (s *JobStore) transition(ctx context.Context, prev, next domain.Job, reason string, workerID domain.WorkerID) error {
	if !domain.CanTransition(prev.Status, next.Status) {
		return fmt.Errorf("%s: %s -> %s: %w", prev.ID, prev.Status, next.Status, domain.ErrInvalidTransition)
	}
	if err := s.commit(ctx, prev, next, reason, workerID); err != nil {
		return err
	}
	switch next.Status {
	case domain.JobStatusQueued:
		s.queue.Push(next)
	default:
		s.queue.Remove(next.ID)
	}
	if prev.Status == domain.JobStatusRunning {
		s.fireCancel(next.ID, causeFor(next.Status))
	}
	return nil
}

// commit persists next and makes it the current record.
func (s *JobStore) commit(ctx context.Context, prev, next domain.Job, reason string, workerID domain.WorkerID) error {
	next.UpdatedAt = s.now()
	if err := s.repo.SaveJob(ctx, next); err != nil {
		return fmt.Errorf("persist job %s: %w", next.ID, err)
	}
	s.jobs[next.ID] = next
	s.afterChange(ctx, prev.Status, next, reason, workerID)
	return nil
}

func (s *JobStore) afterChange(ctx context.Context, from domain.JobStatus, job domain.Job, reason string, workerID domain.WorkerID) {
	snap := domain.SnapshotOf(job)
	if from == job.Status {
		s.bus.Publish(snap)
		return
	}
	if s.recorder != nil {
		t := domain.Transition{JobID: job.ID, From: from, To: job.Status, Reason: reason, WorkerID: workerID, At: job.UpdatedAt}
		if err := s.recorder.RecordTransition(ctx, t); err != nil {
			s.logger.Error("failed to record transition", "job_id", job.ID, "error", err)
		}
	}
	attrs := attribute.String("from", string(from))
	switch job.Status {
	case domain.JobStatusCompleted:
		s.metrics.JobsCompleted.add(ctx, 1, attrs)
	case domain.JobStatusFailed:
		s.metrics.JobsFailed.add(ctx, 1, attrs)
	case domain.JobStatusCancelled:
		s.metrics.JobsCancelled.add(ctx, 1, attrs)
	}
	s.logger.Info("job status changed", "job_id", job.ID, "from", from, "to", job.Status, "reason", reason)
	if job.Status.IsTerminal() {
		s.bus.Finish(snap)
		return
	}
	s.bus.Publish(snap)
}

// fireCancel cancels the bound run of a job with cause. A nil cause only
// drops the binding: the worker itself finished the job.
func (s *JobStore) fireCancel(id domain.JobID, cause error) {
	b, ok := s.cancels[id]
	if !ok {
		return
	}
	delete(s.cancels, id)
	if cause != nil {
		b.cancel(cause)
	}
}

// causeFor maps the status a running job was moved to onto the cancellation
// cause its worker observes.
func causeFor(status domain.JobStatus) error {
	switch status {
	case domain.JobStatusPaused:
		return domain.ErrPauseRequested
	case domain.JobStatusCancelled:
		return domain.ErrJobCancelled
	case domain.JobStatusRunning:
		return domain.ErrJobNotOwned
	default:
		return nil
	}
}

func clearAssignment(j *domain.Job) {
	j.Metadata.AssignedWorker = ""
	j.Metadata.AssignedAt = nil
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
