package services

import (
	"container/heap"
	"slices"
	"time"

	"github.com/manthysbr/prospector/internal/core/domain"
)

type queueItem struct {
	jobID       domain.JobID
	priority    int
	enqueuedAt  time.Time
	scheduledAt *time.Time
	tags        []string
	seq         uint64
	index       int
}

// eligibleAt is the instant the item may first be dequeued.
func (it *queueItem) eligibleAt() time.Time {
	if it.scheduledAt != nil {
		return *it.scheduledAt
	}
	return it.enqueuedAt
}

func (it *queueItem) matches(workerTags []string) bool {
	if len(workerTags) == 0 || len(it.tags) == 0 {
		return true
	}
	for _, t := range it.tags {
		if slices.Contains(workerTags, t) {
			return true
		}
	}
	return false
}

// jobHeap orders by priority desc, eligibility asc, enqueued_at asc, then
// insertion sequence.
type jobHeap []*queueItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if ea, eb := a.eligibleAt(), b.eligibleAt(); !ea.Equal(eb) {
		return ea.Before(eb)
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// PriorityQueue is the in-memory ordering over queued jobs. It is not
// synchronized; JobStore serializes access under its own lock.
type PriorityQueue struct {
	h    jobHeap
	byID map[domain.JobID]*queueItem
	seq  uint64
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{byID: make(map[domain.JobID]*queueItem)}
}

// Push inserts the job or refreshes its ordering keys if already present.
func (q *PriorityQueue) Push(job domain.Job) {
	if it, ok := q.byID[job.ID]; ok {
		it.priority = job.Metadata.Priority
		it.enqueuedAt = job.Metadata.EnqueuedAt
		it.scheduledAt = job.Metadata.ScheduledAt
		it.tags = slices.Clone(job.Metadata.Tags)
		heap.Fix(&q.h, it.index)
		return
	}
	q.seq++
	it := &queueItem{
		jobID:       job.ID,
		priority:    job.Metadata.Priority,
		enqueuedAt:  job.Metadata.EnqueuedAt,
		scheduledAt: job.Metadata.ScheduledAt,
		tags:        slices.Clone(job.Metadata.Tags),
		seq:         q.seq,
	}
	heap.Push(&q.h, it)
	q.byID[job.ID] = it
}

// Remove drops the job from the queue. It reports whether it was present.
func (q *PriorityQueue) Remove(id domain.JobID) bool {
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, it.index)
	delete(q.byID, id)
	return true
}

// Pop removes and returns the highest-ordered item that is eligible at now,
// matches workerTags and passes ready. Skipped items stay queued.
func (q *PriorityQueue) Pop(now time.Time, workerTags []string, ready func(domain.JobID) bool) (domain.JobID, bool) {
	var skipped []*queueItem
	defer func() {
		for _, it := range skipped {
			heap.Push(&q.h, it)
		}
	}()
	for q.h.Len() > 0 {
		it := heap.Pop(&q.h).(*queueItem)
		if it.eligibleAt().After(now) || !it.matches(workerTags) || (ready != nil && !ready(it.jobID)) {
			skipped = append(skipped, it)
			continue
		}
		delete(q.byID, it.jobID)
		return it.jobID, true
	}
	return "", false
}

func (q *PriorityQueue) Contains(id domain.JobID) bool {
	_, ok := q.byID[id]
	return ok
}

func (q *PriorityQueue) Len() int { return q.h.Len() }

// ScheduledCount returns how many queued items are not yet eligible at now.
func (q *PriorityQueue) ScheduledCount(now time.Time) int {
	n := 0
	for _, it := range q.h {
		if it.scheduledAt != nil && it.scheduledAt.After(now) {
			n++
		}
	}
	return n
}
