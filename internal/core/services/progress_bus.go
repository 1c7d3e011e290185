package services

import (
	"log/slog"
	"sync"

	"github.com/manthysbr/prospector/internal/core/domain"
)

const progressBuffer = 64

// ProgressBus fans progress snapshots out to per-job subscribers. A closed
// channel marks the end of a job's stream.
type ProgressBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.JobID][]chan domain.ProgressSnapshot
}

func NewProgressBus(logger *slog.Logger) *ProgressBus {
	return &ProgressBus{
		logger: logger,
		subs:   make(map[domain.JobID][]chan domain.ProgressSnapshot),
	}
}

// Subscribe returns a channel that receives snapshots for a specific job
func (b *ProgressBus) Subscribe(jobID domain.JobID) (<-chan domain.ProgressSnapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.ProgressSnapshot, progressBuffer)
	b.subs[jobID] = append(b.subs[jobID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[jobID]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[jobID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
	}

	return ch, unsub
}

// Publish sends a snapshot to all subscribers of the job
func (b *ProgressBus) Publish(s domain.ProgressSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[s.JobID] {
		select {
		case ch <- s:
		default:
			b.logger.Warn("progress channel full, dropping snapshot", "job_id", s.JobID)
		}
	}
}

// Finish delivers the final snapshot and closes every stream of the job.
// The final snapshot is never dropped: the oldest buffered one gives way.
func (b *ProgressBus) Finish(s domain.ProgressSnapshot) {
	s.Final = true

	b.mu.Lock()
	subscribers := b.subs[s.JobID]
	delete(b.subs, s.JobID)
	b.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
		close(ch)
	}
}

// Terminated returns a closed stream holding only s, for subscribers that
// arrive after the job has finished.
func Terminated(s domain.ProgressSnapshot) <-chan domain.ProgressSnapshot {
	s.Final = true
	ch := make(chan domain.ProgressSnapshot, 1)
	ch <- s
	close(ch)
	return ch
}

// ListenerCount returns the number of open subscriptions.
func (b *ProgressBus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
