package services

import (
	"sort"
	"sync"

	"github.com/manthysbr/prospector/internal/core/domain"
)

// HeartbeatRegistry is the shared liveness table. Workers write their own
// entry; the health monitor reads all of them.
type HeartbeatRegistry struct {
	beats sync.Map // domain.WorkerID -> domain.Heartbeat
}

func NewHeartbeatRegistry() *HeartbeatRegistry {
	return &HeartbeatRegistry{}
}

// Beat records hb as the latest heartbeat of its worker.
func (r *HeartbeatRegistry) Beat(hb domain.Heartbeat) {
	r.beats.Store(hb.WorkerID, hb)
}

func (r *HeartbeatRegistry) Get(id domain.WorkerID) (domain.Heartbeat, bool) {
	v, ok := r.beats.Load(id)
	if !ok {
		return domain.Heartbeat{}, false
	}
	return v.(domain.Heartbeat), true
}

// Remove drops the entry of a stopped worker.
func (r *HeartbeatRegistry) Remove(id domain.WorkerID) {
	r.beats.Delete(id)
}

// Snapshot returns every heartbeat sorted by worker id.
func (r *HeartbeatRegistry) Snapshot() []domain.Heartbeat {
	var out []domain.Heartbeat
	r.beats.Range(func(_, v any) bool {
		out = append(out, v.(domain.Heartbeat))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}
