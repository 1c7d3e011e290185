package domain

import (
	"errors"
	"time"
)

// ID types to prevent stringly-typed confusion
type WorkerID string

// HealthStatus represents the current state of a worker loop
type HealthStatus string

const (
	HealthStatusStarting HealthStatus = "STARTING"
	HealthStatusIdle     HealthStatus = "IDLE"
	HealthStatusBusy     HealthStatus = "BUSY"
	HealthStatusExited   HealthStatus = "EXITED"
)

// Heartbeat is the liveness record a worker publishes every heartbeat interval.
type Heartbeat struct {
	WorkerID       WorkerID     `json:"worker_id"`
	Timestamp      time.Time    `json:"timestamp"`
	CurrentJob     JobID        `json:"current_job,omitempty"`
	Status         HealthStatus `json:"status"`
	ProcessedCount int64        `json:"processed_count"`
	FailedCount    int64        `json:"failed_count"`
}

// Stale reports whether the heartbeat is older than maxAge at now.
func (h Heartbeat) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(h.Timestamp) > maxAge
}

// ContainerSpec defines how a docker-backed tool container is spawned
type ContainerSpec struct {
	Image       string            `json:"image"`
	Command     []string          `json:"command"`
	Env         map[string]string `json:"env"`
	ResourceCPU float64           `json:"resource_cpu"` // 0.5 = 50% core
	ResourceMem int64             `json:"resource_mem"` // in bytes
	Labels      map[string]string `json:"labels"`
	BindMounts  map[string]string `json:"bind_mounts"` // HostPath -> ContainerPath
}

var (
	ErrWorkerNotFound = errors.New("worker not found")
)
