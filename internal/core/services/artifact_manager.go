package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/moby/sys/atomicwriter"

	"github.com/manthysbr/prospector/internal/core/domain"
)

const registryFile = "registry.json"

// ArtifactConfig controls storage and the retention sweep.
type ArtifactConfig struct {
	Dir             string
	CompressOnStore bool
	CompressAfter   time.Duration
	MaxPerType      int
	CleanupInterval time.Duration
}

// CleanupResult reports one retention sweep. Individual failures do not stop
// the sweep; they are collected in Errors.
type CleanupResult struct {
	Expired      int
	Compressed   int
	Deduplicated int
	BytesFreed   int64
	Errors       []error
}

// ArtifactManager keeps artifact payloads next to a JSON registry that maps
// artifact ids to their metadata.
type ArtifactManager struct {
	logger   *slog.Logger
	cfg      ArtifactConfig
	metrics  *MetricsCollector
	now      func() time.Time
	mu       sync.Mutex
	registry map[domain.ArtifactID]domain.ArtifactMetadata
}

// NewArtifactManager loads the registry from cfg.Dir, creating it if needed.
func NewArtifactManager(logger *slog.Logger, cfg ArtifactConfig, metrics *MetricsCollector) (*ArtifactManager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	m := &ArtifactManager{
		logger:   logger,
		cfg:      cfg,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		registry: make(map[domain.ArtifactID]domain.ArtifactMetadata),
	}
	data, err := os.ReadFile(filepath.Join(cfg.Dir, registryFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read artifact registry: %w", err)
	default:
		if err := json.Unmarshal(data, &m.registry); err != nil {
			return nil, &domain.CriticalError{Op: "decode artifact registry", Err: err}
		}
	}
	return m, nil
}

// Store writes payload for jobID and registers it. A []byte payload is stored
// as is; anything else is encoded as JSON.
func (m *ArtifactManager) Store(ctx context.Context, jobID domain.JobID, filename, typ string, payload any, policy domain.RetentionPolicy) (domain.ArtifactMetadata, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return domain.ArtifactMetadata{}, err
	}
	if filename == "" {
		filename = typ + ".json"
	}
	filename = filepath.Base(filename)
	policy = domain.ParseRetentionPolicy(string(policy))

	now := m.now()
	meta := domain.ArtifactMetadata{
		ID:              domain.NewArtifactID(),
		JobID:           jobID,
		Filename:        filename,
		Type:            typ,
		CreatedAt:       now,
		RetentionPolicy: policy,
		ExpiresAt:       policy.ExpiresAt(now),
	}
	meta.Path = filepath.Join(m.cfg.Dir, fmt.Sprintf("%s_%s", meta.ID, filename))
	if m.cfg.CompressOnStore {
		if data, err = gzipBytes(data); err != nil {
			return domain.ArtifactMetadata{}, err
		}
		meta.Path += ".gz"
		meta.Compressed = true
	}
	if err := atomicwriter.WriteFile(meta.Path, data, 0o644); err != nil {
		return domain.ArtifactMetadata{}, fmt.Errorf("write artifact: %w", err)
	}
	meta.SizeBytes = int64(len(data))

	m.mu.Lock()
	m.registry[meta.ID] = meta
	err = m.saveRegistry()
	m.mu.Unlock()
	if err != nil {
		_ = os.Remove(meta.Path)
		return domain.ArtifactMetadata{}, err
	}
	m.metrics.ArtifactsStored.add(ctx, 1)
	m.logger.Info("artifact stored", "job_id", jobID, "artifact_id", meta.ID, "type", typ, "size_bytes", meta.SizeBytes)
	return meta, nil
}

// Read returns the decompressed payload and bumps the access bookkeeping.
func (m *ArtifactManager) Read(ctx context.Context, id domain.ArtifactID) ([]byte, domain.ArtifactMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.registry[id]
	if !ok {
		return nil, domain.ArtifactMetadata{}, fmt.Errorf("%s: %w", id, domain.ErrArtifactNotFound)
	}
	data, err := os.ReadFile(meta.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, meta, fmt.Errorf("%s payload: %w", id, domain.ErrArtifactNotFound)
	}
	if err != nil {
		return nil, meta, fmt.Errorf("read artifact: %w", err)
	}
	if meta.Compressed {
		if data, err = gunzipBytes(data); err != nil {
			return nil, meta, fmt.Errorf("decompress artifact: %w", err)
		}
	}
	now := m.now()
	meta.AccessCount++
	meta.LastAccessed = &now
	m.registry[id] = meta
	if err := m.saveRegistry(); err != nil {
		m.logger.Warn("failed to persist artifact access", "artifact_id", id, "error", err)
	}
	return data, meta, nil
}

// List returns the artifacts of a job (all artifacts when jobID is empty),
// newest first.
func (m *ArtifactManager) List(jobID domain.JobID) []domain.ArtifactMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ArtifactMetadata, 0)
	for _, meta := range m.registry {
		if jobID == "" || meta.JobID == jobID {
			out = append(out, meta)
		}
	}
	sortNewestFirst(out)
	return out
}

func (m *ArtifactManager) Delete(ctx context.Context, id domain.ArtifactID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.registry[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrArtifactNotFound)
	}
	if _, err := m.deleteLocked(ctx, meta); err != nil {
		return err
	}
	return m.saveRegistry()
}

func (m *ArtifactManager) deleteLocked(ctx context.Context, meta domain.ArtifactMetadata) (int64, error) {
	if err := os.Remove(meta.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("delete artifact %s: %w", meta.ID, err)
	}
	delete(m.registry, meta.ID)
	m.metrics.ArtifactsDeleted.add(ctx, 1)
	return meta.SizeBytes, nil
}

// Cleanup deletes expired artifacts, compresses old uncompressed ones and
// keeps only the newest MaxPerType artifacts per (job, type).
func (m *ArtifactManager) Cleanup(ctx context.Context) (*CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	result := &CleanupResult{}

	// Phase 1: expired
	for _, meta := range m.registry {
		if !meta.Expired(now) {
			continue
		}
		freed, err := m.deleteLocked(ctx, meta)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Expired++
		result.BytesFreed += freed
	}

	// Phase 2: duplicates per (job, type)
	if m.cfg.MaxPerType > 0 {
		groups := make(map[string][]domain.ArtifactMetadata)
		for _, meta := range m.registry {
			key := string(meta.JobID) + "/" + meta.Type
			groups[key] = append(groups[key], meta)
		}
		for _, group := range groups {
			if len(group) <= m.cfg.MaxPerType {
				continue
			}
			sortNewestFirst(group)
			for _, meta := range group[m.cfg.MaxPerType:] {
				freed, err := m.deleteLocked(ctx, meta)
				if err != nil {
					result.Errors = append(result.Errors, err)
					continue
				}
				result.Deduplicated++
				result.BytesFreed += freed
			}
		}
	}

	// Phase 3: compression
	if m.cfg.CompressAfter > 0 {
		for id, meta := range m.registry {
			if meta.Compressed || now.Sub(meta.CreatedAt) < m.cfg.CompressAfter {
				continue
			}
			compressed, err := m.compressLocked(meta)
			if err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			m.registry[id] = compressed
			result.Compressed++
		}
	}

	if err := m.saveRegistry(); err != nil {
		return result, err
	}
	if result.Expired+result.Deduplicated+result.Compressed > 0 || len(result.Errors) > 0 {
		m.logger.Info("artifact cleanup finished",
			"expired", result.Expired,
			"deduplicated", result.Deduplicated,
			"compressed", result.Compressed,
			"bytes_freed", result.BytesFreed,
			"errors", len(result.Errors))
	}
	return result, nil
}

func (m *ArtifactManager) compressLocked(meta domain.ArtifactMetadata) (domain.ArtifactMetadata, error) {
	data, err := os.ReadFile(meta.Path)
	if err != nil {
		return meta, fmt.Errorf("read artifact %s: %w", meta.ID, err)
	}
	gz, err := gzipBytes(data)
	if err != nil {
		return meta, err
	}
	target := meta.Path + ".gz"
	if err := atomicwriter.WriteFile(target, gz, 0o644); err != nil {
		return meta, fmt.Errorf("write compressed artifact %s: %w", meta.ID, err)
	}
	if err := os.Remove(meta.Path); err != nil {
		m.logger.Warn("failed to remove uncompressed artifact", "artifact_id", meta.ID, "error", err)
	}
	meta.Path = target
	meta.Compressed = true
	meta.SizeBytes = int64(len(gz))
	return meta, nil
}

// Run sweeps on every cleanup interval until ctx is cancelled.
func (m *ArtifactManager) Run(ctx context.Context) error {
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	m.logger.Info("artifact cleanup started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("artifact cleanup stopped")
			return nil
		case <-ticker.C:
			if _, err := m.Cleanup(ctx); err != nil {
				m.logger.Error("artifact cleanup failed", "error", err)
			}
		}
	}
}

func (m *ArtifactManager) saveRegistry() error {
	data, err := json.MarshalIndent(m.registry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact registry: %w", err)
	}
	if err := atomicwriter.WriteFile(filepath.Join(m.cfg.Dir, registryFile), data, 0o644); err != nil {
		return fmt.Errorf("write artifact registry: %w", err)
	}
	return nil
}

func sortNewestFirst(metas []domain.ArtifactMetadata) {
	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].CreatedAt.After(metas[j].CreatedAt)
		}
		return strings.Compare(string(metas[i].ID), string(metas[j].ID)) > 0
	})
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, domain.NewValidationError(fmt.Sprintf("artifact payload is not JSON encodable: %v", err))
		}
		return data, nil
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip artifact: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
