package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/manthysbr/prospector/internal/core/domain"
)

const checkpointTimeLayout = "20060102T150405.000000000Z"

// CheckpointConfig holds the hybrid trigger policy and the file settings.
type CheckpointConfig struct {
	Dir               string
	TimeInterval      time.Duration
	StepInterval      int
	VolumeInterval    int64
	StageMinInterval  time.Duration
	ItemMilestones    []int64
	APICallMilestones []int64
	Keep              int
	Sanitize          SanitizeConfig
}

// CheckpointFile describes one checkpoint on disk.
type CheckpointFile struct {
	Path      string                `json:"path"`
	Type      domain.CheckpointType `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
}

// CheckpointManager writes sanitized job snapshots as
// {job_id}_{type}_{timestamp}.json files.
type CheckpointManager struct {
	logger  *slog.Logger
	cfg     CheckpointConfig
	metrics *MetricsCollector
	now     func() time.Time
}

func NewCheckpointManager(logger *slog.Logger, cfg CheckpointConfig, metrics *MetricsCollector) (*CheckpointManager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &CheckpointManager{
		logger:  logger,
		cfg:     cfg,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Save sanitizes state and writes it atomically. Callers treat errors as
// non-fatal; they are counted and returned for logging.
func (m *CheckpointManager) Save(ctx context.Context, jobID domain.JobID, typ domain.CheckpointType, state domain.RunState, progress domain.Progress, reason string) (domain.Checkpoint, error) {
	cp, err := m.save(jobID, typ, state, progress, reason)
	if err != nil {
		m.metrics.CheckpointFailures.add(ctx, 1)
		return domain.Checkpoint{}, fmt.Errorf("checkpoint %s: %w", jobID, err)
	}
	m.metrics.CheckpointsWritten.add(ctx, 1)
	m.logger.Debug("checkpoint written", "job_id", jobID, "type", typ, "reason", reason)
	if m.cfg.Keep > 0 {
		if _, err := m.Prune(jobID, m.cfg.Keep); err != nil {
			m.logger.Warn("checkpoint prune failed", "job_id", jobID, "error", err)
		}
	}
	return cp, nil
}

func (m *CheckpointManager) save(jobID domain.JobID, typ domain.CheckpointType, state domain.RunState, progress domain.Progress, reason string) (domain.Checkpoint, error) {
	sanitized, err := Sanitize(state, m.cfg.Sanitize)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	version := state.StateVersion
	if version == 0 {
		version = domain.CurrentRunStateVersion
	}
	cp := domain.Checkpoint{
		JobID:          jobID,
		Type:           typ,
		Timestamp:      m.now(),
		StateVersion:   version,
		Reason:         reason,
		SanitizedState: sanitized,
		Counters:       state.Clone().Counters,
		Progress:       progress,
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return domain.Checkpoint{}, err
	}
	name := fmt.Sprintf("%s_%s_%s.json", jobID, typ, cp.Timestamp.Format(checkpointTimeLayout))
	if err := atomicwriter.WriteFile(filepath.Join(m.cfg.Dir, name), data, 0o644); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

// List returns the checkpoints of a job, oldest first.
func (m *CheckpointManager) List(jobID domain.JobID) ([]CheckpointFile, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	prefix := string(jobID) + "_"
	var out []CheckpointFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		typ, stamp, ok := strings.Cut(rest, "_")
		if !ok {
			continue
		}
		ts, err := time.Parse(checkpointTimeLayout, stamp)
		if err != nil {
			continue
		}
		out = append(out, CheckpointFile{
			Path:      filepath.Join(m.cfg.Dir, name),
			Type:      domain.CheckpointType(typ),
			Timestamp: ts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// LoadLatest reads the newest checkpoint of a job.
func (m *CheckpointManager) LoadLatest(jobID domain.JobID) (domain.Checkpoint, error) {
	files, err := m.List(jobID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	for i := len(files) - 1; i >= 0; i-- {
		data, err := os.ReadFile(files[i].Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return domain.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
		}
		var cp domain.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			m.logger.Warn("skipping unreadable checkpoint", "path", files[i].Path, "error", err)
			continue
		}
		return cp, nil
	}
	return domain.Checkpoint{}, fmt.Errorf("%s: %w", jobID, domain.ErrCheckpointNotFound)
}

// Prune deletes all but the newest keep checkpoints of a job.
func (m *CheckpointManager) Prune(jobID domain.JobID, keep int) (int, error) {
	files, err := m.List(jobID)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	var errs []error
	for _, f := range files[:max(len(files)-keep, 0)] {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// NewTracker starts the trigger policy for one job run.
func (m *CheckpointManager) NewTracker(start time.Time) *CheckpointTracker {
	return &CheckpointTracker{
		cfg:        m.cfg,
		lastAt:     start,
		seenStages: make(map[string]bool),
	}
}

// CheckpointDecision is the outcome of one policy evaluation.
type CheckpointDecision struct {
	Due    bool
	Type   domain.CheckpointType
	Reason string
}

// CheckpointTracker evaluates the hybrid checkpoint policy once per tick.
// It is owned by a single job run.
type CheckpointTracker struct {
	cfg        CheckpointConfig
	lastAt     time.Time
	lastStep   int
	lastItems  int64
	lastStage  string
	seenStages map[string]bool
	itemIdx    int
	apiIdx     int
}

// Tick decides whether state warrants a checkpoint at now. Any single
// trigger is sufficient; milestones win over periodic triggers.
func (t *CheckpointTracker) Tick(now time.Time, state domain.RunState) CheckpointDecision {
	items := state.Counters[domain.CounterItems]
	apiCalls := state.Counters[domain.CounterAPICalls]
	stageChanged := state.Stage != "" && state.Stage != t.lastStage
	firstEntry := stageChanged && !t.seenStages[state.Stage]

	itemCrossed := crossMilestones(t.cfg.ItemMilestones, &t.itemIdx, items)
	apiCrossed := crossMilestones(t.cfg.APICallMilestones, &t.apiIdx, apiCalls)

	var d CheckpointDecision
	switch {
	case firstEntry:
		d = CheckpointDecision{Due: true, Type: domain.CheckpointMilestone, Reason: "entered stage " + state.Stage}
	case itemCrossed > 0:
		d = CheckpointDecision{Due: true, Type: domain.CheckpointMilestone, Reason: fmt.Sprintf("items reached %d", itemCrossed)}
	case apiCrossed > 0:
		d = CheckpointDecision{Due: true, Type: domain.CheckpointMilestone, Reason: fmt.Sprintf("api calls reached %d", apiCrossed)}
	case t.cfg.TimeInterval > 0 && now.Sub(t.lastAt) >= t.cfg.TimeInterval:
		d = CheckpointDecision{Due: true, Type: domain.CheckpointPeriodic, Reason: "time interval"}
	case t.cfg.StepInterval > 0 && state.Step/t.cfg.StepInterval > t.lastStep/t.cfg.StepInterval:
		d = CheckpointDecision{Due: true, Type: domain.CheckpointPeriodic, Reason: "step interval"}
	case t.cfg.VolumeInterval > 0 && items/t.cfg.VolumeInterval > t.lastItems/t.cfg.VolumeInterval:
		d = CheckpointDecision{Due: true, Type: domain.CheckpointPeriodic, Reason: "volume interval"}
	case stageChanged && now.Sub(t.lastAt) >= t.cfg.StageMinInterval:
		d = CheckpointDecision{Due: true, Type: domain.CheckpointPeriodic, Reason: "stage transition"}
	}

	if state.Stage != "" {
		t.seenStages[state.Stage] = true
	}
	t.lastStage = state.Stage
	t.lastStep = state.Step
	t.lastItems = items
	if d.Due {
		t.lastAt = now
	}
	return d
}

// crossMilestones advances *idx past every milestone value has reached and
// returns the highest one crossed, or 0.
func crossMilestones(milestones []int64, idx *int, value int64) int64 {
	var crossed int64
	for *idx < len(milestones) && value >= milestones[*idx] {
		crossed = milestones[*idx]
		*idx++
	}
	return crossed
}
