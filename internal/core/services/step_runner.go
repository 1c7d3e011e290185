package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/prospector/internal/core/domain"
)

const stepResultsKey = "step_results"

// Step is one tool invocation of a job's pipeline, read from config.steps.
type Step struct {
	Tool            string         `json:"tool"`
	Args            map[string]any `json:"args,omitempty"`
	Stage           string         `json:"stage,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty"`
}

// ParseSteps decodes config.steps. A config without steps yields no steps.
func ParseSteps(config map[string]any) ([]Step, error) {
	raw, ok := config["steps"]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("steps: %v", err))
	}
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("steps must be a list of {tool, args, stage}: %v", err))
	}
	for i, s := range steps {
		if s.Tool == "" {
			return nil, domain.NewValidationError(fmt.Sprintf("step %d: tool is required", i))
		}
	}
	return steps, nil
}

// ValidateSteps checks that every step names a registered tool with its
// required arguments.
func ValidateSteps(config map[string]any, registry *domain.ToolRegistry) error {
	steps, err := ParseSteps(config)
	if err != nil {
		return err
	}
	for i, s := range steps {
		if _, err := registry.Resolve(s.Tool, s.Args); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// StepRunner is the default ProcessFunc. It runs the job's steps in order,
// resuming at RunState.Step, and stores the collected results as an artifact.
type StepRunner struct {
	logger *slog.Logger
}

func NewStepRunner(logger *slog.Logger) *StepRunner {
	return &StepRunner{logger: logger}
}

func (r *StepRunner) Process(ctx context.Context, run *JobRun) error {
	steps, err := ParseSteps(run.Job.Config)
	if err != nil {
		return &domain.CriticalError{Op: "parse steps", Err: err}
	}
	state := run.State()

	var results []json.RawMessage
	if raw, ok := state.Extensions[stepResultsKey]; ok {
		if err := json.Unmarshal(raw, &results); err != nil {
			run.Logger.Warn("discarding unreadable step results", "error", err)
			results = nil
		}
	}

	if state.Step > 0 {
		run.Logger.Info("resuming job", "step", state.Step, "steps", len(steps))
	}

	for i := state.Step; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := steps[i]
		if step.Stage != "" {
			state.Stage = step.Stage
		}

		res := run.Tool(ctx, step.Tool, step.Args)
		if err := ctx.Err(); err != nil {
			return err
		}
		if !res.Success && !step.ContinueOnError {
			return fmt.Errorf("step %d (%s): %s", i, step.Tool, res.Error)
		}
		if res.Success {
			state.Add(domain.CounterItems, itemCount(res.Data))
		}

		entry, _ := json.Marshal(map[string]any{
			"step":    i,
			"tool":    step.Tool,
			"success": res.Success,
			"data":    res.Data,
			"error":   res.Error,
		})
		results = append(results, entry)
		if err := state.SetExtension(stepResultsKey, results); err != nil {
			return err
		}

		state.Step = i + 1
		state.Record(domain.HistoryEntry{
			At:      time.Now().UTC(),
			Stage:   state.Stage,
			Tool:    step.Tool,
			Message: fmt.Sprintf("step %d/%d done", i+1, len(steps)),
		})
		if err := run.Report(ctx, domain.Progress{
			Stage:   state.Stage,
			Step:    state.Step,
			Percent: 100 * float64(state.Step) / float64(len(steps)),
			Message: fmt.Sprintf("%s finished", step.Tool),
			Metrics: map[string]float64{
				"items":     float64(state.Counters[domain.CounterItems]),
				"api_calls": float64(state.Counters[domain.CounterAPICalls]),
			},
		}); err != nil {
			return err
		}
		run.Tick(ctx)
	}

	if len(results) > 0 {
		if _, err := run.StoreArtifact(ctx, "results.json", domain.ArtifactTypeResult, results, domain.RetentionDefault); err != nil {
			run.Logger.Warn("failed to store results artifact", "error", err)
		}
	}
	return nil
}

// itemCount is the number of records a tool returned: the length of an
// "items" list when present, otherwise one per non-empty result.
func itemCount(data map[string]any) int64 {
	if len(data) == 0 {
		return 0
	}
	if items, ok := data["items"].([]any); ok {
		return int64(len(items))
	}
	return 1
}
