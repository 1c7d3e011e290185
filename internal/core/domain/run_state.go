package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// CurrentRunStateVersion is written on every saved run state. Records
// without a version predate the typed layout and are migrated on load.
const CurrentRunStateVersion = 2

const (
	MaxRunStateExtensions = 32
	MaxRunStateHistory    = 200
	MaxRunStateErrors     = 50

	// RunStateOmittedKey marks extensions dropped while migrating a record.
	RunStateOmittedKey = "_omitted"
)

// Counter names used by the pipeline and the checkpoint milestones.
const (
	CounterItems    = "items"
	CounterAPICalls = "api_calls"
	CounterErrors   = "errors"
)

// HistoryEntry records one processing step.
type HistoryEntry struct {
	At      time.Time `json:"at"`
	Stage   string    `json:"stage,omitempty"`
	Tool    string    `json:"tool,omitempty"`
	Message string    `json:"message,omitempty"`
}

// ErrorEntry records one tool or processing error.
type ErrorEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Tool    string    `json:"tool,omitempty"`
	Message string    `json:"message"`
}

// RunState is the processor-owned state of a job. Fields the orchestration
// core does not model live in Extensions as raw JSON.
type RunState struct {
	StateVersion int                        `json:"state_version"`
	Stage        string                     `json:"stage,omitempty"`
	Step         int                        `json:"step"`
	Counters     map[string]int64           `json:"counters,omitempty"`
	History      []HistoryEntry             `json:"history,omitempty"`
	Errors       []ErrorEntry               `json:"errors,omitempty"`
	Extensions   map[string]json.RawMessage `json:"extensions,omitempty"`
}

// NewRunState returns an empty state at the current version.
func NewRunState() RunState {
	return RunState{StateVersion: CurrentRunStateVersion, Counters: map[string]int64{}}
}

// Clone returns a deep copy of the state.
func (s RunState) Clone() RunState {
	cp := s
	cp.Counters = maps.Clone(s.Counters)
	cp.History = slices.Clone(s.History)
	cp.Errors = slices.Clone(s.Errors)
	if s.Extensions != nil {
		cp.Extensions = make(map[string]json.RawMessage, len(s.Extensions))
		for k, v := range s.Extensions {
			cp.Extensions[k] = slices.Clone(v)
		}
	}
	return cp
}

// Add increments a counter.
func (s *RunState) Add(counter string, delta int64) {
	if s.Counters == nil {
		s.Counters = map[string]int64{}
	}
	s.Counters[counter] += delta
}

// Record appends a history entry, keeping the most recent MaxRunStateHistory.
func (s *RunState) Record(e HistoryEntry) {
	s.History = append(s.History, e)
	if over := len(s.History) - MaxRunStateHistory; over > 0 {
		s.History = slices.Clone(s.History[over:])
	}
}

// RecordError appends an error entry, keeping the most recent MaxRunStateErrors.
func (s *RunState) RecordError(e ErrorEntry) {
	s.Errors = append(s.Errors, e)
	s.Add(CounterErrors, 1)
	if over := len(s.Errors) - MaxRunStateErrors; over > 0 {
		s.Errors = slices.Clone(s.Errors[over:])
	}
}

// SetExtension stores an unmodelled field. The extension map is bounded.
func (s *RunState) SetExtension(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return NewValidationError(fmt.Sprintf("extension %q is not JSON encodable: %v", key, err))
	}
	if s.Extensions == nil {
		s.Extensions = map[string]json.RawMessage{}
	}
	if _, exists := s.Extensions[key]; !exists && len(s.Extensions) >= MaxRunStateExtensions {
		return NewValidationError(fmt.Sprintf("run state extensions limited to %d keys", MaxRunStateExtensions))
	}
	s.Extensions[key] = raw
	return nil
}

// UnmarshalJSON migrates unversioned records. Version 1 stored counters at the
// top level next to the stage and an untyped "data" blob.
func (s *RunState) UnmarshalJSON(data []byte) error {
	type plain RunState
	var head struct {
		StateVersion *int `json:"state_version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.StateVersion != nil && *head.StateVersion >= CurrentRunStateVersion {
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*s = RunState(p)
		return nil
	}
	return s.migrateV1(data)
}

func (s *RunState) migrateV1(data []byte) error {
	var legacy map[string]json.RawMessage
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	out := NewRunState()
	var extra []string
	for _, key := range slices.Sorted(maps.Keys(legacy)) {
		raw := legacy[key]
		var err error
		switch key {
		case "state_version":
			continue
		case "stage", "current_stage":
			err = json.Unmarshal(raw, &out.Stage)
		case "step", "step_count":
			err = json.Unmarshal(raw, &out.Step)
		case "counters":
			var counters map[string]int64
			if err = json.Unmarshal(raw, &counters); err == nil {
				for name, n := range counters {
					out.Add(name, n)
				}
			}
		default:
			var n int64
			if err = json.Unmarshal(raw, &n); err == nil {
				out.Add(key, n)
			}
		}
		// Values of an unexpected shape are kept verbatim as extensions.
		if err != nil {
			extra = append(extra, key)
		}
	}

	if len(extra) > 0 {
		out.Extensions = make(map[string]json.RawMessage, min(len(extra), MaxRunStateExtensions))
	}
	keep := extra
	if len(extra) > MaxRunStateExtensions {
		keep = extra[:MaxRunStateExtensions-1]
		marker, _ := json.Marshal(fmt.Sprintf("%d keys omitted", len(extra)-len(keep)))
		out.Extensions[RunStateOmittedKey] = marker
	}
	for _, key := range keep {
		out.Extensions[key] = legacy[key]
	}
	*s = out
	return nil
}
