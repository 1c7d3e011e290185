package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"
)

// SanitizeConfig caps the size of checkpointed state.
type SanitizeConfig struct {
	MaxDepth          int
	MaxCollectionSize int
	MaxStringLength   int
	HistoryKeep       int
}

func (c SanitizeConfig) withDefaults() SanitizeConfig {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 8
	}
	if c.MaxCollectionSize <= 0 {
		c.MaxCollectionSize = 100
	}
	if c.MaxStringLength <= 0 {
		c.MaxStringLength = 4096
	}
	if c.HistoryKeep <= 0 {
		c.HistoryKeep = 50
	}
	return c
}

// omittedKey holds the truncation marker inside a capped map.
const omittedKey = "_omitted"

func omitted(n int) string {
	return fmt.Sprintf("%d items omitted", n)
}

// Sanitize converts v to plain JSON values and applies the caps. Truncated
// collections carry an explicit "N items omitted" marker; lists under a
// "history" key keep their most recent entries.
func Sanitize(v any, cfg SanitizeConfig) (map[string]any, error) {
	cfg = cfg.withDefaults()
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	out, ok := sanitizeValue(generic, "", 0, cfg).(map[string]any)
	if !ok {
		return map[string]any{"value": sanitizeValue(generic, "", 0, cfg)}, nil
	}
	return out, nil
}

func sanitizeValue(v any, key string, depth int, cfg SanitizeConfig) any {
	switch t := v.(type) {
	case map[string]any:
		if depth >= cfg.MaxDepth {
			return omitted(len(t))
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, min(len(keys), cfg.MaxCollectionSize)+1)
		for i, k := range keys {
			if i >= cfg.MaxCollectionSize {
				out[omittedKey] = omitted(len(keys) - cfg.MaxCollectionSize)
				break
			}
			out[k] = sanitizeValue(t[k], k, depth+1, cfg)
		}
		return out
	case []any:
		if depth >= cfg.MaxDepth {
			return omitted(len(t))
		}
		limit := cfg.MaxCollectionSize
		if key == "history" {
			limit = min(limit, cfg.HistoryKeep)
		}
		if len(t) <= limit {
			out := make([]any, len(t))
			for i, e := range t {
				out[i] = sanitizeValue(e, "", depth+1, cfg)
			}
			return out
		}
		dropped := len(t) - limit
		out := make([]any, 0, limit+1)
		if key == "history" {
			out = append(out, omitted(dropped))
			for _, e := range t[dropped:] {
				out = append(out, sanitizeValue(e, "", depth+1, cfg))
			}
			return out
		}
		for _, e := range t[:limit] {
			out = append(out, sanitizeValue(e, "", depth+1, cfg))
		}
		return append(out, omitted(dropped))
	case string:
		if len(t) > cfg.MaxStringLength {
			cut := cfg.MaxStringLength
			for cut > 0 && !utf8.RuneStart(t[cut]) {
				cut--
			}
			return t[:cut] + fmt.Sprintf("...[%d bytes omitted]", len(t)-cut)
		}
		return t
	default:
		return v
	}
}
