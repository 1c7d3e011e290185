package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: PROSPECTOR_WORKERS__COUNT -> workers.count.
const EnvPrefix = "PROSPECTOR_"

type Config struct {
	Server      ServerConfig     `koanf:"server"`
	Log         LogConfig        `koanf:"log"`
	Store       StoreConfig      `koanf:"store"`
	Workers     WorkersConfig    `koanf:"workers"`
	Tools       ToolsConfig      `koanf:"tools"`
	Checkpoints CheckpointConfig `koanf:"checkpoints"`
	Artifacts   ArtifactConfig   `koanf:"artifacts"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type StoreConfig struct {
	// Backend is "file" (one JSON record per job) or "duckdb".
	Backend string `koanf:"backend"`
	Dir     string `koanf:"dir"`
	// TransitionLog is the DuckDB file of the status history. Empty disables it.
	TransitionLog string `koanf:"transition_log"`
}

type WorkersConfig struct {
	Count                 int           `koanf:"count"`
	PollInterval          time.Duration `koanf:"poll_interval"`
	HeartbeatInterval     time.Duration `koanf:"heartbeat_interval"`
	MissingHeartbeatGrace time.Duration `koanf:"missing_heartbeat_grace"`
	HealthCheckInterval   time.Duration `koanf:"health_check_interval"`
	Tags                  []string      `koanf:"tags"`
}

type ToolsConfig struct {
	MaxAttempts      int           `koanf:"max_attempts"`
	BaseBackoff      time.Duration `koanf:"base_backoff"`
	MaxBackoff       time.Duration `koanf:"max_backoff"`
	RateLimitWait    time.Duration `koanf:"rate_limit_wait"`
	DefaultTimeout   time.Duration `koanf:"default_timeout"`
	CacheTTL         time.Duration `koanf:"cache_ttl"`
	CacheSize        int           `koanf:"cache_size"`
	MaxConcurrent    int64         `koanf:"max_concurrent"`
	BreakerScope     string        `koanf:"breaker_scope"`
	FailureThreshold uint32        `koanf:"failure_threshold"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout"`
	RedactFields     []string      `koanf:"redact_fields"`
	Web              WebConfig     `koanf:"web"`
	Docker           DockerConfig  `koanf:"docker"`
}

// WebConfig configures the built-in fetch and search tools.
type WebConfig struct {
	UserAgent    string `koanf:"user_agent"`
	BraveAPIKey  string `koanf:"brave_api_key"`
	AllowPrivate bool   `koanf:"allow_private"`
}

// DockerConfig enables tools that run as one-shot containers.
type DockerConfig struct {
	Enabled bool                  `koanf:"enabled"`
	Tools   []ContainerToolConfig `koanf:"tools"`
}

type ContainerToolConfig struct {
	Name        string            `koanf:"name"`
	Description string            `koanf:"description"`
	Image       string            `koanf:"image"`
	Command     []string          `koanf:"command"`
	Env         map[string]string `koanf:"env"`
	Required    []string          `koanf:"required"`
	CPU         float64           `koanf:"cpu"`
	MemoryMB    int64             `koanf:"memory_mb"`
}

type CheckpointConfig struct {
	Dir               string        `koanf:"dir"`
	TimeInterval      time.Duration `koanf:"time_interval"`
	StepInterval      int           `koanf:"step_interval"`
	VolumeInterval    int64         `koanf:"volume_interval"`
	StageMinInterval  time.Duration `koanf:"stage_min_interval"`
	ItemMilestones    []int64       `koanf:"item_milestones"`
	APICallMilestones []int64       `koanf:"api_call_milestones"`
	Keep              int           `koanf:"keep"`
	MaxDepth          int           `koanf:"max_depth"`
	MaxCollectionSize int           `koanf:"max_collection_size"`
	MaxStringLength   int           `koanf:"max_string_length"`
	HistoryKeep       int           `koanf:"history_keep"`
}

type ArtifactConfig struct {
	Dir             string        `koanf:"dir"`
	Compress        bool          `koanf:"compress"`
	CompressAfter   time.Duration `koanf:"compress_after"`
	MaxPerType      int           `koanf:"max_per_type"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// Defaults returns the built-in configuration as koanf keys.
func Defaults() map[string]any {
	return map[string]any{
		"server.addr":             ":8080",
		"server.cors_origins":     []string{"*"},
		"server.shutdown_timeout": "15s",

		"log.level":  "info",
		"log.format": "json",

		"store.backend":        "file",
		"store.dir":            "data/jobs",
		"store.transition_log": "data/transitions.duckdb",

		"workers.count":                   4,
		"workers.poll_interval":           "500ms",
		"workers.heartbeat_interval":      "30s",
		"workers.missing_heartbeat_grace": "60s",
		"workers.health_check_interval":   "30s",

		"tools.max_attempts":      3,
		"tools.base_backoff":      "500ms",
		"tools.max_backoff":       "30s",
		"tools.rate_limit_wait":   "10s",
		"tools.default_timeout":   "60s",
		"tools.cache_ttl":         "1h",
		"tools.cache_size":        10000,
		"tools.max_concurrent":    16,
		"tools.breaker_scope":     "per_tool",
		"tools.failure_threshold": 5,
		"tools.recovery_timeout":  "60s",
		"tools.redact_fields":     []string{"password", "api_key", "token", "secret", "authorization", "email", "phone"},
		"tools.docker.enabled":    false,
		"tools.web.allow_private": false,

		"checkpoints.dir":                 "data/checkpoints",
		"checkpoints.time_interval":       "5m",
		"checkpoints.step_interval":       10,
		"checkpoints.volume_interval":     100,
		"checkpoints.stage_min_interval":  "30s",
		"checkpoints.item_milestones":     []int64{100, 500, 1000},
		"checkpoints.api_call_milestones": []int64{100, 1000},
		"checkpoints.keep":                20,
		"checkpoints.max_depth":           8,
		"checkpoints.max_collection_size": 100,
		"checkpoints.max_string_length":   4096,
		"checkpoints.history_keep":        50,

		"artifacts.dir":              "data/artifacts",
		"artifacts.compress":         false,
		"artifacts.compress_after":   "168h",
		"artifacts.max_per_type":     5,
		"artifacts.cleanup_interval": "1h",
	}
}

// Load merges, lowest precedence first: defaults, the YAML file at path (if
// any), PROSPECTOR_ environment variables, then overrides.
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps PROSPECTOR_WORKERS__HEARTBEAT_INTERVAL to
// workers.heartbeat_interval. Empty values are ignored.
func envKey(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if strings.Contains(value, ",") {
		return key, strings.Split(value, ",")
	}
	return key, value
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "duckdb":
	default:
		return fmt.Errorf("store.backend must be file or duckdb, got %q", c.Store.Backend)
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Workers.HeartbeatInterval <= 0 {
		return fmt.Errorf("workers.heartbeat_interval must be positive")
	}
	switch c.Tools.BreakerScope {
	case "per_tool", "global":
	default:
		return fmt.Errorf("tools.breaker_scope must be per_tool or global, got %q", c.Tools.BreakerScope)
	}
	for i, t := range c.Tools.Docker.Tools {
		if t.Name == "" || t.Image == "" {
			return fmt.Errorf("tools.docker.tools[%d]: name and image are required", i)
		}
	}
	if c.Checkpoints.Dir == "" || c.Artifacts.Dir == "" {
		return fmt.Errorf("checkpoints.dir and artifacts.dir are required")
	}
	return nil
}

// NewLogger builds the process logger. Format is "json" or "text".
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
