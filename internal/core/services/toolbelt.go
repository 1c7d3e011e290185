package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/manthysbr/prospector/internal/core/domain"
)

// ToolbeltConfig configures the tool execution chokepoint.
type ToolbeltConfig struct {
	Retry          RetryPolicy
	Breaker        BreakerConfig
	DefaultTimeout time.Duration
	CacheTTL       time.Duration
	CacheSize      int
	MaxConcurrent  int64
	RedactFields   []string
}

// ToolCall is one request to the toolbelt. IdempotencyKey and Timeout are optional.
type ToolCall struct {
	Name           string
	Args           map[string]any
	JobID          domain.JobID
	IdempotencyKey string
	Timeout        time.Duration
}

// Toolbelt is the single path through which tools are invoked. It applies
// idempotency caching, retries, circuit breaking, timeouts and log redaction.
type Toolbelt struct {
	logger   *slog.Logger
	registry *domain.ToolRegistry
	cfg      ToolbeltConfig
	retry    RetryPolicy
	cache    *expirable.LRU[string, domain.ToolResult]
	calls    singleflight.Group
	breakers *breakerSet
	sem      *semaphore.Weighted
	redactor *Redactor
	metrics  *MetricsCollector
	sleep    func(context.Context, time.Duration) error
}

func NewToolbelt(logger *slog.Logger, registry *domain.ToolRegistry, cfg ToolbeltConfig, metrics *MetricsCollector) *Toolbelt {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10_000
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	return &Toolbelt{
		logger:   logger,
		registry: registry,
		cfg:      cfg,
		retry:    cfg.Retry.withDefaults(),
		cache:    expirable.NewLRU[string, domain.ToolResult](cfg.CacheSize, nil, cfg.CacheTTL),
		breakers: newBreakerSet(logger, cfg.Breaker),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		redactor: NewRedactor(cfg.RedactFields),
		metrics:  metrics,
		sleep:    sleepCtx,
	}
}

// IdempotencyKey hashes the canonical JSON of {tool, args}. Map keys are
// encoded in sorted order, so equal arguments always hash equally.
func IdempotencyKey(tool string, args map[string]any) (string, error) {
	payload, err := json.Marshal(struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}{tool, args})
	if err != nil {
		return "", domain.NewValidationError(fmt.Sprintf("arguments of %s are not JSON encodable: %v", tool, err))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Execute runs the call and always returns a ToolResult. Cached results are
// returned unchanged; concurrent identical calls share one invocation.
func (t *Toolbelt) Execute(ctx context.Context, call ToolCall) domain.ToolResult {
	start := time.Now()
	key := call.IdempotencyKey
	if key == "" {
		k, err := IdempotencyKey(call.Name, call.Args)
		if err != nil {
			return t.failed(ctx, call, "", err, 0, start)
		}
		key = k
	}
	cacheKey := call.Name + "\x00" + key

	if res, ok := t.cache.Get(cacheKey); ok {
		t.logger.Info("tool cache hit", "tool", call.Name, "job_id", call.JobID, "idempotency_key", key)
		t.metrics.ToolCacheHits.add(ctx, 1, attribute.String("tool", call.Name))
		return res
	}

	// The shared call outlives any single caller; each caller still stops
	// waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := t.calls.DoChan(cacheKey, func() (any, error) {
		if res, ok := t.cache.Get(cacheKey); ok {
			t.metrics.ToolCacheHits.add(shared, 1, attribute.String("tool", call.Name))
			return res, nil
		}
		res := t.dispatch(shared, call, key, start)
		if res.Success {
			t.cache.Add(cacheKey, res)
		}
		return res, nil
	})
	select {
	case r := <-ch:
		res := r.Val.(domain.ToolResult)
		if !r.Shared {
			return res
		}
		return t.restamp(res, call, key, start)
	case <-ctx.Done():
		return t.failed(ctx, call, key, ctx.Err(), 0, start)
	}
}

// restamp rebuilds the metadata of a result produced for another caller so
// that job_id and duration describe this call.
func (t *Toolbelt) restamp(res domain.ToolResult, call ToolCall, key string, start time.Time) domain.ToolResult {
	attempts, _ := res.Metadata["attempts"].(int)
	errorType, _ := res.Metadata["error_type"].(string)
	out := t.finish(res, call, key, attempts, start, errorType)
	if call.JobID == "" {
		delete(out.Metadata, "job_id")
	}
	return out
}

func (t *Toolbelt) dispatch(ctx context.Context, call ToolCall, key string, start time.Time) domain.ToolResult {
	logger := t.logger.With("tool", call.Name, "job_id", call.JobID, "idempotency_key", key)

	tool, err := t.registry.Resolve(call.Name, call.Args)
	if err != nil {
		return t.failed(ctx, call, key, err, 0, start)
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = t.cfg.DefaultTimeout
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Info("tool call", "args", t.redactor.Redact(call.Args), "execution_type", tool.ExecutionType)
	t.metrics.ToolCalls.add(ctx, 1, attribute.String("tool", call.Name))

	attempts := 0
	res, err := t.breakers.get(call.Name).Execute(func() (domain.ToolResult, error) {
		r, n, err := t.invokeWithRetry(callCtx, tool, call.Args, logger)
		attempts = n
		if err == nil && !r.Success {
			return r, errUnsuccessful
		}
		return r, err
	})

	switch {
	case isBreakerRejection(err):
		t.metrics.BreakerRejections.add(ctx, 1, attribute.String("tool", call.Name))
		logger.Warn("tool call rejected by open circuit")
		return t.failed(ctx, call, key, domain.NewCircuitOpenError(call.Name), 0, start)
	case errors.Is(err, errUnsuccessful):
		t.metrics.ToolFailures.add(ctx, 1, attribute.String("tool", call.Name))
		logger.Warn("tool reported failure", "attempts", attempts, "error", res.Error)
		return t.finish(res, call, key, attempts, start, "")
	case err != nil:
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = domain.NewTimeoutError(timeout)
		}
		return t.failed(ctx, call, key, err, attempts, start)
	}
	logger.Info("tool call succeeded", "attempts", attempts, "duration", time.Since(start))
	return t.finish(res, call, key, attempts, start, "")
}

func (t *Toolbelt) invokeWithRetry(ctx context.Context, tool *domain.Tool, args map[string]any, logger *slog.Logger) (domain.ToolResult, int, error) {
	for attempt := 1; ; attempt++ {
		res, err := t.invokeOnce(ctx, tool, args)
		if err == nil {
			return res, attempt, nil
		}
		kind := domain.KindOf(err)
		if !kind.Retryable() || attempt >= t.retry.MaxAttempts || ctx.Err() != nil {
			return res, attempt, err
		}
		wait := t.retry.Backoff(attempt)
		var te *domain.ToolError
		if kind == domain.KindRateLimit && errors.As(err, &te) {
			wait = t.retry.RateLimited(te.RetryAfter)
		}
		logger.Warn("tool call failed, retrying", "attempt", attempt, "kind", kind, "wait", wait, "error", err)
		t.metrics.ToolRetries.add(ctx, 1, attribute.String("tool", tool.Name))
		if err := t.sleep(ctx, wait); err != nil {
			return res, attempt, err
		}
	}
}

// invokeOnce runs one attempt under the global concurrency cap. The attempt
// returns as soon as ctx is done even if the tool ignores its context; the
// slot is held until the tool actually returns.
func (t *Toolbelt) invokeOnce(ctx context.Context, tool *domain.Tool, args map[string]any) (domain.ToolResult, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return domain.ToolResult{}, err
	}
	type outcome struct {
		res domain.ToolResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer t.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: domain.NewTransientError("tool panicked", fmt.Errorf("%v", r))}
			}
		}()
		res, err := tool.Execute(ctx, args)
		done <- outcome{res: res, err: err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return domain.ToolResult{}, ctx.Err()
	}
}

func (t *Toolbelt) failed(ctx context.Context, call ToolCall, key string, err error, attempts int, start time.Time) domain.ToolResult {
	kind := string(domain.KindOf(err))
	if errors.Is(err, context.Canceled) {
		kind = "cancelled"
	}
	t.metrics.ToolFailures.add(ctx, 1, attribute.String("tool", call.Name), attribute.String("error_type", kind))
	t.logger.Warn("tool call failed", "tool", call.Name, "job_id", call.JobID, "error_type", kind, "attempts", attempts, "error", err)
	return t.finish(domain.ToolResult{Success: false, Error: err.Error()}, call, key, attempts, start, kind)
}

// finish builds the returned result with fresh metadata; the tool's own
// result is never mutated.
func (t *Toolbelt) finish(res domain.ToolResult, call ToolCall, key string, attempts int, start time.Time, errorType string) domain.ToolResult {
	meta := make(map[string]any, len(res.Metadata)+7)
	maps.Copy(meta, res.Metadata)
	meta["tool"] = call.Name
	meta["idempotency_key"] = key
	meta["attempts"] = attempts
	meta["duration_ms"] = time.Since(start).Milliseconds()
	if call.JobID != "" {
		meta["job_id"] = string(call.JobID)
	}
	if errorType != "" {
		meta["error_type"] = errorType
	}
	return domain.ToolResult{
		Success:  res.Success,
		Data:     res.Data,
		Error:    res.Error,
		Metadata: meta,
	}
}

// BreakerState reports the circuit state of a tool: closed, half-open or open.
func (t *Toolbelt) BreakerState(tool string) string {
	return t.breakers.State(tool).String()
}

// Tools lists the registered tools.
func (t *Toolbelt) Tools() []*domain.Tool {
	return t.registry.ListTools()
}

// Registry exposes the tool registry for argument validation at submit time.
func (t *Toolbelt) Registry() *domain.ToolRegistry {
	return t.registry
}
