package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/manthysbr/prospector/internal/core/domain"
)

// Breaker scopes.
const (
	BreakerPerTool = "per_tool"
	BreakerGlobal  = "global"
)

const globalBreakerName = "*"

// errUnsuccessful marks a tool result with Success=false and no error. It
// counts as a breaker failure but is not retried.
var errUnsuccessful = errors.New("tool reported failure")

type BreakerConfig struct {
	Scope            string
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

// breakerSet lazily creates one circuit breaker per tool, or shares a single
// one when the scope is global.
type breakerSet struct {
	logger *slog.Logger
	cfg    BreakerConfig
	mu     sync.Mutex
	byName map[string]*gobreaker.CircuitBreaker[domain.ToolResult]
}

func newBreakerSet(logger *slog.Logger, cfg BreakerConfig) *breakerSet {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.Scope != BreakerGlobal {
		cfg.Scope = BreakerPerTool
	}
	return &breakerSet{
		logger: logger,
		cfg:    cfg,
		byName: make(map[string]*gobreaker.CircuitBreaker[domain.ToolResult]),
	}
}

func (b *breakerSet) get(tool string) *gobreaker.CircuitBreaker[domain.ToolResult] {
	name := tool
	if b.cfg.Scope == BreakerGlobal {
		name = globalBreakerName
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.byName[name]; ok {
		return cb
	}
	threshold := b.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[domain.ToolResult](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     b.cfg.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		// Caller cancellation, validation and auth failures do not count against the breaker.
		IsSuccessful: func(err error) bool {
			kind := domain.KindOf(err)
			return err == nil || errors.Is(err, context.Canceled) || kind == domain.KindValidation || kind == domain.KindAuth
		},
	})
	b.byName[name] = cb
	return cb
}

// State reports the breaker state for tool, for stats and tests.
func (b *breakerSet) State(tool string) gobreaker.State {
	return b.get(tool).State()
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
