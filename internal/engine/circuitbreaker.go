package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// Circuit states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// BreakerConfig tunes a CircuitBreaker. Zero values take the defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that
	// opens the circuit. Default 5.
	FailureThreshold int
	// Cooldown is how long an open circuit refuses sends before letting one
	// trial request through, and how long a half-open circuit waits between
	// trials. Default 30s.
	Cooldown time.Duration
}

// CircuitBreaker stops the engine from hammering an email provider that is
// failing. State is one Redis hash per provider, changed only by Lua scripts,
// so every process shares the circuit and transitions are atomic.
//
// Closed counts consecutive failures. Open refuses sends until the cooldown
// has passed since the last failure, then turns half-open. Half-open lets a
// single trial request through per cooldown; its success closes the circuit
// and its failure reopens it.
type CircuitBreaker struct {
	redisClient *redis.Client
	logger      *slog.Logger
	cfg         BreakerConfig
	now         func() time.Time
}

// CircuitBreakerState is the observable state of one provider's circuit.
type CircuitBreakerState struct {
	Provider     string `json:"provider"`
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

// allowScript decides whether a send may proceed.
// KEYS[1] circuit hash; ARGV[1] now (unix ms); ARGV[2] cooldown (ms).
// Returns {state, allowed}.
var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

if state == 'open' then
	local last = tonumber(redis.call('HGET', KEYS[1], 'last_failed_at') or '0')
	if now - last < cooldown then
		return {'open', 0}
	end
	redis.call('HSET', KEYS[1], 'state', 'half-open', 'trial_at', ARGV[1])
	return {'half-open', 1}
end

if state == 'half-open' then
	local trial = tonumber(redis.call('HGET', KEYS[1], 'trial_at') or '0')
	if now - trial < cooldown then
		return {'half-open', 0}
	end
	redis.call('HSET', KEYS[1], 'trial_at', ARGV[1])
	return {'half-open', 1}
end

return {'closed', 1}
`)

// failureScript counts a failure and opens the circuit when it must.
// KEYS[1] circuit hash; ARGV[1] now (unix ms); ARGV[2] threshold.
// Returns {failures, previous state, new state}.
var failureScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], 'state') or 'closed'
local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
redis.call('HSET', KEYS[1], 'last_failed_at', ARGV[1])

local state = prev
if prev == 'half-open' or failures >= tonumber(ARGV[2]) then
	state = 'open'
end
redis.call('HSET', KEYS[1], 'state', state)
return {failures, prev, state}
`)

func NewCircuitBreaker(redisClient *redis.Client, cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		redisClient: redisClient,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
}

func cbKey(provider string) string {
	return fmt.Sprintf("cb:esp:%s", provider)
}

// AllowRequest reports the provider's circuit state and whether a send may
// proceed. A Redis failure fails open: the provider itself is the better
// judge of whether a send works.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, provider string) (string, bool) {
	res, err := allowScript.Run(ctx, cb.redisClient, []string{cbKey(provider)},
		cb.now().UnixMilli(), cb.cfg.Cooldown.Milliseconds(),
	).Slice()
	if err != nil || len(res) != 2 {
		cb.logger.Warn("circuit breaker unavailable, allowing send", "provider", provider, "error", err)
		return StateClosed, true
	}

	state, _ := res[0].(string)
	allowed, _ := res[1].(int64)

	switch {
	case state == StateHalfOpen && allowed == 1:
		cb.logger.Info("circuit breaker probing provider", "provider", provider)
	case allowed == 0:
		metrics.IncCircuitOpen(provider)
	}
	return state, allowed == 1
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, provider string) {
	key := cbKey(provider)

	prev, err := cb.redisClient.HGet(ctx, key, "state").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		cb.logger.Error("failed to read circuit breaker state", "provider", provider, "error", err)
		return
	}
	if prev == StateClosed || prev == "" {
		// Skip the write on the common path: closed with no failures.
		if n, _ := cb.redisClient.HGet(ctx, key, "failures").Int(); n == 0 {
			return
		}
	}

	if err := cb.redisClient.HSet(ctx, key, "state", StateClosed, "failures", 0).Err(); err != nil {
		cb.logger.Error("failed to close circuit breaker", "provider", provider, "error", err)
		return
	}
	if prev == StateHalfOpen {
		cb.logger.Info("circuit breaker closed, provider recovered", "provider", provider)
	}
}

// RecordFailure counts a transient send failure.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, provider string) {
	res, err := failureScript.Run(ctx, cb.redisClient, []string{cbKey(provider)},
		cb.now().UnixMilli(), cb.cfg.FailureThreshold,
	).Slice()
	if err != nil || len(res) != 3 {
		cb.logger.Error("failed to record circuit breaker failure", "provider", provider, "error", err)
		return
	}

	failures, _ := res[0].(int64)
	prev, _ := res[1].(string)
	next, _ := res[2].(string)
	if next != StateOpen || prev == StateOpen {
		return
	}

	if prev == StateHalfOpen {
		cb.logger.Warn("circuit breaker reopened, trial request failed", "provider", provider)
		return
	}
	cb.logger.Warn("circuit breaker opened",
		"provider", provider,
		"failures", failures,
		"threshold", cb.cfg.FailureThreshold,
		"cooldown", cb.cfg.Cooldown,
	)
}

// GetState returns the provider's circuit without changing it. An open
// circuit past its cooldown reports half-open, which is what the next send
// will see.
func (cb *CircuitBreaker) GetState(ctx context.Context, provider string) CircuitBreakerState {
	out := CircuitBreakerState{Provider: provider, State: StateClosed}

	data, err := cb.redisClient.HGetAll(ctx, cbKey(provider)).Result()
	if err != nil || len(data) == 0 {
		return out
	}

	out.Failures, _ = strconv.Atoi(data["failures"])
	if s := data["state"]; s != "" {
		out.State = s
	}

	lastMs, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	if lastMs > 0 {
		last := time.UnixMilli(lastMs)
		out.LastFailedAt = last.UTC().Format(time.RFC3339)
		if out.State == StateOpen && cb.now().Sub(last) >= cb.cfg.Cooldown {
			out.State = StateHalfOpen
		}
	}
	return out
}
