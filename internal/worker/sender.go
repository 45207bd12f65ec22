package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
	"github.com/beaulazear/voxxy-campaign-engine/internal/metrics"
)

// ErrCircuitOpen is returned while the provider's circuit refuses sends.
var ErrCircuitOpen = errors.New("provider circuit open")

// Sender puts the circuit breaker and the per-organization rate limit in
// front of an email provider.
type Sender struct {
	provider esp.Sender
	breaker  *engine.CircuitBreaker
	limiter  *engine.RateLimiter
	orgLimit int
	logger   *slog.Logger
}

// NewSender wraps provider. orgLimit caps sends per organization per limiter
// window; zero disables the cap.
func NewSender(provider esp.Sender, breaker *engine.CircuitBreaker, limiter *engine.RateLimiter, orgLimit int, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		breaker:  breaker,
		limiter:  limiter,
		orgLimit: orgLimit,
		logger:   logger,
	}
}

// Provider returns the wrapped provider's name.
func (s *Sender) Provider() string {
	return s.provider.Name()
}

// Send submits msg on behalf of organizationID and returns the provider
// message id. Rejections do not count against the circuit; transport and
// server errors do.
func (s *Sender) Send(ctx context.Context, organizationID string, msg esp.Message) (string, error) {
	name := s.provider.Name()

	if err := s.limiter.Wait(ctx, organizationID, s.orgLimit); err != nil {
		return "", fmt.Errorf("waiting for rate limit: %w", err)
	}

	state, allowed := s.breaker.AllowRequest(ctx, name)
	if !allowed {
		return "", ErrCircuitOpen
	}

	start := time.Now()
	id, err := s.provider.Send(ctx, msg)
	metrics.ObserveESPRequest(name, time.Since(start).Seconds())

	if err != nil {
		if !errors.Is(err, esp.ErrRejected) {
			s.breaker.RecordFailure(ctx, name)
		}
		s.logger.Warn("provider send failed",
			"provider", name,
			"circuit_state", state,
			"to", msg.To,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", err
	}

	s.breaker.RecordSuccess(ctx, name)
	return id, nil
}
