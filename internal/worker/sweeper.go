package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/delivery"
	"github.com/beaulazear/voxxy-campaign-engine/internal/lock"
	"github.com/beaulazear/voxxy-campaign-engine/internal/retry"
	"github.com/redis/go-redis/v9"
)

// SweeperConfig tunes the retry sweep.
type SweeperConfig struct {
	Interval time.Duration
	// Grace is how long a soft bounce may go without a queued retry before
	// the sweep steps in.
	Grace time.Duration
	// Lookback skips records older than the cached messages a retry needs.
	Lookback  time.Duration
	BatchSize int
}

// RetrySweeper rebuilds retry jobs from delivery records. It catches soft
// bounces whose retry was never queued, or was committed to the record but
// lost from Redis, after the webhook that caused them stopped being
// redelivered.
type RetrySweeper struct {
	cfg     SweeperConfig
	tracker *delivery.Tracker
	retries *retry.Scheduler
	redis   *redis.Client
	logger  *slog.Logger
	now     func() time.Time
}

func NewRetrySweeper(cfg SweeperConfig, tracker *delivery.Tracker, retries *retry.Scheduler, redisClient *redis.Client, logger *slog.Logger) *RetrySweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = retry.DefaultClaimGrace
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &RetrySweeper{
		cfg:     cfg,
		tracker: tracker,
		retries: retries,
		redis:   redisClient,
		logger:  logger,
		now:     time.Now,
	}
}

// Start sweeps every interval until ctx is cancelled.
func (s *RetrySweeper) Start(ctx context.Context) {
	s.logger.Info("retry sweeper started", "interval", s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("retry sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass and returns how many retries it queued. Only one
// process sweeps at a time.
func (s *RetrySweeper) Sweep(ctx context.Context) (int, error) {
	l := lock.New(s.redis, "retry-sweep", s.cfg.Interval)
	acquired, err := l.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release retry sweep lock", "error", err)
		}
	}()

	now := s.now().UTC()
	settled := now.Add(-s.cfg.Grace)
	candidates, err := s.tracker.RetryCandidates(ctx, settled, settled, now.Add(-s.cfg.Lookback), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	queued := 0
	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.retries.Ensure(ctx, &candidates[i])
		if err != nil {
			s.logger.Error("failed to restore retry", "delivery_id", candidates[i].ID, "error", err)
			continue
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		s.logger.Info("retry sweep queued lost retries", "queued", queued, "candidates", len(candidates))
	}
	return queued, nil
}
