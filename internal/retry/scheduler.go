// Package retry keeps the retry queue in step with soft-bounced delivery
// records, which are the source of truth for pending retries.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/delivery"
	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
)

// DefaultClaimGrace is how long after its due time a retry may be absent
// from the queue because a worker has claimed it and is still sending.
const DefaultClaimGrace = 5 * time.Minute

// Scheduler makes sure a soft bounce with retries left has one retry queued.
// Calling Ensure again for the same record does not consume another retry.
type Scheduler struct {
	tracker  *delivery.Tracker
	queue    *engine.RetryQueue
	messages *engine.MessageCache
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewScheduler(tracker *delivery.Tracker, queue *engine.RetryQueue, messages *engine.MessageCache, grace time.Duration, logger *slog.Logger) *Scheduler {
	if grace <= 0 {
		grace = DefaultClaimGrace
	}
	return &Scheduler{
		tracker:  tracker,
		queue:    queue,
		messages: messages,
		grace:    grace,
		logger:   logger,
		now:      time.Now,
	}
}

// Ensure queues the retry rec is owed and reports whether it queued one. A
// record with a retry already committed gets its job back if the queue lost
// it; a record with retries left and none committed consumes one. Records
// whose message is no longer cached cannot be retried and are skipped.
func (s *Scheduler) Ensure(ctx context.Context, rec *domain.DeliveryRecord) (bool, error) {
	if rec.Status != domain.DeliveryBounced || rec.BounceType != domain.BounceSoft {
		return false, nil
	}
	if rec.NextRetryAt != nil {
		return s.restore(ctx, rec)
	}
	if !s.tracker.Retryable(rec) {
		// Reports exhaustion; the record is left as it is.
		_, err := s.tracker.ScheduleRetry(ctx, rec)
		return false, err
	}

	msg, err := s.message(ctx, rec)
	if msg == nil || err != nil {
		return false, err
	}

	updated, err := s.tracker.ScheduleRetry(ctx, rec)
	if errors.Is(err, domain.ErrConflict) {
		// A later callback already moved the record on.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if updated.NextRetryAt == nil {
		return false, nil
	}

	if err := s.queue.Enqueue(ctx, engine.NewRetryJob(updated, *msg), *updated.NextRetryAt); err != nil {
		return false, err
	}
	return true, nil
}

// restore re-queues a committed retry missing from the queue. A retry that
// came due within the grace period is left alone: its job may be in a
// worker's hands.
func (s *Scheduler) restore(ctx context.Context, rec *domain.DeliveryRecord) (bool, error) {
	due := *rec.NextRetryAt
	now := s.now()
	if !due.After(now) && now.Sub(due) < s.grace {
		return false, nil
	}

	queued, err := s.queue.Contains(ctx, rec.ID)
	if err != nil || queued {
		return false, err
	}

	msg, err := s.message(ctx, rec)
	if msg == nil || err != nil {
		return false, err
	}
	if err := s.queue.Enqueue(ctx, engine.NewRetryJob(rec, *msg), due); err != nil {
		return false, err
	}
	s.logger.Warn("lost retry restored to queue",
		"delivery_id", rec.ID,
		"retry_count", rec.RetryCount,
		"next_retry_at", due,
	)
	return true, nil
}

// message returns the cached message for rec, or nil once it has expired.
func (s *Scheduler) message(ctx context.Context, rec *domain.DeliveryRecord) (*esp.Message, error) {
	msg, err := s.messages.Get(ctx, rec.ID)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("soft bounce not retried: message no longer cached", "delivery_id", rec.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}
