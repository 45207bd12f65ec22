package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
)

// Dispatcher polls the retry queue and hands due jobs to the pool.
type Dispatcher struct {
	queue        *engine.RetryQueue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewDispatcher(queue *engine.RetryQueue, pool *Pool, pollInterval time.Duration, logger *slog.Logger) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Dispatcher{
		queue:        queue,
		pool:         pool,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    10,
	}
}

// Start polls until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("retry dispatcher started", "poll_interval", d.pollInterval)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("retry dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	jobs, err := d.queue.ClaimDue(ctx, time.Now(), d.batchSize)
	if err != nil {
		d.logger.Error("failed to poll retry queue", "error", err)
		return
	}
	for i, job := range jobs {
		if !d.pool.Submit(ctx, job) {
			d.release(ctx, jobs[i:])
			return
		}
	}

	if _, err := d.queue.QueueDepth(ctx); err != nil {
		d.logger.Warn("failed to read retry queue depth", "error", err)
	}
}

// release puts claimed jobs back on the queue, due now, after shutdown
// interrupted their hand-off.
func (d *Dispatcher) release(ctx context.Context, jobs []engine.RetryJob) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now()
	for _, job := range jobs {
		if err := d.queue.Enqueue(ctx, job, now); err != nil {
			d.logger.Error("failed to release claimed retry", "delivery_id", job.DeliveryID, "error", err)
		}
	}
	d.logger.Info("released claimed retries", "count", len(jobs))
}
