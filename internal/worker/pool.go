package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
)

// Pool runs a fixed number of goroutines that resend retry jobs.
type Pool struct {
	numWorkers int
	jobs       chan engine.RetryJob
	deliverer  *Deliverer
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func NewPool(numWorkers int, deliverer *Deliverer, logger *slog.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan engine.RetryJob, numWorkers*2),
		deliverer:  deliverer,
		logger:     logger,
	}
}

// Start launches the workers. They run until Stop closes the channel; jobs
// taken after ctx is cancelled go back to the retry queue unsent.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("retry pool started", "num_workers", p.numWorkers)
}

// Submit blocks until a worker has room for job or ctx is done. It reports
// whether the pool took the job.
func (p *Pool) Submit(ctx context.Context, job engine.RetryJob) bool {
	select {
	case p.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the jobs channel and waits for in-flight jobs. Nothing may
// call Submit after Stop.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("retry pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.jobs {
		select {
		case <-ctx.Done():
			p.deliverer.requeue(context.WithoutCancel(ctx), job, ctx.Err())
		default:
			p.deliverer.Deliver(ctx, job)
		}
	}
}
