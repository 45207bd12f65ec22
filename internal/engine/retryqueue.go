package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
	"github.com/beaulazear/voxxy-campaign-engine/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	// RetryQueueKey is a sorted set of delivery ids scored by due time.
	RetryQueueKey = "campaign:retry_queue"
	// RetryJobsKey maps each queued delivery id to its encoded job.
	RetryJobsKey = "campaign:retry_jobs"
)

// RetryJob is a soft-bounced message waiting to be sent again. The message
// is stored rendered so a retry sends exactly what bounced.
type RetryJob struct {
	DeliveryID     string      `json:"delivery_id"`
	InstanceID     string      `json:"instance_id,omitempty"`
	OrganizationID string      `json:"organization_id,omitempty"`
	Attempt        int         `json:"attempt"`
	Message        esp.Message `json:"message"`
}

// NewRetryJob builds the job that resends msg for rec's current attempt.
func NewRetryJob(rec *domain.DeliveryRecord, msg esp.Message) RetryJob {
	return RetryJob{
		DeliveryID:     rec.ID,
		InstanceID:     rec.ScheduledInstanceID,
		OrganizationID: msg.Metadata[esp.MetadataOrganizationID],
		Attempt:        rec.RetryCount,
		Message:        msg,
	}
}

// claimScript pops due ids and their jobs in one step so two dispatchers
// never claim the same job.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local jobs = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local job = redis.call('HGET', KEYS[2], id)
	redis.call('HDEL', KEYS[2], id)
	if job then
		table.insert(jobs, job)
	end
end
return jobs
`)

// RetryQueue holds at most one pending retry per delivery, due at its score.
type RetryQueue struct {
	redisClient *redis.Client
	logger      *slog.Logger
}

func NewRetryQueue(redisClient *redis.Client, logger *slog.Logger) *RetryQueue {
	return &RetryQueue{redisClient: redisClient, logger: logger}
}

// Enqueue schedules job to become due at dueAt. Enqueuing a delivery that is
// already queued replaces its job and due time.
func (q *RetryQueue) Enqueue(ctx context.Context, job RetryJob, dueAt time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding retry job: %w", err)
	}
	_, err = q.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, RetryJobsKey, job.DeliveryID, data)
		pipe.ZAdd(ctx, RetryQueueKey, redis.Z{
			Score:  float64(dueAt.UnixMicro()),
			Member: job.DeliveryID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("queuing retry to redis: %w", err)
	}

	q.logger.Info("retry queued",
		"delivery_id", job.DeliveryID,
		"attempt", job.Attempt,
		"due_at", dueAt,
	)
	return nil
}

// Contains reports whether a retry for deliveryID is waiting.
func (q *RetryQueue) Contains(ctx context.Context, deliveryID string) (bool, error) {
	err := q.redisClient.ZScore(ctx, RetryQueueKey, deliveryID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking retry queue: %w", err)
	}
	return true, nil
}

// ClaimDue removes and returns up to limit jobs due at now. Each job is
// claimed once across every process polling the queue.
func (q *RetryQueue) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]RetryJob, error) {
	payloads, err := claimScript.Run(ctx, q.redisClient, []string{RetryQueueKey, RetryJobsKey},
		strconv.FormatInt(now.UnixMicro(), 10), limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("polling retry queue: %w", err)
	}

	jobs := make([]RetryJob, 0, len(payloads))
	for _, payload := range payloads {
		var job RetryJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.logger.Error("failed to unmarshal retry job", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// QueueDepth returns the number of jobs waiting, due or not.
func (q *RetryQueue) QueueDepth(ctx context.Context) (int64, error) {
	n, err := q.redisClient.ZCard(ctx, RetryQueueKey).Result()
	if err != nil {
		return 0, err
	}
	metrics.SetRetryQueueDepth(n)
	return n, nil
}
