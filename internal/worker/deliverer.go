package worker

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

// defaultRequeueDelay is how long a retry waits after a transient send
// failure before it is tried again. Requeues do not consume a retry.
const defaultRequeueDelay = time.Minute

// SuppressionChecker is satisfied by *suppression.Resolver.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, email, eventID, organizationID string) (bool, error)
}

// Deliverer resends soft-bounced messages taken from the retry queue.
type Deliverer struct {
	tracker      *delivery.Tracker
	sender       *Sender
	queue        *engine.RetryQueue
	messages     *engine.MessageCache
	suppression  SuppressionChecker
	logger       *slog.Logger
	requeueDelay time.Duration
	now          func() time.Time
}

func NewDeliverer(tracker *delivery.Tracker, sender *Sender, queue *engine.RetryQueue, messages *engine.MessageCache, suppression SuppressionChecker, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		tracker:      tracker,
		sender:       sender,
		queue:        queue,
		messages:     messages,
		suppression:  suppression,
		logger:       logger,
		requeueDelay: defaultRequeueDelay,
		now:          time.Now,
	}
}

// Deliver resends job's message. The delivery must still be a soft bounce
// and its address must not have been suppressed since; otherwise the job is
// dropped.
func (d *Deliverer) Deliver(ctx context.Context, job engine.RetryJob) {
	rec, err := d.tracker.Get(ctx, job.DeliveryID)
	if err != nil {
		d.logger.Error("retry for unreadable delivery dropped", "delivery_id", job.DeliveryID, "error", err)
		return
	}
	if rec.Status != domain.DeliveryBounced || rec.BounceType != domain.BounceSoft {
		d.logger.Info("retry skipped, delivery moved on",
			"delivery_id", rec.ID,
			"status", rec.Status,
			"bounce_type", rec.BounceType,
		)
		return
	}

	eventID := job.Message.Metadata[esp.MetadataEventID]
	suppressed, err := d.suppression.IsSuppressed(ctx, rec.RecipientEmail, eventID, job.OrganizationID)
	if err != nil {
		d.requeue(ctx, job, err)
		return
	}
	if suppressed {
		d.logger.Info("retry skipped, recipient suppressed", "delivery_id", rec.ID, "email", rec.RecipientEmail)
		d.drop(ctx, rec)
		return
	}

	providerID, err := d.sender.Send(ctx, job.OrganizationID, job.Message)
	if err != nil {
		if errors.Is(err, esp.ErrRejected) {
			d.logger.Warn("retry rejected by provider", "delivery_id", rec.ID, "error", err)
			d.drop(ctx, rec)
			return
		}
		d.requeue(ctx, job, err)
		return
	}

	if _, err := d.tracker.RecordRetryDispatch(ctx, rec, providerID); err != nil {
		d.logger.Error("failed to record retry dispatch",
			"delivery_id", rec.ID,
			"provider_message_id", providerID,
			"error", err,
		)
		return
	}
	if err := d.messages.Put(ctx, rec.ID, job.Message); err != nil {
		d.logger.Warn("failed to refresh cached message", "delivery_id", rec.ID, "error", err)
	}
}

// drop settles a retry that will never be sent.
func (d *Deliverer) drop(ctx context.Context, rec *domain.DeliveryRecord) {
	if _, err := d.tracker.ReconcileCallback(ctx, rec.ProviderMessageID, domain.DeliveryDropped, domain.BounceNone); err != nil {
		d.logger.Error("failed to drop delivery", "delivery_id", rec.ID, "error", err)
	}
}

func (d *Deliverer) requeue(ctx context.Context, job engine.RetryJob, cause error) {
	due := d.now().Add(d.requeueDelay)
	if err := d.queue.Enqueue(ctx, job, due); err != nil {
		d.logger.Error("failed to requeue retry", "delivery_id", job.DeliveryID, "error", err, "cause", cause)
		return
	}
	d.logger.Warn("retry requeued", "delivery_id", job.DeliveryID, "due_at", due, "cause", cause)
}
