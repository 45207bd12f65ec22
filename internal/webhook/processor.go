package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/beaulazear/voxxy-campaign-engine/internal/delivery"
	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/retry"
	"github.com/beaulazear/voxxy-campaign-engine/internal/suppression"
)

// OriginLookup finds the event behind a delivery's origin.
type OriginLookup interface {
	GetInstance(ctx context.Context, id string) (*domain.ScheduledInstance, error)
	GetInvitation(ctx context.Context, id string) (*domain.Invitation, error)
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
}

// Result counts what a batch did.
type Result struct {
	Received         int `json:"received"`
	Applied          int `json:"applied"`
	Ignored          int `json:"ignored"`
	Unknown          int `json:"unknown"`
	Suppressed       int `json:"suppressed"`
	RetriesScheduled int `json:"retries_scheduled"`
}

// Processor applies normalized events. Replaying a batch is harmless: the
// state machine ignores repeated transitions, suppressions are idempotent
// and a soft bounce is owed at most one queued retry at a time. A replay
// finishes retry scheduling that an earlier attempt left undone.
type Processor struct {
	tracker     *delivery.Tracker
	suppression *suppression.Resolver
	origins     OriginLookup
	retries     *retry.Scheduler
	logger      *slog.Logger
}

func NewProcessor(tracker *delivery.Tracker, sup *suppression.Resolver, origins OriginLookup, logger *slog.Logger) *Processor {
	return &Processor{
		tracker:     tracker,
		suppression: sup,
		origins:     origins,
		logger:      logger,
	}
}

// EnableRetries makes soft bounces schedule a resend of the cached message.
func (p *Processor) EnableRetries(retries *retry.Scheduler) {
	p.retries = retries
}

// Process applies events in order. It stops at the first storage failure so
// the provider redelivers the batch.
func (p *Processor) Process(ctx context.Context, events []Event) (Result, error) {
	res := Result{Received: len(events)}
	for _, ev := range events {
		if err := p.processOne(ctx, ev, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *Processor) processOne(ctx context.Context, ev Event, res *Result) error {
	if ev.MessageID == "" {
		res.Unknown++
		p.logger.Warn("provider event without message id", "provider", ev.Provider, "type", ev.Type)
		return p.suppress(ctx, ev, nil, res)
	}

	out, err := p.tracker.Reconcile(ctx, ev.MessageID, ev.Status, ev.Bounce)
	if err != nil {
		return fmt.Errorf("reconciling %s event: %w", ev.Type, err)
	}

	switch {
	case out.Record == nil:
		res.Unknown++
	case out.Applied:
		res.Applied++
	default:
		res.Ignored++
	}

	if err := p.suppress(ctx, ev, out.Record, res); err != nil {
		return err
	}

	if p.owesRetry(out) {
		scheduled, err := p.retries.Ensure(ctx, out.Record)
		if err != nil {
			return fmt.Errorf("scheduling retry: %w", err)
		}
		if scheduled {
			res.RetriesScheduled++
		}
	}
	return nil
}

// owesRetry is true for a soft bounce this event just applied, and for a
// replayed one whose retry may not have been queued.
func (p *Processor) owesRetry(out delivery.Outcome) bool {
	rec := out.Record
	if p.retries == nil || rec == nil ||
		rec.Status != domain.DeliveryBounced || rec.BounceType != domain.BounceSoft {
		return false
	}
	return out.Applied || rec.NextRetryAt != nil || p.tracker.Retryable(rec)
}

// suppress records the suppression an event asks for. Complaints block the
// address everywhere, so they apply even when the message is unknown.
// Organization-scoped unsubscribes need the delivery to find the
// organization.
func (p *Processor) suppress(ctx context.Context, ev Event, rec *domain.DeliveryRecord, res *Result) error {
	if ev.Suppress == "" {
		return nil
	}

	email := ev.Recipient
	if email == "" && rec != nil {
		email = rec.RecipientEmail
	}
	if email == "" {
		return nil
	}

	var orgID string
	if ev.Suppress == domain.ScopeOrganization {
		if rec == nil {
			p.logger.Warn("unsubscribe for unknown message not applied",
				"provider", ev.Provider,
				"provider_message_id", ev.MessageID,
			)
			return nil
		}
		event, err := p.eventFor(ctx, rec)
		if errors.Is(err, domain.ErrNotFound) {
			p.logger.Warn("unsubscribe origin not found", "delivery_id", rec.ID, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		orgID = event.OrganizationID
	}

	_, created, err := p.suppression.CreateOrFind(ctx, email, ev.Suppress, "", orgID, domain.SourceProviderWebhook)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			p.logger.Warn("provider suppression rejected", "error", err, "provider", ev.Provider)
			return nil
		}
		return fmt.Errorf("recording suppression: %w", err)
	}
	if created {
		res.Suppressed++
	}
	return nil
}

func (p *Processor) eventFor(ctx context.Context, rec *domain.DeliveryRecord) (*domain.Event, error) {
	var eventID string
	switch origin := rec.Origin(); origin.Kind {
	case domain.OriginScheduledInstance:
		inst, err := p.origins.GetInstance(ctx, origin.ID)
		if err != nil {
			return nil, fmt.Errorf("loading instance: %w", err)
		}
		eventID = inst.EventID
	case domain.OriginInvitation:
		inv, err := p.origins.GetInvitation(ctx, origin.ID)
		if err != nil {
			return nil, fmt.Errorf("loading invitation: %w", err)
		}
		eventID = inv.EventID
	}

	event, err := p.origins.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("loading event: %w", err)
	}
	return event, nil
}
