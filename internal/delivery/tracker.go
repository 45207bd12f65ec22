// Package delivery keeps one record per dispatched message and moves it
// through the delivery state machine as provider callbacks arrive.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Repository persists delivery records. ProviderMessageID is unique; inserts
// that violate it return domain.ErrDuplicate.
type Repository interface {
	InsertDelivery(ctx context.Context, rec *domain.DeliveryRecord) error

	// GetDeliveryByMessageID returns an error wrapping domain.ErrNotFound when
	// no record carries providerMessageID.
	GetDeliveryByMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error)

	// UpdateDelivery writes every mutable column of rec, provided the stored
	// status is still fromStatus. Otherwise it returns domain.ErrConflict.
	UpdateDelivery(ctx context.Context, rec *domain.DeliveryRecord, fromStatus domain.DeliveryStatus) error

	GetDelivery(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, filter domain.DeliveryFilter) ([]domain.DeliveryRecord, error)
	ListRetryCandidates(ctx context.Context, sweep domain.RetrySweep) ([]domain.DeliveryRecord, error)
}

// Observer is told about every applied status change.
type Observer interface {
	DeliveryTransitioned(ctx context.Context, rec *domain.DeliveryRecord, from domain.DeliveryStatus)
}

// maxConflictRetries bounds reload-and-retry when a concurrent callback
// changed the record between read and write.
const maxConflictRetries = 3

// Tracker records dispatches and reconciles provider callbacks.
type Tracker struct {
	repo     Repository
	policy   RetryPolicy
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time
}

func NewTracker(repo Repository, policy RetryPolicy, logger *slog.Logger) *Tracker {
	return &Tracker{
		repo:   repo,
		policy: policy,
		logger: logger,
		tracer: otel.Tracer("github.com/beaulazear/voxxy-campaign-engine/internal/delivery"),
		now:    time.Now,
	}
}

// SetObserver registers o for transition notifications.
func (t *Tracker) SetObserver(o Observer) {
	t.observer = o
}

// Policy returns the retry policy the tracker applies.
func (t *Tracker) Policy() RetryPolicy {
	return t.policy
}

// RecordDispatch creates the record for a message the provider accepted. A
// second call with the same provider id updates the existing record instead.
func (t *Tracker) RecordDispatch(ctx context.Context, providerMessageID, email string, origin domain.Origin) (*domain.DeliveryRecord, error) {
	ctx, span := t.tracer.Start(ctx, "delivery.RecordDispatch",
		trace.WithAttributes(attribute.String("origin.kind", string(origin.Kind)), attribute.String("origin.id", origin.ID)))
	defer span.End()

	if providerMessageID == "" {
		return nil, &domain.ValidationError{Field: "provider_message_id", Message: "provider message id is required"}
	}
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, &domain.ValidationError{Field: "email", Message: "recipient email is required"}
	}
	if err := origin.Validate(); err != nil {
		return nil, err
	}

	existing, err := t.repo.GetDeliveryByMessageID(ctx, providerMessageID)
	switch {
	case err == nil:
		return t.redispatch(ctx, existing, email, origin)
	case !errors.Is(err, domain.ErrNotFound):
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("looking up delivery: %w", err)
	}

	now := t.now().UTC()
	rec := &domain.DeliveryRecord{
		ID:                uuid.NewString(),
		ProviderMessageID: providerMessageID,
		RecipientEmail:    email,
		Status:            domain.DeliveryQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	rec.SetOrigin(origin)

	if err := t.repo.InsertDelivery(ctx, rec); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("inserting delivery: %w", err)
		}
		// A concurrent dispatch of the same message won the insert.
		existing, err := t.repo.GetDeliveryByMessageID(ctx, providerMessageID)
		if err != nil {
			return nil, fmt.Errorf("looking up delivery after conflict: %w", err)
		}
		return t.redispatch(ctx, existing, email, origin)
	}

	metrics.IncDispatch("recorded")
	t.logger.Debug("delivery recorded",
		"delivery_id", rec.ID,
		"provider_message_id", providerMessageID,
		"email", email,
		"origin", origin.Kind,
	)
	return rec, nil
}

// redispatch refreshes the address and origin of an existing record without
// touching its status. A callback that moves the record in between is kept:
// the record is reloaded and the refresh applied on top of it.
func (t *Tracker) redispatch(ctx context.Context, rec *domain.DeliveryRecord, email string, origin domain.Origin) (*domain.DeliveryRecord, error) {
	for attempt := 0; ; attempt++ {
		rec.RecipientEmail = email
		rec.SetOrigin(origin)
		rec.UpdatedAt = t.now().UTC()

		err := t.repo.UpdateDelivery(ctx, rec, rec.Status)
		if errors.Is(err, domain.ErrConflict) && attempt < maxConflictRetries {
			fresh, gerr := t.repo.GetDeliveryByMessageID(ctx, rec.ProviderMessageID)
			if gerr != nil {
				return nil, fmt.Errorf("reloading duplicate delivery: %w", gerr)
			}
			rec = fresh
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updating duplicate delivery: %w", err)
		}

		t.logger.Info("duplicate dispatch merged into existing delivery",
			"delivery_id", rec.ID,
			"provider_message_id", rec.ProviderMessageID,
			"status", rec.Status,
		)
		return rec, nil
	}
}

// Outcome describes what a callback did to its record.
type Outcome struct {
	Record   *domain.DeliveryRecord
	Previous domain.DeliveryStatus
	// Applied is false for unknown messages, replays and transitions the
	// state machine refuses.
	Applied bool
}

// ReconcileCallback applies a provider status report. Callbacks for unknown
// messages are logged and absorbed: the result is nil with a nil error.
// Callbacks the state machine does not allow leave the record unchanged and
// return it as stored.
func (t *Tracker) ReconcileCallback(ctx context.Context, providerMessageID string, status domain.DeliveryStatus, bounce domain.BounceType) (*domain.DeliveryRecord, error) {
	out, err := t.Reconcile(ctx, providerMessageID, status, bounce)
	if err != nil {
		return nil, err
	}
	return out.Record, nil
}

// Reconcile is ReconcileCallback reporting whether the record changed.
func (t *Tracker) Reconcile(ctx context.Context, providerMessageID string, status domain.DeliveryStatus, bounce domain.BounceType) (Outcome, error) {
	ctx, span := t.tracer.Start(ctx, "delivery.ReconcileCallback",
		trace.WithAttributes(attribute.String("status", string(status))))
	defer span.End()

	if _, err := domain.ParseDeliveryStatus(string(status)); err != nil {
		return Outcome{}, err
	}
	if _, err := domain.ParseBounceType(string(bounce)); err != nil {
		return Outcome{}, err
	}
	if bounce != domain.BounceNone && status != domain.DeliveryBounced {
		return Outcome{}, &domain.ValidationError{Field: "bounce_type", Message: "bounce type is only valid with status bounced"}
	}

	for attempt := 0; ; attempt++ {
		rec, err := t.repo.GetDeliveryByMessageID(ctx, providerMessageID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				metrics.IncCallbackIgnored("unknown_message")
				t.logger.Warn("callback for unknown message ignored",
					"provider_message_id", providerMessageID,
					"status", status,
				)
				return Outcome{}, nil
			}
			span.SetStatus(codes.Error, err.Error())
			return Outcome{}, fmt.Errorf("looking up delivery: %w", err)
		}

		from := rec.Status
		if !t.apply(rec, status, bounce) {
			metrics.IncCallbackIgnored("transition")
			t.logger.Info("callback transition ignored",
				"delivery_id", rec.ID,
				"provider_message_id", providerMessageID,
				"from", from,
				"to", status,
			)
			return Outcome{Record: rec, Previous: from}, nil
		}

		err = t.repo.UpdateDelivery(ctx, rec, from)
		if errors.Is(err, domain.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Outcome{}, fmt.Errorf("updating delivery: %w", err)
		}

		metrics.IncCallback(string(status))
		t.logger.Info("delivery status changed",
			"delivery_id", rec.ID,
			"provider_message_id", providerMessageID,
			"from", from,
			"to", rec.Status,
			"bounce_type", rec.BounceType,
		)
		t.notify(ctx, rec, from)
		return Outcome{Record: rec, Previous: from, Applied: true}, nil
	}
}

// apply mutates rec for the callback and reports whether anything changed.
func (t *Tracker) apply(rec *domain.DeliveryRecord, status domain.DeliveryStatus, bounce domain.BounceType) bool {
	now := t.now().UTC()

	// A hard bounce report upgrades a soft bounce in place.
	if rec.Status == domain.DeliveryBounced && status == domain.DeliveryBounced {
		if rec.BounceType == domain.BounceSoft && bounce == domain.BounceHard {
			rec.BounceType = domain.BounceHard
			rec.NextRetryAt = nil
			rec.LastEventAt = &now
			rec.UpdatedAt = now
			return true
		}
		return false
	}

	if !CanTransition(rec.Status, rec.BounceType, status) {
		return false
	}

	rec.Status = status
	if status == domain.DeliveryBounced {
		rec.BounceType = bounce
	}
	if status != domain.DeliveryBounced {
		rec.NextRetryAt = nil
	}
	rec.LastEventAt = &now
	rec.UpdatedAt = now
	return true
}

// Retryable reports whether rec soft-bounced with retries left.
func (t *Tracker) Retryable(rec *domain.DeliveryRecord) bool {
	return t.policy.Retryable(rec)
}

// ScheduleRetry consumes one retry: it increments the count and sets
// NextRetryAt by exponential backoff. The status stays bounced. Records that
// are not retryable are returned unchanged.
func (t *Tracker) ScheduleRetry(ctx context.Context, rec *domain.DeliveryRecord) (*domain.DeliveryRecord, error) {
	if !t.policy.Retryable(rec) {
		if rec.Status == domain.DeliveryBounced && rec.BounceType == domain.BounceSoft {
			metrics.IncRetryExhausted()
			t.logger.Warn("delivery retries exhausted",
				"delivery_id", rec.ID,
				"retry_count", rec.RetryCount,
			)
		}
		return rec, nil
	}

	now := t.now().UTC()
	next := now.Add(t.policy.Delay(rec.RetryCount))

	updated := *rec
	updated.RetryCount++
	updated.NextRetryAt = &next
	updated.UpdatedAt = now

	if err := t.repo.UpdateDelivery(ctx, &updated, rec.Status); err != nil {
		return nil, fmt.Errorf("scheduling retry: %w", err)
	}

	metrics.IncRetryScheduled()
	t.logger.Info("delivery retry scheduled",
		"delivery_id", updated.ID,
		"retry_count", updated.RetryCount,
		"next_retry_at", next,
	)
	return &updated, nil
}

// RecordRetryDispatch moves a retried record back to sent under the provider
// id of the new message.
func (t *Tracker) RecordRetryDispatch(ctx context.Context, rec *domain.DeliveryRecord, providerMessageID string) (*domain.DeliveryRecord, error) {
	if providerMessageID == "" {
		return nil, &domain.ValidationError{Field: "provider_message_id", Message: "provider message id is required"}
	}
	if !CanTransition(rec.Status, rec.BounceType, domain.DeliverySent) {
		return nil, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("cannot retry a %s delivery", rec.Status)}
	}

	from := rec.Status
	now := t.now().UTC()
	updated := *rec
	updated.ProviderMessageID = providerMessageID
	updated.Status = domain.DeliverySent
	updated.BounceType = domain.BounceNone
	updated.NextRetryAt = nil
	updated.LastEventAt = &now
	updated.UpdatedAt = now

	if err := t.repo.UpdateDelivery(ctx, &updated, from); err != nil {
		return nil, fmt.Errorf("recording retry dispatch: %w", err)
	}

	metrics.IncDispatch("retried")
	t.logger.Info("delivery retried",
		"delivery_id", updated.ID,
		"provider_message_id", providerMessageID,
		"retry_count", updated.RetryCount,
	)
	t.notify(ctx, &updated, from)
	return &updated, nil
}

// Get returns the record with id.
func (t *Tracker) Get(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	return t.repo.GetDelivery(ctx, id)
}

// List returns records matching filter.
func (t *Tracker) List(ctx context.Context, filter domain.DeliveryFilter) ([]domain.DeliveryRecord, error) {
	if filter.Email != "" {
		filter.Email = domain.NormalizeEmail(filter.Email)
	}
	return t.repo.ListDeliveries(ctx, filter)
}

// RetryCandidates returns soft bounces whose retry is due by now or was never
// scheduled and has sat unchanged since settledBefore. Records last updated
// before since are left out.
func (t *Tracker) RetryCandidates(ctx context.Context, now, settledBefore, since time.Time, limit int) ([]domain.DeliveryRecord, error) {
	return t.repo.ListRetryCandidates(ctx, domain.RetrySweep{
		DueBefore:     now,
		SettledBefore: settledBefore,
		Since:         since,
		MaxRetries:    t.policy.MaxRetries,
		Limit:         limit,
	})
}

func (t *Tracker) notify(ctx context.Context, rec *domain.DeliveryRecord, from domain.DeliveryStatus) {
	if t.observer != nil {
		t.observer.DeliveryTransitioned(ctx, rec, from)
	}
}
