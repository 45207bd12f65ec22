package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/delivery"
	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
	"github.com/beaulazear/voxxy-campaign-engine/internal/lock"
	"github.com/beaulazear/voxxy-campaign-engine/internal/metrics"
	"github.com/beaulazear/voxxy-campaign-engine/internal/recipient"
	"github.com/beaulazear/voxxy-campaign-engine/internal/render"
	"github.com/beaulazear/voxxy-campaign-engine/internal/schedule"
	"github.com/beaulazear/voxxy-campaign-engine/internal/unsubscribe"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// InstanceStore reads due instances and records how their dispatch ended.
// The Mark methods return domain.ErrConflict when the instance is no longer
// scheduled.
type InstanceStore interface {
	ListScheduledDue(ctx context.Context, cutoff time.Time, limit int) ([]domain.ScheduledInstance, error)
	GetInstance(ctx context.Context, id string) (*domain.ScheduledInstance, error)
	MarkInstanceSent(ctx context.Context, id string, recipientCount int, sentAt time.Time) error
	MarkInstanceFailed(ctx context.Context, id, message string) error
}

// markSentAttempts bounds how often a finished instance is recorded as sent
// before its lock is left to expire.
const markSentAttempts = 4

// SchedulerConfig tunes the scheduler loop.
type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	LockTTL      time.Duration
	// MarkRetryInterval is the first wait between attempts to record an
	// instance as sent.
	MarkRetryInterval time.Duration
	FromEmail         string
	FromName     string
}

// Scheduler fires scheduled instances once the gate admits them. Each
// instance is claimed under a Redis lock so only one process sends it.
type Scheduler struct {
	cfg       SchedulerConfig
	instances InstanceStore
	roster    recipient.Roster
	resolver  *recipient.Resolver
	renderer  *render.Renderer
	links     *unsubscribe.Signer
	sender    *Sender
	tracker   *delivery.Tracker
	messages  *engine.MessageCache
	gate      *schedule.Gate
	redis     *redis.Client
	logger    *slog.Logger
	now       func() time.Time
}

// SchedulerDeps groups the scheduler's collaborators.
type SchedulerDeps struct {
	Instances InstanceStore
	Roster    recipient.Roster
	Resolver  *recipient.Resolver
	Renderer  *render.Renderer
	Links     *unsubscribe.Signer
	Sender    *Sender
	Tracker   *delivery.Tracker
	Messages  *engine.MessageCache
	Gate      *schedule.Gate
	Redis     *redis.Client
}

func NewScheduler(cfg SchedulerConfig, deps SchedulerDeps, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.MarkRetryInterval <= 0 {
		cfg.MarkRetryInterval = 500 * time.Millisecond
	}
	return &Scheduler{
		cfg:       cfg,
		instances: deps.Instances,
		roster:    deps.Roster,
		resolver:  deps.Resolver,
		renderer:  deps.Renderer,
		links:     deps.Links,
		sender:    deps.Sender,
		tracker:   deps.Tracker,
		messages:  deps.Messages,
		gate:      deps.Gate,
		redis:     deps.Redis,
		logger:    logger,
		now:       time.Now,
	}
}

// Start polls for due instances until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", "poll_interval", s.cfg.PollInterval)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs every instance that is due now.
func (s *Scheduler) Poll(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.instances.ListScheduledDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due instances", "error", err)
		return
	}

	overdue := 0
	for i := range due {
		if s.gate.Overdue(&due[i], now) {
			overdue++
		}
	}
	metrics.SetInstancesOverdue(overdue)

	for _, inst := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunInstance(ctx, inst.ID); err != nil {
			s.logger.Error("instance run failed", "instance_id", inst.ID, "error", err)
		}
	}
}

// RunResult reports one instance run.
type RunResult struct {
	InstanceID string                `json:"instance_id"`
	Status     domain.InstanceStatus `json:"status"`
	Skipped    string                `json:"skipped,omitempty"`
	Recipients int                   `json:"recipients"`
	Sent       int                   `json:"sent"`
	Failed     int                   `json:"failed"`
}

// RunInstance sends instanceID if the gate admits it. The instance is marked
// sent with its resolved recipient count as soon as any message is accepted,
// and failed when resolution breaks or every send fails.
func (s *Scheduler) RunInstance(ctx context.Context, instanceID string) (*RunResult, error) {
	res := &RunResult{InstanceID: instanceID}

	l := lock.New(s.redis, "instance:"+instanceID, s.cfg.LockTTL)
	acquired, err := l.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		res.Skipped = "locked"
		return res, nil
	}
	keepClaim := false
	defer func() {
		if keepClaim {
			return
		}
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release instance lock", "instance_id", instanceID, "error", err)
		}
	}()

	// Re-read under the lock: another process may have finished it.
	inst, err := s.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("loading instance: %w", err)
	}
	res.Status = inst.Status

	now := s.now().UTC()
	if !s.gate.Ready(inst, now) {
		res.Skipped = "not ready"
		return res, nil
	}
	if s.gate.Overdue(inst, now) {
		s.logger.Warn("sending overdue instance",
			"instance_id", inst.ID,
			"minutes_overdue", s.gate.MinutesOverdue(inst, now),
		)
	}

	plan, err := s.resolver.Plan(ctx, inst, now)
	if err != nil {
		return res, s.fail(ctx, inst, res, fmt.Errorf("resolving recipients: %w", err))
	}
	res.Recipients = len(plan.Recipients)

	if err := s.renderer.Validate(plan.Item); err != nil {
		return res, s.fail(ctx, inst, res, err)
	}
	org, err := s.roster.GetOrganization(ctx, plan.Event.OrganizationID)
	if err != nil {
		return res, s.fail(ctx, inst, res, fmt.Errorf("loading organization: %w", err))
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, rcpt := range plan.Recipients {
		g.Go(func() error {
			err := s.dispatch(gctx, plan, org, rcpt)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				if firstErr == nil {
					firstErr = err
				}
			} else {
				res.Sent++
			}
			// Only cancellation stops the other sends.
			if errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	stopRenew := s.keepLock(ctx, l, inst.ID)
	waitErr := g.Wait()
	stopRenew()

	if res.Recipients > 0 && res.Sent == 0 {
		if waitErr != nil {
			// Interrupted before anything went out; the next poll retries.
			return res, waitErr
		}
		return res, s.fail(ctx, inst, res, fmt.Errorf("no message accepted: %w", firstErr))
	}

	// Messages are out, so the instance is sent even if shutdown interrupted
	// the rest.
	if err := s.markSent(context.WithoutCancel(ctx), inst.ID, res.Recipients); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			// The instance still reads as scheduled. Holding the lock until it
			// expires keeps the next poll from sending it again.
			keepClaim = true
			if xerr := l.Extend(context.WithoutCancel(ctx), s.cfg.LockTTL); xerr != nil {
				s.logger.Warn("failed to extend instance lock", "instance_id", inst.ID, "error", xerr)
			}
			s.logger.Error("instance sent but not recorded, holding its lock",
				"instance_id", inst.ID,
				"sent", res.Sent,
				"lock_ttl", s.cfg.LockTTL,
				"error", err,
			)
		}
		return res, fmt.Errorf("marking instance sent: %w", err)
	}
	res.Status = domain.InstanceSent
	metrics.IncInstanceFinished(string(domain.InstanceSent))
	s.logger.Info("instance sent",
		"instance_id", inst.ID,
		"path", plan.Path,
		"recipients", res.Recipients,
		"sent", res.Sent,
		"failed", res.Failed,
		"suppressed", plan.Suppressed,
	)
	return res, nil
}

// markSent records the instance as sent, retrying transient store errors. A
// conflict means the instance already left the scheduled state and is final.
func (s *Scheduler) markSent(ctx context.Context, instanceID string, recipients int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.MarkRetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.instances.MarkInstanceSent(ctx, instanceID, recipients, s.now().UTC())
		if errors.Is(err, domain.ErrConflict) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			s.logger.Warn("failed to mark instance sent", "instance_id", instanceID, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(markSentAttempts))
	return err
}

// keepLock extends l every half TTL until the returned stop func is called,
// so a large instance keeps its claim for as long as it is sending.
func (s *Scheduler) keepLock(ctx context.Context, l *lock.Lock, instanceID string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.LockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Extend(ctx, s.cfg.LockTTL); err != nil {
					s.logger.Warn("failed to extend instance lock", "instance_id", instanceID, "error", err)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Scheduler) fail(ctx context.Context, inst *domain.ScheduledInstance, res *RunResult, cause error) error {
	if err := s.instances.MarkInstanceFailed(ctx, inst.ID, cause.Error()); err != nil {
		return fmt.Errorf("marking instance failed: %w (cause: %v)", err, cause)
	}
	res.Status = domain.InstanceFailed
	metrics.IncInstanceFinished(string(domain.InstanceFailed))
	s.logger.Error("instance failed", "instance_id", inst.ID, "error", cause)
	return nil
}

// dispatch renders, sends and records one recipient's message.
func (s *Scheduler) dispatch(ctx context.Context, plan *recipient.Plan, org *domain.Organization, rcpt recipient.Recipient) error {
	event := plan.Event
	unsubURL := s.links.URL(rcpt.Email, event.ID)

	content, err := s.renderer.Render(plan.Item, render.Variables(event, org, render.Recipient{
		Email:          rcpt.Email,
		Name:           rcpt.Name,
		BusinessName:   rcpt.BusinessName,
		VendorCategory: rcpt.VendorCategory,
		Status:         rcpt.Status,
	}, unsubURL))
	if err != nil {
		metrics.IncDispatch("failed")
		return err
	}

	msg := esp.Message{
		To:        rcpt.Email,
		ToName:    rcpt.Name,
		FromEmail: s.cfg.FromEmail,
		FromName:  s.cfg.FromName,
		Subject:   content.Subject,
		HTML:      content.HTML,
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + unsubURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
		Metadata: map[string]string{
			esp.MetadataInstanceID:     plan.InstanceID,
			esp.MetadataEventID:        event.ID,
			esp.MetadataOrganizationID: event.OrganizationID,
		},
	}

	providerID, err := s.sender.Send(ctx, event.OrganizationID, msg)
	if err != nil {
		metrics.IncDispatch("failed")
		return err
	}

	rec, err := s.tracker.RecordDispatch(ctx, providerID, rcpt.Email, rcpt.Origin(plan.InstanceID))
	if err != nil {
		// The provider has the message; its callbacks will be logged as
		// unknown.
		s.logger.Error("failed to record dispatch",
			"instance_id", plan.InstanceID,
			"provider_message_id", providerID,
			"error", err,
		)
		return nil
	}

	if s.messages != nil {
		if err := s.messages.Put(ctx, rec.ID, msg); err != nil {
			s.logger.Warn("failed to cache message for retries", "delivery_id", rec.ID, "error", err)
		}
	}
	return nil
}
