package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/beaulazear/voxxy-campaign-engine/internal/delivery"
	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
	"github.com/beaulazear/voxxy-campaign-engine/internal/recipient"
	"github.com/beaulazear/voxxy-campaign-engine/internal/render"
	"github.com/beaulazear/voxxy-campaign-engine/internal/retry"
	"github.com/beaulazear/voxxy-campaign-engine/internal/schedule"
	"github.com/beaulazear/voxxy-campaign-engine/internal/store/memory"
	"github.com/beaulazear/voxxy-campaign-engine/internal/suppression"
	"github.com/beaulazear/voxxy-campaign-engine/internal/unsubscribe"
	"github.com/redis/go-redis/v9"
)

// fakeESP records messages and hands out sequential ids.
type fakeESP struct {
	mu   sync.Mutex
	sent []esp.Message
	fail func(esp.Message) error
}

func (f *fakeESP) Name() string { return "fake" }

func (f *fakeESP) Send(_ context.Context, msg esp.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(msg); err != nil {
			return "", err
		}
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeESP) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	mr          *miniredis.Miniredis
	redis       *redis.Client
	store       *memory.Store
	esp         *fakeESP
	tracker     *delivery.Tracker
	suppression *suppression.Resolver
	queue       *engine.RetryQueue
	messages    *engine.MessageCache
	breaker     *engine.CircuitBreaker
	retries     *retry.Scheduler
	sender      *Sender
	scheduler   *Scheduler
	deliverer   *Deliverer
	logger      *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	st := memory.New()
	st.PutOrganization(domain.Organization{ID: "org-1", Name: "Brooklyn Makers"})
	st.PutEvent(domain.Event{ID: "evt-1", OrganizationID: "org-1", Title: "Spring Market"})
	st.PutCampaignItem(domain.CampaignItem{
		ID:              "item-1",
		Category:        "reminder",
		TriggerType:     domain.TriggerDaysBeforeEvent,
		TriggerDays:     3,
		SubjectTemplate: "Hi {{ name | first_name }}",
		BodyTemplate:    `<p>{{ event_title }}</p><a href="{{ unsubscribe_url }}">unsubscribe</a>`,
		Enabled:         true,
	})
	st.PutRegistration(domain.Registration{ID: "reg-1", EventID: "evt-1", Email: "ana@example.com", Name: "Ana Lopez", Status: "approved"})
	st.PutRegistration(domain.Registration{ID: "reg-2", EventID: "evt-1", Email: "ben@example.com", Name: "Ben Ng", Status: "confirmed"})
	st.PutRegistration(domain.Registration{ID: "reg-3", EventID: "evt-1", Email: "cy@example.com", Name: "Cy", Status: "pending"})

	h := &harness{
		mr:       mr,
		redis:    client,
		store:    st,
		esp:      &fakeESP{},
		logger:   logger,
		queue:    engine.NewRetryQueue(client, logger),
		messages: engine.NewMessageCache(client, time.Hour),
		breaker:  engine.NewCircuitBreaker(client, engine.BreakerConfig{}, logger),
	}
	h.suppression = suppression.NewResolver(st, logger)
	h.tracker = delivery.NewTracker(st, delivery.DefaultRetryPolicy(), logger)
	h.retries = retry.NewScheduler(h.tracker, h.queue, h.messages, 5*time.Minute, logger)
	h.sender = NewSender(h.esp, h.breaker, engine.NewRateLimiter(client, time.Minute, logger), 0, logger)
	h.scheduler = NewScheduler(SchedulerConfig{
		Concurrency: 4,
		FromEmail:   "hello@voxxy.example",
		FromName:    "Voxxy",
	}, SchedulerDeps{
		Instances: st,
		Roster:    st,
		Resolver:  recipient.NewResolver(st, h.suppression, logger),
		Renderer:  render.New(),
		Links:     unsubscribe.NewSigner("https://app.voxxy.example", "secret"),
		Sender:    h.sender,
		Tracker:   h.tracker,
		Messages:  h.messages,
		Gate:      schedule.NewGate(10 * time.Minute),
		Redis:     client,
	}, logger)
	h.deliverer = NewDeliverer(h.tracker, h.sender, h.queue, h.messages, h.suppression, logger)
	return h
}

func (h *harness) putInstance(id string, fire time.Time, filters domain.FilterCriteria) {
	h.store.PutInstance(domain.ScheduledInstance{
		ID:             id,
		CampaignItemID: "item-1",
		EventID:        "evt-1",
		FireTime:       &fire,
		Status:         domain.InstanceScheduled,
		Filters:        filters,
	})
}
