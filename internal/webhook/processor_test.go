package webhook

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/beaulazear/voxxy-campaign-engine/internal/delivery"
	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
	"github.com/beaulazear/voxxy-campaign-engine/internal/retry"
	"github.com/beaulazear/voxxy-campaign-engine/internal/store/memory"
	"github.com/beaulazear/voxxy-campaign-engine/internal/suppression"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	redis     *miniredis.Miniredis
	store     *memory.Store
	tracker   *delivery.Tracker
	resolver  *suppression.Resolver
	queue     *engine.RetryQueue
	messages  *engine.MessageCache
	processor *Processor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := memory.New()
	st.PutOrganization(domain.Organization{ID: "org-1", Name: "Night Market Co"})
	st.PutEvent(domain.Event{ID: "ev-1", OrganizationID: "org-1", Title: "Spring Market"})
	st.PutInstance(domain.ScheduledInstance{ID: "inst-1", EventID: "ev-1", CampaignItemID: "item-1", Status: domain.InstanceSent})

	f := &fixture{
		redis:    mr,
		store:    st,
		tracker:  delivery.NewTracker(st, delivery.DefaultRetryPolicy(), logger),
		resolver: suppression.NewResolver(st, logger),
		queue:    engine.NewRetryQueue(client, logger),
		messages: engine.NewMessageCache(client, time.Hour),
	}
	f.processor = NewProcessor(f.tracker, f.resolver, st, logger)
	f.processor.EnableRetries(retry.NewScheduler(f.tracker, f.queue, f.messages, time.Minute, logger))
	return f
}

func (f *fixture) dispatch(t *testing.T, messageID, email string) *domain.DeliveryRecord {
	t.Helper()
	rec, err := f.tracker.RecordDispatch(context.Background(), messageID, email, domain.InstanceOrigin("inst-1", "reg-1"))
	require.NoError(t, err)
	require.NoError(t, f.messages.Put(context.Background(), rec.ID, esp.Message{
		To:       email,
		Subject:  "Load-in details",
		Metadata: map[string]string{esp.MetadataOrganizationID: "org-1"},
	}))
	return rec
}

func TestProcessor_AppliesLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.dispatch(t, "tx-1", "a@example.com")

	res, err := f.processor.Process(ctx, []Event{
		{Type: "injection", MessageID: "tx-1", Status: domain.DeliverySent},
		{Type: "delivery", MessageID: "tx-1", Status: domain.DeliveryDelivered},
		{Type: "delivery", MessageID: "tx-1", Status: domain.DeliveryDelivered},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Ignored)

	got, err := f.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, got.Status)
}

func TestProcessor_UnknownMessage(t *testing.T) {
	f := setup(t)

	res, err := f.processor.Process(context.Background(), []Event{
		{Type: "delivery", MessageID: "missing", Status: domain.DeliveryDelivered},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unknown)
	assert.Equal(t, 0, res.Applied)
}

func TestProcessor_SoftBounceSchedulesRetryOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.dispatch(t, "tx-1", "a@example.com")

	bounce := Event{Type: "bounce", MessageID: "tx-1", Status: domain.DeliveryBounced, Bounce: domain.BounceSoft}
	res, err := f.processor.Process(ctx, []Event{bounce})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RetriesScheduled)

	// A redelivered webhook must not consume a second retry.
	res, err = f.processor.Process(ctx, []Event{bounce})
	require.NoError(t, err)
	assert.Equal(t, 0, res.RetriesScheduled)
	assert.Equal(t, 1, res.Ignored)

	got, err := f.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)

	depth, err := f.queue.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	jobs, err := f.queue.ClaimDue(ctx, got.NextRetryAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, rec.ID, jobs[0].DeliveryID)
	assert.Equal(t, "org-1", jobs[0].OrganizationID)
	assert.Equal(t, "inst-1", jobs[0].InstanceID)
	assert.Equal(t, 1, jobs[0].Attempt)
	assert.Equal(t, "Load-in details", jobs[0].Message.Subject)
}

func TestProcessor_RedeliveredBounceSchedulesRetryAfterRedisOutage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.dispatch(t, "tx-1", "a@example.com")
	batch := []Event{{Type: "bounce", MessageID: "tx-1", Status: domain.DeliveryBounced, Bounce: domain.BounceSoft}}

	f.redis.Close()
	_, err := f.processor.Process(ctx, batch)
	require.Error(t, err, "the provider must redeliver the batch")

	got, err := f.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DeliveryBounced, got.Status, "the bounce itself was stored")
	require.Nil(t, got.NextRetryAt)

	require.NoError(t, f.redis.Restart())
	res, err := f.processor.Process(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, 1, res.RetriesScheduled)

	got, err = f.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.NextRetryAt)

	depth, err := f.queue.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestProcessor_RedeliveredBounceRestoresLostJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.dispatch(t, "tx-1", "a@example.com")
	batch := []Event{{Type: "bounce", MessageID: "tx-1", Status: domain.DeliveryBounced, Bounce: domain.BounceSoft}}

	_, err := f.processor.Process(ctx, batch)
	require.NoError(t, err)

	// The retry was committed to the record but its job never reached Redis.
	f.redis.Del(engine.RetryQueueKey)
	f.redis.Del(engine.RetryJobsKey)

	res, err := f.processor.Process(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RetriesScheduled)

	got, err := f.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount, "restoring the job does not consume a retry")

	jobs, err := f.queue.ClaimDue(ctx, got.NextRetryAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, rec.ID, jobs[0].DeliveryID)
	assert.Equal(t, 1, jobs[0].Attempt)
}

func TestProcessor_HardBounceDoesNotRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.dispatch(t, "tx-1", "a@example.com")

	res, err := f.processor.Process(ctx, []Event{
		{Type: "bounce", MessageID: "tx-1", Status: domain.DeliveryBounced, Bounce: domain.BounceHard},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, res.RetriesScheduled)

	depth, err := f.queue.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestProcessor_SoftBounceWithoutCachedMessage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec, err := f.tracker.RecordDispatch(ctx, "tx-9", "z@example.com", domain.InstanceOrigin("inst-1", ""))
	require.NoError(t, err)

	res, err := f.processor.Process(ctx, []Event{
		{Type: "bounce", MessageID: "tx-9", Status: domain.DeliveryBounced, Bounce: domain.BounceSoft},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.RetriesScheduled)

	got, err := f.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
}

func TestProcessor_ComplaintSuppressesGlobally(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// The complaint applies even though the message is not ours.
	res, err := f.processor.Process(ctx, []Event{
		{Type: "spam_complaint", MessageID: "elsewhere", Recipient: "Angry@Example.com", Status: domain.DeliveryUnsubscribed, Suppress: domain.ScopeGlobal},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unknown)
	assert.Equal(t, 1, res.Suppressed)

	blocked, err := f.resolver.IsSuppressed(ctx, "angry@example.com", "any-event", "any-org")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestProcessor_ListUnsubscribeSuppressesOrganization(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := f.dispatch(t, "tx-1", "a@example.com")

	ev := Event{Type: "list_unsubscribe", MessageID: "tx-1", Recipient: "a@example.com", Status: domain.DeliveryUnsubscribed, Suppress: domain.ScopeOrganization}
	res, err := f.processor.Process(ctx, []Event{ev, ev})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Suppressed)

	got, err := f.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryUnsubscribed, got.Status)

	blocked, err := f.resolver.IsSuppressed(ctx, "a@example.com", "ev-other", "org-1")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = f.resolver.IsSuppressed(ctx, "a@example.com", "ev-other", "org-2")
	require.NoError(t, err)
	assert.False(t, blocked)
}
