package worker

import (
	"context"
	"testing"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
	"github.com/beaulazear/voxxy-campaign-engine/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bouncedWithoutRetry leaves a soft bounce whose retry was never scheduled,
// as when the webhook that reported it failed and was not redelivered.
func (h *harness) bouncedWithoutRetry(t *testing.T, providerID, email string) *domain.DeliveryRecord {
	t.Helper()
	ctx := context.Background()

	rec, err := h.tracker.RecordDispatch(ctx, providerID, email, domain.InstanceOrigin("inst-1", ""))
	require.NoError(t, err)
	require.NoError(t, h.messages.Put(ctx, rec.ID, esp.Message{
		To:       email,
		Subject:  "Load-in details",
		Metadata: map[string]string{esp.MetadataOrganizationID: "org-1"},
	}))
	rec, err = h.tracker.ReconcileCallback(ctx, providerID, domain.DeliveryBounced, domain.BounceSoft)
	require.NoError(t, err)
	return rec
}

func (h *harness) sweeper(at time.Time) *RetrySweeper {
	s := NewRetrySweeper(SweeperConfig{Interval: time.Minute, Grace: 5 * time.Minute}, h.tracker, h.retries, h.redis, h.logger)
	s.now = func() time.Time { return at }
	return s
}

func TestRetrySweeper_SchedulesUnqueuedSoftBounce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.bouncedWithoutRetry(t, "msg-1", "ana@example.com")

	queued, err := h.sweeper(time.Now().Add(10*time.Minute)).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	got, err := h.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)

	jobs, err := h.queue.ClaimDue(ctx, got.NextRetryAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, rec.ID, jobs[0].DeliveryID)
	assert.Equal(t, "org-1", jobs[0].OrganizationID)
}

func TestRetrySweeper_LeavesFreshBounceToWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.bouncedWithoutRetry(t, "msg-1", "ana@example.com")

	queued, err := h.sweeper(time.Now()).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)

	got, err := h.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)
}

func TestRetrySweeper_RestoresLostJobWithoutConsumingRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.bouncedWithoutRetry(t, "msg-1", "ana@example.com")

	_, err := h.retries.Ensure(ctx, rec)
	require.NoError(t, err)

	// A second sweep finds the job still queued.
	queued, err := h.sweeper(time.Now().Add(time.Hour)).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)

	h.mr.Del(engine.RetryQueueKey)
	h.mr.Del(engine.RetryJobsKey)

	queued, err = h.sweeper(time.Now().Add(time.Hour)).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	got, err := h.store.GetDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)

	depth, err := h.queue.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRetrySweeper_SkipsExhaustedAndExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.bouncedWithoutRetry(t, "msg-1", "ana@example.com")

	exhausted := *rec
	exhausted.RetryCount = h.tracker.Policy().MaxRetries
	require.NoError(t, h.store.UpdateDelivery(ctx, &exhausted, domain.DeliveryBounced))

	queued, err := h.sweeper(time.Now().Add(10*time.Minute)).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued, "no retries left")

	h.bouncedWithoutRetry(t, "msg-2", "ben@example.com")
	queued, err = h.sweeper(time.Now().Add(48*time.Hour)).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued, "the cached message is gone by now")
}

func TestRetrySweeper_OneSweepAtATime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bouncedWithoutRetry(t, "msg-1", "ana@example.com")

	held := lock.New(h.redis, "retry-sweep", time.Minute)
	ok, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	queued, err := h.sweeper(time.Now().Add(10*time.Minute)).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
}
