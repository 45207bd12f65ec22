package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
	"github.com/beaulazear/voxxy-campaign-engine/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var approvedOrConfirmed = domain.FilterCriteria{Statuses: []string{"approved", "confirmed"}}

func TestScheduler_RunInstanceSendsAndFreezesCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putInstance("inst-1", time.Now().Add(-time.Minute), approvedOrConfirmed)

	res, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceSent, res.Status)
	assert.Equal(t, 2, res.Recipients)
	assert.Equal(t, 2, res.Sent)
	assert.Zero(t, res.Failed)

	inst, err := h.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceSent, inst.Status)
	assert.Equal(t, 2, inst.RecipientCount)
	assert.NotNil(t, inst.SentAt)

	records, err := h.store.ListDeliveries(ctx, domain.DeliveryFilter{ScheduledInstanceID: "inst-1"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, domain.DeliveryQueued, rec.Status)
		assert.NotEmpty(t, rec.RegistrationID)
		assert.Empty(t, rec.InvitationID)

		msg, err := h.messages.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.RecipientEmail, msg.To)
	}

	require.Equal(t, 2, h.esp.count())
	for _, msg := range h.esp.sent {
		assert.True(t, strings.HasPrefix(msg.Subject, "Hi "), msg.Subject)
		assert.NotContains(t, msg.Subject, "Lopez")
		assert.Contains(t, msg.HTML, "Spring Market")
		assert.Contains(t, msg.Headers["List-Unsubscribe"], "/unsubscribe?")
		assert.Equal(t, "org-1", msg.Metadata[esp.MetadataOrganizationID])
		assert.Equal(t, "inst-1", msg.Metadata[esp.MetadataInstanceID])
		assert.Equal(t, "hello@voxxy.example", msg.FromEmail)
	}
}

func TestScheduler_SkipsSuppressedRecipients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putInstance("inst-1", time.Now().Add(-time.Minute), approvedOrConfirmed)

	_, _, err := h.suppression.CreateOrFind(ctx, "BEN@example.com", domain.ScopeGlobal, "", "", domain.SourceAdminAction)
	require.NoError(t, err)

	res, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recipients)
	require.Equal(t, 1, h.esp.count())
	assert.Equal(t, "ana@example.com", h.esp.sent[0].To)
}

func TestScheduler_NotReady(t *testing.T) {
	h := newHarness(t)
	h.putInstance("inst-1", time.Now().Add(time.Hour), approvedOrConfirmed)

	res, err := h.scheduler.RunInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "not ready", res.Skipped)
	assert.Zero(t, h.esp.count())
}

// flakyInstances fails the first failures calls to MarkInstanceSent.
type flakyInstances struct {
	InstanceStore
	failures int
	calls    int
}

func (f *flakyInstances) MarkInstanceSent(ctx context.Context, id string, recipientCount int, sentAt time.Time) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset by peer")
	}
	return f.InstanceStore.MarkInstanceSent(ctx, id, recipientCount, sentAt)
}

func TestScheduler_RetriesMarkingInstanceSent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putInstance("inst-1", time.Now().Add(-time.Minute), approvedOrConfirmed)
	flaky := &flakyInstances{InstanceStore: h.store, failures: 2}
	h.scheduler.instances = flaky
	h.scheduler.cfg.MarkRetryInterval = time.Millisecond

	res, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceSent, res.Status)
	assert.Equal(t, 3, flaky.calls)

	inst, err := h.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceSent, inst.Status)
	assert.Equal(t, 2, inst.RecipientCount)
}

func TestScheduler_UnrecordedSendKeepsLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putInstance("inst-1", time.Now().Add(-time.Minute), approvedOrConfirmed)
	h.scheduler.instances = &flakyInstances{InstanceStore: h.store, failures: 100}
	h.scheduler.cfg.MarkRetryInterval = time.Millisecond

	_, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.Error(t, err)
	require.Equal(t, 2, h.esp.count())
	assert.True(t, h.mr.Exists("lock:instance:inst-1"), "the lock is left to expire")

	// The instance still reads as scheduled, but the next poll cannot claim it.
	h.scheduler.instances = h.store
	res, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "locked", res.Skipped)
	assert.Equal(t, 2, h.esp.count())
}

func TestScheduler_DoesNotResendSentInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putInstance("inst-1", time.Now().Add(-time.Minute), approvedOrConfirmed)

	_, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.NoError(t, err)
	res, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.NoError(t, err)

	assert.Equal(t, "not ready", res.Skipped)
	assert.Equal(t, 2, h.esp.count())
}

func TestScheduler_SkipsLockedInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putInstance("inst-1", time.Now().Add(-time.Minute), approvedOrConfirmed)

	held := lock.New(h.redis, "instance:inst-1", time.Minute)
	ok, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "locked", res.Skipped)
	assert.Zero(t, h.esp.count())
}

func TestScheduler_AllSendsRejectedFailsInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putInstance("inst-1", time.Now().Add(-time.Minute), approvedOrConfirmed)
	h.esp.fail = func(esp.Message) error {
		return &esp.ProviderError{Provider: "fake", StatusCode: 400, Body: "invalid sender"}
	}

	res, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceFailed, res.Status)
	assert.Equal(t, 2, res.Failed)

	inst, err := h.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceFailed, inst.Status)
	assert.Contains(t, inst.ErrorMessage, "no message accepted")
	assert.Zero(t, inst.RecipientCount)
}

func TestScheduler_PartialFailureStillSends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putInstance("inst-1", time.Now().Add(-time.Minute), approvedOrConfirmed)
	h.esp.fail = func(msg esp.Message) error {
		if msg.To == "ben@example.com" {
			return errors.New("connection reset")
		}
		return nil
	}

	res, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceSent, res.Status)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)

	inst, err := h.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 2, inst.RecipientCount)
}

func TestScheduler_EmptyRecipientSetIsSent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putInstance("inst-1", time.Now().Add(-time.Minute), domain.FilterCriteria{Statuses: []string{"waitlisted"}})

	res, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceSent, res.Status)

	inst, err := h.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Zero(t, inst.RecipientCount)
}

func TestScheduler_BadTemplateFailsInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutCampaignItem(domain.CampaignItem{
		ID:              "item-1",
		Category:        "reminder",
		TriggerType:     domain.TriggerDaysBeforeEvent,
		SubjectTemplate: "Hi",
		BodyTemplate:    "{% if name %}never closed",
	})
	h.putInstance("inst-1", time.Now().Add(-time.Minute), approvedOrConfirmed)

	res, err := h.scheduler.RunInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceFailed, res.Status)
	assert.Zero(t, h.esp.count())
}

func TestScheduler_PollRunsDueInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putInstance("inst-due", time.Now().Add(-30*time.Minute), approvedOrConfirmed)
	h.putInstance("inst-later", time.Now().Add(time.Hour), approvedOrConfirmed)

	h.scheduler.Poll(ctx)

	due, err := h.store.GetInstance(ctx, "inst-due")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceSent, due.Status)

	later, err := h.store.GetInstance(ctx, "inst-later")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceScheduled, later.Status)
}
