package delivery

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	st := memory.New()
	return NewTracker(st, DefaultRetryPolicy(), logger), st
}

// racingRepo hides the first lookup so the insert collides with a record
// written by a concurrent dispatch.
type racingRepo struct {
	*memory.Store
	hidden bool
}

func (r *racingRepo) GetDeliveryByMessageID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	if !r.hidden {
		r.hidden = true
		return nil, domain.ErrNotFound
	}
	return r.Store.GetDeliveryByMessageID(ctx, id)
}

// callbackFirstRepo lets a delivered callback land between the dispatch
// lookup and its write.
type callbackFirstRepo struct {
	*memory.Store
	raced bool
}

func (r *callbackFirstRepo) UpdateDelivery(ctx context.Context, rec *domain.DeliveryRecord, from domain.DeliveryStatus) error {
	if !r.raced {
		r.raced = true
		cur, err := r.Store.GetDelivery(ctx, rec.ID)
		if err != nil {
			return err
		}
		prev := cur.Status
		cur.Status = domain.DeliveryDelivered
		if err := r.Store.UpdateDelivery(ctx, cur, prev); err != nil {
			return err
		}
	}
	return r.Store.UpdateDelivery(ctx, rec, from)
}

type recordingObserver struct {
	transitions []string
}

func (o *recordingObserver) DeliveryTransitioned(_ context.Context, rec *domain.DeliveryRecord, from domain.DeliveryStatus) {
	o.transitions = append(o.transitions, string(from)+"->"+string(rec.Status))
}

func TestRecordDispatch_CreatesQueuedRecord(t *testing.T) {
	tr, _ := newTestTracker(t)

	rec, err := tr.RecordDispatch(context.Background(), "msg-1", " Vendor@Example.com", domain.InstanceOrigin("inst-1", "reg-1"))
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, domain.DeliveryQueued, rec.Status)
	assert.Equal(t, "vendor@example.com", rec.RecipientEmail)
	assert.Equal(t, "inst-1", rec.ScheduledInstanceID)
	assert.Equal(t, "reg-1", rec.RegistrationID)
	assert.Empty(t, rec.InvitationID)
}

func TestRecordDispatch_DuplicateUpdatesExisting(t *testing.T) {
	tr, st := newTestTracker(t)
	ctx := context.Background()

	first, err := tr.RecordDispatch(ctx, "msg-1", "a@example.com", domain.InstanceOrigin("inst-1", ""))
	require.NoError(t, err)
	second, err := tr.RecordDispatch(ctx, "msg-1", "b@example.com", domain.InstanceOrigin("inst-1", "reg-2"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	all, err := st.ListDeliveries(ctx, domain.DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b@example.com", all[0].RecipientEmail)
	assert.Equal(t, "reg-2", all[0].RegistrationID)
}

func TestRecordDispatch_DuplicateKeepsProgressedStatus(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.RecordDispatch(ctx, "msg-1", "a@example.com", domain.InvitationOrigin("inv-1"))
	require.NoError(t, err)
	_, err = tr.ReconcileCallback(ctx, "msg-1", domain.DeliveryDelivered, domain.BounceNone)
	require.NoError(t, err)

	rec, err := tr.RecordDispatch(ctx, "msg-1", "a@example.com", domain.InvitationOrigin("inv-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, rec.Status)
}

func TestRecordDispatch_DuplicateDuringCallbackKeepsBoth(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	st := memory.New()
	ctx := context.Background()

	existing := &domain.DeliveryRecord{ID: "del-1", ProviderMessageID: "msg-1", RecipientEmail: "a@example.com", Status: domain.DeliverySent, ScheduledInstanceID: "inst-1"}
	require.NoError(t, st.InsertDelivery(ctx, existing))

	tr := NewTracker(&callbackFirstRepo{Store: st}, DefaultRetryPolicy(), logger)
	rec, err := tr.RecordDispatch(ctx, "msg-1", "b@example.com", domain.InstanceOrigin("inst-1", "reg-2"))
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, rec.Status)

	stored, err := st.GetDelivery(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, stored.Status, "the callback is not rolled back")
	assert.Equal(t, "b@example.com", stored.RecipientEmail)
	assert.Equal(t, "reg-2", stored.RegistrationID)
}

func TestRecordDispatch_InsertRaceBecomesUpdate(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	st := memory.New()
	ctx := context.Background()

	winner := &domain.DeliveryRecord{ID: "winner", ProviderMessageID: "msg-1", RecipientEmail: "a@example.com", Status: domain.DeliveryQueued, ScheduledInstanceID: "inst-1"}
	require.NoError(t, st.InsertDelivery(ctx, winner))

	tr := NewTracker(&racingRepo{Store: st}, DefaultRetryPolicy(), logger)
	rec, err := tr.RecordDispatch(ctx, "msg-1", "a@example.com", domain.InstanceOrigin("inst-1", "reg-1"))
	require.NoError(t, err)
	assert.Equal(t, "winner", rec.ID)

	all, err := st.ListDeliveries(ctx, domain.DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "reg-1", all[0].RegistrationID)
}

func TestRecordDispatch_Validation(t *testing.T) {
	tr, st := newTestTracker(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		msgID  string
		email  string
		origin domain.Origin
	}{
		{"missing provider id", "", "a@example.com", domain.InstanceOrigin("inst-1", "")},
		{"missing address", "msg-1", " ", domain.InstanceOrigin("inst-1", "")},
		{"invitation with registration", "msg-1", "a@example.com", domain.Origin{Kind: domain.OriginInvitation, ID: "inv-1", RegistrationID: "reg-1"}},
		{"no origin", "msg-1", "a@example.com", domain.Origin{}},
		{"instance without id", "msg-1", "a@example.com", domain.InstanceOrigin("", "reg-1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.RecordDispatch(ctx, tt.msgID, tt.email, tt.origin)
			assert.True(t, domain.IsValidation(err), "got %v", err)
		})
	}

	all, err := st.ListDeliveries(ctx, domain.DeliveryFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReconcileCallback_UnknownMessageIsAbsorbed(t *testing.T) {
	tr, _ := newTestTracker(t)

	rec, err := tr.ReconcileCallback(context.Background(), "nope", domain.DeliveryDelivered, domain.BounceNone)
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReconcileCallback_Validation(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.ReconcileCallback(ctx, "msg-1", "opened", domain.BounceNone)
	assert.True(t, domain.IsValidation(err))

	_, err = tr.ReconcileCallback(ctx, "msg-1", domain.DeliveryBounced, "medium")
	assert.True(t, domain.IsValidation(err))

	_, err = tr.ReconcileCallback(ctx, "msg-1", domain.DeliveryDelivered, domain.BounceHard)
	assert.True(t, domain.IsValidation(err))
}

func TestReconcileCallback_Transitions(t *testing.T) {
	tests := []struct {
		name       string
		steps      []domain.DeliveryStatus
		bounce     domain.BounceType
		wantStatus domain.DeliveryStatus
	}{
		{"canonical path", []domain.DeliveryStatus{domain.DeliverySent, domain.DeliveryDelivered}, "", domain.DeliveryDelivered},
		{"delivered is terminal", []domain.DeliveryStatus{domain.DeliveryDelivered, domain.DeliverySent}, "", domain.DeliveryDelivered},
		{"late bounce after delivery ignored", []domain.DeliveryStatus{domain.DeliveryDelivered, domain.DeliveryBounced}, "", domain.DeliveryDelivered},
		{"unsubscribe after delivery", []domain.DeliveryStatus{domain.DeliveryDelivered, domain.DeliveryUnsubscribed}, "", domain.DeliveryUnsubscribed},
		{"unsubscribe is terminal", []domain.DeliveryStatus{domain.DeliveryUnsubscribed, domain.DeliveryDelivered}, "", domain.DeliveryUnsubscribed},
		{"dropped is terminal", []domain.DeliveryStatus{domain.DeliveryDropped, domain.DeliveryDelivered}, "", domain.DeliveryDropped},
		{"queued never re-entered", []domain.DeliveryStatus{domain.DeliverySent, domain.DeliveryQueued}, "", domain.DeliverySent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, st := newTestTracker(t)
			ctx := context.Background()
			_, err := tr.RecordDispatch(ctx, "msg-1", "a@example.com", domain.InstanceOrigin("inst-1", ""))
			require.NoError(t, err)

			for _, s := range tt.steps {
				var bt domain.BounceType
				if s == domain.DeliveryBounced {
					bt = domain.BounceSoft
				}
				_, err := tr.ReconcileCallback(ctx, "msg-1", s, bt)
				require.NoError(t, err)
			}

			rec, err := st.GetDeliveryByMessageID(ctx, "msg-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status)
		})
	}
}

func TestReconcileCallback_ReplayIsNoop(t *testing.T) {
	tr, _ := newTestTracker(t)
	obs := &recordingObserver{}
	tr.SetObserver(obs)
	ctx := context.Background()

	_, err := tr.RecordDispatch(ctx, "msg-1", "a@example.com", domain.InstanceOrigin("inst-1", ""))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := tr.ReconcileCallback(ctx, "msg-1", domain.DeliveryDelivered, domain.BounceNone)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"queued->delivered"}, obs.transitions)
}

func TestReconcileCallback_HardBounceIsTerminal(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.RecordDispatch(ctx, "msg-1", "a@example.com", domain.InstanceOrigin("inst-1", ""))
	require.NoError(t, err)
	rec, err := tr.ReconcileCallback(ctx, "msg-1", domain.DeliveryBounced, domain.BounceHard)
	require.NoError(t, err)
	assert.False(t, tr.Retryable(rec))

	rec, err = tr.ReconcileCallback(ctx, "msg-1", domain.DeliveryDelivered, domain.BounceNone)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryBounced, rec.Status)

	_, err = tr.RecordRetryDispatch(ctx, rec, "msg-2")
	assert.True(t, domain.IsValidation(err))
}

func TestReconcileCallback_HardUpgradesSoft(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.RecordDispatch(ctx, "msg-1", "a@example.com", domain.InstanceOrigin("inst-1", ""))
	require.NoError(t, err)
	_, err = tr.ReconcileCallback(ctx, "msg-1", domain.DeliveryBounced, domain.BounceSoft)
	require.NoError(t, err)
	rec, err := tr.ReconcileCallback(ctx, "msg-1", domain.DeliveryBounced, domain.BounceHard)
	require.NoError(t, err)

	assert.Equal(t, domain.BounceHard, rec.BounceType)
	assert.False(t, tr.Retryable(rec))
}

func TestRetry_SoftBounceExhaustsAfterMaxRetries(t *testing.T) {
	tr, _ := newTestTracker(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }
	ctx := context.Background()

	_, err := tr.RecordDispatch(ctx, "msg-0", "a@example.com", domain.InstanceOrigin("inst-1", "reg-1"))
	require.NoError(t, err)
	rec, err := tr.ReconcileCallback(ctx, "msg-0", domain.DeliveryBounced, domain.BounceSoft)
	require.NoError(t, err)

	wantDelays := []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute}
	for i, want := range wantDelays {
		require.True(t, tr.Retryable(rec), "attempt %d", i)

		rec, err = tr.ScheduleRetry(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, i+1, rec.RetryCount)
		assert.Equal(t, domain.DeliveryBounced, rec.Status)
		require.NotNil(t, rec.NextRetryAt)
		assert.WithinDuration(t, base.Add(want), *rec.NextRetryAt, time.Second)

		msgID := []string{"msg-1", "msg-2", "msg-3"}[i]
		rec, err = tr.RecordRetryDispatch(ctx, rec, msgID)
		require.NoError(t, err)
		assert.Equal(t, domain.DeliverySent, rec.Status)
		assert.Nil(t, rec.NextRetryAt)

		rec, err = tr.ReconcileCallback(ctx, msgID, domain.DeliveryBounced, domain.BounceSoft)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, rec.RetryCount)
	assert.False(t, tr.Retryable(rec))

	again, err := tr.ScheduleRetry(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 3, again.RetryCount)
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.InDelta(t, float64(5*time.Minute), float64(p.Delay(0)), float64(time.Second))
	assert.InDelta(t, float64(40*time.Minute), float64(p.Delay(3)), float64(time.Second))
	assert.InDelta(t, float64(2*time.Hour), float64(p.Delay(10)), float64(time.Second))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from   domain.DeliveryStatus
		bounce domain.BounceType
		to     domain.DeliveryStatus
		want   bool
	}{
		{domain.DeliveryQueued, "", domain.DeliverySent, true},
		{domain.DeliverySent, "", domain.DeliveryDelivered, true},
		{domain.DeliverySent, "", domain.DeliveryQueued, false},
		{domain.DeliveryBounced, domain.BounceSoft, domain.DeliverySent, true},
		{domain.DeliveryBounced, domain.BounceHard, domain.DeliverySent, false},
		{domain.DeliveryBounced, domain.BounceHard, domain.DeliveryUnsubscribed, true},
		{domain.DeliveryDelivered, "", domain.DeliveryBounced, false},
		{domain.DeliveryDropped, "", domain.DeliveryUnsubscribed, true},
		{domain.DeliveryUnsubscribed, "", domain.DeliveryUnsubscribed, false},
	}
	for _, tt := range tests {
		got := CanTransition(tt.from, tt.bounce, tt.to)
		assert.Equal(t, tt.want, got, "%s(%s) -> %s", tt.from, tt.bounce, tt.to)
	}

	assert.True(t, IsTerminal(domain.DeliveryDelivered, ""))
	assert.True(t, IsTerminal(domain.DeliveryBounced, domain.BounceHard))
	assert.False(t, IsTerminal(domain.DeliveryBounced, domain.BounceSoft))
	assert.False(t, IsTerminal(domain.DeliverySent, ""))
}
