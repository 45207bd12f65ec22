package delivery

import (
	"testing"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/stretchr/testify/assert"
)

func rec(email string, status domain.DeliveryStatus, bounce domain.BounceType, retries int, updated time.Time) domain.DeliveryRecord {
	return domain.DeliveryRecord{
		RecipientEmail: email,
		Status:         status,
		BounceType:     bounce,
		RetryCount:     retries,
		UpdatedAt:      updated,
	}
}

func TestSummarize(t *testing.T) {
	now := time.Now()
	records := []domain.DeliveryRecord{
		rec("a@example.com", domain.DeliveryDelivered, "", 0, now),
		rec("b@example.com", domain.DeliveryDelivered, "", 0, now),
		rec("c@example.com", domain.DeliveryBounced, domain.BounceHard, 0, now),
		rec("d@example.com", domain.DeliveryBounced, domain.BounceSoft, 1, now),
		rec("e@example.com", domain.DeliveryBounced, domain.BounceSoft, 3, now),
		rec("f@example.com", domain.DeliverySent, "", 0, now),
		rec("g@example.com", domain.DeliveryUnsubscribed, "", 0, now),
		rec("h@example.com", domain.DeliveryDropped, "", 0, now),
	}

	s := Summarize(records, 10, DefaultRetryPolicy())

	assert.Equal(t, 10, s.Recipients)
	assert.Equal(t, 2, s.Delivered)
	assert.Equal(t, 3, s.Bounced)
	assert.Equal(t, 1, s.Retrying)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.Unsubscribed)
	assert.Equal(t, 1, s.Dropped)
	assert.InDelta(t, 0.2, s.DeliveryRate, 1e-9)
}

func TestSummarize_ZeroFrozenCount(t *testing.T) {
	s := Summarize(nil, 0, DefaultRetryPolicy())
	assert.Equal(t, 0.0, s.DeliveryRate)

	s = Summarize([]domain.DeliveryRecord{rec("a@example.com", domain.DeliveryDelivered, "", 0, time.Now())}, 0, DefaultRetryPolicy())
	assert.Equal(t, 0.0, s.DeliveryRate)
	assert.Equal(t, 0, s.Delivered+s.Bounced+s.Dropped+s.Unsubscribed+s.Pending)
}

func TestSummarize_OneRecordPerAddress(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	now := time.Now()
	records := []domain.DeliveryRecord{
		rec("a@example.com", domain.DeliveryBounced, domain.BounceSoft, 1, old),
		rec("A@Example.com", domain.DeliveryDelivered, "", 1, now),
		rec("b@example.com", domain.DeliveryDelivered, "", 0, now),
	}

	s := Summarize(records, 2, DefaultRetryPolicy())

	assert.Equal(t, 2, s.Delivered)
	assert.Equal(t, 0, s.Bounced)
	assert.Equal(t, 1.0, s.DeliveryRate)
}

func TestSummarize_NeverExceedsFrozenCount(t *testing.T) {
	now := time.Now()
	records := []domain.DeliveryRecord{
		rec("a@example.com", domain.DeliveryDelivered, "", 0, now),
		rec("b@example.com", domain.DeliveryDelivered, "", 0, now),
		rec("c@example.com", domain.DeliverySent, "", 0, now),
		rec("d@example.com", domain.DeliveryBounced, domain.BounceHard, 0, now),
	}

	s := Summarize(records, 3, DefaultRetryPolicy())

	total := s.Delivered + s.Bounced + s.Dropped + s.Unsubscribed + s.Pending
	assert.LessOrEqual(t, total, 3)
	assert.Equal(t, 0, s.Pending)
	assert.Equal(t, 2, s.Delivered)
	assert.LessOrEqual(t, s.Failed+s.Retrying, s.Bounced)
}
