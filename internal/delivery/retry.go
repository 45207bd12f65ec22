package delivery

import (
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/cenkalti/backoff/v5"
)

// DefaultMaxRetries bounds soft-bounce retries per record.
const DefaultMaxRetries = 3

// RetryPolicy decides whether and when a soft-bounced record is retried.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the backoff randomization factor; zero makes delays exact.
	Jitter float64
}

// DefaultRetryPolicy retries three times at 5m, 10m and 20m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: 5 * time.Minute,
		MaxBackoff:     2 * time.Hour,
		Multiplier:     2,
	}
}

// Retryable is true exactly when the record soft-bounced and has attempts
// left.
func (p RetryPolicy) Retryable(rec *domain.DeliveryRecord) bool {
	return rec.Status == domain.DeliveryBounced &&
		rec.BounceType == domain.BounceSoft &&
		rec.RetryCount < p.MaxRetries
}

// Delay returns the wait before retry number attempt (zero-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialBackoff,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxBackoff,
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
