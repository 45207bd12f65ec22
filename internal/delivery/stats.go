package delivery

import "github.com/beaulazear/voxxy-campaign-engine/internal/domain"

// Stats is the delivery summary of one scheduled instance.
type Stats struct {
	Recipients   int     `json:"recipients"`
	Delivered    int     `json:"delivered"`
	Bounced      int     `json:"bounced"`
	Dropped      int     `json:"dropped"`
	Unsubscribed int     `json:"unsubscribed"`
	Pending      int     `json:"pending"`
	Retrying     int     `json:"retrying"`
	Failed       int     `json:"failed"`
	DeliveryRate float64 `json:"delivery_rate"`
}

// Summarize aggregates stored records against the instance's frozen
// recipient count. Each address counts once, by its most recently updated
// record, and the per-status counts never add up to more than frozenCount.
//
// Pending covers queued and sent records. Bounced records are split into
// Retrying (soft with attempts left) and Failed (hard, or soft with retries
// exhausted); both are included in Bounced.
func Summarize(records []domain.DeliveryRecord, frozenCount int, policy RetryPolicy) Stats {
	if frozenCount < 0 {
		frozenCount = 0
	}

	latest := make(map[string]*domain.DeliveryRecord, len(records))
	for i := range records {
		rec := &records[i]
		key := domain.NormalizeEmail(rec.RecipientEmail)
		if prev, ok := latest[key]; ok && !rec.UpdatedAt.After(prev.UpdatedAt) {
			continue
		}
		latest[key] = rec
	}

	s := Stats{Recipients: frozenCount}
	for _, rec := range latest {
		switch rec.Status {
		case domain.DeliveryQueued, domain.DeliverySent:
			s.Pending++
		case domain.DeliveryDelivered:
			s.Delivered++
		case domain.DeliveryBounced:
			s.Bounced++
			if policy.Retryable(rec) {
				s.Retrying++
			} else {
				s.Failed++
			}
		case domain.DeliveryDropped:
			s.Dropped++
		case domain.DeliveryUnsubscribed:
			s.Unsubscribed++
		}
	}

	// Trim the least settled buckets first when records outnumber the frozen
	// count.
	excess := s.Pending + s.Unsubscribed + s.Dropped + s.Bounced + s.Delivered - frozenCount
	for _, bucket := range []*int{&s.Pending, &s.Unsubscribed, &s.Dropped, &s.Bounced, &s.Delivered} {
		if excess <= 0 {
			break
		}
		cut := min(*bucket, excess)
		*bucket -= cut
		excess -= cut
	}
	s.Retrying = min(s.Retrying, s.Bounced)
	s.Failed = min(s.Failed, s.Bounced-s.Retrying)

	if frozenCount > 0 {
		s.DeliveryRate = float64(s.Delivered) / float64(frozenCount)
	}
	return s
}
