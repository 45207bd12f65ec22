package store

import (
	"context"
	"fmt"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
)

// GetDeliveryMetrics returns aggregated delivery statistics from the database.
func (s *PostgresStore) GetDeliveryMetrics(ctx context.Context) (*domain.DeliveryMetrics, error) {
	var m domain.DeliveryMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'queued') AS queued,
			COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status = 'bounced' AND bounce_type = 'soft') AS soft_bounced,
			COUNT(*) FILTER (WHERE status = 'bounced' AND bounce_type = 'hard') AS hard_bounced,
			COUNT(*) FILTER (WHERE status = 'dropped') AS dropped,
			COUNT(*) FILTER (WHERE status = 'unsubscribed') AS unsubscribed
		FROM delivery_records
	`).Scan(&m.TotalDeliveries, &m.Queued, &m.Sent, &m.Delivered,
		&m.SoftBounced, &m.HardBounced, &m.Dropped, &m.Unsubscribed)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}
	m.SetRate()

	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM email_suppressions`).Scan(&m.Suppressions)
	if err != nil {
		return nil, fmt.Errorf("querying suppression count: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'scheduled'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM scheduled_instances
	`).Scan(&m.ScheduledInstances, &m.SentInstances, &m.FailedInstances)
	if err != nil {
		return nil, fmt.Errorf("querying instance counts: %w", err)
	}

	return &m, nil
}
