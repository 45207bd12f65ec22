package domain

// DeliveryMetrics is the dashboard summary across every delivery record,
// suppression and scheduled instance.
type DeliveryMetrics struct {
	TotalDeliveries    int     `json:"total_deliveries"`
	Queued             int     `json:"queued"`
	Sent               int     `json:"sent"`
	Delivered          int     `json:"delivered"`
	SoftBounced        int     `json:"soft_bounced"`
	HardBounced        int     `json:"hard_bounced"`
	Dropped            int     `json:"dropped"`
	Unsubscribed       int     `json:"unsubscribed"`
	DeliveryRate       float64 `json:"delivery_rate"`
	Suppressions       int     `json:"suppressions"`
	ScheduledInstances int     `json:"scheduled_instances"`
	SentInstances      int     `json:"sent_instances"`
	FailedInstances    int     `json:"failed_instances"`
}

// SetRate fills DeliveryRate as delivered over total, in percent.
func (m *DeliveryMetrics) SetRate() {
	if m.TotalDeliveries > 0 {
		m.DeliveryRate = float64(m.Delivered) / float64(m.TotalDeliveries) * 100
	}
}
