package delivery

import "github.com/beaulazear/voxxy-campaign-engine/internal/domain"

// allowed lists the forward transitions of the delivery state machine.
// Unsubscribed is handled separately: it is reachable from every state but
// itself.
var allowed = map[domain.DeliveryStatus][]domain.DeliveryStatus{
	domain.DeliveryQueued: {domain.DeliverySent, domain.DeliveryDelivered, domain.DeliveryBounced, domain.DeliveryDropped},
	domain.DeliverySent:   {domain.DeliveryDelivered, domain.DeliveryBounced, domain.DeliveryDropped},
	// Only soft bounces leave bounced; see CanTransition.
	domain.DeliveryBounced: {domain.DeliverySent, domain.DeliveryDelivered, domain.DeliveryDropped},
}

// IsTerminal reports whether a record in this state can only move to
// unsubscribed.
func IsTerminal(status domain.DeliveryStatus, bounce domain.BounceType) bool {
	switch status {
	case domain.DeliveryDelivered, domain.DeliveryDropped, domain.DeliveryUnsubscribed:
		return true
	case domain.DeliveryBounced:
		return bounce != domain.BounceSoft
	}
	return false
}

// CanTransition reports whether a record in from (with bounce classification
// bounce) may move to to.
func CanTransition(from domain.DeliveryStatus, bounce domain.BounceType, to domain.DeliveryStatus) bool {
	if to == domain.DeliveryUnsubscribed {
		return from != domain.DeliveryUnsubscribed
	}
	if IsTerminal(from, bounce) {
		return false
	}
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}
