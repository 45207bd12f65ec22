// Package webhook turns provider event notifications into delivery status
// callbacks and suppression rows.
package webhook

import (
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
)

// Event is one provider notification normalized to the engine's vocabulary.
// Suppress is the scope the recipient is blocked at, or empty for none.
type Event struct {
	Provider  string                  `json:"provider"`
	Type      string                  `json:"type"`
	MessageID string                  `json:"message_id"`
	Recipient string                  `json:"recipient"`
	Status    domain.DeliveryStatus   `json:"status"`
	Bounce    domain.BounceType       `json:"bounce_type,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
	Suppress  domain.SuppressionScope `json:"suppress,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// hardBounceClasses are the SparkPost bounce classes that will never succeed
// on retry: invalid recipient, admin failure, generic no-recipient and
// unsubscribe.
var hardBounceClasses = map[string]bool{
	"10": true,
	"25": true,
	"30": true,
	"90": true,
}

// classifySparkPost maps a SparkPost event type to a status. ok is false for
// types that carry no delivery outcome, such as opens and delays.
func classifySparkPost(eventType, bounceClass string) (status domain.DeliveryStatus, bounce domain.BounceType, suppress domain.SuppressionScope, ok bool) {
	switch eventType {
	case "injection":
		return domain.DeliverySent, domain.BounceNone, "", true
	case "delivery":
		return domain.DeliveryDelivered, domain.BounceNone, "", true
	case "bounce", "out_of_band":
		if hardBounceClasses[bounceClass] {
			return domain.DeliveryBounced, domain.BounceHard, "", true
		}
		return domain.DeliveryBounced, domain.BounceSoft, "", true
	case "policy_rejection", "generation_failure", "generation_rejection":
		return domain.DeliveryDropped, domain.BounceNone, "", true
	case "spam_complaint":
		return domain.DeliveryUnsubscribed, domain.BounceNone, domain.ScopeGlobal, true
	case "list_unsubscribe", "link_unsubscribe":
		return domain.DeliveryUnsubscribed, domain.BounceNone, domain.ScopeOrganization, true
	}
	return "", "", "", false
}

// classifySES maps an SES notification or event type.
func classifySES(eventType, bounceType string) (status domain.DeliveryStatus, bounce domain.BounceType, suppress domain.SuppressionScope, ok bool) {
	switch eventType {
	case "Send":
		return domain.DeliverySent, domain.BounceNone, "", true
	case "Delivery":
		return domain.DeliveryDelivered, domain.BounceNone, "", true
	case "Bounce":
		if bounceType == "Permanent" {
			return domain.DeliveryBounced, domain.BounceHard, "", true
		}
		return domain.DeliveryBounced, domain.BounceSoft, "", true
	case "Reject", "Rendering Failure":
		return domain.DeliveryDropped, domain.BounceNone, "", true
	case "Complaint":
		return domain.DeliveryUnsubscribed, domain.BounceNone, domain.ScopeGlobal, true
	case "Subscription":
		return domain.DeliveryUnsubscribed, domain.BounceNone, domain.ScopeOrganization, true
	}
	return "", "", "", false
}
