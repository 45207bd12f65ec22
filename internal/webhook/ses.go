package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
)

// snsEnvelope is the Amazon SNS wrapper SES notifications arrive in.
type snsEnvelope struct {
	Type         string `json:"Type"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

// sesNotification covers both the legacy notification format
// (notificationType) and configuration set event publishing (eventType).
type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID   string    `json:"messageId"`
		Timestamp   time.Time `json:"timestamp"`
		Destination []string  `json:"destination"`
	} `json:"mail"`
	Bounce struct {
		BounceType        string         `json:"bounceType"`
		BounceSubType     string         `json:"bounceSubType"`
		BouncedRecipients []sesRecipient `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint struct {
		ComplainedRecipients []sesRecipient `json:"complainedRecipients"`
	} `json:"complaint"`
	Reject struct {
		Reason string `json:"reason"`
	} `json:"reject"`
}

// SESResult is a decoded SES webhook body.
type SESResult struct {
	Events []Event
	// SubscribeURL is set when SNS asks for the subscription to be confirmed.
	SubscribeURL string
}

// ParseSES decodes an SES notification, either wrapped in an SNS envelope or
// posted bare. One notification yields an event per affected recipient.
func ParseSES(body []byte) (*SESResult, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding ses notification: %w", err)
	}

	switch env.Type {
	case "SubscriptionConfirmation", "UnsubscribeConfirmation":
		return &SESResult{SubscribeURL: env.SubscribeURL}, nil
	case "Notification":
		body = []byte(env.Message)
	}

	var n sesNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decoding ses message: %w", err)
	}

	eventType := n.EventType
	if eventType == "" {
		eventType = n.NotificationType
	}
	status, bounce, suppress, ok := classifySES(eventType, n.Bounce.BounceType)
	if !ok {
		return &SESResult{}, nil
	}

	recipients := n.Mail.Destination
	reason := ""
	switch eventType {
	case "Bounce":
		recipients = addresses(n.Bounce.BouncedRecipients)
		reason = n.Bounce.BounceType + "/" + n.Bounce.BounceSubType
	case "Complaint":
		recipients = addresses(n.Complaint.ComplainedRecipients)
	case "Reject":
		reason = n.Reject.Reason
	}

	res := &SESResult{Events: make([]Event, 0, len(recipients))}
	for _, rcpt := range recipients {
		res.Events = append(res.Events, Event{
			Provider:  esp.ProviderSES,
			Type:      eventType,
			MessageID: n.Mail.MessageID,
			Recipient: rcpt,
			Status:    status,
			Bounce:    bounce,
			Reason:    reason,
			Suppress:  suppress,
			Timestamp: n.Mail.Timestamp.UTC(),
		})
	}
	return res, nil
}

func addresses(rs []sesRecipient) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.EmailAddress)
	}
	return out
}
