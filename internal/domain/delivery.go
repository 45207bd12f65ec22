package domain

import (
	"time"
)

// DeliveryStatus is the lifecycle state of a single recipient's message.
type DeliveryStatus string

const (
	DeliveryQueued       DeliveryStatus = "queued"
	DeliverySent         DeliveryStatus = "sent"
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryBounced      DeliveryStatus = "bounced"
	DeliveryDropped      DeliveryStatus = "dropped"
	DeliveryUnsubscribed DeliveryStatus = "unsubscribed"
)

// ParseDeliveryStatus validates a status reported by a caller or a provider.
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch st := DeliveryStatus(s); st {
	case DeliveryQueued, DeliverySent, DeliveryDelivered, DeliveryBounced, DeliveryDropped, DeliveryUnsubscribed:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Message: "unknown delivery status " + quote(s)}
}

// BounceType classifies a bounce. Soft bounces are retryable.
type BounceType string

const (
	BounceNone BounceType = ""
	BounceSoft BounceType = "soft"
	BounceHard BounceType = "hard"
)

// ParseBounceType accepts "", "soft" and "hard".
func ParseBounceType(s string) (BounceType, error) {
	switch bt := BounceType(s); bt {
	case BounceNone, BounceSoft, BounceHard:
		return bt, nil
	}
	return "", &ValidationError{Field: "bounce_type", Message: "unknown bounce type " + quote(s)}
}

// OriginKind tags which resource a delivery was sent on behalf of.
type OriginKind string

const (
	OriginScheduledInstance OriginKind = "scheduled_instance"
	OriginInvitation        OriginKind = "invitation"
)

// Origin identifies exactly one of {ScheduledInstance, Invitation} and,
// for scheduled sends only, the registration the address came from.
type Origin struct {
	Kind           OriginKind `json:"kind"`
	ID             string     `json:"id"`
	RegistrationID string     `json:"registration_id,omitempty"`
}

// InstanceOrigin builds the origin for a scheduled campaign send.
// registrationID may be empty.
func InstanceOrigin(instanceID, registrationID string) Origin {
	return Origin{Kind: OriginScheduledInstance, ID: instanceID, RegistrationID: registrationID}
}

// InvitationOrigin builds the origin for an invitation send.
func InvitationOrigin(invitationID string) Origin {
	return Origin{Kind: OriginInvitation, ID: invitationID}
}

// Validate enforces that the tag is known, that the referenced id is set and
// that invitation origins never carry a registration.
func (o Origin) Validate() error {
	switch o.Kind {
	case OriginScheduledInstance:
		if o.ID == "" {
			return &ValidationError{Field: "origin.id", Message: "scheduled instance id is required"}
		}
	case OriginInvitation:
		if o.ID == "" {
			return &ValidationError{Field: "origin.id", Message: "invitation id is required"}
		}
		if o.RegistrationID != "" {
			return &ValidationError{Field: "origin.registration_id", Message: "an invitation delivery cannot reference a registration"}
		}
	default:
		return &ValidationError{Field: "origin.kind", Message: "unknown origin " + quote(string(o.Kind))}
	}
	return nil
}

// DeliveryRecord is the per-recipient outcome of one dispatch. Rows are never
// deleted.
type DeliveryRecord struct {
	ID                  string         `json:"id"`
	ProviderMessageID   string         `json:"provider_message_id"`
	RecipientEmail      string         `json:"recipient_email"`
	Status              DeliveryStatus `json:"status"`
	BounceType          BounceType     `json:"bounce_type,omitempty"`
	RetryCount          int            `json:"retry_count"`
	NextRetryAt         *time.Time     `json:"next_retry_at,omitempty"`
	ScheduledInstanceID string         `json:"scheduled_instance_id,omitempty"`
	InvitationID        string         `json:"invitation_id,omitempty"`
	RegistrationID      string         `json:"registration_id,omitempty"`
	LastEventAt         *time.Time     `json:"last_event_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Origin rebuilds the tagged origin from the stored back-references.
func (r *DeliveryRecord) Origin() Origin {
	if r.InvitationID != "" {
		return InvitationOrigin(r.InvitationID)
	}
	return InstanceOrigin(r.ScheduledInstanceID, r.RegistrationID)
}

// SetOrigin copies a validated origin onto the back-reference columns.
func (r *DeliveryRecord) SetOrigin(o Origin) {
	r.ScheduledInstanceID, r.InvitationID, r.RegistrationID = "", "", ""
	switch o.Kind {
	case OriginScheduledInstance:
		r.ScheduledInstanceID = o.ID
		r.RegistrationID = o.RegistrationID
	case OriginInvitation:
		r.InvitationID = o.ID
	}
}

// DeliveryFilter narrows delivery record listings.
type DeliveryFilter struct {
	ScheduledInstanceID string
	InvitationID        string
	Status              string
	Email               string
	Limit               int
}

// RetrySweep selects soft-bounced records whose retry may have been lost:
// those with a retry due by DueBefore, and those with retries left but none
// scheduled that have not changed since SettledBefore. Records untouched
// since before Since are skipped.
type RetrySweep struct {
	DueBefore     time.Time
	SettledBefore time.Time
	Since         time.Time
	MaxRetries    int
	Limit         int
}
