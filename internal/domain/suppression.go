package domain

import "time"

// SuppressionScope is the breadth at which an address is blocked.
type SuppressionScope string

const (
	ScopeEvent        SuppressionScope = "event"
	ScopeOrganization SuppressionScope = "organization"
	ScopeGlobal       SuppressionScope = "global"
)

// SuppressionSource records what created a suppression.
type SuppressionSource string

const (
	SourceUserAction      SuppressionSource = "user_action"
	SourceProviderWebhook SuppressionSource = "provider_webhook"
	SourceAdminAction     SuppressionSource = "admin_action"
)

// Suppression is one (address, scope) unsubscribe row. EventID is set only
// for event scope and OrganizationID only for organization scope.
type Suppression struct {
	ID             string            `json:"id"`
	Email          string            `json:"email"`
	Scope          SuppressionScope  `json:"scope"`
	EventID        string            `json:"event_id,omitempty"`
	OrganizationID string            `json:"organization_id,omitempty"`
	Source         SuppressionSource `json:"source"`
	SuppressedAt   time.Time         `json:"suppressed_at"`
}

// SuppressionKey identifies a suppression row independent of its source.
type SuppressionKey struct {
	Email          string
	Scope          SuppressionScope
	EventID        string
	OrganizationID string
}

// NewSuppressionKey normalizes the address and drops references the scope
// does not use. It fails when the scope is unknown, the address is empty, or
// the reference the scope requires is missing.
func NewSuppressionKey(email string, scope SuppressionScope, eventID, organizationID string) (SuppressionKey, error) {
	key := SuppressionKey{Email: NormalizeEmail(email), Scope: scope}
	if key.Email == "" {
		return SuppressionKey{}, &ValidationError{Field: "email", Message: "email is required"}
	}

	switch scope {
	case ScopeEvent:
		if eventID == "" {
			return SuppressionKey{}, &ValidationError{Field: "event_id", Message: "event scope requires an event"}
		}
		key.EventID = eventID
	case ScopeOrganization:
		if organizationID == "" {
			return SuppressionKey{}, &ValidationError{Field: "organization_id", Message: "organization scope requires an organization"}
		}
		key.OrganizationID = organizationID
	case ScopeGlobal:
	default:
		return SuppressionKey{}, &ValidationError{Field: "scope", Message: "unknown scope " + quote(string(scope))}
	}
	return key, nil
}

// ValidSource reports whether s is one of the known source tags.
func ValidSource(s SuppressionSource) bool {
	switch s {
	case SourceUserAction, SourceProviderWebhook, SourceAdminAction:
		return true
	}
	return false
}

// SuppressionFilter narrows suppression listings.
type SuppressionFilter struct {
	Email          string
	Scope          string
	EventID        string
	OrganizationID string
	Source         string
	Limit          int
	Offset         int
}
