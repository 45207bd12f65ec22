package domain

import (
	"strings"
	"time"
)

// The types in this file are read models of resources owned by the CRUD
// layer. The engine never writes them except for Registration's
// EmailUnsubscribed flag.

type Event struct {
	ID                  string     `json:"id"`
	OrganizationID      string     `json:"organization_id"`
	Title               string     `json:"title"`
	Location            string     `json:"location,omitempty"`
	TimeZone            string     `json:"time_zone,omitempty"`
	EventDate           *time.Time `json:"event_date,omitempty"`
	ApplicationDeadline *time.Time `json:"application_deadline,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

type Organization struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	InvitationFilter InvitationFilter `json:"invitation_filter"`
}

// InvitationFilter is an organization's standing rule for which invited
// contacts receive announcement emails. Empty lists do not narrow.
type InvitationFilter struct {
	ExcludeStatuses  []string `json:"exclude_statuses,omitempty"`
	VendorCategories []string `json:"vendor_categories,omitempty"`
}

type Registration struct {
	ID                string `json:"id"`
	EventID           string `json:"event_id"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	BusinessName      string `json:"business_name,omitempty"`
	Status            string `json:"status"`
	VendorCategory    string `json:"vendor_category,omitempty"`
	EmailUnsubscribed bool   `json:"email_unsubscribed"`
}

type Invitation struct {
	ID             string `json:"id"`
	EventID        string `json:"event_id"`
	ContactID      string `json:"contact_id"`
	ContactEmail   string `json:"contact_email"`
	ContactName    string `json:"contact_name"`
	Status         string `json:"status"`
	VendorCategory string `json:"vendor_category,omitempty"`
}

// NormalizeEmail lower-cases and trims an address. Every comparison of
// addresses in the engine goes through it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
