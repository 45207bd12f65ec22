package domain

import (
	"encoding/json"
	"time"
)

// CategoryEventAnnouncement marks items that go to invited contacts rather
// than to registrants.
const CategoryEventAnnouncement = "event_announcement"

// TriggerType describes when a campaign item fires relative to its event.
type TriggerType string

const (
	TriggerDaysBeforeEvent    TriggerType = "days_before_event"
	TriggerDaysBeforeDeadline TriggerType = "days_before_deadline"
	TriggerOnApplicationOpen  TriggerType = "on_application_open"
)

// CampaignItem is one configured email inside a campaign template. It is
// immutable once one of its instances has been sent.
type CampaignItem struct {
	ID              string      `json:"id"`
	TemplateID      string      `json:"template_id"`
	Name            string      `json:"name"`
	Category        string      `json:"category"`
	TriggerType     TriggerType `json:"trigger_type"`
	TriggerDays     int         `json:"trigger_days"`
	TriggerTime     string      `json:"trigger_time"` // "15:04" in the event's zone
	SubjectTemplate string      `json:"subject_template"`
	BodyTemplate    string      `json:"body_template"`
	Enabled         bool        `json:"enabled"`
	Position        int         `json:"position"`
}

// IsAnnouncement reports whether recipients come from invitations.
func (i *CampaignItem) IsAnnouncement() bool {
	return i.Category == CategoryEventAnnouncement || i.TriggerType == TriggerOnApplicationOpen
}

// InstanceStatus is the lifecycle of a scheduled instance.
type InstanceStatus string

const (
	InstanceScheduled InstanceStatus = "scheduled"
	InstancePaused    InstanceStatus = "paused"
	InstanceSent      InstanceStatus = "sent"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// FilterCriteria narrows the registration path. Empty lists are no-ops.
type FilterCriteria struct {
	Statuses         []string `json:"statuses,omitempty"`
	ExcludeStatuses  []string `json:"exclude_statuses,omitempty"`
	VendorCategories []string `json:"vendor_categories,omitempty"`
}

// IsEmpty reports whether no filter narrows anything.
func (f FilterCriteria) IsEmpty() bool {
	return len(f.Statuses) == 0 && len(f.ExcludeStatuses) == 0 && len(f.VendorCategories) == 0
}

// ParseFilterCriteria decodes the stored JSON form; an empty document is an
// empty filter.
func ParseFilterCriteria(raw []byte) (FilterCriteria, error) {
	var f FilterCriteria
	if len(raw) == 0 || string(raw) == "null" {
		return f, nil
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, &ValidationError{Field: "filter_criteria", Message: err.Error()}
	}
	return f, nil
}

// ScheduledInstance is a concrete occurrence of a CampaignItem for one
// event. RecipientCount is frozen once Status is sent.
type ScheduledInstance struct {
	ID             string         `json:"id"`
	CampaignItemID string         `json:"campaign_item_id"`
	EventID        string         `json:"event_id"`
	FireTime       *time.Time     `json:"fire_time,omitempty"`
	Status         InstanceStatus `json:"status"`
	Filters        FilterCriteria `json:"filter_criteria"`
	RecipientCount int            `json:"recipient_count"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsSent reports whether the recipient count is frozen.
func (s *ScheduledInstance) IsSent() bool {
	return s.Status == InstanceSent
}
