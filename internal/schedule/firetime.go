package schedule

import (
	"fmt"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
)

// DefaultSendTime is used when an item has no time of day configured.
const DefaultSendTime = "09:00"

// FireTime computes when item fires for event. Day offsets are applied in the
// event's time zone, falling back to loc when the event has none. A nil
// result means the base date is not set yet and the item cannot fire.
func FireTime(item *domain.CampaignItem, event *domain.Event, loc *time.Location) (*time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if event.TimeZone != "" {
		tz, err := time.LoadLocation(event.TimeZone)
		if err != nil {
			return nil, &domain.ValidationError{Field: "time_zone", Message: err.Error()}
		}
		loc = tz
	}

	var base *time.Time
	switch item.TriggerType {
	case domain.TriggerOnApplicationOpen:
		t := event.CreatedAt
		return &t, nil
	case domain.TriggerDaysBeforeEvent:
		base = event.EventDate
	case domain.TriggerDaysBeforeDeadline:
		base = event.ApplicationDeadline
	default:
		return nil, &domain.ValidationError{Field: "trigger_type", Message: fmt.Sprintf("unknown trigger %q", item.TriggerType)}
	}
	if base == nil {
		return nil, nil
	}

	hour, minute, err := parseSendTime(item.TriggerTime)
	if err != nil {
		return nil, err
	}

	day := base.In(loc).AddDate(0, 0, -item.TriggerDays)
	t := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
	return &t, nil
}

func parseSendTime(s string) (int, int, error) {
	if s == "" {
		s = DefaultSendTime
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, &domain.ValidationError{Field: "trigger_time", Message: fmt.Sprintf("expected HH:MM, got %q", s)}
	}
	return t.Hour(), t.Minute(), nil
}
