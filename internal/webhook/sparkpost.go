package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
)

// sparkPostEvent is the subset of a SparkPost event body the engine reads.
// Every event category shares these field names.
type sparkPostEvent struct {
	Type           string `json:"type"`
	TransmissionID string `json:"transmission_id"`
	MessageID      string `json:"message_id"`
	RcptTo         string `json:"rcpt_to"`
	BounceClass    string `json:"bounce_class"`
	Reason         string `json:"reason"`
	Timestamp      string `json:"timestamp"`
}

// ParseSparkPost decodes a SparkPost webhook batch. The body is a JSON array
// of {"msys": {"<category>": {...}}} objects; empty msys objects are the
// provider's connectivity test and yield nothing. Event types without a
// delivery outcome are skipped.
func ParseSparkPost(body []byte) ([]Event, error) {
	var batch []struct {
		Msys map[string]json.RawMessage `json:"msys"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("decoding sparkpost batch: %w", err)
	}

	var events []Event
	for _, item := range batch {
		for category, raw := range item.Msys {
			var ev sparkPostEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return nil, fmt.Errorf("decoding sparkpost %s: %w", category, err)
			}

			status, bounce, suppress, ok := classifySparkPost(ev.Type, ev.BounceClass)
			if !ok {
				continue
			}

			// Transmissions are sent one recipient at a time, so the
			// transmission id is what the sender recorded.
			id := ev.TransmissionID
			if id == "" {
				id = ev.MessageID
			}

			events = append(events, Event{
				Provider:  esp.ProviderSparkPost,
				Type:      ev.Type,
				MessageID: id,
				Recipient: ev.RcptTo,
				Status:    status,
				Bounce:    bounce,
				Reason:    ev.Reason,
				Suppress:  suppress,
				Timestamp: parseSparkPostTime(ev.Timestamp),
			})
		}
	}
	return events, nil
}

// parseSparkPostTime accepts unix seconds and RFC 3339; anything else yields
// the zero time.
func parseSparkPostTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
