// Package websocket streams delivery status changes to dashboard clients.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
)

// DeliveryEvent is one delivery status change as clients receive it. Type is
// "delivery_" followed by the new status.
type DeliveryEvent struct {
	Type                string                `json:"type"`
	DeliveryID          string                `json:"delivery_id"`
	ProviderMessageID   string                `json:"provider_message_id"`
	RecipientEmail      string                `json:"recipient_email"`
	From                domain.DeliveryStatus `json:"from"`
	To                  domain.DeliveryStatus `json:"to"`
	BounceType          domain.BounceType     `json:"bounce_type,omitempty"`
	RetryCount          int                   `json:"retry_count"`
	ScheduledInstanceID string                `json:"scheduled_instance_id,omitempty"`
	InvitationID        string                `json:"invitation_id,omitempty"`
	Timestamp           time.Time             `json:"timestamp"`
}

// Filter narrows what a client receives. Empty fields match everything.
type Filter struct {
	InstanceID   string
	InvitationID string
	Statuses     map[domain.DeliveryStatus]bool
}

// FilterFromQuery reads ?instance=, ?invitation= and repeated ?status=.
func FilterFromQuery(r *http.Request) Filter {
	q := r.URL.Query()
	f := Filter{
		InstanceID:   q.Get("instance"),
		InvitationID: q.Get("invitation"),
	}
	for _, s := range q["status"] {
		if f.Statuses == nil {
			f.Statuses = make(map[domain.DeliveryStatus]bool)
		}
		f.Statuses[domain.DeliveryStatus(s)] = true
	}
	return f
}

func (f Filter) matches(ev *DeliveryEvent) bool {
	if f.InstanceID != "" && f.InstanceID != ev.ScheduledInstanceID {
		return false
	}
	if f.InvitationID != "" && f.InvitationID != ev.InvitationID {
		return false
	}
	if len(f.Statuses) > 0 && !f.Statuses[ev.To] {
		return false
	}
	return true
}

// outbound is an encoded event plus what filtering needs.
type outbound struct {
	event *DeliveryEvent
	data  []byte
}

// Hub fans delivery events out to subscribed clients. Run owns delivery;
// Publish and the tracker hook only enqueue and never block the caller.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	events chan outbound
	joins  chan *client
	leaves chan *client
	done   chan struct{}
}

// NewHub returns a hub; call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		events:  make(chan outbound, 256),
		joins:   make(chan *client),
		leaves:  make(chan *client),
		done:    make(chan struct{}),
	}
}

// Run delivers events until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			return
		case c := <-h.joins:
			h.add(c)
		case c := <-h.leaves:
			h.drop(c)
		case out := <-h.events:
			h.fanOut(out)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("dashboard client subscribed",
		"instance_id", c.filter.InstanceID,
		"invitation_id", c.filter.InvitationID,
		"clients", n,
	)
}

// drop forgets c and closes its queue, which ends its writer.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.queue)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("dashboard client left", "clients", n)
	}
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.queue)
	}
}

// fanOut queues out for every matching client. A client whose queue is full
// has stopped reading and is dropped.
func (h *Hub) fanOut(out outbound) {
	var stalled []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.filter.matches(out.event) {
			continue
		}
		select {
		case c.queue <- out.data:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		h.logger.Warn("dropping stalled dashboard client")
		h.drop(c)
	}
}

// Publish queues ev for delivery. When the hub is backed up the event is
// discarded.
func (h *Hub) Publish(ev DeliveryEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encoding delivery event", "error", err)
		return
	}
	select {
	case h.events <- outbound{event: &ev, data: data}:
	default:
		h.logger.Warn("dashboard event queue full, discarding", "delivery_id", ev.DeliveryID)
	}
}

// DeliveryTransitioned implements the tracker's observer hook.
func (h *Hub) DeliveryTransitioned(_ context.Context, rec *domain.DeliveryRecord, from domain.DeliveryStatus) {
	h.Publish(DeliveryEvent{
		Type:                "delivery_" + string(rec.Status),
		DeliveryID:          rec.ID,
		ProviderMessageID:   rec.ProviderMessageID,
		RecipientEmail:      rec.RecipientEmail,
		From:                from,
		To:                  rec.Status,
		BounceType:          rec.BounceType,
		RetryCount:          rec.RetryCount,
		ScheduledInstanceID: rec.ScheduledInstanceID,
		InvitationID:        rec.InvitationID,
		Timestamp:           rec.UpdatedAt,
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
