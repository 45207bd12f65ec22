package api

import (
	"log/slog"
	"net/http"

	"github.com/beaulazear/voxxy-campaign-engine/internal/delivery"
	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/webhook"
	"github.com/go-chi/chi/v5"
)

type DeliveryHandler struct {
	tracker   *delivery.Tracker
	processor *webhook.Processor
	logger    *slog.Logger
}

func NewDeliveryHandler(tracker *delivery.Tracker, processor *webhook.Processor, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{tracker: tracker, processor: processor, logger: logger}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.DeliveryFilter{
		ScheduledInstanceID: q.Get("instance_id"),
		InvitationID:        q.Get("invitation_id"),
		Status:              q.Get("status"),
		Email:               q.Get("email"),
		Limit:               queryLimit(r, 50, 1000),
	}
	if filter.Status != "" {
		if _, err := domain.ParseDeliveryStatus(filter.Status); err != nil {
			respondFailure(w, h.logger, err, "invalid status")
			return
		}
	}

	records, err := h.tracker.List(r.Context(), filter)
	if err != nil {
		respondFailure(w, h.logger, err, "failed to list deliveries")
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFailure(w, h.logger, err, "failed to get delivery")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type callbackRequest struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
	BounceType        string `json:"bounce_type"`
	Recipient         string `json:"recipient"`
}

// Callback applies a status report posted by a system other than the
// provider webhooks. It goes through the same processor, so soft bounces
// schedule retries here too.
func (h *DeliveryHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.ProviderMessageID == "" {
		respondFailure(w, h.logger, &domain.ValidationError{Field: "provider_message_id", Message: "provider message id is required"}, "invalid callback")
		return
	}
	status, err := domain.ParseDeliveryStatus(req.Status)
	if err != nil {
		respondFailure(w, h.logger, err, "invalid status")
		return
	}
	bounce, err := domain.ParseBounceType(req.BounceType)
	if err != nil {
		respondFailure(w, h.logger, err, "invalid bounce type")
		return
	}

	res, err := h.processor.Process(r.Context(), []webhook.Event{{
		Provider:  "api",
		Type:      "callback",
		MessageID: req.ProviderMessageID,
		Recipient: req.Recipient,
		Status:    status,
		Bounce:    bounce,
	}})
	if err != nil {
		respondFailure(w, h.logger, err, "failed to apply callback")
		return
	}
	respondJSON(w, http.StatusOK, res)
}
