package api

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"

	"github.com/beaulazear/voxxy-campaign-engine/internal/webhook"
)

const (
	maxJSONBody    = 1 << 20
	maxWebhookBody = 5 << 20
)

type WebhookHandler struct {
	processor *webhook.Processor
	secret    string
	logger    *slog.Logger
}

func NewWebhookHandler(processor *webhook.Processor, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, secret: secret, logger: logger}
}

// readBody returns the request body once the caller is authenticated. With a
// secret configured, the request must carry either a valid signature header
// or the secret as the token query parameter; SNS cannot sign with a custom
// header, so SES subscriptions embed the token in the endpoint URL.
func (h *WebhookHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "body too large")
		return nil, false
	}

	if h.secret == "" {
		return body, true
	}
	if sig := r.Header.Get(webhook.SignatureHeader); sig != "" && webhook.Verify(body, h.secret, sig) {
		return body, true
	}
	if token := r.URL.Query().Get("token"); token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1 {
		return body, true
	}

	h.logger.Warn("rejected unauthenticated webhook", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	respondError(w, http.StatusUnauthorized, "invalid webhook signature")
	return nil, false
}

// SparkPost ingests a SparkPost event batch.
func (h *WebhookHandler) SparkPost(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	events, err := webhook.ParseSparkPost(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.process(w, r, "sparkpost", events)
}

type subscriptionResponse struct {
	SubscribeURL string `json:"subscribe_url"`
}

// SES ingests one SES notification. Subscription confirmations are logged
// with their URL for an operator to confirm; the URL is never fetched.
func (h *WebhookHandler) SES(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	res, err := webhook.ParseSES(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if res.SubscribeURL != "" {
		h.logger.Info("sns subscription confirmation received", "subscribe_url", res.SubscribeURL)
		respondJSON(w, http.StatusOK, subscriptionResponse{SubscribeURL: res.SubscribeURL})
		return
	}
	h.process(w, r, "ses", res.Events)
}

// process answers 500 on storage failures so the provider redelivers.
func (h *WebhookHandler) process(w http.ResponseWriter, r *http.Request, provider string, events []webhook.Event) {
	res, err := h.processor.Process(r.Context(), events)
	if err != nil {
		h.logger.Error("failed to process webhook batch",
			"provider", provider,
			"received", res.Received,
			"error", err,
		)
		respondError(w, http.StatusInternalServerError, "failed to process events")
		return
	}

	h.logger.Debug("webhook batch processed",
		"provider", provider,
		"received", res.Received,
		"applied", res.Applied,
		"ignored", res.Ignored,
		"unknown", res.Unknown,
	)
	respondJSON(w, http.StatusOK, res)
}
