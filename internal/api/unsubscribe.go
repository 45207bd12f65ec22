package api

import (
	"log/slog"
	"net/http"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/suppression"
	"github.com/beaulazear/voxxy-campaign-engine/internal/unsubscribe"
)

const unsubscribedPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Unsubscribed</title></head>
<body><p>You will no longer receive emails about this event.</p></body></html>
`

// UnsubscribeHandler serves the signed link placed in every campaign email.
// GET is the link a recipient clicks; POST is the RFC 8058 one-click
// request mail clients send from the List-Unsubscribe header.
type UnsubscribeHandler struct {
	links    *unsubscribe.Signer
	resolver *suppression.Resolver
	logger   *slog.Logger
}

func NewUnsubscribeHandler(links *unsubscribe.Signer, resolver *suppression.Resolver, logger *slog.Logger) *UnsubscribeHandler {
	return &UnsubscribeHandler{links: links, resolver: resolver, logger: logger}
}

func (h *UnsubscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email, eventID, token := q.Get("email"), q.Get("event_id"), q.Get("token")

	if email == "" || eventID == "" || !h.links.Verify(email, eventID, token) {
		respondError(w, http.StatusForbidden, "invalid unsubscribe link")
		return
	}

	_, created, err := h.resolver.CreateOrFind(r.Context(), email, domain.ScopeEvent, eventID, "", domain.SourceUserAction)
	if err != nil {
		respondFailure(w, h.logger, err, "failed to unsubscribe")
		return
	}
	h.logger.Info("recipient unsubscribed", "event_id", eventID, "created", created, "one_click", r.Method == http.MethodPost)

	if r.Method == http.MethodPost {
		respondJSON(w, http.StatusOK, map[string]bool{"unsubscribed": true})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(unsubscribedPage))
}
