package api

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/suppression"
)

const maxImportBody = 10 << 20

type SuppressionHandler struct {
	resolver *suppression.Resolver
	logger   *slog.Logger
}

func NewSuppressionHandler(resolver *suppression.Resolver, logger *slog.Logger) *SuppressionHandler {
	return &SuppressionHandler{resolver: resolver, logger: logger}
}

func (h *SuppressionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.resolver.List(r.Context(), domain.SuppressionFilter{
		Email:          q.Get("email"),
		Scope:          q.Get("scope"),
		EventID:        q.Get("event_id"),
		OrganizationID: q.Get("organization_id"),
		Source:         q.Get("source"),
		Limit:          queryLimit(r, 100, 1000),
		Offset:         queryInt(r, "offset"),
	})
	if err != nil {
		respondFailure(w, h.logger, err, "failed to list suppressions")
		return
	}
	if list == nil {
		list = []domain.Suppression{}
	}
	respondJSON(w, http.StatusOK, list)
}

type suppressionRequest struct {
	Email          string                   `json:"email"`
	Scope          domain.SuppressionScope  `json:"scope"`
	EventID        string                   `json:"event_id"`
	OrganizationID string                   `json:"organization_id"`
	Source         domain.SuppressionSource `json:"source"`
}

type suppressionResponse struct {
	Suppression *domain.Suppression `json:"suppression"`
	Created     bool                `json:"created"`
}

// Create records a suppression, returning 201 for a new row and 200 when an
// equivalent row already existed. Operators default to admin_action.
func (h *SuppressionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req suppressionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Source == "" {
		req.Source = domain.SourceAdminAction
	}

	sup, created, err := h.resolver.CreateOrFind(r.Context(), req.Email, req.Scope, req.EventID, req.OrganizationID, req.Source)
	if err != nil {
		respondFailure(w, h.logger, err, "failed to create suppression")
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	respondJSON(w, code, suppressionResponse{Suppression: sup, Created: created})
}

type resubscribeResponse struct {
	Removed bool `json:"removed"`
}

// Delete resubscribes an address at one scope, taken from the query string.
// Removing a row that does not exist is not an error.
func (h *SuppressionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	removed, err := h.resolver.Resubscribe(r.Context(),
		q.Get("email"),
		domain.SuppressionScope(q.Get("scope")),
		q.Get("event_id"),
		q.Get("organization_id"),
	)
	if err != nil {
		respondFailure(w, h.logger, err, "failed to resubscribe")
		return
	}
	respondJSON(w, http.StatusOK, resubscribeResponse{Removed: removed})
}

type checkResponse struct {
	Email      string `json:"email"`
	Suppressed bool   `json:"suppressed"`
}

func (h *SuppressionHandler) Check(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := q.Get("email")
	suppressed, err := h.resolver.IsSuppressed(r.Context(), email, q.Get("event_id"), q.Get("organization_id"))
	if err != nil {
		respondFailure(w, h.logger, err, "failed to check suppression")
		return
	}
	respondJSON(w, http.StatusOK, checkResponse{Email: domain.NormalizeEmail(email), Suppressed: suppressed})
}

// Import bulk-loads suppressions from a CSV body, or from the "file" field
// of a multipart upload.
func (h *SuppressionHandler) Import(w http.ResponseWriter, r *http.Request) {
	source := domain.SuppressionSource(r.URL.Query().Get("source"))
	if source == "" {
		source = domain.SourceAdminAction
	}
	if !domain.ValidSource(source) {
		respondFailure(w, h.logger, &domain.ValidationError{Field: "source", Message: "unknown source " + string(source)}, "invalid source")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImportBody)

	var body io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "multipart upload needs a file field")
			return
		}
		defer file.Close()
		body = file
	}

	rows, err := suppression.ParseCSV(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.resolver.Import(r.Context(), rows, source)
	if err != nil {
		respondFailure(w, h.logger, err, "failed to import suppressions")
		return
	}
	respondJSON(w, http.StatusOK, result)
}
