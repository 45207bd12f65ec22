// Package suppression answers whether an address may receive mail for an
// event and maintains the suppression rows behind that answer.
//
// Scopes are additive: a global row blocks every event, an organization row
// blocks every event of that organization, and an event row blocks only that
// event. No scope can lift a broader one.
package suppression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/metrics"
	"github.com/google/uuid"
)

// Repository is the storage contract for suppression rows. Implementations
// must enforce the per-scope uniqueness rules and return domain.ErrDuplicate
// when an insert loses to a concurrent one.
type Repository interface {
	// IsSuppressed reports whether a global row, an organization row for
	// organizationID, or an event row for eventID exists for email.
	IsSuppressed(ctx context.Context, email, eventID, organizationID string) (bool, error)

	// FindSuppression returns the row for key or an error wrapping
	// domain.ErrNotFound.
	FindSuppression(ctx context.Context, key domain.SuppressionKey) (*domain.Suppression, error)

	InsertSuppression(ctx context.Context, s *domain.Suppression) error

	// DeleteSuppression removes and returns the row for key, or returns an
	// error wrapping domain.ErrNotFound.
	DeleteSuppression(ctx context.Context, key domain.SuppressionKey) (*domain.Suppression, error)

	ListSuppressions(ctx context.Context, filter domain.SuppressionFilter) ([]domain.Suppression, error)

	// ClearRegistrationUnsubscribed resets the denormalized unsubscribe flag
	// on email's registrations for eventID.
	ClearRegistrationUnsubscribed(ctx context.Context, email, eventID string) (int64, error)
}

// Resolver implements suppression checks and maintenance. It is safe for
// concurrent use.
type Resolver struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewResolver(repo Repository, logger *slog.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// IsSuppressed reports whether delivery of mail for eventID (owned by
// organizationID) to email is blocked.
func (r *Resolver) IsSuppressed(ctx context.Context, email, eventID, organizationID string) (bool, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return false, &domain.ValidationError{Field: "email", Message: "email is required"}
	}

	suppressed, err := r.repo.IsSuppressed(ctx, email, eventID, organizationID)
	if err != nil {
		return false, fmt.Errorf("checking suppression: %w", err)
	}
	return suppressed, nil
}

// CreateOrFind returns the existing row for (email, scope, reference) or
// creates one stamped with source. The bool result is true when a row was
// created by this call.
func (r *Resolver) CreateOrFind(ctx context.Context, email string, scope domain.SuppressionScope, eventID, organizationID string, source domain.SuppressionSource) (*domain.Suppression, bool, error) {
	key, err := domain.NewSuppressionKey(email, scope, eventID, organizationID)
	if err != nil {
		return nil, false, err
	}
	if !domain.ValidSource(source) {
		return nil, false, &domain.ValidationError{Field: "source", Message: fmt.Sprintf("unknown source %q", source)}
	}

	existing, err := r.repo.FindSuppression(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("finding suppression: %w", err)
	}

	s := &domain.Suppression{
		ID:             uuid.NewString(),
		Email:          key.Email,
		Scope:          key.Scope,
		EventID:        key.EventID,
		OrganizationID: key.OrganizationID,
		Source:         source,
		SuppressedAt:   r.now().UTC(),
	}

	if err := r.repo.InsertSuppression(ctx, s); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			return nil, false, fmt.Errorf("inserting suppression: %w", err)
		}
		// Lost the race to a concurrent insert of the same key.
		existing, err := r.repo.FindSuppression(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("finding suppression after conflict: %w", err)
		}
		return existing, false, nil
	}

	metrics.IncSuppression(string(s.Scope), string(s.Source))
	r.logger.Info("suppression created",
		"email", s.Email,
		"scope", s.Scope,
		"event_id", s.EventID,
		"organization_id", s.OrganizationID,
		"source", s.Source,
	)
	return s, true, nil
}

// Resubscribe deletes the row for (email, scope, reference) and reports
// whether one existed. Removing a global row also clears the cached
// unsubscribe flag on email's registrations for eventID when one is given.
func (r *Resolver) Resubscribe(ctx context.Context, email string, scope domain.SuppressionScope, eventID, organizationID string) (bool, error) {
	key, err := domain.NewSuppressionKey(email, scope, eventID, organizationID)
	if err != nil {
		return false, err
	}

	deleted, err := r.repo.DeleteSuppression(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("deleting suppression: %w", err)
	}

	metrics.IncResubscribe(string(deleted.Scope))
	r.logger.Info("suppression removed", "email", key.Email, "scope", key.Scope)

	if deleted.Scope == domain.ScopeGlobal && eventID != "" {
		n, err := r.repo.ClearRegistrationUnsubscribed(ctx, key.Email, eventID)
		if err != nil {
			return true, fmt.Errorf("clearing registration unsubscribe flag: %w", err)
		}
		r.logger.Debug("registration unsubscribe flags cleared", "email", key.Email, "event_id", eventID, "rows", n)
	}

	return true, nil
}

// List returns suppression rows matching filter.
func (r *Resolver) List(ctx context.Context, filter domain.SuppressionFilter) ([]domain.Suppression, error) {
	if filter.Email != "" {
		filter.Email = domain.NormalizeEmail(filter.Email)
	}
	return r.repo.ListSuppressions(ctx, filter)
}
