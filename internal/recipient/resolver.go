// Package recipient computes who receives a scheduled campaign email.
//
// Announcement items go to the event's invited contacts, narrowed by the
// organization's invitation filter. Every other item goes to registrants who
// have not unsubscribed, narrowed by the instance's filter criteria.
// Suppression is always applied last.
package recipient

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Path names the source a recipient set was drawn from.
type Path string

const (
	PathRegistrations Path = "registrations"
	PathInvitations   Path = "invitations"
)

// Roster reads the CRUD-owned resources recipients are drawn from. Lookups of
// a single resource return an error wrapping domain.ErrNotFound when missing.
type Roster interface {
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	GetCampaignItem(ctx context.Context, id string) (*domain.CampaignItem, error)

	// ListSubscribedRegistrations returns the event's registrations whose
	// email_unsubscribed flag is false.
	ListSubscribedRegistrations(ctx context.Context, eventID string) ([]domain.Registration, error)
	ListInvitations(ctx context.Context, eventID string) ([]domain.Invitation, error)
}

// SuppressionChecker is satisfied by *suppression.Resolver.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, email, eventID, organizationID string) (bool, error)
}

// Recipient is one resolved address and the row it came from.
type Recipient struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	BusinessName   string `json:"business_name,omitempty"`
	Status         string `json:"status,omitempty"`
	VendorCategory string `json:"vendor_category,omitempty"`
	RegistrationID string `json:"registration_id,omitempty"`
	InvitationID   string `json:"invitation_id,omitempty"`
}

// Origin returns the delivery origin for a message to r sent on behalf of
// instanceID. Announcement recipients carry no registration.
func (r Recipient) Origin(instanceID string) domain.Origin {
	return domain.InstanceOrigin(instanceID, r.RegistrationID)
}

// Plan is the outcome of one resolution.
type Plan struct {
	InstanceID string               `json:"instance_id"`
	Path       Path                 `json:"path"`
	AsOf       time.Time            `json:"as_of"`
	Event      *domain.Event        `json:"event"`
	Item       *domain.CampaignItem `json:"campaign_item"`
	Candidates int                  `json:"candidates"`
	Suppressed int                  `json:"suppressed"`
	Recipients []Recipient          `json:"recipients"`
}

// Resolver computes recipient sets. It holds no state between calls.
type Resolver struct {
	roster      Roster
	suppression SuppressionChecker
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewResolver(roster Roster, suppression SuppressionChecker, logger *slog.Logger) *Resolver {
	return &Resolver{
		roster:      roster,
		suppression: suppression,
		logger:      logger,
		tracer:      otel.Tracer("github.com/beaulazear/voxxy-campaign-engine/internal/recipient"),
	}
}

// Resolve returns the live recipient set for instance. Any read failure fails
// the whole call.
func (r *Resolver) Resolve(ctx context.Context, instance *domain.ScheduledInstance, asOf time.Time) ([]Recipient, error) {
	plan, err := r.Plan(ctx, instance, asOf)
	if err != nil {
		return nil, err
	}
	return plan.Recipients, nil
}

// Count returns the frozen count of a sent instance and the size of the live
// set otherwise.
func (r *Resolver) Count(ctx context.Context, instance *domain.ScheduledInstance, asOf time.Time) (int, error) {
	if instance.IsSent() {
		return instance.RecipientCount, nil
	}
	plan, err := r.Plan(ctx, instance, asOf)
	if err != nil {
		return 0, err
	}
	return len(plan.Recipients), nil
}

// Plan resolves recipients and keeps the event, item and counts used along
// the way.
func (r *Resolver) Plan(ctx context.Context, instance *domain.ScheduledInstance, asOf time.Time) (*Plan, error) {
	ctx, span := r.tracer.Start(ctx, "recipient.Resolve",
		trace.WithAttributes(attribute.String("instance.id", instance.ID)))
	defer span.End()

	plan, err := r.plan(ctx, instance, asOf)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("path", string(plan.Path)),
		attribute.Int("candidates", plan.Candidates),
		attribute.Int("recipients", len(plan.Recipients)),
	)
	metrics.ObserveRecipients(string(plan.Path), len(plan.Recipients))
	metrics.AddRecipientsSuppressed(plan.Suppressed)
	r.logger.Debug("recipients resolved",
		"instance_id", instance.ID,
		"path", plan.Path,
		"candidates", plan.Candidates,
		"suppressed", plan.Suppressed,
		"recipients", len(plan.Recipients),
	)
	return plan, nil
}

func (r *Resolver) plan(ctx context.Context, instance *domain.ScheduledInstance, asOf time.Time) (*Plan, error) {
	item, err := r.roster.GetCampaignItem(ctx, instance.CampaignItemID)
	if err != nil {
		return nil, fmt.Errorf("loading campaign item %s: %w", instance.CampaignItemID, err)
	}
	event, err := r.roster.GetEvent(ctx, instance.EventID)
	if err != nil {
		return nil, fmt.Errorf("loading event %s: %w", instance.EventID, err)
	}

	plan := &Plan{InstanceID: instance.ID, AsOf: asOf, Event: event, Item: item}

	var candidates []Recipient
	if item.IsAnnouncement() {
		plan.Path = PathInvitations
		candidates, err = r.invitees(ctx, event)
	} else {
		plan.Path = PathRegistrations
		candidates, err = r.registrants(ctx, event.ID, instance.Filters)
	}
	if err != nil {
		return nil, err
	}

	candidates = dedupe(candidates)
	plan.Candidates = len(candidates)

	recipients := make([]Recipient, 0, len(candidates))
	for _, c := range candidates {
		suppressed, err := r.suppression.IsSuppressed(ctx, c.Email, event.ID, event.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("checking suppression: %w", err)
		}
		if suppressed {
			plan.Suppressed++
			continue
		}
		recipients = append(recipients, c)
	}
	plan.Recipients = recipients
	return plan, nil
}

func (r *Resolver) invitees(ctx context.Context, event *domain.Event) ([]Recipient, error) {
	org, err := r.roster.GetOrganization(ctx, event.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("loading organization %s: %w", event.OrganizationID, err)
	}
	invitations, err := r.roster.ListInvitations(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("listing invitations: %w", err)
	}

	filter := org.InvitationFilter
	out := make([]Recipient, 0, len(invitations))
	for _, inv := range invitations {
		if excluded(filter.ExcludeStatuses, inv.Status) || !allowed(filter.VendorCategories, inv.VendorCategory) {
			continue
		}
		out = append(out, Recipient{
			Email:          inv.ContactEmail,
			Name:           inv.ContactName,
			Status:         inv.Status,
			VendorCategory: inv.VendorCategory,
			InvitationID:   inv.ID,
		})
	}
	return out, nil
}

func (r *Resolver) registrants(ctx context.Context, eventID string, filter domain.FilterCriteria) ([]Recipient, error) {
	registrations, err := r.roster.ListSubscribedRegistrations(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing registrations: %w", err)
	}

	out := make([]Recipient, 0, len(registrations))
	for _, reg := range registrations {
		if reg.EmailUnsubscribed {
			continue
		}
		if !allowed(filter.Statuses, reg.Status) ||
			excluded(filter.ExcludeStatuses, reg.Status) ||
			!allowed(filter.VendorCategories, reg.VendorCategory) {
			continue
		}
		out = append(out, Recipient{
			Email:          reg.Email,
			Name:           reg.Name,
			BusinessName:   reg.BusinessName,
			Status:         reg.Status,
			VendorCategory: reg.VendorCategory,
			RegistrationID: reg.ID,
		})
	}
	return out, nil
}

// allowed treats an empty list as allowing everything.
func allowed(list []string, v string) bool {
	return len(list) == 0 || slices.Contains(list, v)
}

func excluded(list []string, v string) bool {
	return len(list) > 0 && slices.Contains(list, v)
}

// dedupe normalizes addresses and keeps the first candidate for each.
// Candidates without an address are dropped.
func dedupe(in []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, c := range in {
		c.Email = domain.NormalizeEmail(c.Email)
		if c.Email == "" {
			continue
		}
		if _, ok := seen[c.Email]; ok {
			continue
		}
		seen[c.Email] = struct{}{}
		out = append(out, c)
	}
	return out
}
