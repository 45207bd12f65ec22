package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
)

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	var e domain.Event
	err := s.pool.QueryRow(ctx, `
		SELECT id, organization_id, title, location, time_zone, event_date, application_deadline, created_at
		FROM events WHERE id = $1
	`, id).Scan(
		&e.ID, &e.OrganizationID, &e.Title, &e.Location, &e.TimeZone,
		&e.EventDate, &e.ApplicationDeadline, &e.CreatedAt,
	)
	if err != nil {
		return nil, wrapNoRows(err, "event", id)
	}
	return &e, nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	var (
		org    domain.Organization
		filter []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, invitation_filter FROM organizations WHERE id = $1
	`, id).Scan(&org.ID, &org.Name, &filter)
	if err != nil {
		return nil, wrapNoRows(err, "organization", id)
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &org.InvitationFilter); err != nil {
			return nil, fmt.Errorf("decoding invitation filter of organization %s: %w", id, err)
		}
	}
	return &org, nil
}

func (s *PostgresStore) GetCampaignItem(ctx context.Context, id string) (*domain.CampaignItem, error) {
	var item domain.CampaignItem
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(template_id::text, ''), name, category, trigger_type, trigger_days,
			trigger_time, subject_template, body_template, enabled, position
		FROM campaign_items WHERE id = $1
	`, id).Scan(
		&item.ID, &item.TemplateID, &item.Name, &item.Category, &item.TriggerType, &item.TriggerDays,
		&item.TriggerTime, &item.SubjectTemplate, &item.BodyTemplate, &item.Enabled, &item.Position,
	)
	if err != nil {
		return nil, wrapNoRows(err, "campaign item", id)
	}
	return &item, nil
}

// ListSubscribedRegistrations returns the event's registrations that have
// not unsubscribed.
func (s *PostgresStore) ListSubscribedRegistrations(ctx context.Context, eventID string) ([]domain.Registration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, email, name, business_name, status, vendor_category, email_unsubscribed
		FROM registrations
		WHERE event_id = $1 AND NOT email_unsubscribed
		ORDER BY id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying registrations: %w", err)
	}
	defer rows.Close()

	regs := []domain.Registration{}
	for rows.Next() {
		var r domain.Registration
		err := rows.Scan(&r.ID, &r.EventID, &r.Email, &r.Name, &r.BusinessName, &r.Status, &r.VendorCategory, &r.EmailUnsubscribed)
		if err != nil {
			return nil, fmt.Errorf("scanning registration: %w", err)
		}
		regs = append(regs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating registrations: %w", err)
	}
	return regs, nil
}

const invitationColumns = `id, event_id, COALESCE(contact_id::text, ''), contact_email, contact_name, status, vendor_category`

func (s *PostgresStore) ListInvitations(ctx context.Context, eventID string) ([]domain.Invitation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE event_id = $1 ORDER BY id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying invitations: %w", err)
	}
	defer rows.Close()

	invs := []domain.Invitation{}
	for rows.Next() {
		var inv domain.Invitation
		err := rows.Scan(&inv.ID, &inv.EventID, &inv.ContactID, &inv.ContactEmail, &inv.ContactName, &inv.Status, &inv.VendorCategory)
		if err != nil {
			return nil, fmt.Errorf("scanning invitation: %w", err)
		}
		invs = append(invs, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invitations: %w", err)
	}
	return invs, nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, id string) (*domain.Invitation, error) {
	var inv domain.Invitation
	err := s.pool.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE id = $1`, id,
	).Scan(&inv.ID, &inv.EventID, &inv.ContactID, &inv.ContactEmail, &inv.ContactName, &inv.Status, &inv.VendorCategory)
	if err != nil {
		return nil, wrapNoRows(err, "invitation", id)
	}
	return &inv, nil
}
