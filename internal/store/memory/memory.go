// Package memory is an in-process implementation of the engine's storage
// contracts. It enforces the same uniqueness rules as the Postgres schema
// and backs the package tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/google/uuid"
)

type Store struct {
	mu sync.RWMutex

	events        map[string]domain.Event
	organizations map[string]domain.Organization
	items         map[string]domain.CampaignItem
	instances     map[string]domain.ScheduledInstance
	registrations map[string]domain.Registration
	invitations   map[string]domain.Invitation
	suppressions  map[domain.SuppressionKey]domain.Suppression
	deliveries    map[string]domain.DeliveryRecord // by id
	byMessageID   map[string]string                // provider message id -> delivery id
}

func New() *Store {
	return &Store{
		events:        make(map[string]domain.Event),
		organizations: make(map[string]domain.Organization),
		items:         make(map[string]domain.CampaignItem),
		instances:     make(map[string]domain.ScheduledInstance),
		registrations: make(map[string]domain.Registration),
		invitations:   make(map[string]domain.Invitation),
		suppressions:  make(map[domain.SuppressionKey]domain.Suppression),
		deliveries:    make(map[string]domain.DeliveryRecord),
		byMessageID:   make(map[string]string),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}

// --- Seeding ---

func (s *Store) PutEvent(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
}

func (s *Store) PutOrganization(o domain.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.organizations[o.ID] = o
}

func (s *Store) PutCampaignItem(i domain.CampaignItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[i.ID] = i
}

func (s *Store) PutInstance(i domain.ScheduledInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[i.ID] = i
}

func (s *Store) PutRegistration(r domain.Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.registrations[r.ID] = r
}

func (s *Store) PutInvitation(i domain.Invitation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	s.invitations[i.ID] = i
}

// SetRegistrationStatus changes the status of a registration, as the CRUD
// layer would.
func (s *Store) SetRegistrationStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.registrations[id]
	if !ok {
		return notFound("registration", id)
	}
	r.Status = status
	s.registrations[id] = r
	return nil
}

// GetRegistration returns a copy of a stored registration.
func (s *Store) GetRegistration(id string) (domain.Registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.registrations[id]
	return r, ok
}

// --- Roster ---

func (s *Store) GetEvent(_ context.Context, id string) (*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, notFound("event", id)
	}
	return &e, nil
}

func (s *Store) GetOrganization(_ context.Context, id string) (*domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.organizations[id]
	if !ok {
		return nil, notFound("organization", id)
	}
	return &o, nil
}

func (s *Store) GetCampaignItem(_ context.Context, id string) (*domain.CampaignItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.items[id]
	if !ok {
		return nil, notFound("campaign item", id)
	}
	return &i, nil
}

func (s *Store) ListSubscribedRegistrations(_ context.Context, eventID string) ([]domain.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Registration
	for _, r := range s.registrations {
		if r.EventID == eventID && !r.EmailUnsubscribed {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListInvitations(_ context.Context, eventID string) ([]domain.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Invitation
	for _, i := range s.invitations {
		if i.EventID == eventID {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// --- Suppressions ---

func (s *Store) IsSuppressed(_ context.Context, email, eventID, organizationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = domain.NormalizeEmail(email)

	if _, ok := s.suppressions[domain.SuppressionKey{Email: email, Scope: domain.ScopeGlobal}]; ok {
		return true, nil
	}
	if organizationID != "" {
		if _, ok := s.suppressions[domain.SuppressionKey{Email: email, Scope: domain.ScopeOrganization, OrganizationID: organizationID}]; ok {
			return true, nil
		}
	}
	if eventID != "" {
		if _, ok := s.suppressions[domain.SuppressionKey{Email: email, Scope: domain.ScopeEvent, EventID: eventID}]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) FindSuppression(_ context.Context, key domain.SuppressionKey) (*domain.Suppression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.suppressions[key]
	if !ok {
		return nil, notFound("suppression", key.Email)
	}
	return &sup, nil
}

func (s *Store) InsertSuppression(_ context.Context, sup *domain.Suppression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.SuppressionKey{Email: sup.Email, Scope: sup.Scope, EventID: sup.EventID, OrganizationID: sup.OrganizationID}
	if _, ok := s.suppressions[key]; ok {
		return domain.ErrDuplicate
	}
	if sup.ID == "" {
		sup.ID = uuid.NewString()
	}
	s.suppressions[key] = *sup
	return nil
}

func (s *Store) DeleteSuppression(_ context.Context, key domain.SuppressionKey) (*domain.Suppression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sup, ok := s.suppressions[key]
	if !ok {
		return nil, notFound("suppression", key.Email)
	}
	delete(s.suppressions, key)
	return &sup, nil
}

func (s *Store) ListSuppressions(_ context.Context, f domain.SuppressionFilter) ([]domain.Suppression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Suppression
	for _, sup := range s.suppressions {
		if f.Email != "" && sup.Email != f.Email ||
			f.Scope != "" && string(sup.Scope) != f.Scope ||
			f.EventID != "" && sup.EventID != f.EventID ||
			f.OrganizationID != "" && sup.OrganizationID != f.OrganizationID ||
			f.Source != "" && string(sup.Source) != f.Source {
			continue
		}
		out = append(out, sup)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SuppressedAt.Equal(out[j].SuppressedAt) {
			return out[i].SuppressedAt.After(out[j].SuppressedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Offset, f.Limit), nil
}

func (s *Store) ClearRegistrationUnsubscribed(_ context.Context, email, eventID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.registrations {
		if r.EventID == eventID && r.EmailUnsubscribed && strings.EqualFold(strings.TrimSpace(r.Email), email) {
			r.EmailUnsubscribed = false
			s.registrations[id] = r
			n++
		}
	}
	return n, nil
}

// --- Deliveries ---

func (s *Store) InsertDelivery(_ context.Context, rec *domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byMessageID[rec.ProviderMessageID]; ok {
		return domain.ErrDuplicate
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.deliveries[rec.ID] = *rec
	s.byMessageID[rec.ProviderMessageID] = rec.ID
	return nil
}

func (s *Store) GetDeliveryByMessageID(_ context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMessageID[providerMessageID]
	if !ok {
		return nil, notFound("delivery", providerMessageID)
	}
	rec := s.deliveries[id]
	return &rec, nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (*domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.deliveries[id]
	if !ok {
		return nil, notFound("delivery", id)
	}
	return &rec, nil
}

func (s *Store) UpdateDelivery(_ context.Context, rec *domain.DeliveryRecord, fromStatus domain.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.deliveries[rec.ID]
	if !ok {
		return notFound("delivery", rec.ID)
	}
	if cur.Status != fromStatus {
		return domain.ErrConflict
	}
	if rec.ProviderMessageID != cur.ProviderMessageID {
		if _, taken := s.byMessageID[rec.ProviderMessageID]; taken {
			return domain.ErrDuplicate
		}
		delete(s.byMessageID, cur.ProviderMessageID)
		s.byMessageID[rec.ProviderMessageID] = rec.ID
	}
	rec.CreatedAt = cur.CreatedAt
	s.deliveries[rec.ID] = *rec
	return nil
}

func (s *Store) ListDeliveries(_ context.Context, f domain.DeliveryFilter) ([]domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DeliveryRecord
	for _, rec := range s.deliveries {
		if f.ScheduledInstanceID != "" && rec.ScheduledInstanceID != f.ScheduledInstanceID ||
			f.InvitationID != "" && rec.InvitationID != f.InvitationID ||
			f.Status != "" && string(rec.Status) != f.Status ||
			f.Email != "" && rec.RecipientEmail != f.Email {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, f.Limit), nil
}

func (s *Store) ListRetryCandidates(_ context.Context, sweep domain.RetrySweep) ([]domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DeliveryRecord
	for _, rec := range s.deliveries {
		if rec.Status != domain.DeliveryBounced || rec.BounceType != domain.BounceSoft ||
			!rec.UpdatedAt.After(sweep.Since) {
			continue
		}
		due := rec.NextRetryAt != nil && !rec.NextRetryAt.After(sweep.DueBefore)
		lost := rec.NextRetryAt == nil && rec.RetryCount < sweep.MaxRetries && !rec.UpdatedAt.After(sweep.SettledBefore)
		if due || lost {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, sweep.Limit), nil
}

func (s *Store) GetInvitation(_ context.Context, id string) (*domain.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invitations[id]
	if !ok {
		return nil, notFound("invitation", id)
	}
	return &inv, nil
}

// --- Scheduled instances ---

func (s *Store) GetInstance(_ context.Context, id string) (*domain.ScheduledInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, notFound("scheduled instance", id)
	}
	return &inst, nil
}

// ListScheduledDue returns scheduled instances with a fire time at or before
// cutoff, oldest first.
func (s *Store) ListScheduledDue(_ context.Context, cutoff time.Time, limit int) ([]domain.ScheduledInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ScheduledInstance
	for _, inst := range s.instances {
		if inst.Status == domain.InstanceScheduled && inst.FireTime != nil && !inst.FireTime.After(cutoff) {
			out = append(out, inst)
		}
	}
	slices.SortFunc(out, func(a, b domain.ScheduledInstance) int {
		return a.FireTime.Compare(*b.FireTime)
	})
	return page(out, 0, limit), nil
}

func (s *Store) MarkInstanceSent(_ context.Context, id string, recipientCount int, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return notFound("scheduled instance", id)
	}
	if inst.Status != domain.InstanceScheduled {
		return domain.ErrConflict
	}
	inst.Status = domain.InstanceSent
	inst.RecipientCount = recipientCount
	inst.SentAt = &sentAt
	inst.UpdatedAt = sentAt
	s.instances[id] = inst
	return nil
}

func (s *Store) MarkInstanceFailed(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return notFound("scheduled instance", id)
	}
	if inst.Status != domain.InstanceScheduled {
		return domain.ErrConflict
	}
	inst.Status = domain.InstanceFailed
	inst.ErrorMessage = message
	inst.UpdatedAt = time.Now().UTC()
	s.instances[id] = inst
	return nil
}

// ListInstances returns an event's instances ordered by fire time, unset
// fire times last.
func (s *Store) ListInstances(_ context.Context, eventID, status string, limit int) ([]domain.ScheduledInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.ScheduledInstance{}
	for _, inst := range s.instances {
		if eventID != "" && inst.EventID != eventID || status != "" && string(inst.Status) != status {
			continue
		}
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b domain.ScheduledInstance) int {
		switch {
		case a.FireTime == nil && b.FireTime == nil:
			return strings.Compare(a.ID, b.ID)
		case a.FireTime == nil:
			return 1
		case b.FireTime == nil:
			return -1
		}
		if c := a.FireTime.Compare(*b.FireTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return page(out, 0, limit), nil
}

// --- Metrics ---

func (s *Store) GetDeliveryMetrics(_ context.Context) (*domain.DeliveryMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var m domain.DeliveryMetrics
	for _, rec := range s.deliveries {
		m.TotalDeliveries++
		switch rec.Status {
		case domain.DeliveryQueued:
			m.Queued++
		case domain.DeliverySent:
			m.Sent++
		case domain.DeliveryDelivered:
			m.Delivered++
		case domain.DeliveryBounced:
			if rec.BounceType == domain.BounceHard {
				m.HardBounced++
			} else {
				m.SoftBounced++
			}
		case domain.DeliveryDropped:
			m.Dropped++
		case domain.DeliveryUnsubscribed:
			m.Unsubscribed++
		}
	}
	m.SetRate()
	m.Suppressions = len(s.suppressions)
	for _, inst := range s.instances {
		switch inst.Status {
		case domain.InstanceScheduled:
			m.ScheduledInstances++
		case domain.InstanceSent:
			m.SentInstances++
		case domain.InstanceFailed:
			m.FailedInstances++
		}
	}
	return &m, nil
}

func page[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
