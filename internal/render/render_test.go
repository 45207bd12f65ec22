package render

import (
	"sync"
	"testing"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	r := New()
	date := time.Date(2026, 5, 16, 15, 0, 0, 0, time.UTC)
	event := &domain.Event{ID: "evt-1", Title: "Spring Market", Location: "Pier 3", EventDate: &date}
	item := &domain.CampaignItem{
		ID:              "item-1",
		SubjectTemplate: "{{ event_title }} is coming up",
		BodyTemplate:    `<p>Hi {{ name | first_name | default: "there" }}, see you {{ event_date }} at {{ event_location }}.</p><a href="{{ unsubscribe_url }}">unsubscribe</a>`,
	}

	vars := Variables(event, &domain.Organization{Name: "Makers"}, Recipient{Email: "a@example.com", Name: "Ada Lovelace"}, "https://x/u?t=1")
	out, err := r.Render(item, vars)
	require.NoError(t, err)

	assert.Equal(t, "Spring Market is coming up", out.Subject)
	assert.Contains(t, out.HTML, "Hi Ada,")
	assert.Contains(t, out.HTML, "Saturday, May 16, 2026")
	assert.Contains(t, out.HTML, "Pier 3")
	assert.Contains(t, out.HTML, "https://x/u?t=1")
}

func TestRender_MissingVariableIsEmpty(t *testing.T) {
	out, err := New().Render(&domain.CampaignItem{SubjectTemplate: "Hello {{ nickname }}!", BodyTemplate: "x"}, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "Hello !", out.Subject)
}

func TestValidate(t *testing.T) {
	r := New()
	assert.NoError(t, r.Validate(&domain.CampaignItem{SubjectTemplate: "{{ a }}", BodyTemplate: "{% if a %}x{% endif %}"}))

	err := r.Validate(&domain.CampaignItem{SubjectTemplate: "ok", BodyTemplate: "{% if a %}never closed"})
	assert.True(t, domain.IsValidation(err))
}

func TestRender_Concurrent(t *testing.T) {
	r := New()
	item := &domain.CampaignItem{SubjectTemplate: "{{ name }}", BodyTemplate: "{{ email }}"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Render(item, map[string]any{"name": "n", "email": "e"})
			assert.NoError(t, err)
			assert.Equal(t, "n", out.Subject)
		}()
	}
	wg.Wait()
}
