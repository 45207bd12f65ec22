// Package render fills campaign item templates with per-recipient values.
package render

import (
	"fmt"
	"sync"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/osteele/liquid"
)

// Renderer parses and caches liquid templates. It is safe for concurrent
// use.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // template source -> *liquid.Template
}

func New() *Renderer {
	engine := liquid.NewEngine()

	// {{ name | default: "there" }} is built in; this one trims to a first name.
	engine.RegisterFilter("first_name", func(s string) string {
		for i, r := range s {
			if r == ' ' {
				return s[:i]
			}
		}
		return s
	})

	return &Renderer{engine: engine}
}

// Content is a rendered subject and body.
type Content struct {
	Subject string
	HTML    string
}

// Render applies vars to the item's subject and body templates.
func (r *Renderer) Render(item *domain.CampaignItem, vars map[string]any) (Content, error) {
	subject, err := r.renderString(item.SubjectTemplate, vars)
	if err != nil {
		return Content{}, fmt.Errorf("rendering subject of item %s: %w", item.ID, err)
	}
	body, err := r.renderString(item.BodyTemplate, vars)
	if err != nil {
		return Content{}, fmt.Errorf("rendering body of item %s: %w", item.ID, err)
	}
	return Content{Subject: subject, HTML: body}, nil
}

// Validate reports template syntax errors without rendering.
func (r *Renderer) Validate(item *domain.CampaignItem) error {
	if _, err := r.template(item.SubjectTemplate); err != nil {
		return &domain.ValidationError{Field: "subject_template", Message: err.Error()}
	}
	if _, err := r.template(item.BodyTemplate); err != nil {
		return &domain.ValidationError{Field: "body_template", Message: err.Error()}
	}
	return nil
}

func (r *Renderer) renderString(src string, vars map[string]any) (string, error) {
	tpl, err := r.template(src)
	if err != nil {
		return "", err
	}
	out, serr := tpl.RenderString(vars)
	if serr != nil {
		return "", serr
	}
	return out, nil
}

func (r *Renderer) template(src string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(src); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	r.cache.Store(src, tpl)
	return tpl, nil
}

// Recipient is the per-address data templates can reference.
type Recipient struct {
	Email          string
	Name           string
	BusinessName   string
	VendorCategory string
	Status         string
}

// Variables builds the template bindings for one recipient of event.
func Variables(event *domain.Event, org *domain.Organization, rcpt Recipient, unsubscribeURL string) map[string]any {
	vars := map[string]any{
		"email":           rcpt.Email,
		"name":            rcpt.Name,
		"business_name":   rcpt.BusinessName,
		"vendor_category": rcpt.VendorCategory,
		"status":          rcpt.Status,
		"event_title":     event.Title,
		"event_location":  event.Location,
		"unsubscribe_url": unsubscribeURL,
	}
	if org != nil {
		vars["organization_name"] = org.Name
	}
	if event.EventDate != nil {
		vars["event_date"] = formatDate(*event.EventDate, event.TimeZone)
	}
	if event.ApplicationDeadline != nil {
		vars["application_deadline"] = formatDate(*event.ApplicationDeadline, event.TimeZone)
	}
	return vars
}

func formatDate(t time.Time, zone string) string {
	if loc, err := time.LoadLocation(zone); err == nil && zone != "" {
		t = t.In(loc)
	}
	return t.Format("Monday, January 2, 2006")
}
