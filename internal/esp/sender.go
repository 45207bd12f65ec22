// Package esp hands rendered messages to an email service provider. The
// provider id it returns is the key delivery records and webhooks share.
package esp

import (
	"context"
	"errors"
	"fmt"
)

// Message is one rendered email to one recipient.
type Message struct {
	To        string            `json:"to"`
	ToName    string            `json:"to_name,omitempty"`
	FromEmail string            `json:"from_email"`
	FromName  string            `json:"from_name,omitempty"`
	Subject   string            `json:"subject"`
	HTML      string            `json:"html"`
	Text      string            `json:"text,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	// Metadata is echoed back by providers that support it.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sender submits a message and returns the provider's message id.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) (string, error)
}

// ErrRejected marks a message the provider refused outright. Retrying the
// same message will not help.
var ErrRejected = errors.New("message rejected by provider")

// ProviderError is a non-success response from the provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Unwrap reports client errors other than throttling as rejections.
func (e *ProviderError) Unwrap() error {
	if e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429 {
		return ErrRejected
	}
	return nil
}

// Metadata keys the scheduler attaches to every message.
const (
	MetadataInstanceID     = "instance_id"
	MetadataEventID        = "event_id"
	MetadataOrganizationID = "organization_id"
)

// Provider names accepted by New.
const (
	ProviderSparkPost = "sparkpost"
	ProviderSES       = "ses"
)

// Options configures New.
type Options struct {
	Provider         string
	APIURL           string
	APIKey           string
	Region           string
	ConfigurationSet string
}

// New builds the sender named by opts.Provider.
func New(ctx context.Context, opts Options) (Sender, error) {
	switch opts.Provider {
	case ProviderSparkPost, "":
		return NewHTTPSender(opts.APIURL, opts.APIKey), nil
	case ProviderSES:
		return NewSESSender(ctx, opts.Region, opts.ConfigurationSet)
	}
	return nil, fmt.Errorf("unknown ESP provider %q", opts.Provider)
}
