package esp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/metrics"
)

// DefaultAPIURL is the SparkPost v1 API root.
const DefaultAPIURL = "https://api.sparkpost.com/api/v1"

// HTTPSender posts transmissions to a SparkPost-compatible JSON API.
type HTTPSender struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewHTTPSender(baseURL, apiKey string) *HTTPSender {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &HTTPSender{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (s *HTTPSender) Name() string { return ProviderSparkPost }

type transmission struct {
	Options    map[string]bool   `json:"options"`
	Recipients []recipient       `json:"recipients"`
	Content    content           `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type recipient struct {
	Address address `json:"address"`
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type content struct {
	From    address           `json:"from"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Send submits msg as a single-recipient transmission. The transmission id
// is the provider message id.
func (s *HTTPSender) Send(ctx context.Context, msg Message) (string, error) {
	if s.apiKey == "" {
		return "", fmt.Errorf("%s API key not configured", s.Name())
	}

	body, err := json.Marshal(transmission{
		Options:    map[string]bool{"transactional": true},
		Recipients: []recipient{{Address: address{Email: msg.To, Name: msg.ToName}}},
		Content: content{
			From:    address{Email: msg.FromEmail, Name: msg.FromName},
			Subject: msg.Subject,
			HTML:    msg.HTML,
			Text:    msg.Text,
			Headers: msg.Headers,
		},
		Metadata: msg.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("encoding transmission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transmissions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", s.apiKey)

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	metrics.ObserveESPRequest(s.Name(), time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Limit to 4KB; provider responses are small.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return "", &ProviderError{Provider: s.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		Results struct {
			ID                      string `json:"id"`
			TotalAcceptedRecipients int    `json:"total_accepted_recipients"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if result.Results.ID == "" {
		return "", fmt.Errorf("%s response carried no transmission id", s.Name())
	}
	if result.Results.TotalAcceptedRecipients == 0 {
		return "", fmt.Errorf("transmission %s: %w", result.Results.ID, ErrRejected)
	}
	return result.Results.ID, nil
}
