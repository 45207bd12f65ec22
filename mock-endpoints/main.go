// Command mock-endpoints is a local stand-in for the SparkPost transmissions
// API. It accepts transmissions and, when CALLBACK_URL is set, posts a signed
// event batch back to the engine's /webhooks/sparkpost endpoint.
//
// The outcome is picked from a tag in the recipient's local part:
//
//	alex+softbounce@example.com  -> bounce, class 21
//	alex+hardbounce@example.com  -> bounce, class 10
//	alex+complaint@example.com   -> spam_complaint
//	alex+unsub@example.com       -> list_unsubscribe
//	alex+reject@example.com      -> transmission accepted for zero recipients
//	alex+fail@example.com        -> 500 from the transmissions API
//
// Anything else is delivered.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/logging"
	"github.com/beaulazear/voxxy-campaign-engine/internal/webhook"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

var (
	transmissionCount atomic.Int64
	callbackCount     atomic.Int64
	callbackFailures  atomic.Int64
)

type mockESP struct {
	callbackURL string
	secret      string
	delay       time.Duration
	client      *http.Client
	logger      *slog.Logger
}

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	delay := 2 * time.Second
	if d, err := time.ParseDuration(os.Getenv("CALLBACK_DELAY")); err == nil {
		delay = d
	}

	m := &mockESP{
		callbackURL: os.Getenv("CALLBACK_URL"),
		secret:      os.Getenv("WEBHOOK_SECRET"),
		delay:       delay,
		client:      &http.Client{Timeout: 5 * time.Second},
		logger:      logging.New(os.Stdout, logging.ParseLevel(os.Getenv("LOG_LEVEL"))),
	}

	http.HandleFunc("POST /api/v1/transmissions", m.transmissions)

	http.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{
			"transmissions":     transmissionCount.Load(),
			"callbacks":         callbackCount.Load(),
			"callback_failures": callbackFailures.Load(),
		})
	})

	m.logger.Info("mock ESP starting",
		"port", port,
		"callback_url", m.callbackURL,
		"callback_delay", m.delay.String(),
	)
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		m.logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

type transmissionRequest struct {
	Recipients []struct {
		Address struct {
			Email string `json:"email"`
		} `json:"address"`
	} `json:"recipients"`
	Metadata map[string]string `json:"metadata"`
}

func (m *mockESP) transmissions(w http.ResponseWriter, r *http.Request) {
	count := transmissionCount.Add(1)

	var req transmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Recipients) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"errors": []map[string]string{{"message": "invalid transmission"}},
		})
		return
	}
	rcpt := req.Recipients[0].Address.Email
	tag := outcomeTag(rcpt)
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:18]

	m.logger.Info("transmission received", "n", count, "id", id, "outcome", tag,
		"recipient", logging.RedactEmail(rcpt))

	switch tag {
	case "fail":
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"errors": []map[string]string{{"message": "internal error"}},
		})
		return
	case "reject":
		writeJSON(w, http.StatusOK, transmissionResponse(id, 0))
		return
	}

	writeJSON(w, http.StatusOK, transmissionResponse(id, 1))

	if m.callbackURL != "" {
		go m.callback(id, rcpt, tag)
	}
}

func transmissionResponse(id string, accepted int) map[string]any {
	return map[string]any{
		"results": map[string]any{
			"id":                        id,
			"total_accepted_recipients": accepted,
			"total_rejected_recipients": 1 - accepted,
		},
	}
}

// outcomeTag returns the "+tag" of an address's local part, or "".
func outcomeTag(email string) string {
	local, _, _ := strings.Cut(email, "@")
	_, tag, ok := strings.Cut(local, "+")
	if !ok {
		return ""
	}
	return strings.ToLower(tag)
}

func eventFor(id, rcpt, tag string) (string, map[string]string) {
	ev := map[string]string{
		"transmission_id": id,
		"rcpt_to":         rcpt,
		"timestamp":       fmt.Sprint(time.Now().Unix()),
	}
	switch tag {
	case "softbounce":
		ev["type"], ev["bounce_class"], ev["reason"] = "bounce", "21", "452 mailbox full"
		return "message_event", ev
	case "hardbounce":
		ev["type"], ev["bounce_class"], ev["reason"] = "bounce", "10", "550 user unknown"
		return "message_event", ev
	case "complaint":
		ev["type"] = "spam_complaint"
		return "message_event", ev
	case "unsub":
		ev["type"] = "list_unsubscribe"
		return "unsubscribe_event", ev
	}
	ev["type"] = "delivery"
	return "message_event", ev
}

// callback posts the outcome back to the engine, retrying while it answers
// 5xx or is unreachable.
func (m *mockESP) callback(id, rcpt, tag string) {
	time.Sleep(m.delay)

	category, ev := eventFor(id, rcpt, tag)
	body, err := json.Marshal([]map[string]any{
		{"msys": map[string]any{category: ev}},
	})
	if err != nil {
		m.logger.Error("encoding callback", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	status, err := backoff.Retry(ctx, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.callbackURL, bytes.NewReader(body))
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if m.secret != "" {
			req.Header.Set(webhook.SignatureHeader, "sha256="+webhook.Sign(body, m.secret))
		}

		resp, err := m.client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return resp.StatusCode, fmt.Errorf("engine answered %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))

	if err != nil {
		callbackFailures.Add(1)
		m.logger.Warn("callback failed", "id", id, "event", ev["type"], "error", err)
		return
	}
	callbackCount.Add(1)
	m.logger.Info("callback delivered", "id", id, "event", ev["type"], "status", status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
