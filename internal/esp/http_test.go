package esp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSender_Send(t *testing.T) {
	var got transmission
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transmissions", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":{"total_rejected_recipients":0,"total_accepted_recipients":1,"id":"11668787484950529"}}`))
	}))
	defer server.Close()

	s := NewHTTPSender(server.URL+"/api/v1/", "test-key")
	id, err := s.Send(context.Background(), Message{
		To:        "vendor@example.com",
		FromEmail: "hello@voxxy.events",
		FromName:  "Voxxy",
		Subject:   "See you Saturday",
		HTML:      "<p>hi</p>",
		Metadata:  map[string]string{"instance_id": "inst-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "11668787484950529", id)
	require.Len(t, got.Recipients, 1)
	assert.Equal(t, "vendor@example.com", got.Recipients[0].Address.Email)
	assert.Equal(t, "See you Saturday", got.Content.Subject)
	assert.Equal(t, "inst-1", got.Metadata["instance_id"])
}

func TestHTTPSender_Errors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantRejected bool
	}{
		{"bad request is a rejection", http.StatusBadRequest, `{"errors":[{"message":"invalid recipient"}]}`, true},
		{"throttling is not a rejection", http.StatusTooManyRequests, `{"errors":[{"message":"slow down"}]}`, false},
		{"server error is not a rejection", http.StatusBadGateway, `upstream`, false},
		{"no accepted recipients", http.StatusOK, `{"results":{"total_accepted_recipients":0,"id":"123"}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPSender(server.URL, "key").Send(context.Background(), Message{To: "a@example.com"})
			require.Error(t, err)
			assert.Equal(t, tt.wantRejected, errors.Is(err, ErrRejected), "err: %v", err)
		})
	}
}

func TestHTTPSender_MissingKey(t *testing.T) {
	_, err := NewHTTPSender("", "").Send(context.Background(), Message{To: "a@example.com"})
	assert.Error(t, err)
}
