package api

import (
	"context"
	"net/http"
	"time"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Pinger is a dependency the health check can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// HealthHandler pings each dependency with a short timeout. Any failure
// turns the response into a 503 so load balancers stop routing here.
func HealthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{
			Status:  "healthy",
			Version: Version,
		}
		code := http.StatusOK

		if len(deps) > 0 {
			resp.Dependencies = make(map[string]string, len(deps))
		}
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				resp.Dependencies[name] = "unavailable: " + err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Dependencies[name] = "ok"
		}

		respondJSON(w, code, resp)
	}
}
