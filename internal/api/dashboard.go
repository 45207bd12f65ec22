package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
	ws "github.com/beaulazear/voxxy-campaign-engine/internal/websocket"
)

// MetricsReader is the aggregate query behind the dashboard.
type MetricsReader interface {
	GetDeliveryMetrics(ctx context.Context) (*domain.DeliveryMetrics, error)
}

type DashboardHandler struct {
	metrics  MetricsReader
	queue    *engine.RetryQueue
	cb       *engine.CircuitBreaker
	provider string
	hub      *ws.Hub
	logger   *slog.Logger
}

func NewDashboardHandler(m MetricsReader, queue *engine.RetryQueue, cb *engine.CircuitBreaker, provider string, hub *ws.Hub, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{metrics: m, queue: queue, cb: cb, provider: provider, hub: hub, logger: logger}
}

type metricsResponse struct {
	domain.DeliveryMetrics
	RetryQueueDepth  int64                      `json:"retry_queue_depth"`
	CircuitBreaker   engine.CircuitBreakerState `json:"circuit_breaker"`
	WebSocketClients int                        `json:"websocket_clients"`
}

// Metrics returns aggregated system metrics for the dashboard.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.metrics.GetDeliveryMetrics(r.Context())
	if err != nil {
		respondFailure(w, h.logger, err, "failed to get metrics")
		return
	}

	depth, err := h.queue.QueueDepth(r.Context())
	if err != nil {
		h.logger.Warn("failed to read retry queue depth", "error", err)
	}

	resp := metricsResponse{
		DeliveryMetrics: *m,
		RetryQueueDepth: depth,
		CircuitBreaker:  h.cb.GetState(r.Context(), h.provider),
	}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.ClientCount()
	}
	respondJSON(w, http.StatusOK, resp)
}
