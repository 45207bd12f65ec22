package api

import (
	"log/slog"
	"net/http"

	"github.com/beaulazear/voxxy-campaign-engine/internal/delivery"
	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
	"github.com/beaulazear/voxxy-campaign-engine/internal/recipient"
	"github.com/beaulazear/voxxy-campaign-engine/internal/schedule"
	"github.com/beaulazear/voxxy-campaign-engine/internal/suppression"
	"github.com/beaulazear/voxxy-campaign-engine/internal/unsubscribe"
	"github.com/beaulazear/voxxy-campaign-engine/internal/webhook"
	ws "github.com/beaulazear/voxxy-campaign-engine/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps is everything the router wires into handlers. Runner, Hub and
// Registry are optional.
type Deps struct {
	Instances     InstanceReader
	Metrics       MetricsReader
	Resolver      *recipient.Resolver
	Suppression   *suppression.Resolver
	Tracker       *delivery.Tracker
	Gate          *schedule.Gate
	Runner        InstanceRunner
	Processor     *webhook.Processor
	Links         *unsubscribe.Signer
	Queue         *engine.RetryQueue
	Breaker       *engine.CircuitBreaker
	Provider      string
	Hub           *ws.Hub
	Registry      *prometheus.Registry
	Health        map[string]Pinger
	WebhookSecret string
	CORSOrigins   []string
	Logger        *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", webhook.SignatureHeader},
		MaxAge:         300,
	}))

	instances := NewInstanceHandler(d.Instances, d.Resolver, d.Tracker, d.Gate, d.Runner, d.Logger)
	deliveries := NewDeliveryHandler(d.Tracker, d.Processor, d.Logger)
	suppressions := NewSuppressionHandler(d.Suppression, d.Logger)
	webhooks := NewWebhookHandler(d.Processor, d.WebhookSecret, d.Logger)
	dashboard := NewDashboardHandler(d.Metrics, d.Queue, d.Breaker, d.Provider, d.Hub, d.Logger)
	unsub := NewUnsubscribeHandler(d.Links, d.Suppression, d.Logger)

	if d.Hub != nil {
		r.Get("/ws", d.Hub.ServeHTTP)
	}
	if d.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}

	r.Get(unsubscribe.Path, unsub.ServeHTTP)
	r.Post(unsubscribe.Path, unsub.ServeHTTP)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/sparkpost", webhooks.SparkPost)
		r.Post("/ses", webhooks.SES)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(d.Health))

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", instances.List)
			r.Get("/overdue", instances.Overdue)
			r.Get("/{id}", instances.Get)
			r.Get("/{id}/recipients", instances.Recipients)
			r.Get("/{id}/recipients/count", instances.Count)
			r.Get("/{id}/schedule", instances.Schedule)
			r.Get("/{id}/stats", instances.Stats)
			r.Post("/{id}/run", instances.Run)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveries.List)
			r.Post("/callbacks", deliveries.Callback)
			r.Get("/{id}", deliveries.Get)
		})

		r.Route("/suppressions", func(r chi.Router) {
			r.Get("/", suppressions.List)
			r.Post("/", suppressions.Create)
			r.Delete("/", suppressions.Delete)
			r.Get("/check", suppressions.Check)
			r.Post("/import", suppressions.Import)
		})

		r.Get("/metrics", dashboard.Metrics)
	})

	return r
}
