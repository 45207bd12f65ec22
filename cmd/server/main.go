package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/api"
	"github.com/beaulazear/voxxy-campaign-engine/internal/config"
	"github.com/beaulazear/voxxy-campaign-engine/internal/delivery"
	"github.com/beaulazear/voxxy-campaign-engine/internal/engine"
	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
	"github.com/beaulazear/voxxy-campaign-engine/internal/logging"
	"github.com/beaulazear/voxxy-campaign-engine/internal/metrics"
	"github.com/beaulazear/voxxy-campaign-engine/internal/recipient"
	"github.com/beaulazear/voxxy-campaign-engine/internal/render"
	"github.com/beaulazear/voxxy-campaign-engine/internal/retry"
	"github.com/beaulazear/voxxy-campaign-engine/internal/schedule"
	"github.com/beaulazear/voxxy-campaign-engine/internal/store"
	"github.com/beaulazear/voxxy-campaign-engine/internal/suppression"
	"github.com/beaulazear/voxxy-campaign-engine/internal/telemetry"
	"github.com/beaulazear/voxxy-campaign-engine/internal/unsubscribe"
	"github.com/beaulazear/voxxy-campaign-engine/internal/webhook"
	ws "github.com/beaulazear/voxxy-campaign-engine/internal/websocket"
	"github.com/beaulazear/voxxy-campaign-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	if cfg.UnsubscribeSecret == "" {
		logger.Error("UNSUBSCRIBE_SECRET is required to run the server")
		os.Exit(1)
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is not set, provider webhooks are unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.OTelEndpoint,
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: api.Version,
	})
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	metrics.SetGlobal(m)

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	applied, err := pgStore.RunMigrations(ctx)
	if err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied", "applied", applied)

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")
	rdb := redisStore.Client()

	provider, err := esp.New(ctx, esp.Options{
		Provider:         cfg.ESPProvider,
		APIURL:           cfg.ESPAPIURL,
		APIKey:           cfg.ESPAPIKey,
		Region:           cfg.AWSRegion,
		ConfigurationSet: cfg.SESConfigurationSet,
	})
	if err != nil {
		logger.Error("failed to create email provider", "error", err)
		os.Exit(1)
	}

	policy := delivery.DefaultRetryPolicy()
	policy.MaxRetries = cfg.MaxRetries
	policy.InitialBackoff = cfg.RetryInitialBackoff
	policy.MaxBackoff = cfg.RetryMaxBackoff

	hub := ws.NewHub(logger)
	tracker := delivery.NewTracker(pgStore, policy, logger)
	tracker.SetObserver(hub)

	sup := suppression.NewResolver(pgStore, logger)
	resolver := recipient.NewResolver(pgStore, sup, logger)
	gate := schedule.NewGate(cfg.OverdueGracePeriod)
	links := unsubscribe.NewSigner(cfg.PublicBaseURL, cfg.UnsubscribeSecret)

	queue := engine.NewRetryQueue(rdb, logger)
	messages := engine.NewMessageCache(rdb, cfg.MessageTTL)
	breaker := engine.NewCircuitBreaker(rdb, engine.BreakerConfig{
		FailureThreshold: cfg.CircuitFailureThreshold,
		Cooldown:         cfg.CircuitCooldown,
	}, logger)
	limiter := engine.NewRateLimiter(rdb, time.Minute, logger)
	sender := worker.NewSender(provider, breaker, limiter, cfg.OrgRateLimit, logger)

	retries := retry.NewScheduler(tracker, queue, messages, cfg.RetrySweepGrace, logger)
	processor := webhook.NewProcessor(tracker, sup, pgStore, logger)
	processor.EnableRetries(retries)

	scheduler := worker.NewScheduler(worker.SchedulerConfig{
		PollInterval: cfg.SchedulerPollInterval,
		Concurrency:  cfg.DispatchConcurrency,
		FromEmail:    cfg.ESPFromEmail,
		FromName:     cfg.ESPFromName,
	}, worker.SchedulerDeps{
		Instances: pgStore,
		Roster:    pgStore,
		Resolver:  resolver,
		Renderer:  render.New(),
		Links:     links,
		Sender:    sender,
		Tracker:   tracker,
		Messages:  messages,
		Gate:      gate,
		Redis:     rdb,
	}, logger)

	deliverer := worker.NewDeliverer(tracker, sender, queue, messages, sup, logger)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	dispatcher := worker.NewDispatcher(queue, pool, cfg.RetryPollInterval, logger)
	sweeper := worker.NewRetrySweeper(worker.SweeperConfig{
		Interval: cfg.RetrySweepInterval,
		Grace:    cfg.RetrySweepGrace,
		Lookback: cfg.MessageTTL,
	}, tracker, retries, rdb, logger)

	go hub.Run(ctx)
	pool.Start(ctx)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Start(ctx)
	}()
	go scheduler.Start(ctx)
	go sweeper.Start(ctx)

	router := api.NewRouter(api.Deps{
		Instances:   pgStore,
		Metrics:     pgStore,
		Resolver:    resolver,
		Suppression: sup,
		Tracker:     tracker,
		Gate:        gate,
		Runner:      scheduler,
		Processor:   processor,
		Links:       links,
		Queue:       queue,
		Breaker:     breaker,
		Provider:    provider.Name(),
		Hub:         hub,
		Registry:    m.Registry(),
		Health: map[string]api.Pinger{
			"postgres": pgStore,
			"redis":    redisStore,
		},
		WebhookSecret: cfg.WebhookSecret,
		CORSOrigins:   cfg.CORSAllowedOrigins,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "esp_provider", provider.Name())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// In-flight retries finish before the stores close.
	<-dispatcherDone
	pool.Stop()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to flush traces", "error", err)
	}

	logger.Info("server stopped")
}
