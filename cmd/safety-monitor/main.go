// Package main provides the safety-monitor service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/api/handlers"
	"github.com/ukuqala/medguard/internal/api/middleware"
	"github.com/ukuqala/medguard/internal/config"
	"github.com/ukuqala/medguard/internal/dispatch"
	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/infrastructure/memstore"
	"github.com/ukuqala/medguard/internal/infrastructure/postgres"
	"github.com/ukuqala/medguard/internal/infrastructure/redpanda"
	"github.com/ukuqala/medguard/internal/monitor"
	"github.com/ukuqala/medguard/internal/observability/metrics"
	"github.com/ukuqala/medguard/internal/observability/tracing"
	"github.com/ukuqala/medguard/internal/openfda"
	"github.com/ukuqala/medguard/internal/risk"
	"github.com/ukuqala/medguard/internal/verify"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
	logger.Info("service stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	// Tracing is optional; without an endpoint spans become no-ops.
	if cfg.OTLPEndpoint != "" {
		tcfg := tracing.DefaultConfig(cfg.ServiceName)
		tcfg.OTLPEndpoint = cfg.OTLPEndpoint
		provider, err := tracing.Init(ctx, tcfg)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			provider.Shutdown(shutdownCtx)
		}()
	}

	m := metrics.New()

	store, ping, cleanup, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	gatewayCfg := openfda.DefaultConfig()
	gatewayCfg.BaseURL = cfg.OpenFDABaseURL
	gatewayCfg.APIKey = cfg.OpenFDAAPIKey
	gatewayCfg.Timeout = cfg.OpenFDATimeout
	gatewayCfg.PerMinuteLimit = cfg.OpenFDAPerMinute
	gatewayCfg.PerDayLimit = cfg.OpenFDAPerDay
	gatewayCfg.CacheTTL = cfg.OpenFDACacheTTL
	gateway, err := openfda.New(gatewayCfg, m, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	riskEngine := risk.NewEngine(gateway, risk.DefaultThresholds(), logger)
	verifier := verify.NewEngine(gateway, logger)

	monitorCfg := monitor.DefaultConfig()
	monitorCfg.CheckInterval = cfg.CheckInterval
	monitorCfg.RecallWindow = cfg.RecallWindow
	monitorCfg.AlertTTL = cfg.AlertTTL
	monitorCfg.SeverityFloor = safety.Severity(cfg.SeverityFloor)
	mon := monitor.New(monitorCfg, gateway, riskEngine, store, m, logger)

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.ScanInterval = cfg.ScanInterval
	dispatchCfg.Pool.Workers = cfg.DeliveryWorker

	channelHandlers := dispatch.Handlers{}

	// Event bus is optional; without brokers notifications stay in-app only.
	var producer *redpanda.Producer
	var consumer *redpanda.ProfileConsumer
	if len(cfg.KafkaBrokers) > 0 {
		admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
		if err != nil {
			return fmt.Errorf("connecting to event bus: %w", err)
		}
		if err := admin.EnsureTopics(ctx); err != nil {
			admin.Close()
			return fmt.Errorf("ensuring topics: %w", err)
		}
		admin.Close()

		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		producer, err = redpanda.NewProducer(pcfg, logger)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		defer producer.Close()
		channelHandlers[safety.ChannelEventBus] = dispatch.EventBusHandler(producer)

		ccfg := redpanda.DefaultConsumerConfig()
		ccfg.Brokers = cfg.KafkaBrokers
		ccfg.GroupID = cfg.KafkaGroupID
		consumer, err = redpanda.NewProfileConsumer(ccfg, mon, logger)
		if err != nil {
			return fmt.Errorf("creating consumer: %w", err)
		}
	}

	dispatcher, err := dispatch.New(dispatchCfg, gateway, store, channelHandlers, m, logger)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	if err := dispatcher.LoadSettings(ctx); err != nil {
		return fmt.Errorf("loading notification settings: %w", err)
	}

	// Every alert the monitor emits flows into the notification pipeline and,
	// when the bus is up, out to downstream consumers.
	mon.SetAlertSink(func(ctx context.Context, alert *safety.SafetyAlert) {
		if producer != nil {
			if err := producer.PublishAlert(ctx, alert); err != nil {
				logger.Warn("alert publish failed", zap.String("alert_id", alert.ID), zap.Error(err))
			}
		}
		if err := dispatcher.Notify(ctx, alert); err != nil {
			logger.Warn("alert notification failed", zap.String("alert_id", alert.ID), zap.Error(err))
		}
	})

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("starting monitor: %w", err)
	}
	defer mon.Stop()
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	defer dispatcher.Stop()
	if consumer != nil {
		consumer.Start()
		defer consumer.Stop()
	}

	router := newRouter(cfg, logger, mon, verifier, dispatcher, gateway, ping)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting safety monitor", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// newStore selects postgres when a DSN is configured, otherwise the
// in-memory store. The returned ping reports readiness.
func newStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (safety.Store, func(context.Context) error, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("no database configured, using in-memory store")
		return memstore.New(), func(context.Context) error { return nil }, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("database ping failed: %w", err)
	}

	store := postgres.NewStore(pool, logger)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("connected to database")
	return store, pool.Ping, pool.Close, nil
}

func newRouter(cfg config.Config, logger *zap.Logger, mon *monitor.Monitor, verifier *verify.Engine, dispatcher *dispatch.Dispatcher, gateway *openfda.Client, ping func(context.Context) error) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	safetyHandler := handlers.NewSafetyHandler(mon, verifier, logger)
	notificationHandler := handlers.NewNotificationHandler(dispatcher, gateway, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys()))
		r.Mount("/safety", safetyHandler.Routes())
		r.Mount("/notifications", notificationHandler.Routes())
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"safety-monitor","version":"1.0.0"}`)
}
