package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gocoin/internal/config"
	"github.com/mihaimyh/gocoin/pkg/api"
	"github.com/mihaimyh/gocoin/pkg/billing"
	billingprom "github.com/mihaimyh/gocoin/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gocoin/pkg/billing/stripe"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
	zerologadapter "github.com/mihaimyh/gocoin/pkg/gocoin/logger/zerolog"
	gocoinprom "github.com/mihaimyh/gocoin/pkg/gocoin/metrics/prometheus"
	"github.com/mihaimyh/gocoin/pkg/renewal"
	"github.com/mihaimyh/gocoin/storage/postgres"
	redislease "github.com/mihaimyh/gocoin/storage/redis"
)

const (
	userHeader        = "X-User-ID"
	staleSweepEvery   = 15 * time.Minute
	staleSweepLimit   = 100
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zl := newZerolog(cfg)
	if err := run(cfg, &zl); err != nil {
		zl.Error().Err(err).Msg("gocoind exited with error")
		os.Exit(1)
	}
}

func newZerolog(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var zl zerolog.Logger
	if cfg.LogFormat == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(os.Stdout)
	}
	return zl.Level(level).With().Timestamp().Str("service", "gocoind").Logger()
}

func run(cfg config.Config, zl *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := zerologadapter.NewLogger(zl)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	coinMetrics := gocoinprom.NewMetrics(registry, cfg.MetricsNamespace)
	billingMetrics := billingprom.NewMetrics(registry, cfg.MetricsNamespace)

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pgConfig.Logger = logger
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer store.Close()

	breaker := gocoin.NewCircuitBreaker(gocoin.CircuitBreakerConfig{
		OnStateChange: func(state gocoin.CircuitBreakerState) {
			coinMetrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("Storage circuit breaker changed state", gocoin.Field{Key: "state", Value: string(state)})
		},
	})
	manager, err := gocoin.NewManager(gocoin.NewCircuitBreakerStorage(store, breaker), gocoin.Config{
		Logger:  logger,
		Metrics: coinMetrics,
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	catalog := gocoin.DefaultCatalog()
	catalog.BonusPercent = cfg.VIPBonusPercent
	pricing := gocoin.DefaultPricing()
	pricing.MessageCost = cfg.MessageCost
	pricing.PhotoUnlockCost = cfg.PhotoUnlockCost
	if cfg.GiftPrices != nil {
		pricing.Gifts = cfg.GiftPrices
	}

	var gateway billing.Gateway
	var reconciler *billing.Reconciler
	apiConfig := api.Config{
		Manager:   manager,
		GetUserID: api.FromHeader(userHeader),
		Pricing:   gocoin.StaticPricing(pricing),
	}
	if !cfg.StripeDisabled {
		gw, err := stripe.NewGateway(stripe.Config{
			APIKey:        cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Metrics:       billingMetrics,
		})
		if err != nil {
			return fmt.Errorf("create stripe gateway: %w", err)
		}
		gateway = gw

		billingConfig := billing.Config{
			Manager:    manager,
			Gateway:    gateway,
			Catalog:    catalog,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
			Metrics:    billingMetrics,
			Logger:     logger,
		}
		initiator, err := billing.NewInitiator(billingConfig)
		if err != nil {
			return fmt.Errorf("create checkout initiator: %w", err)
		}
		reconciler, err = billing.NewReconciler(billingConfig)
		if err != nil {
			return fmt.Errorf("create reconciler: %w", err)
		}
		apiConfig.Initiator = initiator
		apiConfig.Confirmer = billing.NewConfirmer(reconciler)
	}

	lifecycles, err := renewal.NewService(manager, catalog, gateway)
	if err != nil {
		return fmt.Errorf("create lifecycle service: %w", err)
	}
	apiConfig.Lifecycles = lifecycles

	sweeperConfig := renewal.Config{
		Manager:     manager,
		Interval:    cfg.SweepInterval,
		Concurrency: cfg.SweepConcurrency,
		Logger:      logger,
	}
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		lease, err := redislease.New(client, redislease.DefaultConfig())
		if err != nil {
			return fmt.Errorf("create sweep lease: %w", err)
		}
		sweeperConfig.Lease = lease
	}
	sweeper, err := renewal.NewSweeper(sweeperConfig)
	if err != nil {
		return fmt.Errorf("create sweeper: %w", err)
	}

	coinAPI, err := api.NewHandler(apiConfig)
	if err != nil {
		return fmt.Errorf("create api handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if reconciler != nil {
		r.Handle("/webhooks/stripe", reconciler.WebhookHandler(billing.WebhookOptions{
			RateLimit:  120,
			RateWindow: time.Minute,
		}))
	}
	r.Route("/v1", func(r chi.Router) {
		coinAPI.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go sweeper.Run(ctx)
	if reconciler != nil {
		go expireStalePending(ctx, reconciler, logger)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", gocoin.Err(err))
		}
	}()

	logger.Info("gocoind starting",
		gocoin.Field{Key: "addr", Value: cfg.ServerAddress},
		gocoin.Field{Key: "stripe", Value: !cfg.StripeDisabled},
		gocoin.Field{Key: "lease", Value: cfg.RedisAddr != ""})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func expireStalePending(ctx context.Context, reconciler *billing.Reconciler, logger gocoin.Logger) {
	ticker := time.NewTicker(staleSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, _, err := reconciler.ExpireStalePending(ctx, staleSweepLimit); err != nil && ctx.Err() == nil {
			logger.Error("Stale pending sweep failed", gocoin.Err(err))
		}
	}
}
