package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vexacloud/streambill/internal"
	"github.com/vexacloud/streambill/internal/gateway"
	"github.com/vexacloud/streambill/internal/handler/webhook"
	"github.com/vexacloud/streambill/internal/jobs"
	"github.com/vexacloud/streambill/internal/proration"
	"github.com/vexacloud/streambill/internal/provisioning"
	"github.com/vexacloud/streambill/internal/repository"
	"github.com/vexacloud/streambill/internal/router"
	"github.com/vexacloud/streambill/internal/routes"
	"github.com/vexacloud/streambill/internal/service"
	"github.com/vexacloud/streambill/internal/telemetry"
	"github.com/vexacloud/streambill/internal/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Register business metrics before any service can record one
	telemetry.InitBusinessMetrics("streambill")

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	// Verify database connection
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	// Initialize store
	store := repository.NewStore(pool)

	// ==========================================================================
	// Gateways
	// ==========================================================================

	gateways := gateway.NewManager(cfg.DefaultGateway, logger)
	if cfg.Stripe.Enabled {
		logger.Info("Registering Stripe gateway...")
		gateways.Register(gateway.NewStripeProvider(cfg.Stripe.SecretKey, logger))
	}
	if cfg.Paystack.Enabled {
		logger.Info("Registering Paystack gateway...")
		gateways.Register(gateway.NewPaystackProvider(cfg.Paystack.SecretKey, cfg.Paystack.BaseURL, logger))
	}
	if cfg.WooCommerce.Enabled {
		logger.Info("Registering WooCommerce gateway...")
		gateways.Register(gateway.NewWooCommerceProvider(cfg.WooCommerce.StoreURL, logger))
	}

	// ==========================================================================
	// Job dispatch
	// ==========================================================================

	var dispatcher jobs.Dispatcher = jobs.NopDispatcher{}
	var natsConn *nats.Conn
	if cfg.Nats.Enabled {
		logger.Info("Connecting to NATS...", "url", cfg.Nats.URL)
		natsConn, err = nats.Connect(cfg.Nats.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("nats connection failed: %w", err)
		}
		defer natsConn.Close()
		dispatcher = jobs.NewNatsDispatcher(natsConn, logger)
		logger.Info("NATS connection established")
	} else {
		logger.Warn("NATS disabled, provisioning jobs will be dropped")
	}

	// ==========================================================================
	// Services
	// ==========================================================================

	reconciler := service.NewSubscriptionOrderService(store, dispatcher, logger)
	planChanges := service.NewPlanChangeService(store, proration.NewCalculator(), gateways, dispatcher, logger)
	renewals := service.NewSubscriptionRenewalService(store, gateways, planChanges, dispatcher, cfg.Renewal.MaxFailures, logger)

	// ==========================================================================
	// Webhook handlers
	// ==========================================================================

	webhookDeps := routes.WebhookDeps{}
	if cfg.Stripe.Enabled {
		h := webhook.NewStripeHandler(reconciler, planChanges, store, cfg.Stripe.WebhookSecret, logger)
		webhookDeps.StripeHandler = h.HandleWebhook
	}
	if cfg.Paystack.Enabled {
		h := webhook.NewPaystackHandler(reconciler, planChanges, store, cfg.Paystack.SecretKey, logger)
		webhookDeps.PaystackHandler = h.HandleWebhook
	}
	if cfg.WooCommerce.Enabled {
		h := webhook.NewWooCommerceHandler(reconciler, store, cfg.WooCommerce.WebhookSecret, logger)
		webhookDeps.WooCommerceHandler = h.HandleWebhook
	}

	// ==========================================================================
	// Router
	// ==========================================================================

	httpMetrics := router.NewHTTPMetrics("streambill")
	r := router.New(
		router.Recovery(logger),
		router.RequestID,
		httpMetrics.Middleware,
		router.Logger(logger),
	)

	routes.RegisterWebhookRoutes(r, webhookDeps)
	routes.RegisterOpsRoutes(r, routes.OpsDeps{
		PingDB: pool.Ping,
		NatsConnected: func() bool {
			if natsConn == nil {
				return false
			}
			return natsConn.IsConnected()
		},
	})

	// ==========================================================================
	// Background workers
	// ==========================================================================

	if natsConn != nil && cfg.Provisioning.Enabled {
		panel := provisioning.NewHTTPClient(cfg.Provisioning.BaseURL, cfg.Provisioning.APIKey, logger)
		w := worker.New(natsConn, store, panel, logger)
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start provisioning worker: %w", err)
		}
		defer w.Stop()
		logger.Info("Provisioning worker started")
	} else if natsConn != nil {
		logger.Warn("Provisioning disabled, dispatched jobs will not be consumed")
	}

	if cfg.Renewal.Enabled {
		sched := worker.NewScheduler(renewals, cfg.Renewal.Interval, 100, logger)
		go sched.Run(ctx)
		logger.Info("Renewal scheduler started", "interval", cfg.Renewal.Interval)
	}

	// ==========================================================================
	// Start server
	// ==========================================================================

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("Shutdown complete")

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
