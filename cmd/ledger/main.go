package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"paymentledger/internal/common/database"
	"paymentledger/internal/common/events"
	"paymentledger/internal/common/metrics"
	"paymentledger/internal/common/middleware"
	natsclient "paymentledger/internal/common/nats"
	"paymentledger/internal/ledger"
	"paymentledger/internal/ledger/api"
	"paymentledger/internal/ledger/ingest"
	"paymentledger/internal/ledger/store"
	"paymentledger/internal/providers/acquiring"
)

// Config holds service configuration
type Config struct {
	Port         int    `envconfig:"LEDGER_PORT" default:"8085"`
	Environment  string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"json"`
	MaxBodyBytes int64  `envconfig:"LEDGER_MAX_BODY_BYTES" default:"65536"`

	// Storage is "postgres" or "bolt"
	Storage  string `envconfig:"LEDGER_STORAGE" default:"postgres"`
	BoltPath string `envconfig:"LEDGER_BOLT_PATH" default:"ledger.db"`

	NATSEnabled      bool `envconfig:"NATS_ENABLED" default:"false"`
	IngestEnabled    bool `envconfig:"INGEST_ENABLED" default:"true"`
	AcquiringEnabled bool `envconfig:"ACQUIRING_ENABLED" default:"false"`

	Ledger    ledger.Config
	Database  database.Config
	NATS      natsclient.Config
	Acquiring acquiring.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("ledger service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	m := metrics.New()

	var (
		nc        *natsclient.Client
		publisher events.EventPublisher
	)
	if cfg.NATSEnabled {
		nc, err = natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		_, err = nc.EnsureStream(ctx, natsclient.DefaultStreamConfig(cfg.NATS.Stream, []string{
			natsclient.Subject(events.EventPaymentTransactionEvent),
			natsclient.Subject("ledger.>"),
		}))
		if err != nil {
			return err
		}
		publisher = natsclient.NewPublisher(nc, logger)
	}

	ledgerService, err := ledger.NewService(repo, publisher, m, cfg.Ledger, logger)
	if err != nil {
		return err
	}

	consumer := ingest.NewConsumer(ledgerService, publisher, logger)
	if nc != nil && cfg.IngestEnabled {
		jsConsumer, err := nc.EnsureConsumer(ctx, natsclient.DefaultConsumerConfig(
			"ledger-ingest", cfg.NATS.Stream, natsclient.Subject(events.EventPaymentTransactionEvent)))
		if err != nil {
			return err
		}
		go func() {
			if err := natsclient.NewSubscriber(jsConsumer, logger).Start(ctx, consumer.Handle); err != nil && ctx.Err() == nil {
				logger.Error("ingest stopped", "error", err)
				cancel()
			}
		}()
	}

	var acquirer *acquiring.Adapter
	if cfg.AcquiringEnabled {
		// Without a broker, notifications go straight to the ledger.
		var sink events.EventPublisher = consumer
		if publisher != nil {
			sink = publisher
		}
		acquirer = acquiring.NewAdapter(cfg.Acquiring, sink, logger)
		if nc != nil {
			if err := acquirer.Subscribe(nc); err != nil {
				return err
			}
			defer acquirer.Close()
		}
	}

	// Create handlers
	ledgerHandler := api.NewHandler(ledgerService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(m.HTTP)
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	r.Use(chimw.Compress(5))

	// Liveness
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Readiness checks every dependency the service writes to
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ledgerService.Ping(r.Context()); err != nil {
			logger.Warn("storage not ready", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		if nc != nil {
			if err := nc.HealthCheck(); err != nil {
				logger.Warn("nats not ready", "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", m.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", ledgerHandler.Routes())
	})

	if acquirer != nil {
		r.Mount("/webhooks/acquiring", acquiring.NewWebhookHandler(acquirer, cfg.Acquiring.WebhookSecret, logger).Routes())
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting ledger service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"storage", cfg.Storage,
			"nats", cfg.NATSEnabled,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func openRepository(ctx context.Context, cfg Config, logger *slog.Logger) (store.Repository, func(), error) {
	switch cfg.Storage {
	case "bolt":
		repo, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using bolt storage", "path", cfg.BoltPath)
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.Error("closing bolt", "error", err)
			}
		}, nil

	case "postgres":
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(store.Migrations, store.MigrationsDir, cfg.Database.URL, logger); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		return store.NewPostgres(db), db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown LEDGER_STORAGE %q", cfg.Storage)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "payment-ledger")
}
