package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/httpapi"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/route"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Info("using in-memory store")
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDriverKey)
		logger.Info("using redis driver index", "addr", cfg.RedisAddr)
	} else {
		index = geo.NewMemoryIndex()
	}

	var estimator route.Estimator
	if cfg.GeoapifyAPIKey != "" {
		estimator = &route.CachedEstimator{
			Inner: route.NewGeoapifyClient(cfg.GeoapifyEndpoint, cfg.GeoapifyAPIKey),
			Cache: route.NewCache(cfg.RouteCacheTTL),
		}
	}

	var charger payments.Charger
	if cfg.StripeAPIKey != "" {
		charger = payments.NewStripeCharger(cfg.StripeAPIKey, cfg.Currency)
		logger.Info("stripe payments enabled")
	} else {
		charger = payments.NopCharger{}
	}

	wsreg := notify.NewWSRegistry()
	sinks := []notify.Sink{wsreg}
	if len(cfg.KafkaBrokers) > 0 {
		ks := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer ks.Close()
		sinks = append(sinks, ks)
		logger.Info("kafka sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.WebhookEndpoint != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookEndpoint, cfg.WebhookKey))
		logger.Info("webhook sink enabled", "endpoint", cfg.WebhookEndpoint)
	}
	broadcaster := notify.NewBroadcaster(logger, sinks...)

	sessions := tracking.NewManager(store, logger)
	coord := &dispatch.Coordinator{
		Store:     store,
		Estimator: estimator,
		Publisher: broadcaster,
		Sessions:  sessions,
		Charger:   charger,
		Index:     index,
		Logger:    logger,
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, sessions, wsreg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	broadcaster.Flush()
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_schema.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
