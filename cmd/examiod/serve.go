package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cychipo/examio-be-sub003/internal/archive"
	"github.com/cychipo/examio-be-sub003/internal/billing"
	"github.com/cychipo/examio-be-sub003/internal/config"
	"github.com/cychipo/examio-be-sub003/internal/consumer"
	"github.com/cychipo/examio-be-sub003/internal/events"
	"github.com/cychipo/examio-be-sub003/internal/gateway"
	"github.com/cychipo/examio-be-sub003/internal/ledger"
	"github.com/cychipo/examio-be-sub003/internal/pricing"
	"github.com/cychipo/examio-be-sub003/internal/server"
	"github.com/cychipo/examio-be-sub003/internal/store/postgres"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Examio ledger and billing server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		// Load configuration.
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Load the price table.
		table := pricing.Default()
		if cfg.PricingFile != "" {
			table, err = pricing.LoadFile(cfg.PricingFile)
			if err != nil {
				return err
			}
			logger.Info("price table loaded", "file", cfg.PricingFile)
		}

		// Connect to Postgres.
		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}

		// Create the event bus. Without NATS the service still runs; facts
		// are dropped and the consumer side stays offline.
		var bus events.Publisher = &events.NoopPublisher{}
		var natsBus *events.NATSBus
		if cfg.NATSURL != "" {
			natsBus, err = events.NewNATSBus(cfg.NATSURL, events.ServiceBilling)
			if err != nil {
				store.Close()
				return err
			}
			bus = natsBus
			logger.Info("events enabled", "nats_url", cfg.NATSURL)
		} else {
			logger.Info("events disabled (EXAMIO_NATS_URL not set)")
		}

		// Wire the services.
		ledgerSvc := ledger.New(store, bus, table, logger)
		gw := gateway.New(cfg.GatewayURL, cfg.GatewayAPIKey, gateway.WithTimeout(cfg.GatewayTimeout))
		billingSvc := billing.New(store, ledgerSvc, gw, bus, table, logger,
			billing.WithPaymentTTL(cfg.PaymentTTL))

		// Start the fact dispatcher when NATS is available.
		var dispatcher *events.Dispatcher
		if natsBus != nil {
			dispatcher = events.NewDispatcher(natsBus, events.ServiceBilling, logger)
			cons := consumer.New(ledgerSvc, store, table, logger)
			if err := cons.Register(dispatcher); err != nil {
				bus.Close()
				store.Close()
				return err
			}
			logger.Info("fact dispatcher started")
		}

		// Start HTTP server.
		srv := server.NewServer(store, ledgerSvc, billingSvc, logger)
		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: srv.NewHTTPHandler(cfg.AuthToken),
		}

		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		// Start the overdue-payment sweeper.
		var sweeper *billing.Sweeper
		if cfg.SweepInterval > 0 {
			sweeper = billing.NewSweeper(billingSvc, cfg.SweepInterval, logger)
			sweeper.Start()
			logger.Info("overdue sweeper started", "interval", cfg.SweepInterval)
		}

		// Start the ledger archive scheduler if a destination is configured.
		var scheduler *archive.Scheduler
		if cfg.ArchiveInterval > 0 && cfg.ArchiveS3Bucket != "" {
			s3Dest, err := archive.NewS3Destination(
				context.Background(),
				cfg.ArchiveS3Bucket,
				cfg.ArchiveS3Key,
				cfg.ArchiveS3Region,
				cfg.ArchiveS3Endpoint,
			)
			if err != nil {
				logger.Error("failed to create S3 archive destination", "err", err)
			} else {
				scheduler = archive.NewScheduler(store, []archive.Destination{s3Dest}, cfg.ArchiveInterval, logger)
				scheduler.Start()
				logger.Info("archive scheduler started", "bucket", cfg.ArchiveS3Bucket, "key", cfg.ArchiveS3Key)
			}
		}

		logger.Info("examio server started", "http_addr", cfg.HTTPAddr)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// Graceful shutdown.
		if scheduler != nil {
			scheduler.Stop()
			logger.Info("archive scheduler stopped")
		}
		if sweeper != nil {
			sweeper.Stop()
			logger.Info("overdue sweeper stopped")
		}
		if dispatcher != nil {
			if err := dispatcher.Close(); err != nil {
				logger.Error("error closing dispatcher", "err", err)
			}
			logger.Info("fact dispatcher stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		if err := bus.Close(); err != nil {
			logger.Error("error closing event bus", "err", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
