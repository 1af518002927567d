// Command otlpingest consumes OTLP metric bundles from Kafka and lands one
// row per data point in Snowflake or BigQuery.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-otlp-ingest/pkg/config"
	"github.com/illmade-knight/go-otlp-ingest/pkg/delivery"
	"github.com/illmade-knight/go-otlp-ingest/pkg/fanout"
	"github.com/illmade-knight/go-otlp-ingest/pkg/messagepipeline"
	"github.com/illmade-knight/go-otlp-ingest/pkg/metrics"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; OTLP_INGEST_* variables override it")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("Invalid log level")
	}
	logger = logger.Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("otlpingest exited with error")
	}
	logger.Info().Msg("otlpingest stopped")
}

// run wires the pipeline and blocks until ctx is cancelled, then drains.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	creds, err := newCredentials(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer creds.close()
	if err := creds.watcher.Start(ctx); err != nil {
		return err
	}
	defer creds.watcher.Stop()

	writer, err := newSinkWriter(ctx, cfg, creds, logger)
	if err != nil {
		return err
	}
	// The buffer closes the writers once it has drained; until the service
	// has started they are closed here.
	owned := newOwnedClosers(logger)
	defer owned.close()
	owned.add(writer)
	backup, err := newBackupWriter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	owned.add(backup)
	buffer, err := delivery.NewBuffer(delivery.Config{
		MaxBytes:         cfg.Delivery.MaxBytes,
		MaxBufferedBytes: cfg.Delivery.MaxBufferedBytes,
		MaxInterval:      cfg.Delivery.MaxInterval,
		RetryWindow:      cfg.Delivery.RetryWindow,
		RetryInitial:     cfg.Delivery.RetryInitial,
		RetryMax:         cfg.Delivery.RetryMax,
		WriteTimeout:     cfg.Delivery.WriteTimeout,
		BackupTimeout:    cfg.Delivery.BackupTimeout,
	}, writer, backup, m, logger)
	if err != nil {
		return err
	}
	m.RegisterFreshness(buffer.OldestPendingAge)

	dlq, err := newDeadLetter(ctx, cfg, creds, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := dlq.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing dead-letter publisher")
		}
	}()
	if d, ok := dlq.(interface{ Depth() int64 }); ok {
		m.RegisterDeadLetterDepth(d.Depth)
	}

	connector, err := newConnector(cfg, logger)
	if err != nil {
		return err
	}
	transformer := fanout.NewTransformer(logger, m)

	service, err := messagepipeline.NewProcessingService[types.RowEvent](messagepipeline.ServiceConfig{
		NumWorkers:      cfg.Pipeline.NumWorkers,
		BatchSize:       cfg.Kafka.BatchSize,
		MaxWait:         cfg.Kafka.MaxWait,
		MaxPollFailures: cfg.Pipeline.MaxPollFailures,
		BackoffInitial:  cfg.Pipeline.BackoffInitial,
		BackoffMax:      cfg.Pipeline.BackoffMax,
	}, connector, creds.watcher, buffer, transformer.Transform, dlq, m, logger)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := service.Start(gctx); err != nil {
			return err
		}
		owned.release()
		<-gctx.Done()

		logger.Info().Dur("drain_timeout", cfg.Delivery.DrainTimeout).Msg("Shutting down...")
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Delivery.DrainTimeout)
		defer cancel()
		return service.Stop(drainCtx)
	})
	return g.Wait()
}
