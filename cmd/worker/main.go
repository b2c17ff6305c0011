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

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"announcement-dispatcher/internal/audit"
	"announcement-dispatcher/internal/config"
	"announcement-dispatcher/internal/delivery"
	"announcement-dispatcher/internal/logger"
	"announcement-dispatcher/internal/notifier"
	"announcement-dispatcher/internal/queue"
	"announcement-dispatcher/internal/ratelimit"
	"announcement-dispatcher/internal/store"
	"announcement-dispatcher/internal/telemetry"
	"announcement-dispatcher/internal/worker"
)

func main() {
	cfg := config.Load()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	log := logger.NewFromConfig(cfg, "worker").With().Str("worker_id", workerID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if cfg.QueueBackend == "memory" {
		return errors.New("the memory queue backend cannot be shared with a separate worker; run the api with QUEUE_BACKEND=memory instead")
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	client := queue.NewClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	n, err := notifier.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}
	deliverer := delivery.NewDeliverer(cfg, st, n, audit.NewSink(st, log), log)
	processor := worker.NewProcessor(cfg, q, deliverer, limiter, log)

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return metrics.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info().
			Str("notifier", cfg.NotifierKind).
			Int("concurrency", cfg.WorkerConcurrency).
			Dur("visibility", cfg.VisibilityTimeout).
			Dur("backoff_initial", cfg.BackoffInitial).
			Msg("worker started")
		return processor.Run(gctx)
	})
	return g.Wait()
}
