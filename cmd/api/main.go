package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"announcement-dispatcher/internal/api"
	"announcement-dispatcher/internal/audience"
	"announcement-dispatcher/internal/audit"
	"announcement-dispatcher/internal/broadcast"
	"announcement-dispatcher/internal/config"
	"announcement-dispatcher/internal/delivery"
	"announcement-dispatcher/internal/directory"
	"announcement-dispatcher/internal/logger"
	"announcement-dispatcher/internal/notifier"
	"announcement-dispatcher/internal/queue"
	"announcement-dispatcher/internal/ratelimit"
	"announcement-dispatcher/internal/scheduler"
	"announcement-dispatcher/internal/store"
	"announcement-dispatcher/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.NewFromConfig(cfg, "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api stopped")
	}
}

// taskQueue is what the api process needs from a queue backend.
type taskQueue interface {
	broadcast.Submitter
	api.DLQReader
	worker.TaskQueue
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	var (
		q       taskQueue
		limiter api.Limiter
	)
	inProcess := cfg.QueueBackend == "memory"
	if inProcess {
		log.Warn().Msg("memory queue backend: deliveries run inside the api process")
		q = queue.NewMemoryQueue(cfg)
	} else {
		client := queue.NewClient(cfg)
		defer client.Close()
		q = queue.NewRedisQueue(client, cfg)
		limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	sink := audit.NewSink(st, log)
	resolver := audience.NewResolver(directory.NewPostgres(st.Pool()))
	dispatcher := broadcast.NewDispatcher(cfg, st, resolver, q, sink, log)
	svc := broadcast.NewService(st, dispatcher, sink, log)

	sched, err := scheduler.New(cfg, svc, log)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	server := api.New(svc, q, limiter, st, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})
	if inProcess {
		n, err := notifier.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		deliverer := delivery.NewDeliverer(cfg, st, n, sink, log)
		processor := worker.NewProcessor(cfg, q, deliverer, nil, log)
		g.Go(func() error { return processor.Run(gctx) })
	}
	return g.Wait()
}
