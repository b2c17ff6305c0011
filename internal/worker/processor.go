package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"announcement-dispatcher/internal/config"
	"announcement-dispatcher/internal/queue"
	"announcement-dispatcher/internal/ratelimit"
	"announcement-dispatcher/internal/telemetry"
)

// TaskQueue is the lease queue the processor drains.
type TaskQueue interface {
	DequeueWithLease(ctx context.Context) (queue.Task, error)
	ExtendLease(ctx context.Context, id string, extension time.Duration) error
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, t queue.Task, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DLQPush(ctx context.Context, id string) error
}

// Executor runs one delivery attempt and gives up on a recipient when told to.
type Executor interface {
	Attempt(ctx context.Context, announcementID, recipientID string, final bool) error
	Abandon(ctx context.Context, announcementID, recipientID string, cause error) error
}

// Limiter throttles transport calls across all workers.
type Limiter interface {
	Allow(ctx context.Context, scope string) (ratelimit.Decision, error)
}

const notifierScope = "notifier"

// Processor drives the worker execution loop.
type Processor struct {
	cfg     config.Config
	queue   TaskQueue
	exec    Executor
	limiter Limiter
	log     zerolog.Logger
	now     func() time.Time
}

// NewProcessor builds a processor. limiter may be nil to disable throttling.
func NewProcessor(cfg config.Config, q TaskQueue, exec Executor, limiter Limiter, log zerolog.Logger) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	return &Processor{cfg: cfg, queue: q, exec: exec, limiter: limiter, log: log, now: time.Now}
}

// Run starts the maintenance loop and WorkerConcurrency delivery loops and
// blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.maintain(ctx)
		return nil
	})
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		g.Go(func() error {
			p.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := p.ProcessOne(ctx)
		if err != nil {
			p.log.Error().Err(err).Msg("dequeue failed")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// maintain promotes due retries, reclaims expired leases and publishes queue depth.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.Maintain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Maintain runs one maintenance pass.
func (p *Processor) Maintain(ctx context.Context) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.log.Warn().Err(err).Msg("promote scheduled failed")
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.log.Warn().Err(err).Msg("requeue expired failed")
	} else if len(reclaimed) > 0 {
		p.log.Warn().Int("count", len(reclaimed)).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// ProcessOne leases and handles a single task. It reports false when nothing was ready.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	task, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if task.ID == "" {
		return false, nil
	}
	log := p.log.With().
		Str("task_id", task.ID).
		Str("announcement_id", task.AnnouncementID).
		Str("recipient_id", task.RecipientID).
		Logger()

	if task.AnnouncementID == "" || task.RecipientID == "" {
		log.Warn().Msg("task record missing, dropping")
		p.ack(ctx, log, task.ID)
		return true, nil
	}

	if p.throttled(ctx, log, task) {
		return true, nil
	}

	attempt := task.Attempts + 1
	final := attempt >= p.cfg.MaxAttempts
	telemetry.InFlightGauge.Inc()
	release := p.keepLease(ctx, log, task.ID)
	err = p.exec.Attempt(ctx, task.AnnouncementID, task.RecipientID, final)
	release()
	telemetry.InFlightGauge.Dec()

	switch {
	case err == nil:
		p.ack(ctx, log, task.ID)
	case ctx.Err() != nil:
		// Lease expires and the task is reclaimed.
	case final:
		telemetry.WorkerAbandoned.Inc()
		log.Error().Err(err).Int("attempts", attempt).Msg("giving up on recipient")
		if aerr := p.exec.Abandon(ctx, task.AnnouncementID, task.RecipientID, err); aerr != nil {
			log.Error().Err(aerr).Msg("abandon failed, moving task to dlq")
			if derr := p.queue.DLQPush(ctx, task.ID); derr != nil {
				log.Error().Err(derr).Msg("dlq push failed")
			}
		}
		p.ack(ctx, log, task.ID)
	default:
		telemetry.WorkerRetries.Inc()
		task.Attempts = attempt
		next := p.now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt))
		if rerr := p.queue.Retry(ctx, task, next); rerr != nil {
			log.Error().Err(rerr).Msg("retry schedule failed, lease will expire")
			return true, nil
		}
		log.Info().Err(err).Int("attempts", attempt).Time("next_run", next).Msg("retry scheduled")
	}
	return true, nil
}

// keepLease renews the task's lease every half visibility timeout while an
// attempt runs, so a slow transport call is not reclaimed and run twice. The
// returned func stops the renewals and waits for the last one to finish.
func (p *Processor) keepLease(ctx context.Context, log zerolog.Logger, id string) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := p.queue.ExtendLease(ctx, id, p.cfg.VisibilityTimeout)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrLeaseLost):
				log.Warn().Msg("lease lost during attempt")
				return
			case ctx.Err() == nil:
				log.Warn().Err(err).Msg("lease extension failed")
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// throttled defers the task when the notifier bucket is empty. A deferral does
// not count as an attempt. Limiter errors fail open.
func (p *Processor) throttled(ctx context.Context, log zerolog.Logger, task queue.Task) bool {
	if p.limiter == nil {
		return false
	}
	d, err := p.limiter.Allow(ctx, notifierScope)
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter unavailable, proceeding")
		return false
	}
	if d.Allowed {
		return false
	}
	telemetry.Throttled.Inc()
	delay := p.cfg.ThrottleDelay
	if d.RetryAfter > delay {
		delay = d.RetryAfter
	}
	if err := p.queue.Retry(ctx, task, p.now().Add(delay)); err != nil {
		log.Error().Err(err).Msg("throttle reschedule failed, lease will expire")
	}
	return true
}

func (p *Processor) ack(ctx context.Context, log zerolog.Logger, id string) {
	if err := p.queue.Ack(ctx, id); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
