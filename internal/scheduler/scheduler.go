// Package scheduler is the time trigger: it sends Scheduled announcements
// once their send time has passed and redrives stalled runs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"announcement-dispatcher/internal/config"
)

// Sender is the slice of the broadcast service the scheduler drives.
type Sender interface {
	SendDue(ctx context.Context, limit int) (int, error)
	RedriveStalled(ctx context.Context, before time.Time, limit int) (int, error)
}

type Scheduler struct {
	sender       Sender
	log          zerolog.Logger
	spec         string
	loc          *time.Location
	stalledAfter time.Duration
	batch        int
	parser       cron.Parser
	now          func() time.Time

	mu  sync.Mutex
	c   *cron.Cron
	ctx context.Context
}

// New validates the cron spec and timezone up front.
func New(cfg config.Config, sender Sender, log zerolog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.SchedulerTimezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.SchedulerTimezone, err)
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	spec := cfg.SchedulerSpec
	if spec == "" {
		spec = "@every 15s"
	}
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("scheduler spec %q: %w", spec, err)
	}
	batch := cfg.ScheduledBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Scheduler{
		sender:       sender,
		log:          log,
		spec:         spec,
		loc:          loc,
		stalledAfter: cfg.StalledRunAfter,
		batch:        batch,
		parser:       parser,
		now:          time.Now,
	}, nil
}

// Start registers the tick and starts the cron runner. Ticks that overrun the
// interval are skipped rather than stacked.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.Tick(s.ctx) }); err != nil {
		return fmt.Errorf("register scheduler tick: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info().Str("spec", s.spec).Str("tz", s.loc.String()).Msg("scheduler started")
	return nil
}

// Stop waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// Tick runs one pass: due scheduled sends first, then stalled-run redrive.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	started, err := s.sender.SendDue(ctx, s.batch)
	if err != nil {
		s.log.Error().Err(err).Msg("send due announcements failed")
	} else if started > 0 {
		s.log.Info().Int("started", started).Msg("scheduled announcements sent")
	}

	if s.stalledAfter <= 0 {
		return
	}
	redriven, err := s.sender.RedriveStalled(ctx, s.now().Add(-s.stalledAfter), s.batch)
	if err != nil {
		s.log.Error().Err(err).Msg("redrive stalled runs failed")
	} else if redriven > 0 {
		s.log.Warn().Int("redriven", redriven).Msg("stalled runs redriven")
	}
}
