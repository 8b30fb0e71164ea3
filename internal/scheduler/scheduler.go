package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Loader fills backend caches; *environment.Environment implements it.
type Loader interface {
	Load(ctx context.Context, start, end time.Time, labels ...string) error
}

// Scheduler periodically loads the trailing lookback window of every service.
type Scheduler struct {
	scheduler *gocron.Scheduler
	loader    Loader
	interval  time.Duration
	lookback  time.Duration
	timeout   time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a new Scheduler. Each run may take at most timeout; zero
// means no limit.
func New(loader Loader, interval, lookback, timeout time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		loader:    loader,
		interval:  interval,
		lookback:  lookback,
		timeout:   timeout,
		log:       log.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
	}
}

// Start schedules the load job and starts the underlying scheduler. The
// first run starts immediately; runs never overlap.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.log.Info().Msg("load interval not set; nothing to schedule")
		return nil
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(s.run)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) run() {
	ctx := s.log.WithContext(context.Background())
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	end := s.now()
	start := end.Add(-s.lookback)
	s.log.Info().Time("start", start).Time("end", end).Msg("running load job")
	if err := s.loader.Load(ctx, start, end); err != nil {
		s.log.Warn().Err(err).Msg("load job finished with errors")
		return
	}
	s.log.Info().Dur("took", time.Since(end)).Msg("load job completed")
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
