package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/refresh"
)

// DefaultSchedule runs the sweep once an hour.
const DefaultSchedule = "@hourly"

// Sweepable is the part of Tracker the sweeper needs.
type Sweepable interface {
	SweepExpired(ctx context.Context, grace time.Duration) (int64, error)
}

// SweepFunc adapts a function to Sweepable.
type SweepFunc func(ctx context.Context, grace time.Duration) (int64, error)

func (f SweepFunc) SweepExpired(ctx context.Context, grace time.Duration) (int64, error) {
	return f(ctx, grace)
}

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Schedule string
	Grace    time.Duration
	Timeout  time.Duration
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Sweeper retires expired sessions on a cron schedule.
type Sweeper struct {
	target   Sweepable
	schedule string
	grace    time.Duration
	timeout  time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a stopped sweeper.
func NewSweeper(target Sweepable, opts SweeperOptions) *Sweeper {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Sweeper{
		target:   target,
		schedule: opts.Schedule,
		grace:    opts.Grace,
		timeout:  opts.Timeout,
		logger:   opts.Logger.WithField("component", "activity_sweeper"),
		metrics:  opts.Metrics,
	}
}

// RunOnce performs one sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.target.SweepExpired(ctx, s.grace)
	if err != nil {
		s.logger.WithError(err).Error("Session sweep failed")
		return 0, err
	}
	s.metrics.Swept(n)
	if n > 0 {
		s.logger.WithField("sessions", n).Info("Retired expired sessions")
	} else {
		s.logger.Debug("No expired sessions found")
	}
	return n, nil
}

// Start schedules the sweep. It is a no-op when already running.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := refresh.CronLogger(s.logger)
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)
	if _, err := c.AddFunc(s.schedule, func() {
		_, _ = s.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.WithField("schedule", s.schedule).Info("Session sweeper started")
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
