package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reelapps/authsync/pkg/observability"
)

const (
	// DefaultInterval is the refresh period, comfortably inside the usual
	// one-hour access token lifetime.
	DefaultInterval = 50 * time.Minute
	DefaultTimeout  = 30 * time.Second
)

// Refresher performs one session refresh.
type Refresher interface {
	RefreshSession(ctx context.Context) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) error

func (f RefresherFunc) RefreshSession(ctx context.Context) error { return f(ctx) }

// Options configures a Scheduler
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Scheduler runs a Refresher periodically. At most one refresh is in
// flight; a tick that fires while the previous one runs is skipped.
type Scheduler struct {
	refresher Refresher
	interval  time.Duration
	timeout   time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler
func New(refresher Refresher, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Scheduler{
		refresher: refresher,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		logger:    opts.Logger.WithField("component", "refresh"),
		metrics:   opts.Metrics,
	}
}

// Start schedules the refresher. Calling Start on a running scheduler does
// nothing.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := CronLogger(s.logger)
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		_ = s.Tick(ctx)
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}

	s.cron, s.ctx, s.cancel = c, ctx, cancel
	c.Start()
	s.logger.WithField("interval", s.interval.String()).Debug("Refresh scheduler started")
	return nil
}

// Stop cancels the schedule and any refresh in flight, then waits for the
// running tick to return. Stop on a stopped scheduler does nothing.
// Callers must not hold locks the refresher takes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.ctx, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Debug("Refresh scheduler stopped")
}

// Running reports whether the schedule is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// Entries returns the number of scheduled jobs: one while running.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return 0
	}
	return len(s.cron.Entries())
}

// Tick runs one refresh bounded by the scheduler timeout. Failures are
// logged and counted; the caller keeps its session.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := s.refresher.RefreshSession(ctx)
	duration := time.Since(start)

	if err != nil {
		s.metrics.Refresh("failure", duration)
		s.logger.WithError(err).WithField("duration_ms", duration.Milliseconds()).Warn("Session refresh failed")
		return err
	}
	s.metrics.Refresh("success", duration)
	s.logger.WithField("duration_ms", duration.Milliseconds()).Debug("Session refreshed")
	return nil
}

// cronLogger routes cron's internal log lines to the structured logger.
type cronLogger struct {
	logger *observability.Logger
}

// CronLogger adapts logger to cron.Logger.
func CronLogger(logger *observability.Logger) cron.Logger {
	return cronLogger{logger: logger}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields[key] = kv[i+1]
	}
	return fields
}
