// Package sweeper runs the retention sweep of the temporary bucket on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filestore_sweeper_runs_total",
		Help: "Retention sweeper runs by outcome",
	}, []string{"status"})

	sweepFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filestore_sweeper_files_deleted_total",
		Help: "Temporary files soft-deleted by the retention sweeper",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "filestore_sweeper_duration_seconds",
		Help:    "Retention sweep duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// Cleaner is the operation the sweeper schedules.
type Cleaner interface {
	CleanExpiredTempFiles(ctx context.Context, ttlHours int) (int, error)
}

// Result describes one sweep.
type Result struct {
	Deleted  int
	Skipped  bool // Another sweep was still running
	Duration time.Duration
	Err      error
}

// Sweeper triggers Cleaner on a schedule. Runs never overlap.
type Sweeper struct {
	cleaner  Cleaner
	schedule string
	ttlHours int
	timeout  time.Duration
	logger   *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex // Held for the duration of a sweep
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a sweeper. schedule is a standard cron spec or a descriptor such as "@every 1h".
func New(cleaner Cleaner, schedule string, ttlHours int, logger *slog.Logger) (*Sweeper, error) {
	if ttlHours <= 0 {
		return nil, fmt.Errorf("ttl hours must be positive, got %d", ttlHours)
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cleaner:  cleaner,
		schedule: schedule,
		ttlHours: ttlHours,
		timeout:  10 * time.Minute,
		logger:   logger.With(slog.String("component", "sweeper")),
		cron:     cron.New(),
	}, nil
}

// Start registers the sweep and starts the scheduler. Sweeps stop when ctx is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("sweeper already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.started = true

	s.logger.Info("retention sweeper started",
		slog.String("schedule", s.schedule),
		slog.Int("ttl_hours", s.ttlHours),
	)
	return nil
}

// Stop halts scheduling and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
	s.logger.Info("retention sweeper stopped")
}

// RunOnce performs one sweep. A call made while another sweep is running is skipped.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	if !s.mu.TryLock() {
		s.logger.Warn("previous sweep still running, skipping")
		sweepRunsTotal.WithLabelValues("skipped").Inc()
		return Result{Skipped: true}
	}
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.cleaner.CleanExpiredTempFiles(ctx, s.ttlHours)
	res := Result{Deleted: n, Duration: time.Since(start), Err: err}

	sweepDurationSeconds.Observe(res.Duration.Seconds())
	sweepFilesTotal.Add(float64(n))
	if err != nil {
		sweepRunsTotal.WithLabelValues("error").Inc()
		s.logger.Error("retention sweep failed",
			slog.Int("deleted", n),
			slog.String("error", err.Error()),
		)
		return res
	}
	sweepRunsTotal.WithLabelValues("success").Inc()
	s.logger.Info("retention sweep completed",
		slog.Int("deleted", n),
		slog.Duration("duration", res.Duration),
	)
	return res
}
