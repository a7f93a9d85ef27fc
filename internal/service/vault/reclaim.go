package vault

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"duck-adhoc/internal/metrics"
)

// DefaultReclaimSchedule runs the sweep at the top of every hour.
const DefaultReclaimSchedule = "@hourly"

const sweepTimeout = 5 * time.Minute

// Sweeper is what the reclaim scheduler drives. *Vault implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
	Stats() (Stats, bool)
}

// ReclaimScheduler periodically evicts expired results. A failed or
// panicking sweep is logged and the schedule keeps running.
type ReclaimScheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	started bool
}

// NewReclaimScheduler creates a scheduler. An empty schedule means hourly.
func NewReclaimScheduler(sweeper Sweeper, schedule string, m *metrics.Metrics, logger *slog.Logger) *ReclaimScheduler {
	if schedule == "" {
		schedule = DefaultReclaimSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReclaimScheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		sweeper:  sweeper,
		schedule: schedule,
		metrics:  m,
		logger:   logger.With("component", "reclaim-scheduler"),
		baseCtx:  context.Background(),
	}
}

// Start registers the sweep and starts the cron loop. Sweeps derive their
// context from ctx.
func (s *ReclaimScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { _, _ = s.RunOnce(s.sweepContext()) }); err != nil {
		return fmt.Errorf("invalid reclaim schedule %q: %w", s.schedule, err)
	}
	s.baseCtx = ctx
	s.started = true
	s.cron.Start()
	s.logger.Info("reclaim scheduler started", "schedule", s.schedule)
	return nil
}

func (s *ReclaimScheduler) sweepContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Stop stops the cron loop and waits for a running sweep to finish.
func (s *ReclaimScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("reclaim scheduler stopped")
}

// RunOnce performs one sweep. Panics from the store are recovered and
// returned as errors.
func (s *ReclaimScheduler) RunOnce(ctx context.Context) (evicted int, err error) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reclaim sweep panicked: %v", r)
		}
		if err != nil {
			s.logger.Error("reclaim sweep failed", "evicted", evicted, "error", err)
		} else {
			attrs := []any{"evicted", evicted}
			if st, ok := s.sweeper.Stats(); ok {
				attrs = append(attrs, "remaining", st.Entries)
			}
			if evicted > 0 {
				s.logger.Info("reclaim sweep completed", attrs...)
			} else {
				s.logger.Debug("reclaim sweep found nothing expired", attrs...)
			}
		}
		s.metrics.ObserveSweep(evicted, time.Since(start).Seconds(), err != nil)
	}()

	return s.sweeper.Sweep(ctx)
}
