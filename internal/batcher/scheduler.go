package batcher

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Scheduler runs batch cycles on a cron schedule. One scheduler runs per
// process; the advisory lock inside RunCycle keeps multiple instances of a
// deployment from double-batching the same proofs.
type Scheduler struct {
	batcher *Batcher
	cron    *gocron.Scheduler
	logger  *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(b *Batcher, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		batcher: b,
		cron:    gocron.NewScheduler(time.UTC),
		logger:  logger,
	}
}

// Start registers the batch job under the cron expression and begins running
// it asynchronously. Restarting replaces the previous job and cancels any
// cycle still in flight.
func (s *Scheduler) Start(ctx context.Context, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Cancel any previous context to avoid leaks on restarts.
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	// Clear any existing jobs to avoid duplicates on (re)start.
	s.cron.Clear()

	jobFunc := func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in batch job",
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))
			}
		}()

		s.mu.Lock()
		jobCtx := s.ctx
		s.mu.Unlock()
		if jobCtx == nil || jobCtx.Err() != nil {
			return
		}

		if err := s.batcher.RunCycle(jobCtx); err != nil {
			// Batcher failures never reach callers: log and wait for the
			// next cycle to retry.
			s.logger.Error("batch cycle failed", zap.Error(err))
		}
	}

	if j, err := s.cron.Cron(cronExpr).Do(jobFunc); err != nil {
		// Fallback for schedules that include seconds.
		j2, err2 := s.cron.CronWithSeconds(cronExpr).Do(jobFunc)
		if err2 != nil {
			return errors.Wrap(err, "register batch job")
		}
		j2.SingletonMode()
	} else {
		// Prevent overlapping cycles.
		j.SingletonMode()
	}

	s.cron.StartAsync()
	s.logger.Info("batch scheduler started", zap.String("schedule", cronExpr))
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("batch scheduler stopped")
}

// RunOnce executes one batch cycle immediately, outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.batcher.RunCycle(ctx)
}
