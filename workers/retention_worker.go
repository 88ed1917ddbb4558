// workers/retention_worker.go
package workers

import (
	"context"
	"fmt"
	"time"

	"practice-session-system/logger"
	"practice-session-system/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// RetentionWorker periodically drops expired idempotency records and idle
// in-process rate-limit buckets. Both are housekeeping: settlement
// correctness does not depend on either sweep running.
type RetentionWorker struct {
	idem     *services.Idempotency
	limiter  *services.MemoryLimiter // nil when the Redis limiter is in use
	interval time.Duration
	clock    clockwork.Clock
	log      *logger.Logger
}

func NewRetentionWorker(idem *services.Idempotency, limiter *services.MemoryLimiter, interval time.Duration, clock clockwork.Clock, log *logger.Logger) *RetentionWorker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RetentionWorker{
		idem:     idem,
		limiter:  limiter,
		interval: interval,
		clock:    clock,
		log:      log.With("worker", "RetentionWorker"),
	}
}

// Start schedules the sweep and stops it when ctx is cancelled.
func (w *RetentionWorker) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithClock(w.clock))
	if err != nil {
		return fmt.Errorf("create retention scheduler: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() { w.RunOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule retention sweep: %w", err)
	}

	sched.Start()
	w.log.Info("retention worker started", "interval", w.interval)

	go func() {
		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			w.log.Warn("retention scheduler shutdown", "error", err)
		}
		w.log.Info("retention worker stopped")
	}()
	return nil
}

// RunOnce performs one sweep.
func (w *RetentionWorker) RunOnce(ctx context.Context) {
	if w.idem != nil {
		n, err := w.idem.Sweep(ctx)
		if err != nil {
			w.log.Error("idempotency sweep failed", "error", err)
		} else if n > 0 {
			w.log.Info("expired idempotency records removed", "count", n)
		}
	}
	if w.limiter != nil {
		// A bucket idle for two sweep intervals has long since refilled
		if n := w.limiter.Sweep(2 * w.interval); n > 0 {
			w.log.Debug("idle rate-limit buckets removed", "count", n)
		}
	}
}
