// Package scheduler runs periodic maintenance over remote sessions: releasing
// workers of finished sessions and failing sessions whose worker never
// reported in.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/opflow/internal/logging"
)

// Sweeper is the part of the engine the scheduler drives.
// Satisfied by *engine.Engine (avoids import cycle).
type Sweeper interface {
	ReleaseWorkers(ctx context.Context) (int, error)
	FailStalePending(ctx context.Context, timeout time.Duration) (int, error)
}

// Scheduler runs sweeps on a cron schedule.
type Scheduler struct {
	sweeper      Sweeper
	schedule     cron.Schedule
	startTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// running dedups overlapping sweeps.
	running sync.Mutex
}

// Parser accepts standard five-field specs and descriptors such as "@every 1m".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler parses spec. startTimeout <= 0 disables the stale-pending sweep.
func NewScheduler(sw Sweeper, spec string, startTimeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	sched, err := Parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return &Scheduler{
		sweeper:      sw,
		schedule:     sched,
		startTimeout: startTimeout,
		logger:       logging.OrDiscard(logger),
		now:          time.Now,
	}, nil
}

// Start launches the background loop. It runs one sweep immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("sweeper started")
	return nil
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.Sweep(ctx)
	for {
		wait := time.Until(s.NextRun(s.now()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// NextRun returns the first activation after from.
func (s *Scheduler) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Released int
	Failed   int
	Skipped  bool
}

// Sweep releases finished workers and fails stale pending sessions. A sweep
// that overlaps a running one is skipped.
func (s *Scheduler) Sweep(ctx context.Context) SweepReport {
	if !s.running.TryLock() {
		return SweepReport{Skipped: true}
	}
	defer s.running.Unlock()

	var rep SweepReport
	released, err := s.sweeper.ReleaseWorkers(ctx)
	if err != nil {
		s.logger.Error("failed to release workers", slog.String("error", err.Error()))
	}
	rep.Released = released

	if s.startTimeout > 0 {
		failed, err := s.sweeper.FailStalePending(ctx, s.startTimeout)
		if err != nil {
			s.logger.Error("failed to sweep stale sessions", slog.String("error", err.Error()))
		}
		rep.Failed = failed
	}

	if rep.Released > 0 || rep.Failed > 0 {
		s.logger.Info("sweep finished",
			slog.Int("released", rep.Released),
			slog.Int("failed", rep.Failed),
		)
	}
	return rep
}

// Stop cancels the loop and waits for it.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("sweeper stopped")
	return nil
}
