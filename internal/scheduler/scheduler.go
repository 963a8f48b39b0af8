// Package scheduler triggers dispatch passes on a fixed interval, guaranteeing
// that passes never overlap even when one runs longer than the interval.
package scheduler

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"invoice-dispatcher/internal/telemetry"
)

// Runner is one dispatch pass.
type Runner interface {
	RunOnce(ctx context.Context) error
}

type Scheduler struct {
	runner   Runner
	interval time.Duration
	running  atomic.Bool
}

func New(runner Runner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{runner: runner, interval: interval}
}

// Run ticks until ctx is cancelled. A tick that fires while a previous pass is
// still executing is skipped, not queued.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.TryRun(ctx) {
				telemetry.SkippedTicks.Inc()
				log.Printf("dispatch pass still running, skipping tick")
			}
		}
	}
}

// TryRun starts a pass if none is in flight. It returns false when a pass was
// already running. The manual trigger endpoint uses the same gate, so an
// operator cannot stack a second pass on top of a scheduled one.
func (s *Scheduler) TryRun(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	defer s.running.Store(false)

	if err := s.runner.RunOnce(ctx); err != nil {
		log.Printf("dispatch pass: %v", err)
	}
	return true
}
