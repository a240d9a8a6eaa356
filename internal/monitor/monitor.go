// Package monitor drives the periodic evaluation loop. The timer is
// re-armed only after a tick finishes, so a slow tick stretches the cycle
// instead of stacking overlapping runs.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickFunc runs one full evaluation sweep. It must honor ctx cancellation.
type TickFunc func(ctx context.Context)

type Scheduler struct {
	interval time.Duration
	tick     TickFunc
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, tick TickFunc, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{interval: interval, tick: tick, log: log}
}

// Start launches the loop. It reports false when the loop is already
// running, so a repeated enable command is a no-op.
func (s *Scheduler) Start(parent context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	s.log.Info("monitor started", zap.Duration("interval", s.interval))
	return true
}

// Stop cancels the loop and waits for the current tick to finish. It
// reports false when the loop was not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	s.log.Info("monitor stopped")
	return true
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	// First sweep fires immediately so an enable command gives feedback
	// within one call timeout rather than one full interval.
	s.tick(ctx)
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.interval)
		}
	}
}
