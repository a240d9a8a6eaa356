package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSchedulerTicksUntilStopped(t *testing.T) {
	var ticks atomic.Int64
	s := New(10*time.Millisecond, func(context.Context) { ticks.Add(1) }, zap.NewNop())
	if !s.Start(context.Background()) {
		t.Fatalf("first start must succeed")
	}
	if s.Start(context.Background()) {
		t.Fatalf("second start must report already running")
	}
	time.Sleep(60 * time.Millisecond)
	if !s.Stop() {
		t.Fatalf("stop must succeed while running")
	}
	if s.Stop() {
		t.Fatalf("second stop must report not running")
	}
	got := ticks.Load()
	if got < 2 {
		t.Fatalf("expected several ticks, got %d", got)
	}
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != got {
		t.Fatalf("ticks continued after stop")
	}
}

func TestSchedulerNeverOverlapsTicks(t *testing.T) {
	var inTick atomic.Bool
	var overlapped atomic.Bool
	s := New(5*time.Millisecond, func(context.Context) {
		if !inTick.CompareAndSwap(false, true) {
			overlapped.Store(true)
			return
		}
		// Tick runs longer than the interval.
		time.Sleep(15 * time.Millisecond)
		inTick.Store(false)
	}, zap.NewNop())
	s.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	s.Stop()
	if overlapped.Load() {
		t.Fatalf("ticks overlapped despite self-rescheduling timer")
	}
}

func TestSchedulerStopCancelsTickContext(t *testing.T) {
	canceled := make(chan struct{})
	s := New(time.Hour, func(ctx context.Context) {
		<-ctx.Done()
		close(canceled)
	}, zap.NewNop())
	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatalf("tick context was not canceled on stop")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("stop did not return after tick finished")
	}
	if s.Running() {
		t.Fatalf("scheduler still reports running")
	}
}
