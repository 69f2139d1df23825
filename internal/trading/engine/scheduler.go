package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/denver/pkg/metrics"
	"go.uber.org/zap"
)

// Cycle is one unit of scheduled work.
type Cycle interface {
	RunCycle(ctx context.Context) (int, error)
}

// Lease is a held distributed lock.
type Lease interface {
	Release(ctx context.Context) error
}

// DistributedLock extends the in-process guard across replicas. TryAcquire
// never blocks; it returns a nil Lease when another holder owns the lock.
type DistributedLock interface {
	TryAcquire(ctx context.Context) (Lease, error)
}

// Scheduler drives cycles on a fixed period. At most one cycle runs at a
// time; a tick or trigger that finds one in flight returns at once.
type Scheduler struct {
	cycle    Cycle
	interval time.Duration
	lock     DistributedLock
	logger   *zap.Logger

	running atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	ticks   sync.WaitGroup
}

// NewScheduler creates a scheduler. lock may be nil.
func NewScheduler(cycle Cycle, interval time.Duration, lock DistributedLock, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Scheduler{
		cycle:    cycle,
		interval: interval,
		lock:     lock,
		logger:   logger.Named("scheduler"),
	}
}

// Start begins ticking until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("matching scheduler is already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.loop(loopCtx, context.WithoutCancel(ctx))
	s.logger.Info("Matching scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop ends future ticks and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("matching scheduler is not running")
	}
	s.started = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.ticks.Wait()
	s.logger.Info("Matching scheduler stopped")
	return nil
}

// Busy reports whether a cycle is in flight.
func (s *Scheduler) Busy() bool { return s.running.Load() }

// Trigger runs one cycle now. skipped is true when a cycle was already in
// flight, here or on another replica, and no work was done. A started cycle
// runs to completion even if ctx is cancelled.
func (s *Scheduler) Trigger(ctx context.Context) (matches int, skipped bool, err error) {
	ctx = context.WithoutCancel(ctx)
	if !s.running.CompareAndSwap(false, true) {
		metrics.MatchingCyclesSkipped.WithLabelValues("busy").Inc()
		s.logger.Debug("matching cycle already running, skipping")
		return 0, true, nil
	}
	defer s.running.Store(false)

	if s.lock != nil {
		lease, err := s.lock.TryAcquire(ctx)
		if err != nil {
			return 0, false, fmt.Errorf("acquire matching lock: %w", err)
		}
		if lease == nil {
			metrics.MatchingCyclesSkipped.WithLabelValues("remote").Inc()
			s.logger.Debug("matching lock held by another replica, skipping")
			return 0, true, nil
		}
		defer func() {
			if rerr := lease.Release(ctx); rerr != nil {
				s.logger.Warn("failed to release matching lock", zap.Error(rerr))
			}
		}()
	}

	matches, err = s.cycle.RunCycle(ctx)
	return matches, false, err
}

func (s *Scheduler) loop(loopCtx, cycleCtx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			s.ticks.Add(1)
			go s.tick(cycleCtx)
		}
	}
}

// tick runs off the ticker goroutine so a slow cycle never delays the timer;
// overlap is handled by the guard in Trigger.
func (s *Scheduler) tick(ctx context.Context) {
	defer s.ticks.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("matching cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if _, _, err := s.Trigger(ctx); err != nil {
		s.logger.Error("matching cycle failed", zap.Error(err))
	}
}
