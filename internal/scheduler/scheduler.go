// Package scheduler provides deferred and recurring task execution with
// explicit cancellation. Every monitoring loop in the system runs under
// it, so stopping an experiment or a threshold change can always cancel
// its pending re-schedule.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of scheduled work. The context is cancelled when the
// task's token is cancelled or the scheduler stops.
type Task func(ctx context.Context)

// CancelToken cancels a scheduled task. Safe to call more than once.
type CancelToken struct {
	once   sync.Once
	cancel context.CancelFunc
	timer  *time.Timer
}

// Cancel stops the pending or recurring task. A task already executing
// observes cancellation through its context. The pending timer is
// stopped by the context watcher, which also settles the scheduler's
// wait count exactly once.
func (t *CancelToken) Cancel() {
	t.once.Do(t.cancel)
}

// Scheduler runs tasks after a delay or on a recurring interval, bounded
// by a worker semaphore so a burst of due tasks cannot exhaust the
// process.
type Scheduler struct {
	logger  *zap.Logger
	workers chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler allowing up to maxConcurrent tasks to run at
// once.
func New(maxConcurrent int, logger *zap.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:  logger,
		workers: make(chan struct{}, maxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule runs task once after delay. The returned token cancels the
// pending run.
func (s *Scheduler) Schedule(task Task, delay time.Duration) *CancelToken {
	taskCtx, taskCancel := context.WithCancel(s.ctx)
	token := &CancelToken{cancel: taskCancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		taskCancel()
		return token
	}
	s.wg.Add(1)
	s.mu.Unlock()

	token.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		defer taskCancel()
		s.run(taskCtx, task)
	})

	// The timer never fires if cancelled first; release the waiter.
	go func() {
		<-taskCtx.Done()
		if token.timer.Stop() {
			s.wg.Done()
		}
	}()

	return token
}

// ScheduleRecurring runs task every interval until the token is cancelled
// or the scheduler stops. Ticks are skipped, not queued, when a previous
// run is still holding a worker slot past the next tick.
func (s *Scheduler) ScheduleRecurring(task Task, interval time.Duration) *CancelToken {
	taskCtx, taskCancel := context.WithCancel(s.ctx)
	token := &CancelToken{cancel: taskCancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		taskCancel()
		return token
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				s.run(taskCtx, task)
			}
		}
	}()

	return token
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.workers }()

	if ctx.Err() != nil {
		return
	}
	task(ctx)
}

// Stop cancels all scheduled work and waits for running tasks to finish,
// bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("timeout waiting for scheduled tasks to finish")
		return ctx.Err()
	}
}
