// Package prefetch proactively resolves keys that discovery surfaces expect to
// be needed soon. It is strictly best-effort: its only observable effect is a
// warmer cache for later callers.
package prefetch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"novastream/internal/core"
)

const (
	bloomFalsePositiveRate = 0.001
	bloomScale             = 16 // expected distinct keys per queue slot
)

// Engine is the subset of the orchestrator the scheduler needs: resolution
// itself plus the state used to filter submissions.
type Engine interface {
	Resolve(ctx context.Context, key string) (*core.StreamInfo, error)
	Cached(key string) bool
	InFlight(key string) bool
}

// Task is one queued prefetch request.
type Task struct {
	Key         string
	Priority    core.Priority
	SubmittedAt time.Time
}

// Scheduler accepts prioritized key batches and drains them through a bounded
// worker pool. Submit never blocks: at capacity, the newest lowest-priority
// tasks are dropped to make room.
type Scheduler struct {
	engine   Engine
	workers  int
	maxDepth int
	logger   *zap.Logger

	// queues[core.PriorityHigh] drains first; within a tier, FIFO.
	queues  [3][]Task
	pending *pendingSet
	mutex   sync.Mutex

	wake chan struct{}
	wg   sync.WaitGroup

	dropped uint64
}

func NewScheduler(engine Engine, cfg *core.PrefetchConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		workers:  cfg.Workers,
		maxDepth: cfg.QueueDepth,
		logger:   logger,
		pending:  newPendingSet(uint(cfg.QueueDepth*bloomScale), bloomFalsePositiveRate),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the worker pool and blocks until ctx is canceled and all
// workers have drained out.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting prefetch workers",
		zap.Int("workers", s.workers),
		zap.Int("queue_depth", s.maxDepth))

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Wait()
	return nil
}

// Submit enqueues the keys that are not already cached, in flight, or pending.
// Fire-and-forget: errors during background resolution are logged, never
// surfaced.
func (s *Scheduler) Submit(keys []string, priority core.Priority) {
	now := time.Now()
	enqueued := 0

	for _, key := range keys {
		if key == "" {
			continue
		}
		// Bloom-backed fast path: a resubmission of a queued or dispatched
		// key is rejected before the engine checks and the write lock.
		if s.pending.Has(key) {
			continue
		}
		if s.engine.Cached(key) || s.engine.InFlight(key) {
			continue
		}
		if !s.pending.Add(key) {
			continue
		}

		s.enqueue(Task{Key: key, Priority: priority, SubmittedAt: now})
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Debug("Enqueued prefetch tasks",
			zap.Int("count", enqueued),
			zap.String("priority", priority.String()))
		s.signal()
	}
}

// Depth returns the number of queued (not yet dispatched) tasks.
func (s *Scheduler) Depth() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.queues[0]) + len(s.queues[1]) + len(s.queues[2])
}

// Dropped returns how many tasks have been shed at capacity.
func (s *Scheduler) Dropped() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.dropped
}

func (s *Scheduler) enqueue(t Task) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.queues[t.Priority] = append(s.queues[t.Priority], t)

	for len(s.queues[0])+len(s.queues[1])+len(s.queues[2]) > s.maxDepth {
		s.dropLowestLocked()
	}
}

// dropLowestLocked sheds the newest task of the lowest non-empty tier, so
// higher-priority work is never displaced and older tasks keep their place.
func (s *Scheduler) dropLowestLocked() {
	for p := core.PriorityLow; p <= core.PriorityHigh; p++ {
		q := s.queues[p]
		if len(q) == 0 {
			continue
		}

		victim := q[len(q)-1]
		s.queues[p] = q[:len(q)-1]
		s.pending.Remove(victim.Key)
		s.dropped++

		s.logger.Debug("Dropped prefetch task at capacity",
			zap.String("key", victim.Key),
			zap.String("priority", victim.Priority.String()))
		return
	}
}

func (s *Scheduler) dequeue() (Task, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for p := core.PriorityHigh; p >= core.PriorityLow; p-- {
		q := s.queues[p]
		if len(q) == 0 {
			continue
		}

		t := q[0]
		s.queues[p] = q[1:]
		return t, true
	}

	return Task{}, false
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		t, ok := s.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		// The key stays in the pending set through the resolve so a
		// re-submission during dispatch is still filtered out.
		if _, err := s.engine.Resolve(ctx, t.Key); err != nil {
			s.logger.Debug("Prefetch resolution failed",
				zap.String("key", t.Key),
				zap.String("priority", t.Priority.String()),
				zap.Duration("queued", time.Since(t.SubmittedAt)),
				zap.Error(err))
		}
		s.pending.Remove(t.Key)

		// Let a sibling pick up remaining work if this wake was shared.
		if s.Depth() > 0 {
			s.signal()
		}
	}
}
