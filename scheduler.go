package reflex

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTickRate is the free-running scheduler interval: 20 ticks per
// second.
const DefaultTickRate = 50 * time.Millisecond

// Scheduler drives script execution. Each tick it resolves every entity's
// active attachments in priority order, acquires the current instance for
// each script identifier from the cache and invokes its tick hook with an
// entity-scoped context.
//
// Because instances are re-resolved through the cache by identifier on
// every tick, a version installed between ticks is picked up on the next
// one with no entity-side bookkeeping.
type Scheduler struct {
	manager *Manager

	// Worker pool
	workers    int
	workerPool chan func()
	workerWG   sync.WaitGroup

	// Execution state
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Tick tracking
	tickRate   time.Duration
	tickNumber atomic.Uint64
	lastTick   atomic.Int64 // unix nanos, 0 before the first tick

	// ctxPool recycles TickContexts across invocations.
	ctxPool sync.Pool

	failures failureRing
}

// newScheduler creates a scheduler for the manager.
func newScheduler(manager *Manager, tickRate time.Duration, workers int) *Scheduler {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
		if workers < 1 {
			workers = 1
		}
	}
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}

	return &Scheduler{
		manager:    manager,
		workers:    workers,
		workerPool: make(chan func(), workers*4),
		tickRate:   tickRate,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		ctxPool:    sync.Pool{New: func() any { return &TickContext{} }},
	}
}

// Start begins the free-running tick loop. Embedders that drive the
// simulation themselves call Step instead and never Start.
func (s *Scheduler) Start() {
	if s.running.Swap(true) {
		return // Already running
	}

	for i := 0; i < s.workers; i++ {
		s.workerWG.Add(1)
		go s.worker()
	}

	go s.tickLoop()
}

// Stop gracefully shuts down the tick loop and worker pool.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return // Not running
	}

	close(s.stopCh)
	<-s.doneCh

	close(s.workerPool)
	s.workerWG.Wait()
}

// worker is a pool worker that executes jobs.
func (s *Scheduler) worker() {
	defer s.workerWG.Done()
	for fn := range s.workerPool {
		fn()
	}
}

// tickLoop is the free-running scheduler loop.
func (s *Scheduler) tickLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return

		case now := <-ticker.C:
			s.Step(now)

		case <-s.manager.taskQueue.Notify():
			// Process immediate tasks without waiting for the tick.
			s.processTasks(time.Now())
		}
	}
}

// Step executes one synchronous tick at the given time. It is safe to call
// from a single driving goroutine when the free-running loop is not used,
// which also makes execution fully deterministic for tests.
func (s *Scheduler) Step(now time.Time) {
	tick := s.tickNumber.Add(1)

	var delta time.Duration
	if last := s.lastTick.Swap(now.UnixNano()); last != 0 {
		delta = now.Sub(time.Unix(0, last))
	}

	entities := s.manager.snapshotEntities()

	var wg sync.WaitGroup
	for _, e := range entities {
		if e.closed.Load() || !e.hasActiveScripts() {
			continue
		}

		wg.Add(1)
		e := e
		job := func() {
			defer wg.Done()
			s.tickEntity(e, tick, now, delta)
		}

		if s.running.Load() {
			select {
			case s.workerPool <- job:
			default:
				// Worker pool full, run inline
				job()
			}
		} else {
			job()
		}
	}
	wg.Wait()

	s.processTasks(now)
}

// tickEntity runs all active attachments of one entity in priority order.
// One failing script never blocks its siblings.
func (s *Scheduler) tickEntity(e *Entity, tick uint64, now time.Time, delta time.Duration) {
	for _, att := range e.activeOrdered() {
		behavior, err := s.manager.cache.Acquire(att.ScriptID)
		if err != nil {
			s.recordFailure(att.ScriptID, e, tick, now, err)
			s.manager.log.Warn("reflex: script unavailable, skipping",
				"script", att.ScriptID,
				"entity", e.Name(),
				"error", err)
			continue
		}

		ctx := s.acquireCtx(e, att.ScriptID, tick, now, delta)
		s.safeInvoke(att.ScriptID, e, tick, now, func() {
			behavior.Tick(ctx)
		})
		s.releaseCtx(ctx)
	}
}

// deliverEvent delivers an event to all active attachments of an entity in
// priority order, with the same isolation as the tick path.
func (s *Scheduler) deliverEvent(e *Entity, ev Event) {
	tick := s.tickNumber.Load()
	now := time.Now()

	for _, att := range e.activeOrdered() {
		behavior, err := s.manager.cache.Acquire(att.ScriptID)
		if err != nil {
			s.recordFailure(att.ScriptID, e, tick, now, err)
			continue
		}

		ctx := s.acquireCtx(e, att.ScriptID, tick, now, 0)
		s.safeInvoke(att.ScriptID, e, tick, now, func() {
			behavior.HandleEvent(ctx, ev)
		})
		s.releaseCtx(ctx)
	}
}

// processTasks runs all due deferred tasks.
func (s *Scheduler) processTasks(now time.Time) {
	due := s.manager.taskQueue.PopDue(now)
	if len(due) == 0 {
		return
	}

	tick := s.tickNumber.Load()
	for _, task := range due {
		if task.cancelled.Load() || task.entity.closed.Load() {
			continue
		}

		ctx := s.acquireCtx(task.entity, "", tick, now, 0)
		s.safeInvoke("", task.entity, tick, now, func() {
			task.fn(ctx)
		})
		s.releaseCtx(ctx)

		task.entity.removeTask(task)
	}
}

// safeInvoke runs a hook with panic recovery so a misbehaving script cannot
// take down siblings, other entities or the scheduler itself.
func (s *Scheduler) safeInvoke(scriptID string, e *Entity, tick uint64, now time.Time, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("script panic: %v", r)
			s.recordFailure(scriptID, e, tick, now, err)
			s.manager.log.Error("reflex: script panicked",
				"script", scriptID,
				"entity", e.Name(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// recordFailure appends a failure to the diagnostics ring.
func (s *Scheduler) recordFailure(scriptID string, e *Entity, tick uint64, now time.Time, err error) {
	s.failures.record(ScriptFailure{
		ScriptID: scriptID,
		Entity:   e.UUID(),
		Tick:     tick,
		Time:     now,
		Err:      err,
	})
}

// acquireCtx fetches a pooled context and scopes it to one invocation.
func (s *Scheduler) acquireCtx(e *Entity, scriptID string, tick uint64, now time.Time, delta time.Duration) *TickContext {
	ctx := s.ctxPool.Get().(*TickContext)
	ctx.Entity = e
	ctx.Manager = s.manager
	ctx.ScriptID = scriptID
	ctx.Tick = tick
	ctx.Now = now
	ctx.Delta = delta
	return ctx
}

// releaseCtx returns a context to the pool.
func (s *Scheduler) releaseCtx(ctx *TickContext) {
	ctx.reset()
	s.ctxPool.Put(ctx)
}

// TickNumber returns the number of ticks executed so far.
func (s *Scheduler) TickNumber() uint64 {
	return s.tickNumber.Load()
}

// RecentFailures returns the most recent isolated script failures, oldest
// first.
func (s *Scheduler) RecentFailures() []ScriptFailure {
	return s.failures.recent()
}

// FailureCount returns the number of script failures recorded since the
// scheduler was created.
func (s *Scheduler) FailureCount() uint64 {
	return s.failures.totalCount()
}
