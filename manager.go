package reflex

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is the central coordinator. It owns the versioned script cache,
// the entity registry with its attachment records, the deferred task queue
// and the scheduler. Multiple Manager instances can coexist in the same
// process for running isolated simulations.
type Manager struct {
	// cache is the versioned script cache.
	cache *Cache

	// registry interns script identifiers into bitmask slots.
	registry *slotRegistry

	// entities holds all live entities.
	entities   map[uuid.UUID]*Entity
	entitiesMu sync.RWMutex

	// entitiesByName provides name-based lookup.
	entitiesByName   map[string]*Entity
	entitiesByNameMu sync.RWMutex

	// taskQueue holds deferred tasks.
	taskQueue *taskQueue

	// scheduler drives script execution.
	scheduler *Scheduler

	log *slog.Logger
}

// newManager creates a manager. Callers go through Builder.Init.
func newManager(cache *Cache, tickRate time.Duration, workers int, log *slog.Logger) *Manager {
	m := &Manager{
		cache:          cache,
		registry:       &slotRegistry{},
		entities:       make(map[uuid.UUID]*Entity),
		entitiesByName: make(map[string]*Entity),
		taskQueue:      newTaskQueue(),
		log:            log,
	}
	m.scheduler = newScheduler(m, tickRate, workers)
	return m
}

// Cache returns the versioned script cache. Hot-reload triggers install new
// versions through it; the scheduler picks them up on the next tick.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Scheduler returns the execution scheduler.
func (m *Manager) Scheduler() *Scheduler {
	return m.scheduler
}

// Start begins the free-running scheduler loop.
func (m *Manager) Start() {
	m.scheduler.Start()
}

// Step executes one synchronous simulation tick.
func (m *Manager) Step(now time.Time) {
	m.scheduler.Step(now)
}

// Shutdown stops the scheduler and despawns all entities.
func (m *Manager) Shutdown() {
	m.scheduler.Stop()

	m.entitiesMu.Lock()
	entities := make([]*Entity, 0, len(m.entities))
	for _, e := range m.entities {
		entities = append(entities, e)
	}
	m.entitiesMu.Unlock()

	for _, e := range entities {
		m.Despawn(e)
	}
}

// Spawn creates a new entity and registers it with the manager. Scripts
// attached to it receive EventSpawn when attached.
func (m *Manager) Spawn(name string) *Entity {
	e := &Entity{
		id:      uuid.New(),
		name:    name,
		manager: m,
	}

	m.entitiesMu.Lock()
	m.entities[e.id] = e
	m.entitiesMu.Unlock()

	m.entitiesByNameMu.Lock()
	m.entitiesByName[name] = e
	m.entitiesByNameMu.Unlock()

	m.log.Debug("reflex: spawned entity", "entity", name, "uuid", e.id)
	return e
}

// Despawn delivers EventDespawn to the entity's active scripts, closes the
// entity and unregisters it. Despawning an already-closed entity is a no-op.
func (m *Manager) Despawn(e *Entity) {
	if e == nil || e.closed.Load() {
		return
	}

	m.scheduler.deliverEvent(e, EventDespawn{})
	e.close()

	m.entitiesMu.Lock()
	delete(m.entities, e.id)
	m.entitiesMu.Unlock()

	m.entitiesByNameMu.Lock()
	if m.entitiesByName[e.name] == e {
		delete(m.entitiesByName, e.name)
	}
	m.entitiesByNameMu.Unlock()

	m.log.Debug("reflex: despawned entity", "entity", e.name, "uuid", e.id)
}

// Entity retrieves an entity by UUID. Returns nil when unknown.
func (m *Manager) Entity(id uuid.UUID) *Entity {
	m.entitiesMu.RLock()
	defer m.entitiesMu.RUnlock()
	return m.entities[id]
}

// EntityByName retrieves an entity by name. Returns nil when unknown.
func (m *Manager) EntityByName(name string) *Entity {
	m.entitiesByNameMu.RLock()
	defer m.entitiesByNameMu.RUnlock()
	return m.entitiesByName[name]
}

// AllEntities returns a slice of all live entities.
func (m *Manager) AllEntities() []*Entity {
	m.entitiesMu.RLock()
	defer m.entitiesMu.RUnlock()

	entities := make([]*Entity, 0, len(m.entities))
	for _, e := range m.entities {
		if !e.closed.Load() {
			entities = append(entities, e)
		}
	}
	return entities
}

// EntityCount returns the number of live entities.
func (m *Manager) EntityCount() int {
	m.entitiesMu.RLock()
	defer m.entitiesMu.RUnlock()
	return len(m.entities)
}

// snapshotEntities returns the tick iteration snapshot.
func (m *Manager) snapshotEntities() []*Entity {
	return m.AllEntities()
}

// AddAttachment binds a script identifier to an entity with the given
// priority. The attachment starts active and its script receives EventSpawn
// if the script is already installed and instantiable. Attaching an
// identifier that is not yet installed is allowed; the scheduler records
// the failure each tick until a version is installed.
func (m *Manager) AddAttachment(e *Entity, scriptID string, priority int) error {
	if scriptID == "" {
		return ErrEmptyScriptID
	}
	if e == nil || e.closed.Load() {
		return ErrEntityClosed
	}

	slot := m.registry.intern(scriptID)
	if err := e.addAttachment(scriptID, priority, slot); err != nil {
		return err
	}

	m.log.Debug("reflex: attached script",
		"script", scriptID,
		"entity", e.name,
		"priority", priority)

	if m.cache.Contains(scriptID) {
		m.dispatchTo(e, scriptID, EventSpawn{})
	}
	return nil
}

// RemoveAttachment deletes the attachment record for a script identifier.
// Returns false when the entity has no such attachment.
func (m *Manager) RemoveAttachment(e *Entity, scriptID string) bool {
	if e == nil {
		return false
	}
	return e.removeAttachment(scriptID)
}

// SetActive flips an attachment's active flag in place. The record keeps
// its position and priority, so re-activating restores the exact previous
// execution order. Returns false when the entity has no such attachment.
func (m *Manager) SetActive(e *Entity, scriptID string, active bool) bool {
	if e == nil {
		return false
	}
	return e.setActive(scriptID, active)
}

// Dispatch delivers an event to the entity's active scripts in priority
// order, with per-script failure isolation.
func (m *Manager) Dispatch(e *Entity, ev Event) {
	if e == nil || e.closed.Load() {
		return
	}
	m.scheduler.deliverEvent(e, ev)
}

// Broadcast delivers an event to the active scripts of every live entity.
func (m *Manager) Broadcast(ev Event) {
	for _, e := range m.AllEntities() {
		m.scheduler.deliverEvent(e, ev)
	}
}

// dispatchTo delivers an event to a single attachment, isolated.
func (m *Manager) dispatchTo(e *Entity, scriptID string, ev Event) {
	behavior, err := m.cache.Acquire(scriptID)
	if err != nil {
		m.scheduler.recordFailure(scriptID, e, m.scheduler.TickNumber(), time.Now(), err)
		return
	}

	ctx := m.scheduler.acquireCtx(e, scriptID, m.scheduler.TickNumber(), time.Now(), 0)
	m.scheduler.safeInvoke(scriptID, e, ctx.Tick, ctx.Now, func() {
		behavior.HandleEvent(ctx, ev)
	})
	m.scheduler.releaseCtx(ctx)
}

// Schedule queues a one-shot callback against an entity, executed by the
// scheduler after the given delay. The returned handle cancels it. Tasks
// targeting a despawned entity are dropped.
func (m *Manager) Schedule(e *Entity, delay time.Duration, fn TaskFunc) *TaskHandle {
	if e == nil || fn == nil || e.closed.Load() {
		return &TaskHandle{}
	}

	task := &scheduledTask{
		executeAt: time.Now().Add(delay),
		entity:    e,
		fn:        fn,
	}
	e.addTask(task)
	m.taskQueue.Push(task)
	return &TaskHandle{task: task}
}

// TickNumber returns the current scheduler tick number.
func (m *Manager) TickNumber() uint64 {
	return m.scheduler.TickNumber()
}
