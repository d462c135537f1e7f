package reflex

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Entity is a simulation entity that scripts can be attached to. It owns its
// attachment records and a minimal transform exposed to scripts through the
// TickContext. Entities are created with Manager.Spawn and destroyed with
// Manager.Despawn.
type Entity struct {
	// id is the entity's unique identifier.
	id uuid.UUID

	// name is cached for fast lookup.
	name string

	// manager owns this entity.
	manager *Manager

	// mask tracks which script slots are attached and active.
	mask Bitmask

	// attachments holds records in insertion order.
	attachments []*Attachment

	// sorted holds the (priority desc, insertion asc) order, rebuilt by
	// Add/Remove under the write lock so readers never mutate it.
	sorted []*Attachment

	// position and velocity form the transform scripts read and write.
	position mgl64.Vec3
	velocity mgl64.Vec3

	// mu protects mask, attachments, sorted and the transform.
	mu sync.RWMutex

	// closed indicates the entity has been despawned.
	closed atomic.Bool

	// pendingTasks holds scheduled tasks targeting this entity.
	pendingTasks []*scheduledTask
	taskMu       sync.Mutex
}

// UUID returns the entity's unique identifier.
func (e *Entity) UUID() uuid.UUID {
	return e.id
}

// Name returns the entity's name.
func (e *Entity) Name() string {
	return e.name
}

// Manager returns the manager that owns this entity.
func (e *Entity) Manager() *Manager {
	return e.manager
}

// Closed returns true if the entity has been despawned.
func (e *Entity) Closed() bool {
	return e.closed.Load()
}

// Position returns the entity's position.
func (e *Entity) Position() mgl64.Vec3 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.position
}

// SetPosition sets the entity's position.
func (e *Entity) SetPosition(pos mgl64.Vec3) {
	e.mu.Lock()
	e.position = pos
	e.mu.Unlock()
}

// Velocity returns the entity's velocity.
func (e *Entity) Velocity() mgl64.Vec3 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.velocity
}

// SetVelocity sets the entity's velocity.
func (e *Entity) SetVelocity(vel mgl64.Vec3) {
	e.mu.Lock()
	e.velocity = vel
	e.mu.Unlock()
}

// Mask returns a copy of the entity's active-script bitmask.
// This is primarily for debugging and testing.
func (e *Entity) Mask() Bitmask {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mask.Clone()
}

// String returns a string representation of the entity for debugging.
func (e *Entity) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.attachments))
	for _, a := range e.attachments {
		if a.Active {
			ids = append(ids, a.ScriptID)
		} else {
			ids = append(ids, a.ScriptID+"(inactive)")
		}
	}
	return fmt.Sprintf("Entity{Name: %s, UUID: %s, Scripts: [%s]}",
		e.name, e.id, strings.Join(ids, ", "))
}

// hasActiveScripts reports whether any attachment is active, without
// touching the attachment list.
func (e *Entity) hasActiveScripts() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.mask.IsZero()
}

// addTask tracks a scheduled task so it can be cancelled on despawn.
func (e *Entity) addTask(task *scheduledTask) {
	e.taskMu.Lock()
	e.pendingTasks = append(e.pendingTasks, task)
	e.taskMu.Unlock()
}

// removeTask stops tracking a task that has executed.
func (e *Entity) removeTask(task *scheduledTask) {
	e.taskMu.Lock()
	for i, t := range e.pendingTasks {
		if t == task {
			e.pendingTasks = append(e.pendingTasks[:i], e.pendingTasks[i+1:]...)
			break
		}
	}
	e.taskMu.Unlock()
}

// close marks the entity despawned and cancels its pending tasks.
// Called by Manager.Despawn after despawn events have been delivered.
func (e *Entity) close() {
	if e.closed.Swap(true) {
		return // Already closed
	}

	e.taskMu.Lock()
	tasks := e.pendingTasks
	e.pendingTasks = nil
	e.taskMu.Unlock()

	for _, task := range tasks {
		task.cancelled.Store(true)
	}

	e.mu.Lock()
	e.attachments = nil
	e.sorted = nil
	e.mask = Bitmask{}
	e.mu.Unlock()
}
