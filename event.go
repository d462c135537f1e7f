package reflex

import "github.com/go-gl/mathgl/mgl64"

// Event is a value delivered to a behavior's HandleEvent hook. Behaviors
// type-switch on the concrete event types they care about.
type Event any

// EventSpawn is emitted to a script when the entity it is attached to has
// just spawned, or when the script is attached to an already-live entity.
type EventSpawn struct{}

// EventDespawn is emitted to active scripts right before their entity is
// despawned.
type EventDespawn struct{}

// EventCollide is emitted by the embedding simulation when two entities
// collide.
type EventCollide struct {
	Other  *Entity
	Point  mgl64.Vec3
	Normal mgl64.Vec3
}

// EventCustom carries a named payload from the embedding simulation to
// scripts that understand it.
type EventCustom struct {
	Name string
	Data any
}
