package reflex

import "time"

// TickContext is the entity-scoped context handed to a behavior's Tick and
// HandleEvent hooks. Contexts are pooled by the scheduler; behaviors must
// not retain one past the call they received it in.
type TickContext struct {
	// Entity is the entity the behavior is currently driving.
	Entity *Entity

	// Manager owns the entity and provides cache access, event dispatch
	// and task scheduling.
	Manager *Manager

	// ScriptID identifies the script being driven. Several scripts on one
	// entity see the same entity but different identifiers.
	ScriptID string

	// Tick is the scheduler tick number this context belongs to.
	Tick uint64

	// Now is the tick timestamp.
	Now time.Time

	// Delta is the time elapsed since the previous tick, zero on the
	// first tick.
	Delta time.Duration
}

// reset clears the context for reuse from the pool.
func (ctx *TickContext) reset() {
	*ctx = TickContext{}
}
