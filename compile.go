package reflex

import "context"

// CompiledUnit is an opaque, executable artifact produced by a
// CompileService. The cache never inspects a unit beyond its type name;
// it only hands it back to the service for execution.
type CompiledUnit interface {
	// TypeName returns a human-readable name for diagnostics,
	// e.g. the behavior type declared by the script source.
	TypeName() string
}

// Behavior is the capability set every materialized script instance must
// provide. Heterogeneous script backends are driven uniformly through this
// interface; there is no inheritance between behaviors.
type Behavior interface {
	// Init is called exactly once, immediately after the instance is
	// materialized. A non-nil error leaves the cache entry
	// uninstantiated so a later acquire retries.
	Init() error

	// Tick advances the behavior for one simulation tick. The context is
	// scoped to the entity the behavior is currently driving.
	Tick(ctx *TickContext)

	// HandleEvent delivers an entity-scoped event to the behavior.
	HandleEvent(ctx *TickContext, ev Event)
}

// CompileService turns script source text into executable units and
// materializes behavior instances from them. It is consumed by the cache,
// never implemented by it. The goscript subpackage provides an
// interpreter-backed implementation.
type CompileService interface {
	// Compile produces a unit from source text. It returns a
	// *CompileError when any diagnostic has error severity. Compilation
	// may be long-running; the context lets the caller cancel it.
	// A cancelled or failed compile never reaches the cache.
	Compile(ctx context.Context, source, scriptID string) (CompiledUnit, error)

	// Execute materializes a fresh behavior instance from a unit. It
	// returns an error when the produced value does not satisfy the
	// Behavior contract. Each call yields an independent instance.
	Execute(unit CompiledUnit) (Behavior, error)
}
