// Package reflex attaches hot-reloadable behavior scripts to simulation
// entities.
//
// Reflex keeps compiled scripts in a versioned cache and drives them from a
// tick scheduler:
//   - Versioned script cache with atomic install, lazy instantiation,
//     rollback to the previous version and bounded history
//   - Per-entity attachments with deterministic priority ordering and
//     in-place active toggling
//   - Per-script failure isolation: one broken script never blocks its
//     siblings or other entities
//   - Hot reload: a version installed mid-simulation is picked up on the
//     very next tick, no entity restart required
//
// # Quick Start
//
// Initialize a manager with a compile service (the goscript subpackage
// provides an interpreter-backed one):
//
//	svc := goscript.New()
//	mngr := reflex.NewBuilder().
//	    CompileService(svc).
//	    TickRate(50 * time.Millisecond).
//	    Init()
//
//	unit, err := svc.Compile(ctx, source, "wander")
//	if err != nil {
//	    // CompileError: last installed version keeps running
//	}
//	mngr.Cache().Install("wander", unit)
//
//	gopher := mngr.Spawn("gopher-1")
//	mngr.AddAttachment(gopher, "wander", 100)
//	mngr.Start()
//
// # Hot Reload
//
// Recompile and install again while the simulation runs:
//
//	unit, err := svc.Compile(ctx, newSource, "wander")
//	if err == nil {
//	    mngr.Cache().Install("wander", unit)
//	}
//
// The scheduler resolves instances through the cache by identifier on every
// tick, so the new version takes effect on the next tick. If it misbehaves:
//
//	mngr.Cache().Rollback("wander")
//
// # Scripts
//
// Behaviors implement a minimal capability set:
//
//	type Behavior interface {
//	    Init() error
//	    Tick(ctx *TickContext)
//	    HandleEvent(ctx *TickContext, ev Event)
//	}
//
// Several scripts can be attached to one entity; they execute in
// (priority desc, insertion order asc) order, each isolated from the
// failures of the others.
package reflex

// Version is the reflex version.
const Version = "1.0.0"
