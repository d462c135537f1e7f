package reflex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// stubUnit is a compiled unit whose execution is scripted by the test.
type stubUnit struct {
	name    string
	factory func() (Behavior, error)
}

func (u *stubUnit) TypeName() string { return u.name }

// stubBehavior is a behavior whose hooks are scripted by the test.
type stubBehavior struct {
	initErr error
	onTick  func(ctx *TickContext)
	onEvent func(ctx *TickContext, ev Event)
}

func (b *stubBehavior) Init() error { return b.initErr }

func (b *stubBehavior) Tick(ctx *TickContext) {
	if b.onTick != nil {
		b.onTick(ctx)
	}
}

func (b *stubBehavior) HandleEvent(ctx *TickContext, ev Event) {
	if b.onEvent != nil {
		b.onEvent(ctx, ev)
	}
}

// stubService counts Execute calls and defers to the unit's factory.
type stubService struct {
	mu       sync.Mutex
	executes int
}

func (s *stubService) Compile(_ context.Context, _, scriptID string) (CompiledUnit, error) {
	return &stubUnit{name: scriptID}, nil
}

func (s *stubService) Execute(cu CompiledUnit) (Behavior, error) {
	s.mu.Lock()
	s.executes++
	s.mu.Unlock()

	u := cu.(*stubUnit)
	if u.factory != nil {
		return u.factory()
	}
	return &stubBehavior{}, nil
}

func (s *stubService) executeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executes
}

func unitNamed(name string) *stubUnit {
	return &stubUnit{name: name}
}

func TestInstall_VersionsStrictlyIncreasing(t *testing.T) {
	c := NewCache(&stubService{})

	ids := []string{"wander", "guard", "wander", "idle", "guard", "wander"}
	var last uint64
	for i, id := range ids {
		v, err := c.Install(id, unitNamed(fmt.Sprintf("%s-%d", id, i)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v <= last {
			t.Fatalf("version %d not greater than previous %d", v, last)
		}
		last = v
	}
	if got := c.CurrentVersion(); got != last {
		t.Fatalf("expected current version %d, got %d", last, got)
	}
	if got := c.Count(); got != 3 {
		t.Fatalf("expected 3 scripts, got %d", got)
	}
}

func TestInstall_Validation(t *testing.T) {
	c := NewCache(&stubService{})

	if _, err := c.Install("", unitNamed("a")); !errors.Is(err, ErrEmptyScriptID) {
		t.Fatalf("expected ErrEmptyScriptID, got %v", err)
	}
	if _, err := c.Install("wander", nil); err == nil {
		t.Fatalf("expected error for nil unit")
	}
	if c.Count() != 0 {
		t.Fatalf("validation failures must not touch the cache")
	}
}

func TestRollback_RestoresPreviousUnit(t *testing.T) {
	c := NewCache(&stubService{})

	if _, err := c.Install("wander", unitNamed("WanderV1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Install("wander", unitNamed("WanderV2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if name, _ := c.TypeName("wander"); name != "WanderV2" {
		t.Fatalf("expected WanderV2, got %s", name)
	}
	if !c.Rollback("wander") {
		t.Fatalf("expected rollback to succeed")
	}
	if name, _ := c.TypeName("wander"); name != "WanderV1" {
		t.Fatalf("expected WanderV1 after rollback, got %s", name)
	}

	// No further predecessor.
	if c.Rollback("wander") {
		t.Fatalf("expected second rollback to fail")
	}
	if c.Rollback("unknown") {
		t.Fatalf("expected rollback of unknown script to fail")
	}
}

func TestAcquire_Idempotent(t *testing.T) {
	svc := &stubService{}
	c := NewCache(svc)

	if _, err := c.Install("wander", unitNamed("Wander")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := c.Acquire("wander")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.Acquire("wander")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same instance identity")
	}
	if svc.executeCount() != 1 {
		t.Fatalf("expected 1 execute, got %d", svc.executeCount())
	}
}

func TestAcquire_ExactlyOnceUnderConcurrency(t *testing.T) {
	svc := &stubService{}
	c := NewCache(svc)

	if _, err := c.Install("wander", unitNamed("Wander")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const goroutines = 16
	start := make(chan struct{})
	instances := make([]Behavior, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			b, err := c.Acquire("wander")
			if err != nil {
				t.Errorf("goroutine %d: %v", i, err)
				return
			}
			instances[i] = b
		}(i)
	}
	close(start)
	wg.Wait()

	if svc.executeCount() != 1 {
		t.Fatalf("expected exactly 1 execute, got %d", svc.executeCount())
	}
	for i := 1; i < goroutines; i++ {
		if instances[i] != instances[0] {
			t.Fatalf("goroutine %d observed a different instance", i)
		}
	}
}

func TestAcquire_RetryAfterExecuteFailure(t *testing.T) {
	svc := &stubService{}
	c := NewCache(svc)

	calls := 0
	unit := &stubUnit{name: "Flaky", factory: func() (Behavior, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("bad codegen")
		}
		return &stubBehavior{}, nil
	}}
	if _, err := c.Install("flaky", unit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := c.Acquire("flaky")
	var instErr *InstantiateError
	if !errors.As(err, &instErr) {
		t.Fatalf("expected InstantiateError, got %v", err)
	}
	if instErr.ScriptID != "flaky" {
		t.Fatalf("expected script id flaky, got %s", instErr.ScriptID)
	}

	// The entry stayed uninstantiated, so the next call retries.
	if _, b, ok := c.Instance("flaky"); !ok || b != nil {
		t.Fatalf("expected known but uninstantiated entry")
	}
	if _, err := c.Acquire("flaky"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestAcquire_RetryAfterInitFailure(t *testing.T) {
	svc := &stubService{}
	c := NewCache(svc)

	calls := 0
	unit := &stubUnit{name: "BadInit", factory: func() (Behavior, error) {
		calls++
		if calls == 1 {
			return &stubBehavior{initErr: fmt.Errorf("missing resource")}, nil
		}
		return &stubBehavior{}, nil
	}}
	if _, err := c.Install("guard", unit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := c.Acquire("guard")
	var instErr *InstantiateError
	if !errors.As(err, &instErr) {
		t.Fatalf("expected InstantiateError, got %v", err)
	}
	if _, err := c.Acquire("guard"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestHistoryPruning(t *testing.T) {
	c := NewCache(&stubService{})

	for i := 0; i < 10; i++ {
		if _, err := c.Install("wander", unitNamed(fmt.Sprintf("W%d", i))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Depth stays bounded regardless of how many installs happened.
	if got := c.HistoryDepth("wander"); got != DefaultHistoryDepth-1 {
		t.Fatalf("expected history depth %d, got %d", DefaultHistoryDepth-1, got)
	}
	if got := c.TotalEntries(); got != DefaultHistoryDepth {
		t.Fatalf("expected %d total entries, got %d", DefaultHistoryDepth, got)
	}

	// All retained predecessors remain reachable through rollback.
	if !c.Rollback("wander") || !c.Rollback("wander") {
		t.Fatalf("expected two rollbacks to succeed")
	}
	if c.Rollback("wander") {
		t.Fatalf("expected third rollback to fail")
	}
	if name, _ := c.TypeName("wander"); name != "W7" {
		t.Fatalf("expected W7 at the end of the chain, got %s", name)
	}
}

func TestHistoryDepthOne_DisablesRollback(t *testing.T) {
	c := NewCache(&stubService{}, WithHistoryDepth(1))

	c.Install("wander", unitNamed("A"))
	c.Install("wander", unitNamed("B"))

	if c.HistoryDepth("wander") != 0 {
		t.Fatalf("expected no predecessors with depth 1")
	}
	if c.Rollback("wander") {
		t.Fatalf("expected rollback to fail with depth 1")
	}
}

func TestClearInstance_SameVersionFreshInstance(t *testing.T) {
	svc := &stubService{}
	c := NewCache(svc)

	version, err := c.Install("wander", unitNamed("Wander"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := c.Acquire("wander")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.ClearInstance("wander") {
		t.Fatalf("expected ClearInstance to succeed")
	}
	if v, b, ok := c.Instance("wander"); !ok || b != nil || v != version {
		t.Fatalf("expected uninstantiated entry at v%d, got v%d b=%v ok=%v", version, v, b, ok)
	}

	second, err := c.Acquire("wander")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("expected a fresh instance after ClearInstance")
	}
	if v, _ := c.Version("wander"); v != version {
		t.Fatalf("ClearInstance must not change the version")
	}
	if c.ClearInstance("unknown") {
		t.Fatalf("expected ClearInstance of unknown script to fail")
	}
}

func TestRemove(t *testing.T) {
	c := NewCache(&stubService{})

	c.Install("wander", unitNamed("Wander"))
	if !c.Contains("wander") {
		t.Fatalf("expected Contains true after install")
	}
	if !c.Remove("wander") {
		t.Fatalf("expected Remove to succeed")
	}
	if c.Contains("wander") {
		t.Fatalf("expected Contains false after remove")
	}
	if _, err := c.Acquire("wander"); !errors.Is(err, ErrUnknownScript) {
		t.Fatalf("expected ErrUnknownScript, got %v", err)
	}
	if c.Remove("wander") {
		t.Fatalf("expected second Remove to fail")
	}
	if c.Count() != 0 {
		t.Fatalf("expected count 0, got %d", c.Count())
	}

	// The identifier can be installed again afterwards.
	if _, err := c.Install("wander", unitNamed("Wander2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.HistoryDepth("wander") != 0 {
		t.Fatalf("expected no history after re-install")
	}
}

func TestClear_ResetsCounterAndCount(t *testing.T) {
	c := NewCache(&stubService{})

	c.Install("wander", unitNamed("A"))
	c.Install("guard", unitNamed("B"))

	c.Clear()

	if c.CurrentVersion() != 0 {
		t.Fatalf("expected current version 0 after Clear, got %d", c.CurrentVersion())
	}
	if c.Count() != 0 {
		t.Fatalf("expected count 0 after Clear, got %d", c.Count())
	}
	if c.TotalEntries() != 0 {
		t.Fatalf("expected no entries after Clear")
	}

	// The counter restarts from scratch.
	v, err := c.Install("wander", unitNamed("C"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1 after Clear, got %d", v)
	}
}

func TestClear_ConcurrentWithInstall(t *testing.T) {
	c := NewCache(&stubService{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("script-%d", i%2)
			for j := 0; j < 200; j++ {
				if _, err := c.Install(id, unitNamed("X")); err != nil {
					t.Errorf("install: %v", err)
					return
				}
			}
		}(i)
	}
	for i := 0; i < 50; i++ {
		c.Clear()
	}
	wg.Wait()

	// Installs racing a Clear may land either side of the reset; once the
	// writers are done a final Clear leaves a consistent empty cache.
	c.Clear()
	if c.Count() != 0 || c.TotalEntries() != 0 || c.CurrentVersion() != 0 {
		t.Fatalf("expected an empty cache, got count=%d entries=%d version=%d",
			c.Count(), c.TotalEntries(), c.CurrentVersion())
	}
	v, err := c.Install("script-0", unitNamed("Y"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected the counter to restart at 1, got %d", v)
	}
	if c.Count() != 1 {
		t.Fatalf("expected count 1, got %d", c.Count())
	}
}

func TestRestore_DoesNotAdvanceCounter(t *testing.T) {
	c := NewCache(&stubService{})

	c.Install("wander", unitNamed("Live"))
	counter := c.CurrentVersion()

	if err := c.Restore("wander", unitNamed("Snapshot"), 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.CurrentVersion(); got != counter {
		t.Fatalf("restore must not advance the counter: %d != %d", got, counter)
	}
	if v, _ := c.Version("wander"); v != 42 {
		t.Fatalf("expected restored version 42, got %d", v)
	}
	// The replaced entry is kept as the predecessor.
	if c.HistoryDepth("wander") != 1 {
		t.Fatalf("expected the live entry as predecessor")
	}
	if !c.Rollback("wander") {
		t.Fatalf("expected rollback to the live entry")
	}
	if name, _ := c.TypeName("wander"); name != "Live" {
		t.Fatalf("expected Live after rollback, got %s", name)
	}

	// Restoring an unknown identifier creates its chain.
	if err := c.Restore("ghost", unitNamed("Ghost"), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, ok := c.Version("ghost"); !ok || v != 7 {
		t.Fatalf("expected ghost at version 7")
	}

	if err := c.Restore("", unitNamed("X"), 1); !errors.Is(err, ErrEmptyScriptID) {
		t.Fatalf("expected ErrEmptyScriptID, got %v", err)
	}
}

func TestRollback_CreatesFreshInstance(t *testing.T) {
	svc := &stubService{}
	c := NewCache(svc)

	c.Install("wander", unitNamed("V1"))
	v1Instance, err := c.Acquire("wander")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.Install("wander", unitNamed("V2"))
	if _, err := c.Acquire("wander"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !c.Rollback("wander") {
		t.Fatalf("expected rollback to succeed")
	}

	// The old instance is not resurrected; V1's unit is re-executed.
	restored, err := c.Acquire("wander")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored == v1Instance {
		t.Fatalf("expected a fresh instance after rollback")
	}
	if svc.executeCount() != 3 {
		t.Fatalf("expected 3 executes, got %d", svc.executeCount())
	}
}

func TestInstance_PeekWithoutCreating(t *testing.T) {
	svc := &stubService{}
	c := NewCache(svc)

	if _, _, ok := c.Instance("wander"); ok {
		t.Fatalf("expected unknown identifier")
	}

	version, _ := c.Install("wander", unitNamed("Wander"))
	v, b, ok := c.Instance("wander")
	if !ok || v != version || b != nil {
		t.Fatalf("expected uninstantiated peek, got v=%d b=%v ok=%v", v, b, ok)
	}
	if svc.executeCount() != 0 {
		t.Fatalf("peek must not instantiate")
	}
}

func TestMetadataAccessors(t *testing.T) {
	c := NewCache(&stubService{})

	if _, ok := c.Version("wander"); ok {
		t.Fatalf("expected not found")
	}
	if _, ok := c.TypeName("wander"); ok {
		t.Fatalf("expected not found")
	}

	version, _ := c.Install("wander", unitNamed("Wander"))
	if v, ok := c.Version("wander"); !ok || v != version {
		t.Fatalf("expected version %d", version)
	}
	if name, ok := c.TypeName("wander"); !ok || name != "Wander" {
		t.Fatalf("expected type Wander, got %s", name)
	}
}

func TestScriptIDs_Sorted(t *testing.T) {
	c := NewCache(&stubService{})

	for _, id := range []string{"wander", "attack", "idle"} {
		c.Install(id, unitNamed(id))
	}
	c.Remove("idle")

	ids := c.ScriptIDs()
	if len(ids) != 2 || ids[0] != "attack" || ids[1] != "wander" {
		t.Fatalf("expected [attack wander], got %v", ids)
	}
}

func TestDiagnostics(t *testing.T) {
	svc := &stubService{}
	c := NewCache(svc)

	c.Install("wander", unitNamed("WanderV1"))
	c.Install("wander", unitNamed("WanderV2"))
	c.Install("guard", unitNamed("Guard"))
	if _, err := c.Acquire("guard"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	diags := c.Diagnostics()
	if len(diags) != 2 {
		t.Fatalf("expected 2 diagnostics, got %d", len(diags))
	}

	guard, wander := diags[0], diags[1]
	if guard.ScriptID != "guard" || wander.ScriptID != "wander" {
		t.Fatalf("expected sorted diagnostics, got %v", diags)
	}
	if !guard.Instantiated || guard.HasPrevious {
		t.Fatalf("unexpected guard state: %+v", guard)
	}
	if wander.Instantiated || !wander.HasPrevious {
		t.Fatalf("unexpected wander state: %+v", wander)
	}
	if wander.TypeName != "WanderV2" || wander.PreviousVersion != 1 {
		t.Fatalf("unexpected wander metadata: %+v", wander)
	}
	if wander.LastUpdated.IsZero() {
		t.Fatalf("expected a last-updated timestamp")
	}
}

func TestAcquire_NoCompileService(t *testing.T) {
	c := NewCache(nil)
	c.Install("wander", unitNamed("Wander"))

	if _, err := c.Acquire("wander"); !errors.Is(err, ErrNoCompileService) {
		t.Fatalf("expected ErrNoCompileService, got %v", err)
	}
}

func TestAcquire_Validation(t *testing.T) {
	c := NewCache(&stubService{})
	if _, err := c.Acquire(""); !errors.Is(err, ErrEmptyScriptID) {
		t.Fatalf("expected ErrEmptyScriptID, got %v", err)
	}
}
