// Package goscript implements reflex.CompileService with Go source scripts
// interpreted by yaegi. Scripts import the "sim" package to reach the
// entity they are driving:
//
//	package main
//
//	import "sim"
//
//	var scriptName = "wander"
//
//	func Init() error { return nil }
//
//	func Tick(c *sim.Ctx) {
//	    c.Entity.SetPosition(c.Entity.Position().Add(sim.Vec3{0.1, 0, 0}))
//	}
//
//	func OnEvent(c *sim.Ctx, ev sim.Event) {}
//
// Tick is required; Init and OnEvent are optional. Each Execute builds a
// fresh interpreter from the unit's source, so instances never share state.
package goscript

import (
	"context"
	"fmt"
	"path"
	"reflect"
	"regexp"
	"strconv"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/oriumgames/reflex"
)

// defaultPackages are the standard library packages scripts may import
// unless overridden with WithStdlibPackages.
var defaultPackages = []string{"fmt", "math", "math/rand", "strings", "time"}

// Service compiles and executes Go source scripts.
type Service struct {
	allowed []string
}

// Option configures a Service.
type Option func(*Service)

// WithStdlibPackages replaces the set of standard library packages scripts
// may import.
func WithStdlibPackages(pkgs ...string) Option {
	return func(s *Service) {
		s.allowed = pkgs
	}
}

// New creates a script service.
func New(opts ...Option) *Service {
	s := &Service{allowed: defaultPackages}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// unit is the compiled form of a script: its validated source. The
// interpreter is rebuilt per instance, which is what keeps instances
// independent.
type unit struct {
	scriptID string
	typeName string
	source   string
}

// TypeName implements reflex.CompiledUnit.
func (u *unit) TypeName() string { return u.typeName }

// scriptNameRE extracts the declared script name for diagnostics.
var scriptNameRE = regexp.MustCompile(`(?m)^\s*(?:var|const)\s+scriptName\s*=\s*"([^"]+)"`)

// Compile type-checks the source by evaluating it in a throwaway
// interpreter and verifying the Tick hook. Returns a *reflex.CompileError
// on any evaluation failure, or the context error if cancelled.
func (s *Service) Compile(ctx context.Context, source, scriptID string) (reflex.CompiledUnit, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	i := s.newInterp()
	if _, err := i.EvalWithContext(ctx, source); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &reflex.CompileError{
			ScriptID:    scriptID,
			Diagnostics: diagnosticsFromError(err),
		}
	}

	if _, err := extractTick(i); err != nil {
		return nil, &reflex.CompileError{
			ScriptID: scriptID,
			Diagnostics: []reflex.Diagnostic{{
				Severity: reflex.SeverityError,
				Message:  err.Error(),
			}},
		}
	}

	typeName := scriptID
	if m := scriptNameRE.FindStringSubmatch(source); m != nil {
		typeName = m[1]
	}

	return &unit{scriptID: scriptID, typeName: typeName, source: source}, nil
}

// Execute materializes a fresh instance: a new interpreter evaluates the
// unit's source and the hook functions are extracted from it.
func (s *Service) Execute(cu reflex.CompiledUnit) (reflex.Behavior, error) {
	u, ok := cu.(*unit)
	if !ok {
		return nil, fmt.Errorf("goscript: foreign compiled unit %T", cu)
	}

	i := s.newInterp()
	if _, err := i.Eval(u.source); err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}

	tick, err := extractTick(i)
	if err != nil {
		return nil, err
	}

	inst := &script{name: u.typeName, tick: tick}

	if v, err := i.Eval("Init"); err == nil {
		switch fn := v.Interface().(type) {
		case func() error:
			inst.init = fn
		case func():
			inst.init = func() error { fn(); return nil }
		default:
			return nil, fmt.Errorf("Init has unsupported signature %T", v.Interface())
		}
	}

	if v, err := i.Eval("OnEvent"); err == nil {
		fn, ok := v.Interface().(func(*reflex.TickContext, reflex.Event))
		if !ok {
			return nil, fmt.Errorf("OnEvent has unsupported signature %T", v.Interface())
		}
		inst.onEvent = fn
	}

	return inst, nil
}

// extractTick resolves the required Tick hook from an interpreter.
func extractTick(i *interp.Interpreter) (func(*reflex.TickContext), error) {
	v, err := i.Eval("Tick")
	if err != nil {
		return nil, fmt.Errorf("script does not declare func Tick(*sim.Ctx)")
	}
	fn, ok := v.Interface().(func(*reflex.TickContext))
	if !ok {
		return nil, fmt.Errorf("Tick has unsupported signature %T", v.Interface())
	}
	return fn, nil
}

// newInterp builds an interpreter with the restricted stdlib and the sim
// API bound.
func (s *Service) newInterp() *interp.Interpreter {
	i := interp.New(interp.Options{})
	i.Use(s.restrictedStdlib())
	i.Use(simExports())
	return i
}

// restrictedStdlib filters yaegi's stdlib symbols down to the allowed
// packages.
func (s *Service) restrictedStdlib() interp.Exports {
	restricted := interp.Exports{}
	for _, pkg := range s.allowed {
		key := pkg + "/" + path.Base(pkg)
		if syms, ok := stdlib.Symbols[key]; ok {
			restricted[key] = syms
		}
	}
	return restricted
}

// simExports binds the host API under import path "sim".
// Yaegi expects keys as "importPath/pkgName".
func simExports() interp.Exports {
	return interp.Exports{
		"sim/sim": {
			"Ctx":          reflect.ValueOf((*reflex.TickContext)(nil)),
			"Entity":       reflect.ValueOf((*reflex.Entity)(nil)),
			"Event":        reflect.ValueOf((*reflex.Event)(nil)),
			"EventSpawn":   reflect.ValueOf((*reflex.EventSpawn)(nil)),
			"EventDespawn": reflect.ValueOf((*reflex.EventDespawn)(nil)),
			"EventCollide": reflect.ValueOf((*reflex.EventCollide)(nil)),
			"EventCustom":  reflect.ValueOf((*reflex.EventCustom)(nil)),
			"Vec3":         reflect.ValueOf((*mgl64.Vec3)(nil)),
		},
	}
}

// script is a materialized behavior instance.
type script struct {
	name    string
	init    func() error
	tick    func(*reflex.TickContext)
	onEvent func(*reflex.TickContext, reflex.Event)
}

// Init implements reflex.Behavior.
func (s *script) Init() error {
	if s.init != nil {
		return s.init()
	}
	return nil
}

// Tick implements reflex.Behavior.
func (s *script) Tick(ctx *reflex.TickContext) {
	s.tick(ctx)
}

// HandleEvent implements reflex.Behavior.
func (s *script) HandleEvent(ctx *reflex.TickContext, ev reflex.Event) {
	if s.onEvent != nil {
		s.onEvent(ctx, ev)
	}
}

// locRE matches yaegi's "line:column: message" error prefix.
var locRE = regexp.MustCompile(`^(\d+):(\d+):\s*(.+)$`)

// diagnosticsFromError converts an interpreter error into diagnostics,
// recovering the source line when the error carries one.
func diagnosticsFromError(err error) []reflex.Diagnostic {
	msg := err.Error()
	if m := locRE.FindStringSubmatch(msg); m != nil {
		line, _ := strconv.Atoi(m[1])
		return []reflex.Diagnostic{{
			Severity: reflex.SeverityError,
			Message:  m[3],
			Line:     line,
		}}
	}
	return []reflex.Diagnostic{{
		Severity: reflex.SeverityError,
		Message:  msg,
	}}
}
