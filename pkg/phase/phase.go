// Package phase implements the reactive bookkeeping behind Lattice's
// phase system — reactions, bonds, seeds, pressurization, and history —
// independent of the VM's concrete Value representation (spec §4.4). The
// VM's mutation opcodes (pkg/vm) invoke this package reentrantly; this
// package never imports pkg/vm, so callbacks close over whatever value
// representation the caller uses.
package phase

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
)

// Event is fired to reaction callbacks when a named variable's phase
// changes (spec §4.4.2).
type Event string

const (
	EventCrystal    Event = "crystal"
	EventFluid      Event = "fluid"
	EventSublimated Event = "sublimated"
)

// Strategy names a bond's propagation rule. "mirror" is the only strategy
// with defined semantics per spec §4.4.2; other names are accepted and
// stored but never fire, since the spec explicitly leaves them undefined
// rather than rejecting them at bond-creation time.
type Strategy string

const StrategyMirror Strategy = "mirror"

// ReactionFn is invoked with the new phase event. The VM supplies a
// closure that dispatches into a Lattice closure value via the normal
// call path (spec §4.4.2: "invoked... via the normal closure-call path").
type ReactionFn func(event Event) error

// SeedFn validates a freeze attempt against the variable's current value.
// The VM supplies current as a vm.Value boxed in interface{}; this
// package never inspects it.
type SeedFn func(current interface{}) (bool, error)

// Bond is a dependency edge: when Dep's phase transitions to Crystal under
// StrategyMirror, Target is frozen too.
type Bond struct {
	Dep      string
	Strategy Strategy
}

// Pressure restricts which mutation modes a named binding allows
// (spec §4.4.4).
type Pressure struct {
	NoGrow   bool
	NoShrink bool
	NoResize bool
}

func (p Pressure) BlocksGrow() bool   { return p.NoGrow || p.NoResize }
func (p Pressure) BlocksShrink() bool { return p.NoShrink || p.NoResize }

// HistoryEntry is one timestamped snapshot recorded when tracking is
// active (spec §4.4.5).
type HistoryEntry struct {
	Value     interface{}
	Timestamp time.Time
}

// Registry is the per-VM table of reactions, bonds, seeds, pressures, and
// history, guarded by a single mutex since phase transitions are
// infrequent relative to the dispatch loop's hot path.
type Registry struct {
	mu sync.Mutex

	reactions map[string][]ReactionFn
	bonds     map[string][]Bond // keyed by TARGET name
	seeds     map[string][]SeedFn
	pressures map[string]Pressure
	history   map[string][]HistoryEntry

	HistoryEnabled bool
}

func NewRegistry() *Registry {
	return &Registry{
		reactions: make(map[string][]ReactionFn),
		bonds:     make(map[string][]Bond),
		seeds:     make(map[string][]SeedFn),
		pressures: make(map[string]Pressure),
		history:   make(map[string][]HistoryEntry),
	}
}

func (r *Registry) React(name string, fn ReactionFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reactions[name] = append(r.reactions[name], fn)
}

func (r *Registry) Unreact(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reactions, name)
}

// Bond records that target depends on dep under strategy: freezing dep
// should (for "mirror") cascade a freeze onto target.
func (r *Registry) Bond(target, dep string, strategy Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bonds[target] = append(r.bonds[target], Bond{Dep: dep, Strategy: strategy})
}

func (r *Registry) Unbond(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bonds, target)
}

func (r *Registry) Seed(name string, fn SeedFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeds[name] = append(r.seeds[name], fn)
}

func (r *Registry) Unseed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seeds, name)
}

func (r *Registry) Pressurize(name string, p Pressure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.pressures[name]
	existing.NoGrow = existing.NoGrow || p.NoGrow
	existing.NoShrink = existing.NoShrink || p.NoShrink
	existing.NoResize = existing.NoResize || p.NoResize
	r.pressures[name] = existing
}

func (r *Registry) Depressurize(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pressures, name)
}

func (r *Registry) PressureFor(name string) (Pressure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pressures[name]
	return p, ok
}

// ValidateSeeds runs every seed attached to name against current,
// returning the first failure (spec §4.4.3). It does not consume/remove
// seeds — consumption is the caller's concern (FREEZE_VAR's consume bit).
func (r *Registry) ValidateSeeds(name string, current interface{}) error {
	r.mu.Lock()
	fns := append([]SeedFn(nil), r.seeds[name]...)
	r.mu.Unlock()

	for _, fn := range fns {
		ok, err := fn(current)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("freeze contract failed for %q", name)
		}
	}
	return nil
}

// RecordHistory appends a snapshot for name when tracking is active.
func (r *Registry) RecordHistory(name string, v interface{}) {
	if !r.HistoryEnabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[name] = append(r.history[name], HistoryEntry{Value: v, Timestamp: time.Now()})
}

// Rewind returns the value recorded n steps back from the most recent
// entry for name (rewind(var, 0) is the current value, rewind(var, 1) is
// one step back, etc.), exposed as a native method per spec §4.4.5.
func (r *Registry) Rewind(name string, n int) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[name]
	idx := len(h) - 1 - n
	if idx < 0 || idx >= len(h) {
		return nil, false
	}
	return h[idx].Value, true
}

// FireReactions invokes every reaction registered against name with
// event, stopping and returning the first callback error (spec §4.4.2:
// "errors raised by reaction callbacks propagate out of the triggering
// opcode").
func (r *Registry) FireReactions(name string, event Event) error {
	r.mu.Lock()
	fns := append([]ReactionFn(nil), r.reactions[name]...)
	r.mu.Unlock()

	for _, fn := range fns {
		if err := fn(event); err != nil {
			return err
		}
	}
	return nil
}

// Cascade walks the bond graph rooted at name, applying apply to every
// transitively-bonded target under StrategyMirror, tolerating cycles via
// a visited set (spec §4.4.1: "cycles are tolerated via a visited set").
// golang-set backs the visited set (SPEC_FULL §B).
func (r *Registry) Cascade(name string, apply func(target string) error) error {
	visited := mapset.NewSet()
	return r.cascadeFrom(name, visited, apply)
}

func (r *Registry) cascadeFrom(name string, visited mapset.Set, apply func(string) error) error {
	r.mu.Lock()
	targets := r.targetsDependingOn(name)
	r.mu.Unlock()

	for _, target := range targets {
		if visited.Contains(target) {
			continue
		}
		visited.Add(target)
		if err := apply(target); err != nil {
			return err
		}
		if err := r.cascadeFrom(target, visited, apply); err != nil {
			return err
		}
	}
	return nil
}

// targetsDependingOn returns every bond target whose dependency list
// includes dep under the mirror strategy. Caller must hold r.mu.
func (r *Registry) targetsDependingOn(dep string) []string {
	var out []string
	for target, bonds := range r.bonds {
		for _, b := range bonds {
			if b.Dep == dep && b.Strategy == StrategyMirror {
				out = append(out, target)
				break
			}
		}
	}
	return out
}
