package vm

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/holiman/bloomfilter/v2"
)

// Globals is the VM's shared global-variable table, generalized from the
// teacher's unified Heap (module-specific global tables collapsed into one
// shared table all modules and the main program read through).
type Globals struct {
	values      []Value
	initialized []bool
	nameToIndex map[string]int
	builtinCnt  int
}

func NewGlobals(initialCapacity int) *Globals {
	return &Globals{
		values:      make([]Value, initialCapacity),
		initialized: make([]bool, initialCapacity),
		nameToIndex: make(map[string]int),
	}
}

func (g *Globals) Resize(newSize int) {
	if newSize <= len(g.values) {
		return
	}
	values := make([]Value, newSize)
	copy(values, g.values)
	for i := len(g.values); i < newSize; i++ {
		values[i] = Nil
	}
	init := make([]bool, newSize)
	copy(init, g.initialized)
	g.values = values
	g.initialized = init
}

func (g *Globals) Define(name string) int {
	if idx, ok := g.nameToIndex[name]; ok {
		return idx
	}
	idx := len(g.nameToIndex)
	g.Resize(idx + 1)
	g.nameToIndex[name] = idx
	return idx
}

func (g *Globals) MarkBuiltinBoundary() { g.builtinCnt = len(g.nameToIndex) }

func (g *Globals) Get(idx int) (Value, bool) {
	if idx < 0 || idx >= len(g.values) || !g.initialized[idx] {
		return Nil, false
	}
	return g.values[idx], true
}

func (g *Globals) GetByName(name string) (Value, bool) {
	idx, ok := g.nameToIndex[name]
	if !ok {
		return Nil, false
	}
	return g.Get(idx)
}

func (g *Globals) Set(idx int, v Value) {
	g.Resize(idx + 1)
	g.values[idx] = v
	g.initialized[idx] = true
}

// ResetUserGlobals clears every global defined after MarkBuiltinBoundary,
// used by the REPL driver between top-level evaluations.
func (g *Globals) ResetUserGlobals() {
	for i := g.builtinCnt; i < len(g.values); i++ {
		g.values[i] = Nil
		g.initialized[i] = false
	}
}

// --- Ephemeral arena ---

// EphemeralArena is the bump allocator backing RegionEphemeral values
// (spec §3.2): heap objects that live only for the current top-level
// execution (a REPL entry, a `require`d module's top-level run) and are
// discarded wholesale rather than individually freed or GC-traced. Lattice
// leaves long-lived allocation to Go's GC; the arena only tracks which
// objects were born in the current execution so history/rewind (§4.4) can
// distinguish "this crystal's history points at something still alive"
// from "this execution has ended, the arena is gone."
type EphemeralArena struct {
	mu      sync.Mutex
	objects []HeapObject
	gen     uint64
}

func NewEphemeralArena() *EphemeralArena {
	return &EphemeralArena{}
}

func (a *EphemeralArena) Track(h HeapObject) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects = append(a.objects, h)
}

// Reset discards the arena's bookkeeping for a new top-level execution.
// The Go GC still owns the actual objects; Reset only starts a new
// generation so EPHEMERAL-region values minted before it are recognizably
// stale to the phase history machinery.
func (a *EphemeralArena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects = a.objects[:0]
	a.gen++
}

func (a *EphemeralArena) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

// --- Open-upvalue intrusive list ---

// OpenUpvalues is the per-VM intrusive linked list of currently-open
// UpvalueCells, ordered by descending register-stack depth exactly like
// the teacher's Upvalue.next chain, so closing every upvalue at or above a
// given stack depth (on frame return) is a single linear walk.
type OpenUpvalues struct {
	head *UpvalueCell
}

// FindOrCreate returns the existing open cell for loc if one is already
// open (two closures capturing the same local must share one cell), or
// opens a new one and links it into the list.
func (o *OpenUpvalues) FindOrCreate(loc *Value) *UpvalueCell {
	for uv := o.head; uv != nil; uv = uv.next {
		if uv.Location == loc {
			return uv
		}
	}
	uv := &UpvalueCell{Location: loc, next: o.head}
	o.head = uv
	return uv
}

// CloseFrom closes every open upvalue whose Location falls at or above
// boundary (a register-stack pointer comparison done by the caller via
// pointer arithmetic over the frame's register window) and unlinks it.
func (o *OpenUpvalues) CloseFrom(shouldClose func(*Value) bool) {
	var prev *UpvalueCell
	uv := o.head
	for uv != nil {
		next := uv.next
		if shouldClose(uv.Location) {
			uv.Close()
			if prev == nil {
				o.head = next
			} else {
				prev.next = next
			}
		} else {
			prev = uv
		}
		uv = next
	}
}

// --- String intern table ---

// InternTable deduplicates short strings across the whole process
// (spec §3.2, §4.3.1: "string equality between two Crystal strings is a
// pointer compare when both came from the intern table"). A bloom filter
// fronts the cache so the overwhelmingly common case — first sighting of
// a short string — resolves without a fastcache lookup at all
// (SPEC_FULL §B).
type InternTable struct {
	cache  *fastcache.Cache
	bloom  *bloomfilter.Filter
	mu     sync.Mutex
	canon  map[string]*LString
}

const internMaxLen = 64

func NewInternTable() *InternTable {
	bf, err := bloomfilter.NewOptimal(1<<20, 0.01)
	if err != nil {
		bf = nil
	}
	return &InternTable{
		cache: fastcache.New(8 * 1024 * 1024),
		bloom: bf,
		canon: make(map[string]*LString),
	}
}

// Intern folds s into the shared table when it is a candidate (<=
// internMaxLen bytes), returning the canonical *LString and true if this
// Value should carry RegionInterned. Longer strings are left RegionOwned:
// interning them would spend intern-table memory on strings unlikely to
// recur verbatim.
func (t *InternTable) Intern(s string) (*LString, bool) {
	if len(s) == 0 || len(s) > internMaxLen {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if ls, ok := t.canon[s]; ok {
		return ls, true
	}

	key := []byte(s)
	if t.bloom != nil {
		h := bloomHash(key)
		if !t.bloom.Contains(h) {
			t.bloom.Add(h)
			ls := &LString{Bytes: s, Length: len(s)}
			t.canon[s] = ls
			t.cache.Set(key, []byte{1})
			return ls, true
		}
	}
	ls := &LString{Bytes: s, Length: len(s)}
	t.canon[s] = ls
	t.cache.Set(key, []byte{1})
	return ls, true
}

func bloomHash(b []byte) bloomfilter.Hashable {
	return bloomBytes(b)
}

// bloomBytes adapts a []byte to bloomfilter.Hashable (the library hashes
// anything implementing Sum64()), matching fastcache's own []byte-keyed
// API so both structures share one representation of "the string's bytes".
type bloomBytes []byte

func (b bloomBytes) Sum64() uint64 {
	var h uint64 = 14695981039346656037
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}
