package vm

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// PhaseMap tracks the per-field or per-key phase of an aggregate value's
// members, replacing the property-descriptor/prototype machinery the
// teacher used for JS objects (spec §3.3: "a struct or enum's fields each
// carry their own phase independent of the aggregate's own phase").
type PhaseMap struct {
	mu     sync.Mutex
	phases map[string]Phase
}

func newPhaseMap() *PhaseMap {
	return &PhaseMap{phases: make(map[string]Phase)}
}

func (m *PhaseMap) Get(key string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phases[key]
}

func (m *PhaseMap) Set(key string, p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases[key] = p
}

func (m *PhaseMap) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.phases))
	for k := range m.phases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ArrayObject is a growable, phase-tagged sequence (spec §3.2). Pressure
// flags mirror §4.4's pressurization contracts: no_grow forbids
// append/remove, no_resize forbids both growth and shrink-via-truncate,
// no_shrink forbids only removal.
type ArrayObject struct {
	Elements []Value
	ElemKind string // elements' declared static kind, empty if untyped
	NoGrow   bool
	NoShrink bool
	NoResize bool
}

func (*ArrayObject) heapType() ValueType { return TypeArray }

func NewArray(elems []Value) Value {
	return newHeapValue(TypeArray, &ArrayObject{Elements: elems})
}

func (a *ArrayObject) Len() int { return len(a.Elements) }

func (a *ArrayObject) CanGrow() bool   { return !a.NoGrow && !a.NoResize }
func (a *ArrayObject) CanShrink() bool { return !a.NoShrink && !a.NoResize }

// MapObject is Lattice's hash map. Keys are restricted to hashable Value
// kinds (Int, Float, Bool, Str, Enum-without-payload); the key's repr
// string is used as the Go map key, matching the teacher's property-key
// hashing approach (hash()) generalized from PropertyKey to arbitrary
// Values.
type MapObject struct {
	mu   sync.RWMutex
	data map[string]mapEntry
}

type mapEntry struct {
	key   Value
	value Value
}

func (*MapObject) heapType() ValueType { return TypeMap }

func NewMap() Value {
	return newHeapValue(TypeMap, &MapObject{data: make(map[string]mapEntry)})
}

func hashKey(v Value) string {
	return v.Type.String() + ":" + v.Repr()
}

func (m *MapObject) Get(key Value) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[hashKey(key)]
	return e.value, ok
}

func (m *MapObject) Set(key, value Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[hashKey(key)] = mapEntry{key: key, value: value}
}

func (m *MapObject) Delete(key Value) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hashKey(key)
	if _, ok := m.data[k]; !ok {
		return false
	}
	delete(m.data, k)
	return true
}

func (m *MapObject) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MapObject) Entries() []mapEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]mapEntry, 0, len(m.data))
	for _, e := range m.data {
		out = append(out, e)
	}
	return out
}

// SetObject is a hash set, sharing MapObject's key-hashing discipline.
type SetObject struct {
	mu   sync.RWMutex
	data map[string]Value
}

func (*SetObject) heapType() ValueType { return TypeSet }

func NewSet() Value {
	return newHeapValue(TypeSet, &SetObject{data: make(map[string]Value)})
}

func (s *SetObject) Add(v Value) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := hashKey(v)
	_, existed := s.data[k]
	s.data[k] = v
	return !existed
}

func (s *SetObject) Has(v Value) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[hashKey(v)]
	return ok
}

func (s *SetObject) Remove(v Value) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := hashKey(v)
	if _, ok := s.data[k]; !ok {
		return false
	}
	delete(s.data, k)
	return true
}

func (s *SetObject) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// TupleObject is a fixed-arity, immutable-length sequence.
type TupleObject struct {
	Elements []Value
}

func (*TupleObject) heapType() ValueType { return TypeTuple }

func NewTuple(elems []Value) Value {
	return newHeapValue(TypeTuple, &TupleObject{Elements: elems})
}

// StructField is one named, phased field of a StructObject.
type StructField struct {
	Name  string
	Value Value
}

// StructObject is a heap-allocated instance of a user `struct` declaration
// (spec §3.2, §3.3). Each field's phase is tracked independently in
// Phases, mirroring the teacher's per-property descriptor bag but keyed on
// phase instead of writable/enumerable/configurable bits, since struct
// fields have no JS-style descriptor semantics.
type StructObject struct {
	Name     string
	TypeID   int // index into the compiler's struct-metadata table
	Fields   []StructField
	Phases   *PhaseMap
	fieldIdx map[string]int
}

func (*StructObject) heapType() ValueType { return TypeStruct }

func NewStruct(name string, typeID int, fields []StructField) Value {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f.Name] = i
	}
	return newHeapValue(TypeStruct, &StructObject{
		Name:     name,
		TypeID:   typeID,
		Fields:   fields,
		Phases:   newPhaseMap(),
		fieldIdx: idx,
	})
}

func (s *StructObject) Get(name string) (Value, bool) {
	i, ok := s.fieldIdx[name]
	if !ok {
		return Nil, false
	}
	return s.Fields[i].Value, true
}

func (s *StructObject) Set(name string, v Value) bool {
	i, ok := s.fieldIdx[name]
	if !ok {
		return false
	}
	s.Fields[i].Value = v
	return true
}

// EnumObject is an instance of a user `enum` declaration — a variant tag
// plus an optional payload tuple.
type EnumObject struct {
	EnumName    string
	VariantName string
	VariantIdx  int
	Payload     []Value
}

func (*EnumObject) heapType() ValueType { return TypeEnum }

func NewEnum(enumName, variantName string, variantIdx int, payload []Value) Value {
	return newHeapValue(TypeEnum, &EnumObject{
		EnumName:    enumName,
		VariantName: variantName,
		VariantIdx:  variantIdx,
		Payload:     payload,
	})
}

// BufferObject is a raw byte buffer (spec §3.2's Buffer variant).
type BufferObject struct {
	Bytes []byte
}

func (*BufferObject) heapType() ValueType { return TypeBuffer }

func NewBuffer(b []byte) Value {
	return newHeapValue(TypeBuffer, &BufferObject{Bytes: b})
}

// ChannelObject backs `select`'s arms and `scope { spawn }`'s result
// plumbing (spec §4.6, §5). It wraps a Go channel of Value with a UUID
// identity so fairness bookkeeping and error attribution can name a
// specific channel without pointer-printing (SPEC_FULL §B).
type ChannelObject struct {
	ID     string
	ch     chan Value
	Closed bool
	mu     sync.Mutex
}

func (*ChannelObject) heapType() ValueType { return TypeChannel }

func NewChannel(capacity int) Value {
	return newHeapValue(TypeChannel, &ChannelObject{
		ID: uuid.NewString(),
		ch: make(chan Value, capacity),
	})
}

func (c *ChannelObject) Chan() chan Value { return c.ch }

func (c *ChannelObject) Send(v Value) {
	c.ch <- v
}

func (c *ChannelObject) Recv() (Value, bool) {
	v, ok := <-c.ch
	return v, ok
}

func (c *ChannelObject) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed {
		return
	}
	c.Closed = true
	close(c.ch)
}

// RefObject is a mutable indirection cell used for `ref`/`&`-style handles
// onto a fluid value, distinct from UpvalueCell's closure-capture role.
type RefObject struct {
	Cell Value
	mu   sync.Mutex
}

func (*RefObject) heapType() ValueType { return TypeRef }

func NewRef(v Value) Value {
	return newHeapValue(TypeRef, &RefObject{Cell: v})
}

func (r *RefObject) Load() Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Cell
}

func (r *RefObject) Store(v Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Cell = v
}

// IteratorObject is the runtime form produced for `for`-loops over arrays,
// maps, sets, and ranges, plus user-defined iterators via the `next`
// dispatch contract (spec §4.1.1's FOR_ITER family).
type IteratorObject struct {
	Next func() (Value, bool)
}

func (*IteratorObject) heapType() ValueType { return TypeIterator }

func NewIterator(next func() (Value, bool)) Value {
	return newHeapValue(TypeIterator, &IteratorObject{Next: next})
}

// NewArrayIterator builds an IteratorObject walking arr's elements in
// order. Deleting/appending during iteration is undefined per spec §3.2
// ("iteration order over a growing array is unspecified"); this simply
// walks the live slice by index, so a grow during iteration is visible and
// a shrink can skip or fault depending on timing — intentionally left to
// the documented "unspecified" rather than snapshotted.
func NewArrayIterator(arr *ArrayObject) Value {
	i := 0
	return NewIterator(func() (Value, bool) {
		if i >= len(arr.Elements) {
			return Nil, false
		}
		v := arr.Elements[i]
		i++
		return v, true
	})
}

func NewRangeIterator(lo, hi int64) Value {
	cur := lo
	return NewIterator(func() (Value, bool) {
		if cur >= hi {
			return Nil, false
		}
		v := Int(cur)
		cur++
		return v, true
	})
}
