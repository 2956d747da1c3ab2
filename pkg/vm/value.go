package vm

import (
	"fmt"
	"math"
	"strconv"
)

// Phase is the mutation policy carried by every Value (spec §3.1).
type Phase uint8

const (
	PhaseUnphased Phase = iota
	PhaseFluid
	PhaseCrystal
	PhaseSublimated
)

func (p Phase) String() string {
	switch p {
	case PhaseFluid:
		return "fluid"
	case PhaseCrystal:
		return "crystal"
	case PhaseSublimated:
		return "sublimated"
	default:
		return "unphased"
	}
}

// Region identifies the owner of a Value's heap payload (spec §3.1, §3.2).
type Region uint8

const (
	RegionOwned    Region = iota // value owns its payload, freed with it
	RegionConst                  // lives in a Chunk's constant pool
	RegionInterned               // lives in the process-wide intern table, never freed
	RegionEphemeral               // lives in the current top-level execution's bump arena
)

// ValueType tags the variant a Value holds.
type ValueType uint8

const (
	TypeInt ValueType = iota
	TypeFloat
	TypeBool
	TypeNil
	TypeUnit
	TypeRange
	TypeStr
	TypeArray
	TypeMap
	TypeSet
	TypeTuple
	TypeStruct
	TypeEnum
	TypeBuffer
	TypeChannel
	TypeClosure
	TypeRef
	TypeIterator
)

func (t ValueType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeNil:
		return "nil"
	case TypeUnit:
		return "unit"
	case TypeRange:
		return "range"
	case TypeStr:
		return "string"
	case TypeArray:
		return "array"
	case TypeMap:
		return "map"
	case TypeSet:
		return "set"
	case TypeTuple:
		return "tuple"
	case TypeStruct:
		return "struct"
	case TypeEnum:
		return "enum"
	case TypeBuffer:
		return "buffer"
	case TypeChannel:
		return "channel"
	case TypeClosure:
		return "closure"
	case TypeRef:
		return "ref"
	case TypeIterator:
		return "iterator"
	default:
		return "unknown"
	}
}

// LString is the payload of Str values: the byte string plus its cached
// length, so register-to-register string moves never recompute len()
// (spec §3.4: "strings cache their byte length alongside the pointer").
type LString struct {
	Bytes  string
	Length int
}

// HeapObject is implemented by every heap-payload variant of Value (Array,
// Map, Set, Tuple, Struct, Enum, Buffer, Channel, Closure, Ref, Iterator).
// A single sum type with an interface-typed heap slot — rather than a
// packed pointer with tag bits stolen from it — is the Design Notes (§9)
// redesign of the teacher's NaN/pointer-boxed Value: the phase tag and the
// region id are fields on the sum, not bits packed into a pointer.
type HeapObject interface {
	heapType() ValueType
}

// Value is a tagged union: one Type field, a small set of primitive payload
// fields used by exactly one variant at a time, plus the two auxiliary
// fields every Value in Lattice carries (spec §3.1).
type Value struct {
	Type   ValueType
	Phase  Phase
	Region Region

	i int64   // Int payload, Range.Lo, Bool (0/1)
	j int64   // Range.Hi
	f float64 // Float payload

	str  *LString
	heap HeapObject
}

// --- Constructors ---

func Int(v int64) Value     { return Value{Type: TypeInt, i: v} }
func Float(v float64) Value { return Value{Type: TypeFloat, f: v} }
func Bool(v bool) Value {
	var i int64
	if v {
		i = 1
	}
	return Value{Type: TypeBool, i: i}
}

var (
	Nil  = Value{Type: TypeNil}
	Unit = Value{Type: TypeUnit}
)

func NewRange(lo, hi int64) Value {
	return Value{Type: TypeRange, i: lo, j: hi}
}

// NewString builds an owned string Value. The intern table (heap.go) folds
// short candidates (<64 bytes) into RegionInterned on first sighting.
func NewString(s string) Value {
	return Value{Type: TypeStr, Region: RegionOwned, str: &LString{Bytes: s, Length: len(s)}}
}

func newHeapValue(t ValueType, h HeapObject) Value {
	return Value{Type: t, heap: h}
}

// --- Accessors ---

func (v Value) AsInt() int64 { return v.i }
func (v Value) AsFloat() float64 {
	if v.Type == TypeInt {
		return float64(v.i)
	}
	return v.f
}
func (v Value) AsBool() bool   { return v.i != 0 }
func (v Value) RangeLo() int64 { return v.i }
func (v Value) RangeHi() int64 { return v.j }
func (v Value) AsString() string {
	if v.str == nil {
		return ""
	}
	return v.str.Bytes
}
func (v Value) StringLen() int {
	if v.str == nil {
		return 0
	}
	return v.str.Length
}
func (v Value) Heap() HeapObject { return v.heap }

func (v Value) AsArray() *ArrayObject     { h, _ := v.heap.(*ArrayObject); return h }
func (v Value) AsMap() *MapObject         { h, _ := v.heap.(*MapObject); return h }
func (v Value) AsSet() *SetObject         { h, _ := v.heap.(*SetObject); return h }
func (v Value) AsTuple() *TupleObject     { h, _ := v.heap.(*TupleObject); return h }
func (v Value) AsStruct() *StructObject   { h, _ := v.heap.(*StructObject); return h }
func (v Value) AsEnum() *EnumObject       { h, _ := v.heap.(*EnumObject); return h }
func (v Value) AsBuffer() *BufferObject   { h, _ := v.heap.(*BufferObject); return h }
func (v Value) AsChannel() *ChannelObject { h, _ := v.heap.(*ChannelObject); return h }
func (v Value) AsClosure() *ClosureObject { h, _ := v.heap.(*ClosureObject); return h }
func (v Value) AsRef() *RefObject         { h, _ := v.heap.(*RefObject); return h }
func (v Value) AsIterator() *IteratorObject {
	h, _ := v.heap.(*IteratorObject)
	return h
}

// --- Predicates ---

func (v Value) IsNil() bool  { return v.Type == TypeNil }
func (v Value) IsUnit() bool { return v.Type == TypeUnit }

// IsTruthy implements Lattice's truthiness rule: nil and false are falsey,
// everything else (including 0, "", empty collections) is truthy.
func (v Value) IsTruthy() bool {
	switch v.Type {
	case TypeNil:
		return false
	case TypeBool:
		return v.AsBool()
	default:
		return true
	}
}

func (v Value) IsCrystal() bool    { return v.Phase == PhaseCrystal }
func (v Value) IsFluid() bool      { return v.Phase == PhaseFluid || v.Phase == PhaseUnphased }
func (v Value) IsSublimated() bool { return v.Phase == PhaseSublimated }
func (v Value) IsHeapBacked() bool {
	switch v.Type {
	case TypeArray, TypeMap, TypeSet, TypeTuple, TypeStruct, TypeEnum, TypeBuffer, TypeChannel, TypeClosure, TypeRef, TypeIterator:
		return true
	default:
		return false
	}
}

// --- Equality ---

// ValuesEqual implements EQ/NEQ for primitive and structural types. Struct
// equality dispatches to a user-defined `eq` method when present (spec
// §4.1.1); that dispatch happens in the VM (call.go), not here, since it
// may need to invoke a closure.
func ValuesEqual(a, b Value) bool {
	if a.Type != b.Type {
		if (a.Type == TypeInt && b.Type == TypeFloat) || (a.Type == TypeFloat && b.Type == TypeInt) {
			return a.AsFloat() == b.AsFloat()
		}
		return false
	}
	switch a.Type {
	case TypeNil, TypeUnit:
		return true
	case TypeInt:
		return a.i == b.i
	case TypeFloat:
		return a.f == b.f
	case TypeBool:
		return a.i == b.i
	case TypeRange:
		return a.i == b.i && a.j == b.j
	case TypeStr:
		return a.AsString() == b.AsString()
	case TypeArray:
		return arraysEqual(a.AsArray(), b.AsArray())
	case TypeTuple:
		return tuplesEqual(a.AsTuple(), b.AsTuple())
	case TypeMap, TypeSet, TypeBuffer, TypeChannel, TypeClosure, TypeRef, TypeIterator:
		return a.heap == b.heap
	case TypeStruct:
		return a.AsStruct() == b.AsStruct()
	case TypeEnum:
		return enumsEqual(a.AsEnum(), b.AsEnum())
	default:
		return false
	}
}

func arraysEqual(a, b *ArrayObject) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || len(a.Elements) != len(b.Elements) {
		return false
	}
	for i := range a.Elements {
		if !ValuesEqual(a.Elements[i], b.Elements[i]) {
			return false
		}
	}
	return true
}

func tuplesEqual(a, b *TupleObject) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || len(a.Elements) != len(b.Elements) {
		return false
	}
	for i := range a.Elements {
		if !ValuesEqual(a.Elements[i], b.Elements[i]) {
			return false
		}
	}
	return true
}

func enumsEqual(a, b *EnumObject) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.EnumName != b.EnumName || a.VariantName != b.VariantName || len(a.Payload) != len(b.Payload) {
		return false
	}
	for i := range a.Payload {
		if !ValuesEqual(a.Payload[i], b.Payload[i]) {
			return false
		}
	}
	return true
}

// --- String conversion / repr ---

// ToString is the user-facing conversion used by `to_string` and CONCAT.
func (v Value) ToString() string {
	switch v.Type {
	case TypeNil:
		return "nil"
	case TypeUnit:
		return "()"
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		if math.IsInf(v.f, 1) {
			return "inf"
		}
		if math.IsInf(v.f, -1) {
			return "-inf"
		}
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.AsBool())
	case TypeRange:
		return fmt.Sprintf("%d..%d", v.i, v.j)
	case TypeStr:
		return v.AsString()
	default:
		return v.Repr()
	}
}

// Repr is the debug representation used by Inspect/error-formatting; it is
// deliberately distinct from ToString (a Lattice string reprs with quotes).
func (v Value) Repr() string {
	switch v.Type {
	case TypeStr:
		return strconv.Quote(v.AsString())
	case TypeArray:
		return reprSlice(v.AsArray().Elements)
	case TypeTuple:
		return reprSlice(v.AsTuple().Elements)
	case TypeStruct:
		s := v.AsStruct()
		out := s.Name + "{"
		for i, f := range s.Fields {
			if i > 0 {
				out += ", "
			}
			out += f.Name + ": " + f.Value.Repr()
		}
		return out + "}"
	case TypeEnum:
		e := v.AsEnum()
		out := e.EnumName + "::" + e.VariantName
		if len(e.Payload) > 0 {
			out += reprSlice(e.Payload)
		}
		return out
	case TypeMap:
		return fmt.Sprintf("<map len=%d>", v.AsMap().Len())
	case TypeSet:
		return fmt.Sprintf("<set len=%d>", v.AsSet().Len())
	case TypeBuffer:
		return fmt.Sprintf("<buffer len=%d>", len(v.AsBuffer().Bytes))
	case TypeChannel:
		return fmt.Sprintf("<channel %s>", v.AsChannel().ID)
	case TypeClosure:
		c := v.AsClosure()
		if c.Fn != nil && c.Fn.Name != "" {
			return fmt.Sprintf("<fn %s>", c.Fn.Name)
		}
		return "<fn>"
	case TypeRef:
		return fmt.Sprintf("<ref %s>", v.AsRef().Cell.Repr())
	case TypeIterator:
		return "<iterator>"
	default:
		return v.ToString()
	}
}

func reprSlice(vs []Value) string {
	out := "["
	for i, e := range vs {
		if i > 0 {
			out += ", "
		}
		out += e.Repr()
	}
	return out + "]"
}
