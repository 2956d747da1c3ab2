package vm

import "fmt"

// FunctionObject is the compiled, closure-independent half of a Lattice
// function: its Chunk plus the metadata the compiler attaches (spec §4.1,
// §4.2). Multiple ClosureObjects may share one FunctionObject when the
// same function literal is instantiated repeatedly (e.g. inside a loop).
type FunctionObject struct {
	Name         string
	Chunk        *Chunk
	Arity        int
	Variadic     bool
	ParamPhases  []Phase // declared phase of each parameter, spec §4.3.4 overload resolution
	UpvalueCount int
	RegisterSize int

	// HasLocalCaptures, set at compile time when emitting CLOSURE with a
	// capture-from-register operand, lets the VM skip closeUpvalues()
	// entirely on return when no nested closure ever captured one of this
	// frame's locals — a frame-exit fast path carried from the teacher's
	// own HasLocalCaptures flag.
	HasLocalCaptures bool
}

func (*FunctionObject) heapType() ValueType { return TypeClosure }

// UpvalueCell is a captured-variable cell in either the open state
// (Location points into a live register frame) or the closed state
// (Location is nil and Closed holds the final value), per spec §4.2's
// "open/closed upvalue" description. Closing happens once, when the
// owning frame returns, via the VM's intrusive open-upvalue list
// (heap.go).
type UpvalueCell struct {
	Location *Value
	Closed   Value
	next     *UpvalueCell // intrusive open-list link, owned by the VM's heap
}

func (uv *UpvalueCell) Close() {
	if uv.Location != nil {
		uv.Closed = *uv.Location
		uv.Location = nil
	}
}

func (uv *UpvalueCell) Get() Value {
	if uv.Location != nil {
		return *uv.Location
	}
	return uv.Closed
}

func (uv *UpvalueCell) Set(v Value) {
	if uv.Location != nil {
		*uv.Location = v
		return
	}
	uv.Closed = v
}

// ClosureObject pairs a FunctionObject with its captured UpvalueCells; it
// is the runtime value a CLOSURE instruction produces and a CALL
// instruction invokes (spec §4.1.1).
type ClosureObject struct {
	Fn       *FunctionObject
	Upvalues []*UpvalueCell
}

func (*ClosureObject) heapType() ValueType { return TypeClosure }

func NewClosure(fn *FunctionObject, upvalues []*UpvalueCell) Value {
	return newHeapValue(TypeClosure, &ClosureObject{Fn: fn, Upvalues: upvalues})
}

// NewFunctionProto wraps a bare FunctionObject as a constant-pool value
// (spec §4.1.1: CLOSURE's Bx operand indexes "a prototype index" — the
// compiled function before any upvalues are bound to it). CLOSURE reads
// this back out via Heap().(*FunctionObject) and pairs it with freshly
// resolved upvalues to build the runtime ClosureObject.
func NewFunctionProto(fn *FunctionObject) Value {
	return newHeapValue(TypeClosure, fn)
}

// NativeFn is a Go-implemented Lattice function: the extension surface
// spec §4.3 calls the "dispatch contract" for builtin methods. It receives
// the already-evaluated argument registers and returns a result or an
// ExceptionError (call.go) to raise a Lattice-catchable exception.
type NativeFn func(vm *VM, args []Value) (Value, error)

// NativeFunctionObject wraps a NativeFn so it can flow through the same
// TypeClosure call path as user closures — CALL doesn't need to branch on
// "is this native" until the very last step (call.go's dispatch switch).
type NativeFunctionObject struct {
	Name  string
	Arity int
	Fn    NativeFn
}

func (*NativeFunctionObject) heapType() ValueType { return TypeClosure }

func NewNativeFunction(name string, arity int, fn NativeFn) Value {
	return newHeapValue(TypeClosure, &NativeFunctionObject{Name: name, Arity: arity, Fn: fn})
}

func (f *FunctionObject) String() string {
	if f.Name == "" {
		return "<anonymous fn>"
	}
	return fmt.Sprintf("<fn %s>", f.Name)
}
