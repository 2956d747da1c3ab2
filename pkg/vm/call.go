package vm

import (
	"fmt"

	"github.com/ajokela/lattice-sub001/pkg/errors"
)

// --- Clone discipline (spec §4.3.1) ---

// bitwiseCopy handles the fast path: primitives and borrowed strings
// (Const/Interned region) are copied by value with no deep work at all.
func bitwiseCopy(v Value) Value { return v }

func isPrimitive(v Value) bool {
	switch v.Type {
	case TypeInt, TypeFloat, TypeBool, TypeNil, TypeUnit, TypeRange:
		return true
	default:
		return false
	}
}

func isBorrowedString(v Value) bool {
	return v.Type == TypeStr && (v.Region == RegionConst || v.Region == RegionInterned)
}

// cloneOrBorrow is the single inlined function spec §4.3.1 calls for
// register<->register moves, call-argument passing, constant loads, and
// writes into arrays/maps/upvalues that don't need independent ownership:
// bitwise copy when the fast-path test passes, otherwise a real deep
// clone.
func cloneOrBorrow(v Value) Value {
	if isPrimitive(v) || isBorrowedString(v) {
		return bitwiseCopy(v)
	}
	return deepClone(v)
}

// deepClone is used for escapes: writing into globals, long-lived arrays,
// closing an upvalue, or passing to a native function that may retain the
// value.
func deepClone(v Value) Value {
	switch v.Type {
	case TypeStr:
		return NewString(v.AsString())
	case TypeArray:
		src := v.AsArray()
		elems := make([]Value, len(src.Elements))
		for i, e := range src.Elements {
			elems[i] = deepClone(e)
		}
		dup := NewArray(elems)
		dup.Phase = v.Phase
		return dup
	case TypeTuple:
		src := v.AsTuple()
		elems := make([]Value, len(src.Elements))
		for i, e := range src.Elements {
			elems[i] = deepClone(e)
		}
		dup := NewTuple(elems)
		dup.Phase = v.Phase
		return dup
	case TypeStruct:
		src := v.AsStruct()
		fields := make([]StructField, len(src.Fields))
		for i, f := range src.Fields {
			fields[i] = StructField{Name: f.Name, Value: deepClone(f.Value)}
		}
		dup := NewStruct(src.Name, src.TypeID, fields)
		dup.Phase = v.Phase
		return dup
	case TypeEnum:
		src := v.AsEnum()
		payload := make([]Value, len(src.Payload))
		for i, e := range src.Payload {
			payload[i] = deepClone(e)
		}
		dup := NewEnum(src.EnumName, src.VariantName, src.VariantIdx, payload)
		dup.Phase = v.Phase
		return dup
	case TypeBuffer:
		src := v.AsBuffer()
		b := make([]byte, len(src.Bytes))
		copy(b, src.Bytes)
		dup := NewBuffer(b)
		dup.Phase = v.Phase
		return dup
	default:
		// Map, Set, Channel, Closure, Ref, Iterator are shared-ownership
		// heap handles; "deep clone" for them means sharing the handle,
		// matching the Design Notes' "shared-ownership primitive...for
		// Channel only" generalized to every reference-semantics variant.
		return v
	}
}

// --- Call path (spec §4.3) ---

// resolveMethod unifies INVOKE/INVOKE_LOCAL/INVOKE_GLOBAL's fallback
// search into one algorithm (DESIGN.md Open Question decision #4): a
// callable struct field, then `TypeName::method` in the global
// environment, else a name error with a similar-method suggestion. No
// PIC slot is consulted or updated here, and builtin methods are not
// dispatched by it.
func (vm *VM) resolveMethod(recv Value, method string) (Value, error) {
	if s := recv.AsStruct(); s != nil {
		if field, ok := s.Get(method); ok && field.Heap() != nil {
			if _, isClosure := field.Heap().(*ClosureObject); isClosure {
				return field, nil
			}
			if _, isNative := field.Heap().(*NativeFunctionObject); isNative {
				return field, nil
			}
		}
		qualified := s.Name + "::" + method
		if fn, ok := vm.Globals.GetByName(qualified); ok {
			return fn, nil
		}
	}
	suggestion := vm.suggestName(method, vm.knownMethodNames(recv))
	msg := fmt.Sprintf("unknown method %q on %s", method, recv.Type)
	if suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
	}
	return Nil, errors.NewRuntimeError(errors.CategoryName, msg, errors.Position{})
}

// knownMethodNames is a placeholder hook for the builtin dispatch table
// (out of scope per spec §1: "built-in method implementations... beyond
// the dispatch contract") — the registered names a given receiver type
// exposes, supplied by whatever builtin-method package the embedding host
// links in. Returning nil degrades the suggestion heuristic gracefully.
func (vm *VM) knownMethodNames(recv Value) []string {
	if vm.BuiltinMethodNames == nil {
		return nil
	}
	return vm.BuiltinMethodNames(recv.Type)
}

// phaseDispatchSelect implements spec §4.3.4's overload selection: given
// an array of closures whose FunctionObjects each carry ParamPhases,
// reject incompatible candidates and pick the highest-scoring match.
func phaseDispatchSelect(candidates []Value, args []Value) (Value, error) {
	type scored struct {
		v     Value
		score int
	}
	var best *scored
	for _, cand := range candidates {
		fo := closureFunctionObject(cand)
		if fo == nil || len(fo.ParamPhases) != len(args) {
			continue
		}
		ok := true
		score := 0
		for i, argPhase := range paramPhasesOf(args) {
			want := fo.ParamPhases[i]
			if incompatiblePhases(want, argPhase) {
				ok = false
				break
			}
			score += phaseScore(want, argPhase)
		}
		if !ok {
			continue
		}
		if best == nil || score > best.score {
			best = &scored{v: cand, score: score}
		}
	}
	if best == nil {
		return Nil, errors.NewRuntimeError(errors.CategoryArity, "no matching overload", errors.Position{})
	}
	return best.v, nil
}

func paramPhasesOf(args []Value) []Phase {
	phases := make([]Phase, len(args))
	for i, a := range args {
		phases[i] = a.Phase
	}
	return phases
}

func incompatiblePhases(want, got Phase) bool {
	if want == PhaseCrystal && got == PhaseFluid {
		return true
	}
	if want == PhaseFluid && got == PhaseCrystal {
		return true
	}
	return false
}

func phaseScore(want, got Phase) int {
	switch {
	case want == got:
		return 3
	case want == PhaseUnphased && got == PhaseUnphased:
		return 2
	default:
		return 1
	}
}

func closureFunctionObject(v Value) *FunctionObject {
	if c := v.AsClosure(); c != nil {
		return c.Fn
	}
	return nil
}

// dispatchCall implements the call-path steps of spec §4.3: resolve,
// branch on callee kind, and either run a native function inline or push
// a new frame for a compiled closure. It returns (newFrame, result,
// error): newFrame is non-nil only when the VM's dispatch loop must
// switch to executing it before continuing.
func (vm *VM) dispatchCall(callee Value, args []Value, resultReg uint8) (*Frame, Value, error) {
	if arr := callee.AsArray(); arr != nil {
		selected, err := phaseDispatchSelect(arr.Elements, args)
		if err != nil {
			return nil, Nil, err
		}
		callee = selected
	}

	switch h := callee.Heap().(type) {
	case *NativeFunctionObject:
		clonedArgs := make([]Value, len(args))
		for i, a := range args {
			clonedArgs[i] = deepClone(a)
		}
		result, err := h.Fn(vm, clonedArgs)
		if err != nil {
			if ee, ok := err.(ExceptionError); ok {
				if throwErr := vm.throw(ee.ThrownValue(), vm.currentLine()); throwErr != nil {
					return nil, Nil, throwErr
				}
				return nil, Nil, nil
			}
			return nil, Nil, err
		}
		return nil, result, nil

	case *ClosureObject:
		if h.Fn == nil || h.Fn.Chunk == nil || !h.Fn.Chunk.IsRegisterChunk() {
			return nil, Nil, errors.NewRuntimeError(errors.CategoryType, "cannot call a foreign or malformed closure", errors.Position{})
		}
		if !h.Fn.Variadic && len(args) != h.Fn.Arity {
			return nil, Nil, errors.NewRuntimeError(errors.CategoryArity,
				fmt.Sprintf("expected %d arguments, got %d", h.Fn.Arity, len(args)), errors.Position{})
		}
		if len(vm.frames) >= vm.maxFrames {
			return nil, Nil, errors.NewRuntimeError(errors.CategoryBounds, "call stack exceeded max_frames", errors.Position{})
		}
		frame := vm.pushFrame(h.Fn.Chunk, h.Upvalues, resultReg)
		frame.Regs[0] = Unit
		for i, a := range args {
			frame.Regs[i+1] = cloneOrBorrow(a)
		}
		if h.Fn.Variadic {
			extra := make([]Value, 0)
			for i := h.Fn.Arity; i < len(args); i++ {
				extra = append(extra, cloneOrBorrow(args[i]))
			}
			frame.Regs[h.Fn.Arity+1] = NewArray(extra)
		}
		return frame, Nil, nil

	default:
		return nil, Nil, errors.NewRuntimeError(errors.CategoryType, "value is not callable", errors.Position{})
	}
}
