package vm

import (
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajokela/lattice-sub001/pkg/errors"
	"github.com/ajokela/lattice-sub001/pkg/phase"
)

// Run loads entry as the VM's top-level frame and executes until the
// frame stack empties (spec §2: "VM loads the top-level Chunk into a
// frame and executes").
func (vm *VM) Run(entry *Chunk) (Value, error) {
	vm.arena.Reset()
	vm.chunks = append(vm.chunks, entry)
	vm.pushFrame(entry, nil, 0)
	return vm.execute()
}

// execute is the dispatch loop (spec §4.3): fetch, decode, act, repeat
// until the frame stack empties. A tight switch on opcode is used per
// spec §9's "computed-goto dispatch → a tight match/switch is adequate."
func (vm *VM) execute() (Value, error) {
	baseDepth := len(vm.frames) - 1

	for {
		frame := vm.currentFrame()
		if frame == nil {
			return Unit, nil
		}
		if frame.IP >= len(frame.Chunk.Code) {
			vm.popFrame()
			if len(vm.frames) <= baseDepth {
				return Unit, nil
			}
			continue
		}

		word := frame.Chunk.Code[frame.IP]
		instr := Decode(word)
		ip := frame.IP
		frame.IP++

		var err error
		switch instr.Op {

		// --- Loads ---
		case OpLoadK:
			frame.Regs[instr.A] = cloneOrBorrow(frame.Chunk.Constants[instr.Bx])
		case OpLoadI:
			frame.Regs[instr.A] = Int(int64(instr.Sx))
		case OpLoadNil:
			frame.Regs[instr.A] = Nil
		case OpLoadTrue:
			frame.Regs[instr.A] = Bool(true)
		case OpLoadFalse:
			frame.Regs[instr.A] = Bool(false)
		case OpLoadUnit:
			frame.Regs[instr.A] = Unit
		case OpMove:
			frame.Regs[instr.A] = frame.Regs[instr.B]

		// --- Arithmetic ---
		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			frame.Regs[instr.A], err = vm.binArith(instr.Op, frame.Regs[instr.B], frame.Regs[instr.C], ip)
		case OpAddI:
			frame.Regs[instr.A], err = vm.binArith(OpAdd, frame.Regs[instr.B], Int(int64(int8(instr.C))), ip)
		case OpNeg:
			err = vm.unaryNeg(frame, instr)
		case OpConcat:
			frame.Regs[instr.A] = vm.concat(frame.Regs[instr.B], frame.Regs[instr.C])
		case OpAddInt:
			frame.Regs[instr.A] = Int(frame.Regs[instr.B].AsInt() + frame.Regs[instr.C].AsInt())
		case OpSubInt:
			frame.Regs[instr.A] = Int(frame.Regs[instr.B].AsInt() - frame.Regs[instr.C].AsInt())
		case OpMulInt:
			frame.Regs[instr.A] = Int(frame.Regs[instr.B].AsInt() * frame.Regs[instr.C].AsInt())
		case OpLtInt:
			frame.Regs[instr.A] = Bool(frame.Regs[instr.B].AsInt() < frame.Regs[instr.C].AsInt())
		case OpLtEqInt:
			frame.Regs[instr.A] = Bool(frame.Regs[instr.B].AsInt() <= frame.Regs[instr.C].AsInt())
		case OpIncReg:
			frame.Regs[instr.A] = Int(frame.Regs[instr.A].AsInt() + 1)
		case OpDecReg:
			frame.Regs[instr.A] = Int(frame.Regs[instr.A].AsInt() - 1)

		// --- Bitwise ---
		case OpBAnd:
			frame.Regs[instr.A] = Int(frame.Regs[instr.B].AsInt() & frame.Regs[instr.C].AsInt())
		case OpBOr:
			frame.Regs[instr.A] = Int(frame.Regs[instr.B].AsInt() | frame.Regs[instr.C].AsInt())
		case OpBXor:
			frame.Regs[instr.A] = Int(frame.Regs[instr.B].AsInt() ^ frame.Regs[instr.C].AsInt())
		case OpBNot:
			frame.Regs[instr.A] = Int(^frame.Regs[instr.B].AsInt())
		case OpLShift:
			frame.Regs[instr.A] = Int(frame.Regs[instr.B].AsInt() << uint(frame.Regs[instr.C].AsInt()))
		case OpRShift:
			frame.Regs[instr.A] = Int(frame.Regs[instr.B].AsInt() >> uint(frame.Regs[instr.C].AsInt()))

		// --- Comparison ---
		case OpEq:
			frame.Regs[instr.A], err = vm.compareEq(frame, instr, true)
		case OpNeq:
			frame.Regs[instr.A], err = vm.compareEq(frame, instr, false)
		case OpLt, OpLtEq, OpGt, OpGtEq:
			frame.Regs[instr.A], err = vm.compareOrd(instr.Op, frame.Regs[instr.B], frame.Regs[instr.C], ip)
		case OpNot:
			frame.Regs[instr.A] = Bool(!frame.Regs[instr.B].IsTruthy())

		// --- Branching ---
		case OpJmp:
			frame.IP += int(instr.Sx)
		case OpJmpFalse:
			if !frame.Regs[instr.A].IsTruthy() {
				frame.IP += int(instr.Sx)
			}
		case OpJmpTrue:
			if frame.Regs[instr.A].IsTruthy() {
				frame.IP += int(instr.Sx)
			}
		case OpJmpNotNil:
			if !frame.Regs[instr.A].IsNil() {
				frame.IP += int(instr.Sx)
			}

		// --- Globals/locals ---
		// Bx is a constant-pool index for the global's name string, never a
		// raw Globals slot index — the two numbering schemes diverge as soon
		// as any non-global constant shares the pool, so every access
		// resolves the actual slot by name through Globals itself.
		case OpGetGlobal:
			name := frame.Chunk.Constants[instr.Bx]
			idx, ok := vm.Globals.nameToIndex[name.AsString()]
			if !ok {
				err = vm.nameError(name, ip)
			} else {
				v, _ := vm.Globals.Get(idx)
				frame.Regs[instr.A] = v
			}
		case OpSetGlobal:
			name := frame.Chunk.Constants[instr.Bx].AsString()
			idx := vm.Globals.Define(name)
			vm.Globals.Set(idx, deepClone(frame.Regs[instr.A]))
			vm.recordHistoryFor(frame.Chunk.Constants[instr.Bx], frame.Regs[instr.A])
		case OpDefineGlobal:
			name := frame.Chunk.Constants[instr.Bx].AsString()
			idx := vm.Globals.Define(name)
			vm.Globals.Set(idx, deepClone(frame.Regs[instr.A]))
		case OpGetUpvalue:
			frame.Regs[instr.A] = frame.Upvalues[instr.B].Get()
		case OpSetUpvalue:
			frame.Upvalues[instr.A].Set(deepClone(frame.Regs[instr.B]))
		case OpCloseUpvalue:
			loc := &frame.Regs[instr.A]
			vm.openUpvalues.CloseFrom(func(l *Value) bool { return l == loc })

		// --- Aggregate access ---
		case OpGetField:
			frame.Regs[instr.A], err = vm.getField(frame.Regs[instr.B], frame.Chunk.Constants[instr.C].AsString(), ip)
		case OpSetField:
			err = vm.setField(frame.Regs[instr.A], frame.Chunk.Constants[instr.C].AsString(), frame.Regs[instr.B], ip)
		case OpGetIndex:
			frame.Regs[instr.A], err = vm.getIndex(frame.Regs[instr.B], frame.Regs[instr.C], ip)
		case OpSetIndex, OpSetIndexLocal:
			err = vm.setIndex(frame.Regs[instr.A], frame.Regs[instr.B], frame.Regs[instr.C], ip)
		case OpSetSlice, OpSetSliceLocal:
			err = vm.setSlice(frame, instr, ip)

		// --- Aggregate construction ---
		case OpNewArray:
			base := int(instr.B)
			count := int(instr.C)
			elems := make([]Value, count)
			for i := 0; i < count; i++ {
				elems[i] = deepClone(frame.Regs[base+i])
			}
			frame.Regs[instr.A] = NewArray(elems)
		case OpNewTuple:
			base := int(instr.B)
			count := int(instr.C)
			elems := make([]Value, count)
			for i := 0; i < count; i++ {
				elems[i] = deepClone(frame.Regs[base+i])
			}
			frame.Regs[instr.A] = NewTuple(elems)
		case OpBuildRange:
			frame.Regs[instr.A] = NewRange(frame.Regs[instr.B].AsInt(), frame.Regs[instr.C].AsInt())
		case OpNewMap:
			frame.Regs[instr.A] = NewMap()
		case OpNewStruct:
			dataWord := frame.Chunk.Code[frame.IP]
			frame.IP++
			frame.Regs[instr.A] = vm.buildStruct(frame, instr, dataWord)
		case OpNewEnum:
			dataWord := frame.Chunk.Code[frame.IP]
			frame.IP++
			frame.Regs[instr.A] = vm.buildEnum(frame, instr, dataWord)

		// --- Calls and closures ---
		case OpClosure:
			frame.Regs[instr.A] = vm.makeClosure(frame, instr)
		case OpCall, OpTailCall:
			err = vm.execCall(frame, instr)
		case OpReturn:
			retVal := frame.Regs[instr.A]
			vm.execReturn(retVal)
			if len(vm.frames) <= baseDepth {
				return retVal, nil
			}
			continue
		case OpReturnUndefined:
			vm.execReturn(Unit)
			if len(vm.frames) <= baseDepth {
				return Unit, nil
			}
			continue

		// --- Method dispatch ---
		case OpInvoke, OpInvokeLocal, OpInvokeGlobal:
			err = vm.execInvoke(frame, instr)

		// --- Phase ops ---
		case OpFreeze:
			frame.Regs[instr.A] = vm.freezeValue(frame.Regs[instr.B])
		case OpThaw:
			frame.Regs[instr.A] = vm.thawValue(frame.Regs[instr.B])
		case OpSublimate:
			frame.Regs[instr.A] = vm.sublimateValue(frame.Regs[instr.B])
		case OpFreezeVar:
			err = vm.execFreezeVar(frame, instr)
		case OpThawVar:
			err = vm.execThawVar(frame, instr)
		case OpSublimateVar:
			err = vm.execSublimateVar(frame, instr)
		case OpFreezeField:
			vm.setFieldPhase(frame.Regs[instr.A], frame.Chunk.Constants[instr.C].AsString(), PhaseCrystal)
		case OpThawField:
			vm.setFieldPhase(frame.Regs[instr.A], frame.Chunk.Constants[instr.C].AsString(), PhaseFluid)
		case OpFreezeExcept:
			dataWord := frame.Chunk.Code[frame.IP]
			frame.IP++
			vm.freezeExcept(frame, instr, dataWord)
		case OpIsCrystal:
			frame.Regs[instr.A] = Bool(frame.Regs[instr.B].IsCrystal())
		case OpIsFluid:
			frame.Regs[instr.A] = Bool(frame.Regs[instr.B].IsFluid())
		case OpMarkFluid:
			frame.Regs[instr.A].Phase = PhaseFluid

		// --- Reactive primitives ---
		case OpReact:
			vm.execReact(frame, instr)
		case OpUnreact:
			vm.Phase.Unreact(frame.Chunk.Constants[instr.Bx].AsString())
		case OpBond:
			vm.execBond(frame, instr)
		case OpUnbond:
			vm.Phase.Unbond(frame.Chunk.Constants[instr.A].AsString())
		case OpSeed:
			vm.execSeed(frame, instr)
		case OpUnseed:
			vm.Phase.Unseed(frame.Chunk.Constants[instr.A].AsString())

		// --- Exceptions ---
		case OpPushHandler:
			vm.pushHandler(ExceptionHandler{
				CatchIP:    ip + int(instr.Sx) + 1,
				Chunk:      frame.Chunk,
				FrameIndex: len(vm.frames) - 1,
				RegWater:   vm.regTop,
				ErrorReg:   instr.A,
			})
		case OpPopHandler:
			vm.popHandler()
		case OpThrow:
			err = vm.throw(frame.Regs[instr.A], frame.Chunk.LineFor(ip))
		case OpTryUnwrap:
			var isErr bool
			var errVal Value
			var unwrapped Value
			unwrapped, isErr, errVal = vm.tryUnwrap(frame.Regs[instr.A])
			if isErr {
				vm.execReturn(errVal)
				if len(vm.frames) <= baseDepth {
					return errVal, nil
				}
				continue
			}
			frame.Regs[instr.A] = unwrapped

		// --- Defer ---
		case OpDeferPush:
			frame.Defers = append(frame.Defers, deferRecord{
				BodyIP:     ip + 1,
				Chunk:      frame.Chunk,
				ScopeDepth: int(instr.A),
			})
			frame.IP += int(instr.Sx)
		case OpDeferRun:
			err = vm.runDefers(frame, int(instr.A))

		// --- Iteration ---
		case OpIterInit:
			frame.Regs[instr.A] = vm.iterInit(frame.Regs[instr.B])
		case OpIterNext:
			vm.iterNext(frame, instr)
		case OpLen:
			frame.Regs[instr.A] = Int(int64(vm.length(frame.Regs[instr.B])))
		case OpCollectVarargs:
			base := int(instr.B)
			rest := make([]Value, 0)
			for r := base; r < RegsMax; r++ {
				rest = append(rest, frame.Regs[r])
			}
			frame.Regs[instr.A] = NewArray(rest)

		// --- Type guard ---
		case OpCheckType:
			dataWord := frame.Chunk.Code[frame.IP]
			frame.IP++
			err = vm.checkType(frame, instr, dataWord)

		// --- Module loading ---
		case OpImport:
			frame.Regs[instr.A], err = vm.execImport(frame.Chunk.Constants[instr.Bx].AsString())
		case OpRequire:
			frame.Regs[instr.A], err = vm.execRequire(frame.Chunk.Constants[instr.Bx].AsString())

		// --- Concurrency ---
		case OpScope:
			frame.Regs[instr.A], err = vm.execScope(frame)
		case OpSelect:
			frame.Regs[instr.A], err = vm.execSelect(frame)

		// --- Misc ---
		case OpHalt:
			return Unit, nil
		case OpResetEphemeral:
			vm.arena.Reset()

		default:
			err = errors.NewRuntimeError(errors.CategoryType, fmt.Sprintf("unimplemented opcode %s", instr.Op), errors.Position{Line: frame.Chunk.LineFor(ip)})
		}

		if err != nil {
			return Nil, err
		}
	}
}

// execReturn implements the return path of spec §4.3: clone the return
// value, pop the frame (which closes upvalues and clears registers), and
// deliver the clone into the caller's result register.
func (vm *VM) execReturn(retVal Value) {
	cloned := cloneOrBorrow(retVal)
	popped := vm.popFrame()
	if caller := vm.currentFrame(); caller != nil && popped != nil {
		caller.Regs[popped.ResultReg] = cloned
	}
}

func (vm *VM) execCall(frame *Frame, instr Instruction) error {
	funcReg := instr.B
	argc := int(instr.C)
	args := make([]Value, argc)
	copy(args, frame.Regs[int(funcReg)+1:int(funcReg)+1+argc])

	newFrame, result, err := vm.dispatchCall(frame.Regs[funcReg], args, instr.A)
	if err != nil {
		return err
	}
	if newFrame == nil {
		frame.Regs[instr.A] = result
	}
	return nil
}

func (vm *VM) execInvoke(frame *Frame, instr Instruction) error {
	dataWord := frame.Chunk.Code[frame.IP]
	frame.IP++
	objReg := uint8(dataWord & 0xFF)
	argsBase := uint8((dataWord >> 8) & 0xFF)

	method := frame.Chunk.Constants[instr.B].AsString()
	argc := int(instr.C)

	recv := frame.Regs[objReg]
	handler, err := vm.resolveMethod(recv, method)
	if err != nil {
		return err
	}
	args := make([]Value, argc)
	copy(args, frame.Regs[int(argsBase):int(argsBase)+argc])

	newFrame, result, err := vm.dispatchCall(handler, args, instr.A)
	if err != nil {
		return err
	}
	if newFrame == nil {
		frame.Regs[instr.A] = result
	}
	return nil
}

// --- Arithmetic/comparison helpers ---

func (vm *VM) binArith(op OpCode, a, b Value, ip int) (Value, error) {
	if a.Type == TypeInt && b.Type == TypeInt {
		switch op {
		case OpAdd:
			return Int(a.AsInt() + b.AsInt()), nil
		case OpSub:
			return Int(a.AsInt() - b.AsInt()), nil
		case OpMul:
			return Int(a.AsInt() * b.AsInt()), nil
		case OpDiv:
			if b.AsInt() == 0 {
				return Nil, errors.NewRuntimeError(errors.CategoryBounds, "division by zero", errors.Position{Line: ip})
			}
			return Int(a.AsInt() / b.AsInt()), nil
		case OpMod:
			if b.AsInt() == 0 {
				return Nil, errors.NewRuntimeError(errors.CategoryBounds, "division by zero", errors.Position{Line: ip})
			}
			return Int(a.AsInt() % b.AsInt()), nil
		}
	}
	if (a.Type == TypeInt || a.Type == TypeFloat) && (b.Type == TypeInt || b.Type == TypeFloat) {
		af, bf := a.AsFloat(), b.AsFloat()
		switch op {
		case OpAdd:
			return Float(af + bf), nil
		case OpSub:
			return Float(af - bf), nil
		case OpMul:
			return Float(af * bf), nil
		case OpDiv:
			return Float(af / bf), nil
		case OpMod:
			return Float(float64(int64(af) % int64(bf))), nil
		}
	}
	if op == OpAdd && a.Type == TypeStr && b.Type == TypeStr {
		return vm.concat(a, b), nil
	}
	return Nil, errors.NewRuntimeError(errors.CategoryType,
		fmt.Sprintf("cannot add %s and %s", a.Type, b.Type), errors.Position{Line: ip})
}

func (vm *VM) unaryNeg(frame *Frame, instr Instruction) error {
	v := frame.Regs[instr.B]
	switch v.Type {
	case TypeInt:
		frame.Regs[instr.A] = Int(-v.AsInt())
	case TypeFloat:
		frame.Regs[instr.A] = Float(-v.AsFloat())
	default:
		return errors.NewRuntimeError(errors.CategoryType, fmt.Sprintf("cannot negate %s", v.Type), errors.Position{})
	}
	return nil
}

// concat builds a string in the ephemeral arena, per spec §4.1.1's
// "CONCAT A,B,C: string build in ephemeral arena".
func (vm *VM) concat(a, b Value) Value {
	s := a.ToString() + b.ToString()
	v := NewString(s)
	if ls, interned := vm.interns.Intern(s); interned {
		v.str = ls
		v.Region = RegionInterned
	} else {
		v.Region = RegionEphemeral
		vm.arena.Track(v.Heap())
	}
	return v
}

func (vm *VM) compareEq(frame *Frame, instr Instruction, wantEqual bool) (Value, error) {
	a, b := frame.Regs[instr.B], frame.Regs[instr.C]
	if s := a.AsStruct(); s != nil {
		if eqFn, ok := s.Get("eq"); ok && eqFn.Heap() != nil {
			_, result, err := vm.dispatchCall(eqFn, []Value{b}, 0)
			if err != nil {
				return Nil, err
			}
			if !wantEqual {
				return Bool(!result.IsTruthy()), nil
			}
			return result, nil
		}
	}
	eq := ValuesEqual(a, b)
	if !wantEqual {
		eq = !eq
	}
	return Bool(eq), nil
}

func (vm *VM) compareOrd(op OpCode, a, b Value, ip int) (Value, error) {
	if (a.Type == TypeInt || a.Type == TypeFloat) && (b.Type == TypeInt || b.Type == TypeFloat) {
		af, bf := a.AsFloat(), b.AsFloat()
		switch op {
		case OpLt:
			return Bool(af < bf), nil
		case OpLtEq:
			return Bool(af <= bf), nil
		case OpGt:
			return Bool(af > bf), nil
		case OpGtEq:
			return Bool(af >= bf), nil
		}
	}
	if a.Type == TypeStr && b.Type == TypeStr {
		return compareStrOrd(op, a.AsString(), b.AsString()), nil
	}
	return Nil, errors.NewRuntimeError(errors.CategoryType, fmt.Sprintf("cannot compare %s and %s", a.Type, b.Type), errors.Position{Line: ip})
}

func compareStrOrd(op OpCode, a, b string) Value {
	switch op {
	case OpLt:
		return Bool(a < b)
	case OpLtEq:
		return Bool(a <= b)
	case OpGt:
		return Bool(a > b)
	case OpGtEq:
		return Bool(a >= b)
	}
	return Bool(false)
}

func (vm *VM) nameError(nameConst Value, ip int) error {
	name := nameConst.AsString()
	msg := fmt.Sprintf("undefined variable %q", name)
	if s := vm.suggestName(name, vm.knownGlobalNames()); s != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", s)
	}
	return errors.NewRuntimeError(errors.CategoryName, msg, errors.Position{Line: ip})
}

func (vm *VM) knownGlobalNames() []string {
	names := make([]string, 0, len(vm.Globals.nameToIndex))
	for n := range vm.Globals.nameToIndex {
		names = append(names, n)
	}
	return names
}

// --- Aggregate access helpers ---

func (vm *VM) getField(recv Value, name string, ip int) (Value, error) {
	switch recv.Type {
	case TypeStruct:
		if v, ok := recv.AsStruct().Get(name); ok {
			return v, nil
		}
		return Nil, errors.NewRuntimeError(errors.CategoryName, fmt.Sprintf("no field %q", name), errors.Position{Line: ip})
	case TypeMap:
		if v, ok := recv.AsMap().Get(NewString(name)); ok {
			return v, nil
		}
		return Nil, nil
	default:
		return Nil, errors.NewRuntimeError(errors.CategoryType, fmt.Sprintf("%s has no fields", recv.Type), errors.Position{Line: ip})
	}
}

func (vm *VM) setField(recv Value, name string, val Value, ip int) error {
	if recv.IsCrystal() {
		return errors.NewRuntimeError(errors.CategoryPhase, "cannot modify a frozen value", errors.Position{Line: ip})
	}
	switch recv.Type {
	case TypeStruct:
		s := recv.AsStruct()
		if s.Phases.Get(name) == PhaseCrystal {
			return errors.NewRuntimeError(errors.CategoryPhase, fmt.Sprintf("field %q is frozen", name), errors.Position{Line: ip})
		}
		if !s.Set(name, deepClone(val)) {
			return errors.NewRuntimeError(errors.CategoryName, fmt.Sprintf("no field %q", name), errors.Position{Line: ip})
		}
		return nil
	case TypeMap:
		recv.AsMap().Set(NewString(name), deepClone(val))
		return nil
	default:
		return errors.NewRuntimeError(errors.CategoryType, fmt.Sprintf("%s has no fields", recv.Type), errors.Position{Line: ip})
	}
}

func (vm *VM) getIndex(recv, idx Value, ip int) (Value, error) {
	switch recv.Type {
	case TypeArray:
		arr := recv.AsArray()
		i := int(idx.AsInt())
		if i < 0 || i >= len(arr.Elements) {
			return Nil, errors.NewRuntimeError(errors.CategoryBounds, "index out of range", errors.Position{Line: ip})
		}
		return arr.Elements[i], nil
	case TypeTuple:
		t := recv.AsTuple()
		i := int(idx.AsInt())
		if i < 0 || i >= len(t.Elements) {
			return Nil, errors.NewRuntimeError(errors.CategoryBounds, "index out of range", errors.Position{Line: ip})
		}
		return t.Elements[i], nil
	case TypeMap:
		v, _ := recv.AsMap().Get(idx)
		return v, nil
	case TypeStr:
		runes := []rune(recv.AsString())
		i := int(idx.AsInt())
		if i < 0 || i >= len(runes) {
			return Nil, errors.NewRuntimeError(errors.CategoryBounds, "index out of range", errors.Position{Line: ip})
		}
		return NewString(string(runes[i])), nil
	default:
		return Nil, errors.NewRuntimeError(errors.CategoryType, fmt.Sprintf("%s is not indexable", recv.Type), errors.Position{Line: ip})
	}
}

func (vm *VM) setIndex(recv, idx, val Value, ip int) error {
	if recv.IsCrystal() {
		return errors.NewRuntimeError(errors.CategoryPhase, "cannot modify a frozen value", errors.Position{Line: ip})
	}
	switch recv.Type {
	case TypeArray:
		arr := recv.AsArray()
		i := int(idx.AsInt())
		if i < 0 || i >= len(arr.Elements) {
			return errors.NewRuntimeError(errors.CategoryBounds, "index out of range", errors.Position{Line: ip})
		}
		arr.Elements[i] = deepClone(val)
		return nil
	case TypeMap:
		recv.AsMap().Set(idx, deepClone(val))
		return nil
	default:
		return errors.NewRuntimeError(errors.CategoryType, fmt.Sprintf("%s is not index-assignable", recv.Type), errors.Position{Line: ip})
	}
}

// setSlice implements SETSLICE/SETSLICE_LOCAL: splice args[B:B+C] of an
// array into recv starting at idx, growing recv if the pressure
// contracts permit it (spec §4.4.4).
func (vm *VM) setSlice(frame *Frame, instr Instruction, ip int) error {
	recv := frame.Regs[instr.A]
	if recv.Type != TypeArray {
		return errors.NewRuntimeError(errors.CategoryType, fmt.Sprintf("%s is not slice-assignable", recv.Type), errors.Position{Line: ip})
	}
	if recv.IsCrystal() {
		return errors.NewRuntimeError(errors.CategoryPhase, "cannot modify a frozen value", errors.Position{Line: ip})
	}
	arr := recv.AsArray()
	base := int(instr.B)
	count := int(instr.C)
	if base+count > len(arr.Elements) {
		if !arr.CanGrow() {
			return errors.NewRuntimeError(errors.CategoryPressure, "array cannot grow under its current pressure", errors.Position{Line: ip})
		}
		grown := make([]Value, base+count)
		copy(grown, arr.Elements)
		arr.Elements = grown
	}
	for i := 0; i < count; i++ {
		arr.Elements[base+i] = deepClone(frame.Regs[base+i])
	}
	return nil
}

// --- Struct/enum construction ---

func (vm *VM) buildStruct(frame *Frame, instr Instruction, dataWord uint32) Value {
	metaConstIdx := uint16(dataWord & 0xFFFF)
	meta := frame.Chunk.Constants[metaConstIdx].AsStruct()
	base := int(instr.B)
	fields := make([]StructField, len(meta.Fields))
	for i, f := range meta.Fields {
		fields[i] = StructField{Name: f.Name, Value: deepClone(frame.Regs[base+i])}
	}
	return NewStruct(meta.Name, meta.TypeID, fields)
}

func (vm *VM) buildEnum(frame *Frame, instr Instruction, dataWord uint32) Value {
	enumConstIdx := uint16(dataWord & 0xFFFF)
	variantIdx := int(dataWord >> 16)
	enumConst := frame.Chunk.Constants[enumConstIdx].AsEnum()
	base := int(instr.B)
	count := int(instr.C)
	payload := make([]Value, count)
	for i := 0; i < count; i++ {
		payload[i] = deepClone(frame.Regs[base+i])
	}
	return NewEnum(enumConst.EnumName, enumConst.VariantName, variantIdx, payload)
}

func (vm *VM) makeClosure(frame *Frame, instr Instruction) Value {
	proto := frame.Chunk.Constants[instr.Bx]
	fo := proto.Heap().(*FunctionObject)
	upvalues := make([]*UpvalueCell, fo.UpvalueCount)
	for i := 0; i < fo.UpvalueCount; i++ {
		descWord := frame.Chunk.Code[frame.IP]
		frame.IP++
		isLocal := descWord&1 != 0
		index := uint8(descWord >> 8)
		if isLocal {
			upvalues[i] = vm.openUpvalues.FindOrCreate(&frame.Regs[index])
		} else {
			upvalues[i] = frame.Upvalues[index]
		}
	}
	return NewClosure(fo, upvalues)
}

// --- Type guard ---

func (vm *VM) checkType(frame *Frame, instr Instruction, dataWord uint32) error {
	v := frame.Regs[instr.A]
	wantType := ValueType(instr.Bx)
	if v.Type != wantType {
		formatConstIdx := uint16(dataWord & 0xFFFF)
		format := frame.Chunk.Constants[formatConstIdx].AsString()
		return errors.NewRuntimeError(errors.CategoryType, fmt.Sprintf(format, v.Type, wantType), errors.Position{Line: frame.Chunk.LineFor(frame.IP)})
	}
	return nil
}

// --- Iteration ---

func (vm *VM) iterInit(v Value) Value {
	switch v.Type {
	case TypeArray:
		return NewArrayIterator(v.AsArray())
	case TypeRange:
		return NewRangeIterator(v.RangeLo(), v.RangeHi())
	case TypeMap:
		entries := v.AsMap().Entries()
		i := 0
		return NewIterator(func() (Value, bool) {
			if i >= len(entries) {
				return Nil, false
			}
			e := entries[i]
			i++
			return NewTuple([]Value{e.key, e.value}), true
		})
	case TypeSet:
		s := v.AsSet()
		s.mu.RLock()
		vals := make([]Value, 0, len(s.data))
		for _, val := range s.data {
			vals = append(vals, val)
		}
		s.mu.RUnlock()
		return NewArrayIterator(&ArrayObject{Elements: vals})
	case TypeStr:
		runes := []rune(v.AsString())
		i := 0
		return NewIterator(func() (Value, bool) {
			if i >= len(runes) {
				return Nil, false
			}
			r := runes[i]
			i++
			return NewString(string(r)), true
		})
	case TypeIterator:
		return v
	default:
		return v
	}
}

func (vm *VM) iterNext(frame *Frame, instr Instruction) {
	collection := frame.Regs[instr.B]
	it := collection.AsIterator()
	if it == nil {
		frame.Regs[instr.A] = Nil
		return
	}
	v, ok := it.Next()
	if !ok {
		frame.Regs[instr.A] = Nil
		return
	}
	frame.Regs[instr.A] = v
}

func (vm *VM) length(v Value) int {
	switch v.Type {
	case TypeArray:
		return v.AsArray().Len()
	case TypeTuple:
		return len(v.AsTuple().Elements)
	case TypeMap:
		return v.AsMap().Len()
	case TypeSet:
		return v.AsSet().Len()
	case TypeStr:
		return v.StringLen()
	case TypeBuffer:
		return len(v.AsBuffer().Bytes)
	default:
		return 0
	}
}

// --- Defer (spec §4.3.3) ---

func (vm *VM) runDefers(frame *Frame, minScope int) error {
	for len(frame.Defers) > 0 {
		last := frame.Defers[len(frame.Defers)-1]
		if last.ScopeDepth < minScope {
			break
		}
		frame.Defers = frame.Defers[:len(frame.Defers)-1]
		if err := vm.runDeferBody(frame, last); err != nil {
			return err
		}
	}
	return nil
}

// runDeferBody executes a deferred body by running it as a nested
// sub-frame seeded with the parent's register image, copying modified
// registers back on completion (spec §4.3.3: "on completion, modified
// registers are copied back to the parent frame").
func (vm *VM) runDeferBody(frame *Frame, rec deferRecord) error {
	sub := vm.pushFrame(rec.Chunk, frame.Upvalues, 0)
	copy(sub.Regs, frame.Regs)
	sub.IP = rec.BodyIP
	sub.ScopeDepth = rec.ScopeDepth

	depth := len(vm.frames)
	for len(vm.frames) >= depth {
		cur := vm.frames[len(vm.frames)-1]
		if cur.IP >= len(cur.Chunk.Code) {
			break
		}
		if cur.Chunk.Code[cur.IP]&0xFF == uint32(OpHalt) {
			break
		}
		if _, err := vm.step(); err != nil {
			for len(vm.frames) >= depth {
				vm.popFrame()
			}
			return err
		}
	}
	for len(vm.frames) >= depth {
		vm.popFrame()
	}
	copy(frame.Regs, sub.Regs)
	return nil
}

// step executes exactly one instruction of the current frame through
// dispatchOne (not execute's loop) — used by runDeferBody to single-step
// a defer body.
func (vm *VM) step() (bool, error) {
	frame := vm.currentFrame()
	if frame == nil {
		return false, nil
	}
	if frame.IP >= len(frame.Chunk.Code) {
		vm.popFrame()
		return false, nil
	}
	word := frame.Chunk.Code[frame.IP]
	instr := Decode(word)
	ip := frame.IP
	frame.IP++
	return true, vm.dispatchOne(frame, instr, ip)
}

// dispatchOne executes a single decoded instruction against frame so
// defer bodies (runDeferBody) can single-step without re-entering the
// full loop's baseDepth/return bookkeeping. It handles only the opcodes
// listed in its switch, with the same semantics as execute's cases; any
// other opcode is reported as not permitted in a defer body.
func (vm *VM) dispatchOne(frame *Frame, instr Instruction, ip int) error {
	switch instr.Op {
	case OpLoadK:
		frame.Regs[instr.A] = cloneOrBorrow(frame.Chunk.Constants[instr.Bx])
	case OpLoadI:
		frame.Regs[instr.A] = Int(int64(instr.Sx))
	case OpLoadNil:
		frame.Regs[instr.A] = Nil
	case OpMove:
		frame.Regs[instr.A] = frame.Regs[instr.B]
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		v, err := vm.binArith(instr.Op, frame.Regs[instr.B], frame.Regs[instr.C], ip)
		if err != nil {
			return err
		}
		frame.Regs[instr.A] = v
	case OpCall:
		return vm.execCall(frame, instr)
	case OpGetField:
		v, err := vm.getField(frame.Regs[instr.B], frame.Chunk.Constants[instr.C].AsString(), ip)
		if err != nil {
			return err
		}
		frame.Regs[instr.A] = v
	case OpSetField:
		return vm.setField(frame.Regs[instr.A], frame.Chunk.Constants[instr.C].AsString(), frame.Regs[instr.B], ip)
	case OpJmp:
		frame.IP += int(instr.Sx)
	default:
		return errors.NewRuntimeError(errors.CategoryType, fmt.Sprintf("opcode %s not permitted in a defer body", instr.Op), errors.Position{Line: ip})
	}
	return nil
}

// --- Phase opcodes (spec §4.4) ---

func (vm *VM) freezeValue(v Value) Value {
	v.Phase = PhaseCrystal
	return v
}

func (vm *VM) thawValue(v Value) Value {
	v.Phase = PhaseFluid
	return v
}

func (vm *VM) sublimateValue(v Value) Value {
	v.Phase = PhaseSublimated
	return v
}

func (vm *VM) setFieldPhase(recv Value, name string, p Phase) {
	if s := recv.AsStruct(); s != nil {
		s.Phases.Set(name, p)
	}
}

// execFreezeVar implements FREEZE_VAR (spec §4.4.1): validate seeds (if
// consuming), freeze the target, cascade through bonds, and fire the
// "crystal" reaction.
func (vm *VM) execFreezeVar(frame *Frame, instr Instruction) error {
	name := frame.Chunk.Constants[instr.A].AsString()
	consume := instr.B&0x80 != 0
	locType := instr.B &^ 0x80
	slot := instr.C

	current := vm.loadVarLoc(frame, locType, slot)
	if consume {
		if err := vm.Phase.ValidateSeeds(name, current); err != nil {
			return errors.NewRuntimeError(errors.CategoryContract, "freeze contract failed: "+err.Error(), errors.Position{})
		}
	}

	frozen := vm.freezeValue(current)
	vm.storeVarLoc(frame, locType, slot, frozen)

	if err := vm.Phase.Cascade(name, func(target string) error {
		tv, ok := vm.Globals.GetByName(target)
		if !ok {
			return nil
		}
		vm.Globals.Set(vm.Globals.Define(target), vm.freezeValue(tv))
		return nil
	}); err != nil {
		return err
	}
	return vm.Phase.FireReactions(name, phase.EventCrystal)
}

func (vm *VM) execThawVar(frame *Frame, instr Instruction) error {
	name := frame.Chunk.Constants[instr.A].AsString()
	locType := instr.B &^ 0x80
	slot := instr.C
	current := vm.loadVarLoc(frame, locType, slot)
	vm.storeVarLoc(frame, locType, slot, vm.thawValue(current))
	return vm.Phase.FireReactions(name, phase.EventFluid)
}

func (vm *VM) execSublimateVar(frame *Frame, instr Instruction) error {
	name := frame.Chunk.Constants[instr.A].AsString()
	locType := instr.B &^ 0x80
	slot := instr.C
	current := vm.loadVarLoc(frame, locType, slot)
	vm.storeVarLoc(frame, locType, slot, vm.sublimateValue(current))
	return vm.Phase.FireReactions(name, phase.EventSublimated)
}

func (vm *VM) loadVarLoc(frame *Frame, locType, slot uint8) Value {
	switch locType {
	case 0:
		return frame.Regs[slot]
	case 1:
		return frame.Upvalues[slot].Get()
	default:
		v, _ := vm.Globals.Get(int(slot))
		return v
	}
}

func (vm *VM) storeVarLoc(frame *Frame, locType, slot uint8, v Value) {
	switch locType {
	case 0:
		frame.Regs[slot] = v
	case 1:
		frame.Upvalues[slot].Set(v)
	default:
		vm.Globals.Set(int(slot), v)
	}
}

func (vm *VM) recordHistoryFor(nameConst Value, v Value) {
	if nameConst.Type != TypeStr {
		return
	}
	vm.Phase.RecordHistory(nameConst.AsString(), v)
}

func (vm *VM) freezeExcept(frame *Frame, instr Instruction, dataWord uint32) {
	recv := frame.Regs[instr.A]
	exceptCount := int(dataWord & 0xFF)
	base := int(instr.B)
	excepted := make(map[string]bool, exceptCount)
	for i := 0; i < exceptCount && base+i < RegsMax; i++ {
		excepted[frame.Regs[base+i].AsString()] = true
	}
	if s := recv.AsStruct(); s != nil {
		for _, f := range s.Fields {
			if excepted[f.Name] {
				s.Phases.Set(f.Name, PhaseFluid)
			} else {
				s.Phases.Set(f.Name, PhaseCrystal)
			}
		}
	}
}

func (vm *VM) execReact(frame *Frame, instr Instruction) {
	name := frame.Chunk.Constants[instr.Bx].AsString()
	closure := frame.Regs[instr.A]
	vm.Phase.React(name, func(event phase.Event) error {
		_, _, err := vm.dispatchCall(closure, []Value{NewString(string(event))}, 0)
		return err
	})
}

func (vm *VM) execBond(frame *Frame, instr Instruction) {
	target := frame.Chunk.Constants[instr.A].AsString()
	dep := frame.Chunk.Constants[instr.B].AsString()
	vm.Phase.Bond(target, dep, phase.StrategyMirror)
}

func (vm *VM) execSeed(frame *Frame, instr Instruction) {
	name := frame.Chunk.Constants[instr.Bx].AsString()
	closure := frame.Regs[instr.A]
	vm.Phase.Seed(name, func(current interface{}) (bool, error) {
		cv, _ := current.(Value)
		_, result, err := vm.dispatchCall(closure, []Value{cv}, 0)
		if err != nil {
			return false, err
		}
		return result.IsTruthy(), nil
	})
}

// --- Module loading hooks (bridged to the embedding host's loader) ---

// ModuleLoader is the interface the VM calls into for IMPORT/REQUIRE
// (spec §4.5); pkg/modules supplies the concrete implementation so
// pkg/vm doesn't need to know about filesystem resolution or caching.
type ModuleLoader interface {
	Import(path string) (Value, error)
	Require(path string) (Value, error)
}

func (vm *VM) execImport(path string) (Value, error) {
	if vm.Loader == nil {
		return Nil, errors.NewRuntimeError(errors.CategoryModule, "no module loader configured", errors.Position{})
	}
	return vm.Loader.Import(path)
}

func (vm *VM) execRequire(path string) (Value, error) {
	if vm.Loader == nil {
		return Nil, errors.NewRuntimeError(errors.CategoryModule, "no module loader configured", errors.Position{})
	}
	return vm.Loader.Require(path)
}

// --- Concurrency (spec §4.6, §5) ---

// execScope implements `scope { spawn ... }`: run the sync sub-chunk (if
// any), then fork one sibling VM per spawn sub-chunk inside an errgroup,
// joining before returning. The first spawn error becomes the scope's
// error, matching errgroup.Wait()'s "first non-nil error wins" behavior
// (SPEC_FULL §B).
func (vm *VM) execScope(frame *Frame) (Value, error) {
	headerWord := frame.Chunk.Code[frame.IP]
	frame.IP++
	spawnCount := int(headerWord & 0xFF)
	syncIdx := int((headerWord >> 8) & 0xFF)

	subChunkIdxs := make([]uint16, spawnCount)
	for i := 0; i < spawnCount; i++ {
		subChunkIdxs[i] = uint16(frame.Chunk.Code[frame.IP])
		frame.IP++
	}

	var syncResult Value = Unit
	if syncIdx != 0 {
		syncChunk := frame.Chunk.Constants[syncIdx].Heap().(*FunctionObject).Chunk
		childVM := vm.forkChild()
		var err error
		syncResult, err = childVM.Run(syncChunk)
		if err != nil {
			return Nil, err
		}
	}

	var g errgroup.Group
	results := make([]Value, spawnCount)
	for i, idx := range subChunkIdxs {
		i, idx := i, idx
		g.Go(func() error {
			spawnChunk := frame.Chunk.Constants[idx].Heap().(*FunctionObject).Chunk
			childVM := vm.forkChild()
			res, err := childVM.Run(spawnChunk)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Nil, err
	}
	return syncResult, nil
}

// forkChild builds a sibling VM for a spawned thread (spec §4.6): cloned
// global environment, private caches, fresh ephemeral arena and register
// stack. Chunks, struct metadata, and interned strings are shared
// read-only, matching spec §5's "shared read-only across sibling VMs".
func (vm *VM) forkChild() *VM {
	child := NewVM()
	child.interns = vm.interns
	for name, idx := range vm.Globals.nameToIndex {
		if v, ok := vm.Globals.Get(idx); ok {
			child.Globals.Set(child.Globals.Define(name), v)
		}
	}
	child.Loader = vm.Loader
	child.BuiltinMethodNames = vm.BuiltinMethodNames
	child.Phase = vm.Phase
	return child
}

// execSelect implements `select { arm; ... }` (spec §4.6): evaluate all
// channel expressions, try a randomized non-blocking pass for fairness,
// fall back to a polling wait with an optional timeout arm.
func (vm *VM) execSelect(frame *Frame) (Value, error) {
	headerWord := frame.Chunk.Code[frame.IP]
	frame.IP++
	armCount := int(headerWord & 0xFF)

	type selectArm struct {
		isDefault bool
		isTimeout bool
		channel   *ChannelObject
		bodyIdx   uint16
		timeoutMs int64
	}
	arms := make([]selectArm, armCount)
	for i := 0; i < armCount; i++ {
		descWord := frame.Chunk.Code[frame.IP]
		frame.IP++
		flags := uint8(descWord & 0xFF)
		operandReg := uint8((descWord >> 8) & 0xFF)
		bodyIdx := uint16((descWord >> 16) & 0xFFFF)

		a := selectArm{bodyIdx: bodyIdx}
		switch flags {
		case 1:
			a.isDefault = true
		case 2:
			a.isTimeout = true
			a.timeoutMs = frame.Regs[operandReg].AsInt()
		default:
			a.channel = frame.Regs[operandReg].AsChannel()
		}
		arms[i] = a
	}

	var deadline time.Time
	for _, a := range arms {
		if a.isTimeout {
			deadline = time.Now().Add(time.Duration(a.timeoutMs) * time.Millisecond)
		}
	}

	runArmBody := func(bodyIdx uint16, bound Value, hasBinding bool) (Value, error) {
		bodyChunk := frame.Chunk.Constants[bodyIdx].Heap().(*FunctionObject).Chunk
		sub := vm.pushFrame(bodyChunk, frame.Upvalues, 0)
		if hasBinding {
			sub.Regs[1] = bound
		}
		return vm.execute()
	}

	order := rand.Perm(len(arms))

	for {
		for _, idx := range order {
			a := arms[idx]
			if a.channel == nil {
				continue
			}
			select {
			case v, ok := <-a.channel.Chan():
				if !ok {
					continue
				}
				return runArmBody(a.bodyIdx, v, true)
			default:
			}
		}

		allClosed := true
		for _, a := range arms {
			if a.channel != nil && !a.channel.Closed {
				allClosed = false
			}
		}

		for _, a := range arms {
			if a.isDefault {
				return runArmBody(a.bodyIdx, Nil, false)
			}
		}

		if allClosed {
			return Unit, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			for _, a := range arms {
				if a.isTimeout {
					return runArmBody(a.bodyIdx, Nil, false)
				}
			}
			return Unit, nil
		}

		time.Sleep(time.Millisecond)
	}
}
