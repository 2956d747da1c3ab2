package compiler

import (
	"github.com/ajokela/lattice-sub001/pkg/ast"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// compileBuiltinCall intercepts call expressions whose callee is a bare
// identifier naming one of the phase/reactive primitives that compile
// directly to a dedicated opcode instead of an ordinary CALL (spec §4.4,
// §4.4.2). compose is hard-coded here too (spec's Open Question on
// `compose` redefinition: intentionally bypasses whatever the user may
// have bound that name to at runtime). Returns handled=false for every
// other callee so the ordinary CALL path runs unchanged.
func (fc *FunctionCompiler) compileBuiltinCall(name string, n *ast.CallExpr, dst Register) (Register, bool) {
	switch name {
	case "freeze":
		return fc.compileValuePhaseCall(vm.OpFreeze, n, dst), true
	case "thaw":
		return fc.compileValuePhaseCall(vm.OpThaw, n, dst), true
	case "sublimate":
		return fc.compileValuePhaseCall(vm.OpSublimate, n, dst), true
	case "is_crystal":
		return fc.compileValuePhaseCall(vm.OpIsCrystal, n, dst), true
	case "is_fluid":
		return fc.compileValuePhaseCall(vm.OpIsFluid, n, dst), true
	case "mark_fluid":
		return fc.compileMarkFluidCall(n, dst), true
	case "react":
		return fc.compileReactCall(n, dst), true
	case "unreact":
		return fc.compileUnreactCall(n, dst), true
	case "bond":
		return fc.compileBondCall(n, dst), true
	case "unbond":
		return fc.compileUnbondCall(n, dst), true
	case "seed":
		return fc.compileSeedCall(n, dst), true
	case "unseed":
		return fc.compileUnseedCall(n, dst), true
	case "compose":
		return fc.compileComposeCall(n, dst), true
	default:
		return nilRegister, false
	}
}

// compileValuePhaseCall lowers the single-argument value-level phase
// primitives (spec §4.4: FREEZE/THAW/SUBLIMATE/IS_CRYSTAL/IS_FLUID), all
// of which share the shape A,B: R[A] = op(R[B]).
func (fc *FunctionCompiler) compileValuePhaseCall(op vm.OpCode, n *ast.CallExpr, dst Register) Register {
	if len(n.Args) != 1 {
		fc.addError("%s expects exactly 1 argument", n.Callee.(*ast.Ident).Name)
		return fc.target(dst)
	}
	x := fc.compileExpr(n.Args[0], nilRegister)
	r := fc.target(dst)
	fc.emitABC(op, r, x, 0, n.Line())
	return r
}

// compileMarkFluidCall lowers `mark_fluid(x)`: MARK_FLUID mutates the
// single register operand in place (spec §4.4), so the argument must be
// compiled directly into dst rather than a scratch register.
func (fc *FunctionCompiler) compileMarkFluidCall(n *ast.CallExpr, dst Register) Register {
	if len(n.Args) != 1 {
		fc.addError("mark_fluid expects exactly 1 argument")
		return fc.target(dst)
	}
	r := fc.target(dst)
	fc.compileExpr(n.Args[0], r)
	fc.emitABC(vm.OpMarkFluid, r, 0, 0, n.Line())
	return r
}

// identArgName extracts a bare identifier argument's name, used by the
// reactive primitives whose first argument names a variable rather than
// evaluating to one (spec §4.4.2: "variable-name arguments reified as
// string constants").
func (fc *FunctionCompiler) identArgName(e ast.Expr) (string, bool) {
	id, ok := e.(*ast.Ident)
	if !ok {
		fc.addError("expected a bare identifier naming a reactive variable")
		return "", false
	}
	return id.Name, true
}

// resolveVarLoc resolves name to a local register or upvalue slot for the
// named phase-variable opcodes (FREEZE_VAR/THAW_VAR/SUBLIMATE_VAR). Global
// names fall back to the caller's value-level round trip instead of
// emitting loc_type=2, so no compile-time Globals-slot number ever has to
// agree with the runtime table by construction alone (the same class of
// drift bug fixed in GETGLOBAL/SETGLOBAL/DEFINEGLOBAL).
func (fc *FunctionCompiler) resolveVarLoc(name string) (locType uint8, slot uint8, ok bool) {
	switch r := fc.resolveName(name); r.kind {
	case nameLocal:
		return 0, uint8(r.reg), true
	case nameUpvalue:
		return 1, r.idx, true
	default:
		return 0, 0, false
	}
}

func (fc *FunctionCompiler) compileReactCall(n *ast.CallExpr, dst Register) Register {
	if len(n.Args) != 2 {
		fc.addError("react expects exactly 2 arguments")
		return fc.target(dst)
	}
	name, ok := fc.identArgName(n.Args[0])
	if !ok {
		return fc.target(dst)
	}
	closureReg := fc.compileExpr(n.Args[1], nilRegister)
	fc.emitABx(vm.OpReact, closureReg, fc.constString(name), n.Line())
	r := fc.target(dst)
	fc.emitABC(vm.OpLoadUnit, r, 0, 0, n.Line())
	return r
}

func (fc *FunctionCompiler) compileUnreactCall(n *ast.CallExpr, dst Register) Register {
	if len(n.Args) != 1 {
		fc.addError("unreact expects exactly 1 argument")
		return fc.target(dst)
	}
	name, ok := fc.identArgName(n.Args[0])
	if !ok {
		return fc.target(dst)
	}
	fc.emitABx(vm.OpUnreact, 0, fc.constString(name), n.Line())
	r := fc.target(dst)
	fc.emitABC(vm.OpLoadUnit, r, 0, 0, n.Line())
	return r
}

func (fc *FunctionCompiler) compileBondCall(n *ast.CallExpr, dst Register) Register {
	if len(n.Args) != 2 {
		fc.addError("bond expects exactly 2 arguments")
		return fc.target(dst)
	}
	target, ok1 := fc.identArgName(n.Args[0])
	dep, ok2 := fc.identArgName(n.Args[1])
	if !ok1 || !ok2 {
		return fc.target(dst)
	}
	fc.emitABC(vm.OpBond, Register(fc.constString(target)), Register(fc.constString(dep)), 0, n.Line())
	r := fc.target(dst)
	fc.emitABC(vm.OpLoadUnit, r, 0, 0, n.Line())
	return r
}

func (fc *FunctionCompiler) compileUnbondCall(n *ast.CallExpr, dst Register) Register {
	if len(n.Args) != 1 {
		fc.addError("unbond expects exactly 1 argument")
		return fc.target(dst)
	}
	target, ok := fc.identArgName(n.Args[0])
	if !ok {
		return fc.target(dst)
	}
	fc.emitABC(vm.OpUnbond, Register(fc.constString(target)), 0, 0, n.Line())
	r := fc.target(dst)
	fc.emitABC(vm.OpLoadUnit, r, 0, 0, n.Line())
	return r
}

func (fc *FunctionCompiler) compileSeedCall(n *ast.CallExpr, dst Register) Register {
	if len(n.Args) != 2 {
		fc.addError("seed expects exactly 2 arguments")
		return fc.target(dst)
	}
	name, ok := fc.identArgName(n.Args[0])
	if !ok {
		return fc.target(dst)
	}
	closureReg := fc.compileExpr(n.Args[1], nilRegister)
	fc.emitABx(vm.OpSeed, closureReg, fc.constString(name), n.Line())
	r := fc.target(dst)
	fc.emitABC(vm.OpLoadUnit, r, 0, 0, n.Line())
	return r
}

func (fc *FunctionCompiler) compileUnseedCall(n *ast.CallExpr, dst Register) Register {
	if len(n.Args) != 1 {
		fc.addError("unseed expects exactly 1 argument")
		return fc.target(dst)
	}
	name, ok := fc.identArgName(n.Args[0])
	if !ok {
		return fc.target(dst)
	}
	fc.emitABC(vm.OpUnseed, Register(fc.constString(name)), 0, 0, n.Line())
	r := fc.target(dst)
	fc.emitABC(vm.OpLoadUnit, r, 0, 0, n.Line())
	return r
}

// compileComposeCall lowers `compose(f, g)` to a freshly built closure
// `fn(x) { return g(f(x)) }` capturing f and g as upvalues, regardless of
// whatever the enclosing scope may have bound the name `compose` to
// (spec's Open Question: compose is a hard-coded primitive, not a
// user-overridable global).
func (fc *FunctionCompiler) compileComposeCall(n *ast.CallExpr, dst Register) Register {
	if len(n.Args) != 2 {
		fc.addError("compose expects exactly 2 arguments")
		return fc.target(dst)
	}
	line := n.Line()
	fReg := fc.compileExpr(n.Args[0], nilRegister)
	gReg := fc.compileExpr(n.Args[1], nilRegister)
	fName := fc.freshName("compose_f")
	gName := fc.freshName("compose_g")
	fc.symtab.Define(fName, fReg)
	fc.symtab.Define(gName, gReg)

	argName := fc.freshName("compose_x")
	body := &ast.BlockStmt{LineNo: line, Stmts: []ast.Stmt{
		&ast.ReturnStmt{LineNo: line, Value: &ast.CallExpr{
			LineNo: line,
			Callee: &ast.Ident{LineNo: line, Name: gName},
			Args: []ast.Expr{&ast.CallExpr{
				LineNo: line,
				Callee: &ast.Ident{LineNo: line, Name: fName},
				Args:   []ast.Expr{&ast.Ident{LineNo: line, Name: argName}},
			}},
		}},
	}}
	fn := fc.compileFunctionBody("<compose>", []ast.Param{{Name: argName}}, false, body)
	r := fc.target(dst)
	fc.emitClosure(r, fn, fc.pendingUpvalues, line)
	return r
}

// compileForgeExpr lowers `forge { ... }` (spec §4.4: a block whose
// trailing value is produced already crystallized).
func (fc *FunctionCompiler) compileForgeExpr(n *ast.ForgeExpr, dst Register) Register {
	bodyReg := fc.compileBlock(n.Body)
	r := fc.target(dst)
	if bodyReg == nilRegister {
		fc.emitABC(vm.OpLoadUnit, r, 0, 0, n.Line())
	} else {
		fc.emitABC(vm.OpFreeze, r, bodyReg, 0, n.Line())
	}
	return r
}

// compileAnnealExpr lowers `anneal target with closure` (spec §4.4: the
// target's current value is passed through closure, and the result
// replaces it — a controlled re-seed of a crystal value).
func (fc *FunctionCompiler) compileAnnealExpr(n *ast.AnnealExpr, dst Register) Register {
	targetReg := fc.compileExpr(n.Target, nilRegister)
	closureReg := fc.compileExpr(n.Closure, nilRegister)
	base, ok := fc.regAlloc.TryAllocContiguous(2)
	if !ok {
		base = fc.regAlloc.Alloc()
	}
	if base != closureReg {
		fc.emitABC(vm.OpMove, base, closureReg, 0, n.Line())
	}
	if base+1 != targetReg {
		fc.emitABC(vm.OpMove, base+1, targetReg, 0, n.Line())
	}
	r := fc.target(dst)
	fc.emitABC(vm.OpCall, r, base, 1, n.Line())
	fc.storeTarget(n.Target, r)
	return r
}

// compileCrystallizeExpr lowers `crystallize target { body }` (spec §4.4):
// target is frozen for the duration of body, then thawed once the block
// completes unless it was already crystal before the block.
func (fc *FunctionCompiler) compileCrystallizeExpr(n *ast.CrystallizeExpr, dst Register) Register {
	was := fc.regAlloc.Alloc()
	fc.loadName(n.Target, was)
	fc.emitABC(vm.OpIsCrystal, was, was, 0, n.Line())
	fc.emitFreezeVar(n.Target, false, n.Line())
	bodyReg := fc.compileBlock(n.Body)
	skip := fc.emitJump(vm.OpJmpTrue, was, n.Line())
	fc.emitThawVar(n.Target, n.Line())
	fc.patchJump(skip)
	fc.regAlloc.Free(was)
	r := fc.target(dst)
	if bodyReg != nilRegister {
		fc.emitABC(vm.OpMove, r, bodyReg, 0, n.Line())
	} else {
		fc.emitABC(vm.OpLoadUnit, r, 0, 0, n.Line())
	}
	return r
}

// compileBorrowExpr is crystallize's inverse: target is thawed for the
// duration of body, then refrozen (spec §4.4's "temporary fluid borrow").
func (fc *FunctionCompiler) compileBorrowExpr(n *ast.BorrowExpr, dst Register) Register {
	fc.emitThawVar(n.Target, n.Line())
	bodyReg := fc.compileBlock(n.Body)
	fc.emitFreezeVar(n.Target, false, n.Line())
	r := fc.target(dst)
	if bodyReg != nilRegister {
		fc.emitABC(vm.OpMove, r, bodyReg, 0, n.Line())
	} else {
		fc.emitABC(vm.OpLoadUnit, r, 0, 0, n.Line())
	}
	return r
}

func (fc *FunctionCompiler) emitFreezeVar(name string, consume bool, line int) {
	if locType, slot, ok := fc.resolveVarLoc(name); ok {
		b := locType
		if consume {
			b |= 0x80
		}
		fc.emitABC(vm.OpFreezeVar, Register(fc.constString(name)), Register(b), Register(slot), line)
		return
	}
	r := fc.regAlloc.Alloc()
	fc.loadName(name, r)
	fc.emitABC(vm.OpFreeze, r, r, 0, line)
	fc.storeName(name, r, false)
	fc.regAlloc.Free(r)
}

func (fc *FunctionCompiler) emitThawVar(name string, line int) {
	if locType, slot, ok := fc.resolveVarLoc(name); ok {
		fc.emitABC(vm.OpThawVar, Register(fc.constString(name)), Register(locType), Register(slot), line)
		return
	}
	r := fc.regAlloc.Alloc()
	fc.loadName(name, r)
	fc.emitABC(vm.OpThaw, r, r, 0, line)
	fc.storeName(name, r, false)
	fc.regAlloc.Free(r)
}
