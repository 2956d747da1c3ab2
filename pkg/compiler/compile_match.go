package compiler

import (
	"github.com/ajokela/lattice-sub001/pkg/ast"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// compileMatchExpr lowers `match scrutinee { arm, ... }` (spec §4.2): each
// arm's pattern test funnels every failure branch to that arm's own
// "next arm" label, every arm's body writes its value into a single
// rendezvous register and jumps past the remaining arms. When no arm
// matches, control falls through to a LOADNIL, so the match yields Nil.
func (fc *FunctionCompiler) compileMatchExpr(n *ast.MatchExpr, dst Register) Register {
	scrutReg := fc.compileExpr(n.Scrutinee, nilRegister)
	r := fc.target(dst)
	var endJumps []int
	for _, arm := range n.Arms {
		fc.beginScope()
		fail := fc.compileMatchPattern(arm.Pattern, scrutReg)
		if arm.Guard != nil {
			guardReg := fc.compileExpr(arm.Guard, nilRegister)
			fail = append(fail, fc.emitJump(vm.OpJmpFalse, guardReg, arm.Guard.Line()))
		}
		bodyReg := fc.compileExpr(arm.Body, nilRegister)
		fc.emitABC(vm.OpMove, r, bodyReg, 0, arm.Body.Line())
		endJumps = append(endJumps, fc.emitJump(vm.OpJmp, 0, arm.Body.Line()))
		for _, f := range fail {
			fc.patchJump(f)
		}
		fc.endScope()
	}
	fc.emitABC(vm.OpLoadNil, r, 0, 0, n.Line())
	for _, j := range endJumps {
		fc.patchJump(j)
	}
	return r
}

// compileMatchPattern emits the test for one arm's pattern against
// scrutReg, returning the list of forward-jump indices that must be
// patched to land on the next arm when the test fails. BindPattern always
// succeeds (it only binds), so it contributes no jumps.
func (fc *FunctionCompiler) compileMatchPattern(p ast.MatchPattern, scrutReg Register) []int {
	switch pat := p.(type) {
	case *ast.WildcardPattern:
		if pat.Phase == "" {
			return nil
		}
		tmp := fc.regAlloc.Alloc()
		op := vm.OpIsFluid
		switch pat.Phase {
		case "crystal":
			op = vm.OpIsCrystal
		case "fluid":
			op = vm.OpIsFluid
		case "sublimated":
			// No dedicated IS_SUBLIMATED opcode exists; a sublimated
			// qualifier matches whatever IS_CRYSTAL/IS_FLUID both reject,
			// tested as the negation of their disjunction.
			c := fc.regAlloc.Alloc()
			fl := fc.regAlloc.Alloc()
			fc.emitABC(vm.OpIsCrystal, c, scrutReg, 0, pat.Line())
			fc.emitABC(vm.OpIsFluid, fl, scrutReg, 0, pat.Line())
			fc.emitABC(vm.OpBOr, tmp, c, fl, pat.Line())
			fc.emitABC(vm.OpNot, tmp, tmp, 0, pat.Line())
			fc.regAlloc.Free(fl)
			fc.regAlloc.Free(c)
			return []int{fc.emitJump(vm.OpJmpFalse, tmp, pat.Line())}
		}
		fc.emitABC(op, tmp, scrutReg, 0, pat.Line())
		return []int{fc.emitJump(vm.OpJmpFalse, tmp, pat.Line())}
	case *ast.LiteralPattern:
		valReg := fc.compileExpr(pat.Value, nilRegister)
		tmp := fc.regAlloc.Alloc()
		fc.emitABC(vm.OpEq, tmp, scrutReg, valReg, pat.Line())
		return []int{fc.emitJump(vm.OpJmpFalse, tmp, pat.Line())}
	case *ast.RangePattern:
		loReg := fc.compileExpr(pat.Lo, nilRegister)
		hiReg := fc.compileExpr(pat.Hi, nilRegister)
		tmp := fc.regAlloc.Alloc()
		fc.emitABC(vm.OpGtEq, tmp, scrutReg, loReg, pat.Line())
		lowFail := fc.emitJump(vm.OpJmpFalse, tmp, pat.Line())
		fc.emitABC(vm.OpLtEq, tmp, scrutReg, hiReg, pat.Line())
		highFail := fc.emitJump(vm.OpJmpFalse, tmp, pat.Line())
		return []int{lowFail, highFail}
	case *ast.BindPattern:
		bindReg := fc.regAlloc.Alloc()
		fc.emitABC(vm.OpMove, bindReg, scrutReg, 0, pat.Line())
		fc.symtab.Define(pat.Name, bindReg)
		return nil
	default:
		fc.addError("unsupported match pattern %T", p)
		return nil
	}
}
