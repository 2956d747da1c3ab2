package compiler

import (
	"strings"

	"github.com/ajokela/lattice-sub001/pkg/ast"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// compileStmt dispatches one statement, returning the register its trailing
// expression value (if any) landed in — only ExprStmt and control forms
// whose last arm is itself an expression-valued statement ever return a
// non-nilRegister value; the rest return nilRegister (spec §4.2).
func (fc *FunctionCompiler) compileStmt(s ast.Stmt) Register {
	fc.line = s.Line()
	switch n := s.(type) {
	case *ast.LetStmt:
		fc.compileLetStmt(n)
		return nilRegister
	case *ast.AssignStmt:
		fc.compileAssignStmt(n)
		return nilRegister
	case *ast.ExprStmt:
		return fc.compileExpr(n.X, nilRegister)
	case *ast.BlockStmt:
		return fc.compileBlock(n)
	case *ast.IfStmt:
		return fc.compileIfStmt(n)
	case *ast.WhileStmt:
		fc.compileWhileStmt(n)
		return nilRegister
	case *ast.ForStmt:
		fc.compileForStmt(n)
		return nilRegister
	case *ast.ForOfStmt:
		fc.compileForOfStmt(n)
		return nilRegister
	case *ast.BreakStmt:
		fc.compileBreakStmt(n)
		return nilRegister
	case *ast.ContinueStmt:
		fc.compileContinueStmt(n)
		return nilRegister
	case *ast.ReturnStmt:
		fc.compileReturnStmt(n)
		return nilRegister
	case *ast.ThrowStmt:
		fc.compileThrowStmt(n)
		return nilRegister
	case *ast.DeferStmt:
		fc.compileDeferStmt(n)
		return nilRegister
	case *ast.TryStmt:
		fc.compileTryStmt(n)
		return nilRegister
	case *ast.ScopeStmt:
		fc.compileScopeStmt(n)
		return nilRegister
	default:
		fc.addError("unsupported statement %T", n)
		return nilRegister
	}
}

// compileBlock runs a fresh lexical scope over stmts, returning the last
// statement's value register (used when a block stands in expression
// position, e.g. an if/match arm or a function body's tail).
func (fc *FunctionCompiler) compileBlock(b *ast.BlockStmt) Register {
	fc.beginScope()
	last := fc.compileBlockTail(b)
	fc.endScope()
	return last
}

// compileBlockTail compiles a block's statements without opening/closing a
// scope of its own, for callers (function bodies) that manage the
// outermost scope themselves.
func (fc *FunctionCompiler) compileBlockTail(b *ast.BlockStmt) Register {
	last := Register(nilRegister)
	for _, s := range b.Stmts {
		last = fc.compileStmt(s)
	}
	return last
}

// compileLetStmt lowers `let pattern = expr` (spec §4.2): evaluate the
// value, then bind each pattern leaf to a fresh local register.
func (fc *FunctionCompiler) compileLetStmt(n *ast.LetStmt) {
	valReg := fc.compileExpr(n.Value, nilRegister)
	fc.bindPattern(n.Target, valReg)
}

// bindPattern destructures src into pattern's leaves, defining each as a
// new local (spec §4.2's array/struct destructuring). An array pattern's
// rest element (RestIdx) is skipped: it is not bound to anything.
func (fc *FunctionCompiler) bindPattern(p ast.Pattern, src Register) {
	switch pat := p.(type) {
	case *ast.IdentPattern:
		dst := fc.regAlloc.Alloc()
		fc.emitABC(vm.OpMove, dst, src, 0, pat.Line())
		fc.symtab.Define(pat.Name, dst)
	case *ast.ArrayPattern:
		for i, elem := range pat.Elems {
			if i == pat.RestIdx {
				continue
			}
			idxReg := fc.regAlloc.Alloc()
			fc.emitAsBx(vm.OpLoadI, idxReg, int32(i), pat.Line())
			elemReg := fc.regAlloc.Alloc()
			fc.emitABC(vm.OpGetIndex, elemReg, src, idxReg, pat.Line())
			fc.regAlloc.Free(idxReg)
			fc.bindPattern(elem, elemReg)
			fc.regAlloc.Free(elemReg)
		}
	case *ast.StructPattern:
		for _, f := range pat.Fields {
			fieldReg := fc.regAlloc.Alloc()
			fc.emitABC(vm.OpGetField, fieldReg, src, Register(fc.constString(f.Name)), pat.Line())
			fc.bindPattern(f.Binding, fieldReg)
			fc.regAlloc.Free(fieldReg)
		}
	default:
		fc.addError("unsupported pattern %T", p)
	}
}

// compileAssignStmt lowers `target op= value` (spec §4.2): compound ops
// desugar to `target = target op value` before the store.
func (fc *FunctionCompiler) compileAssignStmt(n *ast.AssignStmt) {
	var valReg Register
	if n.Op == "=" {
		valReg = fc.compileExpr(n.Value, nilRegister)
	} else {
		cur := fc.compileExpr(n.Target, nilRegister)
		rhs := fc.compileExpr(n.Value, nilRegister)
		op := strings.TrimSuffix(n.Op, "=")
		valReg = fc.regAlloc.Alloc()
		fc.emitBinOp(op, valReg, cur, rhs, n.Line())
	}
	fc.storeTarget(n.Target, valReg)
}

// storeTarget writes valReg into target, which must be an Ident, FieldExpr,
// or IndexExpr (spec §4.2).
func (fc *FunctionCompiler) storeTarget(target ast.Expr, valReg Register) {
	switch t := target.(type) {
	case *ast.Ident:
		fc.storeName(t.Name, valReg, false)
	case *ast.FieldExpr:
		recv := fc.compileExpr(t.X, nilRegister)
		fc.emitABC(vm.OpSetField, recv, valReg, Register(fc.constString(t.Name)), t.Line())
	case *ast.IndexExpr:
		recv := fc.compileExpr(t.X, nilRegister)
		idx := fc.compileExpr(t.Index, nilRegister)
		fc.emitABC(vm.OpSetIndex, recv, idx, valReg, t.Line())
	default:
		fc.addError("invalid assignment target %T", target)
	}
}

func (fc *FunctionCompiler) compileIfStmt(n *ast.IfStmt) Register {
	condReg := fc.compileExpr(n.Cond, nilRegister)
	jf := fc.emitJump(vm.OpJmpFalse, condReg, n.Line())
	thenReg := fc.compileBlock(n.Then)
	result := nilRegister
	if thenReg != nilRegister {
		result = fc.regAlloc.Alloc()
		fc.emitABC(vm.OpMove, result, thenReg, 0, n.Line())
	}
	var end int
	if n.Else != nil {
		end = fc.emitJump(vm.OpJmp, 0, n.Line())
	}
	fc.patchJump(jf)
	if n.Else != nil {
		switch els := n.Else.(type) {
		case *ast.BlockStmt:
			elseReg := fc.compileBlock(els)
			if result != nilRegister && elseReg != nilRegister {
				fc.emitABC(vm.OpMove, result, elseReg, 0, n.Line())
			}
		case *ast.IfStmt:
			elseReg := fc.compileIfStmt(els)
			if result != nilRegister && elseReg != nilRegister {
				fc.emitABC(vm.OpMove, result, elseReg, 0, n.Line())
			}
		}
		fc.patchJump(end)
	}
	return result
}

func (fc *FunctionCompiler) pushLoop(label string) *LoopContext {
	lc := &LoopContext{Label: label}
	fc.loopStack = append(fc.loopStack, lc)
	return lc
}

func (fc *FunctionCompiler) popLoop() {
	fc.loopStack = fc.loopStack[:len(fc.loopStack)-1]
}

func (fc *FunctionCompiler) findLoop(label string) *LoopContext {
	for i := len(fc.loopStack) - 1; i >= 0; i-- {
		if label == "" || fc.loopStack[i].Label == label {
			return fc.loopStack[i]
		}
	}
	return nil
}

func (fc *FunctionCompiler) compileWhileStmt(n *ast.WhileStmt) {
	lc := fc.pushLoop(n.Label)
	start := fc.here()
	lc.ContinueTargetPos = start
	condReg := fc.compileExpr(n.Cond, nilRegister)
	jf := fc.emitJump(vm.OpJmpFalse, condReg, n.Line())
	fc.compileBlock(n.Body)
	fc.emitBackwardJump(vm.OpJmp, start, n.Line())
	fc.patchJump(jf)
	for _, pos := range lc.BreakPlaceholderPosList {
		fc.patchJump(pos)
	}
	fc.popLoop()
}

func (fc *FunctionCompiler) compileForStmt(n *ast.ForStmt) {
	fc.beginScope()
	if n.Init != nil {
		fc.compileStmt(n.Init)
	}
	lc := fc.pushLoop(n.Label)
	start := fc.here()
	var jf int
	hasCond := n.Cond != nil
	if hasCond {
		condReg := fc.compileExpr(n.Cond, nilRegister)
		jf = fc.emitJump(vm.OpJmpFalse, condReg, n.Line())
	}
	fc.compileBlock(n.Body)
	lc.ContinueTargetPos = fc.here()
	if n.Post != nil {
		fc.compileStmt(n.Post)
	}
	fc.emitBackwardJump(vm.OpJmp, start, n.Line())
	if hasCond {
		fc.patchJump(jf)
	}
	for _, pos := range lc.BreakPlaceholderPosList {
		fc.patchJump(pos)
	}
	fc.popLoop()
	fc.endScope()
}

// compileForOfStmt lowers `for x in collection { }` via ITER_INIT/ITER_NEXT
// (spec §4.2's iterator protocol).
func (fc *FunctionCompiler) compileForOfStmt(n *ast.ForOfStmt) {
	fc.beginScope()
	collReg := fc.compileExpr(n.Collection, nilRegister)
	iterReg := fc.regAlloc.Alloc()
	fc.emitABC(vm.OpIterInit, iterReg, collReg, 0, n.Line())

	lc := fc.pushLoop(n.Label)
	start := fc.here()
	lc.ContinueTargetPos = start
	itemReg := fc.regAlloc.Alloc()
	fc.emitABC(vm.OpIterNext, itemReg, iterReg, 0, n.Line())
	// ITER_NEXT yields Nil on exhaustion: jump into the body only when the
	// item is non-nil, otherwise fall through to the unconditional exit
	// jump just below.
	jf := fc.emitJump(vm.OpJmpNotNil, itemReg, n.Line())
	exitJmp := fc.emitJump(vm.OpJmp, 0, n.Line())
	fc.patchJump(jf)

	fc.beginScope()
	fc.bindPattern(n.Binding, itemReg)
	fc.compileBlockTail(n.Body)
	fc.endScope()

	fc.emitBackwardJump(vm.OpJmp, start, n.Line())
	fc.patchJump(exitJmp)
	for _, pos := range lc.BreakPlaceholderPosList {
		fc.patchJump(pos)
	}
	fc.popLoop()
	fc.regAlloc.Free(itemReg)
	fc.regAlloc.Free(iterReg)
	fc.endScope()
}

func (fc *FunctionCompiler) compileBreakStmt(n *ast.BreakStmt) {
	lc := fc.findLoop(n.Label)
	if lc == nil {
		fc.addError("break outside a loop")
		return
	}
	pos := fc.emitJump(vm.OpJmp, 0, n.Line())
	lc.BreakPlaceholderPosList = append(lc.BreakPlaceholderPosList, pos)
}

func (fc *FunctionCompiler) compileContinueStmt(n *ast.ContinueStmt) {
	lc := fc.findLoop(n.Label)
	if lc == nil {
		fc.addError("continue outside a loop")
		return
	}
	fc.emitBackwardJump(vm.OpJmp, lc.ContinueTargetPos, n.Line())
}

func (fc *FunctionCompiler) compileReturnStmt(n *ast.ReturnStmt) {
	if n.Value == nil {
		fc.emitABC(vm.OpReturnUndefined, 0, 0, 0, n.Line())
		return
	}
	reg := fc.compileExpr(n.Value, nilRegister)
	fc.emitABC(vm.OpReturn, reg, 0, 0, n.Line())
}

func (fc *FunctionCompiler) compileThrowStmt(n *ast.ThrowStmt) {
	reg := fc.compileExpr(n.Value, nilRegister)
	fc.emitABC(vm.OpThrow, reg, 0, 0, n.Line())
}

// compileDeferStmt emits DEFER_PUSH with an inline body (spec §4.3.3): the
// body is compiled in place, guarded by a forward jump so normal control
// flow never falls into it, and DEFER_PUSH's sBx operand records that
// jump's offset so the VM can read where the deferred body begins.
func (fc *FunctionCompiler) compileDeferStmt(n *ast.DeferStmt) {
	push := fc.emitJump(vm.OpDeferPush, Register(fc.symtab.Depth()), n.Line())
	fc.compileBlock(n.Body)
	fc.emitABC(vm.OpReturnUndefined, 0, 0, 0, n.Line())
	fc.patchJump(push)
}

// compileTryStmt lowers `try { } catch e { }` as a statement (spec
// §4.3.2): PUSH_HANDLER records the catch offset; POP_HANDLER clears it
// once the body finishes without throwing.
func (fc *FunctionCompiler) compileTryStmt(n *ast.TryStmt) {
	errReg := fc.regAlloc.Alloc()
	push := fc.emitJump(vm.OpPushHandler, errReg, n.Line())
	fc.compileBlock(n.Body)
	fc.emitABC(vm.OpPopHandler, 0, 0, 0, n.Line())
	done := fc.emitJump(vm.OpJmp, 0, n.Line())
	fc.patchJump(push)
	fc.beginScope()
	fc.symtab.Define(n.CatchName, errReg)
	fc.compileBlockTail(n.Catch)
	fc.endScope()
	fc.patchJump(done)
	fc.regAlloc.Free(errReg)
}

// compileScopeStmt lowers `scope { spawn { } ... }` (spec §4.6): each
// spawn block and the residual sync block compile to their own Chunks,
// wrapped as function prototypes so execScope can run them through a
// forked child VM.
func (fc *FunctionCompiler) compileScopeStmt(n *ast.ScopeStmt) {
	dst := fc.regAlloc.Alloc()
	fc.emitABC(vm.OpScope, dst, 0, 0, n.Line())

	var syncIdx uint16
	if n.Sync != nil {
		fn := fc.compileFunctionBody("<scope-sync>", nil, false, n.Sync)
		syncIdx = fc.chunk.AddConstant(vm.NewFunctionProto(fn))
	}
	spawnIdxs := make([]uint16, len(n.Spawns))
	for i, sp := range n.Spawns {
		fn := fc.compileFunctionBody("<spawn>", nil, false, sp)
		spawnIdxs[i] = fc.chunk.AddConstant(vm.NewFunctionProto(fn))
	}

	header := uint32(len(spawnIdxs)&0xFF) | uint32(syncIdx&0xFF)<<8
	fc.chunk.Emit(header, n.Line())
	for _, idx := range spawnIdxs {
		fc.chunk.Emit(uint32(idx), n.Line())
	}
	fc.regAlloc.Free(dst)
}
