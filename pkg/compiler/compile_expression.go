package compiler

import (
	"github.com/ajokela/lattice-sub001/pkg/ast"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// compileExpr lowers an expression, writing its result into dst when the
// caller pins one, or into a freshly allocated register when dst is
// nilRegister, returning the register the value actually landed in.
func (fc *FunctionCompiler) compileExpr(e ast.Expr, dst Register) Register {
	fc.line = e.Line()
	switch n := e.(type) {
	case *ast.IntLit:
		return fc.loadInt(n.Value, dst, n.Line())
	case *ast.FloatLit:
		return fc.loadConst(vm.Float(n.Value), dst, n.Line())
	case *ast.StringLit:
		return fc.loadConst(vm.NewString(n.Value), dst, n.Line())
	case *ast.BoolLit:
		return fc.loadBool(n.Value, dst, n.Line())
	case *ast.NilLit:
		r := fc.target(dst)
		fc.emitABC(vm.OpLoadNil, r, 0, 0, n.Line())
		return r
	case *ast.UnitLit:
		r := fc.target(dst)
		fc.emitABC(vm.OpLoadUnit, r, 0, 0, n.Line())
		return r
	case *ast.Ident:
		r := fc.target(dst)
		fc.loadName(n.Name, r)
		return r
	case *ast.ArrayLit:
		return fc.compileArrayLit(n, dst)
	case *ast.TupleLit:
		return fc.compileTupleLit(n, dst)
	case *ast.RangeLit:
		return fc.compileRangeLit(n, dst)
	case *ast.MapLit:
		return fc.compileMapLit(n, dst)
	case *ast.StructLit:
		return fc.compileStructLit(n, dst)
	case *ast.EnumLit:
		return fc.compileEnumLit(n, dst)
	case *ast.BinaryExpr:
		return fc.compileBinaryExpr(n, dst)
	case *ast.UnaryExpr:
		return fc.compileUnaryExpr(n, dst)
	case *ast.CallExpr:
		return fc.compileCallExpr(n, dst)
	case *ast.MethodCallExpr:
		return fc.compileMethodCallExpr(n, dst)
	case *ast.FieldExpr:
		return fc.compileFieldExpr(n, dst)
	case *ast.IndexExpr:
		return fc.compileIndexExpr(n, dst)
	case *ast.FuncLit:
		return fc.compileFuncLit(n, dst)
	case *ast.MatchExpr:
		return fc.compileMatchExpr(n, dst)
	case *ast.TryExpr:
		return fc.compileTryExpr(n, dst)
	case *ast.ForgeExpr:
		return fc.compileForgeExpr(n, dst)
	case *ast.AnnealExpr:
		return fc.compileAnnealExpr(n, dst)
	case *ast.CrystallizeExpr:
		return fc.compileCrystallizeExpr(n, dst)
	case *ast.BorrowExpr:
		return fc.compileBorrowExpr(n, dst)
	case *ast.SelectExpr:
		return fc.compileSelectExpr(n, dst)
	case *ast.ImportExpr:
		return fc.compileImportExpr(n, dst)
	case *ast.RequireExpr:
		return fc.compileRequireExpr(n, dst)
	default:
		fc.addError("unsupported expression %T", n)
		return fc.target(dst)
	}
}

// target returns dst if the caller pinned one, otherwise allocates a fresh
// register — the common "maybe-allocate" pattern every leaf compile*
// helper needs.
func (fc *FunctionCompiler) target(dst Register) Register {
	if dst == nilRegister {
		return fc.regAlloc.Alloc()
	}
	return dst
}

func (fc *FunctionCompiler) loadConst(v vm.Value, dst Register, line int) Register {
	r := fc.target(dst)
	fc.emitABx(vm.OpLoadK, r, fc.chunk.AddConstant(v), line)
	return r
}

// loadInt uses the LOADI immediate fast path when the value fits the
// signed 16-bit immediate field, falling back to the constant pool
// otherwise (spec §4.1.1's "small immediate int" note on LOADI).
func (fc *FunctionCompiler) loadInt(v int64, dst Register, line int) Register {
	if v >= -32768 && v <= 32767 {
		r := fc.target(dst)
		fc.emitAsBx(vm.OpLoadI, r, int32(v), line)
		return r
	}
	return fc.loadConst(vm.Int(v), dst, line)
}

func (fc *FunctionCompiler) loadBool(v bool, dst Register, line int) Register {
	r := fc.target(dst)
	if v {
		fc.emitABC(vm.OpLoadTrue, r, 0, 0, line)
	} else {
		fc.emitABC(vm.OpLoadFalse, r, 0, 0, line)
	}
	return r
}

// compileExprListContiguous evaluates exprs into a freshly allocated
// contiguous register run, the shape OpCall/OpNewArray/OpNewTuple/etc.
// require for their base+count operands (spec §4.1's "args in contiguous
// registers").
func (fc *FunctionCompiler) compileExprListContiguous(exprs []ast.Expr) Register {
	base, ok := fc.regAlloc.TryAllocContiguous(len(exprs))
	if !ok {
		base = fc.regAlloc.Alloc()
	}
	for i, e := range exprs {
		want := Register(int(base) + i)
		got := fc.compileExpr(e, nilRegister)
		if got != want {
			fc.emitABC(vm.OpMove, want, got, 0, e.Line())
		}
	}
	return base
}

func (fc *FunctionCompiler) compileArrayLit(n *ast.ArrayLit, dst Register) Register {
	base := fc.compileExprListContiguous(n.Elems)
	r := fc.target(dst)
	fc.emitABC(vm.OpNewArray, r, base, Register(len(n.Elems)), n.Line())
	return r
}

func (fc *FunctionCompiler) compileTupleLit(n *ast.TupleLit, dst Register) Register {
	base := fc.compileExprListContiguous(n.Elems)
	r := fc.target(dst)
	fc.emitABC(vm.OpNewTuple, r, base, Register(len(n.Elems)), n.Line())
	return r
}

func (fc *FunctionCompiler) compileRangeLit(n *ast.RangeLit, dst Register) Register {
	lo := fc.compileExpr(n.Lo, nilRegister)
	hi := fc.compileExpr(n.Hi, nilRegister)
	r := fc.target(dst)
	fc.emitABC(vm.OpBuildRange, r, lo, hi, n.Line())
	return r
}

// compileMapLit builds an empty map then SETINDEXes each key/value pair in
// (spec §4.2: literal maps have no dedicated bulk-construction opcode).
func (fc *FunctionCompiler) compileMapLit(n *ast.MapLit, dst Register) Register {
	r := fc.target(dst)
	fc.emitABC(vm.OpNewMap, r, 0, 0, n.Line())
	for i := range n.Keys {
		k := fc.compileExpr(n.Keys[i], nilRegister)
		v := fc.compileExpr(n.Values[i], nilRegister)
		fc.emitABC(vm.OpSetIndex, r, k, v, n.Line())
	}
	return r
}

// compileStructLit evaluates field values into a contiguous run matching
// the declared field order, then emits NEWSTRUCT with the declaration's
// metadata constant (spec §4.2).
func (fc *FunctionCompiler) compileStructLit(n *ast.StructLit, dst Register) Register {
	proto, ok := fc.structProtos[n.Type]
	if !ok {
		fc.addError("unknown struct type %q", n.Type)
		return fc.target(dst)
	}
	fields := proto.AsStruct().Fields
	order := make([]ast.Expr, len(fields))
	for i, f := range fields {
		for _, lf := range n.Fields {
			if lf.Name == f.Name {
				order[i] = lf.Value
			}
		}
		if order[i] == nil {
			fc.addError("struct %q literal is missing field %q", n.Type, f.Name)
			return fc.target(dst)
		}
	}
	base := fc.compileExprListContiguous(order)
	r := fc.target(dst)
	metaIdx := fc.chunk.AddConstant(proto)
	fc.emitABC(vm.OpNewStruct, r, base, 0, n.Line())
	fc.chunk.Emit(uint32(metaIdx), n.Line())
	return r
}

// compileEnumLit evaluates the payload into a contiguous run then emits
// NEWENUM with the variant's packed metadata word (spec §4.2: "low 16 bits
// enum const idx, high 16 bits variant idx").
func (fc *FunctionCompiler) compileEnumLit(n *ast.EnumLit, dst Register) Register {
	info, ok := fc.enumDecls[n.Enum]
	if !ok {
		fc.addError("unknown enum type %q", n.Enum)
		return fc.target(dst)
	}
	variantIdx, ok := info.variants[n.Variant]
	if !ok {
		fc.addError("enum %q has no variant %q", n.Enum, n.Variant)
		return fc.target(dst)
	}
	base := fc.compileExprListContiguous(n.Payload)
	r := fc.target(dst)
	proto := vm.NewEnum(n.Enum, n.Variant, variantIdx, nil)
	enumIdx := fc.chunk.AddConstant(proto)
	fc.emitABC(vm.OpNewEnum, r, base, Register(len(n.Payload)), n.Line())
	fc.chunk.Emit(uint32(enumIdx)|uint32(variantIdx)<<16, n.Line())
	return r
}

// emitBinOp emits the opcode for a binary operator over already-evaluated
// operand registers a,b into dst (spec §4.1's opcode table).
func (fc *FunctionCompiler) emitBinOp(op string, dst, a, b Register, line int) {
	switch op {
	case "+":
		fc.emitABC(vm.OpAdd, dst, a, b, line)
	case "-":
		fc.emitABC(vm.OpSub, dst, a, b, line)
	case "*":
		fc.emitABC(vm.OpMul, dst, a, b, line)
	case "/":
		fc.emitABC(vm.OpDiv, dst, a, b, line)
	case "%":
		fc.emitABC(vm.OpMod, dst, a, b, line)
	case "++":
		fc.emitABC(vm.OpConcat, dst, a, b, line)
	case "&":
		fc.emitABC(vm.OpBAnd, dst, a, b, line)
	case "|":
		fc.emitABC(vm.OpBOr, dst, a, b, line)
	case "^":
		fc.emitABC(vm.OpBXor, dst, a, b, line)
	case "<<":
		fc.emitABC(vm.OpLShift, dst, a, b, line)
	case ">>":
		fc.emitABC(vm.OpRShift, dst, a, b, line)
	case "==":
		fc.emitABC(vm.OpEq, dst, a, b, line)
	case "!=":
		fc.emitABC(vm.OpNeq, dst, a, b, line)
	case "<":
		fc.emitABC(vm.OpLt, dst, a, b, line)
	case "<=":
		fc.emitABC(vm.OpLtEq, dst, a, b, line)
	case ">":
		fc.emitABC(vm.OpGt, dst, a, b, line)
	case ">=":
		fc.emitABC(vm.OpGtEq, dst, a, b, line)
	default:
		fc.addError("unsupported binary operator %q", op)
	}
}

// compileBinaryExpr handles short-circuiting && / || specially (no
// dedicated opcode: lowered to branches, spec §4.1.2) and constant-folds
// int-literal arithmetic at compile time for the common hot-loop case
// before falling back to emitBinOp.
func (fc *FunctionCompiler) compileBinaryExpr(n *ast.BinaryExpr, dst Register) Register {
	switch n.Op {
	case "&&":
		return fc.compileShortCircuit(n, dst, vm.OpJmpFalse)
	case "||":
		return fc.compileShortCircuit(n, dst, vm.OpJmpTrue)
	}
	if li, ok := n.Left.(*ast.IntLit); ok {
		if ri, ok := n.Right.(*ast.IntLit); ok {
			if folded, ok := foldIntOp(n.Op, li.Value, ri.Value); ok {
				return fc.loadInt(folded, dst, n.Line())
			}
		}
	}
	a := fc.compileExpr(n.Left, nilRegister)
	b := fc.compileExpr(n.Right, nilRegister)
	r := fc.target(dst)
	fc.emitBinOp(n.Op, r, a, b, n.Line())
	return r
}

func foldIntOp(op string, a, b int64) (int64, bool) {
	switch op {
	case "+":
		return a + b, true
	case "-":
		return a - b, true
	case "*":
		return a * b, true
	case "/":
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case "%":
		if b == 0 {
			return 0, false
		}
		return a % b, true
	default:
		return 0, false
	}
}

// compileShortCircuit lowers && / || as: evaluate left into dst, branch
// past the right operand on the short-circuiting outcome, otherwise
// overwrite dst with the right operand's value.
func (fc *FunctionCompiler) compileShortCircuit(n *ast.BinaryExpr, dst Register, branch vm.OpCode) Register {
	r := fc.target(dst)
	fc.compileExpr(n.Left, r)
	skip := fc.emitJump(branch, r, n.Line())
	fc.compileExpr(n.Right, r)
	fc.patchJump(skip)
	return r
}

func (fc *FunctionCompiler) compileUnaryExpr(n *ast.UnaryExpr, dst Register) Register {
	x := fc.compileExpr(n.X, nilRegister)
	r := fc.target(dst)
	switch n.Op {
	case "-":
		fc.emitABC(vm.OpNeg, r, x, 0, n.Line())
	case "!":
		fc.emitABC(vm.OpNot, r, x, 0, n.Line())
	case "~":
		fc.emitABC(vm.OpBNot, r, x, 0, n.Line())
	default:
		fc.addError("unsupported unary operator %q", n.Op)
	}
	return r
}

func (fc *FunctionCompiler) compileCallExpr(n *ast.CallExpr, dst Register) Register {
	if ident, ok := n.Callee.(*ast.Ident); ok {
		if r, handled := fc.compileBuiltinCall(ident.Name, n, dst); handled {
			return r
		}
	}
	base, ok := fc.regAlloc.TryAllocContiguous(len(n.Args) + 1)
	if !ok {
		base = fc.regAlloc.Alloc()
	}
	funcReg := base
	fc.compileExpr(n.Callee, funcReg)
	for i, arg := range n.Args {
		want := funcReg + 1 + Register(i)
		got := fc.compileExpr(arg, nilRegister)
		if got != want {
			fc.emitABC(vm.OpMove, want, got, 0, arg.Line())
		}
	}
	r := fc.target(dst)
	fc.emitABC(vm.OpCall, r, funcReg, Register(len(n.Args)), n.Line())
	return r
}

// compileFieldExpr lowers `x.field` / `x?.field` (spec §4.2: the optional
// form short-circuits to Nil via JMPNOTNIL before the GETFIELD).
func (fc *FunctionCompiler) compileFieldExpr(n *ast.FieldExpr, dst Register) Register {
	x := fc.compileExpr(n.X, nilRegister)
	r := fc.target(dst)
	var skip int
	if n.Optional {
		fc.emitABC(vm.OpMove, r, x, 0, n.Line())
		skip = fc.emitJump(vm.OpJmpNotNil, r, n.Line())
		fc.emitABC(vm.OpLoadNil, r, 0, 0, n.Line())
		done := fc.emitJump(vm.OpJmp, 0, n.Line())
		fc.patchJump(skip)
		fc.emitABC(vm.OpGetField, r, x, Register(fc.constString(n.Name)), n.Line())
		fc.patchJump(done)
		return r
	}
	fc.emitABC(vm.OpGetField, r, x, Register(fc.constString(n.Name)), n.Line())
	return r
}

func (fc *FunctionCompiler) compileIndexExpr(n *ast.IndexExpr, dst Register) Register {
	x := fc.compileExpr(n.X, nilRegister)
	idx := fc.compileExpr(n.Index, nilRegister)
	r := fc.target(dst)
	fc.emitABC(vm.OpGetIndex, r, x, idx, n.Line())
	return r
}

func (fc *FunctionCompiler) compileFuncLit(n *ast.FuncLit, dst Register) Register {
	fn := fc.compileFunctionBody("<closure>", n.Params, n.Variadic, n.Body)
	r := fc.target(dst)
	fc.emitClosure(r, fn, fc.pendingUpvalues, n.Line())
	return r
}

// compileTryExpr lowers the expression form of try/catch identically to
// the statement form, except the body's trailing value lands in dst.
func (fc *FunctionCompiler) compileTryExpr(n *ast.TryExpr, dst Register) Register {
	r := fc.target(dst)
	errReg := fc.regAlloc.Alloc()
	push := fc.emitJump(vm.OpPushHandler, errReg, n.Line())
	bodyReg := fc.compileBlock(n.Body)
	if bodyReg != nilRegister {
		fc.emitABC(vm.OpMove, r, bodyReg, 0, n.Line())
	}
	fc.emitABC(vm.OpPopHandler, 0, 0, 0, n.Line())
	done := fc.emitJump(vm.OpJmp, 0, n.Line())
	fc.patchJump(push)
	fc.beginScope()
	fc.symtab.Define(n.CatchName, errReg)
	catchReg := fc.compileBlockTail(n.Catch)
	if catchReg != nilRegister {
		fc.emitABC(vm.OpMove, r, catchReg, 0, n.Line())
	}
	fc.endScope()
	fc.patchJump(done)
	fc.regAlloc.Free(errReg)
	return r
}
