package compiler

import (
	"github.com/ajokela/lattice-sub001/pkg/ast"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// phaseOf maps a Param's phase qualifier string onto vm.Phase, defaulting
// to fluid when unqualified (spec §3.2: params are fluid unless annotated).
func phaseOf(s string) vm.Phase {
	switch s {
	case "crystal":
		return vm.PhaseCrystal
	case "sublimated":
		return vm.PhaseSublimated
	default:
		return vm.PhaseFluid
	}
}

// compileFunctionBody compiles params+body into a standalone *vm.Chunk and
// returns the built FunctionObject. The enclosing upvalue bindings it
// collected while resolving free variables (spec §4.2's per-function
// FunctionCompiler chaining through `enclosing`) are left in
// fc.pendingUpvalues for the caller's emitClosure.
func (fc *FunctionCompiler) compileFunctionBody(name string, params []ast.Param, variadic bool, body *ast.BlockStmt, ensures ...ast.Expr) *vm.FunctionObject {
	sub := &FunctionCompiler{
		enclosing:    fc,
		chunk:        vm.NewChunk(name),
		regAlloc:     NewRegisterAllocator(),
		symtab:       NewSymbolTable(),
		line:         body.Line(),
		structProtos: fc.structProtos,
		enumDecls:    fc.enumDecls,
		typeIDs:      fc.typeIDs,
	}
	sub.regAlloc.Alloc() // slot 0 reserved for the callee itself (spec §4.3)

	phases := make([]vm.Phase, len(params))
	for i, p := range params {
		reg := sub.regAlloc.Alloc()
		sub.symtab.Define(p.Name, reg)
		phases[i] = phaseOf(p.Phase)
		if p.Default != nil {
			// JMPNOTNIL param, +skip: only materialize the default when
			// the caller left this slot as Nil (spec §4.2).
			check := sub.emitAsBx(vm.OpJmpNotNil, reg, 0, p.Default.Line())
			defReg := sub.compileExpr(p.Default, reg)
			if defReg != reg {
				sub.emitABC(vm.OpMove, reg, defReg, 0, p.Default.Line())
			}
			sub.patchJump(check)
		}
	}

	last := sub.compileBlockTail(body)
	sub.emitEnsures(ensures, last)
	if last != nilRegister {
		sub.emitABC(vm.OpReturn, last, 0, 0, sub.line)
	} else {
		sub.emitABC(vm.OpReturnUndefined, 0, 0, 0, sub.line)
	}

	sub.chunk.MaxReg = int(sub.regAlloc.MaxRegs())
	sub.chunk.Arity = len(params)
	sub.chunk.Variadic = variadic
	sub.chunk.ParamPhases = phases
	fc.errs = append(fc.errs, sub.errs...)

	upvalCount := len(sub.upvalues)
	fn := &vm.FunctionObject{
		Name:         name,
		Chunk:        sub.chunk,
		Arity:        len(params),
		Variadic:     variadic,
		ParamPhases:  phases,
		UpvalueCount: upvalCount,
		HasLocalCaptures: upvalCount > 0,
	}
	fc.pendingUpvalues = sub.upvalues
	return fn
}

// emitClosure emits CLOSURE for fn into dst, followed by one descriptor
// word per upvalue (spec §4.2: "(isLocal bit0)|(index<<8)").
func (fc *FunctionCompiler) emitClosure(dst Register, fn *vm.FunctionObject, upvalues []upvalueBinding, line int) {
	idx := fc.chunk.AddConstant(vm.NewFunctionProto(fn))
	fc.emitABx(vm.OpClosure, dst, idx, line)
	for _, uv := range upvalues {
		word := uint32(uv.index) << 8
		if uv.isLocal {
			word |= 1
		}
		fc.chunk.Emit(word, line)
	}
}

// compileFnDecl lowers a top-level/nested `fn` declaration: build its
// chunk, emit CLOSURE into a fresh register, and bind the name (spec
// §4.2).
func (fc *FunctionCompiler) compileFnDecl(n *ast.FnDecl) {
	fn := fc.compileFunctionBody(n.Name, n.Params, n.Variadic, n.Body, n.Ensures...)
	dst := fc.regAlloc.Alloc()
	fc.emitClosure(dst, fn, fc.pendingUpvalues, n.Line())
	fc.defineLocalOrGlobal(n.Name, dst)
}

// defineLocalOrGlobal binds name to src: a local slot inside a function
// body, or DEFINEGLOBAL at the top level (spec §4.2/§6).
func (fc *FunctionCompiler) defineLocalOrGlobal(name string, src Register) {
	if fc.symtab.Depth() > 0 || fc.enclosing != nil {
		fc.symtab.Define(name, src)
		return
	}
	fc.storeName(name, src, true)
}

// compileStructDecl records the struct's prototype (declared field order
// and per-field phases) in fc.structProtos so StructLit can look it up by
// name at compile time; the prototype becomes a chunk constant only where
// a StructLit is compiled, and no bytecode is emitted for the declaration
// itself.
func (fc *FunctionCompiler) compileStructDecl(n *ast.StructDecl) {
	fields := make([]vm.StructField, len(n.Fields))
	for i, f := range n.Fields {
		fields[i] = vm.StructField{Name: f.Name, Value: vm.Nil}
	}
	proto := vm.NewStruct(n.Name, fc.typeID(n.Name), fields)
	fc.structProtos[n.Name] = proto
	for _, f := range n.Fields {
		if f.Phase != "" {
			proto.AsStruct().Phases.Set(f.Name, phaseOf(f.Phase))
		}
	}
}

// compileEnumDecl records each variant's index so EnumLit call sites can
// build NEWENUM's metadata constant. Variant payload counts are not
// recorded, and EnumLit payloads are not checked against them.
func (fc *FunctionCompiler) compileEnumDecl(n *ast.EnumDecl) {
	info := enumInfo{name: n.Name, variants: make(map[string]int, len(n.Variants))}
	for i, v := range n.Variants {
		info.variants[v.Name] = i
	}
	fc.enumDecls[n.Name] = info
}

// compileImplBlock lowers each method as a plain function bound under
// `TypeName::method` with DEFINEGLOBAL. A later method bound under the
// same qualified name replaces the earlier one; methods sharing a name are
// not grouped into a phase-overload array.
func (fc *FunctionCompiler) compileImplBlock(n *ast.ImplBlock) {
	for _, m := range n.Methods {
		qualified := n.TypeName + "::" + m.Name
		fn := fc.compileFunctionBody(qualified, m.Params, m.Variadic, m.Body)
		dst := fc.regAlloc.Alloc()
		fc.emitClosure(dst, fn, fc.pendingUpvalues, m.Line())
		fc.storeName(qualified, dst, true)
		fc.regAlloc.Free(dst)
	}
}

// compileTestDecl lowers a `test` block to a zero-arg function bound under
// a synthesized `test::Name` global, letting an embedding host's test
// runner enumerate and invoke every test chunk without a separate AST pass.
func (fc *FunctionCompiler) compileTestDecl(n *ast.TestDecl) {
	fn := fc.compileFunctionBody("test::"+n.Name, nil, false, n.Body)
	dst := fc.regAlloc.Alloc()
	fc.emitClosure(dst, fn, fc.pendingUpvalues, n.Line())
	fc.storeName("test::"+n.Name, dst, true)
	fc.regAlloc.Free(dst)
}

type enumInfo struct {
	name     string
	variants map[string]int
}

// emitEnsures lowers a function's `ensures` postcondition list (spec §4.2's
// per-function `ensures` state): each clause is compiled with `result`
// bound to the function's return-value register, and a failing clause
// raises a contract-category exception via THROW rather than returning,
// mirroring compileThrowStmt's own reg-then-THROW emission.
func (fc *FunctionCompiler) emitEnsures(ensures []ast.Expr, resultReg Register) {
	if len(ensures) == 0 {
		return
	}
	fc.beginScope()
	if resultReg != nilRegister {
		fc.symtab.Define("result", resultReg)
	}
	for _, clause := range ensures {
		cond := fc.compileExpr(clause, nilRegister)
		ok := fc.emitJump(vm.OpJmpTrue, cond, clause.Line())
		msg := fc.regAlloc.Alloc()
		fc.emitABx(vm.OpLoadK, msg, fc.constString("postcondition failed"), clause.Line())
		fc.emitABC(vm.OpThrow, msg, 0, 0, clause.Line())
		fc.regAlloc.Free(msg)
		fc.patchJump(ok)
	}
	fc.endScope()
}

// typeID assigns small stable integers to struct names in declaration
// order, mirroring the teacher's type-tag allocation for struct equality
// and disassembly labeling.
func (fc *FunctionCompiler) typeID(name string) int {
	if id, ok := fc.typeIDs[name]; ok {
		return id
	}
	id := len(fc.typeIDs)
	fc.typeIDs[name] = id
	return id
}
