package compiler

import (
	"github.com/ajokela/lattice-sub001/pkg/ast"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// compileMethodCallExpr lowers `recv.method(args)` via INVOKE (spec §4.3.4:
// receiver and arguments land in a contiguous run; INVOKE's data word packs
// the receiver register and the argument base separately from the primary
// word's dst/method-const/argc).
func (fc *FunctionCompiler) compileMethodCallExpr(n *ast.MethodCallExpr, dst Register) Register {
	base, ok := fc.regAlloc.TryAllocContiguous(len(n.Args) + 1)
	if !ok {
		base = fc.regAlloc.Alloc()
	}
	objReg := base
	fc.compileExpr(n.Receiver, objReg)
	for i, arg := range n.Args {
		want := objReg + 1 + Register(i)
		got := fc.compileExpr(arg, nilRegister)
		if got != want {
			fc.emitABC(vm.OpMove, want, got, 0, arg.Line())
		}
	}
	r := fc.target(dst)
	fc.emitABC(vm.OpInvoke, r, Register(fc.constString(n.Method)), Register(len(n.Args)), n.Line())
	dataWord := uint32(objReg) | uint32(objReg+1)<<8
	fc.chunk.Emit(dataWord, n.Line())
	return r
}

// compileSelectExpr lowers `select { arm; ... }` (spec §4.6): each arm's
// channel/timeout operand is evaluated up front into its own register, its
// body compiles to a separate zero-arg chunk, and SELECT's header plus
// per-arm descriptor words are emitted to match execSelect's decode.
func (fc *FunctionCompiler) compileSelectExpr(n *ast.SelectExpr, dst Register) Register {
	operands := make([]Register, len(n.Arms))
	for i, arm := range n.Arms {
		if arm.Kind != "default" {
			operands[i] = fc.compileExpr(arm.Chan, nilRegister)
		}
	}

	r := fc.target(dst)
	fc.emitABC(vm.OpSelect, r, 0, 0, n.Line())
	fc.chunk.Emit(uint32(len(n.Arms)), n.Line())

	for i, arm := range n.Arms {
		var flags uint32
		operandReg := operands[i]
		switch arm.Kind {
		case "default":
			flags = 1
		case "timeout":
			flags = 2
		}

		var body *ast.BlockStmt = arm.Body
		params := []ast.Param(nil)
		if arm.Binding != "" {
			params = []ast.Param{{Name: arm.Binding}}
		}
		fn := fc.compileFunctionBody("<select-arm>", params, false, body)
		bodyIdx := fc.chunk.AddConstant(vm.NewFunctionProto(fn))

		descWord := flags | uint32(operandReg)<<8 | uint32(bodyIdx)<<16
		fc.chunk.Emit(descWord, arm.Body.Line())
	}
	return r
}

// compileImportExpr lowers `import "path"` / `import {a, b} from "path"`
// (spec §4.5): IMPORT's Bx indexes the path string constant and the loader
// (pkg/modules) returns the whole module value. For a selective import the
// bytecode itself narrows that value: each name is read with GETFIELD and
// stored into a fresh map, which replaces the module value in the result
// register.
func (fc *FunctionCompiler) compileImportExpr(n *ast.ImportExpr, dst Register) Register {
	r := fc.target(dst)
	fc.emitABx(vm.OpImport, r, fc.constString(n.Path), n.Line())
	if len(n.Names) == 0 {
		return r
	}
	// Selective import: narrow the whole-module map down to the named
	// exports by GETFIELDing each one into a fresh struct-free map.
	out := fc.regAlloc.Alloc()
	fc.emitABC(vm.OpNewMap, out, 0, 0, n.Line())
	for _, name := range n.Names {
		v := fc.regAlloc.Alloc()
		fc.emitABC(vm.OpGetField, v, r, Register(fc.constString(name)), n.Line())
		k := fc.regAlloc.Alloc()
		fc.emitABx(vm.OpLoadK, k, fc.constString(name), n.Line())
		fc.emitABC(vm.OpSetIndex, out, k, v, n.Line())
		fc.regAlloc.Free(k)
		fc.regAlloc.Free(v)
	}
	fc.emitABC(vm.OpMove, r, out, 0, n.Line())
	fc.regAlloc.Free(out)
	return r
}

// compileRequireExpr lowers `require "path"` (spec §4.5): whole-file
// execution, returning the chunk's final value.
func (fc *FunctionCompiler) compileRequireExpr(n *ast.RequireExpr, dst Register) Register {
	r := fc.target(dst)
	fc.emitABx(vm.OpRequire, r, fc.constString(n.Path), n.Line())
	return r
}
