// Package compiler lowers a pkg/ast.Program into register-VM pkg/vm.Chunks
// (spec §4.2). It imports pkg/vm for Value/OpCode/Chunk construction; the
// dependency runs compiler → vm only, mirroring the teacher's own
// pkg/compiler → pkg/vm one-directional discipline.
package compiler

import (
	"fmt"

	"github.com/ajokela/lattice-sub001/pkg/ast"
	"github.com/ajokela/lattice-sub001/pkg/errors"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

const debugCompiler = false

func debugPrintf(format string, args ...interface{}) {
	if debugCompiler {
		fmt.Printf(format, args...)
	}
}

// nilRegister is a sentinel meaning "no destination register requested
// yet" for call sites that allocate their own.
const nilRegister Register = 255

// LoopContext tracks one enclosing loop's break/continue patch lists,
// carried structurally from the teacher's LoopContext (compiler.go).
type LoopContext struct {
	Label                      string
	ContinueTargetPos          int
	BreakPlaceholderPosList    []int
	ContinuePlaceholderPosList []int
}

// upvalueBinding is one entry in a FunctionCompiler's upvalue table
// (spec §4.2: "upvalues[]: each is (index, is_local); dedup on insert").
type upvalueBinding struct {
	name    string
	index   uint8
	isLocal bool
}

// FunctionCompiler holds the state needed to compile one function body (or
// the top-level script) to one Chunk (spec §4.2's "per-function state").
type FunctionCompiler struct {
	enclosing *FunctionCompiler

	chunk    *vm.Chunk
	regAlloc *RegisterAllocator
	symtab   *SymbolTable
	upvalues []upvalueBinding

	loopStack []*LoopContext

	line int

	errs []error

	// structProtos/enumDecls/typeIDs are shared across the whole compile
	// unit (every FunctionCompiler created via compileFunctionBody copies
	// these maps by reference from its parent) so a struct or enum
	// declared at top level is visible to literals compiled inside nested
	// function bodies, mirroring the teacher's single shared type table.
	structProtos map[string]vm.Value
	enumDecls    map[string]enumInfo
	typeIDs      map[string]int

	// pendingUpvalues is set by compileFunctionBody right before it
	// returns, carrying the just-compiled sub-FunctionCompiler's upvalue
	// table to the caller so it can pass it to emitClosure.
	pendingUpvalues []upvalueBinding

	// nameCounter mints unique synthetic local names for call forms that
	// desugar to an inline closure (compose(f, g)).
	nameCounter int
}

// freshName mints a unique local name for synthetic desugaring, prefixed
// for readability in a disassembly dump.
func (fc *FunctionCompiler) freshName(prefix string) string {
	fc.nameCounter++
	return fmt.Sprintf("__%s_%d", prefix, fc.nameCounter)
}

// Compile lowers program into a top-level Chunk (spec §4.2, §6). Global
// names are resolved at runtime by the VM's Globals table keyed on the
// constant-pool string GETGLOBAL/SETGLOBAL/DEFINEGLOBAL's Bx refers to, so
// no compile-time global index needs threading across compilation units —
// two chunks referring to the same name simply share a constant string with
// the same text, and the VM's Globals.Define/GetByName do the rest.
func Compile(program *ast.Program) (*vm.Chunk, error) {
	fc := &FunctionCompiler{
		chunk:        vm.NewChunk("<script>"),
		regAlloc:     NewRegisterAllocator(),
		symtab:       NewSymbolTable(),
		line:         1,
		structProtos: make(map[string]vm.Value),
		enumDecls:    make(map[string]enumInfo),
		typeIDs:      make(map[string]int),
	}
	fc.regAlloc.Alloc() // register 0 is reserved (spec §4.3: "slot 0 = Unit")

	last := Register(nilRegister)
	for _, item := range program.Items {
		last = fc.compileItem(item)
	}
	if last != nilRegister {
		fc.emitABC(vm.OpReturn, last, 0, 0, fc.line)
	} else {
		fc.emitABC(vm.OpReturnUndefined, 0, 0, 0, fc.line)
	}

	fc.chunk.MaxReg = int(fc.regAlloc.MaxRegs())
	if len(fc.errs) > 0 {
		return fc.chunk, fc.errs[0]
	}
	return fc.chunk, nil
}

func (fc *FunctionCompiler) addError(format string, args ...interface{}) {
	fc.errs = append(fc.errs, errors.NewCompileError(fmt.Sprintf(format, args...), errors.Position{Line: fc.line}))
}

// compileItem dispatches a top-level or block-level item, returning the
// register its value (if any) landed in, or nilRegister for pure
// declarations/statements with no expression value.
func (fc *FunctionCompiler) compileItem(item ast.Item) Register {
	fc.line = item.Line()
	switch n := item.(type) {
	case ast.Stmt:
		return fc.compileStmt(n)
	case *ast.FnDecl:
		fc.compileFnDecl(n)
		return nilRegister
	case *ast.StructDecl:
		fc.compileStructDecl(n)
		return nilRegister
	case *ast.EnumDecl:
		fc.compileEnumDecl(n)
		return nilRegister
	case *ast.ImplBlock:
		fc.compileImplBlock(n)
		return nilRegister
	case *ast.TraitDecl:
		return nilRegister // trait bodies carry no core-runtime behavior (spec §1 scope)
	case *ast.TestDecl:
		fc.compileTestDecl(n)
		return nilRegister
	default:
		fc.addError("unsupported top-level item %T", n)
		return nilRegister
	}
}

// --- Scope management (spec §4.2: begin_scope/end_scope) ---

func (fc *FunctionCompiler) beginScope() {
	fc.symtab.BeginScope()
}

// endScope emits a scoped DEFER_RUN for this block's deferred bodies, then
// pops locals declared in it, emitting CLOSEUPVALUE for captured ones and
// freeing the rest (spec §4.2: "emits DEFER_RUN scoped to the current
// depth... then pops locals... emitting CLOSEUPVALUE for those marked
// captured").
func (fc *FunctionCompiler) endScope() {
	depth := fc.symtab.Depth()
	fc.emitABC(vm.OpDeferRun, Register(depth), 0, 0, fc.line)
	popped := fc.symtab.EndScope()
	for _, sym := range popped {
		if sym.IsCaptured {
			fc.emitABC(vm.OpCloseUpvalue, sym.Register, 0, 0, fc.line)
		}
		fc.regAlloc.Free(sym.Register)
	}
}

// --- Name resolution (spec §4.2: local, upvalue, global, in order) ---

type nameKind int

const (
	nameLocal nameKind = iota
	nameUpvalue
	nameGlobal
)

type resolvedName struct {
	kind nameKind
	reg  Register // valid for nameLocal
	idx  uint8    // valid for nameUpvalue
}

func (fc *FunctionCompiler) resolveName(name string) resolvedName {
	if sym, ok := fc.symtab.Resolve(name); ok {
		return resolvedName{kind: nameLocal, reg: sym.Register}
	}
	if idx, ok := fc.resolveUpvalue(name); ok {
		return resolvedName{kind: nameUpvalue, idx: idx}
	}
	return resolvedName{kind: nameGlobal}
}

// resolveUpvalue ascends the enclosing-function chain, marking the source
// local captured and threading an upvalue through each intermediate
// function (spec §4.2).
func (fc *FunctionCompiler) resolveUpvalue(name string) (uint8, bool) {
	if fc.enclosing == nil {
		return 0, false
	}
	for i, uv := range fc.upvalues {
		if uv.name == name {
			return uint8(i), true
		}
	}
	if sym, ok := fc.enclosing.symtab.Resolve(name); ok {
		fc.enclosing.symtab.MarkCaptured(name)
		return fc.addUpvalue(name, uint8(sym.Register), true), true
	}
	if idx, ok := fc.enclosing.resolveUpvalue(name); ok {
		return fc.addUpvalue(name, idx, false), true
	}
	return 0, false
}

func (fc *FunctionCompiler) addUpvalue(name string, index uint8, isLocal bool) uint8 {
	fc.upvalues = append(fc.upvalues, upvalueBinding{name: name, index: index, isLocal: isLocal})
	return uint8(len(fc.upvalues) - 1)
}

// loadName emits the load for a resolved name into dst.
func (fc *FunctionCompiler) loadName(name string, dst Register) {
	switch r := fc.resolveName(name); r.kind {
	case nameLocal:
		if r.reg != dst {
			fc.emitABC(vm.OpMove, dst, r.reg, 0, fc.line)
		}
	case nameUpvalue:
		fc.emitABC(vm.OpGetUpvalue, dst, r.idx, 0, fc.line)
	case nameGlobal:
		fc.emitABx(vm.OpGetGlobal, dst, fc.constString(name), fc.line)
	}
}

// storeName emits the store for a resolved name from src, used by
// assignment and `let`.
func (fc *FunctionCompiler) storeName(name string, src Register, define bool) {
	switch r := fc.resolveName(name); r.kind {
	case nameLocal:
		if r.reg != src {
			fc.emitABC(vm.OpMove, r.reg, src, 0, fc.line)
		}
	case nameUpvalue:
		fc.emitABC(vm.OpSetUpvalue, r.idx, src, 0, fc.line)
	case nameGlobal:
		op := vm.OpSetGlobal
		if define {
			op = vm.OpDefineGlobal
		}
		fc.emitABx(op, src, fc.constString(name), fc.line)
	}
}
