package vm

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
)

// OpCode is the single byte that selects an instruction's semantics.
type OpCode uint8

// Instruction shapes (spec §4.1): every instruction is a 32-bit word
// decoded one of four ways. sBx24 instructions (JMP) fold
// their operand into a single 24-bit signed field instead of op+A+operand.
type InstrShape uint8

const (
	ShapeABC   InstrShape = iota // op(8) A(8) B(8) C(8)
	ShapeABx                     // op(8) A(8) Bx(16 unsigned)
	ShapeAsBx                    // op(8) A(8) sBx(16 signed)
	ShapeSBx24                   // op(8) sBx(24 signed)
)

const (
	// --- Loads ---
	OpLoadK OpCode = iota // A,Bx: R[A] = K[Bx]
	OpLoadI                // A,sBx: R[A] = sBx (small immediate int)
	OpLoadNil
	OpLoadTrue
	OpLoadFalse
	OpLoadUnit
	OpMove // A,B: R[A] = R[B]

	// --- Arithmetic ---
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpAddI // A,B,sC: R[A] = R[B] + sC (signed byte immediate)
	OpConcat

	// Specialized integer fast paths for hot loops (spec §4.1.1).
	OpAddInt
	OpSubInt
	OpMulInt
	OpLtInt
	OpLtEqInt
	OpIncReg
	OpDecReg

	// --- Bitwise ---
	OpBAnd
	OpBOr
	OpBXor
	OpBNot
	OpLShift
	OpRShift

	// --- Comparison ---
	OpEq
	OpNeq
	OpLt
	OpLtEq
	OpGt
	OpGtEq
	OpNot

	// --- Branching ---
	OpJmp      // sBx24
	OpJmpFalse // A,sBx
	OpJmpTrue  // A,sBx
	OpJmpNotNil

	// --- Globals/locals ---
	OpGetGlobal
	OpSetGlobal
	OpDefineGlobal
	OpGetUpvalue
	OpSetUpvalue
	OpCloseUpvalue

	// --- Aggregate access ---
	OpGetField
	OpSetField
	OpGetIndex
	OpSetIndex
	OpSetIndexLocal
	OpSetSlice
	OpSetSliceLocal

	// --- Aggregate construction ---
	OpNewArray
	OpNewTuple
	OpNewStruct // two-instruction: follow-up word is the struct-metadata constant index
	OpNewEnum   // two-instruction: follow-up word is (enum const idx, variant idx)
	OpBuildRange
	OpNewMap

	// --- Calls and closures ---
	OpClosure // A,Bx: prototype const index; followed by UpvalueCount descriptor words
	OpCall
	OpTailCall
	OpReturn
	OpReturnUndefined

	// --- Method dispatch ---
	OpInvoke        // two-instruction: dst,method_ki,argc + (obj_reg,args_base,0)
	OpInvokeLocal
	OpInvokeGlobal

	// --- Phase ops ---
	OpFreeze
	OpThaw
	OpSublimate
	OpFreezeVar // A=name const low byte, B=loc_type(high bit=consume), C=slot
	OpThawVar
	OpSublimateVar
	OpFreezeField
	OpThawField
	OpFreezeExcept // two-instruction: follow-up word's low byte counts the excepted field-name registers starting at B
	OpIsCrystal
	OpIsFluid
	OpMarkFluid

	// --- Reactive primitives ---
	OpReact
	OpUnreact
	OpBond
	OpUnbond
	OpSeed
	OpUnseed

	// --- Exceptions ---
	OpPushHandler // A,sBx: A=error reg, sBx = offset to catch block
	OpPopHandler
	OpThrow
	OpTryUnwrap

	// --- Defer ---
	OpDeferPush // A,sBx: A=scope depth, sBx=offset past inline body
	OpDeferRun

	// --- Iteration ---
	OpIterInit
	OpIterNext
	OpLen
	OpCollectVarargs

	// --- Type guard ---
	OpCheckType // A,Bx: followed by data word (error format-string constant)

	// --- Module loading ---
	OpImport
	OpRequire

	// --- Concurrency ---
	OpScope  // A + header(spawn_count,sync_idx,0) + packed sub-chunk indices
	OpSelect // A + (arm_count,0,0) + per-arm descriptor words

	// --- Misc ---
	OpHalt
	OpResetEphemeral

	opCodeCount
)

var opNames = [opCodeCount]string{
	OpLoadK: "LOADK", OpLoadI: "LOADI", OpLoadNil: "LOADNIL", OpLoadTrue: "LOADTRUE",
	OpLoadFalse: "LOADFALSE", OpLoadUnit: "LOADUNIT", OpMove: "MOVE",
	OpAdd: "ADD", OpSub: "SUB", OpMul: "MUL", OpDiv: "DIV", OpMod: "MOD", OpNeg: "NEG",
	OpAddI: "ADDI", OpConcat: "CONCAT",
	OpAddInt: "ADD_INT", OpSubInt: "SUB_INT", OpMulInt: "MUL_INT", OpLtInt: "LT_INT",
	OpLtEqInt: "LTEQ_INT", OpIncReg: "INC_REG", OpDecReg: "DEC_REG",
	OpBAnd: "AND", OpBOr: "OR", OpBXor: "XOR", OpBNot: "NOT_BITS",
	OpLShift: "LSHIFT", OpRShift: "RSHIFT",
	OpEq: "EQ", OpNeq: "NEQ", OpLt: "LT", OpLtEq: "LTEQ", OpGt: "GT", OpGtEq: "GTEQ", OpNot: "NOT",
	OpJmp: "JMP", OpJmpFalse: "JMPFALSE", OpJmpTrue: "JMPTRUE", OpJmpNotNil: "JMPNOTNIL",
	OpGetGlobal: "GETGLOBAL", OpSetGlobal: "SETGLOBAL", OpDefineGlobal: "DEFINEGLOBAL",
	OpGetUpvalue: "GETUPVALUE", OpSetUpvalue: "SETUPVALUE", OpCloseUpvalue: "CLOSEUPVALUE",
	OpGetField: "GETFIELD", OpSetField: "SETFIELD", OpGetIndex: "GETINDEX", OpSetIndex: "SETINDEX",
	OpSetIndexLocal: "SETINDEX_LOCAL", OpSetSlice: "SETSLICE", OpSetSliceLocal: "SETSLICE_LOCAL",
	OpNewArray: "NEWARRAY", OpNewTuple: "NEWTUPLE", OpNewStruct: "NEWSTRUCT", OpNewEnum: "NEWENUM",
	OpBuildRange: "BUILDRANGE", OpNewMap: "NEWMAP",
	OpClosure: "CLOSURE", OpCall: "CALL", OpTailCall: "TAILCALL", OpReturn: "RETURN",
	OpReturnUndefined: "RETURN_UNDEF",
	OpInvoke: "INVOKE", OpInvokeLocal: "INVOKE_LOCAL", OpInvokeGlobal: "INVOKE_GLOBAL",
	OpFreeze: "FREEZE", OpThaw: "THAW", OpSublimate: "SUBLIMATE",
	OpFreezeVar: "FREEZE_VAR", OpThawVar: "THAW_VAR", OpSublimateVar: "SUBLIMATE_VAR",
	OpFreezeField: "FREEZE_FIELD", OpThawField: "THAW_FIELD", OpFreezeExcept: "FREEZE_EXCEPT",
	OpIsCrystal: "IS_CRYSTAL", OpIsFluid: "IS_FLUID", OpMarkFluid: "MARKFLUID",
	OpReact: "REACT", OpUnreact: "UNREACT", OpBond: "BOND", OpUnbond: "UNBOND",
	OpSeed: "SEED", OpUnseed: "UNSEED",
	OpPushHandler: "PUSH_HANDLER", OpPopHandler: "POP_HANDLER", OpThrow: "THROW", OpTryUnwrap: "TRY_UNWRAP",
	OpDeferPush: "DEFER_PUSH", OpDeferRun: "DEFER_RUN",
	OpIterInit: "ITERINIT", OpIterNext: "ITERNEXT", OpLen: "LEN", OpCollectVarargs: "COLLECT_VARARGS",
	OpCheckType:      "CHECK_TYPE",
	OpImport:         "IMPORT",
	OpRequire:        "REQUIRE",
	OpScope:          "SCOPE",
	OpSelect:         "SELECT",
	OpHalt:           "HALT",
	OpResetEphemeral: "RESET_EPHEMERAL",
}

func (op OpCode) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("OP(%d)", op)
}

// opShapes gives the encoding shape for every opcode, and opExtraWords
// documents "two-instruction" encodings whose IP advances by more than 1
// (spec §9's explicit call-out for NEWSTRUCT/INVOKE/FREEZE_EXCEPT/CHECK_TYPE
// and the rest of the catalogue's data-word opcodes).
var opShapes = map[OpCode]InstrShape{
	OpLoadK: ShapeABx, OpLoadI: ShapeAsBx, OpJmp: ShapeSBx24,
	OpJmpFalse: ShapeAsBx, OpJmpTrue: ShapeAsBx, OpJmpNotNil: ShapeAsBx,
	OpGetGlobal: ShapeABx, OpSetGlobal: ShapeABx, OpDefineGlobal: ShapeABx,
	OpClosure: ShapeABx, OpCheckType: ShapeABx, OpImport: ShapeABx, OpRequire: ShapeABx,
	OpPushHandler: ShapeAsBx, OpDeferPush: ShapeAsBx,
}

func shapeOf(op OpCode) InstrShape {
	if s, ok := opShapes[op]; ok {
		return s
	}
	return ShapeABC
}

// opExtraWords is the number of additional 32-bit data-words that follow
// this opcode's primary instruction word and are consumed before the next
// real instruction. CLOSURE's extra words depend on upvalue count and are
// handled specially by the decoder, not via this table. SCOPE and SELECT
// also carry a variable number of data words and are not listed, so
// ExtraWords reports 0 for them.
var opExtraWords = map[OpCode]int{
	OpNewStruct:    1,
	OpNewEnum:      1,
	OpInvoke:       1,
	OpInvokeLocal:  1,
	OpInvokeGlobal: 1,
	OpFreezeExcept: 1,
	OpCheckType:    1,
}

// Instruction is the decoded form of one 32-bit code word, used by the
// disassembler and by vm.go's fetch-decode step.
type Instruction struct {
	Op OpCode
	A  uint8
	B  uint8
	C  uint8
	Bx uint16
	Sx int32 // signed operand: sBx (AsBx) or the full sBx24 field
}

// EncodeABC packs an ABC-shaped instruction into a 32-bit word.
func EncodeABC(op OpCode, a, b, c uint8) uint32 {
	return uint32(op) | uint32(a)<<8 | uint32(b)<<16 | uint32(c)<<24
}

func EncodeABx(op OpCode, a uint8, bx uint16) uint32 {
	return uint32(op) | uint32(a)<<8 | uint32(bx)<<16
}

func EncodeAsBx(op OpCode, a uint8, sbx int32) uint32 {
	return uint32(op) | uint32(a)<<8 | uint32(uint16(int16(sbx)))<<16
}

func EncodeSBx24(op OpCode, sbx int32) uint32 {
	return uint32(op) | (uint32(sbx)&0x00FFFFFF)<<8
}

// Decode unpacks a 32-bit code word according to its opcode's shape.
func Decode(word uint32) Instruction {
	op := OpCode(word & 0xFF)
	switch shapeOf(op) {
	case ShapeABx:
		return Instruction{Op: op, A: uint8(word >> 8), Bx: uint16(word >> 16)}
	case ShapeAsBx:
		a := uint8(word >> 8)
		raw := int16(uint16(word >> 16))
		return Instruction{Op: op, A: a, Sx: int32(raw)}
	case ShapeSBx24:
		raw := int32(word>>8) & 0x00FFFFFF
		if raw&0x00800000 != 0 {
			raw |= ^0x00FFFFFF // sign-extend 24 -> 32
		}
		return Instruction{Op: op, Sx: raw}
	default: // ShapeABC
		return Instruction{
			Op: op,
			A:  uint8(word >> 8),
			B:  uint8(word >> 16),
			C:  uint8(word >> 24),
		}
	}
}

// ExtraWords reports how many data words follow this opcode's instruction
// word (before the next real instruction), per spec §9's "two-instruction
// encodings" guidance. CLOSURE is special-cased by callers since its extra
// word count is the instruction's own upvalue-count operand.
func (op OpCode) ExtraWords() int {
	return opExtraWords[op]
}

// PICState is the inline-cache state for one call-site slot (spec §4.3.5).
type PICState uint8

const (
	PICEmpty PICState = iota
	PICMonomorphic
	PICPolymorphic
	PICMegamorphic
)

// PICSlot is the per-call-site inline cache attached to INVOKE/INVOKE_LOCAL/
// INVOKE_GLOBAL sites, keyed by instruction offset in Chunk.PIC.
type PICSlot struct {
	State   PICState
	Entries []PICEntry
}

// PICEntry associates a (receiver type tag, method name hash) pair with a
// resolved handler id, or the NOT_BUILTIN sentinel recognized by the slow
// path to skip builtin search on repeated user-method calls.
type PICEntry struct {
	TypeTag    ValueType
	MethodHash uint64
	HandlerID  int32
}

// NotBuiltin is the PICEntry.HandlerID sentinel meaning "this (type,
// method) pair resolved to a user method, not a builtin."
const NotBuiltin int32 = -1

// ChunkMagic distinguishes register-VM chunks from any other chunk format
// (spec §3.4) — this repo only ever emits RegisterChunkMagic, but the
// field exists so a foreign or stack-VM chunk passed to CALL is rejected
// rather than silently misinterpreted (spec §4.3's call-path step 5).
const RegisterChunkMagic uint32 = 0x4C415454 // "LATT"

// Chunk is the compiler's immutable-after-emit output: one per top-level
// script, function, closure, spawn body, or select-arm body
// (spec §3.4, §4.2).
type Chunk struct {
	Magic uint32

	Code      []uint32
	Constants []Value
	Lines     []int // parallel to Code

	LocalNames map[uint8]string // register slot -> debug name, optional

	MaxReg int

	ParamPhases []Phase // optional, len == Arity when present
	Arity       int
	Variadic    bool

	ExportNames []string
	HasExports  bool

	PIC map[int]*PICSlot // instruction offset -> cache slot

	Name string
}

func NewChunk(name string) *Chunk {
	return &Chunk{
		Magic:      RegisterChunkMagic,
		LocalNames: make(map[uint8]string),
		PIC:        make(map[int]*PICSlot),
		Name:       name,
	}
}

// IsRegisterChunk rejects foreign/legacy chunks at the CALL boundary
// (spec §4.3 call path step 5: "check Chunk magic").
func (c *Chunk) IsRegisterChunk() bool { return c.Magic == RegisterChunkMagic }

// Emit appends word with its source line and returns its instruction
// index (used by the compiler's jump-patch bookkeeping).
func (c *Chunk) Emit(word uint32, line int) int {
	c.Code = append(c.Code, word)
	c.Lines = append(c.Lines, line)
	return len(c.Code) - 1
}

func (c *Chunk) Patch(index int, word uint32) {
	c.Code[index] = word
}

// AddConstant interns integer/float/string constants by value (spec
// §3.2: "constant-pool strings may be deduplicated by value; integer and
// float constants are also deduplicated") and returns the constant index.
func (c *Chunk) AddConstant(v Value) uint16 {
	for i, existing := range c.Constants {
		if existing.Type != v.Type {
			continue
		}
		switch v.Type {
		case TypeInt:
			if existing.i == v.i {
				return uint16(i)
			}
		case TypeFloat:
			if existing.f == v.f {
				return uint16(i)
			}
		case TypeStr:
			if existing.AsString() == v.AsString() {
				return uint16(i)
			}
		}
	}
	c.Constants = append(c.Constants, v)
	return uint16(len(c.Constants) - 1)
}

// LineFor returns the source line recorded for instruction index ip.
func (c *Chunk) LineFor(ip int) int {
	if ip < 0 || ip >= len(c.Lines) {
		return -1
	}
	return c.Lines[ip]
}

// Disassemble renders the chunk's instruction stream as a table (SPEC_FULL
// §A.4/§C): one row per instruction, following the shape of the teacher's
// hand-rolled `disassembleInstruction` family but through tablewriter
// instead of manual column padding.
func (c *Chunk) Disassemble(out *os.File) {
	fmt.Fprintf(out, "== %s ==\n", c.Name)
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"offset", "line", "op", "A", "B/Bx", "C/sBx"})

	ip := 0
	for ip < len(c.Code) {
		instr := Decode(c.Code[ip])
		row := []string{
			fmt.Sprintf("%04d", ip),
			fmt.Sprintf("%d", c.LineFor(ip)),
			instr.Op.String(),
			fmt.Sprintf("%d", instr.A),
		}
		switch shapeOf(instr.Op) {
		case ShapeABx:
			row = append(row, fmt.Sprintf("%d", instr.Bx), "")
		case ShapeAsBx, ShapeSBx24:
			row = append(row, fmt.Sprintf("%d", instr.Sx), "")
		default:
			row = append(row, fmt.Sprintf("%d", instr.B), fmt.Sprintf("%d", instr.C))
		}
		table.Append(row)

		ip++
		for extra := instr.Op.ExtraWords(); extra > 0; extra-- {
			if ip >= len(c.Code) {
				break
			}
			table.Append([]string{fmt.Sprintf("%04d", ip), "", "  (data word)", "", "", ""})
			ip++
		}
		if instr.Op == OpClosure {
			proto := c.Constants[instr.Bx]
			if fo, ok := proto.Heap().(*FunctionObject); ok {
				for n := 0; n < fo.UpvalueCount && ip < len(c.Code); n++ {
					table.Append([]string{fmt.Sprintf("%04d", ip), "", "  (upvalue descriptor)", "", "", ""})
					ip++
				}
			}
		}
	}
	table.Render()
}
