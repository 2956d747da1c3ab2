package compiler

import "github.com/ajokela/lattice-sub001/pkg/vm"

// emit* wrap Chunk.Emit with the instruction shapes of spec §4.1,
// mirroring the teacher's emit.go convention of one small helper per
// shape rather than hand-encoding at every call site.

func (fc *FunctionCompiler) emitABC(op vm.OpCode, a, b, c Register, line int) int {
	return fc.chunk.Emit(vm.EncodeABC(op, uint8(a), uint8(b), uint8(c)), line)
}

func (fc *FunctionCompiler) emitABx(op vm.OpCode, a Register, bx uint16, line int) int {
	return fc.chunk.Emit(vm.EncodeABx(op, uint8(a), bx), line)
}

func (fc *FunctionCompiler) emitAsBx(op vm.OpCode, a Register, sbx int32, line int) int {
	return fc.chunk.Emit(vm.EncodeAsBx(op, uint8(a), sbx), line)
}

func (fc *FunctionCompiler) emitSBx24(op vm.OpCode, sbx int32, line int) int {
	return fc.chunk.Emit(vm.EncodeSBx24(op, sbx), line)
}

// emitJump emits a placeholder forward jump and returns its index, to be
// filled in later by patchJump (spec §4.1.2: "forward jumps are emitted
// with placeholder offset 0").
func (fc *FunctionCompiler) emitJump(op vm.OpCode, a Register, line int) int {
	if op == vm.OpJmp {
		return fc.emitSBx24(op, 0, line)
	}
	return fc.emitAsBx(op, a, 0, line)
}

// patchJump back-patches the jump at index to land on the instruction
// about to be emitted next (offset measured from the slot after the jump,
// spec §4.1).
func (fc *FunctionCompiler) patchJump(index int) {
	fc.patchJumpTo(index, len(fc.chunk.Code))
}

// patchJumpTo back-patches the jump at index to land exactly at target.
func (fc *FunctionCompiler) patchJumpTo(index, target int) {
	offset := int32(target - index - 1)
	instr := vm.Decode(fc.chunk.Code[index])
	if instr.Op == vm.OpJmp {
		fc.chunk.Patch(index, vm.EncodeSBx24(instr.Op, offset))
	} else {
		fc.chunk.Patch(index, vm.EncodeAsBx(instr.Op, instr.A, offset))
	}
}

// emitBackwardJump computes a backward jump's offset at emission time
// (spec §4.1.2), target being the instruction index to jump to.
func (fc *FunctionCompiler) emitBackwardJump(op vm.OpCode, target int, line int) int {
	index := len(fc.chunk.Code)
	offset := int32(target - index - 1)
	if op == vm.OpJmp {
		return fc.chunk.Emit(vm.EncodeSBx24(op, offset), line)
	}
	return fc.chunk.Emit(vm.EncodeAsBx(op, 0, offset), line)
}

func (fc *FunctionCompiler) here() int { return len(fc.chunk.Code) }

func (fc *FunctionCompiler) constString(s string) uint16 {
	return fc.chunk.AddConstant(vm.NewString(s))
}
