package vm

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeABCRoundTrip fuzzes register operands through
// EncodeABC/Decode (spec §4.1's ABC shape) across many random byte
// triples, confirming every register index in range survives encoding
// without bleeding into an adjacent operand field.
func TestEncodeDecodeABCRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0)
	for i := 0; i < 256; i++ {
		var a, b, c uint8
		f.Fuzz(&a)
		f.Fuzz(&b)
		f.Fuzz(&c)

		word := EncodeABC(OpAdd, a, b, c)
		instr := Decode(word)

		require.Equal(t, OpAdd, instr.Op)
		require.Equal(t, a, instr.A)
		require.Equal(t, b, instr.B)
		require.Equal(t, c, instr.C)
	}
}

// TestEncodeDecodeABxRoundTrip fuzzes a destination register and a
// 16-bit constant-pool index through OpLoadK's ABx shape.
func TestEncodeDecodeABxRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0)
	for i := 0; i < 256; i++ {
		var a uint8
		var bx uint16
		f.Fuzz(&a)
		f.Fuzz(&bx)

		word := EncodeABx(OpLoadK, a, bx)
		instr := Decode(word)

		require.Equal(t, OpLoadK, instr.Op)
		require.Equal(t, a, instr.A)
		require.Equal(t, bx, instr.Bx)
	}
}

// TestEncodeDecodeAsBxRoundTrip fuzzes a signed 16-bit jump offset
// through OpJmpFalse's AsBx shape, covering both positive (forward) and
// negative (backward) jump targets.
func TestEncodeDecodeAsBxRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0)
	for i := 0; i < 256; i++ {
		var a uint8
		var sbx int16
		f.Fuzz(&a)
		f.Fuzz(&sbx)

		word := EncodeAsBx(OpJmpFalse, a, int32(sbx))
		instr := Decode(word)

		require.Equal(t, OpJmpFalse, instr.Op)
		require.Equal(t, a, instr.A)
		require.Equal(t, int32(sbx), instr.Sx)
	}
}

// TestEncodeDecodeSBx24RoundTrip fuzzes OpJmp's full 24-bit signed offset
// range, the shape with the widest branch reach in the encoding (spec
// §4.1: "JMP... fold their operand into a single 24-bit signed field").
func TestEncodeDecodeSBx24RoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0)
	const minSBx24, maxSBx24 = -(1 << 23), (1 << 23) - 1
	for i := 0; i < 512; i++ {
		var raw int32
		f.Fuzz(&raw)
		sbx := raw % (maxSBx24 + 1)
		if sbx < minSBx24 {
			sbx = minSBx24
		}

		word := EncodeSBx24(OpJmp, sbx)
		instr := Decode(word)

		require.Equal(t, OpJmp, instr.Op)
		require.Equal(t, sbx, instr.Sx)
	}
}

func TestShapeOfKnownOpcodes(t *testing.T) {
	require.Equal(t, ShapeABx, shapeOf(OpLoadK))
	require.Equal(t, ShapeAsBx, shapeOf(OpJmpTrue))
	require.Equal(t, ShapeSBx24, shapeOf(OpJmp))
	require.Equal(t, ShapeABC, shapeOf(OpAdd))
}

func TestExtraWordsForTwoInstructionOpcodes(t *testing.T) {
	require.Equal(t, 1, OpNewStruct.ExtraWords())
	require.Equal(t, 1, OpInvoke.ExtraWords())
	require.Equal(t, 0, OpAdd.ExtraWords())
}

func TestChunkAddConstantDeduplicatesByValue(t *testing.T) {
	c := NewChunk("<test>")
	i1 := c.AddConstant(Int(7))
	i2 := c.AddConstant(Int(7))
	i3 := c.AddConstant(NewString("seven"))
	i4 := c.AddConstant(NewString("seven"))

	require.Equal(t, i1, i2, "identical int constants must be deduplicated")
	require.Equal(t, i3, i4, "identical string constants must be deduplicated")
	require.NotEqual(t, i1, i3)
	require.Len(t, c.Constants, 2)
}

func TestChunkEmitReturnsSequentialOffsets(t *testing.T) {
	c := NewChunk("<test>")
	i0 := c.Emit(EncodeABC(OpLoadNil, 0, 0, 0), 1)
	i1 := c.Emit(EncodeABC(OpLoadNil, 1, 0, 0), 2)

	require.Equal(t, 0, i0)
	require.Equal(t, 1, i1)
	require.Equal(t, 1, c.LineFor(i0))
	require.Equal(t, 2, c.LineFor(i1))
}

func TestChunkLineForOutOfRange(t *testing.T) {
	c := NewChunk("<test>")
	require.Equal(t, -1, c.LineFor(0))
	require.Equal(t, -1, c.LineFor(-1))
}
