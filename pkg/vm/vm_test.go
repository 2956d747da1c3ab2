package vm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ajokela/lattice-sub001/pkg/phase"
)

func runChunk(t *testing.T, c *Chunk) (Value, *VM) {
	t.Helper()
	v := NewVM()
	result, err := v.Run(c)
	require.NoError(t, err)
	return result, v
}

func TestRunArithmetic(t *testing.T) {
	c := NewChunk("<test>")
	r0, r1, r2 := uint8(0), uint8(1), uint8(2)
	i7 := c.AddConstant(Int(7))
	i5 := c.AddConstant(Int(5))
	c.Emit(EncodeABx(OpLoadK, r0, i7), 1)
	c.Emit(EncodeABx(OpLoadK, r1, i5), 1)
	c.Emit(EncodeABC(OpAdd, r2, r0, r1), 1)
	c.Emit(EncodeABC(OpReturn, r2, 0, 0), 1)
	c.MaxReg = 3

	result, _ := runChunk(t, c)
	require.Equal(t, int64(12), result.AsInt())
}

func TestRunGlobalDefineGetSet(t *testing.T) {
	c := NewChunk("<test>")
	r0, r1 := uint8(0), uint8(1)
	name := c.AddConstant(NewString("counter"))
	i1 := c.AddConstant(Int(1))
	i2 := c.AddConstant(Int(2))

	c.Emit(EncodeABx(OpLoadK, r0, i1), 1)
	c.Emit(EncodeABx(OpDefineGlobal, r0, name), 1)
	c.Emit(EncodeABx(OpLoadK, r1, i2), 2)
	c.Emit(EncodeABx(OpSetGlobal, r1, name), 2)
	c.Emit(EncodeABx(OpGetGlobal, r0, name), 3)
	c.Emit(EncodeABC(OpReturn, r0, 0, 0), 3)
	c.MaxReg = 2

	result, _ := runChunk(t, c)
	require.Equal(t, int64(2), result.AsInt())
}

func TestRunGetGlobalUndefinedProducesNameError(t *testing.T) {
	c := NewChunk("<test>")
	r0 := uint8(0)
	name := c.AddConstant(NewString("neverDefined"))
	c.Emit(EncodeABx(OpGetGlobal, r0, name), 1)
	c.Emit(EncodeABC(OpReturn, r0, 0, 0), 1)
	c.MaxReg = 1

	v := NewVM()
	_, err := v.Run(c)
	require.Error(t, err)
}

// TestFreezeVarThenThawValueRoundTrip exercises FREEZE_VAR on a local
// register directly (spec §4.4.1), then the VM's thawValue helper: the
// value's Phase tag flips to Crystal then back to Fluid, with the
// underlying payload preserved.
func TestFreezeVarThenThawValueRoundTrip(t *testing.T) {
	c := NewChunk("<test>")
	r0 := uint8(0)
	nameConst := c.AddConstant(NewString("x"))
	iv := c.AddConstant(Int(9))

	c.Emit(EncodeABx(OpLoadK, r0, iv), 1)
	c.Emit(EncodeABC(OpFreezeVar, uint8(nameConst), 0 /* locType=0, consume=0 */, r0), 1)
	c.Emit(EncodeABC(OpReturn, r0, 0, 0), 1)
	c.MaxReg = 1

	frozen, vmInstance := runChunk(t, c)
	require.True(t, frozen.IsCrystal())
	require.Equal(t, int64(9), frozen.AsInt())

	thawed := vmInstance.thawValue(frozen)
	require.True(t, thawed.IsFluid())
	require.Equal(t, int64(9), thawed.AsInt())
}

func TestSublimateVarSetsSublimatedPhase(t *testing.T) {
	c := NewChunk("<test>")
	r0 := uint8(0)
	nameConst := c.AddConstant(NewString("y"))
	iv := c.AddConstant(Int(3))

	c.Emit(EncodeABx(OpLoadK, r0, iv), 1)
	c.Emit(EncodeABC(OpSublimateVar, uint8(nameConst), 0, r0), 1)
	c.Emit(EncodeABC(OpReturn, r0, 0, 0), 1)
	c.MaxReg = 1

	result, _ := runChunk(t, c)
	require.True(t, result.IsSublimated())
}

// TestFreezeVarCascadesThroughMirrorBond verifies FREEZE_VAR's Cascade
// call (spec §4.4.1) reaches a global bonded under StrategyMirror.
func TestFreezeVarCascadesThroughMirrorBond(t *testing.T) {
	c := NewChunk("<test>")
	r0 := uint8(0)
	depName := c.AddConstant(NewString("dep"))
	targetName := c.AddConstant(NewString("target"))
	iv := c.AddConstant(Int(4))

	// Define `target` as a global before freezing `dep`, so Cascade's
	// Globals.GetByName("target") lookup succeeds.
	c.Emit(EncodeABx(OpLoadK, r0, iv), 1)
	c.Emit(EncodeABx(OpDefineGlobal, r0, targetName), 1)
	c.Emit(EncodeABC(OpFreezeVar, uint8(depName), 0, r0), 2)
	c.Emit(EncodeABC(OpReturn, r0, 0, 0), 2)
	c.MaxReg = 1

	v := NewVM()
	v.Phase.Bond("target", "dep", phase.StrategyMirror)

	_, err := v.Run(c)
	require.NoError(t, err)

	tv, ok := v.Globals.GetByName("target")
	require.True(t, ok)
	require.True(t, tv.IsCrystal(), "bonded target must be frozen when dep freezes")
}

func TestDeepCloneStructIsIndependentCopy(t *testing.T) {
	src := NewStruct("Point", 0, []StructField{
		{Name: "x", Value: Int(1)},
		{Name: "y", Value: Int(2)},
	})
	dup := deepClone(src)

	if diff := cmp.Diff(src.AsStruct().Fields, dup.AsStruct().Fields, cmp.AllowUnexported(Value{})); diff != "" {
		t.Errorf("deep clone fields mismatch (-want +got):\n%s", diff)
	}

	dup.AsStruct().Fields[0].Value = Int(99)
	require.Equal(t, int64(1), src.AsStruct().Fields[0].Value.AsInt(), "mutating the clone must not affect the original")
}

func TestCloneOrBorrowBitwiseCopiesPrimitives(t *testing.T) {
	v := Int(5)
	got := cloneOrBorrow(v)
	require.Equal(t, v, got)
}

func TestCloneOrBorrowBorrowsConstString(t *testing.T) {
	s := NewString("shared")
	s.Region = RegionConst
	got := cloneOrBorrow(s)
	require.Equal(t, s.AsString(), got.AsString())
	require.Equal(t, RegionConst, got.Region, "a const string is borrowed, not re-owned by a deep clone")
}
