package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocIsSequentialFromZero(t *testing.T) {
	ra := NewRegisterAllocator()
	require.Equal(t, Register(0), ra.Alloc())
	require.Equal(t, Register(1), ra.Alloc())
	require.Equal(t, Register(2), ra.Alloc())
	require.Equal(t, Register(3), ra.MaxRegs())
}

func TestFreeThenAllocReusesFromFreeList(t *testing.T) {
	ra := NewRegisterAllocator()
	a := ra.Alloc()
	b := ra.Alloc()
	ra.Free(a)

	reused := ra.Alloc()
	require.Equal(t, a, reused, "freeing then allocating must reuse the freed register before minting a new one")
	require.NotEqual(t, b, reused)
}

func TestPinnedRegisterSurvivesFree(t *testing.T) {
	ra := NewRegisterAllocator()
	r := ra.Alloc()
	ra.Pin(r)
	ra.Free(r)

	require.False(t, ra.IsInFreeList(r), "a pinned register must not enter the free list on Free")
	require.True(t, ra.IsPinned(r))

	ra.Unpin(r)
	ra.Free(r)
	require.True(t, ra.IsInFreeList(r))
}

func TestAllocContiguousFromTail(t *testing.T) {
	ra := NewRegisterAllocator()
	ra.Alloc() // burn r0 so the contiguous block doesn't start at 0

	first := ra.AllocContiguous(3)
	require.Equal(t, Register(1), first)
	require.Equal(t, Register(4), ra.MaxRegs())
}

func TestTryAllocContiguousFailsWhenExhausted(t *testing.T) {
	ra := NewRegisterAllocator()
	ra.AllocContiguous(254) // fills registers 0..253, leaving 254,255 (NoHint/BadRegister range irrelevant here)

	_, ok := ra.TryAllocContiguous(10)
	require.False(t, ok, "a block larger than the remaining tail and free list must fail, not panic")
}

func TestAllocHintedUsesHintWhenAvailable(t *testing.T) {
	ra := NewRegisterAllocator()
	ra.Alloc() // r0
	ra.Alloc() // r1
	hinted := ra.AllocHinted(Register(5))
	require.Equal(t, Register(5), hinted)
}

func TestAllocHintedFallsBackWhenHintUnavailable(t *testing.T) {
	ra := NewRegisterAllocator()
	taken := ra.Alloc() // r0, now unavailable as a hint target
	got := ra.AllocHinted(taken)
	require.NotEqual(t, taken, got)
}

func TestRegisterGroupLinearizeContiguousIsNoop(t *testing.T) {
	ra := NewRegisterAllocator()
	g := ra.NewGroup()
	g.Add(ra.Alloc())
	g.Add(ra.Alloc())
	g.Add(ra.Alloc())

	first, err := g.Linearize()
	require.NoError(t, err)
	require.Equal(t, Register(0), first)
}

func TestRegisterGroupReleaseFreesRegisters(t *testing.T) {
	ra := NewRegisterAllocator()
	g := ra.NewGroup()
	r := ra.Alloc()
	g.Add(r)

	g.Release()
	require.True(t, ra.IsInFreeList(r))
	require.True(t, g.IsReleased())
}

func TestRegisterGroupSubgroupReleasedWithParent(t *testing.T) {
	ra := NewRegisterAllocator()
	parent := ra.NewGroup()
	child := parent.SubGroup()
	r := ra.Alloc()
	child.Add(r)

	parent.Release()
	require.True(t, child.IsReleased())
	require.True(t, ra.IsInFreeList(r))
}

func TestResetClearsAllocatorState(t *testing.T) {
	ra := NewRegisterAllocator()
	r := ra.Alloc()
	ra.Pin(r)
	ra.Reset()

	require.Equal(t, Register(0), ra.Peek())
	require.False(t, ra.IsPinned(r))
	require.Equal(t, Register(0), ra.Alloc())
}
