package vm

import (
	"unsafe"

	"github.com/ajokela/lattice-sub001/pkg/phase"
)

// Default resource limits (spec §4.3, §8), overridable via pkg/config.
const (
	RegsMax   = 256    // registers per frame (spec §4.1: 8-bit register indices)
	FramesMax = 1024   // max frame-stack depth
)

// deferRecord is one DEFER_PUSH entry (spec §4.3.3): the deferred body's
// entry point plus enough of the parent frame's identity to build the
// sub-frame that executes it and copy results back.
type deferRecord struct {
	BodyIP     int
	Chunk      *Chunk
	ScopeDepth int
}

// Frame is one register-window activation record (spec §3.5, §4.3). Its
// register window is a slice into the VM's flat register stack, not an
// independently heap-allocated array, so pushFrame/popFrame never
// reallocate that stack mid-dispatch (spec §9's "must not be reallocated
// mid-dispatch" guidance).
type Frame struct {
	Chunk     *Chunk
	IP        int
	Regs      []Value // window into vm.regStack[Base : Base+RegsMax]
	Base      int
	Upvalues  []*UpvalueCell
	ResultReg uint8 // caller_result_reg: where RETURN's value lands in the caller
	Defers    []deferRecord
	ScopeDepth int
}

// VM is one interpreter instance: its own frame stack, register stack,
// ephemeral arena, and exception/defer state (spec §5: "register stacks,
// frames, open-upvalue list, handler stack, defer stack, and per-VM
// ephemeral arena are per-VM and unshared"). Chunks, struct metadata, and
// the intern table are shared read-only across sibling VMs spawned by
// `scope { spawn }`.
type VM struct {
	Globals *Globals

	frames  []*Frame
	regStack []Value
	regTop  int

	arena        *EphemeralArena
	interns      *InternTable
	openUpvalues OpenUpvalues

	exceptions ExceptionState
	cacheStats ICacheStats
	megaFallback *megamorphicFallback

	Phase *phase.Registry

	chunks []*Chunk // tracked for lifecycle per spec §3.5; freed on shutdown

	Debug bool

	// BuiltinMethodNames is supplied by the embedding host's builtin
	// method table (out of scope per spec §1) so resolveMethod's
	// did-you-mean suggestion can see builtin names too, not just
	// `TypeName::method` globals.
	BuiltinMethodNames func(ValueType) []string

	// Loader bridges IMPORT/REQUIRE to the embedding host's module
	// resolver (pkg/modules); nil means neither opcode is usable.
	Loader ModuleLoader

	// spawnDepth is not read or written by any VM code path; the lexical
	// scope counter DEFER_RUN's min_scope comparisons use is the frame's
	// own ScopeDepth.
	spawnDepth int

	// maxFrames is the soft call-depth cap checked before a non-native
	// call opens a new Frame; it defaults to FramesMax (the hard size the
	// flat register stack was allocated for) and can only be tightened,
	// not loosened, by pkg/config.NewVMFromConfig.
	maxFrames int
}

// SetMaxFrames tightens the call-depth cap checked by dispatchCall before a
// closure call opens a new Frame (pkg/config's `[vm] max_frames`, A.3).
// Values above FramesMax are clamped: the register stack is sized for at
// most FramesMax live frames and was never meant to grow at runtime
// (spec §9).
func (vm *VM) SetMaxFrames(n int) {
	if n <= 0 || n > FramesMax {
		n = FramesMax
	}
	vm.maxFrames = n
}

// NewVM constructs a VM with the default resource limits. Config-driven
// construction lives in pkg/config/config.go (NewVMFromConfig), which
// calls this and then applies overrides.
func NewVM() *VM {
	vm := &VM{
		Globals:      NewGlobals(256),
		regStack:     make([]Value, RegsMax*FramesMax),
		arena:        NewEphemeralArena(),
		interns:      NewInternTable(),
		megaFallback: newMegamorphicFallback(),
		Phase:        phase.NewRegistry(),
		maxFrames:    FramesMax,
	}
	vm.Globals.MarkBuiltinBoundary()
	return vm
}

func (vm *VM) currentFrame() *Frame {
	if len(vm.frames) == 0 {
		return nil
	}
	return vm.frames[len(vm.frames)-1]
}

func (vm *VM) currentLine() int {
	f := vm.currentFrame()
	if f == nil {
		return 0
	}
	return f.Chunk.LineFor(f.IP)
}

// pushFrame opens a new frame for chunk, slicing its register window from
// the flat register stack (spec §4.3: "per-frame register window of 256
// slots sliced out of a global flat register stack").
func (vm *VM) pushFrame(chunk *Chunk, upvalues []*UpvalueCell, resultReg uint8) *Frame {
	base := vm.regTop
	vm.regTop += RegsMax
	scopeDepth := 0
	if cur := vm.currentFrame(); cur != nil {
		scopeDepth = cur.ScopeDepth
	}
	frame := &Frame{
		Chunk:      chunk,
		Regs:       vm.regStack[base : base+RegsMax],
		Base:       base,
		Upvalues:   upvalues,
		ResultReg:  resultReg,
		ScopeDepth: scopeDepth,
	}
	vm.frames = append(vm.frames, frame)
	return frame
}

// popFrame closes any open upvalues pointing into the exiting frame's
// register window, clears its registers, and pops it (spec §4.3's return
// path; tested by §8's "after RETURN no UpvalueCell remains open over the
// freed register window").
func (vm *VM) popFrame() *Frame {
	n := len(vm.frames)
	if n == 0 {
		return nil
	}
	f := vm.frames[n-1]
	lo, hi := f.Base, f.Base+RegsMax
	vm.openUpvalues.CloseFrom(func(loc *Value) bool {
		idx := regStackIndex(vm.regStack, loc)
		return idx >= lo && idx < hi
	})
	for i := range f.Regs {
		f.Regs[i] = Nil
	}
	vm.frames = vm.frames[:n-1]
	if f.Base < vm.regTop {
		vm.regTop = f.Base
	}
	return f
}

// regStackIndex finds loc's index within stack by pointer identity,
// needed because UpvalueCell.Location points directly into the flat
// register stack rather than carrying its own index (spec §9: "avoid
// storing pointers into reallocatable buffers" — regStack itself is
// never reallocated after NewVM, so this is safe).
func regStackIndex(stack []Value, loc *Value) int {
	if len(stack) == 0 || loc == nil {
		return -1
	}
	base := uintptr(unsafe.Pointer(&stack[0]))
	target := uintptr(unsafe.Pointer(loc))
	return int((target - base) / unsafe.Sizeof(stack[0]))
}
