package vm

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"

	"github.com/ajokela/lattice-sub001/pkg/errors"
)

// ExceptionHandler is one entry of the per-VM handler stack pushed by
// PUSH_HANDLER and popped by POP_HANDLER (spec §4.3.2).
type ExceptionHandler struct {
	CatchIP    int
	Chunk      *Chunk
	FrameIndex int
	RegWater   int // register-stack top watermark to rewind to
	ErrorReg   uint8
}

// ExceptionState is the VM's exception-handling sub-state: the handler
// stack plus the last formatted runtime error (spec §7: "stored as an
// owned string on the VM and returned as RuntimeError" when no handler is
// active).
type ExceptionState struct {
	handlers  []ExceptionHandler
	lastError string
}

func (vm *VM) pushHandler(h ExceptionHandler) {
	vm.exceptions.handlers = append(vm.exceptions.handlers, h)
}

func (vm *VM) popHandler() {
	n := len(vm.exceptions.handlers)
	if n == 0 {
		return
	}
	vm.exceptions.handlers = vm.exceptions.handlers[:n-1]
}

func (vm *VM) findHandler() (ExceptionHandler, bool) {
	n := len(vm.exceptions.handlers)
	if n == 0 {
		return ExceptionHandler{}, false
	}
	h := vm.exceptions.handlers[n-1]
	vm.exceptions.handlers = vm.exceptions.handlers[:n-1]
	return h, true
}

// buildStructuredError constructs the `{message, line, stack}` map spec
// §4.3.2 requires be built from live state before unwinding, using the
// live frame array's chunk names and per-instruction line tables to
// synthesize `"<name>() at line N"` frames (spec §7).
func (vm *VM) buildStructuredError(message string, line int) Value {
	m := NewMap()
	mo := m.AsMap()
	mo.Set(NewString("message"), NewString(message))
	mo.Set(NewString("line"), Int(int64(line)))

	stackFrames := make([]Value, 0, len(vm.frames))
	for i := len(vm.frames) - 1; i >= 0; i-- {
		f := vm.frames[i]
		name := f.Chunk.Name
		if name == "" {
			name = "<script>"
		}
		ln := f.Chunk.LineFor(f.IP)
		var entry string
		if i == 0 {
			entry = fmt.Sprintf("%s at line %d", name, ln)
		} else {
			entry = fmt.Sprintf("%s() at line %d", name, ln)
		}
		stackFrames = append(stackFrames, NewString(entry))
	}
	mo.Set(NewString("stack"), NewArray(stackFrames))
	return m
}

// ExceptionError bridges a thrown Lattice Value across a native-function
// call boundary as a Go error (spec §6: "native functions... errors are
// returned by setting a thread-local error string observed by the VM";
// generalized here to carry the actual Value so re-raising preserves
// structure instead of stringifying too early). Grounded on the teacher's
// ExceptionError/exceptionError pair in call.go.
type ExceptionError interface {
	error
	ThrownValue() Value
}

type exceptionError struct {
	value Value
}

func (e *exceptionError) Error() string {
	if e.value.Type == TypeStr {
		return e.value.AsString()
	}
	return "unhandled exception: " + e.value.Repr()
}

func (e *exceptionError) ThrownValue() Value { return e.value }

// NewExceptionError wraps v as a Go error suitable for a NativeFn to
// return, which call.go then lifts into the handler chain.
func NewExceptionError(v Value) error { return &exceptionError{value: v} }

// throw raises v as an exception: if a handler is active, the frame stack
// is unwound to it and its error register receives the structured error
// map; otherwise the VM records a formatted RuntimeError and halts.
func (vm *VM) throw(v Value, line int) error {
	handler, ok := vm.findHandler()
	if !ok {
		msg := vm.formatUncaught(v)
		vm.exceptions.lastError = msg
		return errors.NewRuntimeError(errors.CategoryContract, msg, errors.Position{Line: line})
	}

	var delivered Value
	switch {
	case v.Type == TypeStr:
		delivered = vm.buildStructuredError(v.AsString(), line)
	case isStructuredErrorMap(v):
		delivered = v
	default:
		delivered = vm.buildStructuredError(vm.formatUncaught(v), line)
	}

	vm.unwindTo(handler)
	frame := vm.currentFrame()
	frame.Regs[handler.ErrorReg] = delivered
	frame.IP = handler.CatchIP
	return nil
}

func isStructuredErrorMap(v Value) bool {
	if v.Type != TypeMap {
		return false
	}
	_, ok := v.AsMap().Get(NewString("message"))
	return ok
}

// formatUncaught implements spec §7's uncaught-error message format:
// strings pass through verbatim; everything else becomes
// "unhandled exception: <repr>", using go-spew for heap-object dumps in
// debug mode when Repr's shallow form isn't informative enough
// (SPEC_FULL §B).
func (vm *VM) formatUncaught(v Value) string {
	if v.Type == TypeStr {
		return v.AsString()
	}
	if vm.Debug {
		return "unhandled exception: " + spew.Sdump(v.Repr())
	}
	return "unhandled exception: " + v.Repr()
}

// unwindTo tears down every frame between the current frame and the
// handler's frame, freeing registers and rewinding the register-stack top
// to the handler's recorded watermark (spec §4.3.2, tested by §8's
// "current frame index is F; register stack top equals the handler's
// recorded watermark").
func (vm *VM) unwindTo(h ExceptionHandler) {
	for len(vm.frames)-1 > h.FrameIndex {
		vm.popFrame()
	}
	vm.regTop = h.RegWater
}

// tryUnwrap implements TRY_UNWRAP: a Result-shaped value (`{tag: "ok"|
// "err", value}` map, or an Ok/Err enum) either unwraps in place or
// triggers an early return of the err value up one frame.
func (vm *VM) tryUnwrap(v Value) (unwrapped Value, isErr bool, errVal Value) {
	switch v.Type {
	case TypeMap:
		m := v.AsMap()
		tag, ok := m.Get(NewString("tag"))
		if !ok {
			return v, false, Nil
		}
		val, _ := m.Get(NewString("value"))
		if tag.Type == TypeStr && tag.AsString() == "err" {
			return Nil, true, val
		}
		return val, false, Nil
	case TypeEnum:
		e := v.AsEnum()
		if e.EnumName == "Result" && e.VariantName == "Err" {
			payload := Nil
			if len(e.Payload) > 0 {
				payload = e.Payload[0]
			}
			return Nil, true, payload
		}
		if e.EnumName == "Result" && e.VariantName == "Ok" {
			if len(e.Payload) > 0 {
				return e.Payload[0], false, Nil
			}
			return Unit, false, Nil
		}
		return v, false, Nil
	default:
		return v, false, Nil
	}
}
