package codegen

import (
	"github.com/llir/llvm/ir/types"
	"go.uber.org/zap"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/layout"
	"github.com/wippyai/llgen/ssa"
)

// Fixed logical frame fields shared by every async frame and anyframe.
const (
	frameFnPtr = iota
	frameResumeIndex
	frameAwaiter
)

// Resume index and awaiter sentinels, as usize bit patterns.
const (
	// resumeReturned marks a frame whose function has returned.
	resumeReturned = -1
	// resumeRunning marks a frame that is executing and cannot be resumed.
	resumeRunning = -2

	awaiterNone = 0
	awaiterSync = 1
	awaiterDone = -1
)

// Frame is the layout of an async function's frame. Logical field indices
// are stable; phys maps them to physical LLVM fields, which may include
// padding.
type Frame struct {
	Func  *ssa.Function
	typ   *types.StructType
	Size  uint64
	Align uint32
	phys  []int

	// Optional header fields, -1 when absent.
	retCallee, retAwaiter, result int
	traceCallee, traceAwaiter     int
	// trace and traceAddrs are the frame's own inline error return trace.
	trace, traceAddrs int
	// awaitResult holds the result address of the frame being awaited
	// across the suspend.
	awaitResult int

	args  []int
	slots []int
}

// Field returns the physical index of logical field i.
func (f *Frame) Field(i int) int {
	if i < 0 || i >= len(f.phys) {
		errors.Fatal(errors.PhaseFrame, "frame has no field %d", i)
	}
	return f.phys[i]
}

// Type returns the LLVM frame struct.
func (f *Frame) Type() *types.StructType { return f.typ }

type frameField struct {
	typ   types.Type
	size  uint64
	align uint32
}

// frameLayout accumulates fields at naturally aligned offsets.
type frameLayout struct {
	calc  *layout.Calculator
	specs []fieldSpec
}

func (fl *frameLayout) add(s *Session, f frameField) int {
	off := fl.calc.Place(f.size, f.align)
	align := s.llAlign(f.typ)
	if f.size == 0 {
		align = 1
	}
	fl.specs = append(fl.specs, fieldSpec{typ: f.typ, off: off, size: f.size, align: align})
	return len(fl.specs) - 1
}

// header lays out the fields every frame returning result shares with
// anyframe->result.
func (s *Session) header(fl *frameLayout, result *ssa.Type) (retCallee, retAwaiter, res, traceCallee, traceAwaiter int) {
	ptr := s.tgt.PtrBytes()
	word := frameField{typ: s.usize, size: ptr, align: uint32(ptr)}
	fl.add(s, frameField{typ: types.NewPointer(asyncFuncType()), size: ptr, align: uint32(ptr)})
	fl.add(s, word)
	fl.add(s, word)
	retCallee, retAwaiter, res, traceCallee, traceAwaiter = -1, -1, -1, -1, -1
	if result.HasBits() {
		rp := frameField{typ: s.elemPtrType(result), size: ptr, align: uint32(ptr)}
		retCallee = fl.add(s, rp)
		retAwaiter = fl.add(s, rp)
		res = fl.add(s, frameField{typ: s.llType(result), size: result.Size, align: result.Align})
	}
	if s.frameTraces(result) {
		tp := frameField{typ: s.tracePtrType(), size: ptr, align: uint32(ptr)}
		traceCallee = fl.add(s, tp)
		traceAwaiter = fl.add(s, tp)
	}
	return
}

// frameTraces reports whether frames returning result carry trace pointers.
func (s *Session) frameTraces(result *ssa.Type) bool {
	return s.tracing() && result != nil && (result.Kind == ssa.KindErrorUnion || result.Kind == ssa.KindErrorSet)
}

// frame resolves the layout of async function f. Frames nest the frames of
// their async callees, so resolution recurses; a frame that contains itself
// is reported as a cycle.
func (s *Session) frame(f *ssa.Function) *Frame {
	if fr, ok := s.frames[f]; ok {
		return fr
	}
	if !f.Async {
		errors.Fatal(errors.PhaseFrame, "function %q is not async and has no frame", f.Name)
	}
	for i, g := range s.framing {
		if g == f {
			chain := make([]string, 0, len(s.framing)-i+1)
			for _, h := range s.framing[i:] {
				chain = append(chain, h.Name)
			}
			s.diag(errors.Cycle(errors.PhaseFrame, append(chain, f.Name)))
			return &Frame{
				Func: f, typ: types.NewStruct(), phys: []int{},
				retCallee: -1, retAwaiter: -1, result: -1,
				traceCallee: -1, traceAwaiter: -1,
				trace: -1, traceAddrs: -1, awaitResult: -1,
			}
		}
	}
	s.framing = append(s.framing, f)
	defer func() { s.framing = s.framing[:len(s.framing)-1] }()

	fr := s.layoutFrame(f)
	s.frames[f] = fr
	s.log.Debug("frame laid out",
		zap.String("func", f.Name),
		zap.Uint64("size", fr.Size),
		zap.Int("slots", len(f.FrameSlots)))
	return fr
}

func (s *Session) layoutFrame(f *ssa.Function) *Frame {
	sig := f.Sig()
	ptr := s.tgt.PtrBytes()
	fl := &frameLayout{calc: layout.NewCalculator()}
	fr := &Frame{Func: f, trace: -1, traceAddrs: -1, awaitResult: -1}
	fr.retCallee, fr.retAwaiter, fr.result, fr.traceCallee, fr.traceAwaiter = s.header(fl, sig.Return)

	fr.args = make([]int, len(sig.Params))
	for i, p := range sig.Params {
		if !p.HasBits() {
			fr.args[i] = -1
			continue
		}
		fr.args[i] = fl.add(s, frameField{typ: s.llType(p), size: p.Size, align: p.Align})
	}
	if s.tracing() {
		n := uint64(s.opts.TraceCapacity)
		fr.trace = fl.add(s, frameField{typ: s.traceType(), size: 3 * ptr, align: uint32(ptr)})
		fr.traceAddrs = fl.add(s, frameField{typ: types.NewArray(n, s.usize), size: n * ptr, align: uint32(ptr)})
	}
	if awaitsResult(f) {
		fr.awaitResult = fl.add(s, frameField{typ: types.I8Ptr, size: ptr, align: uint32(ptr)})
	}

	// The struct is named before slots are resolved so nested frames can refer to it.
	st := &types.StructType{Opaque: true}
	s.mod.NewTypeDef(s.typeDefName("Frame."+f.Name), st)

	fr.slots = make([]int, len(f.FrameSlots))
	for i, slot := range f.FrameSlots {
		fr.slots[i] = fl.add(s, s.slotField(slot))
	}

	info := fl.calc.Finish()
	b, idx := buildBody(fl.specs, info.Size)
	st.Fields = b.types
	st.Packed = b.packed
	st.Opaque = false
	fr.typ = st
	fr.phys = idx
	fr.Size = info.Size
	fr.Align = info.Align
	return fr
}

// awaitsResult reports whether f suspends until another frame returns.
func awaitsResult(f *ssa.Function) bool {
	for _, b := range f.Blocks {
		for _, instr := range b.Instrs {
			switch i := instr.(type) {
			case *ssa.Await:
				if !i.NoSuspend {
					return true
				}
			case *ssa.Call:
				if i.Callee != nil && isAsync(i.Callee.Sig()) && i.Modifier != ssa.CallAsync && i.Modifier != ssa.CallNoSuspend {
					return true
				}
			}
		}
	}
	return false
}

func (s *Session) slotField(slot ssa.FrameSlot) frameField {
	if slot.Kind != ssa.SlotCall && slot.Type != nil && slot.Type.Kind == ssa.KindFrame {
		slot.Kind, slot.Callee = ssa.SlotCall, slot.Type.Frame
	}
	if slot.Kind == ssa.SlotCall {
		if slot.Callee == nil {
			errors.Fatal(errors.PhaseFrame, "call slot %q has no callee", slot.Name)
		}
		callee := s.frame(slot.Callee)
		return frameField{typ: callee.typ, size: callee.Size, align: max(callee.Align, slot.Align)}
	}
	t := slot.Type
	if !t.HasBits() {
		return frameField{typ: s.llType(t)}
	}
	return frameField{typ: s.llType(t), size: t.Size, align: max(t.Align, slot.Align)}
}

// anyFramePrefix is the header prefix shared by every frame returning result;
// anyframe->result values point at it. It is a Frame without arguments,
// trace storage or slots.
func (s *Session) anyFramePrefix(result *ssa.Type) *Frame {
	key := result
	if fr, ok := s.anyFrame[key]; ok {
		return fr
	}
	if result == nil {
		result = s.src.Types.Void()
	}
	fl := &frameLayout{calc: layout.NewCalculator()}
	fr := &Frame{trace: -1, traceAddrs: -1, awaitResult: -1}
	fr.retCallee, fr.retAwaiter, fr.result, fr.traceCallee, fr.traceAwaiter = s.header(fl, result)
	info := fl.calc.Finish()
	b, idx := buildBody(fl.specs, info.Size)
	fr.typ = b.newStruct()
	fr.phys = idx
	fr.Size = info.Size
	fr.Align = info.Align
	s.anyFrame[key] = fr
	return fr
}

func (s *Session) anyFrameType(result *ssa.Type) *types.StructType {
	return s.anyFramePrefix(result).typ
}
