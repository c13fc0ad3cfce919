package codegen

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
)

// Async functions take their frame as the only parameter. The entry block
// switches on the frame's resume index: 0 starts the body, each suspend
// point owns one index, and the running and returned sentinels fail.
//
// Values live across a suspend point only in frame memory. Every frame
// address is computed in the entry block so it dominates all resume blocks.

func (l *funcLowerer) usizeConst(v int64) *constant.Int {
	return constant.NewInt(l.s.usize, v)
}

// inEntry emits the instructions built by fn into the entry block.
func (l *funcLowerer) inEntry(fn func() value.Value) value.Value {
	saved := l.cur
	l.cur = l.entry
	v := fn()
	l.cur = saved
	return v
}

// frameField addresses logical field i of the frame at ptr.
func (l *funcLowerer) frameField(fr *Frame, ptr value.Value, i int) value.Value {
	if i < 0 {
		errors.Fatal(errors.PhaseLower, "frame field absent in %s", l.fn.Name)
	}
	return l.fieldAddr(fr.typ, ptr, fr.Field(i))
}

// loadField reads logical field i of the frame at ptr.
func (l *funcLowerer) loadField(fr *Frame, ptr value.Value, i int) value.Value {
	ft := fr.typ.Fields[fr.Field(i)]
	return l.cur.NewLoad(ft, l.frameField(fr, ptr, i))
}

func (l *funcLowerer) storeField(fr *Frame, ptr value.Value, i int, v value.Value) {
	ft := fr.typ.Fields[fr.Field(i)]
	l.cur.NewStore(l.castTo(v, ft), l.frameField(fr, ptr, i))
}

// slotAddr addresses frame slot i of the function being lowered.
func (l *funcLowerer) slotAddr(i int) value.Value {
	if !l.fn.Async || i < 0 || i >= len(l.frame.slots) {
		errors.Fatal(errors.PhaseLower, "frame slot %d out of range in %s", i, l.fn.Name)
	}
	if p, ok := l.slotPtrs[i]; ok {
		return p
	}
	p := l.inEntry(func() value.Value {
		return l.fieldAddr(l.frame.typ, l.framePtr, l.frame.Field(l.frame.slots[i]))
	})
	l.slotPtrs[i] = p
	return p
}

// slotPtr is slotAddr converted to t in the entry block.
func (l *funcLowerer) slotPtr(i int, t types.Type) value.Value {
	p := l.slotAddr(i)
	return l.inEntry(func() value.Value { return l.castTo(p, t) })
}

func (l *funcLowerer) asyncPrologue() {
	fr := l.s.frame(l.fn)
	l.frame = fr
	l.cur = l.entry
	raw := l.irFn.Params[0]
	l.framePtr = l.entry.NewBitCast(raw, types.NewPointer(fr.typ))
	idxPtr := l.frameField(fr, l.framePtr, frameResumeIndex)
	idx := l.entry.NewLoad(l.s.usize, idxPtr)

	if fr.traceCallee >= 0 {
		l.trace = l.loadField(fr, l.framePtr, fr.traceCallee)
	} else if fr.trace >= 0 {
		l.trace = l.frameField(fr, l.framePtr, fr.trace)
	}

	start := l.newBlock("Start")
	start.NewStore(l.usizeConst(resumeRunning), idxPtr)
	start.NewBr(l.blocks[l.fn.Blocks[0]])

	l.dispatch = l.entry.NewSwitch(idx, l.failBlock(PanicBadResume),
		ir.NewCase(l.usizeConst(0), start),
		ir.NewCase(l.usizeConst(resumeRunning), l.failBlock(PanicResumeNotSuspendedFn)))
}

// newSuspend allocates the next resume index, records it in the frame and
// returns the block the dispatch switch enters for it.
func (l *funcLowerer) newSuspend() *ir.Block {
	if !l.fn.Async {
		errors.Fatal(errors.PhaseLower, "suspend point in non-async function %s", l.fn.Name)
	}
	l.suspends++
	k := int64(l.suspends)
	idxPtr := l.inEntry(func() value.Value { return l.frameField(l.frame, l.framePtr, frameResumeIndex) })
	blk := l.newBlock(fmt.Sprintf("Resume%d", k))
	blk.NewStore(l.usizeConst(resumeRunning), idxPtr)
	l.dispatch.Cases = append(l.dispatch.Cases, ir.NewCase(l.usizeConst(k), blk))
	l.cur.NewStore(l.usizeConst(k), idxPtr)
	return blk
}

// setRunning marks the frame as executing again after a suspend point was
// abandoned.
func (l *funcLowerer) setRunning() {
	l.storeField(l.frame, l.framePtr, frameResumeIndex, l.usizeConst(resumeRunning))
}

// ownFrame is the current frame as an integer awaiter value.
func (l *funcLowerer) ownFrame() value.Value {
	return l.cur.NewPtrToInt(l.irFn.Params[0], l.s.usize)
}

// xchg swaps the word at ptr for v and returns the previous value.
func (l *funcLowerer) xchg(ptr, v value.Value, ord enum.AtomicOrdering) value.Value {
	if l.s.opts.SingleThreaded {
		old := l.cur.NewLoad(l.s.usize, ptr)
		l.cur.NewStore(v, ptr)
		return old
	}
	return l.cur.NewAtomicRMW(enum.AtomicOpXChg, ptr, v, ord)
}

// resumeFrame calls the function stored at the start of frame raw.
func (l *funcLowerer) resumeFrame(raw value.Value, tail bool) *ir.InstCall {
	fpt := types.NewPointer(asyncFuncType())
	slot := l.cur.NewBitCast(raw, types.NewPointer(fpt))
	fn := l.cur.NewLoad(fpt, slot)
	call := l.cur.NewCall(fn, raw)
	call.CallingConv = enum.CallingConvFast
	if tail {
		call.Tail = enum.TailMustTail
	}
	return call
}

func (l *funcLowerer) lowerSuspendBegin(i *ssa.SuspendBegin) {
	l.resumeAt[i] = l.newSuspend()
}

func (l *funcLowerer) lowerSuspendFinish(i *ssa.SuspendFinish) {
	blk, ok := l.resumeAt[i.Begin]
	if !ok {
		errors.Fatal(errors.PhaseLower, "suspend finish without begin in %s", l.fn.Name)
	}
	l.cur.NewRet(nil)
	l.cur = blk
}

func (l *funcLowerer) lowerResume(i *ssa.Resume) {
	raw := l.castTo(l.value(i.Frame), types.I8Ptr)
	l.attachLocation(l.resumeFrame(raw, false))
}

func (l *funcLowerer) lowerFrameHandle(i *ssa.FrameHandle) value.Value {
	if !l.fn.Async {
		errors.Fatal(errors.PhaseLower, "frame handle in non-async function %s", l.fn.Name)
	}
	return l.inEntry(func() value.Value { return l.castTo(l.irFn.Params[0], l.llType(i.Type)) })
}

func (l *funcLowerer) lowerSpillBegin(i *ssa.SpillBegin) {
	t := typeOf(i.X)
	if !t.HasBits() {
		return
	}
	st := l.cur.NewStore(l.value(i.X), l.slotPtr(i.Slot, types.NewPointer(l.llType(t))))
	st.Align = ir.Align(max(t.Align, 1))
}

func (l *funcLowerer) lowerSpillEnd(i *ssa.SpillEnd) value.Value {
	if !i.Type.HasBits() {
		return l.zero(i.Type)
	}
	lt := l.llType(i.Type)
	ld := l.cur.NewLoad(lt, l.slotPtr(i.Begin.Slot, types.NewPointer(lt)))
	ld.Align = ir.Align(max(i.Type.Align, 1))
	return ld
}

// targetFrame resolves the layout an awaited frame value points at.
func (l *funcLowerer) targetFrame(x ssa.Instruction) *Frame {
	t := typeOf(x)
	switch {
	case t.Kind == ssa.KindPointer && t.Elem.Kind == ssa.KindFrame:
		return l.s.frame(t.Elem.Frame)
	case t.Kind == ssa.KindAnyFrame:
		return l.s.anyFramePrefix(t.Elem)
	}
	errors.Fatal(errors.PhaseLower, "await of %s in %s", t, l.fn.Name)
	return nil
}

// resultSource is the callee's result location recorded in its frame.
func (l *funcLowerer) resultSource(fr *Frame, fp value.Value) value.Value {
	return l.loadField(fr, fp, fr.retCallee)
}

func (l *funcLowerer) lowerAwait(i *ssa.Await) value.Value {
	fr := l.targetFrame(i.Frame)
	if l.fn.Async && !i.NoSuspend {
		return l.asyncAwait(i, fr)
	}
	fp := l.castTo(l.value(i.Frame), types.NewPointer(fr.typ))
	var loc value.Value
	if i.ResultLoc != nil && fr.result >= 0 {
		loc = l.castTo(l.value(i.ResultLoc), fr.typ.Fields[fr.Field(fr.retAwaiter)])
	}
	return l.syncAwait(fr, fp, loc, i.Type)
}

// syncAwait waits for a frame without suspending. The frame must already
// have returned; finding it suspended is a failed nosuspend call.
func (l *funcLowerer) syncAwait(fr *Frame, fp, loc value.Value, rt *ssa.Type) value.Value {
	if fr.retAwaiter >= 0 {
		dst := loc
		if dst == nil {
			dst = l.resultSource(fr, fp)
		}
		l.storeField(fr, fp, fr.retAwaiter, dst)
	}
	if fr.traceAwaiter >= 0 {
		l.storeField(fr, fp, fr.traceAwaiter, l.traceOrNull())
	}
	prev := l.xchg(l.frameField(fr, fp, frameAwaiter), l.usizeConst(awaiterSync), enum.AtomicOrderingAcquireRelease)
	done := l.newBlock("AwaitDone")
	l.cur.NewSwitch(prev, l.failBlock(PanicBadAwait),
		ir.NewCase(l.usizeConst(awaiterDone), done),
		ir.NewCase(l.usizeConst(awaiterNone), l.failBlock(PanicBadNoSuspendCall)))
	l.cur = done
	if fr.traceCallee >= 0 {
		l.mergeTraces(l.traceValue(), l.loadField(fr, fp, fr.traceCallee))
	}
	return l.awaitResult(fr, fp, loc, rt)
}

// awaitResult reads the result of a returned frame, copying it to loc when
// the caller supplied a result location.
func (l *funcLowerer) awaitResult(fr *Frame, fp, loc value.Value, rt *ssa.Type) value.Value {
	if fr.result < 0 || !rt.HasBits() {
		return l.zero(rt)
	}
	v := l.cur.NewLoad(l.llType(rt), l.resultSource(fr, fp))
	if loc != nil {
		l.cur.NewStore(v, loc)
	}
	return v
}

// asyncAwait registers the current frame as the awaiter of the target and
// suspends, unless the target has already returned. The result address is
// kept in the current frame since operand values do not survive the
// suspend.
func (l *funcLowerer) asyncAwait(i *ssa.Await, fr *Frame) value.Value {
	fp := l.castTo(l.value(i.Frame), types.NewPointer(fr.typ))
	var loc value.Value
	if i.ResultLoc != nil && fr.result >= 0 {
		loc = l.castTo(l.value(i.ResultLoc), fr.typ.Fields[fr.Field(fr.retAwaiter)])
	}
	wantResult := fr.result >= 0 && i.Type.HasBits()
	if fr.retAwaiter >= 0 {
		dst := loc
		if dst == nil {
			dst = l.resultSource(fr, fp)
		}
		l.storeField(fr, fp, fr.retAwaiter, dst)
		if wantResult {
			l.saveAwaitResult(dst)
		}
	}
	if fr.traceAwaiter >= 0 {
		l.storeField(fr, fp, fr.traceAwaiter, l.traceOrNull())
	}

	resume := l.newSuspend()
	prev := l.xchg(l.frameField(fr, fp, frameAwaiter), l.ownFrame(), enum.AtomicOrderingRelease)
	suspend := l.newBlock("AwaitSuspend")
	early := l.newBlock("AwaitEarly")
	after := l.newBlock("AwaitResult")
	l.cur.NewSwitch(prev, l.failBlock(PanicBadAwait),
		ir.NewCase(l.usizeConst(awaiterNone), suspend),
		ir.NewCase(l.usizeConst(awaiterDone), early))
	suspend.NewRet(nil)

	// The target returned before we registered: nothing copied the result
	// or the trace for us.
	l.cur = early
	l.setRunning()
	if fr.traceCallee >= 0 {
		l.mergeTraces(l.traceValue(), l.loadField(fr, fp, fr.traceCallee))
	}
	if loc != nil && wantResult {
		l.cur.NewStore(l.cur.NewLoad(l.llType(i.Type), l.resultSource(fr, fp)), loc)
	}
	l.cur.NewBr(after)

	resume.NewBr(after)

	l.cur = after
	if !wantResult {
		return l.zero(i.Type)
	}
	return l.awaitedValue(l.llType(i.Type))
}

// saveAwaitResult keeps the awaited result address in the current frame.
func (l *funcLowerer) saveAwaitResult(ptr value.Value) {
	l.storeField(l.frame, l.framePtr, l.frame.awaitResult, ptr)
}

// awaitedValue loads the result through the address saved by saveAwaitResult.
func (l *funcLowerer) awaitedValue(t types.Type) value.Value {
	p := l.loadField(l.frame, l.framePtr, l.frame.awaitResult)
	return l.cur.NewLoad(t, l.castTo(p, types.NewPointer(t)))
}

// asyncReturn completes the current frame: it publishes the result,
// marks the frame returned and hands control to an awaiter if one is
// registered.
func (l *funcLowerer) asyncReturn(i *ssa.Return) {
	fr, fp := l.frame, l.framePtr
	rt := l.fn.Sig().Return
	if fr.result >= 0 && i.Value != nil {
		st := l.cur.NewStore(l.value(i.Value), l.resultSource(fr, fp))
		st.Align = ir.Align(max(rt.Align, 1))
	}
	l.storeField(fr, fp, frameResumeIndex, l.usizeConst(resumeReturned))
	prev := l.xchg(l.frameField(fr, fp, frameAwaiter), l.usizeConst(awaiterDone), enum.AtomicOrderingAcquireRelease)

	plain := l.newBlock("ReturnPlain")
	wake := l.newBlock("ReturnResume")
	l.cur.NewSwitch(prev, wake,
		ir.NewCase(l.usizeConst(awaiterNone), plain),
		ir.NewCase(l.usizeConst(awaiterSync), plain),
		ir.NewCase(l.usizeConst(awaiterDone), l.failBlock(PanicBadReturn)))
	plain.NewRet(nil)

	l.cur = wake
	if fr.result >= 0 {
		v := l.cur.NewLoad(l.llType(rt), l.resultSource(fr, fp))
		l.cur.NewStore(v, l.loadField(fr, fp, fr.retAwaiter))
	}
	if fr.traceCallee >= 0 {
		l.mergeTraces(l.loadField(fr, fp, fr.traceAwaiter), l.loadField(fr, fp, fr.traceCallee))
	}
	awaiter := l.cur.NewIntToPtr(prev, types.I8Ptr)
	l.resumeFrame(awaiter, true)
	l.cur.NewRet(nil)
}

// calleeFrame returns the frame an async call runs in, typed as fr. Frames
// supplied as byte slices are checked against the frame size.
func (l *funcLowerer) calleeFrame(i *ssa.Call, fr *Frame) value.Value {
	pt := types.NewPointer(fr.typ)
	switch {
	case i.Frame != nil:
		v := l.value(i.Frame)
		if typeOf(i.Frame).Kind == ssa.KindSlice {
			ptr := l.cur.NewExtractValue(v, 0)
			n := l.cur.NewExtractValue(v, 1)
			l.check(l.cur.NewICmp(enum.IPredUGE, n, l.usizeConst(int64(fr.Size))), PanicFrameTooSmall)
			return l.castTo(ptr, pt)
		}
		return l.castTo(v, pt)
	case i.FrameSlot >= 0 && l.fn.Async:
		return l.slotPtr(i.FrameSlot, pt)
	default:
		return l.allocaIn(fr.typ, max(fr.Align, 1), "frame")
	}
}

// lowerAsyncCall starts an async function in its frame. Plain calls from
// an async caller suspend until the callee returns; calls from a
// synchronous caller or under nosuspend must find the callee returned.
func (l *funcLowerer) lowerAsyncCall(i *ssa.Call) value.Value {
	callee := i.Callee
	if callee == nil {
		l.abort(errors.Unsupported(errors.PhaseLower, "async call through a function pointer in "+l.fn.Name))
	}
	fr := l.s.frame(callee)
	fn := l.s.declareFunc(callee)
	suspending := l.fn.Async && i.Modifier != ssa.CallAsync && i.Modifier != ssa.CallNoSuspend
	if suspending && i.Frame == nil && i.FrameSlot < 0 {
		errors.Fatal(errors.PhaseLower, "suspending call to %s in %s has no frame slot", callee.Name, l.fn.Name)
	}
	fp := l.calleeFrame(i, fr)
	sig := callee.Sig()

	l.storeField(fr, fp, frameFnPtr, fn)
	l.storeField(fr, fp, frameResumeIndex, l.usizeConst(0))
	l.storeField(fr, fp, frameAwaiter, l.usizeConst(awaiterNone))

	var loc value.Value
	if fr.result >= 0 {
		rp := fr.typ.Fields[fr.Field(fr.retCallee)]
		if i.ResultLoc != nil {
			loc = l.castTo(l.value(i.ResultLoc), rp)
		} else {
			loc = l.frameField(fr, fp, fr.result)
		}
		l.storeField(fr, fp, fr.retCallee, loc)
	}
	if fr.trace >= 0 {
		n := int64(l.s.opts.TraceCapacity)
		arrT := types.NewArray(uint64(n), l.s.usize)
		l.initTrace(l.cur, l.frameField(fr, fp, fr.trace), l.frameField(fr, fp, fr.traceAddrs), arrT, n)
	}
	if fr.traceCallee >= 0 {
		l.storeField(fr, fp, fr.traceCallee, l.frameField(fr, fp, fr.trace))
	}
	for k, a := range i.Args {
		if k >= len(fr.args) {
			errors.Fatal(errors.PhaseLower, "call in %s passes %d arguments, want %d", l.fn.Name, len(i.Args), len(sig.Params))
		}
		if fr.args[k] >= 0 {
			l.storeField(fr, fp, fr.args[k], l.value(a))
		}
	}
	raw := l.cur.NewBitCast(fp, types.I8Ptr)

	switch {
	case i.Modifier == ssa.CallAsync:
		call := l.cur.NewCall(fn, raw)
		call.CallingConv = enum.CallingConvFast
		l.attachLocation(call)
		switch typeOf(i).Kind {
		case ssa.KindPointer, ssa.KindAnyFrame:
			return l.castTo(fp, l.llType(i.Type))
		}
		return l.zero(i.Type)

	case suspending:
		if fr.retAwaiter >= 0 {
			l.storeField(fr, fp, fr.retAwaiter, loc)
		}
		if fr.traceAwaiter >= 0 {
			l.storeField(fr, fp, fr.traceAwaiter, l.traceOrNull())
		}
		l.storeField(fr, fp, frameAwaiter, l.ownFrame())
		wantResult := fr.result >= 0 && i.Type.HasBits()
		if wantResult {
			l.saveAwaitResult(loc)
		}
		resume := l.newSuspend()
		call := l.cur.NewCall(fn, raw)
		call.CallingConv = enum.CallingConvFast
		l.attachLocation(call)
		l.cur.NewRet(nil)
		l.cur = resume
		if !wantResult {
			return l.zero(i.Type)
		}
		return l.awaitedValue(l.llType(i.Type))

	default:
		call := l.cur.NewCall(fn, raw)
		call.CallingConv = enum.CallingConvFast
		l.attachLocation(call)
		return l.syncAwait(fr, fp, nil, i.Type)
	}
}
