package codegen

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// traceSupport holds the error return trace type and its helper functions.
type traceSupport struct {
	typ   *types.StructType
	add   *ir.Func
	merge *ir.Func
}

// StackTrace field indices.
const (
	traceIndex = 0
	traceAddrs = 1
)

func (s *Session) traceSupport() *traceSupport {
	if s.trace == nil {
		addrs := types.NewStruct(types.NewPointer(s.usize), s.usize)
		st := types.NewStruct(s.usize, addrs)
		s.mod.NewTypeDef("StackTrace", st)
		s.trace = &traceSupport{typ: st}
	}
	return s.trace
}

// traceType is %StackTrace = {index usize, addresses {usize*, usize}}.
func (s *Session) traceType() *types.StructType {
	return s.traceSupport().typ
}

func (s *Session) tracePtrType() *types.PointerType {
	return types.NewPointer(s.traceType())
}

// traceAddFunc returns add_err_ret_trace_addr, which records addr in the
// ring at index & (len-1) and advances the index.
func (s *Session) traceAddFunc() *ir.Func {
	ts := s.traceSupport()
	if ts.add != nil {
		return ts.add
	}
	trace := ir.NewParam("trace", s.tracePtrType())
	addr := ir.NewParam("addr", s.usize)
	f := s.mod.NewFunc("add_err_ret_trace_addr", types.Void, trace, addr)
	f.Linkage = enum.LinkageInternal
	f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoUnwind)
	if s.opts.Mode.SafetyDefault() {
		f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoInline)
	}
	ts.add = f

	b := f.NewBlock("Entry")
	idxPtr := b.NewGetElementPtr(ts.typ, trace, i32(0), i32(traceIndex))
	idx := b.NewLoad(s.usize, idxPtr)
	n := b.NewLoad(s.usize, b.NewGetElementPtr(ts.typ, trace, i32(0), i32(traceAddrs), i32(1)))
	base := b.NewLoad(types.NewPointer(s.usize), b.NewGetElementPtr(ts.typ, trace, i32(0), i32(traceAddrs), i32(0)))
	mask := b.NewSub(n, constant.NewInt(s.usize, 1))
	slot := b.NewGetElementPtr(s.usize, base, b.NewAnd(idx, mask))
	b.NewStore(addr, slot)
	b.NewStore(b.NewAdd(idx, constant.NewInt(s.usize, 1)), idxPtr)
	b.NewRet(nil)
	return f
}

// traceMergeFunc returns merge_err_ret_traces, which appends the live
// entries of src to dest, oldest first. Either trace may be null.
func (s *Session) traceMergeFunc() *ir.Func {
	ts := s.traceSupport()
	if ts.merge != nil {
		return ts.merge
	}
	add := s.traceAddFunc()
	dest := ir.NewParam("dest", s.tracePtrType())
	src := ir.NewParam("src", s.tracePtrType())
	f := s.mod.NewFunc("merge_err_ret_traces", types.Void, dest, src)
	f.Linkage = enum.LinkageInternal
	f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoUnwind)
	ts.merge = f

	entry := f.NewBlock("Entry")
	checkSrc := f.NewBlock("CheckSrc")
	body := f.NewBlock("Body")
	loop := f.NewBlock("Loop")
	next := f.NewBlock("Next")
	done := f.NewBlock("Done")

	null := constant.NewNull(s.tracePtrType())
	entry.NewCondBr(entry.NewICmp(enum.IPredEQ, dest, null), done, checkSrc)
	checkSrc.NewCondBr(checkSrc.NewICmp(enum.IPredEQ, src, null), done, body)

	srcIdx := body.NewLoad(s.usize, body.NewGetElementPtr(ts.typ, src, i32(0), i32(traceIndex)))
	srcLen := body.NewLoad(s.usize, body.NewGetElementPtr(ts.typ, src, i32(0), i32(traceAddrs), i32(1)))
	srcBase := body.NewLoad(types.NewPointer(s.usize), body.NewGetElementPtr(ts.typ, src, i32(0), i32(traceAddrs), i32(0)))
	mask := body.NewSub(srcLen, constant.NewInt(s.usize, 1))
	wrapped := body.NewICmp(enum.IPredUGE, srcIdx, srcLen)
	count := body.NewSelect(wrapped, srcLen, srcIdx)
	start := body.NewSelect(wrapped, body.NewAnd(srcIdx, mask), constant.NewInt(s.usize, 0))
	body.NewBr(loop)

	i := newPhi(loop, s.usize)
	loop.NewCondBr(loop.NewICmp(enum.IPredULT, i, count), next, done)

	pos := next.NewAnd(next.NewAdd(start, i), mask)
	v := next.NewLoad(s.usize, next.NewGetElementPtr(s.usize, srcBase, pos))
	next.NewCall(add, dest, v)
	inc := next.NewAdd(i, constant.NewInt(s.usize, 1))
	next.NewBr(loop)

	i.Incs = append(i.Incs, ir.NewIncoming(constant.NewInt(s.usize, 0), body), ir.NewIncoming(inc, next))
	done.NewRet(nil)
	return f
}

// newPhi appends an empty phi of type t to b; incomings are added later.
func newPhi(b *ir.Block, t types.Type) *ir.InstPhi {
	phi := &ir.InstPhi{Typ: t}
	b.Insts = append(b.Insts, phi)
	return phi
}

func i32(v int64) *constant.Int {
	return constant.NewInt(types.I32, v)
}

// needsTraceParam reports whether a function with this signature receives
// the caller's trace as a hidden parameter.
func (s *Session) needsTraceParam(returnsError bool) bool {
	return s.tracing() && returnsError
}

// traceValue returns the trace of the function being lowered, allocating
// and initialising a local one on first use when none was passed in.
func (l *funcLowerer) traceValue() value.Value {
	if l.trace != nil {
		return l.trace
	}
	s := l.s
	n := int64(s.opts.TraceCapacity)
	ts := s.traceSupport()
	st := l.allocaIn(ts.typ, uint32(s.tgt.PtrBytes()), "trace")
	arrT := types.NewArray(uint64(n), s.usize)
	arr := l.allocaIn(arrT, uint32(s.tgt.PtrBytes()), "trace.addrs")
	l.initTrace(l.entry, st, arr, arrT, n)
	l.trace = st
	return st
}

// initTrace zeroes the index of trace and points its addresses at arr.
func (l *funcLowerer) initTrace(b *ir.Block, trace, arr value.Value, arrT types.Type, n int64) {
	s := l.s
	ts := s.traceSupport()
	b.NewStore(constant.NewInt(s.usize, 0), b.NewGetElementPtr(ts.typ, trace, i32(0), i32(traceIndex)))
	first := b.NewGetElementPtr(arrT, arr, i32(0), i32(0))
	b.NewStore(first, b.NewGetElementPtr(ts.typ, trace, i32(0), i32(traceAddrs), i32(0)))
	b.NewStore(constant.NewInt(s.usize, n), b.NewGetElementPtr(ts.typ, trace, i32(0), i32(traceAddrs), i32(1)))
}

// traceOrNull is the current trace, or null when tracing is off.
func (l *funcLowerer) traceOrNull() value.Value {
	if !l.s.tracing() {
		return constant.NewNull(l.s.tracePtrType())
	}
	return l.traceValue()
}

// pushReturnAddress records the caller's address in the trace. Async
// functions have no meaningful return address and record their own.
func (l *funcLowerer) pushReturnAddress() {
	if !l.s.tracing() {
		return
	}
	s := l.s
	var addr value.Value
	if l.fn.Async {
		addr = l.cur.NewPtrToInt(l.irFn, s.usize)
	} else {
		ra := l.cur.NewCall(s.addressIntrinsic("returnaddress"), i32(0))
		addr = l.cur.NewPtrToInt(ra, s.usize)
	}
	l.cur.NewCall(s.traceAddFunc(), l.traceValue(), addr)
}

// mergeTraces appends src to dest through the module helper.
func (l *funcLowerer) mergeTraces(dest, src value.Value) {
	l.cur.NewCall(l.s.traceMergeFunc(), dest, src)
}
