package codegen

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// safe reports whether runtime safety is on at the instruction being lowered.
func (l *funcLowerer) safe() bool {
	return l.s.wantSafety(l.scope)
}

// check branches to a panic of kind when ok is false. ok may be a bool
// vector, in which case every lane must hold.
func (l *funcLowerer) check(ok value.Value, kind PanicKind) {
	if !l.safe() && kind.Policy() == PolicyOmit {
		return
	}
	if vt, isVec := ok.Type().(*types.VectorType); isVec {
		ok = l.cur.NewCall(l.s.reduceIntrinsic("and", vt), ok)
	}
	okBlk := l.newBlock("Ok")
	fail := l.newBlock("Fail")
	l.cur.NewCondBr(ok, okBlk, fail)
	l.cur = fail
	l.fail(kind)
	l.cur = okBlk
}

// crash ends the current block with an unconditional failure of kind and
// continues lowering in a fresh unreachable block.
func (l *funcLowerer) crash(kind PanicKind) {
	l.fail(kind)
	l.dead = l.newBlock("Dead")
	l.cur = l.dead
}

// fail terminates the current block with the panic call for kind, a trap,
// or a bare unreachable depending on safety and policy.
func (l *funcLowerer) fail(kind PanicKind) {
	switch {
	case l.safe():
		msg := l.s.panicMessage(kind)
		l.callPanic(bytesPtr(msg), constant.NewInt(l.s.usize, int64(len(kind.Message()))))
		return
	case kind.Policy() == PolicyTrap:
		l.cur.NewCall(l.s.intrinsic("llvm.trap", types.Void))
	}
	l.cur.NewUnreachable()
}

// callPanic calls the panic routine with a message and the current trace.
func (l *funcLowerer) callPanic(msg, n value.Value) {
	fn := l.s.panicFunc()
	call := l.cur.NewCall(fn, msg, n, l.traceOrNull())
	call.FuncAttrs = append(call.FuncAttrs, enum.FuncAttrNoReturn)
	l.attachLocation(call)
	l.cur.NewUnreachable()
}

// failBlock creates a detached block ending in a failure of kind.
func (l *funcLowerer) failBlock(kind PanicKind) *ir.Block {
	saved := l.cur
	blk := l.newBlock("Fail")
	l.cur = blk
	l.fail(kind)
	l.cur = saved
	return blk
}
