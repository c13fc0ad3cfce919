package codegen

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
)

func ordering(o ssa.Ordering) enum.AtomicOrdering {
	switch o {
	case ssa.OrderUnordered:
		return enum.AtomicOrderingUnordered
	case ssa.OrderMonotonic:
		return enum.AtomicOrderingMonotonic
	case ssa.OrderAcquire:
		return enum.AtomicOrderingAcquire
	case ssa.OrderRelease:
		return enum.AtomicOrderingRelease
	case ssa.OrderAcqRel:
		return enum.AtomicOrderingAcquireRelease
	default:
		return enum.AtomicOrderingSequentiallyConsistent
	}
}

// atomicOperand is how a value of type t is accessed atomically: integers
// narrower than a byte or of odd widths are widened to a power of two.
type atomicOperand struct {
	t      types.Type
	wide   types.Type
	signed bool
	align  uint32
}

func (l *funcLowerer) atomicOperand(elem *ssa.Type) atomicOperand {
	t := l.llType(elem)
	op := atomicOperand{t: t, wide: t, signed: elem.IsSignedInt(), align: max(elem.Align, 1)}
	if it, ok := t.(*types.IntType); ok {
		n := uint64(8)
		for n < it.BitSize {
			n <<= 1
		}
		if n != it.BitSize {
			op.wide = types.NewInt(n)
			op.align = max(op.align, uint32(n/8))
		}
	}
	return op
}

func (op atomicOperand) widened() bool { return op.wide != op.t }

func (l *funcLowerer) atomicPtr(ptr value.Value, op atomicOperand) value.Value {
	return l.castTo(ptr, types.NewPointer(op.wide))
}

func (l *funcLowerer) widenAtomic(v value.Value, op atomicOperand) value.Value {
	if !op.widened() {
		return v
	}
	return l.resizeTo(v, op.signed, op.wide)
}

func (l *funcLowerer) narrowAtomic(v value.Value, op atomicOperand) value.Value {
	if !op.widened() {
		return v
	}
	return l.cur.NewTrunc(v, op.t)
}

func (l *funcLowerer) lowerAtomicLoad(i *ssa.AtomicLoad) value.Value {
	pt := typeOf(i.Ptr)
	op := l.atomicOperand(pt.Elem)
	ld := l.cur.NewLoad(op.wide, l.atomicPtr(l.value(i.Ptr), op))
	ld.Align = ir.Align(op.align)
	ld.Volatile = pt.Ptr.Volatile
	if !l.s.opts.SingleThreaded {
		ld.Atomic = true
		ld.Ordering = ordering(i.Order)
	}
	return l.narrowAtomic(ld, op)
}

func (l *funcLowerer) lowerAtomicStore(i *ssa.AtomicStore) {
	pt := typeOf(i.Ptr)
	op := l.atomicOperand(pt.Elem)
	st := l.cur.NewStore(l.widenAtomic(l.value(i.Value), op), l.atomicPtr(l.value(i.Ptr), op))
	st.Align = ir.Align(op.align)
	st.Volatile = pt.Ptr.Volatile
	if !l.s.opts.SingleThreaded {
		st.Atomic = true
		st.Ordering = ordering(i.Order)
	}
}

func rmwOp(op ssa.RmwOp, signed, float bool) enum.AtomicOp {
	switch op {
	case ssa.RmwXchg:
		return enum.AtomicOpXChg
	case ssa.RmwAdd:
		if float {
			return enum.AtomicOpFAdd
		}
		return enum.AtomicOpAdd
	case ssa.RmwSub:
		if float {
			return enum.AtomicOpFSub
		}
		return enum.AtomicOpSub
	case ssa.RmwAnd:
		return enum.AtomicOpAnd
	case ssa.RmwNand:
		return enum.AtomicOpNAnd
	case ssa.RmwOr:
		return enum.AtomicOpOr
	case ssa.RmwXor:
		return enum.AtomicOpXor
	case ssa.RmwMax:
		if signed {
			return enum.AtomicOpMax
		}
		return enum.AtomicOpUMax
	case ssa.RmwMin:
		if signed {
			return enum.AtomicOpMin
		}
		return enum.AtomicOpUMin
	}
	errors.Fatal(errors.PhaseLower, "invalid atomic operation %d", op)
	return 0
}

func (l *funcLowerer) lowerAtomicRmw(i *ssa.AtomicRmw) value.Value {
	elem := typeOf(i.Ptr).Elem
	op := l.atomicOperand(elem)
	ptr := l.atomicPtr(l.value(i.Ptr), op)
	v := l.widenAtomic(l.value(i.Value), op)
	if l.s.opts.SingleThreaded {
		old := l.cur.NewLoad(op.wide, ptr)
		old.Align = ir.Align(op.align)
		l.cur.NewStore(l.rmwPlain(i.Op, op.signed, isFloat(elem), old, v), ptr).Align = ir.Align(op.align)
		return l.narrowAtomic(old, op)
	}
	rmw := l.cur.NewAtomicRMW(rmwOp(i.Op, op.signed, isFloat(elem)), ptr, v, ordering(i.Order))
	rmw.Volatile = typeOf(i.Ptr).Ptr.Volatile
	return l.narrowAtomic(rmw, op)
}

// rmwPlain computes the new value of a read-modify-write without atomics.
func (l *funcLowerer) rmwPlain(op ssa.RmwOp, signed, float bool, old, v value.Value) value.Value {
	switch op {
	case ssa.RmwXchg:
		return v
	case ssa.RmwAdd:
		if float {
			return l.cur.NewFAdd(old, v)
		}
		return l.cur.NewAdd(old, v)
	case ssa.RmwSub:
		if float {
			return l.cur.NewFSub(old, v)
		}
		return l.cur.NewSub(old, v)
	case ssa.RmwAnd:
		return l.cur.NewAnd(old, v)
	case ssa.RmwNand:
		return l.not(l.cur.NewAnd(old, v))
	case ssa.RmwOr:
		return l.cur.NewOr(old, v)
	case ssa.RmwXor:
		return l.cur.NewXor(old, v)
	case ssa.RmwMax, ssa.RmwMin:
		pred := enum.IPredUGT
		if signed {
			pred = enum.IPredSGT
		}
		gt := l.cur.NewICmp(pred, old, v)
		if op == ssa.RmwMax {
			return l.cur.NewSelect(gt, old, v)
		}
		return l.cur.NewSelect(gt, v, old)
	}
	errors.Fatal(errors.PhaseLower, "invalid atomic operation %d", op)
	return nil
}

// lowerCmpxchg yields null when the swap happened and the observed value
// otherwise.
func (l *funcLowerer) lowerCmpxchg(i *ssa.Cmpxchg) value.Value {
	elem := typeOf(i.Ptr).Elem
	op := l.atomicOperand(elem)
	ptr := l.atomicPtr(l.value(i.Ptr), op)
	exp := l.widenAtomic(l.value(i.Expected), op)
	nv := l.widenAtomic(l.value(i.New), op)

	var old, ok value.Value
	if l.s.opts.SingleThreaded {
		ld := l.cur.NewLoad(op.wide, ptr)
		ld.Align = ir.Align(op.align)
		ok = l.cur.NewICmp(enum.IPredEQ, ld, exp)
		l.cur.NewStore(l.cur.NewSelect(ok, nv, ld), ptr).Align = ir.Align(op.align)
		old = ld
	} else {
		cx := l.cur.NewCmpXchg(ptr, exp, nv, ordering(i.Success), ordering(i.Failure))
		cx.Weak = i.Weak
		cx.Volatile = typeOf(i.Ptr).Ptr.Volatile
		old = l.cur.NewExtractValue(cx, 0)
		ok = l.cur.NewExtractValue(cx, 1)
	}
	old = l.narrowAtomic(old, op)

	rt := i.Type
	switch rt.OptionalRepr() {
	case ssa.OptBool:
		return l.not(ok)
	case ssa.OptPtr:
		return l.cur.NewSelect(ok, constant.NewNull(old.Type().(*types.PointerType)), old)
	}
	info := l.s.structInfo(rt)
	var v value.Value = constant.NewUndef(info.typ)
	v = l.cur.NewInsertValue(v, old, uint64(info.fields[0]))
	return l.cur.NewInsertValue(v, l.not(ok), uint64(info.fields[1]))
}
