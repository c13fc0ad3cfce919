package codegen

import (
	"math"

	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
)

func (l *funcLowerer) lowerSplat(i *ssa.Splat) value.Value {
	vt := l.llType(i.Type).(*types.VectorType)
	x := l.value(i.X)
	one := l.cur.NewInsertElement(constant.NewUndef(vt), x, i32(0))
	mask := constant.NewZeroInitializer(types.NewVector(vt.Len, types.I32))
	return l.cur.NewShuffleVector(one, constant.NewUndef(vt), mask)
}

// widen pads a vector to n lanes with undefined lanes.
func (l *funcLowerer) widen(v value.Value, n uint64) value.Value {
	vt := v.Type().(*types.VectorType)
	if vt.Len == n {
		return v
	}
	lanes := make([]constant.Constant, n)
	for k := range lanes {
		if uint64(k) < vt.Len {
			lanes[k] = i32(int64(k))
		} else {
			lanes[k] = constant.NewUndef(types.I32)
		}
	}
	mask := constant.NewVector(types.NewVector(n, types.I32), lanes...)
	return l.cur.NewShuffleVector(v, constant.NewUndef(vt), mask)
}

func (l *funcLowerer) lowerShuffle(i *ssa.Shuffle) value.Value {
	a := l.value(i.A)
	at := a.Type().(*types.VectorType)
	var b value.Value
	width := at.Len
	if i.B != nil {
		b = l.value(i.B)
		width = max(width, b.Type().(*types.VectorType).Len)
	}
	a = l.widen(a, width)
	if b == nil {
		b = constant.NewUndef(a.Type())
	} else {
		b = l.widen(b, width)
	}
	lanes := make([]constant.Constant, len(i.Mask))
	for k, m := range i.Mask {
		switch {
		case m >= 0:
			lanes[k] = i32(int64(m))
		case i.B == nil:
			lanes[k] = constant.NewUndef(types.I32)
		default:
			lanes[k] = i32(int64(width) + int64(^m))
		}
	}
	mask := constant.NewVector(types.NewVector(uint64(len(lanes)), types.I32), lanes...)
	return l.cur.NewShuffleVector(a, b, mask)
}

func (l *funcLowerer) lowerReduce(i *ssa.Reduce) value.Value {
	xt := typeOf(i.X)
	x := l.value(i.X)
	vt := x.Type().(*types.VectorType)
	if isFloat(xt) {
		switch i.Op {
		case ssa.ReduceAdd:
			return l.cur.NewCall(l.s.reduceIntrinsic("fadd", vt), constant.NewFloat(vt.ElemType.(*types.FloatType), math.Copysign(0, -1)), x)
		case ssa.ReduceMul:
			return l.cur.NewCall(l.s.reduceIntrinsic("fmul", vt), constant.NewFloat(vt.ElemType.(*types.FloatType), 1), x)
		case ssa.ReduceMin:
			return l.cur.NewCall(l.s.reduceIntrinsic("fmin", vt), x)
		case ssa.ReduceMax:
			return l.cur.NewCall(l.s.reduceIntrinsic("fmax", vt), x)
		}
		errors.Fatal(errors.PhaseLower, "invalid float reduction %d", i.Op)
	}
	signed := xt.IsSignedInt()
	var op string
	switch i.Op {
	case ssa.ReduceAnd:
		op = "and"
	case ssa.ReduceOr:
		op = "or"
	case ssa.ReduceXor:
		op = "xor"
	case ssa.ReduceAdd:
		op = "add"
	case ssa.ReduceMul:
		op = "mul"
	case ssa.ReduceMin:
		op = "umin"
		if signed {
			op = "smin"
		}
	case ssa.ReduceMax:
		op = "umax"
		if signed {
			op = "smax"
		}
	default:
		errors.Fatal(errors.PhaseLower, "invalid reduction %d", i.Op)
	}
	return l.cur.NewCall(l.s.reduceIntrinsic(op, vt), x)
}
