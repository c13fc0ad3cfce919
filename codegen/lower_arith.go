package codegen

import (
	"math/big"

	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
)

func isFloat(t *ssa.Type) bool {
	return t.Scalar().Kind == ssa.KindFloat
}

// intWidth is the bit width of an integer type or of its vector lanes.
func intWidth(t types.Type) uint64 {
	switch t := t.(type) {
	case *types.IntType:
		return t.BitSize
	case *types.VectorType:
		return intWidth(t.ElemType)
	}
	errors.Fatal(errors.PhaseLower, "%s is not an integer type", t)
	return 0
}

// minInt is the most negative value of a signed integer of the given width.
func minInt(bits uint64) *big.Int {
	return new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), uint(bits-1)))
}

func (l *funcLowerer) bigSplat(t types.Type, v *big.Int) constant.Constant {
	return splatConst(t, func(et types.Type) constant.Constant {
		return l.s.intConst(et.(*types.IntType), v)
	})
}

func (l *funcLowerer) not(v value.Value) value.Value {
	return l.cur.NewXor(v, allOnes(v.Type()))
}

// resize converts an integer value between widths, extending by the
// signedness of from.
func (l *funcLowerer) resize(v value.Value, from, to *ssa.Type) value.Value {
	return l.resizeTo(v, from.IsSignedInt(), l.llType(to))
}

func (l *funcLowerer) resizeTo(v value.Value, signed bool, to types.Type) value.Value {
	fw, tw := intWidth(v.Type()), intWidth(to)
	switch {
	case fw == tw:
		return v
	case tw < fw:
		return l.cur.NewTrunc(v, to)
	case signed:
		return l.cur.NewSExt(v, to)
	default:
		return l.cur.NewZExt(v, to)
	}
}

func (l *funcLowerer) lowerBinOp(i *ssa.BinOp) value.Value {
	t := i.Type
	x, y := l.value(i.X), l.value(i.Y)
	if isFloat(t) {
		return l.floatBinOp(i.Op, x, y)
	}
	signed := t.IsSignedInt()
	switch i.Op {
	case ssa.OpAddWrap:
		return l.cur.NewAdd(x, y)
	case ssa.OpSubWrap:
		return l.cur.NewSub(x, y)
	case ssa.OpMulWrap:
		return l.cur.NewMul(x, y)
	case ssa.OpAdd, ssa.OpSub, ssa.OpMul:
		return l.checkedArith(i.Op, signed, x, y)
	case ssa.OpDiv, ssa.OpDivTrunc:
		l.checkDivisor(x, y, signed, PanicDivideByZero)
		if signed {
			return l.cur.NewSDiv(x, y)
		}
		return l.cur.NewUDiv(x, y)
	case ssa.OpDivFloor:
		l.checkDivisor(x, y, signed, PanicDivideByZero)
		if !signed {
			return l.cur.NewUDiv(x, y)
		}
		q := l.cur.NewSDiv(x, y)
		r := l.cur.NewSRem(x, y)
		zero := constant.NewZeroInitializer(x.Type())
		adj := l.cur.NewAnd(
			l.cur.NewICmp(enum.IPredNE, r, zero),
			l.cur.NewICmp(enum.IPredSLT, l.cur.NewXor(r, y), zero))
		return l.cur.NewSelect(adj, l.cur.NewSub(q, intSplat(x.Type(), 1)), q)
	case ssa.OpDivExact:
		l.checkDivisor(x, y, signed, PanicDivideByZero)
		if l.safe() {
			var r value.Value
			if signed {
				r = l.cur.NewSRem(x, y)
			} else {
				r = l.cur.NewURem(x, y)
			}
			l.check(l.cur.NewICmp(enum.IPredEQ, r, constant.NewZeroInitializer(x.Type())), PanicExactDivisionRemainder)
		}
		if signed {
			d := l.cur.NewSDiv(x, y)
			d.Exact = true
			return d
		}
		d := l.cur.NewUDiv(x, y)
		d.Exact = true
		return d
	case ssa.OpRem:
		l.checkNonZero(y, PanicRemainderByZero)
		if signed {
			return l.cur.NewSRem(x, y)
		}
		return l.cur.NewURem(x, y)
	case ssa.OpMod:
		if !signed {
			l.checkNonZero(y, PanicRemainderByZero)
			return l.cur.NewURem(x, y)
		}
		zero := constant.NewZeroInitializer(x.Type())
		if l.safe() {
			l.check(l.cur.NewICmp(enum.IPredSGT, y, zero), PanicRemainderByZero)
		}
		r := l.cur.NewSRem(x, y)
		neg := l.cur.NewICmp(enum.IPredSLT, r, zero)
		return l.cur.NewSelect(neg, l.cur.NewAdd(r, y), r)
	case ssa.OpShl, ssa.OpShlExact, ssa.OpShr, ssa.OpShrExact:
		return l.shift(i.Op, signed, x, y, typeOf(i.Y))
	case ssa.OpAnd:
		return l.cur.NewAnd(x, y)
	case ssa.OpOr:
		return l.cur.NewOr(x, y)
	case ssa.OpXor:
		return l.cur.NewXor(x, y)
	case ssa.OpMin, ssa.OpMax:
		pred := enum.IPredULT
		if signed {
			pred = enum.IPredSLT
		}
		lt := l.cur.NewICmp(pred, x, y)
		if i.Op == ssa.OpMin {
			return l.cur.NewSelect(lt, x, y)
		}
		return l.cur.NewSelect(lt, y, x)
	}
	errors.Fatal(errors.PhaseLower, "invalid integer operation %s", i.Op)
	return nil
}

// checkedArith lowers add, sub and mul that must not overflow. With
// safety on it uses the overflow intrinsics; otherwise the result carries
// no-wrap flags.
func (l *funcLowerer) checkedArith(op ssa.BinOpKind, signed bool, x, y value.Value) value.Value {
	flag := enum.OverflowFlagNUW
	if signed {
		flag = enum.OverflowFlagNSW
	}
	if !l.safe() {
		switch op {
		case ssa.OpAdd:
			r := l.cur.NewAdd(x, y)
			r.OverflowFlags = append(r.OverflowFlags, flag)
			return r
		case ssa.OpSub:
			r := l.cur.NewSub(x, y)
			r.OverflowFlags = append(r.OverflowFlags, flag)
			return r
		default:
			r := l.cur.NewMul(x, y)
			r.OverflowFlags = append(r.OverflowFlags, flag)
			return r
		}
	}
	v, ov := l.withOverflow(op, signed, x, y)
	l.check(l.not(ov), PanicIntegerOverflow)
	return v
}

// withOverflow computes the wrapped result of op and whether it overflowed.
func (l *funcLowerer) withOverflow(op ssa.BinOpKind, signed bool, x, y value.Value) (value.Value, value.Value) {
	var name string
	switch op {
	case ssa.OpAdd, ssa.OpAddWrap:
		name = "add"
	case ssa.OpSub, ssa.OpSubWrap:
		name = "sub"
	case ssa.OpMul, ssa.OpMulWrap:
		name = "mul"
	case ssa.OpShl, ssa.OpShlExact:
		r := l.cur.NewShl(x, y)
		var back value.Value
		if signed {
			back = l.cur.NewAShr(r, y)
		} else {
			back = l.cur.NewLShr(r, y)
		}
		return r, l.cur.NewICmp(enum.IPredNE, back, x)
	default:
		errors.Fatal(errors.PhaseLower, "no overflow form for %s", op)
	}
	r := l.cur.NewCall(l.s.overflowIntrinsic(name, signed, x.Type()), x, y)
	return l.cur.NewExtractValue(r, 0), l.cur.NewExtractValue(r, 1)
}

func (l *funcLowerer) checkNonZero(y value.Value, kind PanicKind) {
	if !l.safe() {
		return
	}
	l.check(l.cur.NewICmp(enum.IPredNE, y, constant.NewZeroInitializer(y.Type())), kind)
}

// checkDivisor rejects a zero divisor and, for signed division, min / -1.
func (l *funcLowerer) checkDivisor(x, y value.Value, signed bool, kind PanicKind) {
	if !l.safe() {
		return
	}
	l.checkNonZero(y, kind)
	if !signed {
		return
	}
	t := x.Type()
	notMin := l.cur.NewICmp(enum.IPredNE, x, l.bigSplat(t, minInt(intWidth(t))))
	notNeg1 := l.cur.NewICmp(enum.IPredNE, y, allOnes(t))
	l.check(l.cur.NewOr(notMin, notNeg1), PanicIntegerOverflow)
}

// shift lowers shl and shr. The amount is checked in its own type when that
// type can hold out-of-range values, then resized to the operand width.
func (l *funcLowerer) shift(op ssa.BinOpKind, signed bool, x, y value.Value, yt *ssa.Type) value.Value {
	t := x.Type()
	bits := intWidth(t)
	if l.safe() {
		if rb := uint64(yt.Scalar().Bits); rb >= 64 || uint64(1)<<rb > bits {
			limit := l.bigSplat(y.Type(), new(big.Int).SetUint64(bits))
			l.check(l.cur.NewICmp(enum.IPredULT, y, limit), PanicShiftAmountTooLarge)
		}
	}
	amt := l.resizeTo(y, false, t)
	switch op {
	case ssa.OpShl:
		return l.cur.NewShl(x, amt)
	case ssa.OpShlExact:
		if l.safe() {
			r, ov := l.withOverflow(op, signed, x, amt)
			l.check(l.not(ov), PanicShlOverflow)
			return r
		}
		r := l.cur.NewShl(x, amt)
		if signed {
			r.OverflowFlags = append(r.OverflowFlags, enum.OverflowFlagNSW)
		} else {
			r.OverflowFlags = append(r.OverflowFlags, enum.OverflowFlagNUW)
		}
		return r
	}
	var r value.Value
	if signed {
		sh := l.cur.NewAShr(x, amt)
		sh.Exact = op == ssa.OpShrExact && !l.safe()
		r = sh
	} else {
		sh := l.cur.NewLShr(x, amt)
		sh.Exact = op == ssa.OpShrExact && !l.safe()
		r = sh
	}
	if op == ssa.OpShrExact && l.safe() {
		back := l.cur.NewShl(r, amt)
		l.check(l.cur.NewICmp(enum.IPredEQ, back, x), PanicShrOverflow)
	}
	return r
}

func (l *funcLowerer) floatBinOp(op ssa.BinOpKind, x, y value.Value) value.Value {
	t := x.Type()
	switch op {
	case ssa.OpAdd, ssa.OpAddWrap:
		return l.cur.NewFAdd(x, y)
	case ssa.OpSub, ssa.OpSubWrap:
		return l.cur.NewFSub(x, y)
	case ssa.OpMul, ssa.OpMulWrap:
		return l.cur.NewFMul(x, y)
	case ssa.OpDiv, ssa.OpDivExact:
		return l.cur.NewFDiv(x, y)
	case ssa.OpDivTrunc:
		return l.cur.NewCall(l.s.unaryIntrinsic("trunc", t), l.cur.NewFDiv(x, y))
	case ssa.OpDivFloor:
		return l.cur.NewCall(l.s.unaryIntrinsic("floor", t), l.cur.NewFDiv(x, y))
	case ssa.OpRem:
		return l.cur.NewFRem(x, y)
	case ssa.OpMod:
		r := l.cur.NewFRem(x, y)
		zero := constant.NewZeroInitializer(t)
		adj := l.cur.NewAnd(
			l.cur.NewFCmp(enum.FPredONE, r, zero),
			l.cur.NewXor(l.cur.NewFCmp(enum.FPredOLT, r, zero), l.cur.NewFCmp(enum.FPredOLT, y, zero)))
		return l.cur.NewSelect(adj, l.cur.NewFAdd(r, y), r)
	case ssa.OpMin:
		return l.cur.NewCall(l.s.intrinsic("llvm.minnum."+typeSuffix(t), t, t, t), x, y)
	case ssa.OpMax:
		return l.cur.NewCall(l.s.intrinsic("llvm.maxnum."+typeSuffix(t), t, t, t), x, y)
	}
	errors.Fatal(errors.PhaseLower, "invalid float operation %s", op)
	return nil
}

func ipred(p ssa.CmpPred, signed bool) enum.IPred {
	switch p {
	case ssa.CmpEq:
		return enum.IPredEQ
	case ssa.CmpNe:
		return enum.IPredNE
	case ssa.CmpLt:
		if signed {
			return enum.IPredSLT
		}
		return enum.IPredULT
	case ssa.CmpLe:
		if signed {
			return enum.IPredSLE
		}
		return enum.IPredULE
	case ssa.CmpGt:
		if signed {
			return enum.IPredSGT
		}
		return enum.IPredUGT
	default:
		if signed {
			return enum.IPredSGE
		}
		return enum.IPredUGE
	}
}

func fpred(p ssa.CmpPred) enum.FPred {
	switch p {
	case ssa.CmpEq:
		return enum.FPredOEQ
	case ssa.CmpNe:
		return enum.FPredUNE
	case ssa.CmpLt:
		return enum.FPredOLT
	case ssa.CmpLe:
		return enum.FPredOLE
	case ssa.CmpGt:
		return enum.FPredOGT
	default:
		return enum.FPredOGE
	}
}

func (l *funcLowerer) lowerCmp(i *ssa.Cmp) value.Value {
	t := typeOf(i.X)
	if !t.HasBits() {
		return constant.NewBool(i.Pred == ssa.CmpEq || i.Pred == ssa.CmpLe || i.Pred == ssa.CmpGe)
	}
	x, y := l.value(i.X), l.value(i.Y)
	if isFloat(t) {
		return l.cur.NewFCmp(fpred(i.Pred), x, y)
	}
	return l.cur.NewICmp(ipred(i.Pred, t.IsSignedInt()), x, y)
}

func (l *funcLowerer) lowerNegate(i *ssa.Negate) value.Value {
	x := l.value(i.X)
	if isFloat(i.Type) {
		return l.cur.NewFNeg(x)
	}
	zero := constant.NewZeroInitializer(x.Type())
	if i.Wrap {
		return l.cur.NewSub(zero, x)
	}
	return l.checkedArith(ssa.OpSub, i.Type.IsSignedInt(), zero, x)
}

// lowerOverflowOp stores the wrapped result through Result and yields the
// overflow bit.
func (l *funcLowerer) lowerOverflowOp(i *ssa.OverflowOp) value.Value {
	xt := typeOf(i.X)
	x, y := l.value(i.X), l.value(i.Y)
	if i.Op == ssa.OpShl || i.Op == ssa.OpShlExact {
		y = l.resizeTo(y, false, x.Type())
	}
	r, ov := l.withOverflow(i.Op, xt.IsSignedInt(), x, y)
	l.cur.NewStore(r, l.value(i.Result))
	return ov
}

func (l *funcLowerer) lowerBitOp(i *ssa.BitOp) value.Value {
	x := l.value(i.X)
	t := x.Type()
	var r value.Value
	switch i.Op {
	case ssa.BitClz, ssa.BitCtz:
		name := "llvm.ctlz."
		if i.Op == ssa.BitCtz {
			name = "llvm.cttz."
		}
		r = l.cur.NewCall(l.s.intrinsic(name+typeSuffix(t), t, t, types.I1), x, constant.NewBool(false))
	case ssa.BitPopCount:
		r = l.cur.NewCall(l.s.unaryIntrinsic("ctpop", t), x)
	case ssa.BitByteSwap:
		return l.byteSwap(x)
	case ssa.BitReverse:
		return l.cur.NewCall(l.s.unaryIntrinsic("bitreverse", t), x)
	default:
		errors.Fatal(errors.PhaseLower, "invalid bit operation %d", i.Op)
	}
	return l.resizeTo(r, false, l.llType(i.Type))
}

// byteSwap swaps bytes; widths that are an odd number of bytes are swapped
// in a wider integer and shifted back.
func (l *funcLowerer) byteSwap(x value.Value) value.Value {
	t := x.Type()
	bits := intWidth(t)
	if bits == 8 {
		return x
	}
	if bits%16 == 0 {
		return l.cur.NewCall(l.s.unaryIntrinsic("bswap", t), x)
	}
	wide := widenInt(t, bits+8)
	w := l.cur.NewZExt(x, wide)
	sw := l.cur.NewCall(l.s.unaryIntrinsic("bswap", wide), w)
	return l.cur.NewTrunc(l.cur.NewLShr(sw, intSplat(wide, 8)), t)
}

// widenInt is an integer (vector) type like t with lanes of the given width.
func widenInt(t types.Type, bits uint64) types.Type {
	if vt, ok := t.(*types.VectorType); ok {
		return types.NewVector(vt.Len, types.NewInt(bits))
	}
	return types.NewInt(bits)
}

var floatOpNames = map[ssa.FloatOpKind]string{
	ssa.FloatSqrt:  "sqrt",
	ssa.FloatSin:   "sin",
	ssa.FloatCos:   "cos",
	ssa.FloatExp:   "exp",
	ssa.FloatExp2:  "exp2",
	ssa.FloatLog:   "log",
	ssa.FloatLog2:  "log2",
	ssa.FloatLog10: "log10",
	ssa.FloatFabs:  "fabs",
	ssa.FloatFloor: "floor",
	ssa.FloatCeil:  "ceil",
	ssa.FloatTrunc: "trunc",
	ssa.FloatRound: "round",
}

func (l *funcLowerer) lowerFloatOp(i *ssa.FloatOp) value.Value {
	name, ok := floatOpNames[i.Op]
	if !ok {
		errors.Fatal(errors.PhaseLower, "invalid float operation %d", i.Op)
	}
	x := l.value(i.X)
	return l.cur.NewCall(l.s.unaryIntrinsic(name, x.Type()), x)
}
