package codegen

import (
	"math"
	"math/big"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/wippyai/llgen/ssa"
)

func (l *funcLowerer) lowerIntCast(i *ssa.IntCast) value.Value {
	from, to := typeOf(i.X), i.Type
	x := l.value(i.X)
	ft, tt := x.Type(), l.llType(to)
	fw, tw := intWidth(ft), intWidth(tt)
	srcSigned, dstSigned := from.IsSignedInt(), to.IsSignedInt()
	zero := constant.NewZeroInitializer(ft)

	if l.safe() && srcSigned && !dstSigned {
		l.check(l.cur.NewICmp(enum.IPredSGE, x, zero), PanicNegativeToUnsigned)
	}
	switch {
	case tw < fw:
		t := l.cur.NewTrunc(x, tt)
		if l.safe() {
			back := l.resizeTo(t, dstSigned, ft)
			l.check(l.cur.NewICmp(enum.IPredEQ, back, x), PanicCastTruncatedData)
		}
		return t
	case tw > fw:
		return l.resizeTo(x, srcSigned, tt)
	default:
		if l.safe() && !srcSigned && dstSigned {
			l.check(l.cur.NewICmp(enum.IPredSGE, x, zero), PanicCastTruncatedData)
		}
		return x
	}
}

func (l *funcLowerer) lowerTruncate(i *ssa.Truncate) value.Value {
	x := l.value(i.X)
	tt := l.llType(i.Type)
	if intWidth(x.Type()) == intWidth(tt) {
		return x
	}
	return l.resizeTo(x, typeOf(i.X).IsSignedInt(), tt)
}

func (l *funcLowerer) lowerFloatCast(i *ssa.FloatCast) value.Value {
	x := l.value(i.X)
	fb, tb := typeOf(i.X).Scalar().Bits, i.Type.Scalar().Bits
	tt := l.llType(i.Type)
	switch {
	case tb < fb:
		return l.cur.NewFPTrunc(x, tt)
	case tb > fb:
		return l.cur.NewFPExt(x, tt)
	default:
		return x
	}
}

func (l *funcLowerer) lowerIntToFloat(i *ssa.IntToFloat) value.Value {
	x := l.value(i.X)
	if typeOf(i.X).IsSignedInt() {
		return l.cur.NewSIToFP(x, l.llType(i.Type))
	}
	return l.cur.NewUIToFP(x, l.llType(i.Type))
}

// maxFinite is the largest finite value of a float width, approximated
// from above for widths beyond float64.
func maxFinite(bits uint32) float64 {
	switch bits {
	case 16:
		return 65504
	case 32:
		return math.MaxFloat32
	default:
		return math.MaxFloat64
	}
}

// lowerFloatToInt checks that the integer part fits the destination:
// lo <= x < hi with lo and hi exact powers of two.
func (l *funcLowerer) lowerFloatToInt(i *ssa.FloatToInt) value.Value {
	from, to := typeOf(i.X), i.Type
	x := l.value(i.X)
	signed := to.IsSignedInt()
	bits := to.Scalar().Bits
	if l.safe() {
		ft := x.Type()
		fl := func(v float64) constant.Constant {
			return splatConst(ft, func(et types.Type) constant.Constant {
				return constant.NewFloat(et.(*types.FloatType), v)
			})
		}
		var lo, hi float64
		loPred := enum.FPredOGT
		if signed {
			lo = -math.Ldexp(1, int(bits)-1)
			hi = math.Ldexp(1, int(bits)-1)
			loPred = enum.FPredOGE
		} else {
			lo = -1
			hi = math.Ldexp(1, int(bits))
		}
		lim := maxFinite(from.Scalar().Bits)
		var ok value.Value
		if -lo <= lim {
			ok = l.cur.NewFCmp(loPred, x, fl(lo))
		} else {
			ok = l.cur.NewFCmp(enum.FPredORD, x, x)
		}
		if hi <= lim {
			ok = l.cur.NewAnd(ok, l.cur.NewFCmp(enum.FPredOLT, x, fl(hi)))
		} else {
			ok = l.cur.NewAnd(ok, l.cur.NewFCmp(enum.FPredONE, x, fl(math.Inf(1))))
		}
		l.check(ok, PanicFloatToInt)
	}
	if signed {
		return l.cur.NewFPToSI(x, l.llType(to))
	}
	return l.cur.NewFPToUI(x, l.llType(to))
}

// pointerOf returns the pointer type behind an optional pointer.
func pointerOf(t *ssa.Type) *ssa.Type {
	if t.Kind == ssa.KindOptional {
		return t.Elem
	}
	return t
}

// nullable reports whether a pointer-like type admits the zero address.
func nullable(t *ssa.Type) bool {
	if t.Kind == ssa.KindOptional {
		return true
	}
	return t.Kind == ssa.KindPointer && (t.Ptr.AllowZero || t.Ptr.Size == ssa.PtrC)
}

func ptrAlignOf(t *ssa.Type) uint32 {
	p := pointerOf(t)
	if p.Kind != ssa.KindPointer {
		return 1
	}
	return p.PtrAlign()
}

// checkAligned verifies that address addr is a multiple of align.
func (l *funcLowerer) checkAligned(addr value.Value, align uint32) {
	if align <= 1 || !l.safe() {
		return
	}
	low := l.cur.NewAnd(addr, constant.NewInt(l.s.usize, int64(align-1)))
	l.check(l.cur.NewICmp(enum.IPredEQ, low, constant.NewInt(l.s.usize, 0)), PanicIncorrectAlignment)
}

func (l *funcLowerer) lowerPtrToInt(i *ssa.PtrToInt) value.Value {
	x := l.value(i.X)
	if typeOf(i.X).Kind == ssa.KindSlice {
		x = l.cur.NewExtractValue(x, 0)
	}
	return l.cur.NewPtrToInt(x, l.llType(i.Type))
}

func (l *funcLowerer) lowerIntToPtr(i *ssa.IntToPtr) value.Value {
	x := l.resizeTo(l.value(i.X), false, l.s.usize)
	if l.safe() {
		if !nullable(i.Type) {
			l.check(l.cur.NewICmp(enum.IPredNE, x, constant.NewInt(l.s.usize, 0)), PanicCastToNull)
		}
		l.checkAligned(x, ptrAlignOf(i.Type))
	}
	return l.cur.NewIntToPtr(x, l.llType(i.Type))
}

func (l *funcLowerer) lowerPtrCast(i *ssa.PtrCast) value.Value {
	from, to := typeOf(i.X), i.Type
	x := l.value(i.X)
	if l.safe() {
		var addr value.Value
		if nullable(from) && !nullable(to) {
			addr = l.cur.NewPtrToInt(x, l.s.usize)
			l.check(l.cur.NewICmp(enum.IPredNE, addr, constant.NewInt(l.s.usize, 0)), PanicCastToNull)
		}
		if ptrAlignOf(to) > ptrAlignOf(from) {
			if addr == nil {
				addr = l.cur.NewPtrToInt(x, l.s.usize)
			}
			l.checkAligned(addr, ptrAlignOf(to))
		}
	}
	return l.castTo(x, l.llType(to))
}

func (l *funcLowerer) lowerAlignCast(i *ssa.AlignCast) value.Value {
	x := l.value(i.X)
	rt := l.llType(i.Type)
	if typeOf(i.X).Kind == ssa.KindSlice {
		p := l.cur.NewExtractValue(x, 0)
		l.checkAligned(l.cur.NewPtrToInt(p, l.s.usize), i.Type.PtrAlign())
		st := rt.(*types.StructType)
		return l.cur.NewInsertValue(x, l.castTo(p, st.Fields[0]), 0)
	}
	if l.safe() {
		l.checkAligned(l.cur.NewPtrToInt(x, l.s.usize), ptrAlignOf(i.Type))
	}
	return l.castTo(x, rt)
}

func isScalarType(t types.Type) bool {
	switch t.(type) {
	case *types.IntType, *types.FloatType, *types.PointerType, *types.VectorType:
		return true
	default:
		return false
	}
}

// lowerBitCast reinterprets bits. Aggregates go through a stack temporary.
func (l *funcLowerer) lowerBitCast(i *ssa.BitCast) value.Value {
	from, to := typeOf(i.X), i.Type
	x := l.value(i.X)
	ft, tt := x.Type(), l.llType(to)
	if sameType(ft, tt) {
		return x
	}
	if !to.HasBits() {
		return l.zero(to)
	}
	_, fromPtr := ft.(*types.PointerType)
	_, toPtr := tt.(*types.PointerType)
	if isScalarType(ft) && isScalarType(tt) {
		if fromPtr || toPtr {
			return l.castTo(x, tt)
		}
		return l.cur.NewBitCast(x, tt)
	}
	tmp := l.allocaIn(ft, max(from.Align, to.Align, 1), "bitcast")
	l.cur.NewStore(x, tmp)
	ld := l.cur.NewLoad(tt, l.cur.NewBitCast(tmp, types.NewPointer(tt)))
	ld.Align = ir.Align(max(from.Align, to.Align, 1))
	return ld
}

// validSwitch emits a switch on x that continues only for the listed
// values and fails with kind otherwise.
func (l *funcLowerer) validSwitch(x value.Value, vals []constant.Constant, kind PanicKind) {
	ok := l.newBlock("Valid")
	seen := make(map[string]bool, len(vals))
	cases := make([]*ir.Case, 0, len(vals))
	for _, v := range vals {
		key := v.Ident()
		if seen[key] {
			continue
		}
		seen[key] = true
		cases = append(cases, ir.NewCase(v, ok))
	}
	l.cur.NewSwitch(x, l.failBlock(kind), cases...)
	l.cur = ok
}

func (l *funcLowerer) lowerIntToEnum(i *ssa.IntToEnum) value.Value {
	e := i.Type
	x := l.resize(l.value(i.X), typeOf(i.X), e.Tag)
	if l.safe() && !e.NonExhaustive && len(e.Members) > 0 {
		it := l.llType(e.Tag).(*types.IntType)
		vals := make([]constant.Constant, len(e.Members))
		for k, m := range e.Members {
			vals[k] = l.s.intConst(it, big.NewInt(m.Value))
		}
		l.validSwitch(x, vals, PanicInvalidEnumValue)
	}
	return x
}

// maxErrorCode is the largest code in the global error set.
func (l *funcLowerer) maxErrorCode() int64 {
	var m uint32
	for _, e := range l.s.src.Errors {
		m = max(m, e.Code)
	}
	return int64(m)
}

func (l *funcLowerer) lowerIntToErr(i *ssa.IntToErr) value.Value {
	x := l.value(i.X)
	if l.safe() {
		xt := x.Type()
		nonZero := l.cur.NewICmp(enum.IPredNE, x, constant.NewInt(xt.(*types.IntType), 0))
		inRange := l.cur.NewICmp(enum.IPredULE, x, constant.NewInt(xt.(*types.IntType), l.maxErrorCode()))
		l.check(l.cur.NewAnd(nonZero, inRange), PanicInvalidErrorCode)
	}
	return l.resizeTo(x, false, l.s.errInt)
}

// lowerErrSetCast narrows an error to a smaller set, checking membership
// unless the source set is already a subset.
func (l *funcLowerer) lowerErrSetCast(i *ssa.ErrSetCast) value.Value {
	x := l.value(i.X)
	from, to := typeOf(i.X), i.Type
	if !l.safe() || to.Errors == nil || subsetOf(from, to) {
		return x
	}
	vals := make([]constant.Constant, len(to.Errors))
	for k, e := range to.Errors {
		vals[k] = constant.NewInt(l.s.errInt, int64(e.Code))
	}
	l.validSwitch(x, vals, PanicInvalidErrorCode)
	return x
}

func subsetOf(from, to *ssa.Type) bool {
	if from.Errors == nil {
		return false
	}
	in := make(map[uint32]bool, len(to.Errors))
	for _, e := range to.Errors {
		in[e.Code] = true
	}
	for _, e := range from.Errors {
		if !in[e.Code] {
			return false
		}
	}
	return true
}

func (l *funcLowerer) lowerVectorToArray(i *ssa.VectorToArray) value.Value {
	x := l.value(i.X)
	at := l.llType(i.Type)
	var out value.Value = constant.NewUndef(at)
	for k := uint64(0); k < i.Type.Len; k++ {
		e := l.cur.NewExtractElement(x, i32(int64(k)))
		out = l.cur.NewInsertValue(out, e, k)
	}
	return out
}

func (l *funcLowerer) lowerArrayToVector(i *ssa.ArrayToVector) value.Value {
	x := l.value(i.X)
	vt := l.llType(i.Type)
	var out value.Value = constant.NewUndef(vt)
	for k := uint64(0); k < i.Type.Len; k++ {
		e := l.cur.NewExtractValue(x, k)
		out = l.cur.NewInsertElement(out, e, i32(int64(k)))
	}
	return out
}
