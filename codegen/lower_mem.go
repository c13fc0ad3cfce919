package codegen

import (
	"math/big"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
)

// undefByte fills memory written with undefined values in safe builds.
const undefByte = 0xaa

// valgrindMakeMemUndefined is the VALGRIND_MAKE_MEM_UNDEFINED client request.
const valgrindMakeMemUndefined = 0x4D430001

func (l *funcLowerer) lowerAlloca(i *ssa.Alloca) value.Value {
	rt := l.llType(i.Type)
	if l.fn.Async && i.Slot >= 0 {
		return l.slotPtr(i.Slot, rt)
	}
	if !i.Elem.HasBits() {
		align := max(int64(i.Align), 1)
		return constant.NewIntToPtr(constant.NewInt(l.s.usize, align), rt.(*types.PointerType))
	}
	a := l.allocaIn(l.llType(i.Elem), max(i.Align, i.Elem.Align), i.Name)
	return l.castTo(a, rt)
}

func (l *funcLowerer) lowerLoad(i *ssa.Load) value.Value {
	pt := typeOf(i.Ptr)
	if !i.Type.HasBits() {
		return l.zero(i.Type)
	}
	ptr := l.value(i.Ptr)
	if pt.Ptr.HostBytes != 0 {
		return l.loadPacked(ptr, pt, i.Type)
	}
	ld := l.cur.NewLoad(l.llType(i.Type), l.castTo(ptr, l.s.elemPtrType(i.Type)))
	ld.Align = ir.Align(pt.PtrAlign())
	ld.Volatile = pt.Ptr.Volatile
	return ld
}

func (l *funcLowerer) lowerStore(i *ssa.Store) {
	pt := typeOf(i.Ptr)
	elem := pt.Elem
	if !elem.HasBits() {
		return
	}
	ptr := l.value(i.Ptr)
	if c, ok := i.Value.(*ssa.Constant); ok && c.Value.Undef && pt.Ptr.HostBytes == 0 {
		if l.safe() {
			l.fillUndef(ptr, constant.NewInt(l.s.usize, int64(elem.Size)), pt.Ptr.Volatile)
		}
		return
	}
	v := l.value(i.Value)
	if pt.Ptr.HostBytes != 0 {
		l.storePacked(ptr, pt, elem, v)
		return
	}
	st := l.cur.NewStore(v, l.castTo(ptr, l.s.elemPtrType(elem)))
	st.Align = ir.Align(pt.PtrAlign())
	st.Volatile = pt.Ptr.Volatile
}

func (l *funcLowerer) hostPtr(ptr value.Value, pt *ssa.Type) (value.Value, *types.IntType) {
	host := types.NewInt(uint64(pt.Ptr.HostBytes) * 8)
	return l.castTo(ptr, types.NewPointer(host)), host
}

// loadPacked reads a bit-packed field out of its host integer.
func (l *funcLowerer) loadPacked(ptr value.Value, pt, elem *ssa.Type) value.Value {
	hp, host := l.hostPtr(ptr, pt)
	ld := l.cur.NewLoad(host, hp)
	ld.Align = ir.Align(pt.PtrAlign())
	ld.Volatile = pt.Ptr.Volatile
	bits := fieldBits(elem)
	var v value.Value = ld
	if shift := l.s.bitShift(pt.Ptr.HostBytes, pt.Ptr.BitOffset, bits); shift > 0 {
		v = l.cur.NewLShr(v, constant.NewInt(host, int64(shift)))
	}
	if uint64(bits) < host.BitSize {
		v = l.cur.NewTrunc(v, types.NewInt(uint64(bits)))
	}
	return l.fromBits(v, elem)
}

// storePacked merges v into its host integer, leaving the other fields intact.
func (l *funcLowerer) storePacked(ptr value.Value, pt, elem *ssa.Type, v value.Value) {
	hp, host := l.hostPtr(ptr, pt)
	bits := fieldBits(elem)
	shift := l.s.bitShift(pt.Ptr.HostBytes, pt.Ptr.BitOffset, bits)

	ones := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(bits)), big.NewInt(1))
	hostOnes := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(host.BitSize)), big.NewInt(1))
	mask := new(big.Int).Xor(hostOnes, new(big.Int).Lsh(ones, uint(shift)))

	old := l.cur.NewLoad(host, hp)
	old.Align = ir.Align(pt.PtrAlign())
	old.Volatile = pt.Ptr.Volatile
	kept := l.cur.NewAnd(old, l.s.intConst(host, mask))

	nv := l.toBits(v, elem)
	if intWidth(nv.Type()) < host.BitSize {
		nv = l.cur.NewZExt(nv, host)
	}
	if shift > 0 {
		nv = l.cur.NewShl(nv, constant.NewInt(host, int64(shift)))
	}
	st := l.cur.NewStore(l.cur.NewOr(kept, nv), hp)
	st.Align = ir.Align(pt.PtrAlign())
	st.Volatile = pt.Ptr.Volatile
}

// fromBits converts the integer bits of a packed field to its value type.
func (l *funcLowerer) fromBits(v value.Value, elem *ssa.Type) value.Value {
	switch lt := l.llType(elem).(type) {
	case *types.IntType:
		return v
	case *types.FloatType:
		return l.cur.NewBitCast(v, lt)
	case *types.PointerType:
		return l.cur.NewIntToPtr(l.resizeTo(v, false, l.s.usize), lt)
	case *types.StructType:
		if len(lt.Fields) == 1 {
			if ft, ok := lt.Fields[0].(*types.IntType); ok {
				return l.cur.NewInsertValue(constant.NewUndef(lt), l.resizeTo(v, false, ft), 0)
			}
		}
	}
	errors.Fatal(errors.PhaseLower, "cannot bit-pack values of type %s", elem)
	return nil
}

// toBits converts a packed field value to its integer bits.
func (l *funcLowerer) toBits(v value.Value, elem *ssa.Type) value.Value {
	bits := types.NewInt(uint64(fieldBits(elem)))
	switch lt := l.llType(elem).(type) {
	case *types.IntType:
		return v
	case *types.FloatType:
		return l.cur.NewBitCast(v, bits)
	case *types.PointerType:
		return l.resizeTo(l.cur.NewPtrToInt(v, l.s.usize), false, bits)
	case *types.StructType:
		if len(lt.Fields) == 1 {
			if _, ok := lt.Fields[0].(*types.IntType); ok {
				return l.resizeTo(l.cur.NewExtractValue(v, 0), false, bits)
			}
		}
	}
	errors.Fatal(errors.PhaseLower, "cannot bit-pack values of type %s", elem)
	return nil
}

// fillUndef marks n bytes at ptr as undefined: they are filled with a
// recognisable pattern and reported to valgrind when enabled.
func (l *funcLowerer) fillUndef(ptr, n value.Value, volatile bool) {
	p8 := l.castTo(ptr, types.I8Ptr)
	l.cur.NewCall(l.s.memsetIntrinsic(), p8, constant.NewInt(types.I8, undefByte), n, constant.NewBool(volatile))
	if l.s.opts.Valgrind {
		l.valgrindRequest(valgrindMakeMemUndefined, l.cur.NewPtrToInt(p8, l.s.usize), n)
	}
}

// valgrindRequest issues an x86-64 client request through the magic
// rotate sequence valgrind recognises.
func (l *funcLowerer) valgrindRequest(code int64, args ...value.Value) value.Value {
	s := l.s
	arrT := types.NewArray(6, s.usize)
	arr := l.allocaIn(arrT, uint32(s.tgt.PtrBytes()), "valgrind.args")
	words := []value.Value{constant.NewInt(s.usize, code)}
	words = append(words, args...)
	for k := 0; k < 6; k++ {
		var w value.Value = constant.NewInt(s.usize, 0)
		if k < len(words) {
			w = words[k]
		}
		l.cur.NewStore(w, l.cur.NewGetElementPtr(arrT, arr, i32(0), i32(int64(k))))
	}
	asmT := types.NewPointer(types.NewFunc(s.usize, s.usize, s.usize))
	asm := ir.NewInlineAsm(asmT,
		"rolq $$3, %rdi ; rolq $$13, %rdi\n\trolq $$61, %rdi ; rolq $$51, %rdi\n\txchgq %rbx,%rbx",
		"={rdx},{rax},0,~{cc},~{memory}")
	asm.SideEffect = true
	return l.cur.NewCall(asm, l.cur.NewPtrToInt(arr, s.usize), constant.NewInt(s.usize, 0))
}

// bufferOf splits a slice or pointer operand into its element pointer and
// element type.
func (l *funcLowerer) bufferOf(x ssa.Instruction) (value.Value, *ssa.Type) {
	t := typeOf(x)
	v := l.value(x)
	switch t.Kind {
	case ssa.KindSlice:
		return l.cur.NewExtractValue(v, 0), t.Elem
	case ssa.KindPointer:
		elem := t.Elem
		if t.Ptr.Size == ssa.PtrOne && elem.Kind == ssa.KindArray {
			elem = elem.Elem
		}
		return l.castTo(v, l.s.elemPtrType(elem)), elem
	}
	errors.Fatal(errors.PhaseLower, "%s is not a buffer", t)
	return nil, nil
}

func (l *funcLowerer) byteLen(n value.Value, elem *ssa.Type) value.Value {
	if elem.Size == 1 {
		return n
	}
	return l.cur.NewMul(n, constant.NewInt(l.s.usize, int64(elem.Size)))
}

func (l *funcLowerer) lowerMemset(i *ssa.Memset) {
	base, elem := l.bufferOf(i.Dest)
	if !elem.HasBits() {
		return
	}
	n := l.value(i.Len)
	volatile := typeOf(i.Dest).Ptr.Volatile
	if c, ok := i.Value.(*ssa.Constant); ok {
		switch {
		case c.Value.Undef:
			if l.safe() {
				l.fillUndef(base, l.byteLen(n, elem), volatile)
			}
			return
		case isZeroConst(c.Value):
			p8 := l.castTo(base, types.I8Ptr)
			l.cur.NewCall(l.s.memsetIntrinsic(), p8, constant.NewInt(types.I8, 0), l.byteLen(n, elem), constant.NewBool(volatile))
			return
		}
	}
	v := l.value(i.Value)
	if elem.Size == 1 {
		if _, ok := v.Type().(*types.IntType); ok {
			b := l.resizeTo(v, false, types.I8)
			l.cur.NewCall(l.s.memsetIntrinsic(), l.castTo(base, types.I8Ptr), b, n, constant.NewBool(volatile))
			return
		}
	}
	l.fillLoop(base, elem, v, n)
}

func isZeroConst(c *ssa.Const) bool {
	switch c.Type.Kind {
	case ssa.KindInt, ssa.KindEnum:
		return c.Int != nil && c.Int.Sign() == 0
	case ssa.KindBool:
		return !c.Bool
	default:
		return false
	}
}

// fillLoop stores v into n consecutive elements starting at base.
func (l *funcLowerer) fillLoop(base value.Value, elem *ssa.Type, v, n value.Value) {
	et := l.llType(elem)
	pre := l.cur
	loop := l.newBlock("FillLoop")
	body := l.newBlock("FillBody")
	done := l.newBlock("FillEnd")
	pre.NewBr(loop)

	idx := newPhi(loop, l.s.usize)
	loop.NewCondBr(loop.NewICmp(enum.IPredULT, idx, n), body, done)

	st := body.NewStore(v, body.NewGetElementPtr(et, base, idx))
	st.Align = ir.Align(max(elem.Align, 1))
	next := body.NewAdd(idx, constant.NewInt(l.s.usize, 1))
	body.NewBr(loop)

	idx.Incs = append(idx.Incs, ir.NewIncoming(constant.NewInt(l.s.usize, 0), pre), ir.NewIncoming(next, body))
	l.cur = done
}

func (l *funcLowerer) lowerMemcpy(i *ssa.Memcpy) {
	dst, elem := l.bufferOf(i.Dest)
	src, _ := l.bufferOf(i.Src)
	if !elem.HasBits() {
		return
	}
	volatile := typeOf(i.Dest).Ptr.Volatile || typeOf(i.Src).Ptr.Volatile
	l.cur.NewCall(l.s.memcpyIntrinsic(),
		l.castTo(dst, types.I8Ptr), l.castTo(src, types.I8Ptr),
		l.byteLen(l.value(i.Len), elem), constant.NewBool(volatile))
}

// fieldAddr addresses physical field phys of the aggregate at ptr.
func (l *funcLowerer) fieldAddr(st *types.StructType, ptr value.Value, phys int) value.Value {
	base := l.castTo(ptr, types.NewPointer(st))
	return l.cur.NewGetElementPtr(st, base, i32(0), i32(int64(phys)))
}

func (l *funcLowerer) lowerFieldPtr(i *ssa.FieldPtr) value.Value {
	st := typeOf(i.Ptr).Elem
	ptr := l.value(i.Ptr)
	rt := l.llType(i.Type)
	if i.Field < 0 || i.Field >= len(st.Fields) {
		errors.Fatal(errors.PhaseLower, "field %d out of range in %s", i.Field, st)
	}
	info := l.s.structInfo(st)
	phys := info.fields[i.Field]
	if phys < 0 {
		return l.castTo(ptr, rt)
	}
	return l.castTo(l.fieldAddr(info.typ, ptr, phys), rt)
}

// unionTag is the tag value selecting field of union u.
func (l *funcLowerer) unionTag(u *ssa.Type, field int) constant.Constant {
	if field < 0 || field >= len(u.Members) {
		errors.Fatal(errors.PhaseLower, "union %s has no tag for field %d", u, field)
	}
	return l.s.intConst(l.llType(u.Tag).(*types.IntType), big.NewInt(u.Members[field].Value))
}

func (l *funcLowerer) lowerUnionFieldPtr(i *ssa.UnionFieldPtr) value.Value {
	u := typeOf(i.Ptr).Elem
	ptr := l.value(i.Ptr)
	info := l.s.structInfo(u)
	if u.Tag != nil && info.tag >= 0 && l.safe() {
		tag := l.cur.NewLoad(info.types[info.tag], l.fieldAddr(info.typ, ptr, info.tag))
		l.check(l.cur.NewICmp(enum.IPredEQ, tag, l.unionTag(u, i.Field)), PanicInactiveUnionField)
	}
	return l.payloadAddr(info, ptr, l.llType(i.Type))
}

func (l *funcLowerer) payloadAddr(info *structInfo, ptr value.Value, rt types.Type) value.Value {
	if info.payload < 0 {
		return l.castTo(ptr, rt)
	}
	return l.castTo(l.fieldAddr(info.typ, ptr, info.payload), rt)
}

// lowerUnionInit activates a field: it stores the tag and yields the
// payload address.
func (l *funcLowerer) lowerUnionInit(i *ssa.UnionInit) value.Value {
	u := typeOf(i.Ptr).Elem
	ptr := l.value(i.Ptr)
	info := l.s.structInfo(u)
	if u.Tag != nil && info.tag >= 0 {
		l.cur.NewStore(l.unionTag(u, i.Field), l.fieldAddr(info.typ, ptr, info.tag))
	}
	return l.payloadAddr(info, ptr, l.llType(i.Type))
}

func (l *funcLowerer) lowerUnionTag(i *ssa.UnionTag) value.Value {
	u := typeOf(i.X)
	info := l.s.structInfo(u)
	if info.tag < 0 {
		return l.zero(i.Type)
	}
	return l.cur.NewExtractValue(l.value(i.X), uint64(info.tag))
}

func (l *funcLowerer) checkBounds(idx, n value.Value) {
	if !l.safe() {
		return
	}
	l.check(l.cur.NewICmp(enum.IPredULT, idx, n), PanicIndexOutOfBounds)
}

func (l *funcLowerer) lowerElemPtr(i *ssa.ElemPtr) value.Value {
	pt := typeOf(i.Ptr)
	ptr := l.value(i.Ptr)
	idx := l.value(i.Index)
	rt := l.llType(i.Type)
	switch {
	case pt.Kind == ssa.KindSlice:
		et := l.llType(pt.Elem)
		if !pt.Elem.HasBits() {
			return l.castTo(l.cur.NewExtractValue(ptr, 0), rt)
		}
		base := l.cur.NewExtractValue(ptr, 0)
		l.checkBounds(idx, l.cur.NewExtractValue(ptr, 1))
		return l.castTo(l.cur.NewGetElementPtr(et, base, idx), rt)
	case pt.Kind == ssa.KindPointer && pt.Ptr.Size == ssa.PtrOne && pt.Elem.Kind == ssa.KindArray:
		at := pt.Elem
		l.checkBounds(idx, constant.NewInt(l.s.usize, int64(at.Len)))
		if !at.Elem.HasBits() {
			return l.castTo(ptr, rt)
		}
		arrT := l.llType(at)
		base := l.castTo(ptr, types.NewPointer(arrT))
		return l.castTo(l.cur.NewGetElementPtr(arrT, base, constant.NewInt(l.s.usize, 0), idx), rt)
	case pt.Kind == ssa.KindPointer:
		if !pt.Elem.HasBits() {
			return l.castTo(ptr, rt)
		}
		et := l.llType(pt.Elem)
		return l.castTo(l.cur.NewGetElementPtr(et, l.castTo(ptr, types.NewPointer(et)), idx), rt)
	}
	errors.Fatal(errors.PhaseLower, "cannot index %s", pt)
	return nil
}

// lowerSlice takes ptr[start..end]. Bounds are checked against the length
// of slices and arrays; many-item pointers need an explicit end.
func (l *funcLowerer) lowerSlice(i *ssa.Slice) value.Value {
	pt := typeOf(i.Ptr)
	src := l.value(i.Ptr)
	var base, n value.Value
	var elem *ssa.Type
	switch {
	case pt.Kind == ssa.KindSlice:
		base, n, elem = l.cur.NewExtractValue(src, 0), l.cur.NewExtractValue(src, 1), pt.Elem
	case pt.Kind == ssa.KindPointer && pt.Ptr.Size == ssa.PtrOne && pt.Elem.Kind == ssa.KindArray:
		elem = pt.Elem.Elem
		base = l.castTo(src, l.s.elemPtrType(elem))
		n = constant.NewInt(l.s.usize, int64(pt.Elem.Len))
	case pt.Kind == ssa.KindPointer:
		elem = pt.Elem
		base = l.castTo(src, l.s.elemPtrType(elem))
	default:
		errors.Fatal(errors.PhaseLower, "cannot slice %s", pt)
	}
	start := l.value(i.Start)
	var end value.Value
	if i.End != nil {
		end = l.value(i.End)
	} else if n != nil {
		end = n
	} else {
		errors.Fatal(errors.PhaseLower, "slice of %s needs an end", pt)
	}

	if l.safe() {
		l.check(l.cur.NewICmp(enum.IPredULE, start, end), PanicStartGreaterThanEnd)
		if n != nil && end != n {
			l.check(l.cur.NewICmp(enum.IPredULE, end, n), PanicIndexOutOfBounds)
		}
		l.checkSentinel(i.Type, base, elem, end)
	}

	ptr := base
	if elem.HasBits() {
		ptr = l.cur.NewGetElementPtr(l.llType(elem), base, start)
	}
	rt := l.llType(i.Type)
	if i.Type.Kind == ssa.KindPointer {
		return l.castTo(ptr, rt)
	}
	st := rt.(*types.StructType)
	var out value.Value = constant.NewUndef(st)
	out = l.cur.NewInsertValue(out, l.castTo(ptr, st.Fields[0]), 0)
	return l.cur.NewInsertValue(out, l.cur.NewSub(end, start), 1)
}

// checkSentinel verifies that the element after a sentinel-terminated
// slice holds the sentinel.
func (l *funcLowerer) checkSentinel(rt *ssa.Type, base value.Value, elem *ssa.Type, end value.Value) {
	if rt.Sentinel == nil || !elem.HasBits() {
		return
	}
	et := l.llType(elem)
	if _, ok := et.(*types.IntType); !ok {
		return
	}
	got := l.cur.NewLoad(et, l.cur.NewGetElementPtr(et, base, end))
	want := l.s.constValue(rt.Sentinel)
	l.check(l.cur.NewICmp(enum.IPredEQ, got, want), PanicSentinelMismatch)
}
