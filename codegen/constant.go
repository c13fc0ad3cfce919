package codegen

import (
	"math/big"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
)

// sameType compares LLVM types by their rendering, which tells named and
// literal structs apart.
func sameType(a, b types.Type) bool {
	return a == b || a.String() == b.String()
}

// constValue materializes c. The result may have a literal struct type that
// differs from the lowered type of c when c holds a union; use
// constOperand where the exact type matters.
func (s *Session) constValue(c *ssa.Const) constant.Constant {
	if v, ok := s.consts[c]; ok {
		return v
	}
	if s.inflight[c] {
		errors.Fatal(errors.PhaseConst, "constant %s contains itself by value", c)
	}
	s.inflight[c] = true
	v := s.computeConst(c)
	delete(s.inflight, c)
	s.consts[c] = v
	return v
}

func (s *Session) computeConst(c *ssa.Const) constant.Constant {
	t := c.Type
	lt := s.llType(t)
	if !t.HasBits() {
		return constant.NewZeroInitializer(lt)
	}
	if c.Undef {
		return constant.NewUndef(lt)
	}
	switch t.Kind {
	case ssa.KindBool:
		return constant.NewBool(c.Bool)
	case ssa.KindInt:
		return s.intConst(lt.(*types.IntType), c.Int)
	case ssa.KindEnum:
		return s.intConst(lt.(*types.IntType), c.Int)
	case ssa.KindFloat:
		return constant.NewFloat(lt.(*types.FloatType), c.Float)
	case ssa.KindErrorSet:
		return constant.NewInt(s.errInt, errCode(c.Err))
	case ssa.KindPointer, ssa.KindFn, ssa.KindAnyFrame:
		return s.ptrConst(c.Ptr, lt.(*types.PointerType))
	case ssa.KindSlice:
		ptr := s.ptrConst(c.Ptr, s.elemPtrType(t.Elem))
		n := new(big.Int)
		if c.Int != nil {
			n.Set(c.Int)
		}
		return constant.NewStruct(lt.(*types.StructType), ptr, s.intConst(s.usize, n))
	case ssa.KindArray:
		return s.arrayConst(c, lt.(*types.ArrayType))
	case ssa.KindVector:
		vt := lt.(*types.VectorType)
		elems := make([]constant.Constant, len(c.Elems))
		for i, e := range c.Elems {
			elems[i] = s.constValue(e)
		}
		return constant.NewVector(vt, elems...)
	case ssa.KindStruct:
		return s.structConst(c)
	case ssa.KindUnion:
		return s.unionConst(c)
	case ssa.KindOptional:
		return s.optionalConst(c)
	case ssa.KindErrorUnion:
		return s.errUnionConst(c)
	default:
		errors.Fatal(errors.PhaseConst, "cannot materialize constant of type %s", t)
		return nil
	}
}

func errCode(ev *ssa.ErrorValue) int64 {
	if ev == nil {
		return 0
	}
	return int64(ev.Code)
}

// intConst renders v in two's complement for t, so unsigned values with the
// top bit set print as their signed equivalent.
func (s *Session) intConst(t *types.IntType, v *big.Int) *constant.Int {
	x := new(big.Int)
	if v != nil {
		x.Set(v)
	}
	bits := uint(t.BitSize)
	mod := new(big.Int).Lsh(big.NewInt(1), bits)
	x.Mod(x, mod)
	if bits > 1 && x.Bit(int(bits-1)) == 1 {
		x.Sub(x, mod)
	}
	return &constant.Int{Typ: t, X: x}
}

func (s *Session) ptrConst(p *ssa.PtrValue, pt *types.PointerType) constant.Constant {
	if p == nil {
		return constant.NewNull(pt)
	}
	switch p.Kind {
	case ssa.PtrNull:
		return constant.NewNull(pt)
	case ssa.PtrAddr:
		return constant.NewIntToPtr(constant.NewInt(s.usize, int64(p.Addr)), pt)
	case ssa.PtrRef:
		return s.castPtr(s.constAddr(s.lookupConst(p.Base)), pt)
	case ssa.PtrElem:
		base := s.lookupConst(p.Base)
		at, ok := s.llType(base.Type).(*types.ArrayType)
		if !ok {
			errors.Fatal(errors.PhaseConst, "element pointer into non-array %s", base.Type)
		}
		elem := constant.NewGetElementPtr(at, s.constAddr(base), constant.NewInt(s.usize, 0), constant.NewInt(s.usize, int64(p.Index)))
		return s.castPtr(elem, pt)
	case ssa.PtrGlobal:
		return s.castPtr(s.globalAddr(p.Global), pt)
	case ssa.PtrFunc:
		return s.castPtr(s.declareFunc(p.Func), pt)
	default:
		errors.Fatal(errors.PhaseConst, "unknown pointer kind %d", p.Kind)
		return nil
	}
}

func (s *Session) lookupConst(id ssa.ConstID) *ssa.Const {
	c := s.src.Consts.Lookup(id)
	if c == nil {
		errors.Fatal(errors.PhaseConst, "dangling constant reference %d", id)
	}
	return c
}

// castPtr bitcasts a constant pointer to pt when the types differ.
func (s *Session) castPtr(p constant.Constant, pt types.Type) constant.Constant {
	if sameType(p.Type(), pt) {
		return p
	}
	return constant.NewBitCast(p, pt)
}

func (s *Session) arrayConst(c *ssa.Const, at *types.ArrayType) constant.Constant {
	elems := make([]constant.Constant, 0, at.Len)
	mixed := false
	for _, e := range c.Elems {
		v := s.constValue(e)
		mixed = mixed || !sameType(v.Type(), at.ElemType)
		elems = append(elems, v)
	}
	if c.Type.Sentinel != nil {
		elems = append(elems, s.constValue(c.Type.Sentinel))
	}
	if uint64(len(elems)) != at.Len {
		errors.Fatal(errors.PhaseConst, "array constant has %d elements, type %s wants %d", len(elems), c.Type, at.Len)
	}
	if len(elems) == 0 {
		return constant.NewZeroInitializer(at)
	}
	if mixed {
		// Union elements with differing active fields become a packed literal.
		fields := make([]types.Type, len(elems))
		for i, e := range elems {
			fields[i] = e.Type()
		}
		st := types.NewStruct(fields...)
		st.Packed = true
		return constant.NewStruct(st, elems...)
	}
	return constant.NewArray(at, elems...)
}

// fill builds a constant of the aggregate described by info from physical
// field values; missing fields are zero. When a value's type differs from
// its field, the result is a packed literal with explicit padding.
func (s *Session) fill(info *structInfo, vals map[int]constant.Constant) constant.Constant {
	fields := make([]constant.Constant, len(info.types))
	exact := true
	for i, ft := range info.types {
		v, ok := vals[i]
		if !ok {
			v = constant.NewZeroInitializer(ft)
		}
		exact = exact && sameType(v.Type(), ft)
		fields[i] = v
	}
	if exact {
		return constant.NewStruct(info.typ, fields...)
	}
	var lit body
	lit.packed = true
	var elems []constant.Constant
	for i, v := range fields {
		if lit.size < info.offs[i] {
			n := info.offs[i] - lit.size
			elems = append(elems, constant.NewZeroInitializer(padding(n)))
			lit.add(padding(n), lit.size, n)
			lit.size += n
		}
		elems = append(elems, v)
		lit.add(v.Type(), info.offs[i], info.sizes[i])
		lit.size = info.offs[i] + info.sizes[i]
	}
	if lit.size < info.size {
		n := info.size - lit.size
		elems = append(elems, constant.NewZeroInitializer(padding(n)))
		lit.add(padding(n), lit.size, n)
	}
	return constant.NewStruct(lit.newStruct(), elems...)
}

func (s *Session) structConst(c *ssa.Const) constant.Constant {
	t := c.Type
	info := s.structInfo(t)
	if len(c.Elems) != len(t.Fields) {
		errors.Fatal(errors.PhaseConst, "struct constant has %d fields, type %s wants %d", len(c.Elems), t, len(t.Fields))
	}
	vals := make(map[int]constant.Constant)
	for i, f := range t.Fields {
		phys := info.fields[i]
		if phys < 0 {
			continue
		}
		if f.HostBytes != 0 {
			if _, done := vals[phys]; !done {
				vals[phys] = s.packHost(c, f.Offset)
			}
			continue
		}
		vals[phys] = s.constValue(c.Elems[i])
	}
	return s.fill(info, vals)
}

func (s *Session) unionConst(c *ssa.Const) constant.Constant {
	t := c.Type
	info := s.structInfo(t)
	vals := make(map[int]constant.Constant)
	if t.Tag != nil && info.tag >= 0 {
		if c.Field < 0 || c.Field >= len(t.Members) {
			errors.Fatal(errors.PhaseConst, "union constant field %d has no tag in %s", c.Field, t)
		}
		vals[info.tag] = s.intConst(s.llType(t.Tag).(*types.IntType), big.NewInt(t.Members[c.Field].Value))
	}
	if info.payload >= 0 {
		if c.Payload == nil || c.Payload.Undef || !c.Payload.Type.HasBits() {
			vals[info.payload] = constant.NewUndef(info.types[info.payload])
		} else {
			vals[info.payload] = s.payloadConst(info, c.Payload)
		}
	}
	return s.fill(info, vals)
}

// payloadConst renders the active field of a union so that it fills the
// payload slot: the value followed by padding up to the slot size.
func (s *Session) payloadConst(info *structInfo, v *ssa.Const) constant.Constant {
	cv := s.constValue(v)
	slot := info.sizes[info.payload]
	if sameType(cv.Type(), info.types[info.payload]) {
		return cv
	}
	if v.Type.Size >= slot {
		return cv
	}
	pad := padding(slot - v.Type.Size)
	st := types.NewStruct(cv.Type(), pad)
	st.Packed = true
	return constant.NewStruct(st, cv, constant.NewZeroInitializer(pad))
}

func (s *Session) optionalConst(c *ssa.Const) constant.Constant {
	t := c.Type
	switch t.OptionalRepr() {
	case ssa.OptBool:
		return constant.NewBool(c.Payload != nil)
	case ssa.OptPtr:
		if c.Payload == nil {
			return constant.NewNull(s.llType(t).(*types.PointerType))
		}
		return s.constValue(c.Payload)
	}
	info := s.structInfo(t)
	vals := map[int]constant.Constant{}
	if c.Payload == nil {
		vals[info.fields[0]] = constant.NewUndef(info.types[info.fields[0]])
		vals[info.fields[1]] = constant.NewBool(false)
	} else {
		vals[info.fields[0]] = s.constValue(c.Payload)
		vals[info.fields[1]] = constant.NewBool(true)
	}
	return s.fill(info, vals)
}

func (s *Session) errUnionConst(c *ssa.Const) constant.Constant {
	t := c.Type
	code := constant.NewInt(s.errInt, errCode(c.Err))
	if !t.Elem.HasBits() {
		return code
	}
	info := s.structInfo(t)
	vals := map[int]constant.Constant{info.fields[0]: code}
	if c.Err != nil || c.Payload == nil {
		vals[info.fields[1]] = constant.NewUndef(info.types[info.fields[1]])
	} else {
		vals[info.fields[1]] = s.constValue(c.Payload)
	}
	return s.fill(info, vals)
}

// constGlobal returns the private global holding root constant c, creating
// it on first use. Module globals whose initializer is c are reused.
func (s *Session) constGlobal(c *ssa.Const) *ir.Global {
	if g, ok := s.constGlobs[c]; ok {
		return g
	}
	if owner, ok := s.initOf[c]; ok {
		g := s.globals[owner]
		s.constGlobs[c] = g
		return g
	}
	g := s.mod.NewGlobal(s.uniqueName("const"), s.llType(c.Type))
	g.Linkage = enum.LinkagePrivate
	g.UnnamedAddr = enum.UnnamedAddrUnnamedAddr
	g.Immutable = true
	g.Align = ir.Align(max(c.Type.Align, 1))
	s.constGlobs[c] = g
	s.setInit(g, s.constValue(c))
	return g
}

// setInit installs init on g, retyping g when init has a literal type.
func (s *Session) setInit(g *ir.Global, init constant.Constant) {
	g.Init = init
	if !sameType(g.ContentType, init.Type()) {
		g.ContentType = init.Type()
		g.Typ = types.NewPointer(init.Type())
	}
}

// constAddr returns the address of constant node c typed as a pointer to
// its lowered type. Nodes nested in aggregates are addressed through a
// constant GEP from the root's global.
func (s *Session) constAddr(c *ssa.Const) constant.Constant {
	want := s.elemPtrType(c.Type)
	if c.Parent.Kind == ssa.ParentNone {
		return constant.NewBitCast(s.constGlobal(c), want)
	}
	parent := s.lookupConst(c.Parent.ID)
	base := s.constAddr(parent)
	pt := parent.Type
	zero := constant.NewInt(types.I32, 0)
	field := func(phys int) constant.Constant {
		if phys < 0 {
			return s.castPtr(base, want)
		}
		gep := constant.NewGetElementPtr(s.llType(pt), base, zero, constant.NewInt(types.I32, int64(phys)))
		return s.castPtr(gep, want)
	}
	switch c.Parent.Kind {
	case ssa.ParentStruct:
		return field(s.structInfo(pt).fields[c.Parent.Index])
	case ssa.ParentArray:
		gep := constant.NewGetElementPtr(s.llType(pt), base, constant.NewInt(s.usize, 0), constant.NewInt(s.usize, int64(c.Parent.Index)))
		return s.castPtr(gep, want)
	case ssa.ParentUnion:
		return field(s.structInfo(pt).payload)
	case ssa.ParentOptional:
		if pt.OptionalRepr() != ssa.OptStruct {
			return s.castPtr(base, want)
		}
		return field(s.structInfo(pt).fields[0])
	case ssa.ParentErrCode, ssa.ParentErrPayload:
		if !pt.Elem.HasBits() {
			return s.castPtr(base, want)
		}
		idx := 0
		if c.Parent.Kind == ssa.ParentErrPayload {
			idx = 1
		}
		return field(s.structInfo(pt).fields[idx])
	default:
		errors.Fatal(errors.PhaseConst, "unknown parent kind %d", c.Parent.Kind)
		return nil
	}
}

// globalAddr is the address of a module global typed as a pointer to its
// lowered type.
func (s *Session) globalAddr(g *ssa.Global) constant.Constant {
	ig, ok := s.globals[g]
	if !ok {
		errors.Fatal(errors.PhaseConst, "global %q was not declared", g.Name)
	}
	return constant.NewBitCast(ig, s.elemPtrType(g.Type))
}
