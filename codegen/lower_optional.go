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

// Optionals

func (l *funcLowerer) lowerOptionalWrap(i *ssa.OptionalWrap) value.Value {
	t := i.Type
	switch t.OptionalRepr() {
	case ssa.OptBool:
		return constant.NewBool(true)
	case ssa.OptPtr:
		return l.value(i.X)
	}
	info := l.s.structInfo(t)
	var v value.Value = constant.NewUndef(info.typ)
	v = l.cur.NewInsertValue(v, l.value(i.X), uint64(info.fields[0]))
	return l.cur.NewInsertValue(v, constant.NewBool(true), uint64(info.fields[1]))
}

// testNonNull yields whether an optional (or C pointer) value is non-null.
func (l *funcLowerer) testNonNull(v value.Value, t *ssa.Type) value.Value {
	if t.Kind == ssa.KindPointer {
		return l.cur.NewICmp(enum.IPredNE, v, constant.NewNull(v.Type().(*types.PointerType)))
	}
	switch t.OptionalRepr() {
	case ssa.OptBool:
		return v
	case ssa.OptPtr:
		return l.cur.NewICmp(enum.IPredNE, v, constant.NewNull(v.Type().(*types.PointerType)))
	default:
		return l.cur.NewExtractValue(v, uint64(l.s.structInfo(t).fields[1]))
	}
}

func (l *funcLowerer) lowerOptionalPayload(i *ssa.OptionalPayload) value.Value {
	t := typeOf(i.X)
	x := l.value(i.X)
	if i.Check && l.safe() {
		l.check(l.testNonNull(x, t), PanicUnwrapNull)
	}
	if t.Kind == ssa.KindPointer {
		return x
	}
	switch t.OptionalRepr() {
	case ssa.OptBool:
		return l.zero(i.Type)
	case ssa.OptPtr:
		return x
	default:
		return l.cur.NewExtractValue(x, uint64(l.s.structInfo(t).fields[0]))
	}
}

// lowerOptionalPayloadPtr yields the payload address of the optional at
// Ptr. Init marks the optional non-null first.
func (l *funcLowerer) lowerOptionalPayloadPtr(i *ssa.OptionalPayloadPtr) value.Value {
	t := typeOf(i.Ptr).Elem
	ptr := l.value(i.Ptr)
	rt := l.llType(i.Type)
	switch t.OptionalRepr() {
	case ssa.OptBool:
		flag := l.castTo(ptr, types.NewPointer(types.I1))
		if i.Init {
			l.cur.NewStore(constant.NewBool(true), flag)
		}
		if i.Check && l.safe() {
			l.check(l.cur.NewLoad(types.I1, flag), PanicUnwrapNull)
		}
		return l.castTo(ptr, rt)
	case ssa.OptPtr:
		if i.Check && l.safe() {
			pt := l.llType(t)
			v := l.cur.NewLoad(pt, l.castTo(ptr, types.NewPointer(pt)))
			l.check(l.testNonNull(v, t), PanicUnwrapNull)
		}
		return l.castTo(ptr, rt)
	}
	info := l.s.structInfo(t)
	flag := l.fieldAddr(info.typ, ptr, info.fields[1])
	if i.Init {
		l.cur.NewStore(constant.NewBool(true), flag)
	}
	if i.Check && l.safe() {
		l.check(l.cur.NewLoad(types.I1, flag), PanicUnwrapNull)
	}
	return l.castTo(l.fieldAddr(info.typ, ptr, info.fields[0]), rt)
}

// Error unions

// errCode extracts the error code of an error union or error set value.
func (l *funcLowerer) errCode(v value.Value, t *ssa.Type) value.Value {
	if t.Kind == ssa.KindErrorSet || !t.Elem.HasBits() {
		return v
	}
	return l.cur.NewExtractValue(v, uint64(l.s.structInfo(t).fields[0]))
}

func (l *funcLowerer) lowerErrWrapCode(i *ssa.ErrWrapCode) value.Value {
	t := i.Type
	x := l.value(i.X)
	if !t.Elem.HasBits() {
		return x
	}
	info := l.s.structInfo(t)
	return l.cur.NewInsertValue(constant.NewUndef(info.typ), x, uint64(info.fields[0]))
}

func (l *funcLowerer) lowerErrWrapPayload(i *ssa.ErrWrapPayload) value.Value {
	t := i.Type
	ok := constant.NewInt(l.s.errInt, 0)
	if !t.Elem.HasBits() {
		return ok
	}
	info := l.s.structInfo(t)
	v := l.cur.NewInsertValue(constant.NewUndef(info.typ), ok, uint64(info.fields[0]))
	return l.cur.NewInsertValue(v, l.value(i.X), uint64(info.fields[1]))
}

func (l *funcLowerer) lowerUnwrapErrPayload(i *ssa.UnwrapErrPayload) value.Value {
	t := typeOf(i.X)
	x := l.value(i.X)
	if i.Check && l.safe() {
		code := l.errCode(x, t)
		l.check(l.cur.NewICmp(enum.IPredEQ, code, constant.NewInt(l.s.errInt, 0)), PanicUnwrapError)
	}
	if !t.Elem.HasBits() {
		return l.zero(i.Type)
	}
	return l.cur.NewExtractValue(x, uint64(l.s.structInfo(t).fields[1]))
}

// lowerErrPayloadPtr yields the payload address of the error union at Ptr.
// Init clears the error code first.
func (l *funcLowerer) lowerErrPayloadPtr(i *ssa.ErrPayloadPtr) value.Value {
	t := typeOf(i.Ptr).Elem
	ptr := l.value(i.Ptr)
	rt := l.llType(i.Type)
	var codePtr, payload value.Value
	if !t.Elem.HasBits() {
		codePtr = l.castTo(ptr, types.NewPointer(l.s.errInt))
		payload = l.castTo(ptr, rt)
	} else {
		info := l.s.structInfo(t)
		codePtr = l.fieldAddr(info.typ, ptr, info.fields[0])
		payload = l.castTo(l.fieldAddr(info.typ, ptr, info.fields[1]), rt)
	}
	if i.Init {
		l.cur.NewStore(constant.NewInt(l.s.errInt, 0), codePtr)
	}
	if i.Check && l.safe() {
		code := l.cur.NewLoad(l.s.errInt, codePtr)
		l.check(l.cur.NewICmp(enum.IPredEQ, code, constant.NewInt(l.s.errInt, 0)), PanicUnwrapError)
	}
	return payload
}

// Names

// nameString returns a private NUL-terminated string global.
func (s *Session) nameString(prefix, name string) *ir.Global {
	g := s.mod.NewGlobalDef(s.uniqueName(prefix), constant.NewCharArrayFromString(name+"\x00"))
	g.Linkage = enum.LinkagePrivate
	g.UnnamedAddr = enum.UnnamedAddrUnnamedAddr
	g.Immutable = true
	g.Align = 1
	return g
}

// nameSlice is the []const u8 constant naming a string global, excluding
// its terminator.
func (s *Session) nameSlice(st *types.StructType, g *ir.Global, n int) constant.Constant {
	return constant.NewStruct(st, s.castPtr(bytesPtr(g), st.Fields[0]), constant.NewInt(s.usize, int64(n)))
}

// tagNameFunc returns the helper mapping values of enum e to their names.
func (s *Session) tagNameFunc(e *ssa.Type, sliceT *types.StructType) *ir.Func {
	if f, ok := s.tagNames[e]; ok {
		return f
	}
	tagT := s.llType(e.Tag)
	tag := ir.NewParam("tag", tagT)
	f := s.mod.NewFunc(s.uniqueName("tag_name."+sanitize(e.String())), sliceT, tag)
	f.Linkage = enum.LinkageInternal
	f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoUnwind)
	s.tagNames[e] = f

	entry := f.NewBlock("Entry")
	bad := f.NewBlock("BadValue")
	bad.NewUnreachable()
	seen := make(map[int64]bool, len(e.Members))
	var cases []*ir.Case
	for _, m := range e.Members {
		if seen[m.Value] {
			continue
		}
		seen[m.Value] = true
		blk := f.NewBlock(sanitize("Name." + m.Name))
		g := s.nameString("tag.name", m.Name)
		blk.NewRet(s.nameSlice(sliceT, g, len(m.Name)))
		cases = append(cases, ir.NewCase(s.intConst(tagT.(*types.IntType), big.NewInt(m.Value)), blk))
	}
	entry.NewSwitch(tag, bad, cases...)
	return f
}

func (l *funcLowerer) lowerTagName(i *ssa.TagName) value.Value {
	e := typeOf(i.X)
	if e.Kind != ssa.KindEnum {
		errors.Fatal(errors.PhaseLower, "tag name of non-enum %s", e)
	}
	x := l.value(i.X)
	st := l.llType(i.Type).(*types.StructType)
	if l.safe() && !e.NonExhaustive && len(e.Members) > 0 {
		it := l.llType(e.Tag).(*types.IntType)
		vals := make([]constant.Constant, len(e.Members))
		for k, m := range e.Members {
			vals[k] = l.s.intConst(it, big.NewInt(m.Value))
		}
		l.validSwitch(x, vals, PanicInvalidEnumValue)
	}
	return l.cur.NewCall(l.s.tagNameFunc(e, st), x)
}

// errNameTable returns the table of error names indexed by error code.
func (s *Session) errNameTable(st *types.StructType) *ir.Global {
	if s.errNames != nil {
		return s.errNames
	}
	var top uint32
	for _, e := range s.src.Errors {
		top = max(top, e.Code)
	}
	entries := make([]constant.Constant, top+1)
	empty := constant.NewStruct(st, constant.NewNull(st.Fields[0].(*types.PointerType)), constant.NewInt(s.usize, 0))
	for k := range entries {
		entries[k] = empty
	}
	for _, e := range s.src.Errors {
		entries[e.Code] = s.nameSlice(st, s.nameString("err.name", e.Name), len(e.Name))
	}
	at := types.NewArray(uint64(len(entries)), st)
	g := s.mod.NewGlobalDef("err_name_table", constant.NewArray(at, entries...))
	g.Linkage = enum.LinkagePrivate
	g.UnnamedAddr = enum.UnnamedAddrUnnamedAddr
	g.Immutable = true
	g.Align = ir.Align(s.tgt.PtrBytes())
	s.errNames = g
	return g
}

func (l *funcLowerer) lowerErrName(i *ssa.ErrName) value.Value {
	st := l.llType(i.Type).(*types.StructType)
	table := l.s.errNameTable(st)
	code := l.errCode(l.value(i.X), typeOf(i.X))
	idx := l.resizeTo(code, false, l.s.usize)
	at := table.ContentType
	return l.cur.NewLoad(st, l.cur.NewGetElementPtr(at, table, constant.NewInt(l.s.usize, 0), idx))
}
