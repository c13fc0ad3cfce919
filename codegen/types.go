package codegen

import (
	"sort"

	"github.com/llir/llvm/ir/types"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/layout"
	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

// structInfo maps the logical fields of an aggregate onto its physical
// LLVM fields, which include synthetic padding.
type structInfo struct {
	typ *types.StructType
	// fields maps logical field i to its physical index, -1 without bits.
	fields []int
	// tag and payload are the physical indices of a union's tag and payload, -1 when absent.
	tag, payload int
	body
}

type fieldSpec struct {
	typ   types.Type
	off   uint64
	size  uint64
	align uint32
}

// body is a placed list of physical fields.
type body struct {
	types  []types.Type
	offs   []uint64
	sizes  []uint64
	size   uint64
	packed bool
}

func (b *body) add(t types.Type, off, size uint64) int {
	b.types = append(b.types, t)
	b.offs = append(b.offs, off)
	b.sizes = append(b.sizes, size)
	return len(b.types) - 1
}

func padding(n uint64) types.Type {
	return types.NewArray(n, types.I8)
}

// buildBody places specs at their supplied offsets, inserting padding
// wherever LLVM's natural placement would disagree. idx maps each spec to
// its physical index. A packed struct is used when some field is
// under-aligned for its LLVM type.
func buildBody(specs []fieldSpec, size uint64) (b body, idx []int) {
	if b, idx, ok := placeFields(specs, size, false); ok {
		return b, idx
	}
	b, idx, ok := placeFields(specs, size, true)
	if !ok {
		errors.Fatal(errors.PhaseLower, "fields overlap or exceed the declared size %d", size)
	}
	return b, idx
}

func placeFields(specs []fieldSpec, size uint64, packed bool) (body, []int, bool) {
	order := make([]int, len(specs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return specs[order[a]].off < specs[order[b]].off })

	b := body{size: size, packed: packed}
	idx := make([]int, len(specs))
	cur := uint64(0)
	maxAlign := uint64(1)
	for _, i := range order {
		f := specs[i]
		if f.size == 0 {
			idx[i] = -1
			continue
		}
		align := uint64(f.align)
		if packed || align == 0 {
			align = 1
		}
		natural := layout.AlignTo(cur, align)
		if f.off < natural {
			return body{}, nil, false
		}
		if f.off > natural {
			if layout.AlignTo(f.off, align) != f.off {
				return body{}, nil, false
			}
			b.add(padding(f.off-cur), cur, f.off-cur)
		}
		idx[i] = b.add(f.typ, f.off, f.size)
		cur = f.off + f.size
		maxAlign = max(maxAlign, align)
	}
	end := layout.AlignTo(cur, maxAlign)
	if size > end {
		b.add(padding(size-cur), cur, size-cur)
		end = layout.AlignTo(size, maxAlign)
	}
	if end != size {
		return body{}, nil, false
	}
	return b, idx, true
}

// newStruct creates a literal struct type for b.
func (b body) newStruct() *types.StructType {
	st := types.NewStruct(b.types...)
	st.Packed = b.packed
	return st
}

// intAlign is the LLVM alignment of an integer occupying n bytes.
func (s *Session) intAlign(n uint64) uint32 {
	a := uint64(1)
	for a < n {
		a <<= 1
	}
	return uint32(min(a, uint64(s.tgt.MaxIntAlign())))
}

// llAlign is the ABI alignment LLVM assigns t under the target data layout.
func (s *Session) llAlign(t types.Type) uint32 {
	switch t := t.(type) {
	case *types.IntType:
		return s.intAlign((t.BitSize + 7) / 8)
	case *types.FloatType:
		switch t.Kind {
		case types.FloatKindHalf:
			return 2
		case types.FloatKindFloat:
			return 4
		case types.FloatKindDouble:
			if s.tgt.Arch == target.ArchI386 {
				return 4
			}
			return 8
		case types.FloatKindX86_FP80:
			if s.tgt.Arch == target.ArchI386 {
				return 4
			}
			return 16
		default:
			return 16
		}
	case *types.PointerType:
		return uint32(s.tgt.PtrBytes())
	case *types.ArrayType:
		return s.llAlign(t.ElemType)
	case *types.VectorType:
		n := uint64(s.llSize(t.ElemType)) * t.Len
		a := uint64(1)
		for a < n {
			a <<= 1
		}
		return uint32(a)
	case *types.StructType:
		if t.Packed {
			return 1
		}
		a := uint32(1)
		for _, f := range t.Fields {
			a = max(a, s.llAlign(f))
		}
		return a
	default:
		return 1
	}
}

// llSize is the store size of a scalar LLVM type in bytes.
func (s *Session) llSize(t types.Type) uint64 {
	switch t := t.(type) {
	case *types.IntType:
		return (t.BitSize + 7) / 8
	case *types.FloatType:
		switch t.Kind {
		case types.FloatKindHalf:
			return 2
		case types.FloatKindFloat:
			return 4
		case types.FloatKindDouble:
			return 8
		case types.FloatKindX86_FP80:
			return 10
		default:
			return 16
		}
	case *types.PointerType:
		return s.tgt.PtrBytes()
	default:
		errors.Fatal(errors.PhaseLower, "no scalar size for %s", t)
		return 0
	}
}

func floatType(bits uint32) *types.FloatType {
	switch bits {
	case 16:
		return types.Half
	case 32:
		return types.Float
	case 64:
		return types.Double
	case 80:
		return types.X86_FP80
	case 128:
		return types.FP128
	default:
		errors.Fatal(errors.PhaseLower, "invalid float width %d", bits)
		return nil
	}
}

// llType lowers an SSA type to its LLVM value representation.
func (s *Session) llType(t *ssa.Type) types.Type {
	if lt, ok := s.llTypes[t]; ok {
		return lt
	}
	lt := s.computeType(t)
	s.llTypes[t] = lt
	return lt
}

func (s *Session) computeType(t *ssa.Type) types.Type {
	switch t.Kind {
	case ssa.KindVoid, ssa.KindNoReturn:
		return types.Void
	}
	if !t.HasBits() {
		return types.NewStruct()
	}
	switch t.Kind {
	case ssa.KindBool:
		return types.I1
	case ssa.KindInt:
		return types.NewInt(uint64(t.Bits))
	case ssa.KindFloat:
		return floatType(t.Bits)
	case ssa.KindPointer:
		return s.ptrType(t)
	case ssa.KindSlice:
		return types.NewStruct(s.elemPtrType(t.Elem), s.usize)
	case ssa.KindArray:
		n := t.Len
		if t.Sentinel != nil {
			n++
		}
		return types.NewArray(n, s.llType(t.Elem))
	case ssa.KindVector:
		return types.NewVector(t.Len, s.llType(t.Elem))
	case ssa.KindStruct, ssa.KindUnion:
		return s.structInfo(t).typ
	case ssa.KindEnum:
		return s.llType(t.Tag)
	case ssa.KindErrorSet:
		return s.errInt
	case ssa.KindOptional:
		switch t.OptionalRepr() {
		case ssa.OptBool:
			return types.I1
		case ssa.OptPtr:
			return s.llType(t.Elem)
		default:
			return s.structInfo(t).typ
		}
	case ssa.KindErrorUnion:
		if !t.Elem.HasBits() {
			return s.errInt
		}
		return s.structInfo(t).typ
	case ssa.KindFn:
		return types.NewPointer(s.fnSigType(t.Fn))
	case ssa.KindFrame:
		fr := s.frame(t.Frame)
		t.Size, t.Align = fr.Size, fr.Align
		return fr.typ
	case ssa.KindAnyFrame:
		return types.NewPointer(s.anyFrameType(t.Elem))
	default:
		errors.Fatal(errors.PhaseLower, "cannot lower type %s", t)
		return nil
	}
}

// ptrType lowers a pointer type. Pointers into bit-packed fields address
// the host integer.
func (s *Session) ptrType(t *ssa.Type) *types.PointerType {
	if t.Ptr.HostBytes != 0 {
		return types.NewPointer(types.NewInt(uint64(t.Ptr.HostBytes) * 8))
	}
	return s.elemPtrType(t.Elem)
}

// elemPtrType is the LLVM pointer to values of t; i8* for types without bits.
func (s *Session) elemPtrType(t *ssa.Type) *types.PointerType {
	if t == nil {
		return types.I8Ptr
	}
	switch t.Kind {
	case ssa.KindFn:
		return types.NewPointer(s.fnSigType(t.Fn))
	case ssa.KindFrame:
		return types.NewPointer(s.frame(t.Frame).typ)
	}
	if !t.HasBits() {
		return types.I8Ptr
	}
	return types.NewPointer(s.llType(t))
}

// structInfo lowers a struct, union, optional or error union aggregate.
func (s *Session) structInfo(t *ssa.Type) *structInfo {
	if info, ok := s.structs[t]; ok {
		return info
	}
	info := &structInfo{tag: -1, payload: -1}
	switch t.Kind {
	case ssa.KindStruct, ssa.KindUnion:
		base := t.Name
		if base == "" {
			base = "anon." + t.Kind.String()
		}
		st := &types.StructType{Opaque: true}
		s.mod.NewTypeDef(s.typeDefName(base), st)
		info.typ = st
		s.structs[t] = info
		s.llTypes[t] = st

		var specs []fieldSpec
		if t.Kind == ssa.KindStruct {
			specs = s.structSpecs(t, info)
		} else {
			specs = s.unionSpecs(t, info)
		}
		b, idx := buildBody(specs, t.Size)
		info.body = b
		st.Fields = b.types
		st.Packed = b.packed
		st.Opaque = false
		s.remap(info, idx)
		return info

	case ssa.KindOptional:
		specs := []fieldSpec{
			s.spec(t.Elem, 0),
			{typ: types.I1, off: t.OptionalFlagOffset(), size: 1, align: 1},
		}
		b, idx := buildBody(specs, t.Size)
		info.body = b
		info.typ = b.newStruct()
		info.fields = idx

	case ssa.KindErrorUnion:
		errOff, payloadOff := t.ErrUnionLayout()
		specs := []fieldSpec{
			{typ: s.errInt, off: errOff, size: t.ErrSet.Size, align: s.llAlign(s.errInt)},
			s.spec(t.Elem, payloadOff),
		}
		b, idx := buildBody(specs, t.Size)
		info.body = b
		info.typ = b.newStruct()
		info.fields = idx

	default:
		errors.Fatal(errors.PhaseLower, "type %s has no aggregate layout", t)
	}
	s.structs[t] = info
	return info
}

// spec places a value of t at off. Types without bits take no space.
func (s *Session) spec(t *ssa.Type, off uint64) fieldSpec {
	if !t.HasBits() {
		return fieldSpec{typ: s.llType(t), off: off}
	}
	lt := s.llType(t)
	return fieldSpec{typ: lt, off: off, size: t.Size, align: s.llAlign(lt)}
}

// structSpecs lists the physical fields of a struct. Fields sharing a host
// integer collapse into one spec; info.fields temporarily holds spec indices.
func (s *Session) structSpecs(t *ssa.Type, info *structInfo) []fieldSpec {
	var specs []fieldSpec
	info.fields = make([]int, len(t.Fields))
	hostSpec := map[uint64]int{}
	for i, f := range t.Fields {
		if f.HostBytes != 0 {
			if j, ok := hostSpec[f.Offset]; ok {
				info.fields[i] = j
				continue
			}
			host := uint64(f.HostBytes)
			hostSpec[f.Offset] = len(specs)
			info.fields[i] = len(specs)
			specs = append(specs, fieldSpec{typ: types.NewInt(host * 8), off: f.Offset, size: host, align: s.intAlign(host)})
			continue
		}
		info.fields[i] = len(specs)
		specs = append(specs, s.spec(f.Type, f.Offset))
	}
	return specs
}

// unionSpecs lists the physical fields of a union: the payload stored as
// its most aligned field, and the tag when present.
func (s *Session) unionSpecs(t *ssa.Type, info *structInfo) []fieldSpec {
	_, _, most := t.UnionPayload()
	payloadOff := uint64(0)
	var specs []fieldSpec
	if t.Tag != nil {
		var tagOff uint64
		tagOff, payloadOff = t.UnionLayout()
		info.tag = len(specs)
		specs = append(specs, s.spec(t.Tag, tagOff))
	}
	if most >= 0 {
		ft := t.Fields[most].Type
		info.payload = len(specs)
		specs = append(specs, s.spec(ft, payloadOff))
	}
	return specs
}

// remap converts spec indices recorded during spec construction into
// physical indices.
func (s *Session) remap(info *structInfo, idx []int) {
	phys := func(spec int) int {
		if spec < 0 || spec >= len(idx) {
			return -1
		}
		return idx[spec]
	}
	for i, spec := range info.fields {
		info.fields[i] = phys(spec)
	}
	info.tag = phys(info.tag)
	info.payload = phys(info.payload)
}

// hostType is the integer type holding a bit-packed field.
func hostType(f *ssa.Field) *types.IntType {
	return types.NewInt(uint64(f.HostBytes) * 8)
}

// bitShift is the shift of a bit-packed field inside its host integer.
// Big-endian targets number bit offsets from the most significant end.
func (s *Session) bitShift(hostBytes, bitOffset, bits uint32) uint32 {
	if s.tgt.BigEndian() {
		return hostBytes*8 - bitOffset - bits
	}
	return bitOffset
}

// fieldBits is the width of a bit-packed field.
func fieldBits(t *ssa.Type) uint32 {
	switch t.Kind {
	case ssa.KindBool:
		return 1
	case ssa.KindInt, ssa.KindErrorSet:
		return t.Bits
	case ssa.KindEnum:
		return t.Tag.Bits
	default:
		return uint32(t.Size * 8)
	}
}
