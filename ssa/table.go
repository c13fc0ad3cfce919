package ssa

import (
	"fmt"

	"github.com/wippyai/llgen/layout"
)

// TypeTable builds and interns types with C-like natural layout for a
// pointer width. Producers that compute their own layout can construct
// Type values directly instead.
type TypeTable struct {
	interned    map[string]*Type
	ptrBytes    uint64
	maxIntAlign uint32
	errBits     uint32
}

// NewTypeTable creates a table for ptrBits-wide pointers. maxIntAlign caps
// integer alignment; errBits is the error code width.
func NewTypeTable(ptrBits int, maxIntAlign uint32, errBits int) *TypeTable {
	return &TypeTable{
		interned:    make(map[string]*Type),
		ptrBytes:    uint64(ptrBits / 8),
		maxIntAlign: maxIntAlign,
		errBits:     uint32(errBits),
	}
}

func (tt *TypeTable) intern(t *Type) *Type {
	key := t.Kind.String() + ":" + t.String()
	if t.Name != "" {
		key = t.Kind.String() + "#" + t.Name
	}
	if have, ok := tt.interned[key]; ok {
		return have
	}
	tt.interned[key] = t
	return t
}

// Register adds a type built elsewhere so later lookups by name find it.
func (tt *TypeTable) Register(t *Type) *Type {
	return tt.intern(t)
}

// Lookup finds an interned named type.
func (tt *TypeTable) Lookup(kind Kind, name string) *Type {
	return tt.interned[kind.String()+"#"+name]
}

// PtrBytes is the pointer width in bytes.
func (tt *TypeTable) PtrBytes() uint64 {
	return tt.ptrBytes
}

func (tt *TypeTable) intLayout(bits uint32) (uint64, uint32) {
	if bits == 0 {
		return 0, 1
	}
	size := uint64(1)
	for size*8 < uint64(bits) {
		size <<= 1
	}
	align := uint32(size)
	if align > tt.maxIntAlign {
		align = tt.maxIntAlign
	}
	return layout.AlignTo(size, uint64(align)), align
}

// Void is the empty type.
func (tt *TypeTable) Void() *Type {
	return tt.intern(&Type{Kind: KindVoid, Align: 1})
}

// NoReturn is the type of expressions that never complete.
func (tt *TypeTable) NoReturn() *Type {
	return tt.intern(&Type{Kind: KindNoReturn, Align: 1})
}

// Bool is the boolean type.
func (tt *TypeTable) Bool() *Type {
	return tt.intern(&Type{Kind: KindBool, Size: 1, Align: 1, Bits: 1})
}

// Int returns the integer type of the given width and signedness.
func (tt *TypeTable) Int(signed bool, bits int) *Type {
	size, align := tt.intLayout(uint32(bits))
	return tt.intern(&Type{Kind: KindInt, Bits: uint32(bits), Signed: signed, Size: size, Align: align})
}

// U is shorthand for an unsigned integer.
func (tt *TypeTable) U(bits int) *Type { return tt.Int(false, bits) }

// I is shorthand for a signed integer.
func (tt *TypeTable) I(bits int) *Type { return tt.Int(true, bits) }

// Usize is the pointer-sized unsigned integer.
func (tt *TypeTable) Usize() *Type { return tt.U(int(tt.ptrBytes * 8)) }

// Float returns the float type of the given width.
func (tt *TypeTable) Float(bits int) *Type {
	var size uint64
	var align uint32
	switch bits {
	case 16:
		size, align = 2, 2
	case 32:
		size, align = 4, 4
	case 64:
		size, align = 8, 8
	case 80:
		size, align = 16, 16
	case 128:
		size, align = 16, 16
	default:
		panic(fmt.Sprintf("ssa: invalid float width %d", bits))
	}
	return tt.intern(&Type{Kind: KindFloat, Bits: uint32(bits), Size: size, Align: align})
}

// Ptr returns a pointer type.
func (tt *TypeTable) Ptr(elem *Type, info PtrInfo) *Type {
	return tt.intern(&Type{Kind: KindPointer, Elem: elem, Ptr: info, Size: tt.ptrBytes, Align: uint32(tt.ptrBytes)})
}

// SinglePtr is *T.
func (tt *TypeTable) SinglePtr(elem *Type) *Type {
	return tt.Ptr(elem, PtrInfo{Size: PtrOne})
}

// ManyPtr is [*]T.
func (tt *TypeTable) ManyPtr(elem *Type) *Type {
	return tt.Ptr(elem, PtrInfo{Size: PtrMany})
}

// Slice returns []T, or [:sentinel]T when sentinel is non-nil.
func (tt *TypeTable) Slice(elem *Type, constant bool, sentinel *Const) *Type {
	t := &Type{
		Kind:     KindSlice,
		Elem:     elem,
		Sentinel: sentinel,
		Ptr:      PtrInfo{Size: PtrMany, Const: constant},
		Size:     2 * tt.ptrBytes,
		Align:    uint32(tt.ptrBytes),
	}
	if sentinel != nil {
		return t
	}
	return tt.intern(t)
}

// Array returns [n]T, or [n:sentinel]T when sentinel is non-nil.
func (tt *TypeTable) Array(elem *Type, n uint64, sentinel *Const) *Type {
	count := n
	if sentinel != nil {
		count++
	}
	t := &Type{Kind: KindArray, Elem: elem, Len: n, Sentinel: sentinel, Size: elem.Size * count, Align: elem.Align}
	if sentinel != nil {
		return t
	}
	return tt.intern(t)
}

// Vector returns @Vector(n, T).
func (tt *TypeTable) Vector(elem *Type, n uint64) *Type {
	size := uint64(1)
	raw := n * elem.Size
	if elem.Kind == KindBool {
		raw = (n + 7) / 8
	}
	for size < raw {
		size <<= 1
	}
	return tt.intern(&Type{Kind: KindVector, Elem: elem, Len: n, Size: size, Align: uint32(min(size, 16))})
}

// Struct builds a struct type, placing fields at natural offsets. Packed
// structs place every field at byte granularity with alignment one.
func (tt *TypeTable) Struct(name string, lay ContainerLayout, fields ...*Field) *Type {
	c := layout.NewCalculator()
	for _, f := range fields {
		align := f.Type.Align
		if lay == LayoutPacked {
			align = 1
		}
		if !f.Type.HasBits() {
			f.Offset = c.Offset()
			continue
		}
		f.Offset = c.Place(f.Type.Size, align)
	}
	info := c.Finish()
	return tt.intern(&Type{Kind: KindStruct, Name: name, Layout: lay, Fields: fields, Size: info.Size, Align: info.Align})
}

// PackedHostStruct builds a packed struct whose fields are all bit-packed
// into a single host integer of the struct's total bit width.
func (tt *TypeTable) PackedHostStruct(name string, fields ...*Field) *Type {
	var bits uint32
	for _, f := range fields {
		f.BitOffset = bits
		f.Offset = 0
		bits += fieldBits(f.Type)
	}
	host, align := tt.intLayout(bits)
	for _, f := range fields {
		f.HostBytes = uint32(host)
	}
	return tt.intern(&Type{Kind: KindStruct, Name: name, Layout: LayoutPacked, Fields: fields, Size: host, Align: align})
}

func fieldBits(t *Type) uint32 {
	switch t.Kind {
	case KindBool:
		return 1
	case KindInt:
		return t.Bits
	case KindEnum:
		return t.Tag.Bits
	default:
		return uint32(t.Size * 8)
	}
}

// Union builds a union. A nil tag makes it untagged.
func (tt *TypeTable) Union(name string, tag *Type, fields ...*Field) *Type {
	t := &Type{Kind: KindUnion, Name: name, Tag: tag, Fields: fields}
	size, align, _ := t.UnionPayload()
	if tag == nil {
		t.Size = layout.AlignTo(size, uint64(align))
		t.Align = align
		return tt.intern(t)
	}
	c := layout.NewCalculator()
	if tag.Align >= align {
		c.Place(tag.Size, tag.Align)
		c.Place(size, align)
	} else {
		c.Place(size, align)
		c.Place(tag.Size, tag.Align)
	}
	info := c.Finish()
	t.Size, t.Align = info.Size, info.Align
	return tt.intern(t)
}

// Enum builds an enum over an integer tag.
func (tt *TypeTable) Enum(name string, tag *Type, members ...EnumMember) *Type {
	return tt.intern(&Type{Kind: KindEnum, Name: name, Tag: tag, Members: members, Size: tag.Size, Align: tag.Align, Bits: tag.Bits})
}

// ErrorSet builds an error set; nil members means the global error set.
func (tt *TypeTable) ErrorSet(name string, members []*ErrorValue) *Type {
	size, align := tt.intLayout(tt.errBits)
	return tt.intern(&Type{Kind: KindErrorSet, Name: name, Errors: members, Size: size, Align: align, Bits: tt.errBits})
}

// AnyError is the global error set.
func (tt *TypeTable) AnyError() *Type {
	return tt.ErrorSet("", nil)
}

// Optional builds ?T.
func (tt *TypeTable) Optional(payload *Type) *Type {
	t := &Type{Kind: KindOptional, Elem: payload}
	switch t.OptionalRepr() {
	case OptBool:
		t.Size, t.Align = 1, 1
	case OptPtr:
		t.Size, t.Align = payload.Size, payload.Align
	default:
		c := layout.NewCalculator()
		c.Place(payload.Size, payload.Align)
		c.Place(1, 1)
		info := c.Finish()
		t.Size, t.Align = info.Size, info.Align
	}
	return tt.intern(t)
}

// ErrorUnion builds E!T.
func (tt *TypeTable) ErrorUnion(set, payload *Type) *Type {
	t := &Type{Kind: KindErrorUnion, ErrSet: set, Elem: payload}
	if !payload.HasBits() {
		t.Size, t.Align = set.Size, set.Align
	} else {
		_, _, info := layout.Pair(set.Size, set.Align, payload.Size, payload.Align)
		t.Size, t.Align = info.Size, info.Align
	}
	return tt.intern(t)
}

// Fn builds a function type. Values of function type are code addresses.
func (tt *TypeTable) Fn(ret *Type, cc CallingConv, params ...*Type) *Type {
	return tt.intern(&Type{Kind: KindFn, Fn: &FnType{Params: params, Return: ret, CC: cc}, Size: tt.ptrBytes, Align: uint32(tt.ptrBytes)})
}

// AnyFrame builds anyframe->T; a nil result gives the bare anyframe.
func (tt *TypeTable) AnyFrame(result *Type) *Type {
	return tt.intern(&Type{Kind: KindAnyFrame, Elem: result, Size: tt.ptrBytes, Align: uint32(tt.ptrBytes)})
}

// Frame builds @Frame(f). Its size is filled in by the backend once the
// frame is laid out.
func (tt *TypeTable) Frame(f *Function) *Type {
	return tt.intern(&Type{Kind: KindFrame, Frame: f, Align: uint32(tt.ptrBytes)})
}
