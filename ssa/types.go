package ssa

import (
	"fmt"
	"strings"

	"github.com/wippyai/llgen/layout"
)

// Kind is the category of a Type.
type Kind uint8

const (
	KindVoid Kind = iota
	KindNoReturn
	KindBool
	KindInt
	KindFloat
	KindPointer
	KindSlice
	KindArray
	KindVector
	KindStruct
	KindUnion
	KindEnum
	KindOptional
	KindErrorSet
	KindErrorUnion
	KindFn
	KindFrame
	KindAnyFrame
)

var kindNames = [...]string{
	KindVoid:       "void",
	KindNoReturn:   "noreturn",
	KindBool:       "bool",
	KindInt:        "int",
	KindFloat:      "float",
	KindPointer:    "pointer",
	KindSlice:      "slice",
	KindArray:      "array",
	KindVector:     "vector",
	KindStruct:     "struct",
	KindUnion:      "union",
	KindEnum:       "enum",
	KindOptional:   "optional",
	KindErrorSet:   "error_set",
	KindErrorUnion: "error_union",
	KindFn:         "fn",
	KindFrame:      "frame",
	KindAnyFrame:   "anyframe",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves a kind name.
func ParseKind(s string) (Kind, bool) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// PtrSize distinguishes single-item, many-item and C pointers.
type PtrSize uint8

const (
	PtrOne PtrSize = iota
	PtrMany
	PtrC
)

// ContainerLayout is the declared layout of a struct or union.
type ContainerLayout uint8

const (
	LayoutAuto ContainerLayout = iota
	LayoutExtern
	LayoutPacked
)

// CallingConv is a function calling convention.
type CallingConv uint8

const (
	CCAuto CallingConv = iota
	CCC
	CCAsync
	CCNaked
	CCInline
	CCCold
)

func (cc CallingConv) String() string {
	switch cc {
	case CCAuto:
		return "auto"
	case CCC:
		return "c"
	case CCAsync:
		return "async"
	case CCNaked:
		return "naked"
	case CCInline:
		return "inline"
	case CCCold:
		return "cold"
	default:
		return fmt.Sprintf("cc(%d)", uint8(cc))
	}
}

// PtrInfo describes a pointer or slice type.
type PtrInfo struct {
	Size      PtrSize
	Const     bool
	Volatile  bool
	AllowZero bool
	// Align overrides the element alignment when non-zero.
	Align uint32
	// HostBytes is non-zero for pointers to bit-packed fields: the pointer
	// addresses a HostBytes-wide integer and the element lives at BitOffset.
	HostBytes uint32
	BitOffset uint32
}

// Field is a struct or union member.
type Field struct {
	Name   string
	Type   *Type
	Offset uint64
	// HostBytes is non-zero when the field shares a host integer with its
	// neighbours in a packed struct. Offset is then the host integer's offset.
	HostBytes uint32
	BitOffset uint32
}

// EnumMember is one named value of an enum.
type EnumMember struct {
	Name  string
	Value int64
}

// ErrorValue is a member of the global error set.
type ErrorValue struct {
	Name string
	Code uint32
}

// FnType is the signature of a function.
type FnType struct {
	Params   []*Type
	Return   *Type
	CC       CallingConv
	Variadic bool
}

// Type is a resolved type with its supplied layout.
type Type struct {
	Elem     *Type
	Sentinel *Const
	Tag      *Type
	ErrSet   *Type
	Fn       *FnType
	Frame    *Function

	Name    string
	Fields  []*Field
	Members []EnumMember
	// Errors lists the members of an error set; nil means the global error set.
	Errors []*ErrorValue

	Size uint64
	Len  uint64
	Ptr  PtrInfo

	Align  uint32
	Bits   uint32
	Kind   Kind
	Layout ContainerLayout
	Signed bool
	// NonExhaustive enums accept any value of the tag type.
	NonExhaustive bool
}

// HasBits reports whether values of the type occupy storage.
func (t *Type) HasBits() bool {
	if t == nil {
		return false
	}
	switch t.Kind {
	case KindVoid, KindNoReturn:
		return false
	case KindBool:
		return true
	case KindInt:
		return t.Bits > 0
	case KindFrame:
		return true
	default:
		return t.Size > 0
	}
}

// IsAggregate reports whether the type lowers to a native aggregate.
func (t *Type) IsAggregate() bool {
	switch t.Kind {
	case KindStruct, KindArray, KindUnion, KindSlice, KindFrame:
		return t.HasBits()
	case KindOptional:
		return t.OptionalRepr() == OptStruct
	case KindErrorUnion:
		return t.Elem.HasBits()
	default:
		return false
	}
}

// IsPtrLike reports whether a value of the type is a non-nullable address,
// letting an optional reuse the zero address as its null.
func (t *Type) IsPtrLike() bool {
	switch t.Kind {
	case KindPointer:
		return t.Ptr.Size != PtrC && !t.Ptr.AllowZero
	case KindFn, KindAnyFrame:
		return true
	default:
		return false
	}
}

// IsSignedInt reports whether comparisons and extensions are signed.
func (t *Type) IsSignedInt() bool {
	switch t.Kind {
	case KindInt:
		return t.Signed
	case KindEnum:
		return t.Tag != nil && t.Tag.Signed
	case KindVector:
		return t.Elem.IsSignedInt()
	default:
		return false
	}
}

// Scalar returns the element type of a vector, or t itself.
func (t *Type) Scalar() *Type {
	if t.Kind == KindVector {
		return t.Elem
	}
	return t
}

// PtrAlign is the effective alignment of the pointee.
func (t *Type) PtrAlign() uint32 {
	if t.Ptr.Align != 0 {
		return t.Ptr.Align
	}
	if t.Elem != nil && t.Elem.Align != 0 {
		return t.Elem.Align
	}
	return 1
}

// OptRepr is the native representation of an optional.
type OptRepr uint8

const (
	// OptBool: the payload has no bits; the optional is a bool.
	OptBool OptRepr = iota
	// OptPtr: the payload is a non-nullable address; null is zero.
	OptPtr
	// OptStruct: a {payload, flag} pair.
	OptStruct
)

// OptionalRepr chooses the representation of an optional type.
func (t *Type) OptionalRepr() OptRepr {
	switch {
	case !t.Elem.HasBits():
		return OptBool
	case t.Elem.IsPtrLike():
		return OptPtr
	default:
		return OptStruct
	}
}

// OptionalFlagOffset is the byte offset of the non-null flag in an OptStruct optional.
func (t *Type) OptionalFlagOffset() uint64 {
	return t.Elem.Size
}

// ErrUnionLayout returns the byte offsets of the error code and the payload.
// The payload goes first only when it is strictly more aligned than the code.
func (t *Type) ErrUnionLayout() (errOff, payloadOff uint64) {
	errOff, payloadOff, _ = layout.Pair(t.ErrSet.Size, t.ErrSet.Align, t.Elem.Size, t.Elem.Align)
	return errOff, payloadOff
}

// ErrUnionPayloadFirst reports whether the payload precedes the code.
func (t *Type) ErrUnionPayloadFirst() bool {
	return t.Elem.HasBits() && t.Elem.Align > t.ErrSet.Align
}

// UnionPayload returns the size and alignment of the union's payload area
// and the index of its most aligned field (-1 when no field has bits).
func (t *Type) UnionPayload() (size uint64, align uint32, mostAligned int) {
	mostAligned = -1
	align = 1
	for i, f := range t.Fields {
		if !f.Type.HasBits() {
			continue
		}
		if f.Type.Size > size {
			size = f.Type.Size
		}
		if mostAligned < 0 || f.Type.Align > align {
			align = f.Type.Align
			mostAligned = i
		}
	}
	return size, align, mostAligned
}

// UnionTagFirst reports whether a tagged union stores its tag before the payload.
func (t *Type) UnionTagFirst() bool {
	_, align, _ := t.UnionPayload()
	return t.Tag.Align >= align
}

// UnionLayout returns the offsets of the tag and payload in a tagged union.
func (t *Type) UnionLayout() (tagOff, payloadOff uint64) {
	size, align, _ := t.UnionPayload()
	c := layout.NewCalculator()
	if t.UnionTagFirst() {
		tagOff = c.Place(t.Tag.Size, t.Tag.Align)
		payloadOff = c.Place(size, align)
	} else {
		payloadOff = c.Place(size, align)
		tagOff = c.Place(t.Tag.Size, t.Tag.Align)
	}
	return tagOff, payloadOff
}

// MemberIndex returns the position of the enum member with the given value.
func (t *Type) MemberIndex(v int64) int {
	for i, m := range t.Members {
		if m.Value == v {
			return i
		}
	}
	return -1
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.Name != "" {
		return t.Name
	}
	switch t.Kind {
	case KindVoid, KindNoReturn, KindBool:
		return t.Kind.String()
	case KindInt:
		if t.Signed {
			return fmt.Sprintf("i%d", t.Bits)
		}
		return fmt.Sprintf("u%d", t.Bits)
	case KindFloat:
		return fmt.Sprintf("f%d", t.Bits)
	case KindPointer:
		var b strings.Builder
		switch t.Ptr.Size {
		case PtrOne:
			b.WriteString("*")
		case PtrMany:
			b.WriteString("[*")
			if t.Sentinel != nil {
				b.WriteString(":s")
			}
			b.WriteString("]")
		case PtrC:
			b.WriteString("[*c]")
		}
		if t.Ptr.AllowZero {
			b.WriteString("allowzero ")
		}
		if t.Ptr.Align != 0 {
			fmt.Fprintf(&b, "align(%d", t.Ptr.Align)
			if t.Ptr.HostBytes != 0 {
				fmt.Fprintf(&b, ":%d:%d", t.Ptr.BitOffset, t.Ptr.HostBytes)
			}
			b.WriteString(") ")
		}
		if t.Ptr.Const {
			b.WriteString("const ")
		}
		if t.Ptr.Volatile {
			b.WriteString("volatile ")
		}
		b.WriteString(t.Elem.String())
		return b.String()
	case KindSlice:
		prefix := "[]"
		if t.Sentinel != nil {
			prefix = "[:s]"
		}
		if t.Ptr.Const {
			prefix += "const "
		}
		return prefix + t.Elem.String()
	case KindArray:
		if t.Sentinel != nil {
			return fmt.Sprintf("[%d:s]%s", t.Len, t.Elem)
		}
		return fmt.Sprintf("[%d]%s", t.Len, t.Elem)
	case KindVector:
		return fmt.Sprintf("@Vector(%d, %s)", t.Len, t.Elem)
	case KindOptional:
		return "?" + t.Elem.String()
	case KindErrorSet:
		if t.Errors == nil {
			return "anyerror"
		}
		names := make([]string, len(t.Errors))
		for i, e := range t.Errors {
			names[i] = e.Name
		}
		return "error{" + strings.Join(names, ",") + "}"
	case KindErrorUnion:
		return t.ErrSet.String() + "!" + t.Elem.String()
	case KindFn:
		return fnString(t.Fn)
	case KindFrame:
		if t.Frame != nil {
			return "@Frame(" + t.Frame.Name + ")"
		}
		return "@Frame(?)"
	case KindAnyFrame:
		if t.Elem != nil {
			return "anyframe->" + t.Elem.String()
		}
		return "anyframe"
	case KindStruct:
		return "struct{" + fieldsString(t.Fields) + "}"
	case KindUnion:
		return "union{" + fieldsString(t.Fields) + "}"
	case KindEnum:
		return "enum(" + t.Tag.String() + ")"
	default:
		return t.Kind.String()
	}
}

func fieldsString(fields []*Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.Type.String()
	}
	return strings.Join(parts, ",")
}

func fnString(fn *FnType) string {
	if fn == nil {
		return "fn"
	}
	params := make([]string, len(fn.Params))
	for i, p := range fn.Params {
		params[i] = p.String()
	}
	cc := ""
	if fn.CC != CCAuto {
		cc = " callconv(" + fn.CC.String() + ")"
	}
	return "fn(" + strings.Join(params, ", ") + ")" + cc + " " + fn.Return.String()
}
