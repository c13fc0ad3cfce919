package ssa

import (
	"fmt"
	"math/big"
)

// ConstID identifies a constant within its ConstPool. Zero is "none".
type ConstID uint32

// ParentKind tells how a constant is embedded in its parent.
type ParentKind uint8

const (
	ParentNone ParentKind = iota
	ParentStruct
	ParentArray
	ParentUnion
	ParentOptional
	ParentErrCode
	ParentErrPayload
)

// ParentRef is a weak back-reference from a constant to the aggregate that
// contains it. It never owns the parent and is resolved through the pool.
type ParentRef struct {
	Kind  ParentKind
	ID    ConstID
	Index uint64
}

// PtrKind is the shape of a pointer constant.
type PtrKind uint8

const (
	PtrNull PtrKind = iota
	// PtrAddr is a hard-coded integer address.
	PtrAddr
	// PtrRef points at another constant node.
	PtrRef
	// PtrElem points at element Index of array constant Base, possibly one past the end.
	PtrElem
	// PtrGlobal points at a module global.
	PtrGlobal
	// PtrFunc is a function address.
	PtrFunc
)

// PtrValue is the payload of a pointer, slice pointer or function constant.
type PtrValue struct {
	Global *Global
	Func   *Function
	Addr   uint64
	Index  uint64
	Base   ConstID
	Kind   PtrKind
}

// Const is a compile-time value.
type Const struct {
	Type *Type
	Int  *big.Int
	Ptr  *PtrValue
	// Payload holds the active union field, a present optional's value or
	// an error union's success value. A nil Payload on an optional is null.
	Payload *Const
	// Err is the error of an error set value or an error union holding an error.
	Err   *ErrorValue
	Elems []*Const

	Float  float64
	Field  int
	Parent ParentRef
	ID     ConstID
	Bool   bool
	Undef  bool
}

func (c *Const) String() string {
	if c == nil {
		return "<nil>"
	}
	if c.Undef {
		return "undefined"
	}
	switch c.Type.Kind {
	case KindBool:
		return fmt.Sprint(c.Bool)
	case KindInt, KindEnum:
		return c.Int.String()
	case KindFloat:
		return fmt.Sprint(c.Float)
	case KindErrorSet:
		return "error." + c.Err.Name
	case KindOptional:
		if c.Payload == nil {
			return "null"
		}
		return c.Payload.String()
	case KindErrorUnion:
		if c.Err != nil {
			return "error." + c.Err.Name
		}
		return c.Payload.String()
	case KindPointer, KindFn, KindSlice:
		if c.Ptr == nil {
			return "null"
		}
		return fmt.Sprintf("&%d[%d]", c.Ptr.Base, c.Ptr.Index)
	default:
		return fmt.Sprintf("%s#%d", c.Type, c.ID)
	}
}

// ConstPool owns every constant of a module and resolves parent references.
type ConstPool struct {
	consts []*Const
}

// NewConstPool creates an empty pool.
func NewConstPool() *ConstPool {
	return &ConstPool{}
}

// Len returns the number of constants in the pool.
func (p *ConstPool) Len() int {
	return len(p.consts)
}

// Lookup resolves an ID; it returns nil for zero or unknown IDs.
func (p *ConstPool) Lookup(id ConstID) *Const {
	if id == 0 || int(id) > len(p.consts) {
		return nil
	}
	return p.consts[id-1]
}

// Add registers c and its not yet registered children, assigning IDs and
// linking children to c through ParentRef.
func (p *ConstPool) Add(c *Const) *Const {
	if c.ID != 0 {
		return c
	}
	p.consts = append(p.consts, c)
	c.ID = ConstID(len(p.consts))

	link := func(child *Const, kind ParentKind, idx uint64) {
		if child == nil {
			return
		}
		p.Add(child)
		if child.Parent.Kind == ParentNone {
			child.Parent = ParentRef{Kind: kind, ID: c.ID, Index: idx}
		}
	}

	switch c.Type.Kind {
	case KindStruct:
		for i, e := range c.Elems {
			link(e, ParentStruct, uint64(i))
		}
	case KindArray:
		for i, e := range c.Elems {
			link(e, ParentArray, uint64(i))
		}
	case KindVector:
		for _, e := range c.Elems {
			p.Add(e)
		}
	case KindUnion:
		link(c.Payload, ParentUnion, uint64(c.Field))
	case KindOptional:
		link(c.Payload, ParentOptional, 0)
	case KindErrorUnion:
		link(c.Payload, ParentErrPayload, 0)
	}
	if c.Type.Sentinel != nil {
		p.Add(c.Type.Sentinel)
	}
	return c
}

// Root walks the parent chain to the outermost aggregate containing c.
func (p *ConstPool) Root(c *Const) *Const {
	for c.Parent.Kind != ParentNone {
		parent := p.Lookup(c.Parent.ID)
		if parent == nil {
			return c
		}
		c = parent
	}
	return c
}

// Int creates an integer or enum constant.
func (p *ConstPool) Int(t *Type, v int64) *Const {
	return p.Add(&Const{Type: t, Int: big.NewInt(v)})
}

// BigInt creates an integer constant from an arbitrary precision value.
func (p *ConstPool) BigInt(t *Type, v *big.Int) *Const {
	return p.Add(&Const{Type: t, Int: new(big.Int).Set(v)})
}

// Bool creates a boolean constant.
func (p *ConstPool) Bool(t *Type, v bool) *Const {
	return p.Add(&Const{Type: t, Bool: v})
}

// Float creates a float constant.
func (p *ConstPool) Float(t *Type, v float64) *Const {
	return p.Add(&Const{Type: t, Float: v})
}

// Undef creates an undefined value of t.
func (p *ConstPool) Undef(t *Type) *Const {
	return p.Add(&Const{Type: t, Undef: true})
}

// Aggregate creates a struct, array or vector constant.
func (p *ConstPool) Aggregate(t *Type, elems ...*Const) *Const {
	return p.Add(&Const{Type: t, Elems: elems})
}

// Union creates a union constant with an active field.
func (p *ConstPool) Union(t *Type, field int, payload *Const) *Const {
	return p.Add(&Const{Type: t, Field: field, Payload: payload})
}

// Null creates a null optional or a null pointer.
func (p *ConstPool) Null(t *Type) *Const {
	if t.Kind == KindOptional {
		return p.Add(&Const{Type: t})
	}
	return p.Add(&Const{Type: t, Ptr: &PtrValue{Kind: PtrNull}})
}

// Optional creates a non-null optional of type t.
func (p *ConstPool) Optional(t *Type, payload *Const) *Const {
	return p.Add(&Const{Type: t, Payload: payload})
}

// Error creates an error set value, or an error union holding an error.
func (p *ConstPool) Error(t *Type, ev *ErrorValue) *Const {
	return p.Add(&Const{Type: t, Err: ev})
}

// Ok creates an error union holding a payload.
func (p *ConstPool) Ok(t *Type, payload *Const) *Const {
	return p.Add(&Const{Type: t, Payload: payload})
}

// Ref creates a pointer to another constant node.
func (p *ConstPool) Ref(t *Type, target *Const) *Const {
	p.Add(target)
	return p.Add(&Const{Type: t, Ptr: &PtrValue{Kind: PtrRef, Base: target.ID}})
}

// ElemRef creates a pointer to element idx of an array constant.
func (p *ConstPool) ElemRef(t *Type, array *Const, idx uint64) *Const {
	p.Add(array)
	return p.Add(&Const{Type: t, Ptr: &PtrValue{Kind: PtrElem, Base: array.ID, Index: idx}})
}

// GlobalRef creates the address of a global.
func (p *ConstPool) GlobalRef(t *Type, g *Global) *Const {
	return p.Add(&Const{Type: t, Ptr: &PtrValue{Kind: PtrGlobal, Global: g}})
}

// FuncRef creates a function address.
func (p *ConstPool) FuncRef(t *Type, f *Function) *Const {
	return p.Add(&Const{Type: t, Ptr: &PtrValue{Kind: PtrFunc, Func: f}})
}

// Addr creates a pointer with a hard-coded address.
func (p *ConstPool) Addr(t *Type, addr uint64) *Const {
	return p.Add(&Const{Type: t, Ptr: &PtrValue{Kind: PtrAddr, Addr: addr}})
}

// Slice creates a slice constant from a many-item pointer constant and a length.
func (p *ConstPool) Slice(t *Type, ptr *Const, length uint64) *Const {
	p.Add(ptr)
	return p.Add(&Const{Type: t, Ptr: ptr.Ptr, Int: new(big.Int).SetUint64(length)})
}
