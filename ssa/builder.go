package ssa

// Builder appends instructions to the blocks of one function.
type Builder struct {
	fn     *Function
	types  *TypeTable
	pool   *ConstPool
	cur    *Block
	nextID int
}

// NewBuilder creates a builder for f, which must already belong to m.
func NewBuilder(m *Module, f *Function) *Builder {
	b := &Builder{fn: f, types: m.Types, pool: m.Consts, nextID: 1}
	for _, blk := range f.Blocks {
		for _, in := range blk.Instrs {
			b.nextID = max(b.nextID, in.Header().ID+1)
		}
	}
	return b
}

// NewFunction creates a function of type fnType and adds it to m.
func (m *Module) NewFunction(name string, fnType *Type) *Function {
	f := &Function{
		Name:  name,
		Type:  fnType,
		Scope: NewScope(nil, ScopeDecl),
		Async: fnType.Fn.CC == CCAsync,
	}
	m.Funcs = append(m.Funcs, f)
	return f
}

// Func returns the function being built.
func (b *Builder) Func() *Function { return b.fn }

// Block creates a new block at the end of the function and makes it current.
func (b *Builder) Block(name string) *Block {
	blk := &Block{Name: name, Index: len(b.fn.Blocks), Scope: b.fn.Scope}
	b.fn.Blocks = append(b.fn.Blocks, blk)
	b.cur = blk
	return blk
}

// SetBlock makes blk the insertion block.
func (b *Builder) SetBlock(blk *Block) { b.cur = blk }

// Current returns the insertion block.
func (b *Builder) Current() *Block { return b.cur }

// Emit assigns an ID to instr and appends it to the current block.
func (b *Builder) Emit(instr Instruction) Instruction {
	h := instr.Header()
	if h.ID == 0 {
		h.ID = b.nextID
		b.nextID++
	} else {
		b.nextID = max(b.nextID, h.ID+1)
	}
	if h.Scope == nil {
		h.Scope = b.cur.Scope
	}
	if h.Type == nil {
		h.Type = b.types.Void()
	}
	if !h.SideEffects {
		h.SideEffects = HasSideEffects(instr)
	}
	b.cur.Instrs = append(b.cur.Instrs, instr)
	return instr
}

// Arg reads parameter i.
func (b *Builder) Arg(i int) Instruction {
	return b.Emit(&Arg{Instr: Instr{Type: b.fn.Sig().Params[i]}, Index: i})
}

// Const yields c.
func (b *Builder) Const(c *Const) Instruction {
	return b.Emit(&Constant{Instr: Instr{Type: c.Type}, Value: c})
}

// Int yields an integer constant of type t.
func (b *Builder) Int(t *Type, v int64) Instruction {
	return b.Const(b.pool.Int(t, v))
}

// Bin emits x op y with the type of x.
func (b *Builder) Bin(op BinOpKind, x, y Instruction) Instruction {
	return b.Emit(&BinOp{Instr: Instr{Type: x.Header().Type}, Op: op, X: x, Y: y})
}

// Cmp emits a comparison.
func (b *Builder) Cmp(pred CmpPred, x, y Instruction) Instruction {
	t := b.types.Bool()
	if xt := x.Header().Type; xt.Kind == KindVector {
		t = b.types.Vector(t, xt.Len)
	}
	return b.Emit(&Cmp{Instr: Instr{Type: t}, Pred: pred, X: x, Y: y})
}

// Alloca reserves a local of type t.
func (b *Builder) Alloca(t *Type) Instruction {
	return b.Emit(&Alloca{Instr: Instr{Type: b.types.SinglePtr(t)}, Elem: t, Slot: -1, Align: t.Align})
}

// Load reads through ptr.
func (b *Builder) Load(ptr Instruction) Instruction {
	return b.Emit(&Load{Instr: Instr{Type: ptr.Header().Type.Elem}, Ptr: ptr})
}

// Store writes v through ptr.
func (b *Builder) Store(ptr, v Instruction) Instruction {
	return b.Emit(&Store{Ptr: ptr, Value: v})
}

// ElemPtr computes the address of an element.
func (b *Builder) ElemPtr(ptr, idx Instruction) Instruction {
	pt := ptr.Header().Type
	elem := pt.Elem
	if pt.Kind == KindPointer && pt.Ptr.Size == PtrOne && elem.Kind == KindArray {
		elem = elem.Elem
	}
	rt := b.types.Ptr(elem, PtrInfo{Size: PtrOne, Const: pt.Ptr.Const, Volatile: pt.Ptr.Volatile})
	return b.Emit(&ElemPtr{Instr: Instr{Type: rt}, Ptr: ptr, Index: idx})
}

// FieldPtr computes the address of a struct field.
func (b *Builder) FieldPtr(ptr Instruction, field int) Instruction {
	pt := ptr.Header().Type
	f := pt.Elem.Fields[field]
	info := PtrInfo{Size: PtrOne, Const: pt.Ptr.Const, Volatile: pt.Ptr.Volatile}
	if f.HostBytes != 0 {
		info.HostBytes = f.HostBytes
		info.BitOffset = f.BitOffset
		info.Align = pt.Elem.Align
	}
	return b.Emit(&FieldPtr{Instr: Instr{Type: b.types.Ptr(f.Type, info)}, Ptr: ptr, Field: field})
}

// Call calls f directly.
func (b *Builder) Call(f *Function, args ...Instruction) *Call {
	c := &Call{Instr: Instr{Type: f.Sig().Return}, Callee: f, Args: args, FrameSlot: -1}
	b.Emit(c)
	return c
}

// Ret returns v, or nothing when v is nil.
func (b *Builder) Ret(v Instruction) Instruction {
	return b.Emit(&Return{Value: v})
}

// Br jumps to target.
func (b *Builder) Br(target *Block) Instruction {
	return b.Emit(&Br{Target: target})
}

// CondBr branches on cond.
func (b *Builder) CondBr(cond Instruction, then, els *Block) Instruction {
	return b.Emit(&CondBr{Cond: cond, Then: then, Else: els})
}

// Unreachable ends the block with an unreachable.
func (b *Builder) Unreachable() Instruction {
	return b.Emit(&Unreachable{})
}

// HasSideEffects reports whether instr must be lowered even when its value is unused.
// Instructions that may trap on a safety check are decided by the backend.
func HasSideEffects(instr Instruction) bool {
	switch i := instr.(type) {
	case *Store, *Memset, *Memcpy, *UnionInit, *OverflowOp,
		*AtomicLoad, *AtomicStore, *AtomicRmw, *Cmpxchg, *Fence,
		*Call, *Return, *SaveErrRetAddr, *Panic, *Breakpoint,
		*Br, *CondBr, *Switch, *Unreachable,
		*SuspendBegin, *SuspendFinish, *Resume, *Await, *SpillBegin:
		return true
	case *Load:
		return i.Ptr.Header().Type.Ptr.Volatile
	case *OptionalPayloadPtr:
		return i.Init
	case *ErrPayloadPtr:
		return i.Init
	default:
		return false
	}
}
