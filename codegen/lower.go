package codegen

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"go.uber.org/zap"

	"github.com/wippyai/llgen/abi"
	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
)

// funcLowerer lowers the body of one function. Its value table is private
// to the function and discarded afterwards.
type funcLowerer struct {
	s    *Session
	fn   *ssa.Function
	irFn *ir.Func
	abi  *fnABI

	entry *ir.Block
	cur   *ir.Block
	dead  *ir.Block
	scope *ssa.Scope

	blocks map[*ssa.Block]*ir.Block
	exits  map[*ssa.Block]*ir.Block
	values map[ssa.Instruction]value.Value
	used   map[ssa.Instruction]bool
	phis   []pendingPhi
	names  map[string]int
	// argPtrs holds the storage of coerced parameters.
	argPtrs map[int]value.Value

	trace value.Value
	sub   *metadata.DISubprogram
	pos   ssa.Pos

	// Async state.
	frame    *Frame
	framePtr value.Value
	dispatch *ir.TermSwitch
	suspends int
	resumeAt map[*ssa.SuspendBegin]*ir.Block
	slotPtrs map[int]value.Value
}

type pendingPhi struct {
	src *ssa.Phi
	phi *ir.InstPhi
}

// lowerAbort carries a compile-time error out of a function being lowered.
type lowerAbort struct{ err error }

// abort stops lowering the current function with err.
func (l *funcLowerer) abort(err error) {
	panic(lowerAbort{err})
}

// lowerFunc lowers the body of f into its declared native function.
// Compile-time errors stop the function and are returned; malformed input
// panics through errors.Fatal.
func (s *Session) lowerFunc(f *ssa.Function) (err error) {
	l := &funcLowerer{
		s:        s,
		fn:       f,
		irFn:     s.declareFunc(f),
		abi:      s.fnABI(f.Sig()),
		blocks:   make(map[*ssa.Block]*ir.Block, len(f.Blocks)),
		exits:    make(map[*ssa.Block]*ir.Block, len(f.Blocks)),
		values:   make(map[ssa.Instruction]value.Value),
		used:     make(map[ssa.Instruction]bool),
		names:    make(map[string]int),
		argPtrs:  make(map[int]value.Value),
		resumeAt: make(map[*ssa.SuspendBegin]*ir.Block),
		slotPtrs: make(map[int]value.Value),
		scope:    f.Scope,
	}
	defer func() {
		if r := recover(); r != nil {
			a, ok := r.(lowerAbort)
			if !ok {
				panic(r)
			}
			err = a.err
		}
	}()
	l.lower()
	return nil
}

func (l *funcLowerer) lower() {
	f := l.fn
	l.sub = l.s.subprogram(f, l.irFn)
	l.entry = l.newBlock("Entry")
	for _, b := range f.Blocks {
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("Block%d", b.Index)
		}
		l.blocks[b] = l.newBlock(name)
		for _, instr := range b.Instrs {
			for _, op := range instr.Operands() {
				l.used[op] = true
			}
		}
	}

	if f.Async {
		l.asyncPrologue()
	} else {
		l.prologue()
	}
	for _, b := range f.Blocks {
		l.lowerBlock(b)
	}
	l.resolvePhis()
	if !f.Async {
		l.entry.NewBr(l.blocks[f.Blocks[0]])
	}
	for _, b := range l.irFn.Blocks {
		if b.Term == nil {
			b.NewUnreachable()
		}
	}
	l.s.log.Debug("lowered function",
		zap.String("func", f.Name),
		zap.Int("blocks", len(l.irFn.Blocks)),
		zap.Int("suspend_points", l.suspends))
}

// prologue moves coerced parameters into memory so their Arg instructions
// can load them.
func (l *funcLowerer) prologue() {
	l.cur = l.entry
	if l.abi.trace >= 0 {
		l.trace = l.irFn.Params[l.abi.trace]
	}
	for i, pi := range l.abi.params {
		c := l.abi.cls.Params[i]
		if pi < 0 || !c.Class.Coerced() {
			continue
		}
		t := l.fn.Sig().Params[i]
		tmp := l.allocaIn(l.s.llType(t), t.Align, sanitize(l.paramName(i)))
		parts := make([]value.Value, len(c.Parts))
		for k := range c.Parts {
			parts[k] = l.irFn.Params[pi+k]
		}
		l.storeParts(tmp, c, parts)
		l.argPtrs[i] = tmp
	}
}

func (l *funcLowerer) paramName(i int) string {
	if i < len(l.fn.Params) && l.fn.Params[i] != "" {
		return l.fn.Params[i]
	}
	return fmt.Sprintf("arg%d", i)
}

func (l *funcLowerer) lowerBlock(b *ssa.Block) {
	l.cur = l.blocks[b]
	for _, instr := range b.Instrs {
		h := instr.Header()
		if !l.used[instr] && !h.SideEffects && !hasEffects(instr) {
			debugf("%s: skip unused %%%d (%T)", l.fn.Name, h.ID, instr)
			continue
		}
		l.scope = scopeOf(h.Scope, b.Scope, l.fn.Scope)
		l.pos = h.Pos
		l.define(instr, l.lowerInstr(instr))
	}
	l.exits[b] = l.cur
}

func scopeOf(scopes ...*ssa.Scope) *ssa.Scope {
	for _, sc := range scopes {
		if sc != nil {
			return sc
		}
	}
	return nil
}

// hasEffects reports instructions that are lowered even when their value is unused.
func hasEffects(instr ssa.Instruction) bool {
	switch i := instr.(type) {
	case *ssa.Store, *ssa.Memset, *ssa.Memcpy, *ssa.Call, *ssa.Return, *ssa.SaveErrRetAddr,
		*ssa.Panic, *ssa.Breakpoint, *ssa.AtomicStore, *ssa.AtomicRmw, *ssa.Cmpxchg, *ssa.Fence,
		*ssa.SuspendBegin, *ssa.SuspendFinish, *ssa.Resume, *ssa.Await, *ssa.SpillBegin,
		*ssa.UnionInit, *ssa.Br, *ssa.CondBr, *ssa.Switch, *ssa.Unreachable:
		return true
	case *ssa.OptionalPayloadPtr:
		return i.Init || i.Check
	case *ssa.ErrPayloadPtr:
		return i.Init || i.Check
	case *ssa.OptionalPayload:
		return i.Check
	case *ssa.UnwrapErrPayload:
		return i.Check
	default:
		return false
	}
}

func (l *funcLowerer) define(instr ssa.Instruction, v value.Value) {
	if _, dup := l.values[instr]; dup {
		errors.Fatal(errors.PhaseLower, "instruction %%%d of %s defined twice", instr.Header().ID, l.fn.Name)
	}
	l.values[instr] = v
}

// value returns the native value of an already lowered instruction.
func (l *funcLowerer) value(instr ssa.Instruction) value.Value {
	v, ok := l.values[instr]
	if !ok {
		errors.Fatal(errors.PhaseLower, "operand %%%d (%s) of %s used before definition", instr.Header().ID, ssa.Name(instr), l.fn.Name)
	}
	if v == nil {
		errors.Fatal(errors.PhaseLower, "operand %%%d (%s) of %s has no value", instr.Header().ID, ssa.Name(instr), l.fn.Name)
	}
	return v
}

func typeOf(instr ssa.Instruction) *ssa.Type {
	return instr.Header().Type
}

func (l *funcLowerer) llType(t *ssa.Type) types.Type {
	return l.s.llType(t)
}

// newBlock appends a block with a function-unique name.
func (l *funcLowerer) newBlock(name string) *ir.Block {
	name = sanitize(name)
	n := l.names[name]
	l.names[name] = n + 1
	if n > 0 {
		name = fmt.Sprintf("%s%d", name, n)
	}
	return l.irFn.NewBlock(name)
}

// allocaIn reserves stack storage in the entry block.
func (l *funcLowerer) allocaIn(t types.Type, align uint32, name string) *ir.InstAlloca {
	a := ir.NewAlloca(t)
	if align > 0 {
		a.Align = ir.Align(align)
	}
	if name != "" {
		a.SetName(l.uniqueLocal(name))
	}
	l.entry.Insts = append(l.entry.Insts, a)
	return a
}

func (l *funcLowerer) uniqueLocal(name string) string {
	name = "v." + sanitize(name)
	n := l.names[name]
	l.names[name] = n + 1
	if n > 0 {
		return fmt.Sprintf("%s%d", name, n)
	}
	return name
}

// zero is the all-zero value of t.
func (l *funcLowerer) zero(t *ssa.Type) constant.Constant {
	return constant.NewZeroInitializer(l.llType(t))
}

// castTo converts v to t where both are pointers or one is an integer.
func (l *funcLowerer) castTo(v value.Value, t types.Type) value.Value {
	from := v.Type()
	if sameType(from, t) {
		return v
	}
	_, fromPtr := from.(*types.PointerType)
	_, toPtr := t.(*types.PointerType)
	_, fromInt := from.(*types.IntType)
	_, toInt := t.(*types.IntType)
	switch {
	case fromPtr && toPtr:
		if c, ok := v.(constant.Constant); ok {
			return constant.NewBitCast(c, t)
		}
		return l.cur.NewBitCast(v, t)
	case fromPtr && toInt:
		return l.cur.NewPtrToInt(v, t)
	case fromInt && toPtr:
		return l.cur.NewIntToPtr(v, t)
	}
	errors.Fatal(errors.PhaseLower, "cannot convert %s to %s in %s", from, t, l.fn.Name)
	return nil
}

// constOperand materializes c for use as an operand of type t. Constants
// whose natural type differs are read back from a private global.
func (l *funcLowerer) constOperand(c *ssa.Const, t *ssa.Type) value.Value {
	v := l.s.constValue(c)
	lt := l.llType(t)
	if sameType(v.Type(), lt) {
		return v
	}
	g := l.s.constGlobal(c)
	ld := l.cur.NewLoad(lt, constant.NewBitCast(g, types.NewPointer(lt)))
	ld.Align = ir.Align(max(t.Align, 1))
	return ld
}

func (l *funcLowerer) resolvePhis() {
	for _, p := range l.phis {
		for _, e := range p.src.Edges {
			pred, ok := l.exits[e.Block]
			if !ok {
				errors.Fatal(errors.PhaseLower, "phi %%%d in %s names unknown predecessor %q", p.src.ID, l.fn.Name, e.Block.Name)
			}
			p.phi.Incs = append(p.phi.Incs, ir.NewIncoming(l.value(e.Value), pred))
		}
	}
}

func (l *funcLowerer) lowerPhi(i *ssa.Phi) value.Value {
	if !i.Type.HasBits() {
		return l.zero(i.Type)
	}
	phi := newPhi(l.cur, l.llType(i.Type))
	l.phis = append(l.phis, pendingPhi{src: i, phi: phi})
	return phi
}

func (l *funcLowerer) lowerArg(i *ssa.Arg) value.Value {
	sig := l.fn.Sig()
	if i.Index < 0 || i.Index >= len(sig.Params) {
		errors.Fatal(errors.PhaseLower, "argument %d out of range in %s", i.Index, l.fn.Name)
	}
	t := sig.Params[i.Index]
	if !t.HasBits() {
		return l.zero(t)
	}
	if l.fn.Async {
		ptr := l.frameField(l.frame, l.framePtr, l.frame.args[i.Index])
		return l.cur.NewLoad(l.llType(t), ptr)
	}
	pi := l.abi.params[i.Index]
	p := l.irFn.Params[pi]
	switch c := l.abi.cls.Params[i.Index]; {
	case c.Class.Indirect():
		ld := l.cur.NewLoad(l.llType(t), p)
		ld.Align = ir.Align(t.Align)
		return ld
	case c.Class.Coerced():
		return l.cur.NewLoad(l.llType(t), l.argPtrs[i.Index])
	default:
		return p
	}
}

// partPtr addresses the coerced part at byte offset off of the value at ptr.
func (l *funcLowerer) partPtr(ptr value.Value, p abi.Part) value.Value {
	raw := l.cur.NewBitCast(ptr, types.I8Ptr)
	at := l.cur.NewGetElementPtr(types.I8, raw, constant.NewInt(l.s.usize, int64(p.Offset)))
	return l.cur.NewBitCast(at, types.NewPointer(partType(p)))
}

// storeParts writes coerced register parts into aggregate storage.
func (l *funcLowerer) storeParts(ptr value.Value, c abi.Classification, parts []value.Value) {
	for k, p := range c.Parts {
		st := l.cur.NewStore(parts[k], l.partPtr(ptr, p))
		st.Align = ir.Align(partAlign(c, p))
	}
}

// loadParts reads coerced register parts out of aggregate storage.
func (l *funcLowerer) loadParts(ptr value.Value, c abi.Classification) []value.Value {
	out := make([]value.Value, len(c.Parts))
	for k, p := range c.Parts {
		ld := l.cur.NewLoad(partType(p), l.partPtr(ptr, p))
		ld.Align = ir.Align(partAlign(c, p))
		out[k] = ld
	}
	return out
}

func partAlign(c abi.Classification, p abi.Part) uint32 {
	a := max(c.Align, 1)
	if p.Offset != 0 {
		a = min(a, 8)
	}
	return a
}

// packParts combines coerced parts into the native return value.
func (l *funcLowerer) packParts(parts []value.Value, c abi.Classification) value.Value {
	if len(parts) == 1 {
		return parts[0]
	}
	rt := partsType(c.Parts)
	var agg value.Value = constant.NewUndef(rt)
	for k, p := range parts {
		agg = l.cur.NewInsertValue(agg, p, uint64(k))
	}
	return agg
}

func (l *funcLowerer) unpackParts(v value.Value, c abi.Classification) []value.Value {
	if len(c.Parts) == 1 {
		return []value.Value{v}
	}
	out := make([]value.Value, len(c.Parts))
	for k := range c.Parts {
		out[k] = l.cur.NewExtractValue(v, uint64(k))
	}
	return out
}

func (l *funcLowerer) lowerReturn(i *ssa.Return) value.Value {
	if l.fn.Async {
		l.asyncReturn(i)
		return nil
	}
	ret := l.abi.cls.Return
	switch ret.Class {
	case abi.Ignore:
		l.cur.NewRet(nil)
	case abi.Direct:
		l.cur.NewRet(l.value(i.Value))
	case abi.SRet:
		st := l.cur.NewStore(l.value(i.Value), l.irFn.Params[l.abi.sret])
		st.Align = ir.Align(max(ret.Align, 1))
		l.cur.NewRet(nil)
	default:
		t := l.fn.Sig().Return
		tmp := l.allocaIn(l.llType(t), max(t.Align, ret.Align), "ret")
		l.cur.NewStore(l.value(i.Value), tmp)
		l.cur.NewRet(l.packParts(l.loadParts(tmp, ret), ret))
	}
	return nil
}

// unreachable terminates the current block. Blocks that already follow a
// failure get a bare unreachable.
func (l *funcLowerer) lowerUnreachable() value.Value {
	if l.cur == l.dead {
		l.cur.NewUnreachable()
		return nil
	}
	l.fail(PanicUnreachable)
	return nil
}

func (l *funcLowerer) lowerInstr(instr ssa.Instruction) value.Value {
	switch i := instr.(type) {
	case *ssa.Constant:
		return l.constOperand(i.Value, i.Type)
	case *ssa.Arg:
		return l.lowerArg(i)

	case *ssa.BinOp:
		return l.lowerBinOp(i)
	case *ssa.Cmp:
		return l.lowerCmp(i)
	case *ssa.Negate:
		return l.lowerNegate(i)
	case *ssa.BitNot:
		return l.cur.NewXor(l.value(i.X), allOnes(l.llType(i.Type)))
	case *ssa.BoolNot:
		return l.cur.NewXor(l.value(i.X), allOnes(l.llType(i.Type)))
	case *ssa.OverflowOp:
		return l.lowerOverflowOp(i)
	case *ssa.BitOp:
		return l.lowerBitOp(i)
	case *ssa.FloatOp:
		return l.lowerFloatOp(i)
	case *ssa.MulAdd:
		t := l.llType(i.Type)
		return l.cur.NewCall(l.s.intrinsic("llvm.fma."+typeSuffix(t), t, t, t, t), l.value(i.X), l.value(i.Y), l.value(i.Z))

	case *ssa.Alloca:
		return l.lowerAlloca(i)
	case *ssa.Load:
		return l.lowerLoad(i)
	case *ssa.Store:
		l.lowerStore(i)
		return nil
	case *ssa.Memset:
		l.lowerMemset(i)
		return nil
	case *ssa.Memcpy:
		l.lowerMemcpy(i)
		return nil
	case *ssa.FieldPtr:
		return l.lowerFieldPtr(i)
	case *ssa.UnionFieldPtr:
		return l.lowerUnionFieldPtr(i)
	case *ssa.UnionInit:
		return l.lowerUnionInit(i)
	case *ssa.ElemPtr:
		return l.lowerElemPtr(i)
	case *ssa.Slice:
		return l.lowerSlice(i)
	case *ssa.SlicePtr:
		return l.cur.NewExtractValue(l.value(i.X), 0)
	case *ssa.SliceLen:
		return l.cur.NewExtractValue(l.value(i.X), 1)
	case *ssa.GlobalPtr:
		return l.castTo(l.s.globalAddr(i.Global), l.llType(i.Type))

	case *ssa.IntCast:
		return l.lowerIntCast(i)
	case *ssa.Truncate:
		return l.lowerTruncate(i)
	case *ssa.FloatCast:
		return l.lowerFloatCast(i)
	case *ssa.IntToFloat:
		return l.lowerIntToFloat(i)
	case *ssa.FloatToInt:
		return l.lowerFloatToInt(i)
	case *ssa.PtrToInt:
		return l.lowerPtrToInt(i)
	case *ssa.IntToPtr:
		return l.lowerIntToPtr(i)
	case *ssa.PtrCast:
		return l.lowerPtrCast(i)
	case *ssa.BitCast:
		return l.lowerBitCast(i)
	case *ssa.AlignCast:
		return l.lowerAlignCast(i)
	case *ssa.IntToEnum:
		return l.lowerIntToEnum(i)
	case *ssa.EnumToInt:
		return l.resize(l.value(i.X), typeOf(i.X), i.Type)
	case *ssa.IntToErr:
		return l.lowerIntToErr(i)
	case *ssa.ErrToInt:
		return l.resize(l.value(i.X), typeOf(i.X), i.Type)
	case *ssa.ErrSetCast:
		return l.lowerErrSetCast(i)
	case *ssa.VectorToArray:
		return l.lowerVectorToArray(i)
	case *ssa.ArrayToVector:
		return l.lowerArrayToVector(i)

	case *ssa.OptionalWrap:
		return l.lowerOptionalWrap(i)
	case *ssa.OptionalPayload:
		return l.lowerOptionalPayload(i)
	case *ssa.OptionalPayloadPtr:
		return l.lowerOptionalPayloadPtr(i)
	case *ssa.TestNonNull:
		return l.testNonNull(l.value(i.X), typeOf(i.X))
	case *ssa.ErrWrapCode:
		return l.lowerErrWrapCode(i)
	case *ssa.ErrWrapPayload:
		return l.lowerErrWrapPayload(i)
	case *ssa.UnwrapErrCode:
		return l.errCode(l.value(i.X), typeOf(i.X))
	case *ssa.UnwrapErrPayload:
		return l.lowerUnwrapErrPayload(i)
	case *ssa.ErrPayloadPtr:
		return l.lowerErrPayloadPtr(i)
	case *ssa.TestErr:
		code := l.errCode(l.value(i.X), typeOf(i.X))
		return l.cur.NewICmp(enum.IPredNE, code, constant.NewInt(l.s.errInt, 0))
	case *ssa.UnionTag:
		return l.lowerUnionTag(i)
	case *ssa.TagName:
		return l.lowerTagName(i)
	case *ssa.ErrName:
		return l.lowerErrName(i)

	case *ssa.Splat:
		return l.lowerSplat(i)
	case *ssa.Shuffle:
		return l.lowerShuffle(i)
	case *ssa.Reduce:
		return l.lowerReduce(i)
	case *ssa.Select:
		return l.cur.NewSelect(l.value(i.Cond), l.value(i.X), l.value(i.Y))

	case *ssa.AtomicLoad:
		return l.lowerAtomicLoad(i)
	case *ssa.AtomicStore:
		l.lowerAtomicStore(i)
		return nil
	case *ssa.AtomicRmw:
		return l.lowerAtomicRmw(i)
	case *ssa.Cmpxchg:
		return l.lowerCmpxchg(i)
	case *ssa.Fence:
		if !l.s.opts.SingleThreaded {
			l.cur.NewFence(ordering(i.Order))
		}
		return nil

	case *ssa.Call:
		return l.lowerCall(i)
	case *ssa.Return:
		return l.lowerReturn(i)
	case *ssa.SaveErrRetAddr:
		l.pushReturnAddress()
		return nil
	case *ssa.ErrReturnTrace:
		return l.castTo(l.traceOrNull(), l.llType(i.Type))
	case *ssa.Panic:
		l.lowerPanic(i)
		return nil
	case *ssa.ReturnAddress:
		if l.fn.Async {
			return constant.NewInt(l.s.usize, 0)
		}
		ra := l.cur.NewCall(l.s.addressIntrinsic("returnaddress"), i32(0))
		return l.castTo(ra, l.llType(i.Type))
	case *ssa.FrameAddress:
		fa := l.cur.NewCall(l.s.addressIntrinsic("frameaddress"), i32(0))
		return l.castTo(fa, l.llType(i.Type))
	case *ssa.Breakpoint:
		l.cur.NewCall(l.s.intrinsic("llvm.debugtrap", types.Void))
		return nil

	case *ssa.Br:
		l.cur.NewBr(l.target(i.Target))
		return nil
	case *ssa.CondBr:
		l.cur.NewCondBr(l.value(i.Cond), l.target(i.Then), l.target(i.Else))
		return nil
	case *ssa.Switch:
		l.lowerSwitch(i)
		return nil
	case *ssa.Unreachable:
		return l.lowerUnreachable()
	case *ssa.Phi:
		return l.lowerPhi(i)

	case *ssa.SuspendBegin:
		l.lowerSuspendBegin(i)
		return nil
	case *ssa.SuspendFinish:
		l.lowerSuspendFinish(i)
		return nil
	case *ssa.Resume:
		l.lowerResume(i)
		return nil
	case *ssa.Await:
		return l.lowerAwait(i)
	case *ssa.FrameHandle:
		return l.lowerFrameHandle(i)
	case *ssa.FrameSize:
		return constant.NewInt(l.s.usize, int64(l.s.frame(i.Func).Size))
	case *ssa.SpillBegin:
		l.lowerSpillBegin(i)
		return nil
	case *ssa.SpillEnd:
		return l.lowerSpillEnd(i)

	default:
		errors.Fatal(errors.PhaseLower, "unknown instruction %T in %s", instr, l.fn.Name)
		return nil
	}
}

func (l *funcLowerer) target(b *ssa.Block) *ir.Block {
	blk, ok := l.blocks[b]
	if !ok {
		errors.Fatal(errors.PhaseLower, "branch to foreign block %q in %s", b.Name, l.fn.Name)
	}
	return blk
}

// allOnes is the all-ones constant of an integer or integer vector type.
func allOnes(t types.Type) constant.Constant {
	return intSplat(t, -1)
}

// intLane is v truncated to the integer type t. Booleans are 0 or 1.
func intLane(t *types.IntType, v int64) *constant.Int {
	if t.BitSize == 1 {
		return constant.NewBool(v&1 != 0)
	}
	return constant.NewInt(t, v)
}

// splatConst builds a scalar constant, or the vector with every lane set to it.
func splatConst(t types.Type, scalar func(types.Type) constant.Constant) constant.Constant {
	vt, ok := t.(*types.VectorType)
	if !ok {
		return scalar(t)
	}
	c := scalar(vt.ElemType)
	lanes := make([]constant.Constant, vt.Len)
	for k := range lanes {
		lanes[k] = c
	}
	return constant.NewVector(vt, lanes...)
}

// intSplat is v as a constant of integer (vector) type t.
func intSplat(t types.Type, v int64) constant.Constant {
	return splatConst(t, func(et types.Type) constant.Constant {
		return intLane(et.(*types.IntType), v)
	})
}
