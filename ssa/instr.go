package ssa

import "fmt"

// Pos is a source location.
type Pos struct {
	File string
	Line int
	Col  int
}

func (p Pos) String() string {
	if p.File == "" {
		return "-"
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
}

// Instruction is one SSA instruction. The set of implementations is closed.
type Instruction interface {
	Header() *Instr
	// Operands lists the instructions this one reads, in a fixed order.
	Operands() []Instruction
	isInstruction()
}

// Instr is the header shared by every instruction.
type Instr struct {
	Type  *Type
	Scope *Scope
	Pos   Pos
	ID    int
	// SideEffects marks instructions that must be lowered even when unused.
	SideEffects bool
}

// Header returns the common header.
func (i *Instr) Header() *Instr { return i }

func (*Instr) isInstruction() {}

func ops(xs ...Instruction) []Instruction {
	out := xs[:0]
	for _, x := range xs {
		if x != nil {
			out = append(out, x)
		}
	}
	return out
}

// BinOpKind selects the arithmetic or bitwise operation of a BinOp.
type BinOpKind uint8

const (
	OpAdd BinOpKind = iota
	OpAddWrap
	OpSub
	OpSubWrap
	OpMul
	OpMulWrap
	OpDiv
	OpDivTrunc
	OpDivFloor
	OpDivExact
	OpRem
	OpMod
	OpShl
	OpShlExact
	OpShr
	OpShrExact
	OpAnd
	OpOr
	OpXor
	OpMin
	OpMax
)

var binOpNames = [...]string{
	OpAdd: "add", OpAddWrap: "add_wrap", OpSub: "sub", OpSubWrap: "sub_wrap",
	OpMul: "mul", OpMulWrap: "mul_wrap", OpDiv: "div", OpDivTrunc: "div_trunc",
	OpDivFloor: "div_floor", OpDivExact: "div_exact", OpRem: "rem", OpMod: "mod",
	OpShl: "shl", OpShlExact: "shl_exact", OpShr: "shr", OpShrExact: "shr_exact",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpMin: "min", OpMax: "max",
}

func (op BinOpKind) String() string {
	if int(op) < len(binOpNames) {
		return binOpNames[op]
	}
	return fmt.Sprintf("binop(%d)", uint8(op))
}

// CmpPred is a comparison predicate.
type CmpPred uint8

const (
	CmpEq CmpPred = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

// BitOpKind selects a bit-counting or byte-order operation.
type BitOpKind uint8

const (
	BitClz BitOpKind = iota
	BitCtz
	BitPopCount
	BitByteSwap
	BitReverse
)

// FloatOpKind selects a unary floating point builtin.
type FloatOpKind uint8

const (
	FloatSqrt FloatOpKind = iota
	FloatSin
	FloatCos
	FloatExp
	FloatExp2
	FloatLog
	FloatLog2
	FloatLog10
	FloatFabs
	FloatFloor
	FloatCeil
	FloatTrunc
	FloatRound
)

// ReduceOp selects a vector reduction.
type ReduceOp uint8

const (
	ReduceAnd ReduceOp = iota
	ReduceOr
	ReduceXor
	ReduceMin
	ReduceMax
	ReduceAdd
	ReduceMul
)

// RmwOp is an atomic read-modify-write operation.
type RmwOp uint8

const (
	RmwXchg RmwOp = iota
	RmwAdd
	RmwSub
	RmwAnd
	RmwNand
	RmwOr
	RmwXor
	RmwMax
	RmwMin
)

// Ordering is an atomic memory ordering.
type Ordering uint8

const (
	OrderUnordered Ordering = iota
	OrderMonotonic
	OrderAcquire
	OrderRelease
	OrderAcqRel
	OrderSeqCst
)

// CallModifier selects how a call is emitted.
type CallModifier uint8

const (
	CallNone CallModifier = iota
	// CallAsync starts an async callee in a caller-provided frame without awaiting it.
	CallAsync
	// CallNoSuspend asserts the callee completes without suspending.
	CallNoSuspend
	CallAlwaysTail
	CallNeverTail
	CallAlwaysInline
	CallNeverInline
	// CallCompileTime never reaches the backend; it is rejected as malformed.
	CallCompileTime
)

// Values

// Constant yields a compile-time value.
type Constant struct {
	Value *Const
	Instr
}

func (*Constant) Operands() []Instruction { return nil }

// Arg yields the Index-th declared parameter.
type Arg struct {
	Instr
	Index int
}

func (*Arg) Operands() []Instruction { return nil }

// Arithmetic

// BinOp is a two-operand arithmetic or bitwise operation on scalars or vectors.
type BinOp struct {
	X, Y Instruction
	Instr
	Op BinOpKind
}

func (i *BinOp) Operands() []Instruction { return ops(i.X, i.Y) }

// Cmp compares two values and yields bool (or a bool vector).
type Cmp struct {
	X, Y Instruction
	Instr
	Pred CmpPred
}

func (i *Cmp) Operands() []Instruction { return ops(i.X, i.Y) }

// Negate is arithmetic negation; Wrap selects -% semantics.
type Negate struct {
	X Instruction
	Instr
	Wrap bool
}

func (i *Negate) Operands() []Instruction { return ops(i.X) }

// BitNot flips every bit of an integer.
type BitNot struct {
	X Instruction
	Instr
}

func (i *BitNot) Operands() []Instruction { return ops(i.X) }

// BoolNot is logical negation.
type BoolNot struct {
	X Instruction
	Instr
}

func (i *BoolNot) Operands() []Instruction { return ops(i.X) }

// OverflowOp computes Op with wrapping, stores the result through Result
// and yields whether it overflowed.
type OverflowOp struct {
	X, Y, Result Instruction
	Instr
	Op BinOpKind
}

func (i *OverflowOp) Operands() []Instruction { return ops(i.X, i.Y, i.Result) }

// BitOp is a bit counting or byte order operation.
type BitOp struct {
	X Instruction
	Instr
	Op BitOpKind
}

func (i *BitOp) Operands() []Instruction { return ops(i.X) }

// FloatOp is a unary floating point builtin.
type FloatOp struct {
	X Instruction
	Instr
	Op FloatOpKind
}

func (i *FloatOp) Operands() []Instruction { return ops(i.X) }

// MulAdd is fused multiply-add: X*Y+Z.
type MulAdd struct {
	X, Y, Z Instruction
	Instr
}

func (i *MulAdd) Operands() []Instruction { return ops(i.X, i.Y, i.Z) }

// Memory

// Alloca reserves storage for a local and yields its address. In async
// functions a non-negative Slot places it in the frame instead.
type Alloca struct {
	Elem *Type
	Name string
	Instr
	Slot  int
	Align uint32
}

func (*Alloca) Operands() []Instruction { return nil }

// Load reads through a pointer.
type Load struct {
	Ptr Instruction
	Instr
}

func (i *Load) Operands() []Instruction { return ops(i.Ptr) }

// Store writes Value through Ptr.
type Store struct {
	Ptr, Value Instruction
	Instr
}

func (i *Store) Operands() []Instruction { return ops(i.Ptr, i.Value) }

// Memset fills Len elements at Dest with Value.
type Memset struct {
	Dest, Value, Len Instruction
	Instr
}

func (i *Memset) Operands() []Instruction { return ops(i.Dest, i.Value, i.Len) }

// Memcpy copies Len elements from Src to Dest.
type Memcpy struct {
	Dest, Src, Len Instruction
	Instr
}

func (i *Memcpy) Operands() []Instruction { return ops(i.Dest, i.Src, i.Len) }

// FieldPtr yields the address of a struct field.
type FieldPtr struct {
	Ptr Instruction
	Instr
	Field int
}

func (i *FieldPtr) Operands() []Instruction { return ops(i.Ptr) }

// UnionFieldPtr yields the address of a union field, checking that it is
// the active one for tagged unions.
type UnionFieldPtr struct {
	Ptr Instruction
	Instr
	Field int
}

func (i *UnionFieldPtr) Operands() []Instruction { return ops(i.Ptr) }

// UnionInit activates Field of the union at Ptr and yields the payload address.
type UnionInit struct {
	Ptr Instruction
	Instr
	Field int
}

func (i *UnionInit) Operands() []Instruction { return ops(i.Ptr) }

// ElemPtr yields the address of element Index of an array (through a
// pointer), a slice value or a many-item pointer.
type ElemPtr struct {
	Ptr, Index Instruction
	Instr
}

func (i *ElemPtr) Operands() []Instruction { return ops(i.Ptr, i.Index) }

// Slice makes a slice of Ptr[Start..End]. End may be nil for arrays and slices.
type Slice struct {
	Ptr, Start, End Instruction
	Instr
}

func (i *Slice) Operands() []Instruction { return ops(i.Ptr, i.Start, i.End) }

// SlicePtr yields the pointer of a slice.
type SlicePtr struct {
	X Instruction
	Instr
}

func (i *SlicePtr) Operands() []Instruction { return ops(i.X) }

// SliceLen yields the length of a slice.
type SliceLen struct {
	X Instruction
	Instr
}

func (i *SliceLen) Operands() []Instruction { return ops(i.X) }

// GlobalPtr yields the address of a module global.
type GlobalPtr struct {
	Global *Global
	Instr
}

func (*GlobalPtr) Operands() []Instruction { return nil }

// Casts

// IntCast converts between integer widths, checking that the value fits.
type IntCast struct {
	X Instruction
	Instr
}

func (i *IntCast) Operands() []Instruction { return ops(i.X) }

// Truncate discards high bits without checking.
type Truncate struct {
	X Instruction
	Instr
}

func (i *Truncate) Operands() []Instruction { return ops(i.X) }

// FloatCast converts between float widths.
type FloatCast struct {
	X Instruction
	Instr
}

func (i *FloatCast) Operands() []Instruction { return ops(i.X) }

// IntToFloat converts an integer to a float.
type IntToFloat struct {
	X Instruction
	Instr
}

func (i *IntToFloat) Operands() []Instruction { return ops(i.X) }

// FloatToInt converts a float to an integer, checking the range.
type FloatToInt struct {
	X Instruction
	Instr
}

func (i *FloatToInt) Operands() []Instruction { return ops(i.X) }

// PtrToInt yields the address of a pointer as usize.
type PtrToInt struct {
	X Instruction
	Instr
}

func (i *PtrToInt) Operands() []Instruction { return ops(i.X) }

// IntToPtr converts an address to a pointer, checking null and alignment.
type IntToPtr struct {
	X Instruction
	Instr
}

func (i *IntToPtr) Operands() []Instruction { return ops(i.X) }

// PtrCast reinterprets a pointer, checking null when the source may be null
// and alignment when the destination is more aligned.
type PtrCast struct {
	X Instruction
	Instr
}

func (i *PtrCast) Operands() []Instruction { return ops(i.X) }

// BitCast reinterprets the bits of a value of equal size.
type BitCast struct {
	X Instruction
	Instr
}

func (i *BitCast) Operands() []Instruction { return ops(i.X) }

// AlignCast asserts a pointer has the result type's alignment.
type AlignCast struct {
	X Instruction
	Instr
}

func (i *AlignCast) Operands() []Instruction { return ops(i.X) }

// IntToEnum converts an integer to an enum, checking membership.
type IntToEnum struct {
	X Instruction
	Instr
}

func (i *IntToEnum) Operands() []Instruction { return ops(i.X) }

// EnumToInt yields the tag value of an enum.
type EnumToInt struct {
	X Instruction
	Instr
}

func (i *EnumToInt) Operands() []Instruction { return ops(i.X) }

// IntToErr converts an integer to an error, checking the code is valid.
type IntToErr struct {
	X Instruction
	Instr
}

func (i *IntToErr) Operands() []Instruction { return ops(i.X) }

// ErrToInt yields the code of an error.
type ErrToInt struct {
	X Instruction
	Instr
}

func (i *ErrToInt) Operands() []Instruction { return ops(i.X) }

// ErrSetCast narrows an error set, checking membership.
type ErrSetCast struct {
	X Instruction
	Instr
}

func (i *ErrSetCast) Operands() []Instruction { return ops(i.X) }

// VectorToArray converts a vector value to an array value.
type VectorToArray struct {
	X Instruction
	Instr
}

func (i *VectorToArray) Operands() []Instruction { return ops(i.X) }

// ArrayToVector converts an array value to a vector value.
type ArrayToVector struct {
	X Instruction
	Instr
}

func (i *ArrayToVector) Operands() []Instruction { return ops(i.X) }

// Optionals and error unions

// OptionalWrap makes a non-null optional from a payload.
type OptionalWrap struct {
	X Instruction
	Instr
}

func (i *OptionalWrap) Operands() []Instruction { return ops(i.X) }

// OptionalPayload yields the payload of an optional value, checking it is
// non-null when Check is set.
type OptionalPayload struct {
	X Instruction
	Instr
	Check bool
}

func (i *OptionalPayload) Operands() []Instruction { return ops(i.X) }

// OptionalPayloadPtr yields the address of the payload of the optional at Ptr.
// Init marks the optional non-null first.
type OptionalPayloadPtr struct {
	Ptr Instruction
	Instr
	Check bool
	Init  bool
}

func (i *OptionalPayloadPtr) Operands() []Instruction { return ops(i.Ptr) }

// TestNonNull yields whether an optional holds a value.
type TestNonNull struct {
	X Instruction
	Instr
}

func (i *TestNonNull) Operands() []Instruction { return ops(i.X) }

// ErrWrapCode makes an error union holding an error.
type ErrWrapCode struct {
	X Instruction
	Instr
}

func (i *ErrWrapCode) Operands() []Instruction { return ops(i.X) }

// ErrWrapPayload makes an error union holding a payload.
type ErrWrapPayload struct {
	X Instruction
	Instr
}

func (i *ErrWrapPayload) Operands() []Instruction { return ops(i.X) }

// UnwrapErrCode yields the error code of an error union value.
type UnwrapErrCode struct {
	X Instruction
	Instr
}

func (i *UnwrapErrCode) Operands() []Instruction { return ops(i.X) }

// UnwrapErrPayload yields the payload of an error union value, checking it
// holds no error when Check is set.
type UnwrapErrPayload struct {
	X Instruction
	Instr
	Check bool
}

func (i *UnwrapErrPayload) Operands() []Instruction { return ops(i.X) }

// ErrPayloadPtr yields the payload address of the error union at Ptr.
// Init clears the error code first.
type ErrPayloadPtr struct {
	Ptr Instruction
	Instr
	Check bool
	Init  bool
}

func (i *ErrPayloadPtr) Operands() []Instruction { return ops(i.Ptr) }

// TestErr yields whether an error union holds an error.
type TestErr struct {
	X Instruction
	Instr
}

func (i *TestErr) Operands() []Instruction { return ops(i.X) }

// UnionTag yields the tag of a tagged union value.
type UnionTag struct {
	X Instruction
	Instr
}

func (i *UnionTag) Operands() []Instruction { return ops(i.X) }

// TagName yields the member name of an enum value as a []const u8.
type TagName struct {
	X Instruction
	Instr
}

func (i *TagName) Operands() []Instruction { return ops(i.X) }

// ErrName yields the name of an error as a []const u8.
type ErrName struct {
	X Instruction
	Instr
}

func (i *ErrName) Operands() []Instruction { return ops(i.X) }

// Vectors

// Splat broadcasts a scalar to every lane of the result vector.
type Splat struct {
	X Instruction
	Instr
}

func (i *Splat) Operands() []Instruction { return ops(i.X) }

// Shuffle selects lanes from A and B. A non-negative mask entry m selects
// A[m]; a negative entry selects B[^m]. Entries of -1 with a nil B are undefined.
type Shuffle struct {
	A, B Instruction
	Instr
	Mask []int
}

func (i *Shuffle) Operands() []Instruction { return ops(i.A, i.B) }

// Reduce folds every lane of a vector into a scalar.
type Reduce struct {
	X Instruction
	Instr
	Op ReduceOp
}

func (i *Reduce) Operands() []Instruction { return ops(i.X) }

// Select picks X or Y per Cond, lane-wise for vectors.
type Select struct {
	Cond, X, Y Instruction
	Instr
}

func (i *Select) Operands() []Instruction { return ops(i.Cond, i.X, i.Y) }

// Atomics

// AtomicLoad reads through Ptr atomically.
type AtomicLoad struct {
	Ptr Instruction
	Instr
	Order Ordering
}

func (i *AtomicLoad) Operands() []Instruction { return ops(i.Ptr) }

// AtomicStore writes through Ptr atomically.
type AtomicStore struct {
	Ptr, Value Instruction
	Instr
	Order Ordering
}

func (i *AtomicStore) Operands() []Instruction { return ops(i.Ptr, i.Value) }

// AtomicRmw atomically applies Op and yields the previous value.
type AtomicRmw struct {
	Ptr, Value Instruction
	Instr
	Op    RmwOp
	Order Ordering
}

func (i *AtomicRmw) Operands() []Instruction { return ops(i.Ptr, i.Value) }

// Cmpxchg compares and swaps; it yields null on success and the observed
// value on failure.
type Cmpxchg struct {
	Ptr, Expected, New Instruction
	Instr
	Success Ordering
	Failure Ordering
	Weak    bool
}

func (i *Cmpxchg) Operands() []Instruction { return ops(i.Ptr, i.Expected, i.New) }

// Fence is a memory barrier.
type Fence struct {
	Instr
	Order Ordering
}

func (*Fence) Operands() []Instruction { return nil }

// Calls and diagnostics

// Call invokes Callee directly or FnPtr indirectly.
//
// For async callees Frame is the callee frame: a pointer to a frame, or a
// byte slice for explicitly placed frames. When Frame is nil in an async
// caller, FrameSlot selects the staging slot of the caller's frame.
// ResultLoc is where an async callee writes its result.
type Call struct {
	Callee    *Function
	FnPtr     Instruction
	Frame     Instruction
	ResultLoc Instruction
	Args      []Instruction
	Instr
	FrameSlot int
	Modifier  CallModifier
}

func (i *Call) Operands() []Instruction {
	out := ops(i.FnPtr, i.Frame, i.ResultLoc)
	for _, a := range i.Args {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

// Return leaves the function. Value is nil for void functions.
type Return struct {
	Value Instruction
	Instr
}

func (i *Return) Operands() []Instruction { return ops(i.Value) }

// SaveErrRetAddr records the current return address in the error return trace.
type SaveErrRetAddr struct {
	Instr
}

func (*SaveErrRetAddr) Operands() []Instruction { return nil }

// ErrReturnTrace yields the current error return trace or null.
type ErrReturnTrace struct {
	Instr
}

func (*ErrReturnTrace) Operands() []Instruction { return nil }

// Panic calls the panic routine with a []const u8 message.
type Panic struct {
	Msg Instruction
	Instr
}

func (i *Panic) Operands() []Instruction { return ops(i.Msg) }

// ReturnAddress yields the caller's return address.
type ReturnAddress struct {
	Instr
}

func (*ReturnAddress) Operands() []Instruction { return nil }

// FrameAddress yields the current stack frame address.
type FrameAddress struct {
	Instr
}

func (*FrameAddress) Operands() []Instruction { return nil }

// Breakpoint traps into a debugger.
type Breakpoint struct {
	Instr
}

func (*Breakpoint) Operands() []Instruction { return nil }

// Control

// Br jumps to Target.
type Br struct {
	Target *Block
	Instr
}

func (*Br) Operands() []Instruction { return nil }

// CondBr branches on a bool.
type CondBr struct {
	Cond       Instruction
	Then, Else *Block
	Instr
}

func (i *CondBr) Operands() []Instruction { return ops(i.Cond) }

// SwitchCase maps a value to a target block.
type SwitchCase struct {
	Value  *Const
	Target *Block
}

// Switch branches on an integer, enum or error value. A nil Else marks the
// cases exhaustive: reaching the default is unreachable.
type Switch struct {
	X     Instruction
	Else  *Block
	Cases []SwitchCase
	Instr
}

func (i *Switch) Operands() []Instruction { return ops(i.X) }

// Unreachable asserts control never reaches this point.
type Unreachable struct {
	Instr
}

func (*Unreachable) Operands() []Instruction { return nil }

// PhiEdge is one incoming value of a Phi.
type PhiEdge struct {
	Block *Block
	Value Instruction
}

// Phi merges values from predecessor blocks.
type Phi struct {
	Edges []PhiEdge
	Instr
}

func (i *Phi) Operands() []Instruction {
	out := make([]Instruction, 0, len(i.Edges))
	for _, e := range i.Edges {
		out = append(out, e.Value)
	}
	return out
}

// Async

// SuspendBegin records a new resume point. Instructions between it and the
// matching SuspendFinish run before control returns to the resumer.
type SuspendBegin struct {
	Instr
}

func (*SuspendBegin) Operands() []Instruction { return nil }

// SuspendFinish returns to the resumer; lowering continues at the resume point.
type SuspendFinish struct {
	Begin *SuspendBegin
	Instr
}

func (*SuspendFinish) Operands() []Instruction { return nil }

// Resume continues a suspended frame.
type Resume struct {
	Frame Instruction
	Instr
}

func (i *Resume) Operands() []Instruction { return ops(i.Frame) }

// Await waits for the async call running in Frame and yields its result,
// which is also written to ResultLoc.
type Await struct {
	Frame, ResultLoc Instruction
	Instr
	NoSuspend bool
}

func (i *Await) Operands() []Instruction { return ops(i.Frame, i.ResultLoc) }

// FrameHandle yields the current function's frame as anyframe.
type FrameHandle struct {
	Instr
}

func (*FrameHandle) Operands() []Instruction { return nil }

// FrameSize yields the frame size of Func in bytes.
type FrameSize struct {
	Func *Function
	Instr
}

func (*FrameSize) Operands() []Instruction { return nil }

// SpillBegin stores X into frame slot Slot.
type SpillBegin struct {
	X Instruction
	Instr
	Slot int
}

func (i *SpillBegin) Operands() []Instruction { return ops(i.X) }

// SpillEnd reloads the value spilled by Begin.
type SpillEnd struct {
	Begin *SpillBegin
	Instr
}

func (i *SpillEnd) Operands() []Instruction { return ops(i.Begin) }

// IsTerminator reports whether instr ends a block.
func IsTerminator(instr Instruction) bool {
	switch instr.(type) {
	case *Br, *CondBr, *Switch, *Return, *Unreachable:
		return true
	default:
		return false
	}
}

// Name renders a short mnemonic for diagnostics.
func Name(instr Instruction) string {
	switch i := instr.(type) {
	case *BinOp:
		return i.Op.String()
	default:
		s := fmt.Sprintf("%T", instr)
		if len(s) > 5 && s[:5] == "*ssa." {
			return s[5:]
		}
		return s
	}
}
