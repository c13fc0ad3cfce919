package codegen

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
)

// PanicKind is a runtime safety failure.
type PanicKind uint8

const (
	PanicUnreachable PanicKind = iota
	PanicUnwrapNull
	PanicCastToNull
	PanicIncorrectAlignment
	PanicInvalidErrorCode
	PanicCastTruncatedData
	PanicNegativeToUnsigned
	PanicIntegerOverflow
	PanicShlOverflow
	PanicShrOverflow
	PanicDivideByZero
	PanicRemainderByZero
	PanicExactDivisionRemainder
	PanicIndexOutOfBounds
	PanicStartGreaterThanEnd
	PanicSentinelMismatch
	PanicUnwrapError
	PanicInactiveUnionField
	PanicInvalidEnumValue
	PanicFloatToInt
	PanicShiftAmountTooLarge
	PanicBadResume
	PanicBadAwait
	PanicBadReturn
	PanicResumedAnAwaitingFn
	PanicFrameTooSmall
	PanicResumedFnPendingAwait
	PanicBadNoSuspendCall
	PanicResumeNotSuspendedFn

	panicKindCount
)

// PanicPolicy decides what a disabled check becomes.
type PanicPolicy uint8

const (
	// PolicyOmit drops the check; a failure is undefined behaviour.
	PolicyOmit PanicPolicy = iota
	// PolicyTrap keeps the comparison and traps without a message.
	PolicyTrap
)

type panicInfo struct {
	msg    string
	policy PanicPolicy
}

var panicTable = [panicKindCount]panicInfo{
	PanicUnreachable:            {"reached unreachable code", PolicyOmit},
	PanicUnwrapNull:             {"attempt to use null value", PolicyOmit},
	PanicCastToNull:             {"cast causes pointer to be null", PolicyOmit},
	PanicIncorrectAlignment:     {"incorrect alignment", PolicyOmit},
	PanicInvalidErrorCode:       {"invalid error code", PolicyOmit},
	PanicCastTruncatedData:      {"integer cast truncated bits", PolicyOmit},
	PanicNegativeToUnsigned:     {"attempt to cast negative value to unsigned integer", PolicyOmit},
	PanicIntegerOverflow:        {"integer overflow", PolicyOmit},
	PanicShlOverflow:            {"left shift overflowed bits", PolicyOmit},
	PanicShrOverflow:            {"right shift overflowed bits", PolicyOmit},
	PanicDivideByZero:           {"division by zero", PolicyOmit},
	PanicRemainderByZero:        {"remainder division by zero or negative value", PolicyOmit},
	PanicExactDivisionRemainder: {"exact division produced remainder", PolicyOmit},
	PanicIndexOutOfBounds:       {"index out of bounds", PolicyOmit},
	PanicStartGreaterThanEnd:    {"start index is larger than end index", PolicyOmit},
	PanicSentinelMismatch:       {"sentinel mismatch", PolicyOmit},
	PanicUnwrapError:            {"attempt to unwrap error", PolicyOmit},
	PanicInactiveUnionField:     {"access of inactive union field", PolicyOmit},
	PanicInvalidEnumValue:       {"invalid enum value", PolicyOmit},
	PanicFloatToInt:             {"integer part of floating point value out of bounds", PolicyOmit},
	PanicShiftAmountTooLarge:    {"shift amount is greater than the type size", PolicyOmit},
	PanicBadResume:              {"resumed an async function which already returned", PolicyTrap},
	PanicBadAwait:               {"async function awaited twice", PolicyTrap},
	PanicBadReturn:              {"async function returned twice", PolicyTrap},
	PanicResumedAnAwaitingFn:    {"awaiting function resumed", PolicyTrap},
	PanicFrameTooSmall:          {"frame too small", PolicyTrap},
	PanicResumedFnPendingAwait:  {"resumed an async function which can only be awaited", PolicyTrap},
	PanicBadNoSuspendCall:       {"async function called in nosuspend scope suspended", PolicyTrap},
	PanicResumeNotSuspendedFn:   {"resumed a non-suspended function", PolicyTrap},
}

// Message is the text passed to the panic routine.
func (k PanicKind) Message() string {
	if k < panicKindCount {
		return panicTable[k].msg
	}
	return fmt.Sprintf("panic(%d)", uint8(k))
}

// Policy is what a check of this kind becomes when safety is off.
func (k PanicKind) Policy() PanicPolicy {
	if k < panicKindCount {
		return panicTable[k].policy
	}
	return PolicyOmit
}

func (k PanicKind) String() string {
	return k.Message()
}

// panicMessage returns the message global for k, creating it on first use.
func (s *Session) panicMessage(k PanicKind) *ir.Global {
	if g := s.panicMsgs[k]; g != nil {
		return g
	}
	g := s.mod.NewGlobalDef(fmt.Sprintf("panic.msg.%d", uint8(k)), constant.NewCharArrayFromString(k.Message()))
	g.Linkage = enum.LinkagePrivate
	g.UnnamedAddr = enum.UnnamedAddrUnnamedAddr
	g.Immutable = true
	g.Align = 1
	s.panicMsgs[k] = g
	return g
}

// panicFunc declares the external panic routine.
func (s *Session) panicFunc() *ir.Func {
	if s.panicFn != nil {
		return s.panicFn
	}
	f := s.mod.NewFunc(s.opts.PanicFn, types.Void,
		ir.NewParam("msg", types.I8Ptr),
		ir.NewParam("len", s.usize),
		ir.NewParam("trace", types.NewPointer(s.traceType())),
	)
	f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrCold, enum.FuncAttrNoReturn, enum.FuncAttrNoUnwind)
	s.panicFn = f
	return f
}

// bytesPtr is a constant i8* to the first byte of a character array global.
func bytesPtr(g *ir.Global) constant.Constant {
	zero := constant.NewInt(types.I32, 0)
	return constant.NewGetElementPtr(g.ContentType, g, zero, zero)
}
