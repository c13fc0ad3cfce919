package codegen

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/wippyai/llgen/abi"
	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
)

// calleeSig returns the signature of a call's target.
func calleeSig(i *ssa.Call) *ssa.FnType {
	if i.Callee != nil {
		return i.Callee.Sig()
	}
	t := typeOf(i.FnPtr)
	if t.Kind == ssa.KindPointer {
		t = t.Elem
	}
	if t.Kind == ssa.KindOptional {
		t = t.Elem
	}
	if t.Kind != ssa.KindFn || t.Fn == nil {
		errors.Fatal(errors.PhaseLower, "call through non-function %s", typeOf(i.FnPtr))
	}
	return t.Fn
}

func (l *funcLowerer) lowerCall(i *ssa.Call) value.Value {
	if i.Modifier == ssa.CallCompileTime {
		errors.Fatal(errors.PhaseLower, "compile-time call reached lowering in %s", l.fn.Name)
	}
	sig := calleeSig(i)
	if isAsync(sig) {
		return l.lowerAsyncCall(i)
	}
	a := l.s.fnABI(sig)

	var target value.Value
	cc := a.cc
	if i.Callee != nil {
		fn := l.s.declareFunc(i.Callee)
		target, cc = fn, fn.CallingConv
	} else {
		target = l.castTo(l.value(i.FnPtr), types.NewPointer(a.sig))
	}

	args := make([]value.Value, len(a.sig.Params))
	var sret value.Value
	if a.sret >= 0 {
		rt := sig.Return
		sret = l.allocaIn(l.llType(rt), max(rt.Align, a.cls.Return.Align, 1), "sret")
		args[a.sret] = sret
	}
	if a.trace >= 0 {
		args[a.trace] = l.traceValue()
	}
	for k, pt := range sig.Params {
		if k >= len(i.Args) {
			errors.Fatal(errors.PhaseLower, "call in %s passes %d arguments, want %d", l.fn.Name, len(i.Args), len(sig.Params))
		}
		pi := a.params[k]
		if pi < 0 {
			continue
		}
		v := l.value(i.Args[k])
		c := a.cls.Params[k]
		switch {
		case c.Class.Indirect():
			tmp := l.allocaIn(l.llType(pt), max(pt.Align, c.Align, 1), "arg")
			l.cur.NewStore(v, tmp)
			args[pi] = tmp
		case c.Class.Coerced():
			tmp := l.allocaIn(l.llType(pt), max(pt.Align, c.Align, 1), "arg")
			l.cur.NewStore(v, tmp)
			for n, part := range l.loadParts(tmp, c) {
				args[pi+n] = part
			}
		default:
			args[pi] = v
		}
	}
	for _, extra := range i.Args[len(sig.Params):] {
		args = append(args, l.value(extra))
	}

	call := l.cur.NewCall(target, args...)
	call.CallingConv = cc
	switch i.Modifier {
	case ssa.CallAlwaysTail:
		call.Tail = enum.TailMustTail
	case ssa.CallNeverTail:
		call.Tail = enum.TailNoTail
	case ssa.CallAlwaysInline:
		call.FuncAttrs = append(call.FuncAttrs, enum.FuncAttrAlwaysInline)
	case ssa.CallNeverInline:
		call.FuncAttrs = append(call.FuncAttrs, enum.FuncAttrNoInline)
	}
	l.attachLocation(call)
	return l.callResult(call, a, sig.Return, sret)
}

// callResult turns the native result of a call back into the SSA value.
func (l *funcLowerer) callResult(call *ir.InstCall, a *fnABI, rt *ssa.Type, sret value.Value) value.Value {
	ret := a.cls.Return
	switch ret.Class {
	case abi.Ignore:
		if rt == nil || rt.Kind == ssa.KindVoid || rt.Kind == ssa.KindNoReturn {
			return nil
		}
		return l.zero(rt)
	case abi.Direct:
		return call
	case abi.SRet:
		ld := l.cur.NewLoad(l.llType(rt), sret)
		ld.Align = ir.Align(max(rt.Align, 1))
		return ld
	default:
		tmp := l.allocaIn(l.llType(rt), max(rt.Align, ret.Align, 1), "ret")
		l.storeParts(tmp, ret, l.unpackParts(call, ret))
		return l.cur.NewLoad(l.llType(rt), tmp)
	}
}
