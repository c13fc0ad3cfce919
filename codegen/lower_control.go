package codegen

import (
	"github.com/llir/llvm/ir"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
)

// lowerSwitch emits a native switch. Exhaustive switches send the default
// edge to an unreachable failure.
func (l *funcLowerer) lowerSwitch(i *ssa.Switch) {
	x := l.value(i.X)
	cases := make([]*ir.Case, 0, len(i.Cases))
	seen := make(map[string]bool, len(i.Cases))
	for _, c := range i.Cases {
		v := l.s.constValue(c.Value)
		if !sameType(v.Type(), x.Type()) {
			errors.Fatal(errors.PhaseLower, "switch case %s does not match %s in %s", c.Value, typeOf(i.X), l.fn.Name)
		}
		if seen[v.Ident()] {
			errors.Fatal(errors.PhaseLower, "duplicate switch case %s in %s", c.Value, l.fn.Name)
		}
		seen[v.Ident()] = true
		cases = append(cases, ir.NewCase(v, l.target(c.Target)))
	}
	var def *ir.Block
	if i.Else != nil {
		def = l.target(i.Else)
	} else {
		def = l.failBlock(PanicUnreachable)
	}
	l.cur.NewSwitch(x, def, cases...)
}

// lowerPanic calls the panic routine with a []const u8 message.
func (l *funcLowerer) lowerPanic(i *ssa.Panic) {
	msg := l.value(i.Msg)
	ptr := l.castTo(l.cur.NewExtractValue(msg, 0), l.s.panicFunc().Params[0].Typ)
	l.callPanic(ptr, l.cur.NewExtractValue(msg, 1))
	l.dead = l.newBlock("Dead")
	l.cur = l.dead
}
