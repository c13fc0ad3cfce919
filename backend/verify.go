package backend

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/wippyai/llgen/errors"
)

// Verify checks the populated module for structural validity before it is
// handed to the LLVM toolchain. All problems are collected; the returned
// error is a *errors.DiagnosticsError when any were found.
//
// Verify is a pre-check: it covers block structure, phi edges, call arity
// and SSA dominance, but not types, attributes or metadata syntax. llc and
// opt run the full LLVM verifier on what Emit writes.
func Verify(m *ir.Module) error {
	if m == nil {
		return errors.InvalidInput(errors.PhaseVerify, nil, "nil module")
	}
	var diags errors.Diagnostics
	for _, f := range m.Funcs {
		if len(f.Blocks) == 0 {
			continue
		}
		v := &funcVerifier{fn: f, diags: &diags, blocks: make(map[*ir.Block]bool, len(f.Blocks))}
		v.verify()
	}
	return diags.Err()
}

type funcVerifier struct {
	fn     *ir.Func
	diags  *errors.Diagnostics
	blocks map[*ir.Block]bool
	preds  map[*ir.Block]map[*ir.Block]bool
}

func (v *funcVerifier) errorf(block string, format string, args ...any) {
	b := errors.New(errors.PhaseVerify, errors.KindVerify).
		Func(v.fn.Name()).
		Detail(format, args...)
	if block != "" {
		b.Path(block)
	}
	v.diags.Add(b.Build())
}

func (v *funcVerifier) verify() {
	for _, b := range v.fn.Blocks {
		v.blocks[b] = true
	}
	v.preds = make(map[*ir.Block]map[*ir.Block]bool, len(v.fn.Blocks))

	for i, b := range v.fn.Blocks {
		name := blockName(b, i)
		if b.Parent != nil && b.Parent != v.fn {
			v.errorf(name, "block belongs to function %s", b.Parent.Name())
		}
		if b.Term == nil {
			v.errorf(name, "block has no terminator")
			continue
		}
		for _, succ := range b.Term.Succs() {
			if !v.blocks[succ] {
				v.errorf(name, "branch to block %s outside the function", succ.Ident())
				continue
			}
			if v.preds[succ] == nil {
				v.preds[succ] = make(map[*ir.Block]bool)
			}
			v.preds[succ][b] = true
		}
		if sw, ok := b.Term.(*ir.TermSwitch); ok {
			v.verifySwitch(name, sw)
		}
	}

	v.verifyDominance()

	for i, b := range v.fn.Blocks {
		name := blockName(b, i)
		seenOther := false
		for _, inst := range b.Insts {
			switch inst := inst.(type) {
			case *ir.InstPhi:
				if seenOther {
					v.errorf(name, "phi %s is not grouped at the top of the block", inst.Ident())
				}
				v.verifyPhi(name, b, inst)
			case *ir.InstCall:
				seenOther = true
				v.verifyCall(name, inst)
			default:
				seenOther = true
			}
		}
	}
}

func (v *funcVerifier) verifySwitch(block string, sw *ir.TermSwitch) {
	seen := make(map[string]bool, len(sw.Cases))
	for _, c := range sw.Cases {
		key := c.X.Ident()
		if seen[key] {
			v.errorf(block, "duplicate switch case %s", key)
		}
		seen[key] = true
	}
}

func (v *funcVerifier) verifyPhi(block string, b *ir.Block, phi *ir.InstPhi) {
	if len(phi.Incs) == 0 {
		v.errorf(block, "phi %s has no incoming values", phi.Ident())
		return
	}
	seen := make(map[*ir.Block]bool, len(phi.Incs))
	for _, inc := range phi.Incs {
		var pv value.Value = inc.Pred
		pred, ok := pv.(*ir.Block)
		if !ok {
			v.errorf(block, "phi %s has non-block predecessor %s", phi.Ident(), pv.Ident())
			continue
		}
		if !v.blocks[pred] {
			v.errorf(block, "phi %s names block %s outside the function", phi.Ident(), pred.Ident())
			continue
		}
		if !v.preds[b][pred] {
			v.errorf(block, "phi %s names %s which does not branch here", phi.Ident(), pred.Ident())
		}
		seen[pred] = true
	}
	for pred := range v.preds[b] {
		if !seen[pred] {
			v.errorf(block, "phi %s is missing an entry for predecessor %s", phi.Ident(), pred.Ident())
		}
	}
}

func (v *funcVerifier) verifyCall(block string, call *ir.InstCall) {
	sig := calleeSig(call.Callee)
	if sig == nil {
		return
	}
	n := len(call.Args)
	switch {
	case sig.Variadic && n < len(sig.Params):
		v.errorf(block, "call to %s passes %d arguments, want at least %d", call.Callee.Ident(), n, len(sig.Params))
	case !sig.Variadic && n != len(sig.Params):
		v.errorf(block, "call to %s passes %d arguments, want %d", call.Callee.Ident(), n, len(sig.Params))
	}
}

func calleeSig(callee value.Value) *types.FuncType {
	switch t := callee.Type().(type) {
	case *types.PointerType:
		sig, _ := t.ElemType.(*types.FuncType)
		return sig
	case *types.FuncType:
		return t
	}
	return nil
}

func blockName(b *ir.Block, i int) string {
	if name := b.Name(); name != "" {
		return name
	}
	return fmt.Sprintf("block%d", i)
}

// operands is implemented by llir instructions and terminators.
type operands interface {
	Operands() []*value.Value
}

// defSite locates an instruction result within the function.
type defSite struct {
	block int
	index int
}

// verifyDominance checks that every instruction operand defined in this
// function dominates its use. Uses in unreachable blocks are not checked.
func (v *funcVerifier) verifyDominance() {
	blocks := v.fn.Blocks
	index := make(map[*ir.Block]int, len(blocks))
	for i, b := range blocks {
		index[b] = i
	}
	defs := make(map[value.Value]defSite)
	for bi, b := range blocks {
		for ii, inst := range b.Insts {
			if val, ok := inst.(value.Value); ok {
				defs[val] = defSite{block: bi, index: ii}
			}
		}
	}
	dom, reachable := dominators(blocks, index, v.preds)
	dominates := func(d defSite, block, at int) bool {
		if d.block == block {
			return d.index < at
		}
		return dom[block][d.block]
	}

	for bi, b := range blocks {
		if !reachable[bi] {
			continue
		}
		name := blockName(b, bi)
		check := func(inst any, at int) {
			ops, ok := inst.(operands)
			if !ok {
				return
			}
			for _, op := range ops.Operands() {
				if op == nil || *op == nil {
					continue
				}
				d, ok := defs[*op]
				if !ok {
					continue
				}
				if !dominates(d, bi, at) {
					v.errorf(name, "%s does not dominate its use", (*op).Ident())
				}
			}
		}
		for ii, inst := range b.Insts {
			if phi, ok := inst.(*ir.InstPhi); ok {
				for _, inc := range phi.Incs {
					var pv value.Value = inc.Pred
					pred, ok := pv.(*ir.Block)
					if !ok || inc.X == nil {
						continue
					}
					d, ok := defs[inc.X]
					pi, known := index[pred]
					if !ok || !known || !reachable[pi] {
						continue
					}
					if !dominates(d, pi, len(pred.Insts)) {
						v.errorf(name, "%s does not dominate the edge from %s", inc.X.Ident(), pred.Ident())
					}
				}
				continue
			}
			check(inst, ii)
		}
		if b.Term != nil {
			check(b.Term, len(b.Insts))
		}
	}
}

// dominators computes, for each block, the set of blocks dominating it.
// Unreachable blocks are left with empty sets.
func dominators(blocks []*ir.Block, index map[*ir.Block]int, preds map[*ir.Block]map[*ir.Block]bool) ([][]bool, []bool) {
	n := len(blocks)
	reachable := make([]bool, n)
	stack := []int{0}
	reachable[0] = true
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if blocks[b].Term == nil {
			continue
		}
		for _, succ := range blocks[b].Term.Succs() {
			si, ok := index[succ]
			if ok && !reachable[si] {
				reachable[si] = true
				stack = append(stack, si)
			}
		}
	}

	dom := make([][]bool, n)
	for i := range dom {
		dom[i] = make([]bool, n)
		if !reachable[i] {
			continue
		}
		if i == 0 {
			dom[0][0] = true
			continue
		}
		for j := range dom[i] {
			dom[i][j] = reachable[j]
		}
	}
	for changed := true; changed; {
		changed = false
		for i := 1; i < n; i++ {
			if !reachable[i] {
				continue
			}
			next := make([]bool, n)
			first := true
			for p := range preds[blocks[i]] {
				pi := index[p]
				if !reachable[pi] {
					continue
				}
				if first {
					copy(next, dom[pi])
					first = false
					continue
				}
				for j := range next {
					next[j] = next[j] && dom[pi][j]
				}
			}
			next[i] = true
			for j := range next {
				if next[j] != dom[i][j] {
					dom[i] = next
					changed = true
					break
				}
			}
		}
	}
	return dom, reachable
}
