package codegen

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"

	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

// countOf counts the instructions of type T in f.
func countOf[T ir.Instruction](f *ir.Func) int {
	return countInsts(f, func(inst ir.Instruction) bool {
		_, ok := inst.(T)
		return ok
	})
}

// intBinFunc defines f(x, y t) t { return x op y }.
func intBinFunc(m *ssa.Module, tt *ssa.TypeTable, t *ssa.Type, op ssa.BinOpKind) {
	f := m.NewFunction("f", tt.Fn(t, ssa.CCAuto, t, t))
	b := ssa.NewBuilder(m, f)
	b.Block("entry")
	b.Ret(b.Bin(op, b.Arg(0), b.Arg(1)))
}

// shiftFunc defines f(x xt, y yt) xt { return x op y }.
func shiftFunc(m *ssa.Module, tt *ssa.TypeTable, xt, yt *ssa.Type, op ssa.BinOpKind) {
	f := m.NewFunction("f", tt.Fn(xt, ssa.CCAuto, xt, yt))
	b := ssa.NewBuilder(m, f)
	b.Block("entry")
	b.Ret(b.Emit(&ssa.BinOp{Instr: ssa.Instr{Type: xt}, Op: op, X: b.Arg(0), Y: b.Arg(1)}))
}

func TestShiftAmountCheckedInItsOwnType(t *testing.T) {
	tests := []struct {
		name   string
		amount int
		checks int
	}{
		{"wider amount", 16, 1},
		{"full width amount", 64, 1},
		{"amount that always fits", 3, 0},
		{"amount just too wide", 4, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, tt := newTestModule()
			shiftFunc(m, tt, tt.U(8), tt.U(tc.amount), ssa.OpShl)
			_, mod := emit(t, m, target.Debug)
			f := irFunc(t, mod, "f")
			checkedIR(t, mod)

			amt := any(f.Params[1])
			got := countInsts(f, func(inst ir.Instruction) bool {
				c, ok := inst.(*ir.InstICmp)
				if !ok || c.Pred != enum.IPredULT || any(c.X) != amt {
					return false
				}
				lim, ok := c.Y.(*constant.Int)
				return ok && lim.X.Int64() == 8 && lim.Typ.BitSize == uint64(tc.amount)
			})
			if got != tc.checks {
				t.Errorf("range checks on the untruncated amount: got %d, want %d", got, tc.checks)
			}
			if countOf[*ir.InstShl](f) != 1 {
				t.Errorf("shl not emitted")
			}
		})
	}
}

func TestShiftChecks(t *testing.T) {
	tests := []struct {
		name    string
		op      ssa.BinOpKind
		signed  bool
		mode    target.BuildMode
		condBrs int
		panic   PanicKind
	}{
		{"shl", ssa.OpShl, false, target.Debug, 1, PanicShiftAmountTooLarge},
		{"shl exact", ssa.OpShlExact, false, target.Debug, 2, PanicShlOverflow},
		{"shl exact signed", ssa.OpShlExact, true, target.Debug, 2, PanicShlOverflow},
		{"shr exact", ssa.OpShrExact, false, target.Debug, 2, PanicShrOverflow},
		{"shr exact unchecked", ssa.OpShrExact, false, target.ReleaseFast, 0, PanicShrOverflow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, tt := newTestModule()
			it := tt.Int(tc.signed, 32)
			shiftFunc(m, tt, it, tt.U(32), tc.op)
			s, mod := emit(t, m, tc.mode)
			f := irFunc(t, mod, "f")
			checkedIR(t, mod)

			if got := countTerms(f, isCondBr); got != tc.condBrs {
				t.Errorf("checks: got %d, want %d", got, tc.condBrs)
			}
			if tc.condBrs > 0 && s.panicMsgs[tc.panic] == nil {
				t.Errorf("%s message not emitted", tc.panic)
			}
			if tc.condBrs == 0 {
				lshr := 0
				for _, b := range f.Blocks {
					for _, inst := range b.Insts {
						if sh, ok := inst.(*ir.InstLShr); ok && sh.Exact {
							lshr++
						}
					}
				}
				if lshr != 1 {
					t.Errorf("unchecked exact shift must carry the exact flag")
				}
			}
		})
	}
}

// instOf matches instructions of type T.
func instOf[T ir.Instruction]() func(ir.Instruction) bool {
	return func(inst ir.Instruction) bool {
		_, ok := inst.(T)
		return ok
	}
}

func icmpWith(pred enum.IPred) func(ir.Instruction) bool {
	return func(inst ir.Instruction) bool {
		c, ok := inst.(*ir.InstICmp)
		return ok && c.Pred == pred
	}
}

func exactUDiv(inst ir.Instruction) bool {
	d, ok := inst.(*ir.InstUDiv)
	return ok && d.Exact
}

func TestDivisionChecks(t *testing.T) {
	tests := []struct {
		name    string
		op      ssa.BinOpKind
		signed  bool
		condBrs int
		panics  []PanicKind
		inst    func(ir.Instruction) bool
	}{
		{"unsigned div", ssa.OpDiv, false, 1, []PanicKind{PanicDivideByZero}, instOf[*ir.InstUDiv]()},
		{"signed div", ssa.OpDiv, true, 2, []PanicKind{PanicDivideByZero, PanicIntegerOverflow}, instOf[*ir.InstSDiv]()},
		{"signed floor division", ssa.OpDivFloor, true, 2, []PanicKind{PanicDivideByZero, PanicIntegerOverflow}, instOf[*ir.InstSelect]()},
		{"exact division", ssa.OpDivExact, false, 2, []PanicKind{PanicDivideByZero, PanicExactDivisionRemainder}, exactUDiv},
		{"remainder", ssa.OpRem, false, 1, []PanicKind{PanicRemainderByZero}, instOf[*ir.InstURem]()},
		{"signed modulus", ssa.OpMod, true, 1, []PanicKind{PanicRemainderByZero}, icmpWith(enum.IPredSGT)},
	}
	for _, tc := range tests {
		for _, mode := range []target.BuildMode{target.Debug, target.ReleaseFast} {
			t.Run(tc.name+"/"+mode.String(), func(t *testing.T) {
				m, tt := newTestModule()
				intBinFunc(m, tt, tt.Int(tc.signed, 32), tc.op)
				s, mod := emit(t, m, mode)
				f := irFunc(t, mod, "f")
				checkedIR(t, mod)

				want := tc.condBrs
				if mode == target.ReleaseFast {
					want = 0
				}
				if got := countTerms(f, isCondBr); got != want {
					t.Errorf("checks: got %d, want %d", got, want)
				}
				if mode == target.Debug {
					for _, k := range tc.panics {
						if s.panicMsgs[k] == nil {
							t.Errorf("%s message not emitted", k)
						}
					}
				}
				if tc.op == ssa.OpMod && mode == target.ReleaseFast {
					return
				}
				if countInsts(f, tc.inst) == 0 {
					t.Errorf("expected instruction not emitted")
				}
			})
		}
	}
}
