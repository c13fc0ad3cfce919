package codegen

import (
	"testing"

	"github.com/llir/llvm/ir"

	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

// castFunc defines f(x from) to { return cast(x) } using instr to build the cast.
func castFunc(m *ssa.Module, tt *ssa.TypeTable, from, to *ssa.Type, instr func(x ssa.Instruction) ssa.Instruction) {
	f := m.NewFunction("f", tt.Fn(to, ssa.CCAuto, from))
	b := ssa.NewBuilder(m, f)
	b.Block("entry")
	b.Ret(b.Emit(instr(b.Arg(0))))
}

func TestIntCastChecks(t *testing.T) {
	tests := []struct {
		name     string
		from, to [2]int // signed flag, bits
		checks   int
		panics   []PanicKind
		inst     func(ir.Instruction) bool
	}{
		{"signed to narrower unsigned", [2]int{1, 32}, [2]int{0, 8}, 2, []PanicKind{PanicNegativeToUnsigned, PanicCastTruncatedData}, instOf[*ir.InstTrunc]()},
		{"unsigned to narrower unsigned", [2]int{0, 32}, [2]int{0, 8}, 1, []PanicKind{PanicCastTruncatedData}, instOf[*ir.InstTrunc]()},
		{"signed to wider unsigned", [2]int{1, 8}, [2]int{0, 32}, 1, []PanicKind{PanicNegativeToUnsigned}, instOf[*ir.InstSExt]()},
		{"unsigned to wider signed", [2]int{0, 8}, [2]int{1, 32}, 0, nil, instOf[*ir.InstZExt]()},
		{"unsigned to signed of equal width", [2]int{0, 32}, [2]int{1, 32}, 1, []PanicKind{PanicCastTruncatedData}, nil},
		{"signed to wider signed", [2]int{1, 32}, [2]int{1, 64}, 0, nil, instOf[*ir.InstSExt]()},
	}
	for _, tc := range tests {
		for _, mode := range []target.BuildMode{target.Debug, target.ReleaseFast} {
			t.Run(tc.name+"/"+mode.String(), func(t *testing.T) {
				m, tt := newTestModule()
				from := tt.Int(tc.from[0] == 1, tc.from[1])
				to := tt.Int(tc.to[0] == 1, tc.to[1])
				castFunc(m, tt, from, to, func(x ssa.Instruction) ssa.Instruction {
					return &ssa.IntCast{Instr: ssa.Instr{Type: to}, X: x}
				})
				s, mod := emit(t, m, mode)
				f := irFunc(t, mod, "f")
				checkedIR(t, mod)

				want := tc.checks
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
				if tc.inst != nil && countInsts(f, tc.inst) == 0 {
					t.Errorf("conversion instruction not emitted")
				}
			})
		}
	}
}

func TestTruncateIsUnchecked(t *testing.T) {
	m, tt := newTestModule()
	castFunc(m, tt, tt.I(32), tt.U(8), func(x ssa.Instruction) ssa.Instruction {
		return &ssa.Truncate{Instr: ssa.Instr{Type: tt.U(8)}, X: x}
	})
	_, mod := emit(t, m, target.Debug)
	f := irFunc(t, mod, "f")
	checkedIR(t, mod)
	if got := countTerms(f, isCondBr); got != 0 {
		t.Errorf("truncate must not check: got %d branches", got)
	}
	if countOf[*ir.InstTrunc](f) != 1 {
		t.Errorf("trunc not emitted")
	}
}
