package codegen

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"

	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

func TestTraceAddMasksIndex(t *testing.T) {
	m, _ := newTestModule()
	s := newTestSession(t, target.Native, target.Debug)
	s.reset(m)
	add := s.traceAddFunc()
	if add != s.traceAddFunc() {
		t.Error("trace helper must be generated once per module")
	}

	var masked bool
	countInsts(add, func(inst ir.Instruction) bool {
		and, ok := inst.(*ir.InstAnd)
		if !ok {
			return false
		}
		sub, ok := and.Y.(*ir.InstSub)
		if !ok {
			return false
		}
		if one, ok := sub.Y.(*constant.Int); ok && one.X.Int64() == 1 {
			masked = true
		}
		return true
	})
	if !masked {
		t.Error("index is not wrapped with len-1")
	}
	if add.Linkage != enum.LinkageInternal {
		t.Errorf("linkage: got %v, want internal", add.Linkage)
	}
}

func TestTraceMergeIsBounded(t *testing.T) {
	m, _ := newTestModule()
	s := newTestSession(t, target.Native, target.Debug)
	s.reset(m)
	merge := s.traceMergeFunc()

	if got := countInsts(merge, callsTo("add_err_ret_trace_addr")); got != 1 {
		t.Errorf("pushes: got %d, want 1", got)
	}
	selects := countInsts(merge, func(inst ir.Instruction) bool {
		_, ok := inst.(*ir.InstSelect)
		return ok
	})
	if selects != 2 {
		t.Errorf("count/start selects: got %d, want 2", selects)
	}
	nullChecks := countInsts(merge, func(inst ir.Instruction) bool {
		c, ok := inst.(*ir.InstICmp)
		if !ok || c.Pred != enum.IPredEQ {
			return false
		}
		_, null := c.Y.(*constant.Null)
		return null
	})
	if nullChecks != 2 {
		t.Errorf("null checks: got %d, want 2", nullChecks)
	}
}

func TestTraceParameter(t *testing.T) {
	tests := []struct {
		mode target.BuildMode
		want bool
	}{
		{target.Debug, true},
		{target.ReleaseSafe, true},
		{target.ReleaseFast, false},
	}
	for _, tc := range tests {
		t.Run(tc.mode.String(), func(t *testing.T) {
			m, tt := newTestModule()
			eu := tt.ErrorUnion(tt.AnyError(), tt.U(32))
			f := m.NewFunction("f", tt.Fn(eu, ssa.CCAuto))
			b := ssa.NewBuilder(m, f)
			b.Block("entry")
			b.Emit(&ssa.SaveErrRetAddr{})
			b.Ret(b.Const(m.Consts.Error(eu, m.Error("Oops"))))

			_, mod := emit(t, m, tc.mode)
			fn := irFunc(t, mod, "f")
			hasParam := false
			for _, p := range fn.Params {
				if p.Name() == "trace" {
					hasParam = true
				}
			}
			if hasParam != tc.want {
				t.Errorf("trace parameter: got %v, want %v", hasParam, tc.want)
			}
			pushes := countInsts(fn, callsTo("add_err_ret_trace_addr"))
			if tc.want && pushes != 1 {
				t.Errorf("return address pushes: got %d, want 1", pushes)
			}
			if !tc.want && pushes != 0 {
				t.Errorf("return address pushes without tracing: got %d", pushes)
			}
		})
	}
}
