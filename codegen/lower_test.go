package codegen

import (
	"context"
	"slices"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"

	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

func newTestModule() (*ssa.Module, *ssa.TypeTable) {
	tt := ssa.NewTypeTable(64, 16, 16)
	return ssa.NewModule("test", tt), tt
}

func newTestSession(t *testing.T, tgt target.Target, mode target.BuildMode) *Session {
	t.Helper()
	s, err := NewSession(Config{Target: tgt, Options: target.DefaultOptions(mode)})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func emit(t *testing.T, m *ssa.Module, mode target.BuildMode) (*Session, *ir.Module) {
	t.Helper()
	s := newTestSession(t, target.Native, mode)
	mod, err := s.EmitModule(context.Background(), m)
	if err != nil {
		t.Fatalf("EmitModule: %v", err)
	}
	return s, mod
}

func irFunc(t *testing.T, mod *ir.Module, name string) *ir.Func {
	t.Helper()
	for _, f := range mod.Funcs {
		if f.Name() == name {
			return f
		}
	}
	t.Fatalf("function %q not found", name)
	return nil
}

func countInsts(f *ir.Func, match func(ir.Instruction) bool) int {
	n := 0
	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			if match(inst) {
				n++
			}
		}
	}
	return n
}

func countTerms(f *ir.Func, match func(ir.Terminator) bool) int {
	n := 0
	for _, b := range f.Blocks {
		if b.Term != nil && match(b.Term) {
			n++
		}
	}
	return n
}

func isCondBr(term ir.Terminator) bool {
	_, ok := term.(*ir.TermCondBr)
	return ok
}

func callsTo(name string) func(ir.Instruction) bool {
	return func(inst ir.Instruction) bool {
		call, ok := inst.(*ir.InstCall)
		if !ok {
			return false
		}
		fn, ok := call.Callee.(*ir.Func)
		return ok && fn.Name() == name
	}
}

func binFunc(m *ssa.Module, tt *ssa.TypeTable, op ssa.BinOpKind) {
	u32 := tt.U(32)
	f := m.NewFunction("f", tt.Fn(u32, ssa.CCAuto, u32, u32))
	b := ssa.NewBuilder(m, f)
	b.Block("entry")
	b.Ret(b.Bin(op, b.Arg(0), b.Arg(1)))
}

func TestAddLowering(t *testing.T) {
	tests := []struct {
		name      string
		op        ssa.BinOpKind
		mode      target.BuildMode
		condBrs   int
		overflows int
		flags     []enum.OverflowFlag
	}{
		{"wrapping debug", ssa.OpAddWrap, target.Debug, 0, 0, nil},
		{"checked debug", ssa.OpAdd, target.Debug, 1, 1, nil},
		{"checked release fast", ssa.OpAdd, target.ReleaseFast, 0, 0, []enum.OverflowFlag{enum.OverflowFlagNUW}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, tt := newTestModule()
			binFunc(m, tt, tc.op)
			_, mod := emit(t, m, tc.mode)
			f := irFunc(t, mod, "f")

			if got := countTerms(f, isCondBr); got != tc.condBrs {
				t.Errorf("conditional branches: got %d, want %d", got, tc.condBrs)
			}
			if got := countInsts(f, callsTo("llvm.uadd.with.overflow.i32")); got != tc.overflows {
				t.Errorf("overflow intrinsic calls: got %d, want %d", got, tc.overflows)
			}
			if tc.overflows > 0 {
				return
			}
			adds := 0
			countInsts(f, func(inst ir.Instruction) bool {
				add, ok := inst.(*ir.InstAdd)
				if !ok {
					return false
				}
				adds++
				if !slices.Equal(add.OverflowFlags, tc.flags) {
					t.Errorf("add flags: got %v, want %v", add.OverflowFlags, tc.flags)
				}
				return true
			})
			if adds != 1 {
				t.Errorf("adds: got %d, want 1", adds)
			}
		})
	}
}

func TestArrayIndexBoundsCheck(t *testing.T) {
	tests := []struct {
		mode  target.BuildMode
		wantN int
	}{
		{target.Debug, 1},
		{target.ReleaseSafe, 1},
		{target.ReleaseFast, 0},
	}
	for _, tc := range tests {
		t.Run(tc.mode.String(), func(t *testing.T) {
			m, tt := newTestModule()
			u32 := tt.U(32)
			f := m.NewFunction("get", tt.Fn(u32, ssa.CCAuto, tt.Usize()))
			b := ssa.NewBuilder(m, f)
			b.Block("entry")
			arr := b.Alloca(tt.Array(u32, 4, nil))
			b.Ret(b.Load(b.ElemPtr(arr, b.Arg(0))))

			_, mod := emit(t, m, tc.mode)
			fn := irFunc(t, mod, "get")
			var cmps []*ir.InstICmp
			countInsts(fn, func(inst ir.Instruction) bool {
				if c, ok := inst.(*ir.InstICmp); ok {
					cmps = append(cmps, c)
				}
				return false
			})
			if len(cmps) != tc.wantN {
				t.Fatalf("icmp count: got %d, want %d", len(cmps), tc.wantN)
			}
			if tc.wantN == 0 {
				return
			}
			c := cmps[0]
			if c.Pred != enum.IPredULT {
				t.Errorf("predicate: got %v, want ult", c.Pred)
			}
			if c.X != fn.Params[0] {
				t.Errorf("compared value: got %v, want the index parameter", c.X.Ident())
			}
			n, ok := c.Y.(*constant.Int)
			if !ok || n.X.Int64() != 4 {
				t.Errorf("bound: got %v, want 4", c.Y.Ident())
			}
		})
	}
}

func TestScopeSafetyOverride(t *testing.T) {
	m, tt := newTestModule()
	binFunc(m, tt, ssa.OpAdd)
	m.Funcs[0].Scope.SetSafety(false)
	_, mod := emit(t, m, target.Debug)
	f := irFunc(t, mod, "f")
	if got := countTerms(f, isCondBr); got != 0 {
		t.Errorf("conditional branches with safety off: got %d, want 0", got)
	}
}

func TestUnusedPureInstructionsSkipped(t *testing.T) {
	m, tt := newTestModule()
	u32 := tt.U(32)
	f := m.NewFunction("f", tt.Fn(u32, ssa.CCAuto, u32, u32))
	b := ssa.NewBuilder(m, f)
	b.Block("entry")
	x, y := b.Arg(0), b.Arg(1)
	b.Bin(ssa.OpMulWrap, x, y)
	b.Ret(x)

	_, mod := emit(t, m, target.Debug)
	fn := irFunc(t, mod, "f")
	muls := countInsts(fn, func(inst ir.Instruction) bool {
		_, ok := inst.(*ir.InstMul)
		return ok
	})
	if muls != 0 {
		t.Errorf("unused multiply was lowered %d times", muls)
	}
}

func TestCallModifiers(t *testing.T) {
	tests := []struct {
		name     string
		modifier ssa.CallModifier
		tail     enum.Tail
		attr     enum.FuncAttr
	}{
		{"always tail", ssa.CallAlwaysTail, enum.TailMustTail, 0},
		{"never tail", ssa.CallNeverTail, enum.TailNoTail, 0},
		{"always inline", ssa.CallAlwaysInline, enum.TailNone, enum.FuncAttrAlwaysInline},
		{"never inline", ssa.CallNeverInline, enum.TailNone, enum.FuncAttrNoInline},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, tt := newTestModule()
			u32 := tt.U(32)
			callee := m.NewFunction("callee", tt.Fn(u32, ssa.CCAuto, u32))
			cb := ssa.NewBuilder(m, callee)
			cb.Block("entry")
			cb.Ret(cb.Arg(0))

			caller := m.NewFunction("caller", tt.Fn(u32, ssa.CCAuto, u32))
			b := ssa.NewBuilder(m, caller)
			b.Block("entry")
			call := b.Call(callee, b.Arg(0))
			call.Modifier = tc.modifier
			b.Ret(call)

			_, mod := emit(t, m, target.ReleaseFast)
			fn := irFunc(t, mod, "caller")
			var found *ir.InstCall
			countInsts(fn, func(inst ir.Instruction) bool {
				if c, ok := inst.(*ir.InstCall); ok {
					found = c
				}
				return false
			})
			if found == nil {
				t.Fatal("call not lowered")
			}
			if found.Tail != tc.tail {
				t.Errorf("tail: got %v, want %v", found.Tail, tc.tail)
			}
			if found.CallingConv != enum.CallingConvFast {
				t.Errorf("calling convention: got %v, want fastcc", found.CallingConv)
			}
			if tc.attr == 0 {
				return
			}
			has := false
			for _, a := range found.FuncAttrs {
				if a == tc.attr {
					has = true
				}
			}
			if !has {
				t.Errorf("call attributes %v lack %v", found.FuncAttrs, tc.attr)
			}
		})
	}
}
