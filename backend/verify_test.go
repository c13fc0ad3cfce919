package backend_test

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/wippyai/llgen/backend"
	"github.com/wippyai/llgen/codegen"
	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

func diagnostics(t *testing.T, err error) []error {
	t.Helper()
	if err == nil {
		return nil
	}
	var de *errors.DiagnosticsError
	if !stderrors.As(err, &de) {
		t.Fatalf("expected DiagnosticsError, got %T: %v", err, err)
	}
	for _, e := range de.Errors {
		var se *errors.Error
		if !stderrors.As(e, &se) || se.Kind != errors.KindVerify {
			t.Errorf("diagnostic is not a verify error: %v", e)
		}
	}
	return de.Errors
}

func TestVerify_Valid(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I32, ir.NewParam("x", types.I32))
	entry := f.NewBlock("entry")
	exit := f.NewBlock("exit")
	entry.NewBr(exit)
	phi := exit.NewPhi(ir.NewIncoming(f.Params[0], entry))
	exit.NewRet(phi)

	if err := backend.Verify(m); err != nil {
		t.Errorf("valid module failed verification: %v", err)
	}
}

func TestVerify_LoopCarriedValue(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.I32, ir.NewParam("n", types.I32))
	entry := f.NewBlock("entry")
	loop := f.NewBlock("loop")
	exit := f.NewBlock("exit")
	entry.NewBr(loop)
	i := loop.NewPhi(ir.NewIncoming(constant.NewInt(types.I32, 0), entry))
	next := loop.NewAdd(i, constant.NewInt(types.I32, 1))
	i.Incs = append(i.Incs, ir.NewIncoming(next, loop))
	more := loop.NewICmp(enum.IPredULT, next, f.Params[0])
	loop.NewCondBr(more, loop, exit)
	exit.NewRet(next)

	if err := backend.Verify(m); err != nil {
		t.Errorf("loop-carried value failed verification: %v", err)
	}
}

func TestVerify_SkipsDeclarations(t *testing.T) {
	m := ir.NewModule()
	m.NewFunc("ext", types.Void)
	if err := backend.Verify(m); err != nil {
		t.Errorf("declaration failed verification: %v", err)
	}
}

func TestVerify_Defects(t *testing.T) {
	tests := []struct {
		name  string
		build func(m *ir.Module)
		want  string
	}{
		{
			name: "unterminated block",
			build: func(m *ir.Module) {
				f := m.NewFunc("f", types.Void)
				f.NewBlock("entry")
			},
			want: "no terminator",
		},
		{
			name: "duplicate switch case",
			build: func(m *ir.Module) {
				f := m.NewFunc("f", types.Void, ir.NewParam("x", types.I8))
				entry := f.NewBlock("entry")
				a := f.NewBlock("a")
				b := f.NewBlock("b")
				a.NewRet(nil)
				b.NewRet(nil)
				entry.NewSwitch(f.Params[0], a,
					ir.NewCase(constant.NewInt(types.I8, 1), a),
					ir.NewCase(constant.NewInt(types.I8, 1), b))
			},
			want: "duplicate switch case",
		},
		{
			name: "phi from non-predecessor",
			build: func(m *ir.Module) {
				f := m.NewFunc("f", types.I32)
				entry := f.NewBlock("entry")
				other := f.NewBlock("other")
				exit := f.NewBlock("exit")
				entry.NewBr(exit)
				other.NewRet(constant.NewInt(types.I32, 0))
				phi := exit.NewPhi(
					ir.NewIncoming(constant.NewInt(types.I32, 1), entry),
					ir.NewIncoming(constant.NewInt(types.I32, 2), other))
				exit.NewRet(phi)
			},
			want: "does not branch here",
		},
		{
			name: "phi missing predecessor",
			build: func(m *ir.Module) {
				f := m.NewFunc("f", types.I32, ir.NewParam("c", types.I1))
				entry := f.NewBlock("entry")
				left := f.NewBlock("left")
				exit := f.NewBlock("exit")
				entry.NewCondBr(f.Params[0], left, exit)
				left.NewBr(exit)
				phi := exit.NewPhi(ir.NewIncoming(constant.NewInt(types.I32, 1), left))
				exit.NewRet(phi)
			},
			want: "missing an entry",
		},
		{
			name: "call arity",
			build: func(m *ir.Module) {
				callee := m.NewFunc("g", types.Void, ir.NewParam("a", types.I32), ir.NewParam("b", types.I32))
				f := m.NewFunc("f", types.Void)
				entry := f.NewBlock("entry")
				entry.NewCall(callee, constant.NewInt(types.I32, 1))
				entry.NewRet(nil)
			},
			want: "passes 1 arguments, want 2",
		},
		{
			name: "variadic call too short",
			build: func(m *ir.Module) {
				callee := m.NewFunc("printf", types.I32, ir.NewParam("fmt", types.I8Ptr))
				callee.Sig.Variadic = true
				f := m.NewFunc("f", types.Void)
				entry := f.NewBlock("entry")
				entry.NewCall(callee)
				entry.NewRet(nil)
			},
			want: "want at least 1",
		},
		{
			name: "use outside the defining branch",
			build: func(m *ir.Module) {
				f := m.NewFunc("f", types.I32, ir.NewParam("c", types.I1), ir.NewParam("x", types.I32))
				entry := f.NewBlock("entry")
				left := f.NewBlock("left")
				exit := f.NewBlock("exit")
				entry.NewCondBr(f.Params[0], left, exit)
				sum := left.NewAdd(f.Params[1], constant.NewInt(types.I32, 1))
				left.NewBr(exit)
				exit.NewRet(sum)
			},
			want: "does not dominate its use",
		},
		{
			name: "use before definition",
			build: func(m *ir.Module) {
				f := m.NewFunc("f", types.I32, ir.NewParam("x", types.I32))
				entry := f.NewBlock("entry")
				first := ir.NewAdd(f.Params[0], constant.NewInt(types.I32, 1))
				second := ir.NewAdd(first, constant.NewInt(types.I32, 2))
				entry.Insts = []ir.Instruction{second, first}
				entry.NewRet(second)
			},
			want: "does not dominate its use",
		},
		{
			name: "phi value from a sibling branch",
			build: func(m *ir.Module) {
				f := m.NewFunc("f", types.I32, ir.NewParam("c", types.I1), ir.NewParam("x", types.I32))
				entry := f.NewBlock("entry")
				left := f.NewBlock("left")
				right := f.NewBlock("right")
				exit := f.NewBlock("exit")
				entry.NewCondBr(f.Params[0], left, right)
				sum := left.NewAdd(f.Params[1], constant.NewInt(types.I32, 1))
				left.NewBr(exit)
				right.NewBr(exit)
				phi := exit.NewPhi(ir.NewIncoming(sum, left), ir.NewIncoming(sum, right))
				exit.NewRet(phi)
			},
			want: "does not dominate the edge from",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := ir.NewModule()
			tc.build(m)
			errs := diagnostics(t, backend.Verify(m))
			if len(errs) == 0 {
				t.Fatal("expected verification errors")
			}
			found := false
			for _, e := range errs {
				if strings.Contains(e.Error(), tc.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("no diagnostic contains %q: %v", tc.want, errs)
			}
		})
	}
}

func TestVerify_CollectsAll(t *testing.T) {
	m := ir.NewModule()
	for _, name := range []string{"a", "b", "c"} {
		f := m.NewFunc(name, types.Void)
		f.NewBlock("entry")
	}
	if got := len(diagnostics(t, backend.Verify(m))); got != 3 {
		t.Errorf("got %d diagnostics, want 3", got)
	}
}

func TestVerify_CodegenOutput(t *testing.T) {
	for _, mode := range []target.BuildMode{target.Debug, target.ReleaseSafe, target.ReleaseFast} {
		t.Run(mode.String(), func(t *testing.T) {
			tt := ssa.NewTypeTable(64, 16, 16)
			src := ssa.NewModule("test", tt)
			u32 := tt.U(32)
			f := src.NewFunction("add", tt.Fn(u32, ssa.CCAuto, u32, u32))
			b := ssa.NewBuilder(src, f)
			b.Block("entry")
			b.Ret(b.Bin(ssa.OpAdd, b.Arg(0), b.Arg(1)))

			s, err := codegen.NewSession(codegen.Config{Target: target.Native, Options: target.DefaultOptions(mode)})
			if err != nil {
				t.Fatalf("NewSession: %v", err)
			}
			mod, err := s.EmitModule(context.Background(), src)
			if err != nil {
				t.Fatalf("EmitModule: %v", err)
			}
			if err := backend.Verify(mod); err != nil {
				t.Errorf("lowered module failed verification: %v", err)
			}
		})
	}
}
