package codegen

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/llir/llvm/ir"

	"github.com/wippyai/llgen/backend"
	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

// emitOpts lowers m with explicit options for the native target.
func emitOpts(t *testing.T, m *ssa.Module, opts target.Options) (*Session, *ir.Module) {
	t.Helper()
	s, err := NewSession(Config{Target: target.Native, Options: opts})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	mod, err := s.EmitModule(context.Background(), m)
	if err != nil {
		t.Fatalf("EmitModule: %v", err)
	}
	return s, mod
}

// checkedIR verifies mod and returns its textual form.
func checkedIR(t *testing.T, mod *ir.Module) string {
	t.Helper()
	if err := backend.Verify(mod); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	var text string
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("printing module: %v", r)
			}
		}()
		text = mod.String()
	}()
	return text
}

func TestModuleFlagsPrint(t *testing.T) {
	m, tt := newTestModule()
	binFunc(m, tt, ssa.OpAdd)
	_, mod := emit(t, m, target.Debug)
	text := checkedIR(t, mod)

	for _, want := range []string{
		`!{i32 2, !"Dwarf Version", i32 4}`,
		`!{i32 2, !"Debug Info Version", i32 3}`,
		"!llvm.module.flags",
		"!llvm.dbg.cu",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("module lacks %s", want)
		}
	}
	if strings.Contains(text, "metadata i32") {
		t.Errorf("module flag operands must be plain constants")
	}
}

func TestBooleanConstantsPrint(t *testing.T) {
	tests := []struct {
		name  string
		build func(m *ssa.Module, tt *ssa.TypeTable)
		mode  target.BuildMode
		want  string
	}{
		{
			name:  "checked add",
			build: func(m *ssa.Module, tt *ssa.TypeTable) { binFunc(m, tt, ssa.OpAdd) },
			mode:  target.Debug,
			want:  "xor i1",
		},
		{
			name:  "exact shift",
			build: func(m *ssa.Module, tt *ssa.TypeTable) { binFunc(m, tt, ssa.OpShlExact) },
			mode:  target.ReleaseSafe,
			want:  "xor i1",
		},
		{
			name: "cmpxchg",
			build: func(m *ssa.Module, tt *ssa.TypeTable) {
				u32 := tt.U(32)
				f := m.NewFunction("f", tt.Fn(tt.Optional(u32), ssa.CCAuto, tt.SinglePtr(u32), u32, u32))
				b := ssa.NewBuilder(m, f)
				b.Block("entry")
				cx := b.Emit(&ssa.Cmpxchg{
					Instr:    ssa.Instr{Type: tt.Optional(u32)},
					Ptr:      b.Arg(0),
					Expected: b.Arg(1),
					New:      b.Arg(2),
					Success:  ssa.OrderSeqCst,
					Failure:  ssa.OrderMonotonic,
				})
				b.Ret(cx)
			},
			mode: target.ReleaseFast,
			want: "cmpxchg",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, tt := newTestModule()
			tc.build(m, tt)
			_, mod := emit(t, m, tc.mode)
			text := checkedIR(t, mod)
			if !strings.Contains(text, tc.want) {
				t.Errorf("module lacks %q", tc.want)
			}
			if !strings.Contains(text, "true") {
				t.Errorf("boolean negation must use true, not -1")
			}
		})
	}
}

// loweredModules are small programs covering the lowering families that
// LLVM itself is asked to accept.
func loweredModules() map[string]func() *ssa.Module {
	return map[string]func() *ssa.Module{
		"checked arithmetic": func() *ssa.Module {
			m, tt := newTestModule()
			binFunc(m, tt, ssa.OpAdd)
			return m
		},
		"shift": func() *ssa.Module {
			m, tt := newTestModule()
			shiftFunc(m, tt, tt.U(8), tt.U(16), ssa.OpShl)
			return m
		},
		"await": func() *ssa.Module {
			m, _ := awaitModule()
			return m
		},
		"await anyframe": func() *ssa.Module {
			m, _ := anyFrameAwaitModule()
			return m
		},
		"suspending call": func() *ssa.Module {
			m, _ := suspendingCallModule()
			return m
		},
		"checked cast": func() *ssa.Module {
			m, tt := newTestModule()
			castFunc(m, tt, tt.I(32), tt.U(8), func(x ssa.Instruction) ssa.Instruction {
				return &ssa.IntCast{Instr: ssa.Instr{Type: tt.U(8)}, X: x}
			})
			return m
		},
		"compare and swap": func() *ssa.Module {
			m, tt := newTestModule()
			u32 := tt.U(32)
			atomicFunc(m, tt, u32, tt.Optional(u32), func(b *ssa.Builder, rt *ssa.Type) {
				b.Ret(b.Emit(&ssa.Cmpxchg{
					Instr:    ssa.Instr{Type: rt},
					Ptr:      b.Arg(0),
					Expected: b.Arg(1),
					New:      b.Arg(2),
					Success:  ssa.OrderSeqCst,
					Failure:  ssa.OrderMonotonic,
				}))
			})
			return m
		},
		"packed store": func() *ssa.Module {
			m, tt := newTestModule()
			f16 := tt.Float(16)
			f := m.NewFunction("f", tt.Fn(tt.Void(), ssa.CCAuto, packedPtr(tt, f16, 4, 4), f16))
			b := ssa.NewBuilder(m, f)
			b.Block("entry")
			b.Store(b.Arg(0), b.Arg(1))
			b.Ret(nil)
			return m
		},
		"float reduction": func() *ssa.Module {
			m, tt := newTestModule()
			f32 := tt.Float(32)
			f := m.NewFunction("f", tt.Fn(f32, ssa.CCAuto, tt.Vector(f32, 4)))
			b := ssa.NewBuilder(m, f)
			b.Block("entry")
			b.Ret(b.Emit(&ssa.Reduce{Instr: ssa.Instr{Type: f32}, X: b.Arg(0), Op: ssa.ReduceAdd}))
			return m
		},
	}
}

func TestLLCAcceptsLoweredModules(t *testing.T) {
	llc, err := exec.LookPath("llc")
	if err != nil {
		t.Skip("llc not on PATH")
	}
	for name, build := range loweredModules() {
		for _, mode := range []target.BuildMode{target.Debug, target.ReleaseFast} {
			t.Run(name+"/"+mode.String(), func(t *testing.T) {
				_, mod := emit(t, build(), mode)
				checkedIR(t, mod)
				out := backend.Output{Obj: filepath.Join(t.TempDir(), "out.o"), LLC: llc, Mode: mode}
				if err := backend.Emit(context.Background(), mod, out); err != nil {
					t.Fatalf("llc rejected the module: %v", err)
				}
			})
		}
	}
}

func TestOptVerifiesLoweredModules(t *testing.T) {
	opt, err := exec.LookPath("opt")
	if err != nil {
		t.Skip("opt not on PATH")
	}
	for name, build := range loweredModules() {
		t.Run(name, func(t *testing.T) {
			_, mod := emit(t, build(), target.Debug)
			path := filepath.Join(t.TempDir(), "in.ll")
			if err := os.WriteFile(path, []byte(checkedIR(t, mod)), 0o644); err != nil {
				t.Fatal(err)
			}
			out, err := exec.Command(opt, "-passes=verify", "-disable-output", path).CombinedOutput()
			if err != nil {
				t.Fatalf("opt: %v\n%s", err, out)
			}
		})
	}
}
