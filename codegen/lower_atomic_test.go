package codegen

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

func TestOrdering(t *testing.T) {
	tests := []struct {
		in   ssa.Ordering
		want enum.AtomicOrdering
		text string
	}{
		{ssa.OrderUnordered, enum.AtomicOrderingUnordered, "unordered"},
		{ssa.OrderMonotonic, enum.AtomicOrderingMonotonic, "monotonic"},
		{ssa.OrderAcquire, enum.AtomicOrderingAcquire, "acquire"},
		{ssa.OrderRelease, enum.AtomicOrderingRelease, "release"},
		{ssa.OrderAcqRel, enum.AtomicOrderingAcquireRelease, "acq_rel"},
		{ssa.OrderSeqCst, enum.AtomicOrderingSequentiallyConsistent, "seq_cst"},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			got := ordering(tc.in)
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
			if got.String() != tc.text {
				t.Errorf("printed as %q, want %q", got.String(), tc.text)
			}
		})
	}
}

// atomicFunc defines f(p *elem, x, y elem) ret with a body built by body.
func atomicFunc(m *ssa.Module, tt *ssa.TypeTable, elem, ret *ssa.Type, body func(b *ssa.Builder, rt *ssa.Type)) {
	f := m.NewFunction("f", tt.Fn(ret, ssa.CCAuto, tt.SinglePtr(elem), elem, elem))
	b := ssa.NewBuilder(m, f)
	b.Block("entry")
	body(b, ret)
}

func atomicLoads(f *ir.Func) (atomic, plain int) {
	countInsts(f, func(inst ir.Instruction) bool {
		if ld, ok := inst.(*ir.InstLoad); ok {
			if ld.Atomic {
				atomic++
			} else {
				plain++
			}
		}
		return false
	})
	return atomic, plain
}

func atomicStores(f *ir.Func) (atomic, plain int) {
	countInsts(f, func(inst ir.Instruction) bool {
		if st, ok := inst.(*ir.InstStore); ok {
			if st.Atomic {
				atomic++
			} else {
				plain++
			}
		}
		return false
	})
	return atomic, plain
}

func TestAtomicLowering(t *testing.T) {
	tests := []struct {
		name  string
		ret   func(tt *ssa.TypeTable) *ssa.Type
		body  func(b *ssa.Builder, rt *ssa.Type)
		check func(t *testing.T, f *ir.Func, single bool)
	}{
		{
			name: "load",
			ret:  func(tt *ssa.TypeTable) *ssa.Type { return tt.U(32) },
			body: func(b *ssa.Builder, rt *ssa.Type) {
				b.Ret(b.Emit(&ssa.AtomicLoad{Instr: ssa.Instr{Type: rt}, Ptr: b.Arg(0), Order: ssa.OrderAcquire}))
			},
			check: func(t *testing.T, f *ir.Func, single bool) {
				atomic, plain := atomicLoads(f)
				if single && (atomic != 0 || plain != 1) {
					t.Errorf("single-threaded load: %d atomic, %d plain", atomic, plain)
				}
				if !single && atomic != 1 {
					t.Errorf("atomic loads: got %d, want 1", atomic)
				}
			},
		},
		{
			name: "store",
			ret:  func(tt *ssa.TypeTable) *ssa.Type { return tt.Void() },
			body: func(b *ssa.Builder, rt *ssa.Type) {
				b.Emit(&ssa.AtomicStore{Instr: ssa.Instr{Type: rt}, Ptr: b.Arg(0), Value: b.Arg(1), Order: ssa.OrderRelease})
				b.Ret(nil)
			},
			check: func(t *testing.T, f *ir.Func, single bool) {
				atomic, plain := atomicStores(f)
				if single && (atomic != 0 || plain != 1) {
					t.Errorf("single-threaded store: %d atomic, %d plain", atomic, plain)
				}
				if !single && atomic != 1 {
					t.Errorf("atomic stores: got %d, want 1", atomic)
				}
			},
		},
		{
			name: "fetch add",
			ret:  func(tt *ssa.TypeTable) *ssa.Type { return tt.U(32) },
			body: func(b *ssa.Builder, rt *ssa.Type) {
				b.Ret(b.Emit(&ssa.AtomicRmw{Instr: ssa.Instr{Type: rt}, Ptr: b.Arg(0), Value: b.Arg(1), Op: ssa.RmwAdd, Order: ssa.OrderSeqCst}))
			},
			check: func(t *testing.T, f *ir.Func, single bool) {
				rmw := countOf[*ir.InstAtomicRMW](f)
				if single {
					if rmw != 0 || countOf[*ir.InstAdd](f) != 1 {
						t.Errorf("single-threaded rmw must be a plain load, add and store")
					}
					return
				}
				if rmw != 1 {
					t.Errorf("atomicrmw: got %d, want 1", rmw)
				}
			},
		},
		{
			name: "unsigned max",
			ret:  func(tt *ssa.TypeTable) *ssa.Type { return tt.U(32) },
			body: func(b *ssa.Builder, rt *ssa.Type) {
				b.Ret(b.Emit(&ssa.AtomicRmw{Instr: ssa.Instr{Type: rt}, Ptr: b.Arg(0), Value: b.Arg(1), Op: ssa.RmwMax, Order: ssa.OrderMonotonic}))
			},
			check: func(t *testing.T, f *ir.Func, single bool) {
				if single {
					if countInsts(f, icmpWith(enum.IPredUGT)) != 1 || countOf[*ir.InstSelect](f) != 1 {
						t.Errorf("single-threaded max must compare and select")
					}
					return
				}
				n := countInsts(f, func(inst ir.Instruction) bool {
					rmw, ok := inst.(*ir.InstAtomicRMW)
					return ok && rmw.Op == enum.AtomicOpUMax
				})
				if n != 1 {
					t.Errorf("atomicrmw umax: got %d, want 1", n)
				}
			},
		},
		{
			name: "compare and swap",
			ret:  func(tt *ssa.TypeTable) *ssa.Type { return tt.Optional(tt.U(32)) },
			body: func(b *ssa.Builder, rt *ssa.Type) {
				b.Ret(b.Emit(&ssa.Cmpxchg{
					Instr:    ssa.Instr{Type: rt},
					Ptr:      b.Arg(0),
					Expected: b.Arg(1),
					New:      b.Arg(2),
					Success:  ssa.OrderAcqRel,
					Failure:  ssa.OrderAcquire,
				}))
			},
			check: func(t *testing.T, f *ir.Func, single bool) {
				cx := countOf[*ir.InstCmpXchg](f)
				if single {
					if cx != 0 || countInsts(f, icmpWith(enum.IPredEQ)) != 1 || countOf[*ir.InstSelect](f) != 1 {
						t.Errorf("single-threaded cmpxchg must load, compare, select and store")
					}
				} else if cx != 1 {
					t.Errorf("cmpxchg: got %d, want 1", cx)
				}
				if countOf[*ir.InstInsertValue](f) != 2 {
					t.Errorf("result optional must carry the observed value and the failure flag")
				}
			},
		},
	}
	for _, tc := range tests {
		for _, single := range []bool{false, true} {
			name := tc.name
			if single {
				name += "/single-threaded"
			}
			t.Run(name, func(t *testing.T) {
				m, tt := newTestModule()
				atomicFunc(m, tt, tt.U(32), tc.ret(tt), tc.body)
				opts := target.DefaultOptions(target.ReleaseFast)
				opts.SingleThreaded = single
				_, mod := emitOpts(t, m, opts)
				f := irFunc(t, mod, "f")
				checkedIR(t, mod)
				tc.check(t, f, single)
			})
		}
	}
}

func TestAtomicOddWidthIsWidened(t *testing.T) {
	m, tt := newTestModule()
	u4 := tt.U(4)
	atomicFunc(m, tt, u4, u4, func(b *ssa.Builder, rt *ssa.Type) {
		b.Ret(b.Emit(&ssa.AtomicRmw{Instr: ssa.Instr{Type: rt}, Ptr: b.Arg(0), Value: b.Arg(1), Op: ssa.RmwXchg, Order: ssa.OrderSeqCst}))
	})
	_, mod := emit(t, m, target.ReleaseFast)
	f := irFunc(t, mod, "f")
	checkedIR(t, mod)

	var rmw *ir.InstAtomicRMW
	countInsts(f, func(inst ir.Instruction) bool {
		if r, ok := inst.(*ir.InstAtomicRMW); ok {
			rmw = r
		}
		return false
	})
	if rmw == nil {
		t.Fatal("atomicrmw not emitted")
	}
	if !rmw.X.Type().Equal(types.I8) {
		t.Errorf("operand type: got %s, want i8", rmw.X.Type())
	}
	if countOf[*ir.InstZExt](f) != 1 || countOf[*ir.InstTrunc](f) != 1 {
		t.Errorf("operand must be zero-extended and the result truncated")
	}
}
