package codegen

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

func suspendingFunc(m *ssa.Module, tt *ssa.TypeTable, name string, result *ssa.Type, suspends int) *ssa.Function {
	f := m.NewFunction(name, tt.Fn(result, ssa.CCAsync))
	b := ssa.NewBuilder(m, f)
	b.Block("entry")
	for range suspends {
		begin := b.Emit(&ssa.SuspendBegin{}).(*ssa.SuspendBegin)
		b.Emit(&ssa.SuspendFinish{Begin: begin})
	}
	if result.HasBits() {
		b.Ret(b.Int(result, 7))
	} else {
		b.Ret(nil)
	}
	return f
}

func dispatchOf(t *testing.T, f *ir.Func) *ir.TermSwitch {
	t.Helper()
	sw, ok := f.Blocks[0].Term.(*ir.TermSwitch)
	if !ok {
		t.Fatalf("entry of %s ends in %T, want switch", f.Name(), f.Blocks[0].Term)
	}
	return sw
}

func TestDispatchCases(t *testing.T) {
	for _, n := range []int{0, 1, 3, 8} {
		m, tt := newTestModule()
		suspendingFunc(m, tt, "co", tt.Void(), n)
		_, mod := emit(t, m, target.ReleaseFast)
		sw := dispatchOf(t, irFunc(t, mod, "co"))
		if got := len(sw.Cases); got != n+2 {
			t.Errorf("%d suspends: got %d dispatch cases, want %d", n, got, n+2)
		}
		seen := make(map[int64]bool)
		for _, c := range sw.Cases {
			v := c.X.(*constant.Int).X.Int64()
			if seen[v] {
				t.Errorf("%d suspends: duplicate resume index %d", n, v)
			}
			seen[v] = true
		}
		for k := 0; k <= n; k++ {
			if !seen[int64(k)] {
				t.Errorf("%d suspends: resume index %d missing", n, k)
			}
		}
		if !seen[resumeRunning] {
			t.Errorf("%d suspends: running sentinel not dispatched", n)
		}
	}
}

func TestFrameHeader(t *testing.T) {
	tests := []struct {
		name   string
		mode   target.BuildMode
		result func(tt *ssa.TypeTable) *ssa.Type
		traces bool
	}{
		{"u32 release fast", target.ReleaseFast, func(tt *ssa.TypeTable) *ssa.Type { return tt.U(32) }, false},
		{"error union debug", target.Debug, func(tt *ssa.TypeTable) *ssa.Type { return tt.ErrorUnion(tt.AnyError(), tt.U(32)) }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, tt := newTestModule()
			rt := tc.result(tt)
			f := m.NewFunction("co", tt.Fn(rt, ssa.CCAsync))
			b := ssa.NewBuilder(m, f)
			b.Block("entry")
			begin := b.Emit(&ssa.SuspendBegin{}).(*ssa.SuspendBegin)
			b.Emit(&ssa.SuspendFinish{Begin: begin})
			b.Ret(b.Const(m.Consts.Undef(rt)))

			s, _ := emit(t, m, tc.mode)
			fr := s.frames[f]
			if fr == nil {
				t.Fatal("frame not laid out")
			}
			if fr.retCallee != 3 || fr.retAwaiter != 4 || fr.result != 5 {
				t.Errorf("result fields: got %d %d %d, want 3 4 5", fr.retCallee, fr.retAwaiter, fr.result)
			}
			st := fr.Type()
			if got := st.Fields[fr.Field(frameResumeIndex)].String(); got != "i64" {
				t.Errorf("resume index type: got %s, want i64", got)
			}
			if got := st.Fields[fr.Field(frameAwaiter)].String(); got != "i64" {
				t.Errorf("awaiter type: got %s, want i64", got)
			}
			if got, want := st.Fields[fr.Field(fr.result)].String(), s.llType(rt).String(); got != want {
				t.Errorf("result type: got %s, want %s", got, want)
			}
			if tc.traces != (fr.traceCallee >= 0 && fr.traceAwaiter >= 0) {
				t.Errorf("trace pointers: callee %d awaiter %d, want present=%v", fr.traceCallee, fr.traceAwaiter, tc.traces)
			}
			if fr.Size%uint64(fr.Align) != 0 {
				t.Errorf("frame size %d not a multiple of align %d", fr.Size, fr.Align)
			}
			if fr.Size < 6*8 && !tc.traces {
				t.Errorf("frame size %d smaller than the header", fr.Size)
			}
		})
	}
}

// awaitModule builds g, an async function that returns 7 without
// suspending, and f, which starts g in a frame slot and awaits it.
func awaitModule() (*ssa.Module, *ssa.Function) {
	m, tt := newTestModule()
	u32 := tt.U(32)
	g := suspendingFunc(m, tt, "g", u32, 0)

	f := m.NewFunction("f", tt.Fn(u32, ssa.CCAsync))
	f.FrameSlots = []ssa.FrameSlot{{Kind: ssa.SlotCall, Callee: g, Name: "g"}}
	b := ssa.NewBuilder(m, f)
	b.Block("entry")
	call := &ssa.Call{Instr: ssa.Instr{Type: tt.SinglePtr(tt.Frame(g))}, Callee: g, FrameSlot: 0, Modifier: ssa.CallAsync}
	b.Emit(call)
	aw := b.Emit(&ssa.Await{Instr: ssa.Instr{Type: u32}, Frame: call})
	b.Ret(aw)
	return m, f
}

func blockNamed(f *ir.Func, name string) *ir.Block {
	for _, b := range f.Blocks {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

// targetBlock resolves a branch target by its identifier.
func targetBlock(f *ir.Func, target interface{ Ident() string }) *ir.Block {
	for _, b := range f.Blocks {
		if b.Ident() == target.Ident() {
			return b
		}
	}
	return nil
}

func xchgSwitches(f *ir.Func) []*ir.TermSwitch {
	var out []*ir.TermSwitch
	for _, b := range f.Blocks {
		sw, ok := b.Term.(*ir.TermSwitch)
		if !ok {
			continue
		}
		if rmw, ok := sw.X.(*ir.InstAtomicRMW); ok && rmw.Op == enum.AtomicOpXChg {
			out = append(out, sw)
		}
	}
	return out
}

func TestAwaitPaths(t *testing.T) {
	m, _ := awaitModule()
	s, mod := emit(t, m, target.Debug)
	f := irFunc(t, mod, "f")

	if got := len(dispatchOf(t, f).Cases); got != 3 {
		t.Errorf("dispatch cases: got %d, want 3", got)
	}

	early := blockNamed(f, "AwaitEarly")
	if early == nil {
		t.Fatal("no early-return path")
	}
	br, ok := early.Term.(*ir.TermBr)
	if !ok || br.Target.Ident() != "%AwaitResult" {
		t.Errorf("early path must continue at the await result")
	}

	// The first xchg switch in f belongs to the await; the second to the return.
	sws := xchgSwitches(f)
	if len(sws) != 2 {
		t.Fatalf("xchg switches: got %d, want 2", len(sws))
	}
	await := sws[0]
	if len(await.Cases) != 2 {
		t.Errorf("await cases: got %d, want 2", len(await.Cases))
	}
	targets := map[int64]string{}
	for _, c := range await.Cases {
		targets[c.X.(*constant.Int).X.Int64()] = c.Target.Ident()
	}
	if targets[awaiterNone] != "%AwaitSuspend" || targets[awaiterDone] != "%AwaitEarly" {
		t.Errorf("await targets: got %v", targets)
	}

	// Awaiting a frame that already has an awaiter is fatal.
	def := targetBlock(f, await.TargetDefault)
	if def == nil || countPanics(s, def) != 1 {
		t.Errorf("double await does not panic")
	}
	if s.panicMsgs[PanicBadAwait] == nil {
		t.Errorf("bad await message not emitted")
	}
}

func countPanics(s *Session, b *ir.Block) int {
	n := 0
	for _, inst := range b.Insts {
		if callsTo(s.opts.PanicFn)(inst) {
			n++
		}
	}
	return n
}

func TestReturnResumesAwaiter(t *testing.T) {
	m, _ := awaitModule()
	_, mod := emit(t, m, target.ReleaseFast)
	g := irFunc(t, mod, "g")

	tails := countInsts(g, func(inst ir.Instruction) bool {
		call, ok := inst.(*ir.InstCall)
		return ok && call.Tail == enum.TailMustTail && call.CallingConv == enum.CallingConvFast
	})
	if tails != 1 {
		t.Errorf("musttail resumes of the awaiter: got %d, want 1", tails)
	}
	sws := xchgSwitches(g)
	if len(sws) != 1 {
		t.Fatalf("return xchg switches: got %d, want 1", len(sws))
	}
	if sws[0].TargetDefault.Ident() != "%ReturnResume" {
		t.Errorf("real awaiters must be resumed")
	}
}

func TestBlockingCallOfAsyncFunction(t *testing.T) {
	m, tt := newTestModule()
	u32 := tt.U(32)
	g := suspendingFunc(m, tt, "g", u32, 1)
	h := m.NewFunction("h", tt.Fn(u32, ssa.CCAuto))
	b := ssa.NewBuilder(m, h)
	b.Block("entry")
	call := b.Call(g)
	call.Modifier = ssa.CallNoSuspend
	b.Ret(call)

	s, mod := emit(t, m, target.Debug)
	fn := irFunc(t, mod, "h")
	sws := xchgSwitches(fn)
	if len(sws) != 1 {
		t.Fatalf("await switches: got %d, want 1", len(sws))
	}
	var suspended *ir.Block
	for _, c := range sws[0].Cases {
		if c.X.(*constant.Int).X.Int64() == awaiterNone {
			suspended = targetBlock(fn, c.Target)
		}
	}
	if suspended == nil || countPanics(s, suspended) != 1 {
		t.Errorf("a callee that suspended under nosuspend must panic")
	}
	if s.panicMsgs[PanicBadNoSuspendCall] == nil {
		t.Errorf("nosuspend message not emitted")
	}
}

func TestExplicitFrameTooSmall(t *testing.T) {
	m, tt := newTestModule()
	u32 := tt.U(32)
	g := suspendingFunc(m, tt, "g", u32, 0)
	h := m.NewFunction("h", tt.Fn(tt.Void(), ssa.CCAuto, tt.Slice(tt.U(8), false, nil)))
	b := ssa.NewBuilder(m, h)
	b.Block("entry")
	call := &ssa.Call{
		Instr:     ssa.Instr{Type: tt.AnyFrame(u32)},
		Callee:    g,
		Frame:     b.Arg(0),
		FrameSlot: -1,
		Modifier:  ssa.CallAsync,
	}
	b.Emit(call)
	b.Ret(nil)

	// Frame size checks trap even when safety is off.
	_, mod := emit(t, m, target.ReleaseFast)
	fn := irFunc(t, mod, "h")
	uge := countInsts(fn, func(inst ir.Instruction) bool {
		c, ok := inst.(*ir.InstICmp)
		return ok && c.Pred == enum.IPredUGE
	})
	if uge != 1 {
		t.Errorf("frame size checks: got %d, want 1", uge)
	}
	if got := countInsts(fn, callsTo("llvm.trap")); got != 1 {
		t.Errorf("traps: got %d, want 1", got)
	}
}

// anyFrameAwaitModule is awaitModule with the started frame held as an
// anyframe->u32 handle.
func anyFrameAwaitModule() (*ssa.Module, *ssa.Function) {
	m, tt := newTestModule()
	u32 := tt.U(32)
	g := suspendingFunc(m, tt, "g", u32, 1)

	f := m.NewFunction("f", tt.Fn(u32, ssa.CCAsync))
	f.FrameSlots = []ssa.FrameSlot{{Kind: ssa.SlotCall, Callee: g, Name: "g"}}
	b := ssa.NewBuilder(m, f)
	b.Block("entry")
	call := &ssa.Call{Instr: ssa.Instr{Type: tt.AnyFrame(u32)}, Callee: g, FrameSlot: 0, Modifier: ssa.CallAsync}
	b.Emit(call)
	aw := b.Emit(&ssa.Await{Instr: ssa.Instr{Type: u32}, Frame: call})
	b.Ret(b.Bin(ssa.OpAddWrap, aw, b.Int(u32, 1)))
	return m, f
}

// suspendingCallModule has f call async g directly and use its result.
func suspendingCallModule() (*ssa.Module, *ssa.Function) {
	m, tt := newTestModule()
	u32 := tt.U(32)
	g := suspendingFunc(m, tt, "g", u32, 1)

	f := m.NewFunction("f", tt.Fn(u32, ssa.CCAsync))
	f.FrameSlots = []ssa.FrameSlot{{Kind: ssa.SlotCall, Callee: g, Name: "g"}}
	b := ssa.NewBuilder(m, f)
	b.Block("entry")
	call := b.Call(g)
	call.FrameSlot = 0
	b.Ret(b.Bin(ssa.OpAddWrap, call, b.Int(u32, 1)))
	return m, f
}

// resultLoad finds the load of the saved result address in block b.
func resultLoad(f *ir.Func, fr *Frame, b *ir.Block) *ir.InstLoad {
	for _, inst := range b.Insts {
		if ld, ok := inst.(*ir.InstLoad); ok && isResultField(f, fr, ld.Src) {
			return ld
		}
	}
	return nil
}

// isResultField reports whether ptr addresses the saved result address in
// the frame of f. The frame pointer is the first instruction of the entry.
func isResultField(f *ir.Func, fr *Frame, ptr value.Value) bool {
	gep, ok := ptr.(*ir.InstGetElementPtr)
	if !ok || any(gep.Src) != any(f.Blocks[0].Insts[0]) || len(gep.Indices) != 2 {
		return false
	}
	idx, ok := gep.Indices[1].(*constant.Int)
	return ok && idx.X.Int64() == int64(fr.Field(fr.awaitResult))
}

// definedIn reports whether v is an instruction of block b.
func definedIn(v any, b *ir.Block) bool {
	for _, inst := range b.Insts {
		if any(inst) == v {
			return true
		}
	}
	return false
}

func TestAwaitResultSurvivesSuspend(t *testing.T) {
	tests := []struct {
		name   string
		build  func() (*ssa.Module, *ssa.Function)
		resume string
	}{
		{"await single frame", awaitModule, "AwaitResult"},
		{"await anyframe", anyFrameAwaitModule, "AwaitResult"},
		{"suspending call", suspendingCallModule, "Resume1"},
	}
	for _, tc := range tests {
		for _, mode := range []target.BuildMode{target.Debug, target.ReleaseFast} {
			t.Run(tc.name+"/"+mode.String(), func(t *testing.T) {
				m, src := tc.build()
				s, mod := emit(t, m, mode)
				checkedIR(t, mod)

				fr := s.frame(src)
				if fr.awaitResult < 0 {
					t.Fatalf("awaiting frame has no result address field")
				}
				f := irFunc(t, mod, "f")
				after := blockNamed(f, tc.resume)
				if after == nil {
					t.Fatalf("no %s block", tc.resume)
				}
				ld := resultLoad(f, fr, after)
				if ld == nil {
					t.Fatalf("%s does not read the saved result address", tc.resume)
				}

				// Nothing computed before the suspend may be used after it.
				for _, inst := range after.Insts {
					ops, ok := inst.(interface{ Operands() []*value.Value })
					if !ok {
						continue
					}
					for _, op := range ops.Operands() {
						if _, isInst := (*op).(ir.Instruction); !isInst {
							continue
						}
						if !definedIn(*op, after) && !definedIn(*op, f.Blocks[0]) {
							t.Errorf("%s uses %s from before the suspend", tc.resume, (*op).Ident())
						}
					}
				}
			})
		}
	}
}

func TestFramesWithoutAwaitHaveNoResultAddress(t *testing.T) {
	m, tt := newTestModule()
	g := suspendingFunc(m, tt, "g", tt.U(32), 1)
	s := newTestSession(t, target.Native, target.ReleaseFast)
	s.reset(m)
	if fr := s.frame(g); fr.awaitResult >= 0 {
		t.Errorf("frame of a function that never awaits reserves a result address at field %d", fr.awaitResult)
	}
}

func TestEarlyAwaitReadsCalleeResult(t *testing.T) {
	m, src := awaitModule()
	s, mod := emit(t, m, target.ReleaseFast)
	fr := s.frame(src)
	f := irFunc(t, mod, "f")

	// Before registering, the address of g's result is saved in f's frame.
	saved := 0
	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			if st, ok := inst.(*ir.InstStore); ok && isResultField(f, fr, st.Dst) {
				saved++
			}
		}
	}
	if saved != 1 {
		t.Errorf("stores of the awaited result address: got %d, want 1", saved)
	}

	// The early path joins the resumed path, which loads through that address.
	early := blockNamed(f, "AwaitEarly")
	if early == nil {
		t.Fatal("no early-return path")
	}
	if br, ok := early.Term.(*ir.TermBr); !ok || br.Target.Ident() != "%AwaitResult" {
		t.Fatalf("early path must continue at the await result")
	}
	after := blockNamed(f, "AwaitResult")
	ld := resultLoad(f, fr, after)
	if ld == nil {
		t.Fatal("await result does not read the saved address")
	}
	used := false
	for _, inst := range after.Insts {
		if v, ok := inst.(*ir.InstLoad); ok && v != ld && v.ElemType.Equal(types.I32) {
			used = true
		}
	}
	if !used {
		t.Errorf("await result does not load the u32 result")
	}
}
