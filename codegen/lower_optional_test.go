package codegen

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"

	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

func TestOptionalAndErrorUnionLowering(t *testing.T) {
	type types struct {
		u32, ptr, opt, optPtr, eu, anyErr *ssa.Type
	}
	tests := []struct {
		name    string
		param   func(ts types) *ssa.Type
		result  func(ts types) *ssa.Type
		instr   func(x ssa.Instruction, rt *ssa.Type) ssa.Instruction
		checks  int
		panic   PanicKind
		inserts int
		match   func(ir.Instruction) bool
	}{
		{
			name:    "wrap into flagged optional",
			param:   func(ts types) *ssa.Type { return ts.u32 },
			result:  func(ts types) *ssa.Type { return ts.opt },
			instr:   func(x ssa.Instruction, rt *ssa.Type) ssa.Instruction { return &ssa.OptionalWrap{Instr: ssa.Instr{Type: rt}, X: x} },
			inserts: 2,
		},
		{
			name:   "wrap pointer optional",
			param:  func(ts types) *ssa.Type { return ts.ptr },
			result: func(ts types) *ssa.Type { return ts.optPtr },
			instr:  func(x ssa.Instruction, rt *ssa.Type) ssa.Instruction { return &ssa.OptionalWrap{Instr: ssa.Instr{Type: rt}, X: x} },
		},
		{
			name:   "checked payload of flagged optional",
			param:  func(ts types) *ssa.Type { return ts.opt },
			result: func(ts types) *ssa.Type { return ts.u32 },
			instr: func(x ssa.Instruction, rt *ssa.Type) ssa.Instruction {
				return &ssa.OptionalPayload{Instr: ssa.Instr{Type: rt}, X: x, Check: true}
			},
			checks: 1,
			panic:  PanicUnwrapNull,
			match:  instOf[*ir.InstExtractValue](),
		},
		{
			name:   "checked payload of pointer optional",
			param:  func(ts types) *ssa.Type { return ts.optPtr },
			result: func(ts types) *ssa.Type { return ts.ptr },
			instr: func(x ssa.Instruction, rt *ssa.Type) ssa.Instruction {
				return &ssa.OptionalPayload{Instr: ssa.Instr{Type: rt}, X: x, Check: true}
			},
			checks: 1,
			panic:  PanicUnwrapNull,
			match:  icmpWith(enum.IPredNE),
		},
		{
			name:   "unchecked payload",
			param:  func(ts types) *ssa.Type { return ts.opt },
			result: func(ts types) *ssa.Type { return ts.u32 },
			instr: func(x ssa.Instruction, rt *ssa.Type) ssa.Instruction {
				return &ssa.OptionalPayload{Instr: ssa.Instr{Type: rt}, X: x}
			},
			match: instOf[*ir.InstExtractValue](),
		},
		{
			name:    "wrap payload into error union",
			param:   func(ts types) *ssa.Type { return ts.u32 },
			result:  func(ts types) *ssa.Type { return ts.eu },
			instr:   func(x ssa.Instruction, rt *ssa.Type) ssa.Instruction { return &ssa.ErrWrapPayload{Instr: ssa.Instr{Type: rt}, X: x} },
			inserts: 2,
		},
		{
			name:    "wrap error code into error union",
			param:   func(ts types) *ssa.Type { return ts.anyErr },
			result:  func(ts types) *ssa.Type { return ts.eu },
			instr:   func(x ssa.Instruction, rt *ssa.Type) ssa.Instruction { return &ssa.ErrWrapCode{Instr: ssa.Instr{Type: rt}, X: x} },
			inserts: 1,
		},
		{
			name:   "checked error union payload",
			param:  func(ts types) *ssa.Type { return ts.eu },
			result: func(ts types) *ssa.Type { return ts.u32 },
			instr: func(x ssa.Instruction, rt *ssa.Type) ssa.Instruction {
				return &ssa.UnwrapErrPayload{Instr: ssa.Instr{Type: rt}, X: x, Check: true}
			},
			checks: 1,
			panic:  PanicUnwrapError,
			match:  icmpWith(enum.IPredEQ),
		},
		{
			name:   "error code of error union",
			param:  func(ts types) *ssa.Type { return ts.eu },
			result: func(ts types) *ssa.Type { return ts.anyErr },
			instr: func(x ssa.Instruction, rt *ssa.Type) ssa.Instruction {
				return &ssa.UnwrapErrCode{Instr: ssa.Instr{Type: rt}, X: x}
			},
			match: instOf[*ir.InstExtractValue](),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, tt := newTestModule()
			u32 := tt.U(32)
			ts := types{
				u32:    u32,
				ptr:    tt.SinglePtr(u32),
				opt:    tt.Optional(u32),
				optPtr: tt.Optional(tt.SinglePtr(u32)),
				eu:     tt.ErrorUnion(tt.AnyError(), u32),
				anyErr: tt.AnyError(),
			}
			rt := tc.result(ts)
			f := m.NewFunction("f", tt.Fn(rt, ssa.CCAuto, tc.param(ts)))
			b := ssa.NewBuilder(m, f)
			b.Block("entry")
			b.Ret(b.Emit(tc.instr(b.Arg(0), rt)))

			s, mod := emit(t, m, target.Debug)
			fn := irFunc(t, mod, "f")
			checkedIR(t, mod)

			if got := countTerms(fn, isCondBr); got != tc.checks {
				t.Errorf("checks: got %d, want %d", got, tc.checks)
			}
			if tc.checks > 0 && s.panicMsgs[tc.panic] == nil {
				t.Errorf("%s message not emitted", tc.panic)
			}
			if got := countOf[*ir.InstInsertValue](fn); got != tc.inserts {
				t.Errorf("insertvalue: got %d, want %d", got, tc.inserts)
			}
			if tc.match != nil && countInsts(fn, tc.match) == 0 {
				t.Errorf("expected instruction not emitted")
			}
		})
	}
}

func TestUncheckedUnwrapInReleaseFast(t *testing.T) {
	m, tt := newTestModule()
	u32 := tt.U(32)
	eu := tt.ErrorUnion(tt.AnyError(), u32)
	f := m.NewFunction("f", tt.Fn(u32, ssa.CCAuto, eu))
	b := ssa.NewBuilder(m, f)
	b.Block("entry")
	b.Ret(b.Emit(&ssa.UnwrapErrPayload{Instr: ssa.Instr{Type: u32}, X: b.Arg(0), Check: true}))

	_, mod := emit(t, m, target.ReleaseFast)
	fn := irFunc(t, mod, "f")
	checkedIR(t, mod)
	if got := countTerms(fn, isCondBr); got != 0 {
		t.Errorf("checks with safety off: got %d, want 0", got)
	}
}
