package ssa

import "testing"

func TestBuilderAssignsIDsAndTypes(t *testing.T) {
	tt := newTable()
	m := NewModule("b", tt)
	u32 := tt.U(32)
	f := m.NewFunction("f", tt.Fn(u32, CCAuto, u32))
	b := NewBuilder(m, f)
	b.Block("entry")

	x := b.Arg(0)
	one := b.Int(u32, 1)
	sum := b.Bin(OpAdd, x, one)
	b.Ret(sum)

	if x.Header().ID != 1 || one.Header().ID != 2 || sum.Header().ID != 3 {
		t.Errorf("ids = %d %d %d", x.Header().ID, one.Header().ID, sum.Header().ID)
	}
	if sum.Header().Type != u32 {
		t.Errorf("sum type = %v", sum.Header().Type)
	}
	if sum.Header().SideEffects {
		t.Error("add must not be marked side-effecting")
	}
	if !f.Blocks[0].Terminator().Header().SideEffects {
		t.Error("ret must be side-effecting")
	}
	if sum.Header().Scope != f.Scope {
		t.Error("instruction scope should default to the block scope")
	}

	b2 := NewBuilder(m, f)
	b2.SetBlock(f.Blocks[0])
	if next := b2.Emit(&Breakpoint{}); next.Header().ID != 5 {
		t.Errorf("resumed builder id = %d, want 5", next.Header().ID)
	}
}

func TestBuilderPointers(t *testing.T) {
	tt := newTable()
	m := NewModule("p", tt)
	u8 := tt.U(8)
	arr := tt.Array(u8, 4, nil)
	host := tt.PackedHostStruct("H", &Field{Name: "a", Type: tt.U(4)}, &Field{Name: "b", Type: tt.U(4)})
	f := m.NewFunction("f", tt.Fn(tt.Void(), CCAuto))
	b := NewBuilder(m, f)
	b.Block("entry")

	slot := b.Alloca(arr)
	if slot.(*Alloca).Slot != -1 || slot.Header().Type.Elem != arr {
		t.Errorf("alloca = %+v", slot)
	}
	ep := b.ElemPtr(slot, b.Int(tt.Usize(), 2))
	if ep.Header().Type.Elem != u8 {
		t.Errorf("elem ptr to %v, want u8", ep.Header().Type.Elem)
	}

	hp := b.Alloca(host)
	fp := b.FieldPtr(hp, 1)
	info := fp.Header().Type.Ptr
	if info.HostBytes != 1 || info.BitOffset != 4 {
		t.Errorf("bit pointer info = %+v", info)
	}

	vol := tt.Ptr(u8, PtrInfo{Size: PtrOne, Volatile: true})
	ptr := b.Emit(&Constant{Instr: Instr{Type: vol}, Value: m.Consts.Addr(vol, 0x1000)})
	if !b.Load(ptr).Header().SideEffects {
		t.Error("volatile load must be side-effecting")
	}
}

func TestHasSideEffects(t *testing.T) {
	tests := []struct {
		instr Instruction
		want  bool
	}{
		{&Store{}, true},
		{&Fence{}, true},
		{&SuspendBegin{}, true},
		{&Await{}, true},
		{&BinOp{}, false},
		{&FieldPtr{}, false},
		{&OptionalPayloadPtr{Init: true}, true},
		{&OptionalPayloadPtr{}, false},
		{&ErrPayloadPtr{Init: true}, true},
	}
	for _, tc := range tests {
		if got := HasSideEffects(tc.instr); got != tc.want {
			t.Errorf("%s: got %v, want %v", Name(tc.instr), got, tc.want)
		}
	}
}
