package ssa

import "testing"

func TestConstPoolParents(t *testing.T) {
	tt := newTable()
	pool := NewConstPool()
	u32 := tt.U(32)
	arr := tt.Array(u32, 3, nil)
	st := tt.Struct("Pair", LayoutAuto, &Field{Name: "a", Type: u32}, &Field{Name: "arr", Type: arr})

	e0, e1, e2 := &Const{Type: u32}, &Const{Type: u32}, &Const{Type: u32}
	inner := &Const{Type: arr, Elems: []*Const{e0, e1, e2}}
	head := &Const{Type: u32}
	outer := pool.Aggregate(st, head, inner)

	if outer.ID == 0 || inner.ID == 0 || e2.ID == 0 {
		t.Fatal("children were not added to the pool")
	}
	if pool.Len() != 6 {
		t.Errorf("pool has %d constants, want 6", pool.Len())
	}
	if e1.Parent != (ParentRef{Kind: ParentArray, ID: inner.ID, Index: 1}) {
		t.Errorf("element parent = %+v", e1.Parent)
	}
	if inner.Parent != (ParentRef{Kind: ParentStruct, ID: outer.ID, Index: 1}) {
		t.Errorf("array parent = %+v", inner.Parent)
	}
	if pool.Root(e2) != outer {
		t.Error("root of nested element is not the outer struct")
	}
	if pool.Lookup(outer.ID) != outer {
		t.Error("lookup by id failed")
	}
	if pool.Lookup(0) != nil {
		t.Error("id zero should be none")
	}
}

func TestConstPoolAddIdempotent(t *testing.T) {
	pool := NewConstPool()
	c := pool.Int(newTable().U(8), 7)
	id := c.ID
	pool.Add(c)
	if c.ID != id || pool.Len() != 1 {
		t.Errorf("re-adding changed id or pool size: id %d len %d", c.ID, pool.Len())
	}
}

func TestConstString(t *testing.T) {
	tt := newTable()
	pool := NewConstPool()
	ev := &ErrorValue{Name: "OutOfMemory", Code: 1}
	tests := []struct {
		c    *Const
		want string
	}{
		{pool.Int(tt.I(32), -5), "-5"},
		{pool.Bool(tt.Bool(), true), "true"},
		{pool.Undef(tt.U(8)), "undefined"},
		{pool.Null(tt.Optional(tt.U(32))), "null"},
		{pool.Error(tt.AnyError(), ev), "error.OutOfMemory"},
	}
	for _, tc := range tests {
		if got := tc.c.String(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
	}
}
