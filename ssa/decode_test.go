package ssa

import (
	"strings"
	"testing"

	"github.com/wippyai/llgen/errors"
)

const addModule = `{
  "name": "demo",
  "types": [
    {"id": "add_fn", "kind": "fn", "params": ["u32", "u32"], "return": "u32"},
    {"id": "Point", "kind": "struct", "name": "Point", "fields": [
      {"name": "x", "type": "i32"}, {"name": "y", "type": "i64"}
    ]},
    {"id": "arr4", "kind": "array", "elem": "u8", "len": 4}
  ],
  "errors": ["OutOfMemory", "Overflow"],
  "consts": [
    {"id": 1, "type": "u32", "int": "1"},
    {"id": 2, "type": "Point", "elems": [3, 4]},
    {"id": 3, "type": "i32", "int": "-1"},
    {"id": 4, "type": "i64", "int": "0x10"}
  ],
  "globals": [
    {"name": "origin", "type": "Point", "init": 2, "const": true}
  ],
  "funcs": [
    {"name": "add", "type": "add_fn", "linkage": "export", "blocks": [
      {"name": "entry", "instrs": [
        {"id": 1, "op": "arg", "arg": 0},
        {"id": 2, "op": "arg", "arg": 1},
        {"id": 3, "op": "add_wrap", "x": 1, "y": 2},
        {"id": 4, "op": "cmp", "kind": "lt", "x": 3, "y": 1},
        {"op": "cond_br", "cond": 4, "then": "small", "else": "join"}
      ]},
      {"name": "small", "instrs": [
        {"id": 5, "op": "const", "const": 1},
        {"op": "br", "target": "join"}
      ]},
      {"name": "join", "instrs": [
        {"id": 6, "op": "phi", "type": "u32", "edges": [
          {"block": "entry", "value": 3}, {"block": "small", "value": 5}
        ]},
        {"op": "ret", "value": 6}
      ]}
    ]}
  ]
}`

func TestDecodeModule(t *testing.T) {
	m, err := Decode(strings.NewReader(addModule), newTable())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Name != "demo" || len(m.Funcs) != 1 || len(m.Globals) != 1 {
		t.Fatalf("unexpected module shape: %+v", m)
	}
	if len(m.Errors) != 2 || m.Errors[1].Code != 2 {
		t.Errorf("errors = %+v", m.Errors)
	}

	point := m.Types.Lookup(KindStruct, "Point")
	if point == nil {
		t.Fatal("Point not registered")
	}
	if point.Fields[1].Offset != 8 || point.Size != 16 {
		t.Errorf("Point layout: y at %d size %d", point.Fields[1].Offset, point.Size)
	}

	g := m.Global("origin")
	if g.Init == nil || len(g.Init.Elems) != 2 || g.Init.Elems[1].Int.Int64() != 16 {
		t.Errorf("global init = %v", g.Init)
	}
	if g.Init.Elems[0].Parent.ID != g.Init.ID {
		t.Error("global init children not linked to parent")
	}

	f := m.Func("add")
	if f.Linkage != LinkExport || len(f.Blocks) != 3 {
		t.Fatalf("add: linkage %d blocks %d", f.Linkage, len(f.Blocks))
	}
	entry := f.Blocks[0]
	sum, ok := entry.Instrs[2].(*BinOp)
	if !ok || sum.Op != OpAddWrap || sum.Type != m.Types.U(32) {
		t.Errorf("instr 3 = %#v", entry.Instrs[2])
	}
	if cmp := entry.Instrs[3].(*Cmp); cmp.Type.Kind != KindBool || cmp.Pred != CmpLt {
		t.Errorf("cmp type %v pred %d", cmp.Type, cmp.Pred)
	}
	if br := entry.Terminator().(*CondBr); br.Then != f.Blocks[1] || br.Else != f.Blocks[2] {
		t.Error("cond_br targets not resolved")
	}
	phi := f.Blocks[2].Instrs[0].(*Phi)
	if len(phi.Edges) != 2 || phi.Edges[0].Block != entry || phi.Edges[1].Value != f.Blocks[1].Instrs[0] {
		t.Errorf("phi edges = %+v", phi.Edges)
	}
	if !f.Blocks[2].Terminator().Header().SideEffects {
		t.Error("ret should have side effects")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"syntax", `{"name": `, "parse module json"},
		{"unknown field", `{"name": "x", "bogus": 1}`, "parse module json"},
		{"unknown type", `{"name": "x", "globals": [{"name": "g", "type": "nope"}]}`, `unknown type "nope"`},
		{"bad kind", `{"name": "x", "types": [{"id": "t", "kind": "blob"}]}`, `unknown kind "blob"`},
		{"bad float", `{"name": "x", "types": [{"id": "t", "kind": "float", "bits": 24}]}`, "invalid float width 24"},
		{"use before def", `{"name": "x", "types": [{"id": "f", "kind": "fn", "return": "void"}],
			"funcs": [{"name": "f", "type": "f", "blocks": [{"name": "b", "instrs": [{"op": "ret", "value": 9}]}]}]}`, "operand 9 not defined"},
		{"unknown op", `{"name": "x", "types": [{"id": "f", "kind": "fn", "return": "void"}],
			"funcs": [{"name": "f", "type": "f", "blocks": [{"name": "b", "instrs": [{"op": "teleport"}]}]}]}`, `unknown op "teleport"`},
		{"unknown block", `{"name": "x", "types": [{"id": "f", "kind": "fn", "return": "void"}],
			"funcs": [{"name": "f", "type": "f", "blocks": [{"name": "b", "instrs": [{"op": "br", "target": "nowhere"}]}]}]}`, `unknown block "nowhere"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tc.src), newTable())
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not contain %q", err, tc.want)
			}
			var e *errors.Error
			if !asError(err, &e) || e.Phase != errors.PhaseDecode {
				t.Errorf("error is not a decode-phase *errors.Error: %v", err)
			}
		})
	}
}

func asError(err error, target **errors.Error) bool {
	e, ok := err.(*errors.Error)
	if ok {
		*target = e
	}
	return ok
}
