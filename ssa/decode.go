package ssa

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strconv"

	"github.com/wippyai/llgen/errors"
)

// Decode reads a module in the JSON interchange format.
//
// Types, constants, functions and globals are referenced by their ids or
// names. Types may be referenced before they are listed, but a type whose
// layout is omitted must come after the types it contains. Within a
// function, instruction operands must be listed before their uses, except
// for phi edges.
func Decode(r io.Reader, types *TypeTable) (*Module, error) {
	var mj moduleJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&mj); err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidInput, err, "parse module json")
	}

	d := &decoder{
		m:      NewModule(mj.Name, types),
		types:  make(map[string]*Type),
		consts: make(map[uint32]*Const),
		funcs:  make(map[string]*Function),
	}
	d.m.Source = mj.Source
	if err := d.module(&mj); err != nil {
		return nil, err
	}
	return d.m, nil
}

type moduleJSON struct {
	Name    string       `json:"name"`
	Source  string       `json:"source,omitempty"`
	Types   []typeJSON   `json:"types,omitempty"`
	Errors  []string     `json:"errors,omitempty"`
	Consts  []constJSON  `json:"consts,omitempty"`
	Globals []globalJSON `json:"globals,omitempty"`
	Funcs   []funcJSON   `json:"funcs,omitempty"`
}

type fieldJSON struct {
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Offset    *uint64 `json:"offset,omitempty"`
	HostBytes uint32  `json:"host_bytes,omitempty"`
	BitOffset uint32  `json:"bit_offset,omitempty"`
}

type typeJSON struct {
	ID            string       `json:"id"`
	Kind          string       `json:"kind"`
	Name          string       `json:"name,omitempty"`
	Bits          int          `json:"bits,omitempty"`
	Signed        bool         `json:"signed,omitempty"`
	Size          *uint64      `json:"size,omitempty"`
	Align         *uint32      `json:"align,omitempty"`
	Elem          string       `json:"elem,omitempty"`
	Len           uint64       `json:"len,omitempty"`
	Sentinel      uint32       `json:"sentinel,omitempty"`
	PtrSize       string       `json:"ptr,omitempty"`
	Const         bool         `json:"const,omitempty"`
	Volatile      bool         `json:"volatile,omitempty"`
	AllowZero     bool         `json:"allowzero,omitempty"`
	PtrAlign      uint32       `json:"ptr_align,omitempty"`
	HostBytes     uint32       `json:"host_bytes,omitempty"`
	BitOffset     uint32       `json:"bit_offset,omitempty"`
	Fields        []fieldJSON  `json:"fields,omitempty"`
	Layout        string       `json:"layout,omitempty"`
	Tag           string       `json:"tag,omitempty"`
	Members       []EnumMember `json:"members,omitempty"`
	NonExhaustive bool         `json:"non_exhaustive,omitempty"`
	Errors        []string     `json:"errors,omitempty"`
	AnyError      bool         `json:"anyerror,omitempty"`
	ErrSet        string       `json:"err_set,omitempty"`
	Params        []string     `json:"params,omitempty"`
	Return        string       `json:"return,omitempty"`
	CC            string       `json:"cc,omitempty"`
	Frame         string       `json:"frame,omitempty"`
}

type ptrJSON struct {
	Kind   string `json:"kind"`
	Base   uint32 `json:"base,omitempty"`
	Index  uint64 `json:"index,omitempty"`
	Addr   uint64 `json:"addr,omitempty"`
	Global string `json:"global,omitempty"`
	Func   string `json:"func,omitempty"`
}

type constJSON struct {
	ID      uint32   `json:"id"`
	Type    string   `json:"type"`
	Undef   bool     `json:"undef,omitempty"`
	Int     string   `json:"int,omitempty"`
	Float   float64  `json:"float,omitempty"`
	Bool    bool     `json:"bool,omitempty"`
	Elems   []uint32 `json:"elems,omitempty"`
	Field   int      `json:"field,omitempty"`
	Payload uint32   `json:"payload,omitempty"`
	Err     string   `json:"err,omitempty"`
	Null    bool     `json:"null,omitempty"`
	Ptr     *ptrJSON `json:"ptr,omitempty"`
	Len     uint64   `json:"len,omitempty"`
}

type globalJSON struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Init        uint32 `json:"init,omitempty"`
	Const       bool   `json:"const,omitempty"`
	Linkage     string `json:"linkage,omitempty"`
	ThreadLocal bool   `json:"thread_local,omitempty"`
	Section     string `json:"section,omitempty"`
	Align       uint32 `json:"align,omitempty"`
}

type slotJSON struct {
	Name   string `json:"name,omitempty"`
	Type   string `json:"type,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Callee string `json:"callee,omitempty"`
	Align  uint32 `json:"align,omitempty"`
}

type caseJSON struct {
	Const  uint32 `json:"const"`
	Target string `json:"target"`
}

type edgeJSON struct {
	Block string `json:"block"`
	Value int    `json:"value"`
}

type instrJSON struct {
	ID        int        `json:"id,omitempty"`
	Op        string     `json:"op"`
	Type      string     `json:"type,omitempty"`
	X         int        `json:"x,omitempty"`
	Y         int        `json:"y,omitempty"`
	Z         int        `json:"z,omitempty"`
	Ptr       int        `json:"ptr,omitempty"`
	Value     int        `json:"value,omitempty"`
	Index     int        `json:"index,omitempty"`
	Start     int        `json:"start,omitempty"`
	End       int        `json:"end,omitempty"`
	Len       int        `json:"len,omitempty"`
	Dest      int        `json:"dest,omitempty"`
	Src       int        `json:"src,omitempty"`
	Cond      int        `json:"cond,omitempty"`
	Frame     int        `json:"frame,omitempty"`
	ResultLoc int        `json:"result_loc,omitempty"`
	FnPtr     int        `json:"fn_ptr,omitempty"`
	Msg       int        `json:"msg,omitempty"`
	Expected  int        `json:"expected,omitempty"`
	New       int        `json:"new,omitempty"`
	A         int        `json:"a,omitempty"`
	B         int        `json:"b,omitempty"`
	Result    int        `json:"result,omitempty"`
	Begin     int        `json:"begin,omitempty"`
	Args      []int      `json:"args,omitempty"`
	Const     uint32     `json:"const,omitempty"`
	Arg       int        `json:"arg,omitempty"`
	Field     int        `json:"field,omitempty"`
	Slot      *int       `json:"slot,omitempty"`
	Elem      string     `json:"elem,omitempty"`
	Align     uint32     `json:"align,omitempty"`
	Name      string     `json:"name,omitempty"`
	Global    string     `json:"global,omitempty"`
	Callee    string     `json:"callee,omitempty"`
	Modifier  string     `json:"modifier,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	Order     string     `json:"order,omitempty"`
	Success   string     `json:"success,omitempty"`
	Failure   string     `json:"failure,omitempty"`
	Weak      bool       `json:"weak,omitempty"`
	Mask      []int      `json:"mask,omitempty"`
	Target    string     `json:"target,omitempty"`
	Then      string     `json:"then,omitempty"`
	Else      string     `json:"else,omitempty"`
	Cases     []caseJSON `json:"cases,omitempty"`
	Edges     []edgeJSON `json:"edges,omitempty"`
	Check     bool       `json:"check,omitempty"`
	Init      bool       `json:"init,omitempty"`
	Wrap      bool       `json:"wrap,omitempty"`
	NoSuspend bool       `json:"nosuspend,omitempty"`
	Line      int        `json:"line,omitempty"`
	Col       int        `json:"col,omitempty"`
}

type blockJSON struct {
	Name   string      `json:"name"`
	Safety *bool       `json:"safety,omitempty"`
	Instrs []instrJSON `json:"instrs"`
}

type funcJSON struct {
	Name    string      `json:"name"`
	Type    string      `json:"type"`
	Linkage string      `json:"linkage,omitempty"`
	Async   bool        `json:"async,omitempty"`
	Inline  string      `json:"inline,omitempty"`
	Section string      `json:"section,omitempty"`
	File    string      `json:"file,omitempty"`
	Line    int         `json:"line,omitempty"`
	Params  []string    `json:"params,omitempty"`
	Safety  *bool       `json:"safety,omitempty"`
	Slots   []slotJSON  `json:"slots,omitempty"`
	Blocks  []blockJSON `json:"blocks,omitempty"`
}

type decoder struct {
	m      *Module
	types  map[string]*Type
	consts map[uint32]*Const
	funcs  map[string]*Function
}

func decodeErr(path []string, format string, args ...any) error {
	return errors.InvalidInput(errors.PhaseDecode, path, fmt.Sprintf(format, args...))
}

func (d *decoder) module(mj *moduleJSON) error {
	for i, name := range mj.Errors {
		d.m.Errors = append(d.m.Errors, &ErrorValue{Name: name, Code: uint32(i + 1)})
	}
	for _, tj := range mj.Types {
		if tj.ID == "" {
			return decodeErr([]string{"types"}, "type without id")
		}
		d.types[tj.ID] = &Type{}
	}
	for _, fj := range mj.Funcs {
		d.funcs[fj.Name] = &Function{Name: fj.Name}
	}
	for _, g := range mj.Globals {
		d.m.Globals = append(d.m.Globals, &Global{Name: g.Name})
	}
	for i := range mj.Consts {
		d.consts[mj.Consts[i].ID] = &Const{}
	}

	for i := range mj.Types {
		if err := d.typ(&mj.Types[i]); err != nil {
			return err
		}
	}
	for i := range mj.Consts {
		if err := d.constant(&mj.Consts[i]); err != nil {
			return err
		}
	}
	for i := range mj.Consts {
		c := d.consts[mj.Consts[i].ID]
		d.m.Consts.Add(c)
	}
	for i := range mj.Consts {
		cj := &mj.Consts[i]
		if cj.Ptr != nil && cj.Ptr.Base != 0 {
			base, ok := d.consts[cj.Ptr.Base]
			if !ok {
				return decodeErr([]string{"consts", strconv.Itoa(int(cj.ID))}, "unknown base const %d", cj.Ptr.Base)
			}
			d.consts[cj.ID].Ptr.Base = base.ID
		}
	}
	for i, gj := range mj.Globals {
		if err := d.global(d.m.Globals[i], &gj); err != nil {
			return err
		}
	}
	for i := range mj.Funcs {
		if err := d.function(&mj.Funcs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) typeRef(id string, path ...string) (*Type, error) {
	if id == "" {
		return nil, decodeErr(path, "missing type")
	}
	if t, ok := d.types[id]; ok {
		return t, nil
	}
	tt := d.m.Types
	switch id {
	case "void":
		return tt.Void(), nil
	case "noreturn":
		return tt.NoReturn(), nil
	case "bool":
		return tt.Bool(), nil
	case "usize":
		return tt.Usize(), nil
	case "isize":
		return tt.I(int(tt.PtrBytes() * 8)), nil
	case "anyerror":
		return tt.AnyError(), nil
	}
	if len(id) > 1 {
		if n, err := strconv.Atoi(id[1:]); err == nil && n >= 0 && n <= 65535 {
			switch id[0] {
			case 'u':
				return tt.U(n), nil
			case 'i':
				return tt.I(n), nil
			case 'f':
				switch n {
				case 16, 32, 64, 80, 128:
					return tt.Float(n), nil
				}
			}
		}
	}
	return nil, decodeErr(path, "unknown type %q", id)
}

func (d *decoder) typ(tj *typeJSON) error {
	path := []string{"types", tj.ID}
	t := d.types[tj.ID]
	kind, ok := ParseKind(tj.Kind)
	if !ok {
		return decodeErr(path, "unknown kind %q", tj.Kind)
	}
	t.Kind = kind
	t.Name = tj.Name
	t.Len = tj.Len
	t.NonExhaustive = tj.NonExhaustive
	tt := d.m.Types

	var err error
	ref := func(id string) *Type {
		if err != nil {
			return nil
		}
		var r *Type
		r, err = d.typeRef(id, path...)
		return r
	}

	switch kind {
	case KindInt:
		t.Bits, t.Signed = uint32(tj.Bits), tj.Signed
		t.Size, t.Align = tt.intLayout(t.Bits)
	case KindFloat:
		switch tj.Bits {
		case 16, 32, 64, 80, 128:
		default:
			return decodeErr(path, "invalid float width %d", tj.Bits)
		}
		proto := tt.Float(tj.Bits)
		t.Bits, t.Size, t.Align = proto.Bits, proto.Size, proto.Align
	case KindBool:
		t.Bits, t.Size, t.Align = 1, 1, 1
	case KindVoid, KindNoReturn:
		t.Align = 1
	case KindPointer, KindSlice:
		t.Elem = ref(tj.Elem)
		t.Ptr = PtrInfo{Const: tj.Const, Volatile: tj.Volatile, AllowZero: tj.AllowZero,
			Align: tj.PtrAlign, HostBytes: tj.HostBytes, BitOffset: tj.BitOffset}
		switch tj.PtrSize {
		case "", "one":
			t.Ptr.Size = PtrOne
		case "many":
			t.Ptr.Size = PtrMany
		case "c":
			t.Ptr.Size = PtrC
		default:
			return decodeErr(path, "unknown pointer size %q", tj.PtrSize)
		}
		t.Size, t.Align = tt.ptrBytes, uint32(tt.ptrBytes)
		if kind == KindSlice {
			t.Size *= 2
			t.Ptr.Size = PtrMany
		}
	case KindArray, KindVector:
		t.Elem = ref(tj.Elem)
		if err == nil {
			var proto *Type
			if kind == KindArray {
				proto = tt.Array(t.Elem, t.Len, nil)
			} else {
				proto = tt.Vector(t.Elem, t.Len)
			}
			t.Size, t.Align = proto.Size, proto.Align
			if kind == KindArray && tj.Sentinel != 0 {
				t.Size += t.Elem.Size
			}
		}
	case KindStruct, KindUnion:
		switch tj.Layout {
		case "", "auto":
		case "extern":
			t.Layout = LayoutExtern
		case "packed":
			t.Layout = LayoutPacked
		default:
			return decodeErr(path, "unknown layout %q", tj.Layout)
		}
		supplied := true
		for _, fj := range tj.Fields {
			f := &Field{Name: fj.Name, Type: ref(fj.Type), HostBytes: fj.HostBytes, BitOffset: fj.BitOffset}
			if fj.Offset != nil {
				f.Offset = *fj.Offset
			} else {
				supplied = false
			}
			t.Fields = append(t.Fields, f)
		}
		if tj.Tag != "" {
			t.Tag = ref(tj.Tag)
		}
		if err == nil && (!supplied || tj.Size == nil) {
			var proto *Type
			if kind == KindStruct {
				proto = tt.Struct("", t.Layout, t.Fields...)
			} else {
				proto = tt.Union("", t.Tag, t.Fields...)
			}
			t.Size, t.Align = proto.Size, proto.Align
		}
	case KindEnum:
		t.Tag = ref(tj.Tag)
		t.Members = tj.Members
		if err == nil {
			t.Bits, t.Size, t.Align = t.Tag.Bits, t.Tag.Size, t.Tag.Align
		}
	case KindErrorSet:
		if !tj.AnyError {
			t.Errors = make([]*ErrorValue, 0, len(tj.Errors))
			for _, name := range tj.Errors {
				t.Errors = append(t.Errors, d.m.Error(name))
			}
		}
		proto := tt.AnyError()
		t.Bits, t.Size, t.Align = proto.Bits, proto.Size, proto.Align
	case KindOptional:
		t.Elem = ref(tj.Elem)
		if err == nil {
			proto := tt.Optional(t.Elem)
			t.Size, t.Align = proto.Size, proto.Align
		}
	case KindErrorUnion:
		t.ErrSet, t.Elem = ref(tj.ErrSet), ref(tj.Elem)
		if err == nil {
			proto := tt.ErrorUnion(t.ErrSet, t.Elem)
			t.Size, t.Align = proto.Size, proto.Align
		}
	case KindFn:
		fn := &FnType{Return: ref(tj.Return)}
		for _, p := range tj.Params {
			fn.Params = append(fn.Params, ref(p))
		}
		switch tj.CC {
		case "", "auto":
		case "c":
			fn.CC = CCC
		case "async":
			fn.CC = CCAsync
		case "naked":
			fn.CC = CCNaked
		case "inline":
			fn.CC = CCInline
		case "cold":
			fn.CC = CCCold
		default:
			return decodeErr(path, "unknown calling convention %q", tj.CC)
		}
		t.Fn = fn
		t.Size, t.Align = tt.ptrBytes, uint32(tt.ptrBytes)
	case KindAnyFrame:
		if tj.Elem != "" {
			t.Elem = ref(tj.Elem)
		}
		t.Size, t.Align = tt.ptrBytes, uint32(tt.ptrBytes)
	case KindFrame:
		f, ok := d.funcs[tj.Frame]
		if !ok {
			return decodeErr(path, "frame of unknown function %q", tj.Frame)
		}
		t.Frame = f
		t.Align = uint32(tt.ptrBytes)
	}
	if err != nil {
		return err
	}
	if tj.Sentinel != 0 {
		c, ok := d.consts[tj.Sentinel]
		if !ok {
			return decodeErr(path, "unknown sentinel const %d", tj.Sentinel)
		}
		t.Sentinel = c
	}
	if tj.Size != nil {
		t.Size = *tj.Size
	}
	if tj.Align != nil {
		t.Align = *tj.Align
	}
	if t.Name != "" {
		tt.Register(t)
	}
	return nil
}

func (d *decoder) constRef(id uint32, path []string) (*Const, error) {
	c, ok := d.consts[id]
	if !ok {
		return nil, decodeErr(path, "unknown const %d", id)
	}
	return c, nil
}

func (d *decoder) constant(cj *constJSON) error {
	path := []string{"consts", strconv.Itoa(int(cj.ID))}
	c := d.consts[cj.ID]
	t, err := d.typeRef(cj.Type, path...)
	if err != nil {
		return err
	}
	c.Type = t
	c.Undef = cj.Undef
	c.Float = cj.Float
	c.Bool = cj.Bool
	c.Field = cj.Field
	if cj.Int != "" {
		v, ok := new(big.Int).SetString(cj.Int, 0)
		if !ok {
			return decodeErr(path, "invalid integer %q", cj.Int)
		}
		c.Int = v
	}
	for _, e := range cj.Elems {
		ec, err := d.constRef(e, path)
		if err != nil {
			return err
		}
		c.Elems = append(c.Elems, ec)
	}
	if cj.Payload != 0 {
		if c.Payload, err = d.constRef(cj.Payload, path); err != nil {
			return err
		}
	}
	if cj.Err != "" {
		c.Err = d.m.Error(cj.Err)
	}
	if cj.Ptr != nil {
		pv := &PtrValue{Index: cj.Ptr.Index, Addr: cj.Ptr.Addr}
		switch cj.Ptr.Kind {
		case "null":
			pv.Kind = PtrNull
		case "addr":
			pv.Kind = PtrAddr
		case "ref":
			pv.Kind = PtrRef
		case "elem":
			pv.Kind = PtrElem
		case "global":
			pv.Kind = PtrGlobal
			pv.Global = d.m.Global(cj.Ptr.Global)
			if pv.Global == nil {
				return decodeErr(path, "unknown global %q", cj.Ptr.Global)
			}
		case "func":
			pv.Kind = PtrFunc
			pv.Func = d.funcs[cj.Ptr.Func]
			if pv.Func == nil {
				return decodeErr(path, "unknown function %q", cj.Ptr.Func)
			}
		default:
			return decodeErr(path, "unknown pointer kind %q", cj.Ptr.Kind)
		}
		c.Ptr = pv
	}
	if t.Kind == KindSlice {
		c.Int = new(big.Int).SetUint64(cj.Len)
	}
	if cj.Null && t.Kind == KindPointer {
		c.Ptr = &PtrValue{Kind: PtrNull}
	}
	if t.Kind == KindInt || t.Kind == KindEnum {
		if c.Int == nil && !c.Undef {
			c.Int = new(big.Int)
		}
	}
	return nil
}

func parseLinkage(s string) (Linkage, error) {
	switch s {
	case "", "internal":
		return LinkInternal, nil
	case "export":
		return LinkExport, nil
	case "weak":
		return LinkWeak, nil
	case "extern":
		return LinkExtern, nil
	default:
		return 0, fmt.Errorf("unknown linkage %q", s)
	}
}

func (d *decoder) global(g *Global, gj *globalJSON) error {
	path := []string{"globals", gj.Name}
	t, err := d.typeRef(gj.Type, path...)
	if err != nil {
		return err
	}
	g.Type = t
	g.Const = gj.Const
	g.ThreadLocal = gj.ThreadLocal
	g.Section = gj.Section
	g.Align = gj.Align
	if g.Linkage, err = parseLinkage(gj.Linkage); err != nil {
		return decodeErr(path, "%v", err)
	}
	if gj.Init != 0 {
		if g.Init, err = d.constRef(gj.Init, path); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) function(fj *funcJSON) error {
	path := []string{"funcs", fj.Name}
	f := d.funcs[fj.Name]
	t, err := d.typeRef(fj.Type, path...)
	if err != nil {
		return err
	}
	if t.Kind != KindFn {
		return decodeErr(path, "function type %q is %s", fj.Type, t.Kind)
	}
	f.Type = t
	f.Async = fj.Async || t.Fn.CC == CCAsync
	f.Section = fj.Section
	f.Params = fj.Params
	f.Pos = Pos{File: fj.File, Line: fj.Line}
	f.Scope = NewScope(nil, ScopeDecl)
	if fj.Safety != nil {
		f.Scope.SetSafety(*fj.Safety)
	}
	if f.Linkage, err = parseLinkage(fj.Linkage); err != nil {
		return decodeErr(path, "%v", err)
	}
	switch fj.Inline {
	case "", "auto":
	case "always":
		f.Inline = InlineAlways
	case "never":
		f.Inline = InlineNever
	default:
		return decodeErr(path, "unknown inline hint %q", fj.Inline)
	}
	for i, sj := range fj.Slots {
		slot := FrameSlot{Name: sj.Name, Align: sj.Align}
		switch sj.Kind {
		case "", "var":
			slot.Kind = SlotVar
		case "spill":
			slot.Kind = SlotSpill
		case "call":
			slot.Kind = SlotCall
			slot.Callee = d.funcs[sj.Callee]
			if slot.Callee == nil {
				return decodeErr(append(path, "slots", strconv.Itoa(i)), "unknown callee %q", sj.Callee)
			}
		default:
			return decodeErr(append(path, "slots", strconv.Itoa(i)), "unknown slot kind %q", sj.Kind)
		}
		if sj.Type != "" {
			if slot.Type, err = d.typeRef(sj.Type, path...); err != nil {
				return err
			}
		}
		f.FrameSlots = append(f.FrameSlots, slot)
	}
	d.m.Funcs = append(d.m.Funcs, f)

	blocks := make(map[string]*Block, len(fj.Blocks))
	for i, bj := range fj.Blocks {
		blk := &Block{Name: bj.Name, Index: i, Scope: f.Scope}
		if bj.Safety != nil {
			blk.Scope = NewScope(f.Scope, ScopeBlock).SetSafety(*bj.Safety)
		}
		if _, dup := blocks[bj.Name]; dup {
			return decodeErr(path, "duplicate block %q", bj.Name)
		}
		blocks[bj.Name] = blk
		f.Blocks = append(f.Blocks, blk)
	}

	fd := &funcDecoder{d: d, f: f, blocks: blocks, instrs: make(map[int]Instruction), b: NewBuilder(d.m, f)}
	for i := range fj.Blocks {
		fd.b.SetBlock(f.Blocks[i])
		for j := range fj.Blocks[i].Instrs {
			ij := &fj.Blocks[i].Instrs[j]
			ipath := append(append([]string{}, path...), fj.Blocks[i].Name, strconv.Itoa(j))
			if err := fd.instr(ij, ipath); err != nil {
				return err
			}
		}
	}
	for _, p := range fd.phis {
		for _, ej := range p.edges {
			blk, ok := blocks[ej.Block]
			if !ok {
				return decodeErr(path, "phi %d: unknown block %q", p.phi.ID, ej.Block)
			}
			v, ok := fd.instrs[ej.Value]
			if !ok {
				return decodeErr(path, "phi %d: unknown value %d", p.phi.ID, ej.Value)
			}
			p.phi.Edges = append(p.phi.Edges, PhiEdge{Block: blk, Value: v})
		}
	}
	return nil
}

type pendingPhi struct {
	phi   *Phi
	edges []edgeJSON
}

type funcDecoder struct {
	d      *decoder
	f      *Function
	b      *Builder
	blocks map[string]*Block
	instrs map[int]Instruction
	phis   []pendingPhi
	err    error
}

func (fd *funcDecoder) fail(path []string, format string, args ...any) {
	if fd.err == nil {
		fd.err = decodeErr(path, format, args...)
	}
}

func (fd *funcDecoder) instr(ij *instrJSON, path []string) error {
	ref := func(id int) Instruction {
		if id == 0 {
			return nil
		}
		in, ok := fd.instrs[id]
		if !ok {
			fd.fail(path, "operand %d not defined before use", id)
		}
		return in
	}
	must := func(id int, what string) Instruction {
		if id == 0 {
			fd.fail(path, "%s: missing %s operand", ij.Op, what)
			return nil
		}
		return ref(id)
	}
	block := func(name string) *Block {
		blk, ok := fd.blocks[name]
		if !ok {
			fd.fail(path, "unknown block %q", name)
		}
		return blk
	}
	konst := func(id uint32) *Const {
		c, ok := fd.d.consts[id]
		if !ok {
			fd.fail(path, "unknown const %d", id)
		}
		return c
	}
	order := func(s string) Ordering {
		o, ok := parseOrdering(s)
		if !ok {
			fd.fail(path, "unknown ordering %q", s)
		}
		return o
	}

	var typ *Type
	if ij.Type != "" {
		t, err := fd.d.typeRef(ij.Type, path...)
		if err != nil {
			return err
		}
		typ = t
	}
	hdr := Instr{ID: ij.ID, Type: typ, Pos: Pos{File: fd.f.Pos.File, Line: ij.Line, Col: ij.Col}}
	slot := -1
	if ij.Slot != nil {
		slot = *ij.Slot
	}

	var in Instruction
	if op, ok := parseBinOp(ij.Op); ok {
		in = &BinOp{Instr: hdr, Op: op, X: must(ij.X, "x"), Y: must(ij.Y, "y")}
	} else {
		switch ij.Op {
		case "const":
			c := konst(ij.Const)
			if hdr.Type == nil && c != nil {
				hdr.Type = c.Type
			}
			in = &Constant{Instr: hdr, Value: c}
		case "arg":
			in = &Arg{Instr: hdr, Index: ij.Arg}
		case "cmp":
			pred, ok := parseCmpPred(ij.Kind)
			if !ok {
				fd.fail(path, "unknown predicate %q", ij.Kind)
			}
			in = &Cmp{Instr: hdr, Pred: pred, X: must(ij.X, "x"), Y: must(ij.Y, "y")}
		case "neg":
			in = &Negate{Instr: hdr, X: must(ij.X, "x"), Wrap: ij.Wrap}
		case "bit_not":
			in = &BitNot{Instr: hdr, X: must(ij.X, "x")}
		case "bool_not":
			in = &BoolNot{Instr: hdr, X: must(ij.X, "x")}
		case "overflow":
			op, ok := parseBinOp(ij.Kind)
			if !ok {
				fd.fail(path, "unknown overflow op %q", ij.Kind)
			}
			in = &OverflowOp{Instr: hdr, Op: op, X: must(ij.X, "x"), Y: must(ij.Y, "y"), Result: must(ij.Result, "result")}
		case "bit_op":
			op, ok := lookup(ij.Kind, bitOpNames)
			if !ok {
				fd.fail(path, "unknown bit op %q", ij.Kind)
			}
			in = &BitOp{Instr: hdr, Op: BitOpKind(op), X: must(ij.X, "x")}
		case "float_op":
			op, ok := lookup(ij.Kind, floatOpNames)
			if !ok {
				fd.fail(path, "unknown float op %q", ij.Kind)
			}
			in = &FloatOp{Instr: hdr, Op: FloatOpKind(op), X: must(ij.X, "x")}
		case "mul_add":
			in = &MulAdd{Instr: hdr, X: must(ij.X, "x"), Y: must(ij.Y, "y"), Z: must(ij.Z, "z")}
		case "alloca":
			elem, err := fd.d.typeRef(ij.Elem, path...)
			if err != nil {
				return err
			}
			if hdr.Type == nil {
				hdr.Type = fd.d.m.Types.SinglePtr(elem)
			}
			align := ij.Align
			if align == 0 {
				align = elem.Align
			}
			in = &Alloca{Instr: hdr, Elem: elem, Name: ij.Name, Slot: slot, Align: align}
		case "load":
			in = &Load{Instr: hdr, Ptr: must(ij.Ptr, "ptr")}
		case "store":
			in = &Store{Instr: hdr, Ptr: must(ij.Ptr, "ptr"), Value: must(ij.Value, "value")}
		case "memset":
			in = &Memset{Instr: hdr, Dest: must(ij.Dest, "dest"), Value: must(ij.Value, "value"), Len: must(ij.Len, "len")}
		case "memcpy":
			in = &Memcpy{Instr: hdr, Dest: must(ij.Dest, "dest"), Src: must(ij.Src, "src"), Len: must(ij.Len, "len")}
		case "field_ptr":
			in = &FieldPtr{Instr: hdr, Ptr: must(ij.Ptr, "ptr"), Field: ij.Field}
		case "union_field_ptr":
			in = &UnionFieldPtr{Instr: hdr, Ptr: must(ij.Ptr, "ptr"), Field: ij.Field}
		case "union_init":
			in = &UnionInit{Instr: hdr, Ptr: must(ij.Ptr, "ptr"), Field: ij.Field}
		case "elem_ptr":
			in = &ElemPtr{Instr: hdr, Ptr: must(ij.Ptr, "ptr"), Index: must(ij.Index, "index")}
		case "slice":
			in = &Slice{Instr: hdr, Ptr: must(ij.Ptr, "ptr"), Start: must(ij.Start, "start"), End: ref(ij.End)}
		case "slice_ptr":
			in = &SlicePtr{Instr: hdr, X: must(ij.X, "x")}
		case "slice_len":
			in = &SliceLen{Instr: hdr, X: must(ij.X, "x")}
		case "global_ptr":
			g := fd.d.m.Global(ij.Global)
			if g == nil {
				fd.fail(path, "unknown global %q", ij.Global)
			}
			in = &GlobalPtr{Instr: hdr, Global: g}
		case "int_cast":
			in = &IntCast{Instr: hdr, X: must(ij.X, "x")}
		case "truncate":
			in = &Truncate{Instr: hdr, X: must(ij.X, "x")}
		case "float_cast":
			in = &FloatCast{Instr: hdr, X: must(ij.X, "x")}
		case "int_to_float":
			in = &IntToFloat{Instr: hdr, X: must(ij.X, "x")}
		case "float_to_int":
			in = &FloatToInt{Instr: hdr, X: must(ij.X, "x")}
		case "ptr_to_int":
			in = &PtrToInt{Instr: hdr, X: must(ij.X, "x")}
		case "int_to_ptr":
			in = &IntToPtr{Instr: hdr, X: must(ij.X, "x")}
		case "ptr_cast":
			in = &PtrCast{Instr: hdr, X: must(ij.X, "x")}
		case "bit_cast":
			in = &BitCast{Instr: hdr, X: must(ij.X, "x")}
		case "align_cast":
			in = &AlignCast{Instr: hdr, X: must(ij.X, "x")}
		case "int_to_enum":
			in = &IntToEnum{Instr: hdr, X: must(ij.X, "x")}
		case "enum_to_int":
			in = &EnumToInt{Instr: hdr, X: must(ij.X, "x")}
		case "int_to_err":
			in = &IntToErr{Instr: hdr, X: must(ij.X, "x")}
		case "err_to_int":
			in = &ErrToInt{Instr: hdr, X: must(ij.X, "x")}
		case "err_set_cast":
			in = &ErrSetCast{Instr: hdr, X: must(ij.X, "x")}
		case "vector_to_array":
			in = &VectorToArray{Instr: hdr, X: must(ij.X, "x")}
		case "array_to_vector":
			in = &ArrayToVector{Instr: hdr, X: must(ij.X, "x")}
		case "optional_wrap":
			in = &OptionalWrap{Instr: hdr, X: must(ij.X, "x")}
		case "optional_payload":
			in = &OptionalPayload{Instr: hdr, X: must(ij.X, "x"), Check: ij.Check}
		case "optional_payload_ptr":
			in = &OptionalPayloadPtr{Instr: hdr, Ptr: must(ij.Ptr, "ptr"), Check: ij.Check, Init: ij.Init}
		case "test_non_null":
			in = &TestNonNull{Instr: hdr, X: must(ij.X, "x")}
		case "err_wrap_code":
			in = &ErrWrapCode{Instr: hdr, X: must(ij.X, "x")}
		case "err_wrap_payload":
			in = &ErrWrapPayload{Instr: hdr, X: must(ij.X, "x")}
		case "unwrap_err_code":
			in = &UnwrapErrCode{Instr: hdr, X: must(ij.X, "x")}
		case "unwrap_err_payload":
			in = &UnwrapErrPayload{Instr: hdr, X: must(ij.X, "x"), Check: ij.Check}
		case "err_payload_ptr":
			in = &ErrPayloadPtr{Instr: hdr, Ptr: must(ij.Ptr, "ptr"), Check: ij.Check, Init: ij.Init}
		case "test_err":
			in = &TestErr{Instr: hdr, X: must(ij.X, "x")}
		case "union_tag":
			in = &UnionTag{Instr: hdr, X: must(ij.X, "x")}
		case "tag_name":
			in = &TagName{Instr: hdr, X: must(ij.X, "x")}
		case "err_name":
			in = &ErrName{Instr: hdr, X: must(ij.X, "x")}
		case "splat":
			in = &Splat{Instr: hdr, X: must(ij.X, "x")}
		case "shuffle":
			in = &Shuffle{Instr: hdr, A: must(ij.A, "a"), B: ref(ij.B), Mask: ij.Mask}
		case "reduce":
			op, ok := lookup(ij.Kind, reduceNames)
			if !ok {
				fd.fail(path, "unknown reduction %q", ij.Kind)
			}
			in = &Reduce{Instr: hdr, Op: ReduceOp(op), X: must(ij.X, "x")}
		case "select":
			in = &Select{Instr: hdr, Cond: must(ij.Cond, "cond"), X: must(ij.X, "x"), Y: must(ij.Y, "y")}
		case "atomic_load":
			in = &AtomicLoad{Instr: hdr, Ptr: must(ij.Ptr, "ptr"), Order: order(ij.Order)}
		case "atomic_store":
			in = &AtomicStore{Instr: hdr, Ptr: must(ij.Ptr, "ptr"), Value: must(ij.Value, "value"), Order: order(ij.Order)}
		case "atomic_rmw":
			op, ok := lookup(ij.Kind, rmwNames)
			if !ok {
				fd.fail(path, "unknown rmw op %q", ij.Kind)
			}
			in = &AtomicRmw{Instr: hdr, Op: RmwOp(op), Ptr: must(ij.Ptr, "ptr"), Value: must(ij.Value, "value"), Order: order(ij.Order)}
		case "cmpxchg":
			in = &Cmpxchg{Instr: hdr, Ptr: must(ij.Ptr, "ptr"), Expected: must(ij.Expected, "expected"), New: must(ij.New, "new"),
				Success: order(ij.Success), Failure: order(ij.Failure), Weak: ij.Weak}
		case "fence":
			in = &Fence{Instr: hdr, Order: order(ij.Order)}
		case "call":
			c := &Call{Instr: hdr, FnPtr: ref(ij.FnPtr), Frame: ref(ij.Frame), ResultLoc: ref(ij.ResultLoc), FrameSlot: slot}
			if ij.Callee != "" {
				c.Callee = fd.d.funcs[ij.Callee]
				if c.Callee == nil {
					fd.fail(path, "unknown callee %q", ij.Callee)
				}
			} else if c.FnPtr == nil {
				fd.fail(path, "call without callee")
			}
			for _, a := range ij.Args {
				c.Args = append(c.Args, must(a, "arg"))
			}
			mod, ok := lookup(ij.Modifier, modifierNames)
			if !ok {
				fd.fail(path, "unknown call modifier %q", ij.Modifier)
			}
			c.Modifier = CallModifier(mod)
			if hdr.Type == nil && c.Callee != nil && c.Callee.Type != nil {
				c.Type = c.Callee.Type.Fn.Return
			}
			in = c
		case "ret":
			in = &Return{Instr: hdr, Value: ref(ij.Value)}
		case "save_err_ret_addr":
			in = &SaveErrRetAddr{Instr: hdr}
		case "err_return_trace":
			in = &ErrReturnTrace{Instr: hdr}
		case "panic":
			in = &Panic{Instr: hdr, Msg: must(ij.Msg, "msg")}
		case "return_address":
			in = &ReturnAddress{Instr: hdr}
		case "frame_address":
			in = &FrameAddress{Instr: hdr}
		case "breakpoint":
			in = &Breakpoint{Instr: hdr}
		case "br":
			in = &Br{Instr: hdr, Target: block(ij.Target)}
		case "cond_br":
			in = &CondBr{Instr: hdr, Cond: must(ij.Cond, "cond"), Then: block(ij.Then), Else: block(ij.Else)}
		case "switch":
			sw := &Switch{Instr: hdr, X: must(ij.X, "x")}
			if ij.Else != "" {
				sw.Else = block(ij.Else)
			}
			for _, cj := range ij.Cases {
				sw.Cases = append(sw.Cases, SwitchCase{Value: konst(cj.Const), Target: block(cj.Target)})
			}
			in = sw
		case "unreachable":
			in = &Unreachable{Instr: hdr}
		case "phi":
			p := &Phi{Instr: hdr}
			fd.phis = append(fd.phis, pendingPhi{phi: p, edges: ij.Edges})
			in = p
		case "suspend_begin":
			in = &SuspendBegin{Instr: hdr}
		case "suspend_finish":
			begin, _ := ref(ij.Begin).(*SuspendBegin)
			if begin == nil {
				fd.fail(path, "suspend_finish without suspend_begin")
			}
			in = &SuspendFinish{Instr: hdr, Begin: begin}
		case "resume":
			in = &Resume{Instr: hdr, Frame: must(ij.Frame, "frame")}
		case "await":
			in = &Await{Instr: hdr, Frame: must(ij.Frame, "frame"), ResultLoc: ref(ij.ResultLoc), NoSuspend: ij.NoSuspend}
		case "frame_handle":
			in = &FrameHandle{Instr: hdr}
		case "frame_size":
			fn := fd.d.funcs[ij.Callee]
			if fn == nil {
				fd.fail(path, "unknown function %q", ij.Callee)
			}
			in = &FrameSize{Instr: hdr, Func: fn}
		case "spill_begin":
			in = &SpillBegin{Instr: hdr, X: must(ij.X, "x"), Slot: slot}
		case "spill_end":
			begin, _ := ref(ij.Begin).(*SpillBegin)
			if begin == nil {
				fd.fail(path, "spill_end without spill_begin")
			}
			in = &SpillEnd{Instr: hdr, Begin: begin}
		default:
			return decodeErr(path, "unknown op %q", ij.Op)
		}
	}
	if fd.err != nil {
		return fd.err
	}
	fd.inferType(in)

	fd.b.Emit(in)
	if ij.ID != 0 {
		if _, dup := fd.instrs[ij.ID]; dup {
			return decodeErr(path, "duplicate instruction id %d", ij.ID)
		}
		fd.instrs[ij.ID] = in
	}
	return nil
}

var (
	bitOpNames    = []string{"clz", "ctz", "popcount", "byte_swap", "bit_reverse"}
	floatOpNames  = []string{"sqrt", "sin", "cos", "exp", "exp2", "log", "log2", "log10", "fabs", "floor", "ceil", "trunc", "round"}
	reduceNames   = []string{"and", "or", "xor", "min", "max", "add", "mul"}
	rmwNames      = []string{"xchg", "add", "sub", "and", "nand", "or", "xor", "max", "min"}
	modifierNames = []string{"", "async", "nosuspend", "always_tail", "never_tail", "always_inline", "never_inline", "compile_time"}
	orderNames    = []string{"unordered", "monotonic", "acquire", "release", "acq_rel", "seq_cst"}
	cmpNames      = []string{"eq", "ne", "lt", "le", "gt", "ge"}
)

func lookup(s string, names []string) (int, bool) {
	for i, n := range names {
		if n == s {
			return i, true
		}
	}
	return 0, false
}

func parseBinOp(s string) (BinOpKind, bool) {
	for i, n := range binOpNames {
		if n == s {
			return BinOpKind(i), true
		}
	}
	return 0, false
}

func parseCmpPred(s string) (CmpPred, bool) {
	i, ok := lookup(s, cmpNames)
	return CmpPred(i), ok
}

func parseOrdering(s string) (Ordering, bool) {
	if s == "" {
		return OrderSeqCst, true
	}
	i, ok := lookup(s, orderNames)
	return Ordering(i), ok
}

// inferType fills in result types that follow from the operands.
func (fd *funcDecoder) inferType(in Instruction) {
	h := in.Header()
	if h.Type != nil {
		return
	}
	tt := fd.d.m.Types
	switch i := in.(type) {
	case *BinOp:
		h.Type = i.X.Header().Type
	case *Negate:
		h.Type = i.X.Header().Type
	case *BitNot:
		h.Type = i.X.Header().Type
	case *Cmp, *TestNonNull, *TestErr:
		h.Type = tt.Bool()
	case *BoolNot:
		h.Type = i.X.Header().Type
	case *Load:
		h.Type = i.Ptr.Header().Type.Elem
	case *SliceLen:
		h.Type = tt.Usize()
	case *Arg:
		if params := fd.f.Sig().Params; i.Index < len(params) {
			h.Type = params[i.Index]
		}
	case *OptionalPayload:
		h.Type = i.X.Header().Type.Elem
	case *UnwrapErrPayload:
		h.Type = i.X.Header().Type.Elem
	case *UnwrapErrCode:
		h.Type = i.X.Header().Type.ErrSet
	case *SpillEnd:
		h.Type = i.Begin.X.Header().Type
	}
}
