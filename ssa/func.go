package ssa

// ScopeKind distinguishes declaration scopes from nested block scopes.
type ScopeKind uint8

const (
	ScopeDecl ScopeKind = iota
	ScopeBlock
)

// Scope carries per-scope code generation settings.
type Scope struct {
	Parent *Scope
	// Safety overrides runtime safety for this scope and its children.
	Safety *bool
	Kind   ScopeKind
}

// NewScope creates a child scope.
func NewScope(parent *Scope, kind ScopeKind) *Scope {
	return &Scope{Parent: parent, Kind: kind}
}

// SetSafety overrides runtime safety in this scope.
func (s *Scope) SetSafety(on bool) *Scope {
	s.Safety = &on
	return s
}

// SafetyOverride returns the innermost explicit safety setting.
func (s *Scope) SafetyOverride() (on, ok bool) {
	for sc := s; sc != nil; sc = sc.Parent {
		if sc.Safety != nil {
			return *sc.Safety, true
		}
	}
	return false, false
}

// Linkage is the visibility of a function or global.
type Linkage uint8

const (
	LinkInternal Linkage = iota
	LinkExport
	LinkWeak
	// LinkExtern declares a symbol defined elsewhere.
	LinkExtern
)

// InlineHint carries a function-level inlining request.
type InlineHint uint8

const (
	InlineAuto InlineHint = iota
	InlineAlways
	InlineNever
)

// SlotKind classifies a frame slot.
type SlotKind uint8

const (
	// SlotVar holds a local variable.
	SlotVar SlotKind = iota
	// SlotSpill holds a value live across a suspend point.
	SlotSpill
	// SlotCall is the staging frame of a nested async call.
	SlotCall
)

// FrameSlot is storage in an async function's frame chosen by the spill pass.
type FrameSlot struct {
	Type *Type
	// Callee is the async function whose frame a SlotCall holds.
	Callee *Function
	Name   string
	Align  uint32
	Kind   SlotKind
}

// Block is a basic block. Its last instruction is a terminator.
type Block struct {
	Scope  *Scope
	Name   string
	Instrs []Instruction
	Index  int
}

// Terminator returns the last instruction, or nil for an empty block.
func (b *Block) Terminator() Instruction {
	if len(b.Instrs) == 0 {
		return nil
	}
	return b.Instrs[len(b.Instrs)-1]
}

// Function is a function definition or declaration.
type Function struct {
	Type       *Type
	Scope      *Scope
	Name       string
	Section    string
	Params     []string
	Blocks     []*Block
	FrameSlots []FrameSlot
	Pos        Pos
	Linkage    Linkage
	Inline     InlineHint
	// Async marks functions compiled to a resumable state machine.
	Async bool
}

// Sig returns the function signature.
func (f *Function) Sig() *FnType {
	return f.Type.Fn
}

// IsExtern reports whether the function has no body in this module.
func (f *Function) IsExtern() bool {
	return f.Linkage == LinkExtern || len(f.Blocks) == 0
}

// ReturnsError reports whether the return type can carry an error.
func (f *Function) ReturnsError() bool {
	return ReturnsError(f.Type.Fn)
}

// ReturnsError reports whether a signature's return type can carry an error.
func ReturnsError(fn *FnType) bool {
	if fn == nil || fn.Return == nil {
		return false
	}
	k := fn.Return.Kind
	return k == KindErrorUnion || k == KindErrorSet
}

// Global is a module-level variable or constant.
type Global struct {
	Type    *Type
	Init    *Const
	Name    string
	Section string
	Pos     Pos
	Align   uint32
	Linkage Linkage
	// Const globals are immutable.
	Const       bool
	ThreadLocal bool
}

// Module is the unit handed to the backend.
type Module struct {
	Consts  *ConstPool
	Types   *TypeTable
	Name    string
	Source  string
	Globals []*Global
	Funcs   []*Function
	// Errors is the global error set; codes are unique and non-zero.
	Errors []*ErrorValue
}

// NewModule creates an empty module.
func NewModule(name string, types *TypeTable) *Module {
	return &Module{Name: name, Types: types, Consts: NewConstPool()}
}

// Func looks up a function by name.
func (m *Module) Func(name string) *Function {
	for _, f := range m.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Global looks up a global by name.
func (m *Module) Global(name string) *Global {
	for _, g := range m.Globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Error looks up an error by name, adding it with the next code if absent.
func (m *Module) Error(name string) *ErrorValue {
	var maxCode uint32
	for _, e := range m.Errors {
		if e.Name == name {
			return e
		}
		maxCode = max(maxCode, e.Code)
	}
	ev := &ErrorValue{Name: name, Code: maxCode + 1}
	m.Errors = append(m.Errors, ev)
	return ev
}
