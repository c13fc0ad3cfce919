package codegen

import (
	"path/filepath"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/metadata"

	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

const producer = "llgen"

// debugInfo holds the module's debug metadata. Every node is a numbered
// definition.
type debugInfo struct {
	unit   *metadata.DICompileUnit
	files  map[string]*metadata.DIFile
	fnType *metadata.DISubroutineType
}

// debug returns the debug metadata builder, or nil when debug info is
// stripped.
func (s *Session) debug() *debugInfo {
	if s.opts.StripDebugInfo {
		return nil
	}
	if s.dbg != nil {
		return s.dbg
	}
	d := &debugInfo{files: make(map[string]*metadata.DIFile)}
	s.dbg = d
	d.unit = &metadata.DICompileUnit{
		Distinct:     true,
		Language:     enum.DwarfLangC99,
		File:         s.debugFile(s.src.Source),
		Producer:     producer,
		IsOptimized:  s.opts.Mode != target.Debug,
		EmissionKind: enum.EmissionKindFullDebug,
	}
	s.addMetadata(d.unit)
	types := &metadata.Tuple{}
	s.addMetadata(types)
	d.fnType = &metadata.DISubroutineType{Types: types}
	s.addMetadata(d.fnType)
	return d
}

func (s *Session) addMetadata(def metadata.Definition) {
	def.SetID(int64(len(s.mod.MetadataDefs)))
	s.mod.MetadataDefs = append(s.mod.MetadataDefs, def)
}

func (s *Session) debugFile(name string) *metadata.DIFile {
	d := s.dbg
	if f, ok := d.files[name]; ok {
		return f
	}
	dir, base := filepath.Split(name)
	if base == "" {
		base = "<unknown>"
	}
	f := &metadata.DIFile{Filename: base, Directory: filepath.Clean(dir)}
	if dir == "" {
		f.Directory = "."
	}
	s.addMetadata(f)
	d.files[name] = f
	return f
}

// subprogram attaches a DISubprogram to the definition of f.
func (s *Session) subprogram(f *ssa.Function, fn *ir.Func) *metadata.DISubprogram {
	d := s.debug()
	if d == nil {
		return nil
	}
	file := d.unit.File
	if f.Pos.File != "" {
		file = s.debugFile(f.Pos.File)
	}
	sub := &metadata.DISubprogram{
		Distinct:    true,
		Scope:       file,
		Name:        f.Name,
		LinkageName: fn.Name(),
		File:        file,
		Line:        int64(f.Pos.Line),
		Type:        d.fnType,
		ScopeLine:   int64(f.Pos.Line),
		SPFlags:     enum.DISPFlagDefinition,
		Unit:        d.unit,
		IsOptimized: d.unit.IsOptimized,
	}
	if f.Linkage == ssa.LinkInternal {
		sub.SPFlags |= enum.DISPFlagLocalToUnit
	}
	s.addMetadata(sub)
	fn.Metadata = append(fn.Metadata, &metadata.Attachment{Name: "dbg", Node: sub})
	return sub
}

// attachLocation gives a call the source position of the instruction
// being lowered. Calls need a location whenever their function has a
// subprogram, so instructions without one fall back to the function.
func (l *funcLowerer) attachLocation(call *ir.InstCall) {
	if l.sub == nil {
		return
	}
	pos := l.pos
	if pos.Line == 0 {
		pos = l.fn.Pos
	}
	loc := &metadata.DILocation{
		Line:   int64(pos.Line),
		Column: int64(pos.Col),
		Scope:  l.sub,
	}
	l.s.addMetadata(loc)
	call.Metadata = append(call.Metadata, &metadata.Attachment{Name: "dbg", Node: loc})
}

// finishDebug emits the compile unit list and module flags.
func (s *Session) finishDebug() {
	d := s.dbg
	if d == nil {
		return
	}
	if s.mod.NamedMetadataDefs == nil {
		s.mod.NamedMetadataDefs = make(map[string]*metadata.NamedDef)
	}
	s.mod.NamedMetadataDefs["llvm.dbg.cu"] = &metadata.NamedDef{Name: "llvm.dbg.cu", Nodes: []metadata.Node{d.unit}}

	flag := func(behavior int64, key string, v int64) *metadata.Tuple {
		t := &metadata.Tuple{Fields: []metadata.Field{
			i32(behavior),
			&metadata.String{Value: key},
			i32(v),
		}}
		s.addMetadata(t)
		return t
	}
	s.mod.NamedMetadataDefs["llvm.module.flags"] = &metadata.NamedDef{
		Name: "llvm.module.flags",
		Nodes: []metadata.Node{
			flag(2, "Dwarf Version", 4),
			flag(2, "Debug Info Version", 3),
		},
	}
}
