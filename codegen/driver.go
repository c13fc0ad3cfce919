package codegen

import (
	"context"
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"go.uber.org/zap"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
)

// EmitModule lowers src into a fresh LLVM module.
//
// Lowering runs in a fixed order: the error name table, global
// declarations, global initializers, function declarations, async frame
// layouts, function bodies and finally debug metadata. A function that
// fails to lower is recorded as a diagnostic and the remaining functions
// are still lowered; the accumulated diagnostics are returned with the
// partial module. Malformed input panics with a *errors.Error of kind
// malformed.
func (s *Session) EmitModule(ctx context.Context, src *ssa.Module) (*ir.Module, error) {
	if src == nil {
		return nil, errors.InvalidInput(errors.PhaseEmit, nil, "nil module")
	}
	s.reset(src)
	log := s.log.With(zap.String("module", src.Name))
	log.Info("lowering module",
		zap.Int("functions", len(src.Funcs)),
		zap.Int("globals", len(src.Globals)),
		zap.Int("errors", len(src.Errors)))

	if len(src.Errors) > 0 {
		s.errNameTable(types.NewStruct(types.I8Ptr, s.usize))
	}
	for _, g := range src.Globals {
		s.declareGlobal(g)
	}
	for _, g := range src.Globals {
		s.initGlobal(g)
	}
	for _, f := range src.Funcs {
		s.declareFunc(f)
	}
	for _, f := range src.Funcs {
		if f.Async && !f.IsExtern() {
			s.frame(f)
		}
	}
	for _, f := range src.Funcs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("lowering %s: %w", src.Name, err)
		}
		if f.IsExtern() {
			continue
		}
		if err := s.lowerFunc(f); err != nil {
			log.Debug("function failed", zap.String("func", f.Name), zap.Error(err))
			s.diag(err)
		}
	}
	s.finishDebug()

	if err := s.diags.Err(); err != nil {
		log.Info("module has diagnostics", zap.Int("count", s.diags.Len()))
		return s.mod, err
	}
	log.Info("module lowered",
		zap.Int("llvm_functions", len(s.mod.Funcs)),
		zap.Int("llvm_globals", len(s.mod.Globals)))
	return s.mod, nil
}

// Diagnostics returns the diagnostics of the last EmitModule call.
func (s *Session) Diagnostics() []error {
	return s.diags.Errors()
}

func (s *Session) declareGlobal(g *ssa.Global) {
	if _, dup := s.globals[g]; dup {
		errors.Fatal(errors.PhaseEmit, "global %q listed twice", g.Name)
	}
	ig := s.mod.NewGlobal(g.Name, s.llType(g.Type))
	ig.Immutable = g.Const
	ig.Align = ir.Align(max(g.Align, g.Type.Align, 1))
	if g.Section != "" {
		ig.Section = g.Section
	}
	if g.ThreadLocal && !s.opts.SingleThreaded {
		ig.TLSModel = enum.TLSModelGeneric
	}
	switch g.Linkage {
	case ssa.LinkInternal:
		ig.Linkage = enum.LinkageInternal
	case ssa.LinkWeak:
		ig.Linkage = enum.LinkageWeak
	case ssa.LinkExtern:
		ig.Linkage = enum.LinkageExternal
	}
	s.globals[g] = ig
	if g.Init != nil {
		s.initOf[g.Init] = g
	}
}

// initGlobal installs the initializer after every global is declared so
// initializers may take the address of any global.
func (s *Session) initGlobal(g *ssa.Global) {
	if g.Linkage == ssa.LinkExtern {
		return
	}
	ig := s.globals[g]
	if g.Init == nil {
		ig.Init = constant.NewUndef(ig.ContentType)
		return
	}
	s.setInit(ig, s.constValue(g.Init))
}
