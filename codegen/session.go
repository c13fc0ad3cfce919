// Package codegen lowers typed SSA modules to LLVM IR.
//
// A Session owns every per-compilation table: lowered types, function and
// global handles, materialized constants, panic messages, the error name
// table, intrinsic declarations and async frame layouts. Tables are built
// lazily on first use and discarded with the module. A Session is not safe
// for concurrent use; functions are lowered one at a time in module order.
package codegen

import (
	"fmt"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"go.uber.org/zap"

	"github.com/wippyai/llgen/abi"
	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

// Config configures a Session.
type Config struct {
	// Logger receives progress and diagnostics; nil uses the package logger.
	Logger  *zap.Logger
	Target  target.Target
	Options target.Options
}

// Session lowers one module at a time.
type Session struct {
	log  *zap.Logger
	abi  *abi.Classifier
	opts target.Options
	tgt  target.Target

	mod *ir.Module
	src *ssa.Module

	usize  *types.IntType
	errInt *types.IntType

	llTypes  map[*ssa.Type]types.Type
	structs  map[*ssa.Type]*structInfo
	typeName map[string]int
	sigs     map[*ssa.FnType]*fnABI
	funcs    map[*ssa.Function]*ir.Func
	globals  map[*ssa.Global]*ir.Global
	initOf   map[*ssa.Const]*ssa.Global
	frames   map[*ssa.Function]*Frame
	framing  []*ssa.Function
	anyFrame map[*ssa.Type]*Frame

	consts     map[*ssa.Const]constant.Constant
	constGlobs map[*ssa.Const]*ir.Global
	inflight   map[*ssa.Const]bool

	panicMsgs  [panicKindCount]*ir.Global
	panicFn    *ir.Func
	errNames   *ir.Global
	tagNames   map[*ssa.Type]*ir.Func
	intrinsics map[string]*ir.Func
	trace      *traceSupport
	dbg        *debugInfo

	diags   errors.Diagnostics
	nameSeq int
}

// NewSession validates cfg and creates a session.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Options.Validate(cfg.Target); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}
	return &Session{
		log:  log.With(zap.String("target", cfg.Target.String()), zap.String("mode", cfg.Options.Mode.String())),
		abi:  abi.New(cfg.Target),
		opts: cfg.Options,
		tgt:  cfg.Target,
	}, nil
}

// Target returns the session target.
func (s *Session) Target() target.Target { return s.tgt }

// Options returns the session options.
func (s *Session) Options() target.Options { return s.opts }

// reset prepares the per-module tables.
func (s *Session) reset(src *ssa.Module) {
	s.src = src
	s.mod = ir.NewModule()
	s.mod.SourceFilename = src.Source
	s.mod.TargetTriple = s.tgt.Triple()
	s.mod.DataLayout = s.tgt.DataLayout()

	s.usize = types.NewInt(uint64(s.tgt.PtrBits()))
	s.errInt = types.NewInt(uint64(s.opts.ErrIntBits))

	s.llTypes = make(map[*ssa.Type]types.Type)
	s.structs = make(map[*ssa.Type]*structInfo)
	s.typeName = make(map[string]int)
	s.sigs = make(map[*ssa.FnType]*fnABI)
	s.funcs = make(map[*ssa.Function]*ir.Func)
	s.globals = make(map[*ssa.Global]*ir.Global)
	s.initOf = make(map[*ssa.Const]*ssa.Global)
	s.frames = make(map[*ssa.Function]*Frame)
	s.framing = nil
	s.anyFrame = make(map[*ssa.Type]*Frame)
	s.consts = make(map[*ssa.Const]constant.Constant)
	s.constGlobs = make(map[*ssa.Const]*ir.Global)
	s.inflight = make(map[*ssa.Const]bool)
	s.panicMsgs = [panicKindCount]*ir.Global{}
	s.panicFn = nil
	s.errNames = nil
	s.tagNames = make(map[*ssa.Type]*ir.Func)
	s.intrinsics = make(map[string]*ir.Func)
	s.trace = nil
	s.dbg = nil
	s.diags = errors.Diagnostics{}
	s.nameSeq = 0
}

// tracing reports whether error return traces are threaded.
func (s *Session) tracing() bool {
	return s.opts.ErrorTracing
}

// safetyDefault is the safety setting of scopes without an override.
func (s *Session) safetyDefault() bool {
	return s.opts.Mode.SafetyDefault()
}

// wantSafety resolves the safety flag of a scope chain.
func (s *Session) wantSafety(sc *ssa.Scope) bool {
	if on, ok := sc.SafetyOverride(); ok {
		return on
	}
	return s.safetyDefault()
}

// uniqueName returns a module-unique symbol name derived from base.
func (s *Session) uniqueName(base string) string {
	s.nameSeq++
	return fmt.Sprintf("%s.%d", base, s.nameSeq)
}

// typeDefName returns a unique identified-struct name derived from base.
func (s *Session) typeDefName(base string) string {
	base = sanitize(base)
	n := s.typeName[base]
	s.typeName[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s.%d", base, n)
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}

// diag records a compile-time diagnostic.
func (s *Session) diag(err error) {
	s.log.Debug("diagnostic", zap.Error(err))
	s.diags.Add(err)
}
