package codegen

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/wippyai/llgen/abi"
	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

// fnABI is the native shape of a function signature.
type fnABI struct {
	fn  *ssa.FnType
	sig *types.FuncType
	cls abi.Signature
	// params holds the first native parameter of each declared parameter, -1 when ignored.
	params []int
	// sret and trace are native parameter indices, -1 when absent.
	sret  int
	trace int
	cc    enum.CallingConv
	async bool
}

// asyncFuncType is the uniform signature of every async function: it takes
// its own frame and returns nothing, so resumption is always a tail call.
func asyncFuncType() *types.FuncType {
	return types.NewFunc(types.Void, types.I8Ptr)
}

func isAsync(fn *ssa.FnType) bool {
	return fn.CC == ssa.CCAsync
}

// fnSigType is the native function type of a signature.
func (s *Session) fnSigType(fn *ssa.FnType) *types.FuncType {
	return s.fnABI(fn).sig
}

// fnABI classifies and lowers a signature once. A signature the classifier
// rejects is recorded as a diagnostic and lowered with the internal
// convention so lowering can continue to the end of the module.
func (s *Session) fnABI(fn *ssa.FnType) *fnABI {
	if a, ok := s.sigs[fn]; ok {
		return a
	}
	a := &fnABI{fn: fn, sret: -1, trace: -1, cc: callingConv(fn.CC)}
	s.sigs[fn] = a
	if isAsync(fn) {
		a.async = true
		a.sig = asyncFuncType()
		return a
	}

	cls, err := s.abi.ClassifySignature(fn)
	if err != nil {
		s.diag(errors.Wrap(errors.PhaseABI, errors.KindUnsupported, err, "signature "+(&ssa.Type{Kind: ssa.KindFn, Fn: fn}).String()))
		internal := *fn
		internal.CC = ssa.CCAuto
		cls, _ = s.abi.ClassifySignature(&internal)
	}
	a.cls = cls

	var params []types.Type
	var ret types.Type = types.Void
	switch c := cls.Return; c.Class {
	case abi.Ignore:
	case abi.SRet:
		a.sret = len(params)
		params = append(params, s.elemPtrType(fn.Return))
	case abi.Direct:
		ret = s.llType(fn.Return)
	default:
		ret = partsType(c.Parts)
	}
	if s.needsTraceParam(ssa.ReturnsError(fn)) {
		a.trace = len(params)
		params = append(params, s.tracePtrType())
	}
	a.params = make([]int, len(fn.Params))
	for i, p := range fn.Params {
		c := cls.Params[i]
		switch {
		case c.Class == abi.Ignore:
			a.params[i] = -1
		case c.Class.Indirect():
			a.params[i] = len(params)
			params = append(params, s.elemPtrType(p))
		case c.Class.Coerced():
			a.params[i] = len(params)
			for _, part := range c.Parts {
				params = append(params, partType(part))
			}
		default:
			a.params[i] = len(params)
			params = append(params, s.llType(p))
		}
	}
	a.sig = types.NewFunc(ret, params...)
	a.sig.Variadic = fn.Variadic
	return a
}

func callingConv(cc ssa.CallingConv) enum.CallingConv {
	switch cc {
	case ssa.CCAuto, ssa.CCAsync, ssa.CCInline:
		return enum.CallingConvFast
	case ssa.CCCold:
		return enum.CallingConvCold
	default:
		return enum.CallingConvC
	}
}

// partType is the register type of one coerced part.
func partType(p abi.Part) types.Type {
	if p.Class == abi.RegSSE {
		ft := floatType(p.FloatBits)
		if p.Floats > 1 {
			return types.NewVector(uint64(p.Floats), ft)
		}
		return ft
	}
	return types.NewInt(p.Size * 8)
}

// partsType is the native type carrying a coerced value.
func partsType(parts []abi.Part) types.Type {
	if len(parts) == 1 {
		return partType(parts[0])
	}
	ts := make([]types.Type, len(parts))
	for i, p := range parts {
		ts[i] = partType(p)
	}
	return types.NewStruct(ts...)
}

// declareFunc returns the native function for f, declaring it on first use.
func (s *Session) declareFunc(f *ssa.Function) *ir.Func {
	if fn, ok := s.funcs[f]; ok {
		return fn
	}
	a := s.fnABI(f.Sig())
	params := make([]*ir.Param, len(a.sig.Params))
	for i, pt := range a.sig.Params {
		params[i] = ir.NewParam("", pt)
	}
	for i, pi := range a.params {
		if pi >= 0 && i < len(f.Params) {
			params[pi].SetName(sanitize(f.Params[i]))
		}
	}
	fn := s.mod.NewFunc(f.Name, a.sig.RetType, params...)
	fn.Sig.Variadic = a.sig.Variadic
	fn.CallingConv = a.cc
	if a.async {
		params[0].SetName("frame")
	} else {
		s.paramAttrs(fn, a)
	}
	s.funcAttrs(fn, f)
	if f.Section != "" {
		fn.Section = f.Section
	}
	switch f.Linkage {
	case ssa.LinkInternal:
		if !f.IsExtern() {
			fn.Linkage = enum.LinkageInternal
		}
	case ssa.LinkWeak:
		fn.Linkage = enum.LinkageWeak
	}
	s.funcs[f] = fn
	return fn
}

func (s *Session) paramAttrs(fn *ir.Func, a *fnABI) {
	if a.sret >= 0 {
		p := fn.Params[a.sret]
		p.Attrs = append(p.Attrs, ir.SRet{Typ: s.llType(a.fn.Return)}, enum.ParamAttrNoAlias, enum.ParamAttrNonNull)
		p.SetName("result")
	}
	if a.trace >= 0 {
		p := fn.Params[a.trace]
		p.Attrs = append(p.Attrs, enum.ParamAttrNonNull)
		p.SetName("trace")
	}
	for i, pi := range a.params {
		if pi < 0 {
			continue
		}
		c := a.cls.Params[i]
		p := fn.Params[pi]
		switch c.Class {
		case abi.ByVal:
			p.Attrs = append(p.Attrs, ir.Byval{Typ: s.llType(a.fn.Params[i])}, ir.Align(c.Align))
		case abi.ByRef:
			p.Attrs = append(p.Attrs, enum.ParamAttrNonNull, enum.ParamAttrNoAlias)
		}
	}
}

// funcAttrs applies function attributes derived from the calling
// convention, inline hints and build options.
func (s *Session) funcAttrs(fn *ir.Func, f *ssa.Function) {
	attrs := []ir.FuncAttribute{enum.FuncAttrNoUnwind}
	switch f.Sig().CC {
	case ssa.CCCold:
		attrs = append(attrs, enum.FuncAttrCold)
	case ssa.CCInline:
		attrs = append(attrs, enum.FuncAttrAlwaysInline)
	case ssa.CCNaked:
		attrs = append(attrs, enum.FuncAttrNaked, enum.FuncAttrNoInline)
	}
	switch f.Inline {
	case ssa.InlineAlways:
		if f.Sig().CC != ssa.CCInline {
			attrs = append(attrs, enum.FuncAttrAlwaysInline)
		}
	case ssa.InlineNever:
		attrs = append(attrs, enum.FuncAttrNoInline)
	}
	if r := f.Sig().Return; r != nil && r.Kind == ssa.KindNoReturn {
		attrs = append(attrs, enum.FuncAttrNoReturn)
	}
	if !f.IsExtern() {
		switch s.opts.Mode {
		case target.Debug:
			attrs = append(attrs, ir.AttrPair{Key: "frame-pointer", Value: "all"})
		case target.ReleaseSmall:
			attrs = append(attrs, enum.FuncAttrOptSize, enum.FuncAttrMinSize)
		}
		if s.opts.Sanitize {
			attrs = append(attrs, enum.FuncAttrSanitizeThread)
		}
	}
	fn.FuncAttrs = append(fn.FuncAttrs, attrs...)
}
