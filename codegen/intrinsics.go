package codegen

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/wippyai/llgen/errors"
)

// intrinsic declares an LLVM intrinsic once per module.
func (s *Session) intrinsic(name string, ret types.Type, params ...types.Type) *ir.Func {
	if f, ok := s.intrinsics[name]; ok {
		return f
	}
	ps := make([]*ir.Param, len(params))
	for i, p := range params {
		ps[i] = ir.NewParam("", p)
	}
	f := s.mod.NewFunc(name, ret, ps...)
	f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoUnwind)
	s.intrinsics[name] = f
	return f
}

// typeSuffix is the overload suffix of t in intrinsic names.
func typeSuffix(t types.Type) string {
	switch t := t.(type) {
	case *types.IntType:
		return fmt.Sprintf("i%d", t.BitSize)
	case *types.FloatType:
		switch t.Kind {
		case types.FloatKindHalf:
			return "f16"
		case types.FloatKindFloat:
			return "f32"
		case types.FloatKindDouble:
			return "f64"
		case types.FloatKindX86_FP80:
			return "f80"
		case types.FloatKindFP128:
			return "f128"
		}
	case *types.VectorType:
		return fmt.Sprintf("v%d%s", t.Len, typeSuffix(t.ElemType))
	case *types.PointerType:
		return "p0" + typeSuffix(t.ElemType)
	}
	errors.Fatal(errors.PhaseLower, "no intrinsic suffix for %s", t)
	return ""
}

// overflowIntrinsic is llvm.{s,u}{add,sub,mul}.with.overflow for t.
func (s *Session) overflowIntrinsic(op string, signed bool, t types.Type) *ir.Func {
	sign := "u"
	if signed {
		sign = "s"
	}
	name := fmt.Sprintf("llvm.%s%s.with.overflow.%s", sign, op, typeSuffix(t))
	return s.intrinsic(name, types.NewStruct(t, boolLike(t)), t, t)
}

// boolLike is i1, or a vector of i1 matching t's lane count.
func boolLike(t types.Type) types.Type {
	if vt, ok := t.(*types.VectorType); ok {
		return types.NewVector(vt.Len, types.I1)
	}
	return types.I1
}

// unaryIntrinsic is llvm.<name>.<t> taking and returning t.
func (s *Session) unaryIntrinsic(name string, t types.Type) *ir.Func {
	return s.intrinsic(fmt.Sprintf("llvm.%s.%s", name, typeSuffix(t)), t, t)
}

// reduceIntrinsic is llvm.vector.reduce.<op> for vector type vt.
func (s *Session) reduceIntrinsic(op string, vt *types.VectorType) *ir.Func {
	name := fmt.Sprintf("llvm.vector.reduce.%s.%s", op, typeSuffix(vt))
	switch op {
	case "fadd", "fmul":
		return s.intrinsic(name, vt.ElemType, vt.ElemType, vt)
	default:
		return s.intrinsic(name, vt.ElemType, vt)
	}
}

// memcpyIntrinsic is llvm.memcpy.p0i8.p0i8.<usize>.
func (s *Session) memcpyIntrinsic() *ir.Func {
	name := "llvm.memcpy.p0i8.p0i8." + typeSuffix(s.usize)
	return s.intrinsic(name, types.Void, types.I8Ptr, types.I8Ptr, s.usize, types.I1)
}

// memsetIntrinsic is llvm.memset.p0i8.<usize>.
func (s *Session) memsetIntrinsic() *ir.Func {
	name := "llvm.memset.p0i8." + typeSuffix(s.usize)
	return s.intrinsic(name, types.Void, types.I8Ptr, types.I8, s.usize, types.I1)
}

// addressIntrinsic is llvm.returnaddress or llvm.frameaddress.
func (s *Session) addressIntrinsic(name string) *ir.Func {
	if name == "frameaddress" {
		return s.intrinsic("llvm.frameaddress.p0i8", types.I8Ptr, types.I32)
	}
	return s.intrinsic("llvm."+name, types.I8Ptr, types.I32)
}
