package abi

import "github.com/wippyai/llgen/ssa"

type eightbyte struct {
	class     RegClass
	floatBits uint32
}

// merge combines the classes of two scalars sharing an eightbyte.
func merge(a, b RegClass) RegClass {
	switch {
	case a == b:
		return a
	case a == RegNone:
		return b
	case b == RegNone:
		return a
	case a == RegMemory || b == RegMemory:
		return RegMemory
	case a == RegInteger || b == RegInteger:
		return RegInteger
	default:
		return RegSSE
	}
}

type leafFunc func(off, size uint64, align uint32, cls RegClass, floatBits uint32)

// classifySysV applies the x86-64 System V aggregate rules.
func classifySysV(t *ssa.Type, result bool, ptrBytes uint64) Classification {
	base := Classification{Size: t.Size, Align: t.Align}
	memory := func() Classification {
		if result {
			base.Class = SRet
			return base
		}
		base.Class = ByVal
		base.Align = max(8, t.Align)
		return base
	}
	if t.Size > 16 {
		return memory()
	}

	ebs := make([]eightbyte, (t.Size+7)/8)
	inMemory := false
	visit := func(off, size uint64, align uint32, cls RegClass, floatBits uint32) {
		if align > 1 && off%uint64(align) != 0 {
			inMemory = true
			return
		}
		if size == 0 {
			return
		}
		for i := off / 8; i <= (off+size-1)/8 && i < uint64(len(ebs)); i++ {
			eb := &ebs[i]
			eb.class = merge(eb.class, cls)
			if cls == RegSSE {
				eb.floatBits = max(eb.floatBits, floatBits)
			}
		}
	}
	walk(t, 0, ptrBytes, visit)
	if inMemory {
		return memory()
	}

	sse, integer := 0, 0
	parts := make([]Part, len(ebs))
	for i, eb := range ebs {
		off := uint64(i) * 8
		p := Part{Offset: off, Size: min(8, t.Size-off)}
		switch eb.class {
		case RegMemory:
			return memory()
		case RegSSE:
			sse++
			p.Class = RegSSE
			p.FloatBits = eb.floatBits
			p.Floats = int(max(1, p.Size*8/uint64(eb.floatBits)))
		default:
			integer++
			p.Class = RegInteger
		}
		parts[i] = p
	}
	base.Parts = parts
	switch {
	case integer == 0:
		base.Class = SSEAggregate
	case sse == 0:
		base.Class = IntAggregate
	default:
		base.Class = MixedAggregate
	}
	return base
}

// walk visits every scalar leaf of t placed at byte offset off.
func walk(t *ssa.Type, off, ptrBytes uint64, visit leafFunc) {
	if !t.HasBits() {
		return
	}
	switch t.Kind {
	case ssa.KindBool, ssa.KindInt, ssa.KindEnum, ssa.KindPointer, ssa.KindFn,
		ssa.KindAnyFrame, ssa.KindErrorSet:
		visit(off, t.Size, t.Align, RegInteger, 0)
	case ssa.KindFloat:
		switch t.Bits {
		case 16, 32, 64:
			visit(off, t.Size, t.Align, RegSSE, t.Bits)
		default:
			visit(off, t.Size, t.Align, RegMemory, 0)
		}
	case ssa.KindVector:
		bits := uint32(64)
		if t.Elem.Kind == ssa.KindFloat && t.Elem.Bits <= 64 {
			bits = t.Elem.Bits
		}
		visit(off, t.Size, t.Align, RegSSE, bits)
	case ssa.KindSlice:
		visit(off, ptrBytes, uint32(ptrBytes), RegInteger, 0)
		visit(off+ptrBytes, ptrBytes, uint32(ptrBytes), RegInteger, 0)
	case ssa.KindArray:
		for i := uint64(0); i < t.Len; i++ {
			walk(t.Elem, off+i*t.Elem.Size, ptrBytes, visit)
		}
	case ssa.KindStruct:
		var host *ssa.Field
		for _, f := range t.Fields {
			if f.HostBytes == 0 {
				walk(f.Type, off+f.Offset, ptrBytes, visit)
				continue
			}
			if host != nil && host.Offset == f.Offset {
				continue
			}
			host = f
			visit(off+f.Offset, uint64(f.HostBytes), min(f.HostBytes, 8), RegInteger, 0)
		}
	case ssa.KindUnion:
		payload := uint64(0)
		if t.Tag != nil {
			var tagOff uint64
			tagOff, payload = t.UnionLayout()
			walk(t.Tag, off+tagOff, ptrBytes, visit)
		}
		for _, f := range t.Fields {
			walk(f.Type, off+payload, ptrBytes, visit)
		}
	case ssa.KindOptional:
		if t.OptionalRepr() != ssa.OptStruct {
			visit(off, t.Size, t.Align, RegInteger, 0)
			return
		}
		walk(t.Elem, off, ptrBytes, visit)
		visit(off+t.OptionalFlagOffset(), 1, 1, RegInteger, 0)
	case ssa.KindErrorUnion:
		if !t.Elem.HasBits() {
			walk(t.ErrSet, off, ptrBytes, visit)
			return
		}
		errOff, payloadOff := t.ErrUnionLayout()
		walk(t.ErrSet, off+errOff, ptrBytes, visit)
		walk(t.Elem, off+payloadOff, ptrBytes, visit)
	default:
		visit(off, t.Size, 1, RegMemory, 0)
	}
}
