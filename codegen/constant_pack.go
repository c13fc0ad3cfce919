package codegen

import (
	"math"
	"math/big"
	"math/bits"

	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
)

// packHost bit-packs the fields of struct constant c that share the host
// integer at byte offset off.
func (s *Session) packHost(c *ssa.Const, off uint64) constant.Constant {
	var host *types.IntType
	acc := new(big.Int)
	for i, f := range c.Type.Fields {
		if f.HostBytes == 0 || f.Offset != off {
			continue
		}
		if host == nil {
			host = hostType(f)
		}
		e := c.Elems[i]
		if e.Undef {
			continue
		}
		bits := fieldBits(f.Type)
		v := constBits(e, bits)
		shift := s.bitShift(f.HostBytes, f.BitOffset, bits)
		acc.Or(acc, v.Lsh(v, uint(shift)))
	}
	if host == nil {
		errors.Fatal(errors.PhaseConst, "no bit-packed field at offset %d of %s", off, c.Type)
	}
	return s.intConst(host, acc)
}

// constBits is the raw bit pattern of a scalar constant, truncated to bits.
func constBits(c *ssa.Const, bits uint32) *big.Int {
	v := new(big.Int)
	switch c.Type.Kind {
	case ssa.KindBool:
		if c.Bool {
			v.SetInt64(1)
		}
	case ssa.KindInt, ssa.KindEnum:
		if c.Int != nil {
			v.Set(c.Int)
		}
	case ssa.KindErrorSet:
		v.SetInt64(errCode(c.Err))
	case ssa.KindFloat:
		v = floatBits(c.Float, c.Type.Bits)
	case ssa.KindPointer:
		switch {
		case c.Ptr == nil || c.Ptr.Kind == ssa.PtrNull:
		case c.Ptr.Kind == ssa.PtrAddr:
			v.SetUint64(c.Ptr.Addr)
		default:
			errors.Fatal(errors.PhaseConst, "pointer of kind %d in bit-packed %s has no integer value", c.Ptr.Kind, c.Type)
		}
	case ssa.KindStruct:
		// A nested packed struct contributes its own packed host integer.
		for i, f := range c.Type.Fields {
			if f.HostBytes == 0 {
				errors.Fatal(errors.PhaseConst, "field %s of %s is not bit-packed", f.Name, c.Type)
			}
			fb := fieldBits(f.Type)
			inner := constBits(c.Elems[i], fb)
			v.Or(v, inner.Lsh(inner, uint(f.BitOffset)))
		}
	default:
		errors.Fatal(errors.PhaseConst, "cannot bit-pack constant of type %s", c.Type)
	}
	mask := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	mask.Sub(mask, big.NewInt(1))
	return v.And(v, mask)
}

// floatBits is the IEEE encoding of v in a float of the given width. f80 is
// the x87 extended format with an explicit integer bit.
func floatBits(v float64, width uint32) *big.Int {
	switch width {
	case 16:
		return new(big.Int).SetUint64(float16Bits(v))
	case 32:
		return new(big.Int).SetUint64(uint64(math.Float32bits(float32(v))))
	case 64:
		return new(big.Int).SetUint64(math.Float64bits(v))
	case 80, 128:
		return widenFloat(v, width)
	}
	errors.Fatal(errors.PhaseConst, "no encoding for f%d", width)
	return nil
}

// float16Bits rounds v to binary16, ties to even.
func float16Bits(v float64) uint64 {
	b := math.Float64bits(v)
	sign := (b >> 48) & 0x8000
	exp := int(b>>52) & 0x7ff
	mant := b & (1<<52 - 1)
	if exp == 0x7ff {
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	}
	e := exp - 1023 + 15
	if e >= 0x1f {
		return sign | 0x7c00
	}
	var r, rem, half uint64
	if e <= 0 {
		if e < -10 {
			return sign
		}
		m := mant | 1<<52
		shift := uint(43 - e)
		r, rem, half = m>>shift, m&(uint64(1)<<shift-1), uint64(1)<<(shift-1)
	} else {
		r, rem, half = uint64(e)<<10|mant>>42, mant&(1<<42-1), 1<<41
	}
	if rem > half || (rem == half && r&1 == 1) {
		r++
	}
	return sign | r
}

// widenFloat encodes a float64 exactly in x86_fp80 or fp128.
func widenFloat(v float64, width uint32) *big.Int {
	b := math.Float64bits(v)
	neg := b>>63 != 0
	exp := int(b>>52) & 0x7ff
	mant := b & (1<<52 - 1)

	// frac holds the significand without its leading one, left-aligned at bit 52.
	var e int
	frac := mant
	switch {
	case exp == 0x7ff:
		e = 0x7fff
		if mant != 0 {
			frac = 1 << 51
		}
	case exp == 0 && mant == 0:
		e = 0
	case exp == 0:
		p := 63 - bits.LeadingZeros64(mant)
		e = p - 1074 + 16383
		frac = (mant << uint(52-p)) & (1<<52 - 1)
	default:
		e = exp - 1023 + 16383
	}

	out := new(big.Int)
	if width == 128 {
		out.SetUint64(frac)
		out.Lsh(out, 60)
	} else {
		sig := frac << 11
		if e != 0 {
			sig |= 1 << 63
		}
		out.SetUint64(sig)
	}
	hi := new(big.Int).SetInt64(int64(e))
	if neg {
		hi.SetBit(hi, 15, 1)
	}
	fracBits := uint(64)
	if width == 128 {
		fracBits = 112
	}
	return out.Or(out, hi.Lsh(hi, fracBits))
}

