// Package layout computes byte offsets for sequentially placed fields.
//
// The same calculator places the synthetic fields of optionals and error
// unions during ABI classification and the slots of async frames, so both
// agree on where every field lives.
package layout

import "golang.org/x/exp/constraints"

// AlignTo rounds offset up to the next multiple of align. align must be a power of two or zero.
func AlignTo[T constraints.Unsigned](offset, align T) T {
	if align <= 1 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

// IsPow2 reports whether x is a non-zero power of two.
func IsPow2[T constraints.Integer](x T) bool {
	return x > 0 && x&(x-1) == 0
}

// Log2 returns floor(log2(x)) for x > 0.
func Log2[T constraints.Unsigned](x T) int {
	n := -1
	for x != 0 {
		x >>= 1
		n++
	}
	return n
}

// Info is the resolved layout of a composite.
type Info struct {
	Offsets []uint64
	Size    uint64
	Align   uint32
}

// Calculator places fields one after another at their natural alignment.
type Calculator struct {
	offsets []uint64
	offset  uint64
	align   uint32
}

// NewCalculator starts an empty composite.
func NewCalculator() *Calculator {
	return &Calculator{align: 1}
}

// Place appends a field and returns its offset.
func (c *Calculator) Place(size uint64, align uint32) uint64 {
	if align == 0 {
		align = 1
	}
	c.offset = AlignTo(c.offset, uint64(align))
	off := c.offset
	c.offsets = append(c.offsets, off)
	c.offset += size
	if align > c.align {
		c.align = align
	}
	return off
}

// PlaceAt appends a field at an externally supplied offset.
// The offset must not precede the end of the previous field.
func (c *Calculator) PlaceAt(off, size uint64, align uint32) uint64 {
	if off < c.offset {
		off = AlignTo(c.offset, uint64(max(align, 1)))
	}
	c.offset = off
	c.offsets = append(c.offsets, off)
	c.offset += size
	if align > c.align {
		c.align = align
	}
	return off
}

// Offset is the end of the last placed field.
func (c *Calculator) Offset() uint64 {
	return c.offset
}

// Finish rounds the size up to the composite alignment.
func (c *Calculator) Finish() Info {
	return Info{
		Offsets: c.offsets,
		Size:    AlignTo(c.offset, uint64(c.align)),
		Align:   c.align,
	}
}

// Pair lays out two fields, placing the more aligned one first.
// It returns the offsets of a and b; ties keep a first.
func Pair(aSize uint64, aAlign uint32, bSize uint64, bAlign uint32) (aOff, bOff uint64, info Info) {
	c := NewCalculator()
	if bAlign > aAlign {
		bOff = c.Place(bSize, bAlign)
		aOff = c.Place(aSize, aAlign)
	} else {
		aOff = c.Place(aSize, aAlign)
		bOff = c.Place(bSize, bAlign)
	}
	return aOff, bOff, c.Finish()
}
