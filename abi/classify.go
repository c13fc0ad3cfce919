package abi

import (
	"fmt"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

// Class is the passing category of one parameter or return value.
type Class uint8

const (
	// Ignore: the value has no bits and is not passed.
	Ignore Class = iota
	// Direct: the value is passed in its native representation.
	Direct
	// SRet: the return value is written through a hidden noalias nonnull pointer.
	SRet
	// ByVal: an aggregate is copied to the stack through a byval pointer.
	ByVal
	// ByRef: an aggregate is passed as a plain pointer to caller storage.
	ByRef
	// IntAggregate: an aggregate is coerced to integers, one per Part.
	IntAggregate
	// SSEAggregate: an aggregate is coerced to floats, one register per Part.
	SSEAggregate
	// MixedAggregate: an aggregate spans integer and SSE registers.
	MixedAggregate
)

var classNames = [...]string{
	Ignore:         "ignore",
	Direct:         "direct",
	SRet:           "sret",
	ByVal:          "byval",
	ByRef:          "byref",
	IntAggregate:   "int_aggregate",
	SSEAggregate:   "sse_aggregate",
	MixedAggregate: "mixed_aggregate",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Indirect reports whether the value travels through a pointer.
func (c Class) Indirect() bool {
	return c == SRet || c == ByVal || c == ByRef
}

// Coerced reports whether the value is reassembled from register-sized parts.
func (c Class) Coerced() bool {
	return c == IntAggregate || c == SSEAggregate || c == MixedAggregate
}

// RegClass is the register class of one eightbyte.
type RegClass uint8

const (
	RegNone RegClass = iota
	RegInteger
	RegSSE
	RegMemory
)

func (r RegClass) String() string {
	switch r {
	case RegNone:
		return "none"
	case RegInteger:
		return "integer"
	case RegSSE:
		return "sse"
	case RegMemory:
		return "memory"
	default:
		return fmt.Sprintf("reg(%d)", uint8(r))
	}
}

// Part is one register-sized piece of a coerced aggregate.
type Part struct {
	Offset uint64
	// Size is the number of bytes the part covers; the last part may be short.
	Size  uint64
	Class RegClass
	// FloatBits and Floats describe an SSE part: Floats values of FloatBits each.
	FloatBits uint32
	Floats    int
}

// Classification is the decision for one parameter or return value.
type Classification struct {
	Parts []Part
	Size  uint64
	// Align is the alignment of the byval copy or of the coerced storage.
	Align uint32
	Class Class
}

// Signature is the classification of a whole function type.
type Signature struct {
	Params []Classification
	Return Classification
}

type key struct {
	t      *ssa.Type
	c      bool
	result bool
}

type entry struct {
	err error
	cls Classification
}

// Classifier classifies types for one target. It is not safe for concurrent use.
type Classifier struct {
	memo   map[key]entry
	target target.Target
}

// New creates a classifier for t.
func New(t target.Target) *Classifier {
	return &Classifier{target: t, memo: make(map[key]entry)}
}

// Target returns the target being classified for.
func (c *Classifier) Target() target.Target {
	return c.target
}

// IsC reports whether cc follows the platform C ABI.
func IsC(cc ssa.CallingConv) bool {
	return cc == ssa.CCC || cc == ssa.CCNaked
}

// ClassifyParam classifies a parameter of type t under calling convention cc.
func (c *Classifier) ClassifyParam(t *ssa.Type, cc ssa.CallingConv) (Classification, error) {
	return c.classify(t, IsC(cc), false)
}

// ClassifyReturn classifies a return value of type t under calling convention cc.
func (c *Classifier) ClassifyReturn(t *ssa.Type, cc ssa.CallingConv) (Classification, error) {
	return c.classify(t, IsC(cc), true)
}

// ClassifySignature classifies every parameter and the return value of fn.
// The first error is returned; the partial signature is still filled.
func (c *Classifier) ClassifySignature(fn *ssa.FnType) (Signature, error) {
	var sig Signature
	var first error
	ret, err := c.ClassifyReturn(fn.Return, fn.CC)
	if err != nil {
		first = err
	}
	sig.Return = ret
	sig.Params = make([]Classification, len(fn.Params))
	for i, p := range fn.Params {
		cls, err := c.ClassifyParam(p, fn.CC)
		if err != nil && first == nil {
			first = err
		}
		sig.Params[i] = cls
	}
	return sig, first
}

func (c *Classifier) classify(t *ssa.Type, cabi, result bool) (Classification, error) {
	k := key{t: t, c: cabi, result: result}
	if e, ok := c.memo[k]; ok {
		return e.cls, e.err
	}
	var e entry
	e.cls, e.err = c.compute(t, cabi, result)
	c.memo[k] = e
	return e.cls, e.err
}

func (c *Classifier) compute(t *ssa.Type, cabi, result bool) (Classification, error) {
	if !t.HasBits() {
		return Classification{Class: Ignore}, nil
	}
	base := Classification{Size: t.Size, Align: t.Align}
	if !t.IsAggregate() {
		base.Class = Direct
		return base, nil
	}
	if !cabi {
		return indirect(base, result, ByRef), nil
	}

	switch {
	case c.target.IsSysV():
		return classifySysV(t, result, c.target.PtrBytes()), nil
	case c.target.IsWin64():
		switch t.Size {
		case 1, 2, 4, 8:
			base.Class = IntAggregate
			base.Parts = []Part{{Offset: 0, Size: t.Size, Class: RegInteger}}
			return base, nil
		}
		return indirect(base, result, ByRef), nil
	case c.target.Arch == target.ArchI386:
		cls := indirect(base, result, ByVal)
		if cls.Class == ByVal {
			cls.Align = max(4, t.Align)
		}
		return cls, nil
	}
	return Classification{}, errors.UnsupportedABI(t.String(), c.target.String())
}

func indirect(base Classification, result bool, param Class) Classification {
	if result {
		base.Class = SRet
	} else {
		base.Class = param
	}
	return base
}
