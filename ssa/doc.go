// Package ssa is the input model of the backend: fully typed SSA functions
// over a resolved type/layout table.
//
// Every size, alignment and field offset on a Type is supplied by the
// producer; nothing in this package recomputes them except the TypeTable
// helpers used to build test inputs and decode modules that omit layout.
//
// Instructions form a closed set. Each variant embeds Instr, and the
// lowering engine switches over the concrete types exhaustively.
package ssa
