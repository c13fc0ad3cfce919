// Package backend checks and writes out modules produced by codegen.
//
// Verify walks every defined function and reports structural defects:
// unterminated blocks, duplicate switch cases, phi nodes whose incoming
// blocks are not predecessors, and calls whose argument count does not
// match the callee signature.
//
// Emit writes textual LLVM IR and, when asked, drives the external llc
// tool to produce assembly or an object file:
//
//	out := backend.Output{IR: "main.ll", Obj: "main.o", Mode: target.ReleaseFast}
//	if err := backend.Emit(ctx, mod, out); err != nil {
//		return err
//	}
package backend
