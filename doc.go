// Package llgen lowers a typed SSA program into an LLVM module.
//
// The library takes a fully analysed, type-checked SSA module (types with
// resolved layouts, constants, globals, functions made of basic blocks) and
// produces an in-memory LLVM module through github.com/llir/llvm, ready to be
// written as textual IR or handed to llc.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	llgen/
//	├── ssa/        Input model: types, constants, instructions, JSON decoder
//	├── target/     Target triple, data layout and code generation options
//	├── layout/     Field offset calculator shared by ABI and frame layout
//	├── abi/        C calling-convention classification (SysV, Win64, i386)
//	├── codegen/    Session: types, constants, instruction lowering, async frames
//	├── backend/    Structural verifier and IR/object emission through llc
//	├── errors/     Structured error types and diagnostics
//	└── cmd/llgen/  Command-line driver
//
// # Quick Start
//
// Lower a module and write it out:
//
//	sess, err := codegen.NewSession(codegen.Config{
//	    Target:  target.Native,
//	    Options: target.DefaultOptions(target.ReleaseSafe),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mod, err := sess.EmitModule(ctx, src)
//	if err != nil {
//	    log.Fatal(err) // *errors.DiagnosticsError lists every failed function
//	}
//
//	if err := backend.Verify(mod); err != nil {
//	    log.Fatal(err)
//	}
//	err = backend.Emit(ctx, mod, backend.Output{IR: "out.ll", Obj: "out.o"})
//
// # Error Handling
//
// Problems the backend can attribute to one function (an unsupported ABI
// combination, a constant that cannot be materialised) are collected as
// diagnostics and lowering continues with the next function. Input that
// breaks the SSA contract (an operand of the wrong type, a dangling block
// reference) panics with errors.Fatal; the CLI reports it as an internal
// error.
//
// # Async Functions
//
// Functions with the async calling convention are lowered as resumable
// state machines over a heap frame: a resume-index dispatch at entry, one
// resume point per suspension, and an atomic awaiter handshake between a
// returning callee and the frame awaiting it. See codegen.Frame.
package llgen
