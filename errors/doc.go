// Package errors provides structured error types for the llgen backend.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the function and type being processed, a field path, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseABI, errors.KindUnsupported).
//		Func("main.run").
//		Type("extern struct { a: f32, b: u8 }").
//		Detail("no classifier rule for aarch64").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Unsupported(errors.PhaseABI, "aarch64 aggregate parameters")
//	err := errors.Cycle(errors.PhaseFrame, []string{"a", "b", "a"})
//
// Compile-time errors are accumulated in a Diagnostics list; malformed input
// is reported through Fatal, which panics.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
