package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseConfig Phase = "config" // options and target validation
	PhaseDecode Phase = "decode" // SSA module decoding
	PhaseABI    Phase = "abi"    // calling-convention classification
	PhaseFrame  Phase = "frame"  // async frame layout
	PhaseConst  Phase = "const"  // constant materialization
	PhaseLower  Phase = "lower"  // instruction lowering
	PhaseEmit   Phase = "emit"   // module emission and output
	PhaseVerify Phase = "verify" // structural verification
)

// Kind categorizes the error
type Kind string

const (
	KindTypeMismatch Kind = "type_mismatch"
	KindUnsupported  Kind = "unsupported"
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindCycle        Kind = "cycle"
	KindMalformed    Kind = "malformed"
	KindVerify       Kind = "verify"
	KindTool         Kind = "tool"
	KindOutOfBounds  Kind = "out_of_bounds"
	KindIO           Kind = "io"
)

// Error is the structured error type used throughout the backend
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Func   string
	Type   string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Func != "" {
		b.WriteString(" in ")
		b.WriteString(e.Func)
	}

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Type != "" {
		b.WriteString(": type ")
		b.WriteString(e.Type)
	}

	if e.Detail != "" {
		if e.Type != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Func sets the function being processed
func (b *Builder) Func(name string) *Builder {
	b.err.Func = name
	return b
}

// Type sets the offending type name
func (b *Builder) Type(t string) *Builder {
	b.err.Type = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, want, got string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Path:   path,
		Type:   got,
		Detail: fmt.Sprintf("expected %s", want),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// UnsupportedABI reports a (type, target) pair the classifier has no rule for
func UnsupportedABI(typeName, target string) *Error {
	return &Error{
		Phase:  PhaseABI,
		Kind:   KindUnsupported,
		Type:   typeName,
		Detail: fmt.Sprintf("unsupported ABI combination for target %s", target),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Path:   path,
		Detail: detail,
	}
}

// NotFound creates a missing entity error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
		Value:  name,
	}
}

// Cycle creates a dependency cycle error; chain lists the participants in order
func Cycle(phase Phase, chain []string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCycle,
		Path:   chain,
		Detail: "depends on itself",
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// Tool creates an external tool failure error
func Tool(name string, cause error, output string) *Error {
	detail := name + " failed"
	if output = strings.TrimSpace(output); output != "" {
		detail += ": " + output
	}
	return &Error{
		Phase:  PhaseEmit,
		Kind:   KindTool,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Malformed builds the error carried by Fatal
func Malformed(phase Phase, format string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMalformed,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Fatal aborts on a contract violation by an upstream producer.
// The panic value is a *Error of kind KindMalformed.
func Fatal(phase Phase, format string, args ...any) {
	panic(Malformed(phase, format, args...))
}

// AsFatal extracts a Fatal panic value, returning nil for anything else.
func AsFatal(r any) *Error {
	if e, ok := r.(*Error); ok && e.Kind == KindMalformed {
		return e
	}
	return nil
}
