package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// Diagnostics accumulates compile-time errors across a compilation.
// The zero value is ready to use.
type Diagnostics struct {
	err error
}

// Add records err; nil is ignored.
func (d *Diagnostics) Add(err error) {
	d.err = multierr.Append(d.err, err)
}

// Len returns the number of recorded diagnostics.
func (d *Diagnostics) Len() int {
	return len(multierr.Errors(d.err))
}

// Errors returns the recorded diagnostics in insertion order.
func (d *Diagnostics) Errors() []error {
	return multierr.Errors(d.err)
}

// Err returns nil when nothing was recorded, otherwise a *DiagnosticsError.
func (d *Diagnostics) Err() error {
	if d.err == nil {
		return nil
	}
	return &DiagnosticsError{Errors: multierr.Errors(d.err)}
}

// DiagnosticsError is returned when compilation stops on accumulated diagnostics
type DiagnosticsError struct {
	Errors []error
}

// Error renders diagnostics grouped by function
func (e *DiagnosticsError) Error() string {
	if len(e.Errors) == 0 {
		return "no diagnostics recorded"
	}

	byFunc := make(map[string][]string)
	var order []string
	for _, err := range e.Errors {
		fn := ""
		var se *Error
		if errors.As(err, &se) {
			fn = se.Func
		}
		if _, ok := byFunc[fn]; !ok {
			order = append(order, fn)
		}
		byFunc[fn] = append(byFunc[fn], err.Error())
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i] < order[j] })

	var b strings.Builder
	fmt.Fprintf(&b, "compilation failed with %d diagnostic(s)", len(e.Errors))
	for _, fn := range order {
		b.WriteString("\n")
		if fn == "" {
			b.WriteString("  module:")
		} else {
			b.WriteString("  ")
			b.WriteString(fn)
			b.WriteString(":")
		}
		for _, msg := range byFunc[fn] {
			b.WriteString("\n    ")
			b.WriteString(msg)
		}
	}
	return b.String()
}

// Is reports whether target is a DiagnosticsError
func (e *DiagnosticsError) Is(target error) bool {
	_, ok := target.(*DiagnosticsError)
	return ok
}

// Unwrap exposes the individual diagnostics to errors.Is/As
func (e *DiagnosticsError) Unwrap() []error {
	return e.Errors
}
