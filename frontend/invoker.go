package frontend

import (
	"fmt"

	"github.com/thiremani/cppjit/diag"
)

// Invoker runs one frontend (cc1) invocation with the given arguments and
// returns whatever diagnostics text it produced. A non-nil error means the
// invocation failed; the text then explains why.
type Invoker interface {
	Invoke(args []string) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(args []string) (string, error)

func (f InvokerFunc) Invoke(args []string) (string, error) {
	return f(args)
}

// DiagnosticsError is returned when the frontend rejects a translation unit.
type DiagnosticsError struct {
	Diagnostics []*diag.Diagnostic
	Output      string // raw frontend output, rendered verbatim by UIs
	Err         error
}

func (e *DiagnosticsError) Error() string {
	errs := diag.Errors(e.Diagnostics)
	switch len(errs) {
	case 0:
		if e.Err != nil {
			return fmt.Sprintf("frontend failed: %v", e.Err)
		}
		return "frontend failed"
	case 1:
		return errs[0].String()
	default:
		return fmt.Sprintf("%s (and %d more errors)", errs[0], len(errs)-1)
	}
}

func (e *DiagnosticsError) Unwrap() error { return e.Err }

// IOError is returned for file system failures around the frontend invocation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("frontend %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
